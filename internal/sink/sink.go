// Package sink streams replay events to external consumers as they happen.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tracebench/tracebench/pkg/models"
)

// Event kinds
const (
	KindOutcome = "outcome"
	KindFailure = "failure"
)

// Event is one published message
type Event struct {
	RunID     string                 `json:"run_id"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Outcome   *models.RequestOutcome `json:"outcome,omitempty"`
	Failure   *models.Failure        `json:"failure,omitempty"`
}

// Sink receives outcomes and failures from the replay collector
type Sink interface {
	Outcome(runID string, o models.RequestOutcome)
	Failure(runID string, f models.Failure)
	Close() error
}

// Publisher is the subset of a NATS connection the sink needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on one subject
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials NATS and returns a sink publishing on subject
func Connect(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("tracebench"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s := NewNATSSink(conn, subject)
	s.conn = conn
	return s, nil
}

// NewNATSSink wraps an existing publisher
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{
		pub:     pub,
		subject: subject,
		logger:  slog.Default().With("component", "sink", "subject", subject),
	}
}

// Outcome publishes a completed request
func (s *NATSSink) Outcome(runID string, o models.RequestOutcome) {
	s.publish(Event{RunID: runID, Kind: KindOutcome, Timestamp: time.Now(), Outcome: &o})
}

// Failure publishes a failed request
func (s *NATSSink) Failure(runID string, f models.Failure) {
	s.publish(Event{RunID: runID, Kind: KindFailure, Timestamp: time.Now(), Failure: &f})
}

func (s *NATSSink) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		s.logger.Warn("failed to publish event", "kind", ev.Kind, "error", err)
	}
}

// Close flushes pending messages and closes a connection opened by Connect
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Multi fans every event out to several sinks
type Multi []Sink

// Outcome forwards a completed request to every sink
func (m Multi) Outcome(runID string, o models.RequestOutcome) {
	for _, s := range m {
		s.Outcome(runID, o)
	}
}

// Failure forwards a failed request to every sink
func (m Multi) Failure(runID string, f models.Failure) {
	for _, s := range m {
		s.Failure(runID, f)
	}
}

// Close closes every sink and joins their errors
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
