// Package replay fires trace requests at their scheduled offsets and collects
// the measured outcomes.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tracebench/tracebench/internal/completion"
	"github.com/tracebench/tracebench/internal/logging"
	"github.com/tracebench/tracebench/internal/metrics"
	"github.com/tracebench/tracebench/internal/prompt"
	"github.com/tracebench/tracebench/internal/sink"
	"github.com/tracebench/tracebench/internal/stats"
	"github.com/tracebench/tracebench/pkg/models"
)

const defaultMaxInFlight = 2000

// Streamer sends one streaming completion request
type Streamer interface {
	Stream(ctx context.Context, url string, req completion.Request) (*completion.Response, error)
}

// Engine dispatches jobs on schedule. An Engine may run several replays one
// after another but not concurrently.
type Engine struct {
	client        Streamer
	synth         *prompt.Synthesizer
	model         string
	slo           stats.SLO
	sem           *semaphore.Weighted
	limiter       *rate.Limiter
	sink          sink.Sink
	progressEvery int
	now           func() time.Time
}

// Option configures the engine
type Option func(*Engine)

// WithModel sets the model id sent with every request
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithSynthesizer sets the prompt synthesizer
func WithSynthesizer(s *prompt.Synthesizer) Option {
	return func(e *Engine) {
		e.synth = s
	}
}

// WithSLO sets the thresholds used to flag outcomes
func WithSLO(slo stats.SLO) Option {
	return func(e *Engine) {
		e.slo = slo
	}
}

// WithMaxInFlight caps concurrently admitted requests. Requests beyond the
// cap wait for a slot.
func WithMaxInFlight(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxRate caps the dispatch rate in requests per second. Zero disables the cap.
func WithMaxRate(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithSink publishes every outcome and failure as it is collected
func WithSink(s sink.Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithProgressEvery logs progress after every n collected results. Zero disables it.
func WithProgressEvery(n int) Option {
	return func(e *Engine) {
		e.progressEvery = n
	}
}

// NewEngine creates a replay engine
func NewEngine(client Streamer, opts ...Option) *Engine {
	e := &Engine{
		client:        client,
		synth:         prompt.New(),
		sem:           semaphore.NewWeighted(defaultMaxInFlight),
		progressEvery: 10,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// result is what a dispatch goroutine hands to the collector
type result struct {
	outcome *models.RequestOutcome
	failure *models.Failure
}

// Wait returns how long a job scheduled at offset must still wait once
// elapsed time has passed since the start. Late jobs wait zero.
func Wait(offset, elapsed time.Duration) time.Duration {
	if d := offset - elapsed; d > 0 {
		return d
	}
	return 0
}

// Run fires every job at its offset from a shared start instant and blocks
// until all of them finish. Failed requests never stop the run. When ctx is
// cancelled, waiting jobs are skipped, in-flight requests are aborted, and
// the partial run is returned together with the context error.
func (e *Engine) Run(ctx context.Context, jobs []Job) (*models.BenchmarkRun, error) {
	run := &models.BenchmarkRun{
		ID: ulid.Make().String(),
	}
	ctx = logging.WithRunID(ctx, run.ID)

	results := make(chan result, len(jobs))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		e.collect(ctx, run, len(jobs), results)
	}()

	logging.Info(ctx, "replay started", slog.Int("jobs", len(jobs)))

	start := e.now()
	run.StartedAt = start

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			e.dispatch(ctx, start, job, results)
		}(job)
	}

	wg.Wait()
	close(results)
	<-collected

	run.Duration = e.now().Sub(start)

	logging.Info(ctx, "replay finished",
		slog.Int("dispatched", run.Dispatched()),
		slog.Int("succeeded", len(run.Outcomes)),
		slog.Int("failed", len(run.Failures)),
		slog.Duration("duration", run.Duration))

	if err := ctx.Err(); err != nil {
		return run, fmt.Errorf("replay interrupted: %w", err)
	}
	return run, nil
}

// collect is the only writer of run.Outcomes and run.Failures
func (e *Engine) collect(ctx context.Context, run *models.BenchmarkRun, total int, results <-chan result) {
	done := 0
	for r := range results {
		switch {
		case r.outcome != nil:
			run.Outcomes = append(run.Outcomes, *r.outcome)
			if e.sink != nil {
				e.sink.Outcome(run.ID, *r.outcome)
			}
		case r.failure != nil:
			run.Failures = append(run.Failures, *r.failure)
			if e.sink != nil {
				e.sink.Failure(run.ID, *r.failure)
			}
		}

		done++
		if e.progressEvery > 0 && done%e.progressEvery == 0 {
			logging.Info(ctx, "replay progress",
				slog.Int("done", done),
				slog.Int("total", total),
				slog.Int("failed", len(run.Failures)))
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, start time.Time, job Job, results chan<- result) {
	if !e.waitUntil(ctx, start, job.Offset) {
		return
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	ctx = logging.WithRequestID(ctx, job.RequestID)
	ctx = logging.WithRole(ctx, string(job.Role))
	role := string(job.Role)

	req := completion.Request{
		Model:       e.model,
		Prompt:      e.synth.Prompt(job.PromptTokens),
		MaxTokens:   job.MaxTokens,
		Temperature: 0,
		IgnoreEOS:   true,
	}

	metrics.RecordDispatchLag(e.now().Sub(start) - job.Offset)
	metrics.RecordDispatched(role)

	resp, err := e.client.Stream(ctx, job.URL, req)
	if err != nil {
		failure := models.Failure{
			RequestID: job.RequestID,
			Role:      job.Role,
			Endpoint:  job.Endpoint,
			Kind:      models.FailureTransport,
			Error:     err.Error(),
		}
		if code, ok := completion.IsStatusError(err); ok {
			failure.Kind = models.FailureStatus
			failure.StatusCode = code
		}
		metrics.RecordFailure(role, string(failure.Kind))
		logging.Debug(ctx, "request failed", slog.String("kind", string(failure.Kind)), slog.String("error", failure.Error))
		results <- result{failure: &failure}
		return
	}

	outcome := models.RequestOutcome{
		RequestID:         job.RequestID,
		Role:              job.Role,
		Endpoint:          job.Endpoint,
		ScheduledOffset:   job.Offset,
		SentAt:            resp.SentAt,
		InputLen:          job.InputLen,
		ExpectedOutputLen: job.ExpectedOutputLen,
		Status:            resp.Status,
		TTFT:              resp.Timing.TTFT,
		Latency:           resp.Latency(),
		Gaps:              resp.Timing.Gaps,
		Tokens:            resp.Timing.Tokens,
	}
	outcome.ApplySLO(e.slo.TTFT, e.slo.TPOT)

	metrics.RecordCompleted(role, outcome.TTFT, outcome.Latency, outcome.Gaps)
	results <- result{outcome: &outcome}
}

// waitUntil sleeps until offset after start. It returns false if ctx ends first.
func (e *Engine) waitUntil(ctx context.Context, start time.Time, offset time.Duration) bool {
	wait := Wait(offset, e.now().Sub(start))
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
