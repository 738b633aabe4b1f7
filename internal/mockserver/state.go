package mockserver

import (
	"sync"
	"time"
)

// Behavior controls how the mock endpoint answers
type Behavior struct {
	Model        string        `json:"model"`
	TTFT         time.Duration `json:"ttft"`          // Delay before the first token
	InterToken   time.Duration `json:"inter_token"`   // Delay between tokens
	FailEvery    int           `json:"fail_every"`    // Every Nth request answers 503, 0 disables
	MaxTokensCap int           `json:"max_tokens_cap"` // Upper bound on streamed tokens, 0 = none
}

// DefaultBehavior is a fast, reliable endpoint
func DefaultBehavior() Behavior {
	return Behavior{
		Model:      "mock-llm",
		TTFT:       5 * time.Millisecond,
		InterToken: time.Millisecond,
	}
}

// Received is one request seen by the server
type Received struct {
	Path       string    `json:"path"`
	Prompt     string    `json:"prompt"`
	MaxTokens  int       `json:"max_tokens"`
	IgnoreEOS  bool      `json:"ignore_eos"`
	Stream     bool      `json:"stream"`
	ArrivedAt  time.Time `json:"arrived_at"`
	StatusCode int       `json:"status_code"`
}

// State holds the mock server's behavior and request log
type State struct {
	mu       sync.RWMutex
	behavior Behavior
	count    int
	received []Received
}

// NewState creates state with the given behavior
func NewState(b Behavior) *State {
	return &State{behavior: b}
}

// Behavior returns the current behavior
func (s *State) Behavior() Behavior {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.behavior
}

// SetBehavior replaces the current behavior
func (s *State) SetBehavior(b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
}

// admit logs a request and decides whether it fails
func (s *State) admit(r Received) (Behavior, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	fail := s.behavior.FailEvery > 0 && s.count%s.behavior.FailEvery == 0
	if fail {
		r.StatusCode = 503
	} else {
		r.StatusCode = 200
	}
	s.received = append(s.received, r)
	return s.behavior, fail
}

// Received returns a copy of the request log
func (s *State) Received() []Received {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

// Reset clears the request log and counter
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.received = nil
}
