package api

import (
	"sync"
	"time"

	"github.com/tracebench/tracebench/pkg/models"
)

// Progress tracks the replay in flight. It implements sink.Sink so the
// replay engine can feed it directly.
type Progress struct {
	mu        sync.Mutex
	runID     string
	total     int
	completed int
	failed    int
	slowTTFT  int
	byRole    map[models.Role]int
	startedAt time.Time
	active    bool
	now       func() time.Time
}

// ProgressSnapshot is a point-in-time view of the replay
type ProgressSnapshot struct {
	RunID          string         `json:"run_id,omitempty"`
	Active         bool           `json:"active"`
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Remaining      int            `json:"remaining"`
	TTFTViolations int            `json:"ttft_violations"`
	ByRole         map[string]int `json:"completed_by_role,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
}

// NewProgress creates an idle tracker
func NewProgress() *Progress {
	return &Progress{
		byRole: make(map[models.Role]int),
		now:    time.Now,
	}
}

// Start resets the tracker for a replay of total requests
func (p *Progress) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runID = ""
	p.total = total
	p.completed = 0
	p.failed = 0
	p.slowTTFT = 0
	p.byRole = make(map[models.Role]int)
	p.startedAt = p.now()
	p.active = true
}

// Finish marks the replay as done
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}

// Outcome counts a completed request
func (p *Progress) Outcome(runID string, o models.RequestOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runID = runID
	p.completed++
	p.byRole[o.Role]++
	if o.TTFTViolated {
		p.slowTTFT++
	}
}

// Failure counts a failed request
func (p *Progress) Failure(runID string, _ models.Failure) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runID = runID
	p.failed++
}

// Close is a no-op; the tracker outlives the replay
func (p *Progress) Close() error {
	return nil
}

// Snapshot returns the current state
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := ProgressSnapshot{
		RunID:          p.runID,
		Active:         p.active,
		Total:          p.total,
		Completed:      p.completed,
		Failed:         p.failed,
		Remaining:      max(p.total-p.completed-p.failed, 0),
		TTFTViolations: p.slowTTFT,
		StartedAt:      p.startedAt,
	}
	if len(p.byRole) > 0 {
		snap.ByRole = make(map[string]int, len(p.byRole))
		for role, n := range p.byRole {
			snap.ByRole[string(role)] = n
		}
	}
	if p.active {
		snap.ElapsedSeconds = p.now().Sub(p.startedAt).Seconds()
	}
	return snap
}
