package models

import "time"

// BenchmarkRun is everything collected during one replay
type BenchmarkRun struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Outcomes  []RequestOutcome `json:"outcomes"`
	Failures  []Failure        `json:"failures,omitempty"`
}

// Dispatched returns the number of requests that were fired
func (r *BenchmarkRun) Dispatched() int {
	return len(r.Outcomes) + len(r.Failures)
}

// RunRecord is the persisted description of a finished run
type RunRecord struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	Mode            string    `json:"mode"`
	TraceSource     string    `json:"trace_source"`
	Model           string    `json:"model"`
	SampleInterval  int       `json:"sample_interval"`
	MaxRequests     int       `json:"max_requests"`
	Speedup         float64   `json:"speedup"`
	DurationSeconds float64   `json:"duration_seconds"`
	Dispatched      int       `json:"dispatched"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	OutcomesPath    string    `json:"outcomes_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
