package models

import "time"

// Role tags which kind of work a request represents
type Role string

const (
	RoleCombined Role = "combined" // Single endpoint serving prefill and decode
	RolePrefill  Role = "prefill"  // Compute bound: long prompt, one output token
	RoleDecode   Role = "decode"   // Memory bound: short prompt, trace output length
)

// TokenCount is a length field read from a trace. Valid is false when the
// cell was empty or could not be parsed.
type TokenCount struct {
	N     int  `json:"n"`
	Valid bool `json:"valid"`
}

// Count returns a valid TokenCount
func Count(n int) TokenCount {
	return TokenCount{N: n, Valid: true}
}

// Or returns the count, or fallback when the count is not valid
func (c TokenCount) Or(fallback int) int {
	if !c.Valid {
		return fallback
	}
	return c.N
}

// RequestOutcome is the measurement of one completed streaming request
type RequestOutcome struct {
	RequestID         string          `json:"request_id"`
	Role              Role            `json:"role"`
	Endpoint          string          `json:"endpoint"`
	ScheduledOffset   time.Duration   `json:"scheduled_offset"`
	SentAt            time.Time       `json:"send_time"`
	InputLen          int             `json:"input_len"`
	ExpectedOutputLen int             `json:"expected_output_len"`
	Status            int             `json:"status"`
	TTFT              time.Duration   `json:"ttft"`
	Latency           time.Duration   `json:"latency"`
	Gaps              []time.Duration `json:"token_intervals,omitempty"`
	Tokens            int             `json:"output_len"`

	// SLO flags derived when the outcome is recorded
	TTFTViolated bool `json:"ttft_violated"`
	SlowGaps     int  `json:"slow_gap_count"`
}

// ApplySLO sets the derived violation fields against the given thresholds
func (o *RequestOutcome) ApplySLO(ttft, tpot time.Duration) {
	o.TTFTViolated = ttft > 0 && o.TTFT > ttft
	o.SlowGaps = 0
	if tpot <= 0 {
		return
	}
	for _, g := range o.Gaps {
		if g > tpot {
			o.SlowGaps++
		}
	}
}

// FailureKind classifies why a dispatched request produced no outcome
type FailureKind string

const (
	FailureStatus    FailureKind = "status"    // Endpoint answered with a non-2xx status
	FailureTransport FailureKind = "transport" // Connect, timeout, or interrupted stream
)

// Failure records a dispatched request that contributed no outcome
type Failure struct {
	RequestID  string      `json:"request_id"`
	Role       Role        `json:"role"`
	Endpoint   string      `json:"endpoint"`
	Kind       FailureKind `json:"kind"`
	StatusCode int         `json:"status_code,omitempty"`
	Error      string      `json:"error"`
}
