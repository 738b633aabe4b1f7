package models

// Summary groups
const (
	GroupAll = "all"
)

// Distribution holds mean and percentiles of a sample, in seconds
type Distribution struct {
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P99  float64 `json:"p99"`
}

// Summary is the aggregate statistics for one group of outcomes.
// All values are zero when Valid is false.
type Summary struct {
	Group           string  `json:"group"`
	Valid           bool    `json:"valid"`
	Requests        int     `json:"requests"`
	Failures        int     `json:"failures"`
	StatusFailures  int     `json:"status_failures"`
	TransportErrors int     `json:"transport_errors"`
	ErrorRate       float64 `json:"error_rate"`
	DurationSeconds float64 `json:"duration_seconds"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	RequestsPerSecond float64 `json:"requests_per_second"`
	PrefillTokensPS   float64 `json:"prefill_tokens_per_second"`
	DecodeTokensPS    float64 `json:"decode_tokens_per_second"`

	Latency Distribution `json:"latency"`
	TTFT    Distribution `json:"ttft"`
	TPOT    Distribution `json:"tpot"`

	GapCount          int     `json:"gap_count"`
	TTFTThreshold     float64 `json:"ttft_slo"`
	TTFTViolations    int     `json:"ttft_violations"`
	TTFTViolationRate float64 `json:"ttft_violation_rate"`
	TPOTThreshold     float64 `json:"tpot_slo"`
	TPOTViolations    int     `json:"tpot_violations"`
	TPOTViolationRate float64 `json:"tpot_violation_rate"`
}
