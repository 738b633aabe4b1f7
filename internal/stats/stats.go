// Package stats aggregates request outcomes into throughput, latency and
// SLO violation summaries.
package stats

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/tracebench/tracebench/pkg/models"
)

// SLO holds the latency thresholds a run is judged against
type SLO struct {
	TTFT time.Duration // Request level
	TPOT time.Duration // Inter-token gap level
}

// Options controls how failures enter the statistics
type Options struct {
	SLO SLO
	// ExcludeFailures keeps failed requests out of the TTFT violation
	// denominator. When false each failure counts as a TTFT violation.
	ExcludeFailures bool
}

// Percentile returns the p-th percentile (0-100) of sorted values using
// linear interpolation between closest ranks
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Mean returns the arithmetic mean, or 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}

// Distribute computes mean, p50, p90 and p99 of values. The slice is not modified.
func Distribute(values []float64) models.Distribution {
	if len(values) == 0 {
		return models.Distribution{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return models.Distribution{
		Mean: Mean(sorted),
		P50:  Percentile(sorted, 50),
		P90:  Percentile(sorted, 90),
		P99:  Percentile(sorted, 99),
	}
}

// Summarize computes the statistics for one group of outcomes over the
// wall-clock duration of the run
func Summarize(group string, outcomes []models.RequestOutcome, failures []models.Failure, duration time.Duration, opts Options) models.Summary {
	s := models.Summary{
		Group:         group,
		Requests:      len(outcomes),
		Failures:      len(failures),
		TTFTThreshold: opts.SLO.TTFT.Seconds(),
		TPOTThreshold: opts.SLO.TPOT.Seconds(),
	}
	if duration > 0 {
		s.DurationSeconds = duration.Seconds()
	}

	s.StatusFailures = lo.CountBy(failures, func(f models.Failure) bool { return f.Kind == models.FailureStatus })
	s.TransportErrors = lo.CountBy(failures, func(f models.Failure) bool { return f.Kind == models.FailureTransport })
	if dispatched := len(outcomes) + len(failures); dispatched > 0 {
		s.ErrorRate = float64(len(failures)) / float64(dispatched)
	}

	if len(outcomes) == 0 {
		return s
	}
	s.Valid = true

	s.InputTokens = lo.SumBy(outcomes, func(o models.RequestOutcome) int { return o.InputLen })
	s.OutputTokens = lo.SumBy(outcomes, func(o models.RequestOutcome) int { return o.Tokens })

	if s.DurationSeconds > 0 {
		s.RequestsPerSecond = float64(len(outcomes)) / s.DurationSeconds
		s.PrefillTokensPS = float64(s.InputTokens) / s.DurationSeconds
		s.DecodeTokensPS = float64(s.OutputTokens) / s.DurationSeconds
	}

	latencies := lo.Map(outcomes, func(o models.RequestOutcome, _ int) float64 { return o.Latency.Seconds() })
	ttfts := lo.Map(outcomes, func(o models.RequestOutcome, _ int) float64 { return o.TTFT.Seconds() })
	gaps := lo.FlatMap(outcomes, func(o models.RequestOutcome, _ int) []float64 {
		return lo.Map(o.Gaps, func(g time.Duration, _ int) float64 { return g.Seconds() })
	})

	s.Latency = Distribute(latencies)
	s.TTFT = Distribute(ttfts)
	s.TPOT = Distribute(gaps)
	s.GapCount = len(gaps)

	if opts.SLO.TTFT > 0 {
		s.TTFTViolations = lo.CountBy(outcomes, func(o models.RequestOutcome) bool { return o.TTFT > opts.SLO.TTFT })
		denominator := len(outcomes)
		if !opts.ExcludeFailures {
			s.TTFTViolations += len(failures)
			denominator += len(failures)
		}
		s.TTFTViolationRate = float64(s.TTFTViolations) / float64(denominator)
	}

	if opts.SLO.TPOT > 0 && len(gaps) > 0 {
		for _, o := range outcomes {
			for _, g := range o.Gaps {
				if g > opts.SLO.TPOT {
					s.TPOTViolations++
				}
			}
		}
		s.TPOTViolationRate = float64(s.TPOTViolations) / float64(len(gaps))
	}

	return s
}

// SummarizeRun computes the "all" group and, when the run dispatched prefill
// and decode requests, one group per role
func SummarizeRun(run *models.BenchmarkRun, opts Options) []models.Summary {
	summaries := []models.Summary{
		Summarize(models.GroupAll, run.Outcomes, run.Failures, run.Duration, opts),
	}

	for _, role := range []models.Role{models.RolePrefill, models.RoleDecode} {
		outcomes := lo.Filter(run.Outcomes, func(o models.RequestOutcome, _ int) bool { return o.Role == role })
		failures := lo.Filter(run.Failures, func(f models.Failure, _ int) bool { return f.Role == role })
		if len(outcomes) == 0 && len(failures) == 0 {
			continue
		}
		summaries = append(summaries, Summarize(string(role), outcomes, failures, run.Duration, opts))
	}
	return summaries
}
