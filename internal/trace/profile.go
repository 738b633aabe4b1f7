package trace

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/tracebench/tracebench/internal/stats"
)

const (
	shortGenerationTokens = 5
	longContextTokens     = 8000
)

// LengthStats describes one length column
type LengthStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
	Total float64 `json:"total"`
}

// ArrivalStats describes arrivals per one-second bin, empty bins included
type ArrivalStats struct {
	Seconds int     `json:"seconds"`
	Mean    float64 `json:"mean"`
	Max     float64 `json:"max"`
	P95     float64 `json:"p95"`
}

// TraceProfile is the workload characterization of a trace
type TraceProfile struct {
	Rows              int          `json:"rows"`
	Dropped           int          `json:"dropped"`
	DurationSeconds   float64      `json:"duration_seconds"`
	Input             LengthStats  `json:"input"`
	Output            LengthStats  `json:"output"`
	InputOutputRatio  float64      `json:"input_output_ratio"`
	Arrivals          ArrivalStats `json:"arrivals"`
	ShortGenerations  int          `json:"short_generations"`
	ShortGenerationPc float64      `json:"short_generation_pct"`
	LongContexts      int          `json:"long_contexts"`
}

// Profile characterizes a loaded trace. Rows with invalid length cells are
// left out of that column's statistics. Arrival bins use the original
// timestamps, not the speedup-scaled offsets.
func Profile(t *Trace) TraceProfile {
	p := TraceProfile{
		Rows:    len(t.Rows),
		Dropped: t.Dropped,
	}
	if len(t.Rows) == 0 {
		return p
	}

	inputs := lo.FilterMap(t.Rows, func(r Row, _ int) (float64, bool) {
		return float64(r.Input.N), r.Input.Valid
	})
	outputs := lo.FilterMap(t.Rows, func(r Row, _ int) (float64, bool) {
		return float64(r.Output.N), r.Output.Valid
	})

	p.Input = lengthStats(inputs)
	p.Output = lengthStats(outputs)
	if p.Output.Total > 0 {
		p.InputOutputRatio = p.Input.Total / p.Output.Total
	}

	p.ShortGenerations = lo.CountBy(outputs, func(v float64) bool { return v <= shortGenerationTokens })
	if len(outputs) > 0 {
		p.ShortGenerationPc = float64(p.ShortGenerations) / float64(len(outputs)) * 100
	}
	p.LongContexts = lo.CountBy(inputs, func(v float64) bool { return v > longContextTokens })

	first := t.Rows[0].Timestamp
	last := t.Rows[len(t.Rows)-1].Timestamp
	p.DurationSeconds = last - first
	p.Arrivals = arrivalStats(t.Rows, first)

	return p
}

func lengthStats(values []float64) LengthStats {
	s := LengthStats{Count: len(values)}
	if len(values) == 0 {
		return s
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s.Total = lo.Sum(sorted)
	s.Mean = s.Total / float64(len(sorted))
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.P50 = stats.Percentile(sorted, 50)
	s.P90 = stats.Percentile(sorted, 90)
	s.P95 = stats.Percentile(sorted, 95)
	s.P99 = stats.Percentile(sorted, 99)

	// Sample standard deviation
	if len(sorted) > 1 {
		var sq float64
		for _, v := range sorted {
			d := v - s.Mean
			sq += d * d
		}
		s.Std = math.Sqrt(sq / float64(len(sorted)-1))
	}
	return s
}

func arrivalStats(rows []Row, first float64) ArrivalStats {
	bins := make(map[int]int)
	maxBin := 0
	for _, r := range rows {
		b := int(math.Floor(r.Timestamp - first))
		bins[b]++
		if b > maxBin {
			maxBin = b
		}
	}

	counts := make([]float64, maxBin+1)
	for b, n := range bins {
		counts[b] = float64(n)
	}
	sorted := append([]float64(nil), counts...)
	sort.Float64s(sorted)

	return ArrivalStats{
		Seconds: len(counts),
		Mean:    stats.Mean(counts),
		Max:     sorted[len(sorted)-1],
		P95:     stats.Percentile(sorted, 95),
	}
}
