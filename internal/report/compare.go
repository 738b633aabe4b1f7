package report

import (
	"fmt"
	"io"

	"github.com/samber/lo"

	"github.com/tracebench/tracebench/pkg/models"
)

// Stored is a persisted run with its summaries
type Stored struct {
	Run       models.RunRecord
	Summaries []models.Summary
}

// GroupDelta compares one summary group across two runs
type GroupDelta struct {
	Group              string  `json:"group"`
	BaseLatency        float64 `json:"base_latency_mean"`
	CandidateLatency   float64 `json:"candidate_latency_mean"`
	LatencyDegradation float64 `json:"latency_degradation_pct"`
	BaseTTFT           float64 `json:"base_ttft_mean"`
	CandidateTTFT      float64 `json:"candidate_ttft_mean"`
	TTFTDegradation    float64 `json:"ttft_degradation_pct"`
}

// Comparison is the result of comparing a candidate run against a base run
type Comparison struct {
	BaseID      string       `json:"base_id"`
	CandidateID string       `json:"candidate_id"`
	BaseSeconds float64      `json:"base_duration_seconds"`
	CandSeconds float64      `json:"candidate_duration_seconds"`
	Speedup     float64      `json:"speedup"`
	Groups      []GroupDelta `json:"groups"`
}

// Compare computes the wall-clock speedup of candidate over base and the
// mean latency and TTFT change for every group valid in both runs
func Compare(base, candidate Stored) Comparison {
	c := Comparison{
		BaseID:      base.Run.ID,
		CandidateID: candidate.Run.ID,
		BaseSeconds: base.Run.DurationSeconds,
		CandSeconds: candidate.Run.DurationSeconds,
	}
	if c.CandSeconds > 0 {
		c.Speedup = c.BaseSeconds / c.CandSeconds
	}

	byGroup := lo.KeyBy(candidate.Summaries, func(s models.Summary) string { return s.Group })
	for _, b := range base.Summaries {
		cand, ok := byGroup[b.Group]
		if !ok || !b.Valid || !cand.Valid {
			continue
		}
		c.Groups = append(c.Groups, GroupDelta{
			Group:              b.Group,
			BaseLatency:        b.Latency.Mean,
			CandidateLatency:   cand.Latency.Mean,
			LatencyDegradation: degradation(b.Latency.Mean, cand.Latency.Mean),
			BaseTTFT:           b.TTFT.Mean,
			CandidateTTFT:      cand.TTFT.Mean,
			TTFTDegradation:    degradation(b.TTFT.Mean, cand.TTFT.Mean),
		})
	}

	return c
}

// degradation returns the percentage change from base to candidate
func degradation(base, candidate float64) float64 {
	if base <= 0 {
		return 0
	}
	return (candidate - base) / base * 100
}

// PrintComparison writes the comparison as a console report
func PrintComparison(w io.Writer, c Comparison) {
	fmt.Fprintf(w, "%s\n", rule)
	fmt.Fprintf(w, "  COMPARISON %s vs %s\n", c.CandidateID, c.BaseID)
	fmt.Fprintf(w, "%s\n", rule)

	fmt.Fprintf(w, "\nWall time: base %.4fs, candidate %.4fs\n", c.BaseSeconds, c.CandSeconds)
	fmt.Fprintf(w, "Speedup  : %.2fx\n", c.Speedup)

	if len(c.Groups) == 0 {
		fmt.Fprintln(w, "\nNo group has valid requests in both runs.")
		return
	}

	for _, g := range c.Groups {
		fmt.Fprintf(w, "\n[%s]\n", g.Group)
		fmt.Fprintf(w, "  Avg Latency: %.4fs -> %.4fs (%+.1f%%)\n", g.BaseLatency, g.CandidateLatency, g.LatencyDegradation)
		fmt.Fprintf(w, "  Avg TTFT   : %.4fs -> %.4fs (%+.1f%%)\n", g.BaseTTFT, g.CandidateTTFT, g.TTFTDegradation)
	}
}
