package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/tracebench/tracebench/pkg/models"
)

const rule = "============================================="

// Header describes the run in the console report title
type Header struct {
	Mode           string
	SampleInterval int
	Speedup        float64
}

// Print writes the human-readable report for every summary group
func Print(w io.Writer, h Header, summaries []models.Summary) {
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "  RESULTS (%s, Sample: 1/%d, Speed: %sx)\n", h.Mode, h.SampleInterval, formatFactor(h.Speedup))
	fmt.Fprintf(w, "%s\n", rule)

	for _, s := range summaries {
		printGroup(w, s)
	}
}

func printGroup(w io.Writer, s models.Summary) {
	fmt.Fprintf(w, "\n--- %s ---\n", strings.ToUpper(s.Group))

	if !s.Valid {
		fmt.Fprintln(w, "No valid requests.")
		printFailures(w, s)
		return
	}

	fmt.Fprintf(w, "Total Successful Requests: %d\n", s.Requests)
	fmt.Fprintf(w, "Benchmark Duration     : %.2f s\n", s.DurationSeconds)
	fmt.Fprintf(w, "Total Input Tokens     : %d\n", s.InputTokens)
	fmt.Fprintf(w, "Total Output Tokens    : %d\n", s.OutputTokens)

	fmt.Fprintf(w, "\n[Throughput System-wide]\n")
	fmt.Fprintf(w, "  Requests/s      : %.2f req/s\n", s.RequestsPerSecond)
	fmt.Fprintf(w, "  Prefill Tokens/s: %.2f tokens/s\n", s.PrefillTokensPS)
	fmt.Fprintf(w, "  Decode Tokens/s : %.2f tokens/s\n", s.DecodeTokensPS)

	fmt.Fprintf(w, "\n[E2E Latency]\n")
	printSeconds(w, s.Latency)

	fmt.Fprintf(w, "\n[TTFT - Time To First Token]\n")
	printSeconds(w, s.TTFT)

	fmt.Fprintf(w, "\n[Global TPOT - Inter-Token Latency]\n")
	fmt.Fprintf(w, "  Avg: %.2f ms\n", s.TPOT.Mean*1000)
	fmt.Fprintf(w, "  P50: %.2f ms\n", s.TPOT.P50*1000)
	fmt.Fprintf(w, "  P90: %.2f ms\n", s.TPOT.P90*1000)
	fmt.Fprintf(w, "  P99: %.2f ms\n", s.TPOT.P99*1000)

	switch models.Role(s.Group) {
	case models.RolePrefill:
		printTTFTSLO(w, s)
	case models.RoleDecode:
		printTPOTSLO(w, s)
	default:
		printTTFTSLO(w, s)
		printTPOTSLO(w, s)
	}

	printFailures(w, s)
}

func printSeconds(w io.Writer, d models.Distribution) {
	fmt.Fprintf(w, "  Avg: %.4f s\n", d.Mean)
	fmt.Fprintf(w, "  P50: %.4f s\n", d.P50)
	fmt.Fprintf(w, "  P90: %.4f s\n", d.P90)
	fmt.Fprintf(w, "  P99: %.4f s\n", d.P99)
}

func printTTFTSLO(w io.Writer, s models.Summary) {
	if s.TTFTThreshold <= 0 {
		return
	}
	fmt.Fprintf(w, "\n[TTFT SLO (< %.0f ms)]\n", s.TTFTThreshold*1000)
	fmt.Fprintf(w, "  Violations: %d (%.2f%%)\n", s.TTFTViolations, s.TTFTViolationRate*100)
}

func printTPOTSLO(w io.Writer, s models.Summary) {
	if s.TPOTThreshold <= 0 {
		return
	}
	fmt.Fprintf(w, "\n[TPOT SLO (< %.0f ms)]\n", s.TPOTThreshold*1000)
	fmt.Fprintf(w, "  Violations: %d of %d gaps (%.2f%%)\n", s.TPOTViolations, s.GapCount, s.TPOTViolationRate*100)
}

func printFailures(w io.Writer, s models.Summary) {
	if s.Failures == 0 {
		return
	}
	fmt.Fprintf(w, "\n[Failures]\n")
	fmt.Fprintf(w, "  Total     : %d (%.2f%%)\n", s.Failures, s.ErrorRate*100)
	fmt.Fprintf(w, "  Status    : %d\n", s.StatusFailures)
	fmt.Fprintf(w, "  Transport : %d\n", s.TransportErrors)
}
