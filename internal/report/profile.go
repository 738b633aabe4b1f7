package report

import (
	"fmt"
	"io"

	"github.com/tracebench/tracebench/internal/trace"
)

// PrintProfile writes the workload characterization of a trace
func PrintProfile(w io.Writer, source string, p trace.TraceProfile) {
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "  TRACE PROFILE: %s\n", source)
	fmt.Fprintf(w, "%s\n", rule)

	fmt.Fprintf(w, "Rows            : %d (%d dropped)\n", p.Rows, p.Dropped)
	fmt.Fprintf(w, "Duration        : %.2f s\n", p.DurationSeconds)

	printLengths(w, "Input tokens", p.Input)
	printLengths(w, "Output tokens", p.Output)

	fmt.Fprintf(w, "\nInput/Output ratio: %.2f\n", p.InputOutputRatio)

	fmt.Fprintf(w, "\n[Arrivals per second]\n")
	fmt.Fprintf(w, "  Seconds: %d\n", p.Arrivals.Seconds)
	fmt.Fprintf(w, "  Mean   : %.2f\n", p.Arrivals.Mean)
	fmt.Fprintf(w, "  P95    : %.2f\n", p.Arrivals.P95)
	fmt.Fprintf(w, "  Max    : %.0f\n", p.Arrivals.Max)

	fmt.Fprintf(w, "\n[Shape]\n")
	fmt.Fprintf(w, "  Short generations (<=5 tokens): %d (%.2f%%)\n", p.ShortGenerations, p.ShortGenerationPc)
	fmt.Fprintf(w, "  Long contexts (>8000 tokens)  : %d\n", p.LongContexts)
}

func printLengths(w io.Writer, title string, s trace.LengthStats) {
	fmt.Fprintf(w, "\n[%s]\n", title)
	if s.Count == 0 {
		fmt.Fprintln(w, "  no valid values")
		return
	}
	fmt.Fprintf(w, "  Count: %d  Total: %.0f\n", s.Count, s.Total)
	fmt.Fprintf(w, "  Mean : %.2f  Std: %.2f\n", s.Mean, s.Std)
	fmt.Fprintf(w, "  Min  : %.0f  P50: %.0f  P90: %.0f  P95: %.0f  P99: %.0f  Max: %.0f\n",
		s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
