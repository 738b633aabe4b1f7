package trace

import (
	"fmt"
	"math/rand/v2"

	"github.com/tracebench/tracebench/pkg/models"
)

// SyntheticOptions describes a generated Poisson trace
type SyntheticOptions struct {
	Count        int
	Rate         float64 // Mean arrivals per second
	InputTokens  int
	OutputTokens int
	Seed         uint64 // 0 picks a random seed
}

// Generate builds a trace with exponentially distributed inter-arrival times.
// Sampling, row cap and speedup from opts apply as for a loaded trace;
// opts.Columns and opts.ReadLimit are ignored.
func Generate(syn SyntheticOptions, opts Options) (*Trace, error) {
	if syn.Rate <= 0 {
		return nil, fmt.Errorf("synthetic rate must be positive, got %v", syn.Rate)
	}
	if opts.Speedup <= 0 {
		return nil, fmt.Errorf("speedup must be positive, got %v", opts.Speedup)
	}

	seed := syn.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	rows := make([]Row, 0, syn.Count)
	var ts float64
	for i := 0; i < syn.Count; i++ {
		if i > 0 {
			ts += rng.ExpFloat64() / syn.Rate
		}
		rows = append(rows, Row{
			Timestamp: ts,
			Input:     models.Count(syn.InputTokens),
			Output:    models.Count(syn.OutputTokens),
		})
	}

	t := &Trace{Read: len(rows)}
	t.Rows = finalize(rows, opts)
	if len(t.Rows) == 0 {
		return t, ErrEmptyTrace
	}
	return t, nil
}
