package trace

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	data := `TIMESTAMP,ContextTokens,GeneratedTokens
0.0,100,2
0.5,9000,10
0.9,200,
3.2,300,40
`
	tr := readTrace(t, data, Options{Columns: azureColumns, Speedup: 1})

	p := Profile(tr)

	assert.Equal(t, 4, p.Rows)
	assert.InDelta(t, 3.2, p.DurationSeconds, 1e-9)

	assert.Equal(t, 4, p.Input.Count)
	assert.InDelta(t, 9600, p.Input.Total, 1e-9)
	assert.InDelta(t, 2400, p.Input.Mean, 1e-9)
	assert.InDelta(t, 100, p.Input.Min, 1e-9)
	assert.InDelta(t, 9000, p.Input.Max, 1e-9)
	assert.InDelta(t, 250, p.Input.P50, 1e-9)

	// Empty output cell is left out
	assert.Equal(t, 3, p.Output.Count)
	assert.InDelta(t, 52, p.Output.Total, 1e-9)
	assert.InDelta(t, 9600.0/52.0, p.InputOutputRatio, 1e-9)

	assert.Equal(t, 1, p.ShortGenerations)
	assert.InDelta(t, 100.0/3.0, p.ShortGenerationPc, 1e-9)
	assert.Equal(t, 1, p.LongContexts)

	// Bins: [3, 0, 0, 1]
	assert.Equal(t, 4, p.Arrivals.Seconds)
	assert.InDelta(t, 1.0, p.Arrivals.Mean, 1e-9)
	assert.InDelta(t, 3.0, p.Arrivals.Max, 1e-9)
}

func TestProfile_Empty(t *testing.T) {
	p := Profile(&Trace{Dropped: 3})
	assert.Equal(t, 0, p.Rows)
	assert.Equal(t, 3, p.Dropped)
	assert.Zero(t, p.Input.Mean)
}

func TestGenerate(t *testing.T) {
	syn := SyntheticOptions{Count: 200, Rate: 20, InputTokens: 512, OutputTokens: 64, Seed: 7}

	tr, err := Generate(syn, Options{Speedup: 1})
	require.NoError(t, err)
	require.Len(t, tr.Rows, 200)

	assert.Equal(t, time.Duration(0), tr.Rows[0].Offset)
	for i := 1; i < len(tr.Rows); i++ {
		assert.GreaterOrEqual(t, tr.Rows[i].Offset, tr.Rows[i-1].Offset)
	}
	assert.Equal(t, 512, tr.Rows[10].Input.N)
	assert.Equal(t, 64, tr.Rows[10].Output.N)

	// 199 gaps at a mean of 50ms: roughly 10s of trace
	assert.InDelta(t, 10.0, tr.Duration().Seconds(), 4.0)

	again, err := Generate(syn, Options{Speedup: 1})
	require.NoError(t, err)
	assert.Equal(t, offsets(tr), offsets(again))
}

func TestGenerate_SamplingAndSpeedup(t *testing.T) {
	syn := SyntheticOptions{Count: 100, Rate: 10, InputTokens: 1, OutputTokens: 1, Seed: 3}

	full, err := Generate(syn, Options{Speedup: 1})
	require.NoError(t, err)

	fast, err := Generate(syn, Options{Speedup: 4, SampleInterval: 2, MaxRows: 10})
	require.NoError(t, err)
	require.Len(t, fast.Rows, 10)

	want := time.Duration(float64(full.Rows[18].Offset) / 4)
	assert.InDelta(t, want.Seconds(), fast.Rows[9].Offset.Seconds(), 1e-6)
}

func TestGenerate_Invalid(t *testing.T) {
	_, err := Generate(SyntheticOptions{Count: 1}, Options{Speedup: 1})
	assert.Error(t, err)

	_, err = Generate(SyntheticOptions{Count: 0, Rate: 1}, Options{Speedup: 1})
	assert.True(t, errors.Is(err, ErrEmptyTrace))
}

func TestRead_CRLF(t *testing.T) {
	data := "TIMESTAMP,ContextTokens,GeneratedTokens\r\n1,2,3\r\n2,4,6\r\n"
	tr := readTrace(t, data, Options{Columns: azureColumns, Speedup: 1})
	assert.Len(t, tr.Rows, 2)
	assert.True(t, strings.HasPrefix(tr.Rows[1].Offset.String(), "1s"))
}
