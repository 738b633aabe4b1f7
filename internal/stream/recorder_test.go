package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns base+step, base+2*step, ... on successive calls
func stepClock(base time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * step)
	}
}

func TestRecord_TokensAndGaps(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"text":"Hello"}]}`,
		``,
		`data: {"choices":[{"text":" world"}]}`,
		``,
		`data: {"choices":[{"text":"!"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	sent := time.Unix(1000, 0)
	timing, err := Record(strings.NewReader(body), sent, stepClock(sent, 50*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 3, timing.Tokens)
	assert.Equal(t, 50*time.Millisecond, timing.TTFT)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, timing.Gaps)
}

func TestRecord_SkipsNoise(t *testing.T) {
	body := strings.Join([]string{
		`: keep-alive`,
		`event: message`,
		`data: not-json`,
		`data: {"choices":[]}`,
		`data: {"choices":[{"text":""}]}`,
		`data:{"choices":[{"text":"a"}]}`,
		`data: {"id":"x","choices":[{"text":"b","finish_reason":null}]}`,
		`data: [DONE]`,
	}, "\n")

	sent := time.Unix(0, 0)
	timing, err := Record(strings.NewReader(body), sent, stepClock(sent, time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 2, timing.Tokens)
	assert.Len(t, timing.Gaps, 1)
}

func TestRecord_DataPrefixSpaceOptional(t *testing.T) {
	body := "data:{\"choices\":[{\"text\":\"a\"}]}\n" +
		"data: {\"choices\":[{\"text\":\"b\"}]}\n" +
		"data:[DONE]\n"

	sent := time.Unix(0, 0)
	timing, err := Record(strings.NewReader(body), sent, stepClock(sent, time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 2, timing.Tokens)
	assert.Equal(t, time.Millisecond, timing.TTFT)
}

func TestRecord_NoTokens(t *testing.T) {
	timing, err := Record(strings.NewReader("data: [DONE]\n"), time.Now(), nil)
	require.NoError(t, err)

	assert.Zero(t, timing.Tokens)
	assert.Zero(t, timing.TTFT)
	assert.Empty(t, timing.Gaps)
}

func TestRecord_GapCountInvariant(t *testing.T) {
	for k := 1; k <= 5; k++ {
		var b strings.Builder
		for i := 0; i < k; i++ {
			b.WriteString("data: {\"choices\":[{\"text\":\"x\"}]}\n\n")
		}

		timing, err := Record(strings.NewReader(b.String()), time.Now(), nil)
		require.NoError(t, err)

		assert.Equal(t, k, timing.Tokens)
		assert.Len(t, timing.Gaps, k-1)
		for _, g := range timing.Gaps {
			assert.GreaterOrEqual(t, g, time.Duration(0))
		}
	}
}

func TestRecord_LastLineWithoutNewline(t *testing.T) {
	timing, err := Record(strings.NewReader(`data: {"choices":[{"text":"z"}]}`), time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, timing.Tokens)
}

type failingReader struct {
	data io.Reader
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}

func TestRecord_InterruptedStream(t *testing.T) {
	interrupted := errors.New("connection reset")
	r := &failingReader{
		data: strings.NewReader("data: {\"choices\":[{\"text\":\"x\"}]}\n"),
		err:  interrupted,
	}

	timing, err := Record(r, time.Now(), nil)
	assert.ErrorIs(t, err, interrupted)
	assert.Equal(t, 1, timing.Tokens)
}
