package replay

import (
	"context"
	"errors"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebench/tracebench/internal/completion"
	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/internal/mockserver"
	"github.com/tracebench/tracebench/internal/prompt"
	"github.com/tracebench/tracebench/internal/stats"
	"github.com/tracebench/tracebench/internal/stream"
	"github.com/tracebench/tracebench/internal/trace"
	"github.com/tracebench/tracebench/pkg/models"
)

// fakeStreamer answers from a function and tracks concurrency
type fakeStreamer struct {
	answer func(req completion.Request) (*completion.Response, error)

	mu       sync.Mutex
	requests []completion.Request
	active   atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
}

func (f *fakeStreamer) Stream(ctx context.Context, url string, req completion.Request) (*completion.Response, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.answer(req)
}

func okResponse(req completion.Request) (*completion.Response, error) {
	now := time.Now()
	timing := stream.Timing{TTFT: 10 * time.Millisecond, Tokens: req.MaxTokens}
	for i := 1; i < req.MaxTokens; i++ {
		timing.Gaps = append(timing.Gaps, 5*time.Millisecond)
	}
	return &completion.Response{Status: 200, SentAt: now, FinishedAt: now.Add(50 * time.Millisecond), Timing: timing}, nil
}

func rowsAt(offsets ...time.Duration) []trace.Row {
	rows := make([]trace.Row, len(offsets))
	for i, o := range offsets {
		rows[i] = trace.Row{Input: models.Count(8), Output: models.Count(4), Offset: o}
	}
	return rows
}

func baselineJobs(t *testing.T, rows []trace.Row, url string) []Job {
	t.Helper()
	jobs, err := BuildJobs(rows, PlanOptions{
		Mode:           config.ModeBaseline,
		Endpoints:      map[string]string{config.EndpointDefault: url},
		FallbackTokens: 10,
	})
	require.NoError(t, err)
	return jobs
}

func TestWait(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Wait(time.Second, 500*time.Millisecond))
	assert.Equal(t, time.Duration(0), Wait(time.Second, time.Second))
	assert.Equal(t, time.Duration(0), Wait(time.Second, 3*time.Second))
	assert.Equal(t, time.Duration(0), Wait(0, 0))
}

func TestEngine_CollectsOutcomes(t *testing.T) {
	fake := &fakeStreamer{answer: okResponse}
	engine := NewEngine(fake, WithModel("m"), WithSLO(stats.SLO{TTFT: time.Second, TPOT: 100 * time.Millisecond}))

	jobs := baselineJobs(t, rowsAt(0, 0, 0), "http://x/v1/completions")
	run, err := engine.Run(context.Background(), jobs)
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Len(t, run.Outcomes, 3)
	assert.Empty(t, run.Failures)
	assert.Equal(t, 3, run.Dispatched())
	assert.Greater(t, run.Duration, time.Duration(0))

	for _, o := range run.Outcomes {
		assert.Equal(t, models.RoleCombined, o.Role)
		assert.Equal(t, 8, o.InputLen)
		assert.Equal(t, 4, o.Tokens)
		assert.Len(t, o.Gaps, 3)
		assert.LessOrEqual(t, o.TTFT, o.Latency)
		assert.False(t, o.TTFTViolated)
	}

	for _, req := range fake.requests {
		assert.Equal(t, "m", req.Model)
		assert.True(t, req.IgnoreEOS)
		assert.Zero(t, req.Temperature)
		assert.Equal(t, 4, req.MaxTokens)
		assert.True(t, strings.HasPrefix(req.Prompt, "REQ_ID_"))
	}
}

func TestEngine_FailuresDoNotAbortRun(t *testing.T) {
	var calls atomic.Int32
	fake := &fakeStreamer{answer: func(req completion.Request) (*completion.Response, error) {
		switch calls.Add(1) % 3 {
		case 1:
			return nil, &completion.StatusError{URL: "http://x", StatusCode: 503}
		case 2:
			return nil, errors.New("connection refused")
		default:
			return okResponse(req)
		}
	}}
	engine := NewEngine(fake, WithMaxInFlight(1))

	run, err := engine.Run(context.Background(), baselineJobs(t, rowsAt(0, 0, 0, 0, 0, 0), "http://x"))
	require.NoError(t, err)

	assert.Equal(t, 6, run.Dispatched())
	assert.Len(t, run.Outcomes, 2)
	require.Len(t, run.Failures, 4)

	kinds := map[models.FailureKind]int{}
	for _, f := range run.Failures {
		kinds[f.Kind]++
		if f.Kind == models.FailureStatus {
			assert.Equal(t, 503, f.StatusCode)
		}
	}
	assert.Equal(t, 2, kinds[models.FailureStatus])
	assert.Equal(t, 2, kinds[models.FailureTransport])
}

func TestEngine_MaxInFlight(t *testing.T) {
	fake := &fakeStreamer{answer: okResponse, hold: 20 * time.Millisecond}
	engine := NewEngine(fake, WithMaxInFlight(2))

	run, err := engine.Run(context.Background(), baselineJobs(t, rowsAt(0, 0, 0, 0, 0, 0, 0, 0), "http://x"))
	require.NoError(t, err)

	assert.Len(t, run.Outcomes, 8)
	assert.LessOrEqual(t, fake.peak.Load(), int32(2))
}

func TestEngine_Cancellation(t *testing.T) {
	fake := &fakeStreamer{answer: okResponse}
	engine := NewEngine(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run, err := engine.Run(ctx, baselineJobs(t, rowsAt(0, time.Hour), "http://x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, run.Outcomes, 1)
}

func TestEngine_SLOFlags(t *testing.T) {
	fake := &fakeStreamer{answer: func(req completion.Request) (*completion.Response, error) {
		now := time.Now()
		return &completion.Response{
			Status:     200,
			SentAt:     now,
			FinishedAt: now.Add(2 * time.Second),
			Timing: stream.Timing{
				TTFT:   1500 * time.Millisecond,
				Gaps:   []time.Duration{50 * time.Millisecond, 200 * time.Millisecond},
				Tokens: 3,
			},
		}, nil
	}}
	engine := NewEngine(fake, WithSLO(stats.SLO{TTFT: time.Second, TPOT: 100 * time.Millisecond}))

	run, err := engine.Run(context.Background(), baselineJobs(t, rowsAt(0), "http://x"))
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 1)

	assert.True(t, run.Outcomes[0].TTFTViolated)
	assert.Equal(t, 1, run.Outcomes[0].SlowGaps)
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes int
	failures int
}

func (s *recordingSink) Outcome(string, models.RequestOutcome) { s.mu.Lock(); s.outcomes++; s.mu.Unlock() }
func (s *recordingSink) Failure(string, models.Failure)        { s.mu.Lock(); s.failures++; s.mu.Unlock() }
func (s *recordingSink) Close() error                          { return nil }

func TestEngine_Sink(t *testing.T) {
	var calls atomic.Int32
	fake := &fakeStreamer{answer: func(req completion.Request) (*completion.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("reset")
		}
		return okResponse(req)
	}}
	rec := &recordingSink{}
	engine := NewEngine(fake, WithSink(rec), WithMaxInFlight(1))

	_, err := engine.Run(context.Background(), baselineJobs(t, rowsAt(0, 0, 0), "http://x"))
	require.NoError(t, err)

	assert.Equal(t, 2, rec.outcomes)
	assert.Equal(t, 1, rec.failures)
}

// Dispatch follows the trace schedule: offsets [0,1,2,3]s at speedup 2 fire
// at [0,0.5,1.0,1.5]s.
func TestEngine_ScheduleAgainstMockServer(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	state := mockserver.NewState(mockserver.Behavior{Model: "mock-llm"})
	srv := httptest.NewServer(mockserver.NewServer(state).Router())
	defer srv.Close()

	data := "TIMESTAMP,ContextTokens,GeneratedTokens\n0,8,2\n1,8,2\n2,8,2\n3,8,2\n"
	tr, err := trace.Read(strings.NewReader(data), trace.Options{
		Columns: trace.Columns{Timestamp: "TIMESTAMP", Input: "ContextTokens", Output: "GeneratedTokens"},
		Speedup: 2,
	})
	require.NoError(t, err)

	engine := NewEngine(completion.NewClient(completion.WithPoolSize(16)),
		WithModel("mock-llm"),
		WithSynthesizer(prompt.New(prompt.WithSeed(1))),
	)
	run, err := engine.Run(context.Background(), baselineJobs(t, tr.Rows, srv.URL+"/v1/completions"))
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 4)

	received := state.Received()
	require.Len(t, received, 4)
	arrivals := make([]time.Duration, len(received))
	for i, r := range received {
		arrivals[i] = r.ArrivedAt.Sub(run.StartedAt)
	}
	sort.Slice(arrivals, func(i, j int) bool { return arrivals[i] < arrivals[j] })

	want := []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond}
	for i := range want {
		assert.InDelta(t, want[i].Seconds(), arrivals[i].Seconds(), 0.15, "request %d", i)
	}

	for _, o := range run.Outcomes {
		assert.Equal(t, 2, o.Tokens)
		assert.Len(t, o.Gaps, 1)
		assert.Equal(t, 200, o.Status)
	}
}

func TestBuildJobs_Disaggregated(t *testing.T) {
	rows := []trace.Row{
		{Input: models.Count(900), Output: models.Count(40), Offset: time.Second},
		{Input: models.TokenCount{}, Output: models.TokenCount{}, Offset: 2 * time.Second},
	}

	jobs, err := BuildJobs(rows, PlanOptions{
		Mode: config.ModeDisaggregated,
		Endpoints: map[string]string{
			config.EndpointPrefill: "http://p/v1/completions",
			config.EndpointDecode:  "http://d/v1/completions",
		},
		FallbackTokens:     10,
		DecodePromptTokens: 5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	prefill, decode := jobs[0], jobs[1]
	assert.Equal(t, models.RolePrefill, prefill.Role)
	assert.Equal(t, "http://p/v1/completions", prefill.URL)
	assert.Equal(t, 1, prefill.MaxTokens)
	assert.Equal(t, 900, prefill.InputLen)
	assert.Equal(t, time.Second, prefill.Offset)

	assert.Equal(t, models.RoleDecode, decode.Role)
	assert.Equal(t, "http://d/v1/completions", decode.URL)
	assert.Equal(t, 40, decode.MaxTokens)
	assert.Equal(t, 5, decode.InputLen)
	assert.Equal(t, models.Count(5), decode.PromptTokens)
	assert.Equal(t, time.Second, decode.Offset)

	// Invalid lengths fall back
	assert.Equal(t, 10, jobs[2].InputLen)
	assert.Equal(t, 10, jobs[3].MaxTokens)

	assert.NotEqual(t, prefill.RequestID, decode.RequestID)
}

func TestBuildJobs_Errors(t *testing.T) {
	_, err := BuildJobs(rowsAt(0), PlanOptions{Mode: config.ModeDisaggregated, Endpoints: map[string]string{config.EndpointPrefill: "x"}})
	assert.Error(t, err)

	_, err = BuildJobs(rowsAt(0), PlanOptions{Mode: "mixed"})
	assert.Error(t, err)
}
