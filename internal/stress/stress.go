// Package stress measures how prefill and decode traffic interfere when they
// share hardware: the same batch runs once serially and once in parallel.
package stress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/tracebench/tracebench/internal/completion"
	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/internal/stats"
	"github.com/tracebench/tracebench/pkg/models"
)

// Generator sends one non-streaming /generate request
type Generator interface {
	Generate(ctx context.Context, url string, req completion.GenerateRequest) (time.Duration, error)
}

// Batch is the measurement of one group of concurrently fired requests
type Batch struct {
	Wall    time.Duration
	Prefill []time.Duration
	Decode  []time.Duration
	Failed  int
}

// Phase summarizes the serial or the parallel run
type Phase struct {
	WallSeconds float64 `json:"wall_seconds"`
	PrefillMean float64 `json:"prefill_mean_seconds"`
	DecodeMean  float64 `json:"decode_mean_seconds"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
}

// Result compares the serial and parallel phases
type Result struct {
	PrefillRequests int     `json:"prefill_requests"`
	DecodeRequests  int     `json:"decode_requests"`
	Serial          Phase   `json:"serial"`
	Parallel        Phase   `json:"parallel"`
	Speedup         float64 `json:"speedup"`
	PrefillSlowdown float64 `json:"prefill_slowdown_pct"`
	DecodeSlowdown  float64 `json:"decode_slowdown_pct"`
}

// Runner executes the interference test
type Runner struct {
	client Generator
	cfg    config.StressConfig
	now    func() time.Time
	logger *slog.Logger
}

// Option configures the runner
type Option func(*Runner)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithClock overrides the clock used for wall time
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a stress runner
func NewRunner(client Generator, cfg config.StressConfig, opts ...Option) *Runner {
	r := &Runner{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run fires all prefill requests, pauses, fires all decode requests, pauses,
// then fires both sets together. Failed requests are logged and left out of
// the latency means.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	p, d := r.cfg.PrefillRequests, r.cfg.DecodeRequests

	r.logger.Info("serial phase", slog.Int("prefill", p), slog.Int("decode", d))
	serialP := r.batch(ctx, p, 0)
	if err := r.pause(ctx); err != nil {
		return nil, err
	}
	serialD := r.batch(ctx, 0, d)

	serial := Batch{
		Wall:    serialP.Wall + serialD.Wall,
		Prefill: serialP.Prefill,
		Decode:  serialD.Decode,
		Failed:  serialP.Failed + serialD.Failed,
	}

	if err := r.pause(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("parallel phase", slog.Int("prefill", p), slog.Int("decode", d))
	parallel := r.batch(ctx, p, d)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stress test interrupted: %w", err)
	}

	res := &Result{
		PrefillRequests: p,
		DecodeRequests:  d,
		Serial:          phase(serial),
		Parallel:        phase(parallel),
	}
	if res.Parallel.WallSeconds > 0 {
		res.Speedup = res.Serial.WallSeconds / res.Parallel.WallSeconds
	}
	res.PrefillSlowdown = slowdown(res.Serial.PrefillMean, res.Parallel.PrefillMean)
	res.DecodeSlowdown = slowdown(res.Serial.DecodeMean, res.Parallel.DecodeMean)

	return res, nil
}

// batch fires p prefill and d decode requests at once and waits for all of them
func (r *Runner) batch(ctx context.Context, p, d int) Batch {
	prefill := completion.GenerateRequest{
		Text:           strings.Repeat("Hello ", r.cfg.PrefillPromptLen),
		SamplingParams: completion.SamplingParams{MaxNewTokens: r.cfg.PrefillOutputLen, IgnoreEOS: true},
	}
	decode := completion.GenerateRequest{
		Text:           strings.Repeat("Hello ", r.cfg.DecodePromptLen),
		SamplingParams: completion.SamplingParams{MaxNewTokens: r.cfg.DecodeOutputLen, IgnoreEOS: true},
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
		b  Batch
	)

	fire := func(role models.Role, i int, url string, req completion.GenerateRequest) {
		defer wg.Done()
		latency, err := r.client.Generate(ctx, url, req)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			b.Failed++
			r.logger.Warn("stress request failed",
				slog.String("role", string(role)),
				slog.Int("index", i),
				slog.String("error", err.Error()))
			return
		}
		if role == models.RolePrefill {
			b.Prefill = append(b.Prefill, latency)
		} else {
			b.Decode = append(b.Decode, latency)
		}
	}

	start := r.now()
	for i := 0; i < p; i++ {
		wg.Add(1)
		go fire(models.RolePrefill, i, r.cfg.PrefillURL, prefill)
	}
	for i := 0; i < d; i++ {
		wg.Add(1)
		go fire(models.RoleDecode, i, r.cfg.DecodeURL, decode)
	}
	wg.Wait()
	b.Wall = r.now().Sub(start)

	return b
}

func (r *Runner) pause(ctx context.Context) error {
	if r.cfg.Pause <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(r.cfg.Pause)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stress test interrupted: %w", ctx.Err())
	}
}

func phase(b Batch) Phase {
	toSeconds := func(d time.Duration, _ int) float64 { return d.Seconds() }
	return Phase{
		WallSeconds: b.Wall.Seconds(),
		PrefillMean: stats.Mean(lo.Map(b.Prefill, toSeconds)),
		DecodeMean:  stats.Mean(lo.Map(b.Decode, toSeconds)),
		Succeeded:   len(b.Prefill) + len(b.Decode),
		Failed:      b.Failed,
	}
}

// slowdown returns the percentage change of the mean latency under interference
func slowdown(base, mixed float64) float64 {
	if base <= 0 {
		return 0
	}
	return (mixed - base) / base * 100
}

// Print writes the interference report
func Print(w io.Writer, res *Result) {
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 50))
	fmt.Fprintln(w, "FINAL REPORT: Prefill/Decode Interference")
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 50))
	fmt.Fprintf(w, "Prefill requests: %d, Decode requests: %d\n", res.PrefillRequests, res.DecodeRequests)

	printPhase(w, "Serial (no interference)", res.Serial)
	printPhase(w, "Parallel (with interference)", res.Parallel)

	fmt.Fprintln(w, "\n[Wall time]")
	fmt.Fprintf(w, "  Serial: %.2fs  vs  Parallel: %.2fs\n", res.Serial.WallSeconds, res.Parallel.WallSeconds)
	fmt.Fprintf(w, "  Speedup: %.2fx\n", res.Speedup)

	fmt.Fprintln(w, "\n[Latency slowdown]")
	fmt.Fprintf(w, "  Prefill: %+.1f%%  (%.3fs -> %.3fs)\n", res.PrefillSlowdown, res.Serial.PrefillMean, res.Parallel.PrefillMean)
	fmt.Fprintf(w, "  Decode : %+.1f%%  (%.3fs -> %.3fs)\n", res.DecodeSlowdown, res.Serial.DecodeMean, res.Parallel.DecodeMean)
}

func printPhase(w io.Writer, title string, p Phase) {
	fmt.Fprintf(w, "\n[%s]\n", title)
	fmt.Fprintf(w, "  Wall time  : %.4fs\n", p.WallSeconds)
	fmt.Fprintf(w, "  Prefill Avg: %.4fs\n", p.PrefillMean)
	fmt.Fprintf(w, "  Decode  Avg: %.4fs\n", p.DecodeMean)
	if p.Failed > 0 {
		fmt.Fprintf(w, "  Failed     : %d\n", p.Failed)
	}
}
