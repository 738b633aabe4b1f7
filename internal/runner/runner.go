// Package runner wires trace loading, replay, aggregation, reporting and
// persistence into the end-to-end benchmark flows.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/tracebench/tracebench/internal/api"
	"github.com/tracebench/tracebench/internal/completion"
	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/internal/filetransfer"
	"github.com/tracebench/tracebench/internal/prompt"
	"github.com/tracebench/tracebench/internal/replay"
	"github.com/tracebench/tracebench/internal/report"
	"github.com/tracebench/tracebench/internal/sink"
	"github.com/tracebench/tracebench/internal/stats"
	"github.com/tracebench/tracebench/internal/storage"
	"github.com/tracebench/tracebench/internal/trace"
	"github.com/tracebench/tracebench/pkg/models"
)

// Transfer moves traces and result files to and from a remote host
type Transfer interface {
	FetchTrace(ctx context.Context, remotePath, localPath string) error
	UploadResults(ctx context.Context, remoteDir string, localPaths ...string) ([]string, error)
}

// Result is everything a replay produced
type Result struct {
	Run       *models.BenchmarkRun
	Record    models.RunRecord
	Summaries []models.Summary
	Files     []string
	Uploaded  []string
}

// Empty reports whether the replay ended before dispatching anything
func (r *Result) Empty() bool {
	return r.Run == nil
}

// Runner executes the configured flows
type Runner struct {
	cfg      *config.Config
	client   *completion.Client
	store    *storage.RunStore
	transfer Transfer
	sink     sink.Sink
	progress *api.Progress
	out      io.Writer
	logger   *slog.Logger
}

// Option configures the runner
type Option func(*Runner)

// WithClient sets the completion client
func WithClient(c *completion.Client) Option {
	return func(r *Runner) {
		r.client = c
	}
}

// WithRunStore persists every finished run
func WithRunStore(s *storage.RunStore) Option {
	return func(r *Runner) {
		r.store = s
	}
}

// WithTransfer sets the remote file transfer. Without one, a transfer is
// built from the remote config when a fetch or upload is requested.
func WithTransfer(t Transfer) Option {
	return func(r *Runner) {
		r.transfer = t
	}
}

// WithSink publishes outcomes and failures as they are collected
func WithSink(s sink.Sink) Option {
	return func(r *Runner) {
		r.sink = s
	}
}

// WithProgress feeds the live progress tracker
func WithProgress(p *api.Progress) Option {
	return func(r *Runner) {
		r.progress = p
	}
}

// WithOutput sets where console reports are written
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.out = w
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a runner for cfg
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		out:    os.Stdout,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		r.client = completion.NewClient(
			completion.WithPoolSize(cfg.Replay.PoolSize),
			completion.WithTimeout(cfg.Target.Timeout),
		)
	}

	return r
}

// Client returns the completion client shared by every flow
func (r *Runner) Client() *completion.Client {
	return r.client
}

// TraceOptions maps the trace config onto loader options
func (r *Runner) TraceOptions() (trace.Options, error) {
	tc := r.cfg.Trace
	cols, err := trace.ColumnsFor(trace.Format(tc.Format), trace.Columns{
		Timestamp: tc.Columns.Timestamp,
		Input:     tc.Columns.Input,
		Output:    tc.Columns.Output,
	})
	if err != nil {
		return trace.Options{}, err
	}

	return trace.Options{
		Columns:        cols,
		ReadLimit:      tc.ReadLimit,
		SampleInterval: tc.SampleInterval,
		MaxRows:        tc.MaxRequests,
		Speedup:        tc.Speedup,
	}, nil
}

// LoadTrace builds the scheduled trace from a CSV file, fetching it first
// when a remote path is configured, or generates a synthetic one. It returns
// the trace and a description of its source.
func (r *Runner) LoadTrace(ctx context.Context) (*trace.Trace, string, error) {
	opts, err := r.TraceOptions()
	if err != nil {
		return nil, "", err
	}
	return r.loadTrace(ctx, opts)
}

func (r *Runner) loadTrace(ctx context.Context, opts trace.Options) (*trace.Trace, string, error) {
	tc := r.cfg.Trace

	if tc.Source == config.SourceSynthetic {
		syn := tc.Synthetic
		source := fmt.Sprintf("synthetic(rate=%g,count=%d)", syn.Rate, syn.Count)
		t, err := trace.Generate(trace.SyntheticOptions{
			Count:        syn.Count,
			Rate:         syn.Rate,
			InputTokens:  syn.InputTokens,
			OutputTokens: syn.OutputTokens,
			Seed:         syn.Seed,
		}, opts)
		return t, source, err
	}

	if tc.RemotePath != "" {
		tr, err := r.remote()
		if err != nil {
			return nil, "", err
		}
		r.logger.Info("fetching trace", slog.String("remote", tc.RemotePath), slog.String("local", tc.Path))
		if err := tr.FetchTrace(ctx, tc.RemotePath, tc.Path); err != nil {
			return nil, "", err
		}
	}

	r.logger.Info("loading trace",
		slog.String("path", tc.Path),
		slog.Int("read_limit", opts.ReadLimit),
		slog.Int("sample_interval", opts.SampleInterval),
		slog.Int("max_requests", opts.MaxRows))

	t, err := trace.Load(tc.Path, opts)
	return t, tc.Path, err
}

// Profile characterizes the configured trace. When scheduled is false the
// sampling interval, request cap and speedup are ignored so the raw workload
// is described.
func (r *Runner) Profile(ctx context.Context, scheduled bool) (trace.TraceProfile, error) {
	opts, err := r.TraceOptions()
	if err != nil {
		return trace.TraceProfile{}, err
	}
	if !scheduled {
		opts.SampleInterval = 1
		opts.MaxRows = 0
		opts.Speedup = 1
	}

	t, source, err := r.loadTrace(ctx, opts)
	if err != nil {
		return trace.TraceProfile{}, err
	}

	p := trace.Profile(t)
	report.PrintProfile(r.out, source, p)
	return p, nil
}

// Replay runs the full benchmark: load the trace, resolve the model, fire
// every job on schedule, then aggregate, report, persist and upload. An
// empty trace ends the replay early with an empty result and no error. When
// ctx is cancelled mid-run the partial results are still reported and
// stored, and the context error is returned alongside them.
func (r *Runner) Replay(ctx context.Context) (*Result, error) {
	cfg := r.cfg

	t, source, err := r.LoadTrace(ctx)
	if errors.Is(err, trace.ErrEmptyTrace) {
		r.logger.Warn("trace has no schedulable rows", slog.String("source", source))
		fmt.Fprintln(r.out, "Trace has no schedulable rows, nothing to replay.")
		return &Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("trace loaded",
		slog.String("source", source),
		slog.Int("rows", len(t.Rows)),
		slog.Int("read", t.Read),
		slog.Int("dropped", t.Dropped),
		slog.Int("malformed", t.Malformed),
		slog.Duration("span", t.Duration()))

	model, err := r.resolveModel(ctx)
	if err != nil {
		return nil, err
	}

	jobs, err := replay.BuildJobs(t.Rows, replay.PlanOptions{
		Mode:               cfg.Replay.Mode,
		Endpoints:          cfg.Target.Endpoints,
		FallbackTokens:     cfg.Trace.FallbackTokens,
		DecodePromptTokens: cfg.Replay.DecodePromptTokens,
	})
	if err != nil {
		return nil, err
	}

	slo := stats.SLO{TTFT: cfg.SLO.TTFT, TPOT: cfg.SLO.TPOT}
	engine := replay.NewEngine(r.client,
		replay.WithModel(model),
		replay.WithSynthesizer(prompt.New(
			prompt.WithFallback(cfg.Trace.FallbackTokens),
			prompt.WithSeed(cfg.Replay.Seed),
		)),
		replay.WithSLO(slo),
		replay.WithMaxInFlight(cfg.Replay.EffectiveMaxInFlight()),
		replay.WithMaxRate(cfg.Replay.MaxRate),
		replay.WithSink(r.eventSink()),
		replay.WithProgressEvery(cfg.Replay.ProgressEvery),
	)

	r.printConfig(len(t.Rows), len(jobs), model)

	if r.progress != nil {
		r.progress.Start(len(jobs))
		defer r.progress.Finish()
	}

	run, runErr := engine.Run(ctx, jobs)
	if run == nil {
		return nil, runErr
	}

	res := &Result{
		Run: run,
		Summaries: stats.SummarizeRun(run, stats.Options{
			SLO:             slo,
			ExcludeFailures: cfg.Replay.ExcludeFailures,
		}),
	}
	res.Record = models.RunRecord{
		ID:              run.ID,
		StartedAt:       run.StartedAt,
		Mode:            cfg.Replay.Mode,
		TraceSource:     source,
		Model:           model,
		SampleInterval:  cfg.Trace.SampleInterval,
		MaxRequests:     cfg.Trace.MaxRequests,
		Speedup:         cfg.Trace.Speedup,
		DurationSeconds: run.Duration.Seconds(),
		Dispatched:      run.Dispatched(),
		Succeeded:       len(run.Outcomes),
		Failed:          len(run.Failures),
	}

	report.Print(r.out, report.Header{
		Mode:           cfg.Replay.Mode,
		SampleInterval: cfg.Trace.SampleInterval,
		Speedup:        cfg.Trace.Speedup,
	}, res.Summaries)

	// Results of an interrupted run are still written and stored
	persistCtx := context.WithoutCancel(ctx)

	if err := r.writeFiles(res); err != nil {
		return res, errors.Join(runErr, err)
	}

	if err := r.save(persistCtx, res); err != nil {
		return res, errors.Join(runErr, err)
	}

	if runErr == nil {
		if err := r.upload(ctx, res); err != nil {
			return res, err
		}
	}

	return res, runErr
}

func (r *Runner) resolveModel(ctx context.Context) (string, error) {
	if r.cfg.Target.Model != "" {
		return r.cfg.Target.Model, nil
	}

	endpoint := r.cfg.Target.Endpoints[config.EndpointsFor(r.cfg.Replay.Mode)[0]]
	model, err := r.client.DiscoverModel(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to discover model from %s: %w", completion.ModelsURL(endpoint), err)
	}
	r.logger.Info("discovered model", slog.String("model", model))
	return model, nil
}

func (r *Runner) eventSink() sink.Sink {
	var sinks sink.Multi
	if r.sink != nil {
		sinks = append(sinks, r.sink)
	}
	if r.progress != nil {
		sinks = append(sinks, r.progress)
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func (r *Runner) printConfig(rows, jobs int, model string) {
	cfg := r.cfg
	fmt.Fprintf(r.out, "\n=== Benchmark Config ===\n")
	fmt.Fprintf(r.out, "Mode            : %s\n", cfg.Replay.Mode)
	fmt.Fprintf(r.out, "Model           : %s\n", model)
	fmt.Fprintf(r.out, "Sample Interval : Every %dth request\n", cfg.Trace.SampleInterval)
	fmt.Fprintf(r.out, "Speedup Factor  : %gx\n", cfg.Trace.Speedup)
	fmt.Fprintf(r.out, "Trace Rows      : %d\n", rows)
	fmt.Fprintf(r.out, "Actual Requests : %d\n", jobs)
	fmt.Fprintf(r.out, "Max In Flight   : %d\n", cfg.Replay.EffectiveMaxInFlight())
}

// outputPath resolves name against the output directory
func (r *Runner) outputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.cfg.Output.Dir, name)
}

func (r *Runner) writeFiles(res *Result) error {
	out := r.cfg.Output

	outcomesName := out.OutcomesFile
	if outcomesName == "" {
		outcomesName = report.OutcomesFilename(r.cfg.Replay.Mode, r.cfg.Trace.SampleInterval, r.cfg.Trace.Speedup)
	}
	outcomesPath := r.outputPath(outcomesName)

	summaryName := out.SummaryFile
	if summaryName == "" {
		summaryName = report.SummaryFilename(outcomesName)
	}
	summaryPath := r.outputPath(summaryName)

	if err := report.WriteOutcomes(outcomesPath, res.Run.Outcomes); err != nil {
		return err
	}
	if err := report.WriteSummaries(summaryPath, res.Summaries); err != nil {
		return err
	}
	res.Record.OutcomesPath = outcomesPath
	res.Files = append(res.Files, outcomesPath, summaryPath)

	if out.JSONFile != "" {
		jsonPath := r.outputPath(out.JSONFile)
		err := report.WriteJSON(jsonPath, report.Document{
			Run:       res.Record,
			Summaries: res.Summaries,
			Failures:  res.Run.Failures,
		})
		if err != nil {
			return err
		}
		res.Files = append(res.Files, jsonPath)
	}

	r.logger.Info("results written", slog.Any("files", res.Files))
	return nil
}

func (r *Runner) save(ctx context.Context, res *Result) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Create(ctx, &res.Record); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	if err := r.store.SaveSummaries(ctx, res.Record.ID, res.Summaries); err != nil {
		return fmt.Errorf("failed to store summaries: %w", err)
	}
	r.logger.Info("run stored", slog.String("run_id", res.Record.ID))
	return nil
}

func (r *Runner) upload(ctx context.Context, res *Result) error {
	dir := r.cfg.Output.UploadDir
	if dir == "" {
		return nil
	}

	tr, err := r.remote()
	if err != nil {
		return err
	}

	uploaded, err := tr.UploadResults(ctx, path.Join(dir, res.Record.ID), res.Files...)
	res.Uploaded = uploaded
	if err != nil {
		return fmt.Errorf("failed to upload results: %w", err)
	}
	r.logger.Info("results uploaded", slog.Int("files", len(uploaded)), slog.String("dir", dir))
	return nil
}

func (r *Runner) remote() (Transfer, error) {
	if r.transfer != nil {
		return r.transfer, nil
	}

	creds, err := filetransfer.CredentialsFromConfig(r.cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}
	r.transfer = filetransfer.New(creds, filetransfer.WithConnectTimeout(r.cfg.Remote.Timeout))
	return r.transfer, nil
}
