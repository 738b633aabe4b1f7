package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracebench/tracebench/internal/api"
	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/internal/runner"
	"github.com/tracebench/tracebench/internal/sink"
)

var (
	replayMode            string
	replayTrace           string
	replayFormat          string
	replaySource          string
	replaySpeedup         float64
	replaySample          int
	replayMaxRequests     int
	replayReadLimit       int
	replayModel           string
	replayOutputDir       string
	replayJSONFile        string
	replayMaxInFlight     int
	replayMaxRate         float64
	replayExcludeFailures bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a trace against the configured endpoints",
	Long: `Replay a trace at its recorded arrival times and report latency,
time-to-first-token, inter-token gaps and SLO attainment.

Examples:
  tracebench replay --trace AzureLLMInferenceTrace_conv_1week.csv --speedup 1.1
  tracebench replay --mode disaggregated --sample 2 --max-requests 5000
  tracebench replay --source synthetic --config bench.yaml`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	addTraceFlags(replayCmd)

	replayCmd.Flags().StringVar(&replayMode, "mode", "", "Replay mode (baseline, disaggregated)")
	replayCmd.Flags().StringVar(&replayModel, "model", "", "Model id, discovered from /v1/models when empty")
	replayCmd.Flags().StringVar(&replayOutputDir, "output-dir", "", "Directory for result files")
	replayCmd.Flags().StringVar(&replayJSONFile, "json", "", "Also write a JSON report with this name")
	replayCmd.Flags().IntVar(&replayMaxInFlight, "max-in-flight", 0, "Cap on concurrently admitted requests")
	replayCmd.Flags().Float64Var(&replayMaxRate, "max-rate", 0, "Cap on dispatched requests per second")
	replayCmd.Flags().BoolVar(&replayExcludeFailures, "exclude-failures", true, "Keep failed requests out of SLO denominators")
}

// addTraceFlags registers the flags shared by replay and profile
func addTraceFlags(c *cobra.Command) {
	c.Flags().StringVar(&replaySource, "source", "", "Trace source (csv, synthetic)")
	c.Flags().StringVar(&replayTrace, "trace", "", "Trace CSV path")
	c.Flags().StringVar(&replayFormat, "format", "", "Trace column preset (azure, burstgpt, custom)")
	c.Flags().Float64Var(&replaySpeedup, "speedup", 0, "Divide trace time by this factor")
	c.Flags().IntVar(&replaySample, "sample", 0, "Keep every Nth request")
	c.Flags().IntVar(&replayMaxRequests, "max-requests", 0, "Keep at most this many requests after sampling")
	c.Flags().IntVar(&replayReadLimit, "read-limit", 0, "Read at most this many trace rows")
}

// applyTraceFlags copies explicitly set trace flags onto cfg
func applyTraceFlags(c *cobra.Command, cfg *config.Config) {
	flags := c.Flags()
	if flags.Changed("source") {
		cfg.Trace.Source = replaySource
	}
	if flags.Changed("trace") {
		cfg.Trace.Path = replayTrace
		cfg.Trace.Source = config.SourceCSV
	}
	if flags.Changed("format") {
		cfg.Trace.Format = replayFormat
	}
	if flags.Changed("speedup") {
		cfg.Trace.Speedup = replaySpeedup
	}
	if flags.Changed("sample") {
		cfg.Trace.SampleInterval = replaySample
	}
	if flags.Changed("max-requests") {
		cfg.Trace.MaxRequests = replayMaxRequests
	}
	if flags.Changed("read-limit") {
		cfg.Trace.ReadLimit = replayReadLimit
	}
}

// applyReplayFlags copies explicitly set replay flags onto cfg
func applyReplayFlags(c *cobra.Command, cfg *config.Config) {
	applyTraceFlags(c, cfg)

	flags := c.Flags()
	if flags.Changed("mode") {
		cfg.Replay.Mode = replayMode
	}
	if flags.Changed("model") {
		cfg.Target.Model = replayModel
	}
	if flags.Changed("output-dir") {
		cfg.Output.Dir = replayOutputDir
	}
	if flags.Changed("json") {
		cfg.Output.JSONFile = replayJSONFile
	}
	if flags.Changed("max-in-flight") {
		cfg.Replay.MaxInFlight = replayMaxInFlight
	}
	if flags.Changed("max-rate") {
		cfg.Replay.MaxRate = replayMaxRate
	}
	if flags.Changed("exclude-failures") {
		cfg.Replay.ExcludeFailures = replayExcludeFailures
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyReplayFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithOutput(cmd.OutOrStdout()),
	}

	var statusOpts []api.Option
	if cfg.Database.Enabled {
		db, store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, runner.WithRunStore(store))
		statusOpts = append(statusOpts, api.WithRunStore(store))
	}

	if cfg.Sink.NATS.URL != "" {
		s, err := sink.Connect(cfg.Sink.NATS.URL, cfg.Sink.NATS.Subject)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warn("failed to close sink", slog.String("error", err.Error()))
			}
		}()
		opts = append(opts, runner.WithSink(s))
		logger.Info("publishing outcomes", slog.String("url", cfg.Sink.NATS.URL), slog.String("subject", cfg.Sink.NATS.Subject))
	}

	if cfg.Metrics.Listen != "" {
		progress := api.NewProgress()
		opts = append(opts, runner.WithProgress(progress))

		server := api.New(append(statusOpts,
			api.WithLogger(logger),
			api.WithAddr(cfg.Metrics.Listen),
			api.WithProgress(progress),
		)...)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("status server error", slog.String("error", err.Error()))
			}
		}()
		server.SetReady(true)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", slog.String("error", err.Error()))
			}
		}()
	}

	res, err := runner.New(cfg, opts...).Replay(ctx)
	if err != nil {
		return err
	}
	if res.Empty() {
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRun ID: %s\n", res.Record.ID)
	for _, f := range res.Files {
		fmt.Fprintf(out, "Wrote %s\n", f)
	}
	for _, f := range res.Uploaded {
		fmt.Fprintf(out, "Uploaded %s\n", f)
	}
	return nil
}
