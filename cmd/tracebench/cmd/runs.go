package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracebench/tracebench/internal/report"
	"github.com/tracebench/tracebench/internal/storage"
)

var (
	runsMode  string
	runsModel string
	runsSince string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List and manage stored runs",
	Long:  `List, inspect and delete runs saved in the run database.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete a run and its summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)

	runsListCmd.Flags().StringVarP(&runsMode, "mode", "m", "", "Filter by replay mode")
	runsListCmd.Flags().StringVar(&runsModel, "model", "", "Filter by model")
	runsListCmd.Flags().StringVar(&runsSince, "since", "", "Only runs started after this RFC3339 time")
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs")
}

// withStore opens the run database for the duration of fn
func withStore(fn func(ctx context.Context, store *storage.RunStore) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, store)
}

// loadStored fetches a run with its summaries
func loadStored(ctx context.Context, store *storage.RunStore, id string) (report.Stored, error) {
	run, err := store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return report.Stored{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return report.Stored{}, err
	}
	summaries, err := store.Summaries(ctx, id)
	if err != nil {
		return report.Stored{}, err
	}
	return report.Stored{Run: *run, Summaries: summaries}, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	filter := storage.RunFilter{
		Mode:  runsMode,
		Model: runsModel,
		Limit: runsLimit,
	}
	if runsSince != "" {
		since, err := time.Parse(time.RFC3339, runsSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		filter.MinDate = since
	}

	return withStore(func(ctx context.Context, store *storage.RunStore) error {
		runs, err := store.List(ctx, filter)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tMODE\tMODEL\tSPEEDUP\tREQUESTS\tFAILED\tDURATION")
		fmt.Fprintln(w, "--\t-------\t----\t-----\t-------\t--------\t------\t--------")

		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%gx\t%d\t%d\t%.1fs\n",
				run.ID,
				run.StartedAt.Format("2006-01-02 15:04:05"),
				run.Mode,
				run.Model,
				run.Speedup,
				run.Dispatched,
				run.Failed,
				run.DurationSeconds,
			)
		}
		w.Flush()

		fmt.Fprintf(out, "\nTotal: %d runs\n", len(runs))
		return nil
	})
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *storage.RunStore) error {
		stored, err := loadStored(ctx, store, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(report.Document{Run: stored.Run, Summaries: stored.Summaries})
		}

		run := stored.Run
		fmt.Fprintf(out, "Run:          %s\n", run.ID)
		fmt.Fprintf(out, "Started:      %s\n", run.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "Trace:        %s\n", run.TraceSource)
		fmt.Fprintf(out, "Model:        %s\n", run.Model)
		fmt.Fprintf(out, "Dispatched:   %d (%d succeeded, %d failed)\n", run.Dispatched, run.Succeeded, run.Failed)
		if run.OutcomesPath != "" {
			fmt.Fprintf(out, "Outcomes:     %s\n", run.OutcomesPath)
		}

		report.Print(out, report.Header{
			Mode:           run.Mode,
			SampleInterval: run.SampleInterval,
			Speedup:        run.Speedup,
		}, stored.Summaries)
		return nil
	})
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *storage.RunStore) error {
		if err := store.Delete(ctx, args[0]); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s deleted.\n", args[0])
		return nil
	})
}
