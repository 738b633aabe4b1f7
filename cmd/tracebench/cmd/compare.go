package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tracebench/tracebench/internal/report"
	"github.com/tracebench/tracebench/internal/storage"
)

var compareCmd = &cobra.Command{
	Use:   "compare [base-run-id] [candidate-run-id]",
	Short: "Compare two stored runs",
	Long: `Print the wall-clock speedup of the candidate run over the base run and
the change in mean latency and TTFT for every group present in both.

Example:
  tracebench compare 01HV3K8Z6Q0M5 01HV3KB1TQY2N`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *storage.RunStore) error {
		base, err := loadStored(ctx, store, args[0])
		if err != nil {
			return err
		}
		candidate, err := loadStored(ctx, store, args[1])
		if err != nil {
			return err
		}

		c := report.Compare(base, candidate)
		if outputFormat == "json" {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(c)
		}
		report.PrintComparison(cmd.OutOrStdout(), c)
		return nil
	})
}
