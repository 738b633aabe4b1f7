package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracebench/tracebench/internal/runner"
)

var profileScheduled bool

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Characterize a trace without replaying it",
	Long: `Print request length distributions, arrival rates and the share of
short generations and long contexts in a trace.

By default the whole trace is profiled. With --scheduled the sampling
interval, request cap and speedup are applied first, so the profile
describes exactly what replay would send.`,
	RunE: runProfile,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	addTraceFlags(profileCmd)
	profileCmd.Flags().BoolVar(&profileScheduled, "scheduled", false, "Profile the sampled and scaled trace")
}

func runProfile(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyTraceFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		out = io.Discard
	}

	p, err := runner.New(cfg, runner.WithLogger(logger), runner.WithOutput(out)).Profile(ctx, profileScheduled)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	return nil
}
