package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tracebench/tracebench/internal/completion"
	"github.com/tracebench/tracebench/internal/stress"
)

var (
	stressPrefillURL string
	stressDecodeURL  string
	stressPrefill    int
	stressDecode     int
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Measure prefill/decode interference",
	Long: `Fire a batch of long-prompt prefill requests and short-prompt decode
requests, first one type after the other and then both at once, and report
how much the mixed run slows each type down.

Examples:
  tracebench stress
  tracebench stress --prefill-url http://gpu0:30002/generate --decode-url http://gpu0:30001/generate
  tracebench stress --prefill 64 --decode 128`,
	RunE: runStress,
}

func init() {
	rootCmd.AddCommand(stressCmd)

	stressCmd.Flags().StringVar(&stressPrefillURL, "prefill-url", "", "Prefill /generate URL")
	stressCmd.Flags().StringVar(&stressDecodeURL, "decode-url", "", "Decode /generate URL")
	stressCmd.Flags().IntVar(&stressPrefill, "prefill", 0, "Number of prefill requests")
	stressCmd.Flags().IntVar(&stressDecode, "decode", 0, "Number of decode requests")
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("prefill-url") {
		cfg.Stress.PrefillURL = stressPrefillURL
	}
	if flags.Changed("decode-url") {
		cfg.Stress.DecodeURL = stressDecodeURL
	}
	if flags.Changed("prefill") {
		cfg.Stress.PrefillRequests = stressPrefill
	}
	if flags.Changed("decode") {
		cfg.Stress.DecodeRequests = stressDecode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	client := completion.NewClient(
		completion.WithPoolSize(cfg.Stress.PrefillRequests+cfg.Stress.DecodeRequests),
		completion.WithTimeout(cfg.Target.Timeout),
	)

	res, err := stress.NewRunner(client, cfg.Stress, stress.WithLogger(logger)).Run(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	stress.Print(cmd.OutOrStdout(), res)
	return nil
}
