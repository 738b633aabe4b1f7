// Package report writes replay results to CSV, JSON and the console.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/pkg/models"
)

// OutcomesFilename returns the default outcomes file name for a run
func OutcomesFilename(mode string, sampleInterval int, speedup float64) string {
	if mode == config.ModeDisaggregated {
		return fmt.Sprintf("result_pd_speed%sx.csv", formatFactor(speedup))
	}
	return fmt.Sprintf("result_sample%d_speed%sx.csv", sampleInterval, formatFactor(speedup))
}

// SummaryFilename derives the summary file name from the outcomes file name
func SummaryFilename(outcomesFile string) string {
	return strings.TrimSuffix(outcomesFile, filepath.Ext(outcomesFile)) + "_summary.csv"
}

// formatFactor prints a float in its shortest form, always with a
// fractional part (2 -> "2.0")
func formatFactor(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

var outcomeHeader = []string{
	"request_id", "role", "endpoint", "scheduled_offset", "send_time",
	"input_len", "expected_output_len", "output_len",
	"latency", "ttft", "status", "ttft_violated", "slow_gap_count",
}

// WriteOutcomes writes one row per outcome. The raw gap sequence is omitted.
func WriteOutcomes(path string, outcomes []models.RequestOutcome) error {
	return writeCSV(path, func(w *csv.Writer) error {
		if err := w.Write(outcomeHeader); err != nil {
			return err
		}
		for _, o := range outcomes {
			record := []string{
				o.RequestID,
				string(o.Role),
				o.Endpoint,
				seconds(o.ScheduledOffset.Seconds()),
				seconds(float64(o.SentAt.UnixNano()) / 1e9),
				strconv.Itoa(o.InputLen),
				strconv.Itoa(o.ExpectedOutputLen),
				strconv.Itoa(o.Tokens),
				seconds(o.Latency.Seconds()),
				seconds(o.TTFT.Seconds()),
				strconv.Itoa(o.Status),
				strconv.FormatBool(o.TTFTViolated),
				strconv.Itoa(o.SlowGaps),
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

var summaryHeader = []string{
	"group", "valid", "requests", "failures", "status_failures", "transport_errors", "error_rate",
	"duration_seconds", "input_tokens", "output_tokens",
	"requests_per_second", "prefill_tokens_per_second", "decode_tokens_per_second",
	"latency_mean", "latency_p50", "latency_p90", "latency_p99",
	"ttft_mean", "ttft_p50", "ttft_p90", "ttft_p99",
	"tpot_mean", "tpot_p50", "tpot_p90", "tpot_p99",
	"gap_count", "ttft_slo", "ttft_violations", "ttft_violation_rate",
	"tpot_slo", "tpot_violations", "tpot_violation_rate",
}

// WriteSummaries writes one row per summary group
func WriteSummaries(path string, summaries []models.Summary) error {
	return writeCSV(path, func(w *csv.Writer) error {
		if err := w.Write(summaryHeader); err != nil {
			return err
		}
		for _, s := range summaries {
			record := []string{
				s.Group,
				strconv.FormatBool(s.Valid),
				strconv.Itoa(s.Requests),
				strconv.Itoa(s.Failures),
				strconv.Itoa(s.StatusFailures),
				strconv.Itoa(s.TransportErrors),
				seconds(s.ErrorRate),
				seconds(s.DurationSeconds),
				strconv.Itoa(s.InputTokens),
				strconv.Itoa(s.OutputTokens),
				seconds(s.RequestsPerSecond),
				seconds(s.PrefillTokensPS),
				seconds(s.DecodeTokensPS),
			}
			for _, d := range []models.Distribution{s.Latency, s.TTFT, s.TPOT} {
				record = append(record, seconds(d.Mean), seconds(d.P50), seconds(d.P90), seconds(d.P99))
			}
			record = append(record,
				strconv.Itoa(s.GapCount),
				seconds(s.TTFTThreshold),
				strconv.Itoa(s.TTFTViolations),
				seconds(s.TTFTViolationRate),
				seconds(s.TPOTThreshold),
				strconv.Itoa(s.TPOTViolations),
				seconds(s.TPOTViolationRate),
			)
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

// Document is the JSON result file
type Document struct {
	Run       models.RunRecord `json:"run"`
	Summaries []models.Summary `json:"summaries"`
	Failures  []models.Failure `json:"failures,omitempty"`
}

// WriteJSON writes the run description, summaries and failures as indented JSON
func WriteJSON(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeCSV(path string, fill func(w *csv.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := fill(w); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return f.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
