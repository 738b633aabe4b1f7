package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/internal/trace"
	"github.com/tracebench/tracebench/pkg/models"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestOutcomesFilename(t *testing.T) {
	tests := []struct {
		mode    string
		sample  int
		speedup float64
		want    string
	}{
		{config.ModeBaseline, 2, 1.1, "result_sample2_speed1.1x.csv"},
		{config.ModeBaseline, 1, 2, "result_sample1_speed2.0x.csv"},
		{config.ModeDisaggregated, 5, 1.5, "result_pd_speed1.5x.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomesFilename(tt.mode, tt.sample, tt.speedup))
		})
	}
}

func TestSummaryFilename(t *testing.T) {
	assert.Equal(t, "out/result_pd_speed1.5x_summary.csv", SummaryFilename("out/result_pd_speed1.5x.csv"))
}

func TestWriteOutcomes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outcomes.csv")
	sent := time.Unix(1700000000, 500000000)

	outcomes := []models.RequestOutcome{
		{
			RequestID:         "req-1",
			Role:              models.RolePrefill,
			Endpoint:          "prefill",
			ScheduledOffset:   1500 * time.Millisecond,
			SentAt:            sent,
			InputLen:          120,
			ExpectedOutputLen: 1,
			Tokens:            1,
			Latency:           250 * time.Millisecond,
			TTFT:              200 * time.Millisecond,
			Status:            200,
			TTFTViolated:      true,
			SlowGaps:          0,
			Gaps:              []time.Duration{time.Millisecond},
		},
	}

	require.NoError(t, WriteOutcomes(path, outcomes))

	records := readCSV(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, outcomeHeader, records[0])
	assert.Equal(t, []string{
		"req-1", "prefill", "prefill", "1.500000", "1700000000.500000",
		"120", "1", "1", "0.250000", "0.200000", "200", "true", "0",
	}, records[1])
}

func TestWriteSummaries_DegenerateIsZeros(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.csv")

	require.NoError(t, WriteSummaries(path, []models.Summary{{Group: models.GroupAll}}))

	records := readCSV(t, path)
	require.Len(t, records, 2)
	assert.Len(t, records[1], len(summaryHeader))
	assert.Equal(t, "all", records[1][0])
	assert.Equal(t, "false", records[1][1])
	for i, v := range records[1][2:] {
		assert.NotContains(t, strings.ToLower(v), "nan", "column %s", summaryHeader[i+2])
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	doc := Document{
		Run:       models.RunRecord{ID: "01RUN", Mode: config.ModeBaseline},
		Summaries: []models.Summary{{Group: models.GroupAll, Valid: true, Requests: 3}},
	}

	require.NoError(t, WriteJSON(path, doc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Document
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "01RUN", got.Run.ID)
	require.Len(t, got.Summaries, 1)
	assert.Equal(t, 3, got.Summaries[0].Requests)
}

func TestPrint(t *testing.T) {
	summaries := []models.Summary{
		{
			Group: models.GroupAll, Valid: true, Requests: 4, DurationSeconds: 2,
			RequestsPerSecond: 2, TTFTThreshold: 1, TTFTViolations: 1, TTFTViolationRate: 0.25,
			TPOT: models.Distribution{Mean: 0.012},
		},
		{Group: "prefill", Valid: true, Requests: 2, TTFTThreshold: 1, TPOTThreshold: 0.1},
		{Group: "decode", Valid: false, Failures: 2, StatusFailures: 2, ErrorRate: 1, TTFTThreshold: 1, TPOTThreshold: 0.1},
	}

	var buf bytes.Buffer
	Print(&buf, Header{Mode: config.ModeDisaggregated, SampleInterval: 1, Speedup: 2}, summaries)
	out := buf.String()

	assert.Contains(t, out, "Speed: 2.0x")
	assert.Contains(t, out, "Requests/s      : 2.00 req/s")
	assert.Contains(t, out, "Avg: 12.00 ms")
	assert.Contains(t, out, "Violations: 1 (25.00%)")
	assert.Contains(t, out, "--- DECODE ---\nNo valid requests.")
	assert.Contains(t, out, "Status    : 2")

	prefill := out[strings.Index(out, "--- PREFILL ---"):strings.Index(out, "--- DECODE ---")]
	assert.Contains(t, prefill, "TTFT SLO")
	assert.NotContains(t, prefill, "TPOT SLO")
}

func TestCompare(t *testing.T) {
	base := Stored{
		Run: models.RunRecord{ID: "serial", DurationSeconds: 30},
		Summaries: []models.Summary{
			{Group: "prefill", Valid: true, Latency: models.Distribution{Mean: 2}, TTFT: models.Distribution{Mean: 1}},
			{Group: "decode", Valid: true, Latency: models.Distribution{Mean: 4}, TTFT: models.Distribution{Mean: 0.5}},
			{Group: models.GroupAll, Valid: false},
		},
	}
	candidate := Stored{
		Run: models.RunRecord{ID: "parallel", DurationSeconds: 20},
		Summaries: []models.Summary{
			{Group: models.GroupAll, Valid: true},
			{Group: "decode", Valid: true, Latency: models.Distribution{Mean: 5}, TTFT: models.Distribution{Mean: 0.5}},
			{Group: "prefill", Valid: true, Latency: models.Distribution{Mean: 3}, TTFT: models.Distribution{Mean: 0.5}},
		},
	}

	c := Compare(base, candidate)

	assert.InDelta(t, 1.5, c.Speedup, 1e-9)
	require.Len(t, c.Groups, 2)
	assert.Equal(t, "prefill", c.Groups[0].Group)
	assert.InDelta(t, 50.0, c.Groups[0].LatencyDegradation, 1e-9)
	assert.InDelta(t, -50.0, c.Groups[0].TTFTDegradation, 1e-9)
	assert.Equal(t, "decode", c.Groups[1].Group)
	assert.InDelta(t, 25.0, c.Groups[1].LatencyDegradation, 1e-9)
	assert.InDelta(t, 0.0, c.Groups[1].TTFTDegradation, 1e-9)

	var buf bytes.Buffer
	PrintComparison(&buf, c)
	assert.Contains(t, buf.String(), "Speedup  : 1.50x")
	assert.Contains(t, buf.String(), "(+50.0%)")
}

func TestCompare_ZeroDuration(t *testing.T) {
	c := Compare(Stored{Run: models.RunRecord{DurationSeconds: 3}}, Stored{})
	assert.Equal(t, 0.0, c.Speedup)
	assert.Empty(t, c.Groups)
}

func TestPrintProfile(t *testing.T) {
	var buf bytes.Buffer
	PrintProfile(&buf, "azure.csv", trace.TraceProfile{
		Rows:              10,
		Dropped:           1,
		Input:             trace.LengthStats{Count: 10, Mean: 512, Max: 9000, Total: 5120},
		ShortGenerations:  3,
		ShortGenerationPc: 30,
		LongContexts:      1,
	})

	out := buf.String()
	assert.Contains(t, out, "TRACE PROFILE: azure.csv")
	assert.Contains(t, out, "Rows            : 10 (1 dropped)")
	assert.Contains(t, out, "Count: 10  Total: 5120")
	assert.Contains(t, out, "[Output tokens]\n  no valid values")
	assert.Contains(t, out, "Short generations (<=5 tokens): 3 (30.00%)")
}
