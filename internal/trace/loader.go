// Package trace loads request traces and turns them into replay schedules.
//
// A trace is a CSV file with one historical request per row: an arrival
// timestamp plus input and output token counts. Loading parses timestamps,
// drops rows whose timestamp cannot be parsed, sorts by time, thins the rows
// by a sample interval, caps the row count, and finally computes each row's
// offset from the first row divided by a speedup factor.
package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tracebench/tracebench/pkg/models"
)

// ErrEmptyTrace is returned when no rows survive filtering
var ErrEmptyTrace = errors.New("trace has no rows after filtering")

// Format selects a column preset
type Format string

const (
	FormatAzure    Format = "azure"
	FormatBurstGPT Format = "burstgpt"
	FormatCustom   Format = "custom"
)

// Columns names the three trace columns the loader reads
type Columns struct {
	Timestamp string
	Input     string
	Output    string
}

var presets = map[Format]Columns{
	FormatAzure:    {Timestamp: "TIMESTAMP", Input: "ContextTokens", Output: "GeneratedTokens"},
	FormatBurstGPT: {Timestamp: "Timestamp", Input: "Request tokens", Output: "Response tokens"},
}

// ColumnsFor returns the preset columns for a format. Custom formats return
// the given columns unchanged.
func ColumnsFor(format Format, custom Columns) (Columns, error) {
	if format == FormatCustom {
		return custom, nil
	}
	cols, ok := presets[format]
	if !ok {
		return Columns{}, fmt.Errorf("unknown trace format %q", format)
	}
	return cols, nil
}

// Options controls how a trace is read and thinned
type Options struct {
	Columns        Columns
	ReadLimit      int     // Raw data rows read, 0 = all
	SampleInterval int     // Keep every Nth row after sorting, values < 1 mean 1
	MaxRows        int     // Keep the first M rows after sampling, 0 = all
	Speedup        float64 // Divides trace-relative time, must be positive
}

// Row is one historical request
type Row struct {
	Line      int     // 1-based data row number in the source, 0 for generated rows
	Timestamp float64 // Seconds; epoch seconds for date-time columns
	Input     models.TokenCount
	Output    models.TokenCount
	Offset    time.Duration // Scheduled time relative to the first row, already divided by speedup
}

// Trace is a loaded, filtered and scheduled trace
type Trace struct {
	Rows      []Row
	Read      int // Data rows read from the source
	Dropped   int // Rows dropped for an unparseable timestamp
	Malformed int // Lines the CSV reader rejected
}

// Duration returns the scheduled span of the trace
func (t *Trace) Duration() time.Duration {
	if len(t.Rows) == 0 {
		return 0
	}
	return t.Rows[len(t.Rows)-1].Offset
}

// Load reads a trace from a CSV file
func Load(path string, opts Options) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	return Read(f, opts)
}

// Read reads a trace from CSV data with a header row
func Read(r io.Reader, opts Options) (*Trace, error) {
	if opts.Speedup <= 0 {
		return nil, fmt.Errorf("speedup must be positive, got %v", opts.Speedup)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read trace header: %w", err)
	}

	tsIdx, inIdx, outIdx, err := columnIndexes(header, opts.Columns)
	if err != nil {
		return nil, err
	}

	t := &Trace{}
	var rows []Row
	for opts.ReadLimit <= 0 || t.Read < opts.ReadLimit {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				t.Read++
				t.Malformed++
				continue
			}
			return nil, fmt.Errorf("failed to read trace: %w", err)
		}
		t.Read++

		ts, ok := ParseTimestamp(field(record, tsIdx))
		if !ok {
			t.Dropped++
			continue
		}

		rows = append(rows, Row{
			Line:      t.Read,
			Timestamp: ts,
			Input:     ParseTokens(field(record, inIdx)),
			Output:    ParseTokens(field(record, outIdx)),
		})
	}

	t.Rows = finalize(rows, opts)
	if len(t.Rows) == 0 {
		return t, ErrEmptyTrace
	}
	return t, nil
}

// finalize sorts, samples, truncates and schedules rows
func finalize(rows []Row, opts Options) []Row {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp < rows[j].Timestamp
	})

	if opts.SampleInterval > 1 {
		sampled := make([]Row, 0, len(rows)/opts.SampleInterval+1)
		for i := 0; i < len(rows); i += opts.SampleInterval {
			sampled = append(sampled, rows[i])
		}
		rows = sampled
	}

	if opts.MaxRows > 0 && opts.MaxRows < len(rows) {
		rows = rows[:opts.MaxRows]
	}

	if len(rows) == 0 {
		return nil
	}

	base := rows[0].Timestamp
	for i := range rows {
		rel := (rows[i].Timestamp - base) / opts.Speedup
		rows[i].Offset = time.Duration(rel * float64(time.Second))
	}
	return rows
}

func columnIndexes(header []string, cols Columns) (ts, in, out int, err error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		index[name] = i
	}

	lookup := func(name string) (int, error) {
		i, ok := index[name]
		if !ok {
			return 0, fmt.Errorf("trace is missing column %q", name)
		}
		return i, nil
	}

	if ts, err = lookup(cols.Timestamp); err != nil {
		return
	}
	if in, err = lookup(cols.Input); err != nil {
		return
	}
	out, err = lookup(cols.Output)
	return
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// timestampLayouts covers the date-time shapes seen in published traces
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// ParseTimestamp converts a numeric or date-time cell to seconds
func ParseTimestamp(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return float64(ts.UnixNano()) / float64(time.Second), true
		}
	}
	return 0, false
}

// ParseTokens converts a length cell to a TokenCount. Float cells are
// truncated; empty, NaN and unparseable cells are invalid.
func ParseTokens(s string) models.TokenCount {
	if s == "" {
		return models.TokenCount{}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return models.Count(n)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return models.TokenCount{}
	}
	return models.Count(int(v))
}
