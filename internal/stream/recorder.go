// Package stream recovers per-token arrival times from a server-sent event
// completion stream.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

const (
	// The space after the colon is optional in server-sent events, so
	// "data:{...}" and "data: {...}" are both accepted.
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Timing is what the recorder measured on one stream
type Timing struct {
	TTFT   time.Duration   // First non-empty fragment minus send time, 0 when no tokens
	Gaps   []time.Duration // Arrival deltas between consecutive non-empty fragments
	Tokens int             // Non-empty fragments received
}

// event is the subset of a completion chunk the recorder reads
type event struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// Record reads the stream until EOF. Lines that are empty, the [DONE]
// sentinel, lack the data: prefix, carry malformed JSON, or carry no text
// are skipped. A read error other than EOF is returned together with the
// timing gathered so far.
func Record(r io.Reader, sentAt time.Time, now func() time.Time) (Timing, error) {
	if now == nil {
		now = time.Now
	}

	var t Timing
	var last time.Time
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if _, ok := fragment(line); ok {
				arrival := now()
				if t.Tokens == 0 {
					t.TTFT = arrival.Sub(sentAt)
				} else {
					t.Gaps = append(t.Gaps, arrival.Sub(last))
				}
				last = arrival
				t.Tokens++
			}
		}
		if err != nil {
			if err == io.EOF {
				return t, nil
			}
			return t, err
		}
	}
}

// fragment extracts choices[0].text from one event line
func fragment(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if data == doneMarker {
		return "", false
	}

	var ev event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return "", false
	}
	if len(ev.Choices) == 0 || ev.Choices[0].Text == "" {
		return "", false
	}
	return ev.Choices[0].Text, true
}
