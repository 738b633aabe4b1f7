// Package completion talks to inference endpoints that implement the
// completions API: streaming completions, model discovery, and the plain
// /generate contract used by the interference stress test.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tracebench/tracebench/internal/stream"
)

const (
	defaultPoolSize = 2000
	dialTimeout     = 30 * time.Second
)

// Client sends completion requests over one shared connection pool
type Client struct {
	httpClient *http.Client
	now        func() time.Time
	timeout    time.Duration
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithPoolSize caps connections per host on the default transport
func WithPoolSize(n int) ClientOption {
	return func(c *Client) {
		c.httpClient = &http.Client{Transport: newTransport(n)}
	}
}

// WithTimeout bounds each request, including reading the stream. Zero means no limit.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithClock overrides the clock used for send and arrival times
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new completion client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Transport: newTransport(defaultPoolSize)},
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func newTransport(poolSize int) *http.Transport {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     poolSize,
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
}

// Request is a completions request body
type Request struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	IgnoreEOS   bool    `json:"ignore_eos"`
	Stream      bool    `json:"stream"`
}

// Response describes one completed streaming request
type Response struct {
	Status     int
	SentAt     time.Time
	FinishedAt time.Time
	Timing     stream.Timing
}

// Latency is the end-to-end time of the request
func (r *Response) Latency() time.Duration {
	return r.FinishedAt.Sub(r.SentAt)
}

// Stream posts req with stream=true to url and records token arrivals.
// A non-2xx answer is drained and returned as *StatusError; any other error
// is a transport failure.
func (c *Client) Stream(ctx context.Context, url string, req Request) (*Response, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	sentAt := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	timing, err := stream.Record(resp.Body, sentAt, c.now)
	if err != nil {
		return nil, fmt.Errorf("stream interrupted after %d tokens: %w", timing.Tokens, err)
	}

	return &Response{
		Status:     resp.StatusCode,
		SentAt:     sentAt,
		FinishedAt: c.now(),
		Timing:     timing,
	}, nil
}

// modelList is the /v1/models response
type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models returns the model ids served at baseURL. A completions URL is
// accepted; everything from /v1/ on is replaced by /v1/models.
func (c *Client) Models(ctx context.Context, baseURL string) ([]string, error) {
	url := ModelsURL(baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// DiscoverModel returns the first model served at baseURL
func (c *Client) DiscoverModel(ctx context.Context, baseURL string) (string, error) {
	ids, err := c.Models(ctx, baseURL)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoModels
	}
	return ids[0], nil
}

// ModelsURL derives the /v1/models URL from an endpoint URL
func ModelsURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if i := strings.Index(endpoint, "/v1/"); i >= 0 {
		return endpoint[:i] + "/v1/models"
	}
	if strings.HasSuffix(endpoint, "/v1") {
		return endpoint + "/models"
	}
	if base, ok := strings.CutSuffix(endpoint, "/generate"); ok {
		return base + "/v1/models"
	}
	return endpoint + "/v1/models"
}
