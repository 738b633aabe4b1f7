package completion_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracebench/tracebench/internal/completion"
	"github.com/tracebench/tracebench/internal/mockserver"
)

func newMock(t *testing.T, b mockserver.Behavior) (*httptest.Server, *mockserver.State) {
	t.Helper()
	state := mockserver.NewState(b)
	srv := httptest.NewServer(mockserver.NewServer(state).Router())
	t.Cleanup(srv.Close)
	return srv, state
}

func TestClient_Stream(t *testing.T) {
	srv, state := newMock(t, mockserver.Behavior{Model: "mock-llm", TTFT: 20 * time.Millisecond, InterToken: 5 * time.Millisecond})

	client := completion.NewClient(completion.WithPoolSize(8))
	resp, err := client.Stream(context.Background(), srv.URL+"/v1/completions", completion.Request{
		Model:     "mock-llm",
		Prompt:    "REQ_ID_0123456789ab: hello",
		MaxTokens: 4,
		IgnoreEOS: true,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 4, resp.Timing.Tokens)
	assert.Len(t, resp.Timing.Gaps, 3)
	assert.GreaterOrEqual(t, resp.Timing.TTFT, 20*time.Millisecond)
	assert.LessOrEqual(t, resp.Timing.TTFT, resp.Latency())

	received := state.Received()
	require.Len(t, received, 1)
	assert.True(t, received[0].Stream)
	assert.True(t, received[0].IgnoreEOS)
}

func TestClient_StreamStatusError(t *testing.T) {
	srv, _ := newMock(t, mockserver.Behavior{Model: "m", FailEvery: 1})

	_, err := completion.NewClient().Stream(context.Background(), srv.URL+"/v1/completions", completion.Request{MaxTokens: 1})
	require.Error(t, err)

	code, ok := completion.IsStatusError(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.True(t, completion.IsOverloaded(err))
}

func TestClient_StreamTransportError(t *testing.T) {
	srv, _ := newMock(t, mockserver.DefaultBehavior())
	url := srv.URL + "/v1/completions"
	srv.Close()

	_, err := completion.NewClient().Stream(context.Background(), url, completion.Request{MaxTokens: 1})
	require.Error(t, err)
	_, ok := completion.IsStatusError(err)
	assert.False(t, ok)
}

func TestClient_StreamTimeout(t *testing.T) {
	srv, _ := newMock(t, mockserver.Behavior{Model: "m", TTFT: time.Second})

	_, err := completion.NewClient(completion.WithTimeout(50*time.Millisecond)).Stream(context.Background(), srv.URL+"/v1/completions", completion.Request{MaxTokens: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_DiscoverModel(t *testing.T) {
	srv, _ := newMock(t, mockserver.Behavior{Model: "llama-3-8b"})

	model, err := completion.NewClient().DiscoverModel(context.Background(), srv.URL+"/v1/completions")
	require.NoError(t, err)
	assert.Equal(t, "llama-3-8b", model)
}

func TestClient_Generate(t *testing.T) {
	srv, state := newMock(t, mockserver.Behavior{Model: "m", TTFT: 10 * time.Millisecond})

	latency, err := completion.NewClient().Generate(context.Background(), srv.URL+"/generate", completion.GenerateRequest{
		Text:           "Hello Hello",
		SamplingParams: completion.SamplingParams{MaxNewTokens: 1, IgnoreEOS: true},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, 10*time.Millisecond)

	received := state.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "Hello Hello", received[0].Prompt)
	assert.Equal(t, 1, received[0].MaxTokens)
}

func TestModelsURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:30001/v1/completions", "http://127.0.0.1:30001/v1/models"},
		{"http://host:8000/v1", "http://host:8000/v1/models"},
		{"http://host:8000/", "http://host:8000/v1/models"},
		{"http://localhost:30002/generate", "http://localhost:30002/v1/models"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, completion.ModelsURL(tt.in))
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	err := &completion.StatusError{URL: "http://x/v1/completions", StatusCode: 429}
	assert.Contains(t, err.Error(), "429")
	assert.True(t, completion.IsOverloaded(err))
}
