// Package mockserver is a local inference endpoint that speaks the
// completions contract with configurable latency and failure injection.
package mockserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracebench/tracebench/internal/completion"
)

// Server is the mock inference server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock inference server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState(DefaultBehavior())
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.Default().With("component", "mockserver"),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	s.router.POST("/v1/completions", s.handleCompletions)
	s.router.POST("/generate", s.handleGenerate)
	s.router.GET("/v1/models", s.handleModels)

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

func (s *Server) handleCompletions(c *gin.Context) {
	var req completion.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, fail := s.state.admit(Received{
		Path:      c.FullPath(),
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		IgnoreEOS: req.IgnoreEOS,
		Stream:    req.Stream,
		ArrivedAt: time.Now(),
	})
	if fail {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server overloaded"})
		return
	}

	tokens := req.MaxTokens
	if b.MaxTokensCap > 0 && tokens > b.MaxTokensCap {
		tokens = b.MaxTokensCap
	}
	id := "cmpl-" + uuid.New().String()

	if !req.Stream {
		if !s.sleep(c, b.TTFT+time.Duration(max(tokens-1, 0))*b.InterToken) {
			return
		}
		stop := "length"
		c.JSON(http.StatusOK, completionChunk{
			ID:      id,
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   b.Model,
			Choices: []chunkChoice{{Text: strings.Repeat(" tok", tokens), FinishReason: &stop}},
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	for i := 0; i < tokens; i++ {
		delay := b.InterToken
		if i == 0 {
			delay = b.TTFT
		}
		if !s.sleep(c, delay) {
			return
		}

		chunk := completionChunk{
			ID:      id,
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   b.Model,
			Choices: []chunkChoice{{Text: fmt.Sprintf(" tok%d", i)}},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error("failed to marshal chunk", "error", err)
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req completion.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens := req.SamplingParams.MaxNewTokens
	b, fail := s.state.admit(Received{
		Path:      c.FullPath(),
		Prompt:    req.Text,
		MaxTokens: tokens,
		IgnoreEOS: req.SamplingParams.IgnoreEOS,
		ArrivedAt: time.Now(),
	})
	if fail {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server overloaded"})
		return
	}

	if !s.sleep(c, b.TTFT+time.Duration(max(tokens-1, 0))*b.InterToken) {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"text": strings.Repeat(" tok", tokens),
		"meta_info": gin.H{
			"prompt_tokens":     len(strings.Fields(req.Text)),
			"completion_tokens": tokens,
		},
	})
}

func (s *Server) handleModels(c *gin.Context) {
	b := s.state.Behavior()
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{
			{"id": b.Model, "object": "model", "owned_by": "mockserver"},
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleTestConfig(c *gin.Context) {
	b := s.state.Behavior()
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.state.SetBehavior(b)
	s.logger.Info("behavior updated", "ttft", b.TTFT, "inter_token", b.InterToken, "fail_every", b.FailEvery)
	c.JSON(http.StatusOK, b)
}

// sleep waits for d unless the client goes away first
func (s *Server) sleep(c *gin.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.Request.Context().Done():
		return false
	}
}

// Run starts the server on the specified address
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock inference server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
