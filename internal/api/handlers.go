package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tracebench/tracebench/internal/report"
	"github.com/tracebench/tracebench/internal/storage"
	"github.com/tracebench/tracebench/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// ListRunsResponse is the response for listing runs
type ListRunsResponse struct {
	Runs  []*models.RunRecord `json:"runs"`
	Count int                 `json:"count"`
}

// RunResponse is one run with its per-group summaries
type RunResponse struct {
	Run       *models.RunRecord `json:"run"`
	Summaries []models.Summary  `json:"summaries"`
}

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.store != nil {
		response.Services["run_store"] = "ok"
	} else {
		response.Services["run_store"] = "disabled"
	}

	if s.progress.Snapshot().Active {
		response.Services["replay"] = "running"
	} else {
		response.Services["replay"] = "idle"
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.progress.Snapshot())
}

func (s *Server) handleListRuns(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	filter := storage.RunFilter{
		Mode:  c.Query("mode"),
		Model: c.Query("model"),
		Limit: defaultListLimit,
	}

	if limit := c.Query("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v < 1 || v > maxListLimit {
			s.badRequest(c, fmt.Sprintf("invalid limit: must be an integer between 1 and %d, got %q", maxListLimit, limit))
			return
		}
		filter.Limit = v
	}

	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.badRequest(c, fmt.Sprintf("invalid since: must be an RFC 3339 timestamp, got %q", since))
			return
		}
		filter.MinDate = t
	}

	runs, err := s.store.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}

	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	stored, ok := s.loadRun(c, c.Param("id"))
	if !ok {
		return
	}

	c.JSON(http.StatusOK, RunResponse{Run: &stored.Run, Summaries: stored.Summaries})
}

func (s *Server) handleCompareRuns(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	baseID, candidateID := c.Query("base"), c.Query("candidate")
	if baseID == "" || candidateID == "" {
		s.badRequest(c, "base and candidate query parameters are required")
		return
	}

	base, ok := s.loadRun(c, baseID)
	if !ok {
		return
	}
	candidate, ok := s.loadRun(c, candidateID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, report.Compare(base, candidate))
}

// loadRun fetches a run and its summaries, writing the error response itself
// when it fails
func (s *Server) loadRun(c *gin.Context, id string) (report.Stored, bool) {
	ctx := c.Request.Context()

	run, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     fmt.Sprintf("run %s not found", id),
			RequestID: c.GetString("request_id"),
		})
		return report.Stored{}, false
	}
	if err != nil {
		s.internalError(c, err)
		return report.Stored{}, false
	}

	summaries, err := s.store.Summaries(ctx, id)
	if err != nil {
		s.internalError(c, err)
		return report.Stored{}, false
	}
	if summaries == nil {
		summaries = []models.Summary{}
	}

	return report.Stored{Run: *run, Summaries: summaries}, true
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     "run store is disabled",
		RequestID: c.GetString("request_id"),
	})
	return false
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed",
		"error", err,
		"path", c.FullPath(),
		"request_id", c.GetString("request_id"))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     "internal server error",
		RequestID: c.GetString("request_id"),
	})
}
