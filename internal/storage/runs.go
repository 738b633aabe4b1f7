package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tracebench/tracebench/pkg/models"
)

// Run store errors
var (
	ErrNotFound      = errors.New("run not found")
	ErrAlreadyExists = errors.New("run already exists")
)

// RunStore handles run and summary persistence
type RunStore struct {
	db *DB
}

// NewRunStore creates a new run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `
	id, started_at, mode, trace_source, model,
	sample_interval, max_requests, speedup,
	duration_seconds, dispatched, succeeded, failed,
	outcomes_path, created_at
`

// Create inserts a run record
func (s *RunStore) Create(ctx context.Context, run *models.RunRecord) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (
		?, ?, ?, ?, ?,
		?, ?, ?,
		?, ?, ?, ?,
		?, ?
	)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.StartedAt, run.Mode, run.TraceSource, run.Model,
		run.SampleInterval, run.MaxRequests, run.Speedup,
		run.DurationSeconds, run.Dispatched, run.Succeeded, run.Failed,
		nullString(run.OutcomesPath), run.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// Get retrieves a run by ID
func (s *RunStore) Get(ctx context.Context, id string) (*models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// RunFilter defines criteria for listing runs
type RunFilter struct {
	Mode    string
	Model   string
	MinDate time.Time
	Limit   int
}

// List returns runs matching the filter, newest first
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`

	var args []interface{}

	if filter.Mode != "" {
		query += " AND mode = ?"
		args = append(args, filter.Mode)
	}

	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}

	if !filter.MinDate.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.MinDate)
	}

	query += " ORDER BY started_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// SaveSummaries stores the per-group summaries of a run, replacing any
// existing rows for the same groups
func (s *RunStore) SaveSummaries(ctx context.Context, runID string, summaries []models.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT OR REPLACE INTO run_summaries (
			run_id, group_name, valid, requests, failures,
			requests_per_second, latency_mean, ttft_mean, tpot_mean, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, sum := range summaries {
		data, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}

		_, err = tx.ExecContext(ctx, query,
			runID, sum.Group, sum.Valid, sum.Requests, sum.Failures,
			sum.RequestsPerSecond, sum.Latency.Mean, sum.TTFT.Mean, sum.TPOT.Mean, string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to save %s summary: %w", sum.Group, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summaries: %w", err)
	}
	return nil
}

// Summaries returns the stored summaries of a run in group order
// ("all" first)
func (s *RunStore) Summaries(ctx context.Context, runID string) ([]models.Summary, error) {
	query := `
		SELECT data FROM run_summaries
		WHERE run_id = ?
		ORDER BY CASE group_name WHEN 'all' THEN 0 WHEN 'prefill' THEN 1 WHEN 'decode' THEN 2 ELSE 3 END, group_name
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.Summary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		var sum models.Summary
		if err := json.Unmarshal([]byte(data), &sum); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}

	return summaries, nil
}

// Delete removes a run and its summaries
func (s *RunStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	run := &models.RunRecord{}
	var outcomesPath sql.NullString

	err := row.Scan(
		&run.ID, &run.StartedAt, &run.Mode, &run.TraceSource, &run.Model,
		&run.SampleInterval, &run.MaxRequests, &run.Speedup,
		&run.DurationSeconds, &run.Dispatched, &run.Succeeded, &run.Failed,
		&outcomesPath, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.OutcomesPath = outcomesPath.String

	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
