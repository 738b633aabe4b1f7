package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New opens (and creates if needed) the run database at dbPath
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationRuns,
		migrationRunSummaries,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationRuns = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	mode TEXT NOT NULL,
	trace_source TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	sample_interval INTEGER NOT NULL DEFAULT 1,
	max_requests INTEGER NOT NULL DEFAULT 0,
	speedup REAL NOT NULL DEFAULT 1,

	-- Results
	duration_seconds REAL NOT NULL DEFAULT 0,
	dispatched INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	outcomes_path TEXT,

	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationRunSummaries = `
CREATE TABLE IF NOT EXISTS run_summaries (
	run_id TEXT NOT NULL,
	group_name TEXT NOT NULL,
	valid INTEGER NOT NULL DEFAULT 0,
	requests INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	requests_per_second REAL NOT NULL DEFAULT 0,
	latency_mean REAL NOT NULL DEFAULT 0,
	ttft_mean REAL NOT NULL DEFAULT 0,
	tpot_mean REAL NOT NULL DEFAULT 0,

	-- Full summary as JSON
	data TEXT NOT NULL,

	PRIMARY KEY (run_id, group_name),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_mode ON runs(mode);
CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model);
`
