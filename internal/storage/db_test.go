package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesNestedDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "runs", "tracebench.db")

	db, err := New(dbPath)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestNew_UnwritablePath(t *testing.T) {
	_, err := New("/dev/null/tracebench.db")
	assert.Error(t, err)
}

func TestNew_Pragmas(t *testing.T) {
	db := newTestDB(t)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestDB_Migrate_Schema(t *testing.T) {
	db := newTestDB(t)

	for _, object := range []struct{ kind, name string }{
		{"table", "runs"},
		{"table", "run_summaries"},
		{"index", "idx_runs_started_at"},
		{"index", "idx_runs_mode"},
		{"index", "idx_runs_model"},
	} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type=? AND name=?", object.kind, object.name).Scan(&name)
		assert.NoError(t, err, "%s %s should exist", object.kind, object.name)
	}
}

func TestDB_Migrate_KeepsStoredRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, mode, trace_source) VALUES (?, ?, ?, ?)`,
		"run-1", time.Now(), "baseline", "trace.csv")
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDB_SummariesRequireRun(t *testing.T) {
	db := newTestDB(t)

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO run_summaries (run_id, group_name, data) VALUES (?, ?, ?)`,
		"missing", "all", "{}")
	assert.Error(t, err)
}

func TestDB_Close(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "tracebench.db"))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping())
}

// newTestDB opens a migrated database that is closed when the test ends
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))

	t.Cleanup(func() {
		db.Close()
	})
	return db
}
