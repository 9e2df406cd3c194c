// Package store provides SQLite-backed persistence for conductor: the
// append-only span log, the work queue, area locks and decision records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the conductor SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spans (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		span_id TEXT NOT NULL,
		parent_span_id TEXT,
		layer TEXT NOT NULL,
		step_name TEXT NOT NULL,
		status TEXT NOT NULL,
		reason_code TEXT,
		reason_kind TEXT,
		executor_host TEXT,
		agent TEXT,
		region TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		ts_start DATETIME NOT NULL,
		ts_end DATETIME,
		heartbeat_ts DATETIME,
		input_summary TEXT,
		output_summary TEXT,
		artifacts TEXT,
		metadata TEXT,
		UNIQUE (run_id, span_id)
	);

	CREATE TABLE IF NOT EXISTS areas (
		area_id TEXT PRIMARY KEY,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS initiatives (
		initiative_id TEXT PRIMARY KEY,
		area_id TEXT NOT NULL,
		title TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (area_id) REFERENCES areas(area_id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		initiative_id TEXT NOT NULL,
		area_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		outcome TEXT,
		run_id TEXT,
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		dispatched_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (initiative_id) REFERENCES initiatives(initiative_id)
	);

	CREATE TABLE IF NOT EXISTS area_locks (
		area_id TEXT PRIMARY KEY,
		initiative_id TEXT NOT NULL,
		lock_reason TEXT NOT NULL,
		acquired_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		output_ref TEXT,
		timeout_seconds INTEGER NOT NULL,
		registered_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		status TEXT NOT NULL,
		triggered_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spans_run ON spans(run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_spans_status ON spans(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_initiative ON tasks(initiative_id, status);
	CREATE INDEX IF NOT EXISTS idx_pdr_subject ON pdr(subject);
	`

	_, err := s.db.Exec(schema)
	return err
}
