package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the manager database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; the manager serialises state transitions through one
	// connection so the monotone UPDATEs never race.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subagent_task (
  child_agent_id      TEXT PRIMARY KEY,
  parent_agent_id     TEXT,
  text                TEXT NOT NULL,
  model_size          TEXT NOT NULL,
  state               TEXT NOT NULL,
  payload             JSON,
  assessment_required INTEGER NOT NULL DEFAULT 0,
  assessment_verdict  TEXT,
  assessment_reason   TEXT,
  self_verdict        TEXT,
  self_reason         TEXT,
  timeout_ms          INTEGER NOT NULL DEFAULT 0,
  created_at          TEXT NOT NULL,
  started_at          TEXT,
  completed_at        TEXT,
  cancel_requested_at TEXT,
  stderr              TEXT
);`,
		`CREATE TABLE IF NOT EXISTS bridge_log (
  request_id     TEXT PRIMARY KEY,
  op             TEXT NOT NULL,
  child_agent_id TEXT,
  status         TEXT NOT NULL,
  fingerprint    TEXT NOT NULL,
  received_at    TEXT NOT NULL,
  answered_at    TEXT NOT NULL,
  error          TEXT
);`,
		`CREATE INDEX IF NOT EXISTS subagent_task_state_created_at_idx ON subagent_task(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS bridge_log_child_agent_id_idx ON bridge_log(child_agent_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
