// Package store owns the SQLite database shared by the rule registry and the
// audit log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the default file name of the rulegate database inside the
// state directory.
const DatabaseFile = "rulegate.db"

// DB wraps the shared *sql.DB and owns the schema.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database file at path, or an ephemeral
// database when path is ":memory:".
func Open(path string) (*DB, error) {
	dsn := path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: an in-memory database is per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dsn != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &DB{db: db, path: dsn}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't exist.
func (s *DB) initSchema() error {
	schema := `
	-- Rule metadata (overwritten atomically by the registry)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		section TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		alert_level TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',        -- JSON array
		phases TEXT NOT NULL DEFAULT '[]',      -- JSON array
		check_category TEXT NOT NULL DEFAULT '',
		check_args TEXT NOT NULL DEFAULT '[]',  -- JSON array
		status TEXT NOT NULL DEFAULT 'active',  -- active, stale, archived
		flags TEXT NOT NULL DEFAULT '[]',       -- JSON array of review flags
		fingerprint TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		last_used TEXT NOT NULL DEFAULT '',
		usage_count INTEGER NOT NULL DEFAULT 0,
		compliance_score REAL NOT NULL DEFAULT 0
	);

	-- Registry-level metadata (id sequence, last parsed document)
	CREATE TABLE IF NOT EXISTS registry_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Append-only audit trail: one row per rule per evaluation
	CREATE TABLE IF NOT EXISTS compliance_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT UNIQUE NOT NULL,
		evaluation_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		alert_level TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL,                  -- FOLLOWED, VIOLATED, OVERRIDDEN, SKIPPED
		score REAL NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);

	-- Append-only evaluation summaries (one per evaluation, one per override)
	CREATE TABLE IF NOT EXISTS evaluations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		evaluation_id TEXT NOT NULL,
		kind TEXT NOT NULL,                     -- evaluation, override
		session_id TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,                 -- ALLOW, BLOCK
		rule_count INTEGER NOT NULL DEFAULT 0,
		violation_count INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		UNIQUE(evaluation_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
	CREATE INDEX IF NOT EXISTS idx_events_rule ON compliance_events(rule_id);
	CREATE INDEX IF NOT EXISTS idx_events_evaluation ON compliance_events(evaluation_id);
	CREATE INDEX IF NOT EXISTS idx_events_verdict ON compliance_events(verdict);
	CREATE INDEX IF NOT EXISTS idx_events_recorded_at ON compliance_events(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_evaluations_session ON evaluations(session_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_recorded_at ON evaluations(recorded_at);

	-- The audit tables refuse edits at the database level too.
	CREATE TRIGGER IF NOT EXISTS compliance_events_no_update
	BEFORE UPDATE ON compliance_events
	BEGIN SELECT RAISE(ABORT, 'compliance_events is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS compliance_events_no_delete
	BEFORE DELETE ON compliance_events
	BEGIN SELECT RAISE(ABORT, 'compliance_events is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS evaluations_no_update
	BEFORE UPDATE ON evaluations
	BEGIN SELECT RAISE(ABORT, 'evaluations is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS evaluations_no_delete
	BEFORE DELETE ON evaluations
	BEGIN SELECT RAISE(ABORT, 'evaluations is append-only'); END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// SQL returns the underlying database handle so the registry and the audit
// store can share one connection.
func (s *DB) SQL() *sql.DB {
	return s.db
}

// Path returns the data source name the database was opened with.
func (s *DB) Path() string {
	return s.path
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// CheckRowsErr checks for errors that may have occurred during row iteration.
func CheckRowsErr(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}
