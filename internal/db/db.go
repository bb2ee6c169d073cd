package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database holding all cell state. The database is the
// source of truth across process restarts; in-memory state is advisory.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cells (
	id                  TEXT PRIMARY KEY,
	workspace_id        TEXT NOT NULL,
	workspace_root_path TEXT NOT NULL,
	workspace_path      TEXT NOT NULL,
	branch_name         TEXT NOT NULL,
	base_commit         TEXT NOT NULL DEFAULT '',
	template_id         TEXT NOT NULL,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	opencode_session_id TEXT,
	last_setup_error    TEXT,
	created_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cell_provisioning_states (
	cell_id              TEXT PRIMARY KEY REFERENCES cells(id) ON DELETE CASCADE,
	model_id_override    TEXT,
	provider_id_override TEXT,
	start_mode           TEXT NOT NULL DEFAULT 'plan',
	started_at           TEXT,
	finished_at          TEXT,
	attempt_count        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cell_services (
	id               TEXT PRIMARY KEY,
	cell_id          TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	command          TEXT NOT NULL,
	cwd              TEXT NOT NULL DEFAULT '',
	env              TEXT NOT NULL DEFAULT '{}',
	port             INTEGER,
	pid              INTEGER,
	status           TEXT NOT NULL,
	last_known_error TEXT,
	updated_at       TEXT NOT NULL,
	UNIQUE(cell_id, name)
);

CREATE TABLE IF NOT EXISTS cell_timing_events (
	id          TEXT PRIMARY KEY,
	cell_id     TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	run_id      TEXT NOT NULL,
	workflow    TEXT NOT NULL,
	step        TEXT NOT NULL,
	status      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	attempt     INTEGER,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cell_activity_events (
	id           TEXT PRIMARY KEY,
	cell_id      TEXT NOT NULL REFERENCES cells(id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	tool         TEXT NOT NULL DEFAULT '',
	audit_event  TEXT NOT NULL DEFAULT '',
	service_name TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cells_workspace ON cells(workspace_id);
CREATE INDEX IF NOT EXISTS idx_timing_cell ON cell_timing_events(cell_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activity_cell ON cell_activity_events(cell_id, created_at);
`

// Open opens (creating if needed) the sqlite database at dbPath and applies
// the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent workflows.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
