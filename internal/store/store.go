// Package store provides SQLite-backed persistence for the BranchMind
// entity model: plans, tasks, steps, anchors, knowledge keys, the global
// event log, and the per-workspace id counters (C1-C3 of the agent
// coordination core).
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a shared SQLite connection. Other subsystems (docs, graph,
// scheduler, reasoningref) open their own tables against the same *sql.DB;
// Store owns only the C1-C3 + event-log tables.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	workspace TEXT PRIMARY KEY,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	value INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, name)
);

CREATE TABLE IF NOT EXISTS plans (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'TODO',
	checklist_json TEXT NOT NULL DEFAULT '[]',
	checklist_current INTEGER NOT NULL DEFAULT 0,
	contract_json TEXT,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS tasks (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	parent_plan_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT,
	status TEXT NOT NULL DEFAULT 'TODO',
	blocked INTEGER NOT NULL DEFAULT 0,
	reasoning_mode TEXT NOT NULL DEFAULT 'normal',
	criteria_confirmed INTEGER NOT NULL DEFAULT 0,
	tests_confirmed INTEGER NOT NULL DEFAULT 0,
	security_confirmed INTEGER NOT NULL DEFAULT 0,
	perf_confirmed INTEGER NOT NULL DEFAULT 0,
	docs_confirmed INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS steps (
	workspace TEXT NOT NULL,
	task_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	path TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	next_action TEXT,
	stop_criteria TEXT,
	success_criteria_json TEXT NOT NULL DEFAULT '[]',
	tests_json TEXT NOT NULL DEFAULT '[]',
	completed INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	block_reason TEXT,
	criteria_confirmed INTEGER NOT NULL DEFAULT 0,
	tests_confirmed INTEGER NOT NULL DEFAULT 0,
	security_confirmed INTEGER NOT NULL DEFAULT 0,
	perf_confirmed INTEGER NOT NULL DEFAULT 0,
	docs_confirmed INTEGER NOT NULL DEFAULT 0,
	proof_criteria_mode TEXT NOT NULL DEFAULT 'off',
	proof_tests_mode TEXT NOT NULL DEFAULT 'off',
	proof_security_mode TEXT NOT NULL DEFAULT 'off',
	proof_perf_mode TEXT NOT NULL DEFAULT 'off',
	proof_docs_mode TEXT NOT NULL DEFAULT 'off',
	proof_criteria_present INTEGER NOT NULL DEFAULT 0,
	proof_tests_present INTEGER NOT NULL DEFAULT 0,
	proof_security_present INTEGER NOT NULL DEFAULT 0,
	proof_perf_present INTEGER NOT NULL DEFAULT 0,
	proof_docs_present INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, task_id, step_id)
);

CREATE TABLE IF NOT EXISTS anchors (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'component',
	status TEXT NOT NULL DEFAULT 'open',
	description TEXT,
	refs_json TEXT NOT NULL DEFAULT '[]',
	aliases_json TEXT NOT NULL DEFAULT '[]',
	parent_id TEXT,
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS knowledge_keys (
	workspace TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	key TEXT NOT NULL,
	card_id TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, anchor_id, key)
);

CREATE TABLE IF NOT EXISTS focus (
	workspace TEXT PRIMARY KEY,
	focus_id TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	task_id TEXT,
	path TEXT,
	type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(workspace, parent_plan_id);
CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(workspace, task_id);
CREATE INDEX IF NOT EXISTS idx_events_workspace_seq ON events(workspace, seq);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(workspace, task_id);
`

// Open creates or opens a SQLite database at the given path, enables WAL
// mode, and ensures the C1-C3 + event-log schema exists. Other subsystems
// call their own EnsureSchema against the returned *sql.DB before use.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // serialize writers; WAL still lets readers proceed without blocking on this handle

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return db, nil
}

// New wraps an already-opened, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection for subsystems that share it.
func (s *Store) DB() *sql.DB { return s.db }

// EnsureWorkspace inserts a workspace row if absent (idempotent).
func (s *Store) EnsureWorkspace(workspace string, nowMs int64) error {
	_, err := s.db.Exec(`INSERT INTO workspaces (workspace, created_at_ms) VALUES (?, ?)
		ON CONFLICT(workspace) DO NOTHING`, workspace, nowMs)
	if err != nil {
		return fmt.Errorf("store: ensure workspace %s: %w", workspace, err)
	}
	return nil
}

// Workspace is one row of the workspace catalog.
type Workspace struct {
	Name        string `json:"workspace"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// ListWorkspaces returns every known workspace, oldest first, capped at limit
// (0 means unlimited).
func (s *Store) ListWorkspaces(limit int) ([]Workspace, error) {
	query := `SELECT workspace, created_at_ms FROM workspaces ORDER BY created_at_ms ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.Name, &w.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
