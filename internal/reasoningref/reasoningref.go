// Package reasoningref maintains the per-branch reasoning-ref registry (C6):
// a deterministic (notes_doc, graph_doc, trace_doc) triple bound to each doc
// branch, so every tool can resolve "where do notes/graph/trace live for
// branch X" without renegotiating doc names on every call.
package reasoningref

import (
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("reasoningref: not found")

const schema = `
CREATE TABLE IF NOT EXISTS reasoning_refs (
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	notes_doc TEXT NOT NULL,
	graph_doc TEXT NOT NULL,
	trace_doc TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, branch)
);
`

// EnsureSchema creates the reasoning_refs table if absent.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("reasoningref: create schema: %w", err)
	}
	return nil
}

// Ref is the (notes, graph, trace) doc triple bound to one branch.
type Ref struct {
	Branch   string `json:"branch"`
	NotesDoc string `json:"notes_doc"`
	GraphDoc string `json:"graph_doc"`
	TraceDoc string `json:"trace_doc"`
}

// DefaultsFor derives the deterministic default doc names for a branch: the
// notes doc shares the branch's own name (it IS the branch's doc_entries
// stream), while graph and trace are suffixed sub-streams so they can be
// queried independently without scanning every note entry.
func DefaultsFor(branch string) Ref {
	return Ref{
		Branch:   branch,
		NotesDoc: branch,
		GraphDoc: branch + "/graph",
		TraceDoc: branch + "/trace",
	}
}

// Ensure idempotently returns the reasoning ref for branch, creating it with
// deterministic defaults on first use. Calling Ensure twice for the same
// branch returns the identical triple both times (S6 in the test matrix).
func Ensure(tx *sql.Tx, workspace, branch string, nowMs int64) (Ref, error) {
	existing, err := getTx(tx, workspace, branch)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Ref{}, err
	}

	ref := DefaultsFor(branch)
	_, err = tx.Exec(`
		INSERT INTO reasoning_refs (workspace, branch, notes_doc, graph_doc, trace_doc, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace, branch) DO NOTHING
	`, workspace, branch, ref.NotesDoc, ref.GraphDoc, ref.TraceDoc, nowMs)
	if err != nil {
		return Ref{}, fmt.Errorf("reasoningref: insert ref for %s: %w", branch, err)
	}
	// Re-read in case a concurrent Ensure in the same workspace won the insert race.
	return getTx(tx, workspace, branch)
}

// Get fetches the reasoning ref for branch.
func Get(db *sql.DB, workspace, branch string) (Ref, error) {
	var r Ref
	r.Branch = branch
	err := db.QueryRow(`SELECT notes_doc, graph_doc, trace_doc FROM reasoning_refs WHERE workspace = ? AND branch = ?`,
		workspace, branch).Scan(&r.NotesDoc, &r.GraphDoc, &r.TraceDoc)
	if errors.Is(err, sql.ErrNoRows) {
		return Ref{}, fmt.Errorf("reasoningref: branch %s: %w", branch, ErrNotFound)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("reasoningref: get %s: %w", branch, err)
	}
	return r, nil
}

func getTx(tx *sql.Tx, workspace, branch string) (Ref, error) {
	var r Ref
	r.Branch = branch
	err := tx.QueryRow(`SELECT notes_doc, graph_doc, trace_doc FROM reasoning_refs WHERE workspace = ? AND branch = ?`,
		workspace, branch).Scan(&r.NotesDoc, &r.GraphDoc, &r.TraceDoc)
	if errors.Is(err, sql.ErrNoRows) {
		return Ref{}, fmt.Errorf("reasoningref: branch %s: %w", branch, ErrNotFound)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("reasoningref: get %s: %w", branch, err)
	}
	return r, nil
}
