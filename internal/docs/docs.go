// Package docs implements the append-only, branch-aware document layer
// (C4): every note, decision, or think_card write lands as one doc_entries
// row, and branches overlay a base branch from a fixed (base_branch,
// base_seq) point rather than copying history.
package docs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/branchmind-dev/branchmind/internal/store"
)

var ErrNotFound = errors.New("docs: not found")

const schema = `
CREATE TABLE IF NOT EXISTS branches (
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	base_branch TEXT NOT NULL DEFAULT '',
	base_seq INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, branch)
);

CREATE TABLE IF NOT EXISTS doc_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	kind TEXT NOT NULL,
	format TEXT NOT NULL DEFAULT '',
	ts_ms INTEGER NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	body_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_doc_entries_branch_seq ON doc_entries(workspace, branch, seq);
`

// Docs owns the branches + doc_entries tables against a shared *sql.DB.
type Docs struct {
	db *sql.DB
}

// EnsureSchema creates the docs tables if absent. Safe to call repeatedly.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("docs: create schema: %w", err)
	}
	return nil
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Docs { return &Docs{db: db} }

// Entry is one append-only doc write.
type Entry struct {
	Seq    int64           `json:"seq"`
	Branch string          `json:"branch"`
	Kind   string          `json:"kind"`   // "note", "decision", "log", ...
	Format string          `json:"format"` // "" or "think_card" for graph-projected entries
	TsMs   int64           `json:"ts_ms"`
	Author string          `json:"author"`
	Body   json.RawMessage `json:"body"`
}

// EnsureBranch creates a branch if it doesn't exist, recording the base
// branch/seq it overlays. The default branch ("main") has no base.
func (d *Docs) EnsureBranch(tx *sql.Tx, workspace, branch, baseBranch string, baseSeq int64, nowMs int64) error {
	if branch == "" {
		return fmt.Errorf("docs: branch name is required")
	}
	_, err := tx.Exec(`
		INSERT INTO branches (workspace, branch, base_branch, base_seq, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace, branch) DO NOTHING
	`, workspace, branch, baseBranch, baseSeq, nowMs)
	if err != nil {
		return fmt.Errorf("docs: ensure branch %s: %w", branch, err)
	}
	return nil
}

// Branch describes one branch's overlay point.
type Branch struct {
	Name       string
	BaseBranch string
	BaseSeq    int64
}

// GetBranch returns a branch's overlay metadata.
func (d *Docs) GetBranch(workspace, branch string) (*Branch, error) {
	b := &Branch{Name: branch}
	err := d.db.QueryRow(`SELECT base_branch, base_seq FROM branches WHERE workspace = ? AND branch = ?`,
		workspace, branch).Scan(&b.BaseBranch, &b.BaseSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("docs: branch %s: %w", branch, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("docs: get branch %s: %w", branch, err)
	}
	return b, nil
}

// ListBranches returns every branch known in workspace, with "main" listed
// exactly once and first: it is the trunk every other branch bases off of,
// and it is listed whether or not it has a row of its own.
func (d *Docs) ListBranches(workspace string) ([]Branch, error) {
	rows, err := d.db.Query(`SELECT branch, base_branch, base_seq FROM branches WHERE workspace = ? ORDER BY branch`, workspace)
	if err != nil {
		return nil, fmt.Errorf("docs: list branches: %w", err)
	}
	defer rows.Close()

	out := []Branch{{Name: "main"}}
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.Name, &b.BaseBranch, &b.BaseSeq); err != nil {
			return nil, fmt.Errorf("docs: scan branch: %w", err)
		}
		if b.Name == "main" {
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Append writes one doc entry on branch and appends a docs.entry_appended
// event to the shared event log, inside tx.
func Append(tx *sql.Tx, workspace, branch, kind, format, author string, body any, nowMs int64) (*Entry, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("docs: marshal body: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO doc_entries (workspace, branch, kind, format, ts_ms, author, body_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, workspace, branch, kind, format, nowMs, author, string(raw))
	if err != nil {
		return nil, fmt.Errorf("docs: append entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("docs: read entry seq: %w", err)
	}
	e := &Entry{Seq: seq, Branch: branch, Kind: kind, Format: format, TsMs: nowMs, Author: author, Body: json.RawMessage(raw)}

	if _, err := store.AppendEvent(tx, workspace, "", "doc:"+branch, "docs.entry_appended", nowMs, map[string]any{
		"seq": seq, "branch": branch, "kind": kind, "format": format,
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Tail returns the most recent doc entries visible on branch, overlaying the
// base branch's history up to base_seq, newest first, capped at limit.
func (d *Docs) Tail(workspace, branch string, limit int) ([]Entry, error) {
	segments, err := d.resolveChain(workspace, branch)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i := len(segments) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		seg := segments[i]
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
		}
		entries, err := d.queryRange(workspace, seg.branch, 0, seg.upperSeq, remaining, true)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Since returns doc entries visible on branch with seq > sinceSeq, oldest
// first, capped at limit (0 = unlimited). Entries inherited from a base
// branch keep their original seq, so cursors remain stable across branches.
func (d *Docs) Since(workspace, branch string, sinceSeq int64, limit int) ([]Entry, error) {
	segments, err := d.resolveChain(workspace, branch)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, seg := range segments {
		if limit > 0 && len(out) >= limit {
			break
		}
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
		}
		entries, err := d.queryRange(workspace, seg.branch, sinceSeq, seg.upperSeq, remaining, false)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

type segment struct {
	branch   string
	upperSeq int64 // 0 means unbounded (the entry's own branch, not an ancestor)
}

// resolveChain walks base_branch pointers from branch back to its root,
// returning segments oldest-ancestor-first. Each ancestor segment is capped
// at the base_seq recorded when the child branch was created, so later
// writes to the ancestor after the fork point don't leak into the child.
func (d *Docs) resolveChain(workspace, branch string) ([]segment, error) {
	var segments []segment
	cur := branch
	upper := int64(0)
	seen := map[string]bool{}
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("docs: cyclic branch chain detected at %s", cur)
		}
		seen[cur] = true
		b, err := d.GetBranch(workspace, cur)
		if errors.Is(err, ErrNotFound) {
			segments = append([]segment{{branch: cur, upperSeq: upper}}, segments...)
			break
		}
		if err != nil {
			return nil, err
		}
		segments = append([]segment{{branch: cur, upperSeq: upper}}, segments...)
		if b.BaseBranch == "" {
			break
		}
		upper = b.BaseSeq
		cur = b.BaseBranch
	}
	return segments, nil
}

func (d *Docs) queryRange(workspace, branch string, sinceSeq, upperSeq int64, limit int, newestFirst bool) ([]Entry, error) {
	query := `SELECT seq, branch, kind, format, ts_ms, author, body_json FROM doc_entries WHERE workspace = ? AND branch = ? AND seq > ?`
	args := []any{workspace, branch, sinceSeq}
	if upperSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, upperSeq)
	}
	if newestFirst {
		query += ` ORDER BY seq DESC`
	} else {
		query += ` ORDER BY seq ASC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("docs: query range: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var body string
		if err := rows.Scan(&e.Seq, &e.Branch, &e.Kind, &e.Format, &e.TsMs, &e.Author, &body); err != nil {
			return nil, fmt.Errorf("docs: scan entry: %w", err)
		}
		e.Body = json.RawMessage(body)
		out = append(out, e)
	}
	return out, rows.Err()
}
