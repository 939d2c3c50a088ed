// Package ids mints deterministic, monotonic per-workspace identifiers.
package ids

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrExhausted is returned when a counter would overflow its printable form.
var ErrExhausted = errors.New("ids: counter exhausted")

// Kind names the counter family. Each kind has a fixed print format.
type Kind string

const (
	KindPlan Kind = "plan"
	KindTask Kind = "task"
	KindStep Kind = "step"
	KindJob  Kind = "job"
	KindCard Kind = "card"
)

const maxCounter = 99_999_999 // 8 hex/decimal digits is the largest format below

// Next reads and increments the named counter for a workspace inside tx,
// then formats it per kind. The caller is expected to run this inside the
// same transaction that will persist the entity using the minted id, so a
// rollback also rolls back the counter advance.
func Next(tx *sql.Tx, workspace string, kind Kind) (string, error) {
	var current int64
	err := tx.QueryRow(`SELECT value FROM counters WHERE workspace = ? AND name = ?`, workspace, string(kind)).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return "", fmt.Errorf("ids: read counter %s/%s: %w", workspace, kind, err)
	}

	next := current + 1
	if next > maxCounter {
		return "", ErrExhausted
	}

	if _, err := tx.Exec(`
		INSERT INTO counters (workspace, name, value) VALUES (?, ?, ?)
		ON CONFLICT(workspace, name) DO UPDATE SET value = excluded.value
	`, workspace, string(kind), next); err != nil {
		return "", fmt.Errorf("ids: write counter %s/%s: %w", workspace, kind, err)
	}

	return format(kind, next), nil
}

// Peek returns the current value of a counter without advancing it (0 if unset).
func Peek(db interface {
	QueryRow(query string, args ...any) *sql.Row
}, workspace string, kind Kind) (int64, error) {
	var current int64
	err := db.QueryRow(`SELECT value FROM counters WHERE workspace = ? AND name = ?`, workspace, string(kind)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return current, nil
}

func format(kind Kind, n int64) string {
	switch kind {
	case KindPlan:
		return fmt.Sprintf("PLAN-%03d", n)
	case KindTask:
		return fmt.Sprintf("TASK-%03d", n)
	case KindStep:
		return fmt.Sprintf("STEP-%08X", n)
	case KindJob:
		return fmt.Sprintf("JOB-%03d", n)
	case KindCard:
		return fmt.Sprintf("CARD-%03d", n)
	default:
		return fmt.Sprintf("%s-%03d", kind, n)
	}
}
