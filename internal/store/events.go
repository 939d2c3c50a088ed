package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Event is a single append-only entry in the global per-workspace event log.
// Every mutating operation appends exactly one Event in the same transaction
// that performs the mutation, giving external observers a total, gap-free
// order over everything that happened.
type Event struct {
	Seq     int64  `json:"-"`
	ID      string `json:"id"`   // evt_<16-digit zero-padded seq>
	TsMs    int64  `json:"ts_ms"`
	TaskID  string `json:"task_id,omitempty"`
	Path    string `json:"path,omitempty"`
	Type    string `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventID formats a raw sequence number in its external evt_ form.
func EventID(seq int64) string {
	return fmt.Sprintf("evt_%016d", seq)
}

// AppendEvent writes one event row inside tx and returns its sequence number.
// Callers append exactly one event per mutation, inside the same transaction
// that performs the mutation, so a rollback also rolls back the event.
func AppendEvent(tx *sql.Tx, workspace string, taskID, path, eventType string, nowMs int64, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event payload: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO events (workspace, ts_ms, task_id, path, type, payload_json)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, workspace, nowMs, taskID, path, eventType, string(raw))
	if err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read event seq: %w", err)
	}
	return seq, nil
}

// ListEvents returns events for workspace with seq > sinceSeq, oldest first,
// capped at limit (0 means unlimited).
func (s *Store) ListEvents(workspace string, sinceSeq int64, limit int) ([]Event, error) {
	query := `SELECT seq, ts_ms, COALESCE(task_id, ''), COALESCE(path, ''), type, payload_json
		FROM events WHERE workspace = ? AND seq > ? ORDER BY seq ASC`
	args := []any{workspace, sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.TaskID, &e.Path, &e.Type, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.ID = EventID(e.Seq)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest event sequence number recorded for workspace,
// or 0 if none.
func (s *Store) LatestSeq(workspace string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE workspace = ?`, workspace).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: latest seq: %w", err)
	}
	return seq, nil
}
