package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/branchmind-dev/branchmind/internal/ids"
)

// Plan is a top-level unit of work with an ordered checklist (§3 PLAN-nnn).
type Plan struct {
	Workspace        string
	ID               string
	Revision         int64
	Title            string
	Status           string
	Checklist        []string
	ChecklistCurrent int
	Contract         json.RawMessage
	CreatedAtMs      int64
	UpdatedAtMs      int64
}

// CreatePlan mints a plan id, inserts the row, and appends a plan.created
// event, all inside tx.
func CreatePlan(tx *sql.Tx, workspace, title string, checklist []string, contract json.RawMessage, nowMs int64) (*Plan, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: plan title is required", ErrInvalidInput)
	}
	id, err := ids.Next(tx, workspace, ids.KindPlan)
	if err != nil {
		return nil, err
	}
	checklistJSON, err := json.Marshal(checklist)
	if err != nil {
		return nil, fmt.Errorf("store: marshal checklist: %w", err)
	}

	p := &Plan{
		Workspace:   workspace,
		ID:          id,
		Revision:    1,
		Title:       title,
		Status:      "TODO",
		Checklist:   checklist,
		Contract:    contract,
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}

	_, err = tx.Exec(`
		INSERT INTO plans (workspace, id, revision, title, status, checklist_json, checklist_current, contract_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, workspace, id, p.Revision, title, p.Status, string(checklistJSON), nullableJSON(contract), nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("store: insert plan %s: %w", id, err)
	}

	if _, err := AppendEvent(tx, workspace, "", "plan:"+id, "plan.created", nowMs, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(workspace, id string) (*Plan, error) {
	row := s.db.QueryRow(`
		SELECT revision, title, status, checklist_json, checklist_current, contract_json, created_at_ms, updated_at_ms
		FROM plans WHERE workspace = ? AND id = ?
	`, workspace, id)
	return scanPlan(workspace, id, row)
}

func scanPlan(workspace, id string, row *sql.Row) (*Plan, error) {
	var checklistJSON string
	var contract sql.NullString
	p := &Plan{Workspace: workspace, ID: id}
	err := row.Scan(&p.Revision, &p.Title, &p.Status, &checklistJSON, &p.ChecklistCurrent, &contract, &p.CreatedAtMs, &p.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan plan %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(checklistJSON), &p.Checklist); err != nil {
		return nil, fmt.Errorf("store: unmarshal checklist for %s: %w", id, err)
	}
	if contract.Valid {
		p.Contract = json.RawMessage(contract.String)
	}
	return p, nil
}

// ListPlans returns all plans in a workspace ordered by id.
func (s *Store) ListPlans(workspace string) ([]*Plan, error) {
	rows, err := s.db.Query(`SELECT id FROM plans WHERE workspace = ? ORDER BY id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Plan, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlan(workspace, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// AdvancePlanChecklist advances the plan's checklist cursor with optimistic
// concurrency and appends a plan.checklist_advanced event. Returns
// *RevisionMismatch if expectedRevision is stale.
func AdvancePlanChecklist(tx *sql.Tx, workspace, id string, expectedRevision int64, nextIndex int, status string, nowMs int64) error {
	res, err := tx.Exec(`
		UPDATE plans SET checklist_current = ?, status = ?, revision = revision + 1, updated_at_ms = ?
		WHERE workspace = ? AND id = ? AND revision = ?
	`, nextIndex, status, nowMs, workspace, id, expectedRevision)
	if err != nil {
		return fmt.Errorf("store: advance plan %s: %w", id, err)
	}
	if err := requireOneRowOrMismatch(tx, res, "plans", workspace, id, expectedRevision); err != nil {
		return err
	}
	_, err = AppendEvent(tx, workspace, "", "plan:"+id, "plan.checklist_advanced", nowMs, map[string]any{
		"id": id, "checklist_current": nextIndex, "status": status,
	})
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireOneRowOrMismatch(tx *sql.Tx, res sql.Result, table, workspace, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var actual sql.NullInt64
	err = tx.QueryRow(fmt.Sprintf(`SELECT revision FROM %s WHERE workspace = ? AND id = ?`, safeTable(table)), workspace, id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: re-read revision for %s %s: %w", table, id, err)
	}
	return &RevisionMismatch{ID: id, Expected: expected, Actual: actual.Int64}
}

// safeTable allow-lists table names used with requireOneRowOrMismatch; it is
// never built from user input.
func safeTable(table string) string {
	switch table {
	case "plans", "tasks":
		return table
	default:
		panic("store: unknown table " + table)
	}
}
