package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/branchmind-dev/branchmind/internal/ids"
)

// Task is a unit of work under a plan, tracked through TODO -> IN_PROGRESS ->
// DONE|BLOCKED, with five proof confirmations (criteria, tests, security,
// perf, docs) gating completion (§3 TASK-nnn, §4.3).
type Task struct {
	Workspace         string
	ID                string
	Revision          int64
	ParentPlanID      string
	Title             string
	Description       string
	Status            string
	Blocked           bool
	ReasoningMode     string
	CriteriaConfirmed bool
	TestsConfirmed    bool
	SecurityConfirmed bool
	PerfConfirmed     bool
	DocsConfirmed     bool
	CreatedAtMs       int64
	UpdatedAtMs       int64
}

// CreateTask mints a task id, inserts the row, and appends a task.created event.
func CreateTask(tx *sql.Tx, workspace, parentPlanID, title, description, reasoningMode string, nowMs int64) (*Task, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: task title is required", ErrInvalidInput)
	}
	if reasoningMode == "" {
		reasoningMode = "normal"
	}
	id, err := ids.Next(tx, workspace, ids.KindTask)
	if err != nil {
		return nil, err
	}

	t := &Task{
		Workspace:     workspace,
		ID:            id,
		Revision:      1,
		ParentPlanID:  parentPlanID,
		Title:         title,
		Description:   description,
		Status:        "TODO",
		ReasoningMode: reasoningMode,
		CreatedAtMs:   nowMs,
		UpdatedAtMs:   nowMs,
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (workspace, id, revision, parent_plan_id, title, description, status, reasoning_mode, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workspace, id, t.Revision, parentPlanID, title, description, t.Status, reasoningMode, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("store: insert task %s: %w", id, err)
	}

	if _, err := AppendEvent(tx, workspace, id, "task:"+id, "task.created", nowMs, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(workspace, id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT revision, parent_plan_id, title, COALESCE(description, ''), status, blocked,
		       reasoning_mode, criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
		       created_at_ms, updated_at_ms
		FROM tasks WHERE workspace = ? AND id = ?
	`, workspace, id)
	return scanTask(workspace, id, row)
}

func scanTask(workspace, id string, row *sql.Row) (*Task, error) {
	t := &Task{Workspace: workspace, ID: id}
	var blocked, crit, tests, sec, perf, docs int
	err := row.Scan(&t.Revision, &t.ParentPlanID, &t.Title, &t.Description, &t.Status, &blocked,
		&t.ReasoningMode, &crit, &tests, &sec, &perf, &docs, &t.CreatedAtMs, &t.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task %s: %w", id, err)
	}
	t.Blocked = blocked != 0
	t.CriteriaConfirmed = crit != 0
	t.TestsConfirmed = tests != 0
	t.SecurityConfirmed = sec != 0
	t.PerfConfirmed = perf != 0
	t.DocsConfirmed = docs != 0
	return t, nil
}

// ListTasksByPlan returns tasks under a plan ordered by id.
func (s *Store) ListTasksByPlan(workspace, planID string) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE workspace = ? AND parent_plan_id = ? ORDER BY id`, workspace, planID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := s.GetTask(workspace, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Confirmation names one of the five proof gates a task or step tracks.
type Confirmation string

const (
	ConfirmCriteria Confirmation = "criteria"
	ConfirmTests    Confirmation = "tests"
	ConfirmSecurity Confirmation = "security"
	ConfirmPerf     Confirmation = "perf"
	ConfirmDocs     Confirmation = "docs"
)

var taskConfirmColumns = map[Confirmation]string{
	ConfirmCriteria: "criteria_confirmed",
	ConfirmTests:    "tests_confirmed",
	ConfirmSecurity: "security_confirmed",
	ConfirmPerf:     "perf_confirmed",
	ConfirmDocs:     "docs_confirmed",
}

// SetTaskConfirmation flips one proof-gate flag on a task under optimistic
// concurrency and appends a task.confirmed event.
func SetTaskConfirmation(tx *sql.Tx, workspace, id string, expectedRevision int64, which Confirmation, confirmed bool, nowMs int64) error {
	col, ok := taskConfirmColumns[which]
	if !ok {
		return fmt.Errorf("%w: unknown confirmation %q", ErrInvalidInput, which)
	}
	val := 0
	if confirmed {
		val = 1
	}
	res, err := tx.Exec(fmt.Sprintf(`
		UPDATE tasks SET %s = ?, revision = revision + 1, updated_at_ms = ?
		WHERE workspace = ? AND id = ? AND revision = ?
	`, col), val, nowMs, workspace, id, expectedRevision)
	if err != nil {
		return fmt.Errorf("store: set task confirmation %s on %s: %w", which, id, err)
	}
	if err := requireOneRowOrMismatch(tx, res, "tasks", workspace, id, expectedRevision); err != nil {
		return err
	}
	_, err = AppendEvent(tx, workspace, id, "task:"+id, "task.confirmed", nowMs, map[string]any{
		"id": id, "which": which, "confirmed": confirmed,
	})
	return err
}

// SetTaskStatus transitions a task's status under optimistic concurrency and
// appends a task.status_changed event.
func SetTaskStatus(tx *sql.Tx, workspace, id string, expectedRevision int64, status string, blocked bool, nowMs int64) error {
	blockedVal := 0
	if blocked {
		blockedVal = 1
	}
	res, err := tx.Exec(`
		UPDATE tasks SET status = ?, blocked = ?, revision = revision + 1, updated_at_ms = ?
		WHERE workspace = ? AND id = ? AND revision = ?
	`, status, blockedVal, nowMs, workspace, id, expectedRevision)
	if err != nil {
		return fmt.Errorf("store: set task status %s: %w", id, err)
	}
	if err := requireOneRowOrMismatch(tx, res, "tasks", workspace, id, expectedRevision); err != nil {
		return err
	}
	_, err = AppendEvent(tx, workspace, id, "task:"+id, "task.status_changed", nowMs, map[string]any{
		"id": id, "status": status, "blocked": blocked,
	})
	return err
}
