package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/branchmind-dev/branchmind/internal/ids"
)

// ProofMode is the enforcement level for a step's proof gate: off (no check),
// soft (warn only), or hard (block completion without a non-placeholder
// CMD:/LINK:/FILE: reference), per §4.3/§4.7.
type ProofMode string

const (
	ProofOff  ProofMode = "off"
	ProofSoft ProofMode = "soft"
	ProofHard ProofMode = "hard"
)

// Step is the leaf unit of execution under a task (§3 STEP-xxxxxxxx).
type Step struct {
	Workspace            string
	TaskID               string
	StepID               string
	Path                 string
	Title                string
	NextAction           string
	StopCriteria         string
	SuccessCriteria      []string
	Tests                []string
	Completed            bool
	Blocked              bool
	BlockReason          string
	CriteriaConfirmed    bool
	TestsConfirmed       bool
	SecurityConfirmed    bool
	PerfConfirmed        bool
	DocsConfirmed        bool
	ProofModes           map[Confirmation]ProofMode
	ProofPresent         map[Confirmation]bool
	CreatedAtMs          int64
	UpdatedAtMs          int64
}

// CreateStep mints a step id scoped under workspace (steps share one global
// counter; task_id+step_id together form the primary key) and inserts the row.
func CreateStep(tx *sql.Tx, workspace, taskID, path, title, nextAction, stopCriteria string, successCriteria, tests []string, nowMs int64) (*Step, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: step title is required", ErrInvalidInput)
	}
	stepID, err := ids.Next(tx, workspace, ids.KindStep)
	if err != nil {
		return nil, err
	}
	scJSON, err := json.Marshal(successCriteria)
	if err != nil {
		return nil, fmt.Errorf("store: marshal success criteria: %w", err)
	}
	testsJSON, err := json.Marshal(tests)
	if err != nil {
		return nil, fmt.Errorf("store: marshal tests: %w", err)
	}

	s := &Step{
		Workspace:       workspace,
		TaskID:          taskID,
		StepID:          stepID,
		Path:            path,
		Title:           title,
		NextAction:      nextAction,
		StopCriteria:    stopCriteria,
		SuccessCriteria: successCriteria,
		Tests:           tests,
		ProofModes:      map[Confirmation]ProofMode{},
		ProofPresent:    map[Confirmation]bool{},
		CreatedAtMs:     nowMs,
		UpdatedAtMs:     nowMs,
	}

	_, err = tx.Exec(`
		INSERT INTO steps (workspace, task_id, step_id, path, title, next_action, stop_criteria, success_criteria_json, tests_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workspace, taskID, stepID, path, title, nullableText(nextAction), nullableText(stopCriteria), string(scJSON), string(testsJSON), nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("store: insert step %s: %w", stepID, err)
	}

	if _, err := AppendEvent(tx, workspace, taskID, "step:"+stepID, "step.created", nowMs, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetStep fetches a step by (task_id, step_id).
func (s *Store) GetStep(workspace, taskID, stepID string) (*Step, error) {
	row := s.db.QueryRow(`
		SELECT path, title, COALESCE(next_action, ''), COALESCE(stop_criteria, ''), success_criteria_json, tests_json,
		       completed, blocked, COALESCE(block_reason, ''),
		       criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
		       proof_criteria_mode, proof_tests_mode, proof_security_mode, proof_perf_mode, proof_docs_mode,
		       proof_criteria_present, proof_tests_present, proof_security_present, proof_perf_present, proof_docs_present,
		       created_at_ms, updated_at_ms
		FROM steps WHERE workspace = ? AND task_id = ? AND step_id = ?
	`, workspace, taskID, stepID)
	return scanStep(workspace, taskID, stepID, row)
}

func scanStep(workspace, taskID, stepID string, row *sql.Row) (*Step, error) {
	st := &Step{Workspace: workspace, TaskID: taskID, StepID: stepID, ProofModes: map[Confirmation]ProofMode{}, ProofPresent: map[Confirmation]bool{}}
	var scJSON, testsJSON string
	var completed, blocked int
	var crit, tests, sec, perf, docs int
	var critMode, testsMode, secMode, perfMode, docsMode string
	var critPresent, testsPresent, secPresent, perfPresent, docsPresent int

	err := row.Scan(&st.Path, &st.Title, &st.NextAction, &st.StopCriteria, &scJSON, &testsJSON,
		&completed, &blocked, &st.BlockReason,
		&crit, &tests, &sec, &perf, &docs,
		&critMode, &testsMode, &secMode, &perfMode, &docsMode,
		&critPresent, &testsPresent, &secPresent, &perfPresent, &docsPresent,
		&st.CreatedAtMs, &st.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: step %s/%s: %w", taskID, stepID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan step %s/%s: %w", taskID, stepID, err)
	}

	if err := json.Unmarshal([]byte(scJSON), &st.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("store: unmarshal success criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(testsJSON), &st.Tests); err != nil {
		return nil, fmt.Errorf("store: unmarshal tests: %w", err)
	}

	st.Completed = completed != 0
	st.Blocked = blocked != 0
	st.CriteriaConfirmed = crit != 0
	st.TestsConfirmed = tests != 0
	st.SecurityConfirmed = sec != 0
	st.PerfConfirmed = perf != 0
	st.DocsConfirmed = docs != 0

	st.ProofModes[ConfirmCriteria] = ProofMode(critMode)
	st.ProofModes[ConfirmTests] = ProofMode(testsMode)
	st.ProofModes[ConfirmSecurity] = ProofMode(secMode)
	st.ProofModes[ConfirmPerf] = ProofMode(perfMode)
	st.ProofModes[ConfirmDocs] = ProofMode(docsMode)

	st.ProofPresent[ConfirmCriteria] = critPresent != 0
	st.ProofPresent[ConfirmTests] = testsPresent != 0
	st.ProofPresent[ConfirmSecurity] = secPresent != 0
	st.ProofPresent[ConfirmPerf] = perfPresent != 0
	st.ProofPresent[ConfirmDocs] = docsPresent != 0

	return st, nil
}

// ListStepsByTask returns steps under a task ordered by step_id (which is
// monotone, so this is also creation order).
func (s *Store) ListStepsByTask(workspace, taskID string) ([]*Step, error) {
	rows, err := s.db.Query(`SELECT step_id FROM steps WHERE workspace = ? AND task_id = ? ORDER BY step_id`, workspace, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var stepIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stepIDs = append(stepIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Step, 0, len(stepIDs))
	for _, id := range stepIDs {
		st, err := s.GetStep(workspace, taskID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// CompleteStep marks a step completed and appends a step.completed event.
// Proof-gate enforcement (checking ProofPresent against ProofModes) happens
// one layer up, in the mcpserver caller (tasksCompleteStep), before this is
// invoked.
func CompleteStep(tx *sql.Tx, workspace, taskID, stepID string, nowMs int64) error {
	res, err := tx.Exec(`
		UPDATE steps SET completed = 1, updated_at_ms = ?
		WHERE workspace = ? AND task_id = ? AND step_id = ? AND completed = 0
	`, nowMs, workspace, taskID, stepID)
	if err != nil {
		return fmt.Errorf("store: complete step %s/%s: %w", taskID, stepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: step %s/%s already completed or missing: %w", taskID, stepID, ErrNotFound)
	}
	_, err = AppendEvent(tx, workspace, taskID, "step:"+stepID, "step.completed", nowMs, map[string]any{
		"task_id": taskID, "step_id": stepID,
	})
	return err
}

// BlockStep marks a step blocked with a reason and appends a step.blocked event.
func BlockStep(tx *sql.Tx, workspace, taskID, stepID, reason string, nowMs int64) error {
	_, err := tx.Exec(`
		UPDATE steps SET blocked = 1, block_reason = ?, updated_at_ms = ?
		WHERE workspace = ? AND task_id = ? AND step_id = ?
	`, reason, nowMs, workspace, taskID, stepID)
	if err != nil {
		return fmt.Errorf("store: block step %s/%s: %w", taskID, stepID, err)
	}
	_, err = AppendEvent(tx, workspace, taskID, "step:"+stepID, "step.blocked", nowMs, map[string]any{
		"task_id": taskID, "step_id": stepID, "reason": reason,
	})
	return err
}

// SetStepConfirmation flips one proof-gate flag and records whether a
// non-placeholder reference is present, for use by the proof-gate checker.
func SetStepConfirmation(tx *sql.Tx, workspace, taskID, stepID string, which Confirmation, confirmed, present bool, nowMs int64) error {
	confirmedCol, ok := taskConfirmColumns[which]
	if !ok {
		return fmt.Errorf("%w: unknown confirmation %q", ErrInvalidInput, which)
	}
	presentCol := "proof_" + string(which) + "_present"

	confirmedVal, presentVal := 0, 0
	if confirmed {
		confirmedVal = 1
	}
	if present {
		presentVal = 1
	}

	_, err := tx.Exec(fmt.Sprintf(`
		UPDATE steps SET %s = ?, %s = ?, updated_at_ms = ?
		WHERE workspace = ? AND task_id = ? AND step_id = ?
	`, confirmedCol, presentCol), confirmedVal, presentVal, nowMs, workspace, taskID, stepID)
	if err != nil {
		return fmt.Errorf("store: set step confirmation %s on %s/%s: %w", which, taskID, stepID, err)
	}
	_, err = AppendEvent(tx, workspace, taskID, "step:"+stepID, "step.confirmed", nowMs, map[string]any{
		"task_id": taskID, "step_id": stepID, "which": which, "confirmed": confirmed, "present": present,
	})
	return err
}

// SetStepProofMode sets the enforcement level for one of a step's five gates.
func SetStepProofMode(tx *sql.Tx, workspace, taskID, stepID string, which Confirmation, mode ProofMode, nowMs int64) error {
	if _, ok := taskConfirmColumns[which]; !ok {
		return fmt.Errorf("%w: unknown confirmation %q", ErrInvalidInput, which)
	}
	col := "proof_" + string(which) + "_mode"
	_, err := tx.Exec(fmt.Sprintf(`
		UPDATE steps SET %s = ?, updated_at_ms = ?
		WHERE workspace = ? AND task_id = ? AND step_id = ?
	`, col), string(mode), nowMs, workspace, taskID, stepID)
	if err != nil {
		return fmt.Errorf("store: set step proof mode %s on %s/%s: %w", which, taskID, stepID, err)
	}
	_, err = AppendEvent(tx, workspace, taskID, "step:"+stepID, "step.proof_mode_set", nowMs, map[string]any{
		"task_id": taskID, "step_id": stepID, "which": which, "mode": mode,
	})
	return err
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
