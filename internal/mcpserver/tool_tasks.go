package mcpserver

import (
	"context"

	"github.com/branchmind-dev/branchmind/internal/store"
)

// handleTasks covers the plan/task/step CRUD surface: op selects the
// operation, everything else is operation-specific.
func (s *Server) handleTasks(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}
	op := a.String("op", "list")

	switch op {
	case "list":
		return s.tasksList(workspace, a)
	case "create_plan":
		return s.tasksCreatePlan(workspace, a)
	case "create_task":
		return s.tasksCreateTask(workspace, a)
	case "create_step":
		return s.tasksCreateStep(workspace, a)
	case "complete_step":
		return s.tasksCompleteStep(workspace, a)
	case "block_step":
		return s.tasksBlockStep(workspace, a)
	case "confirm":
		return s.tasksConfirm(workspace, a)
	default:
		return fail(ErrUnknownOp, "unknown tasks op", "valid ops: list, create_plan, create_task, create_step, complete_step, block_step, confirm")
	}
}

func (s *Server) tasksList(workspace string, a Args) *Response {
	planID := a.String("plan_id", "")
	if planID != "" {
		tasks, err := s.deps.Store.ListTasksByPlan(workspace, planID)
		if err != nil {
			return fail(ErrStoreError, "list tasks", err.Error())
		}
		return ok(map[string]any{"tasks": tasks})
	}
	plans, err := s.deps.Store.ListPlans(workspace)
	if err != nil {
		return fail(ErrStoreError, "list plans", err.Error())
	}
	return ok(map[string]any{"plans": plans})
}

func (s *Server) tasksCreatePlan(workspace string, a Args) *Response {
	title := a.String("title", "")
	if title == "" {
		return fail(ErrInvalidInput, "args.title is required", "")
	}
	checklist := a.StringSlice("checklist")

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	plan, err := store.CreatePlan(tx, workspace, title, checklist, nil, nowMs())
	if err != nil {
		return fail(ErrStoreError, "create plan", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"plan": plan})
}

func (s *Server) tasksCreateTask(workspace string, a Args) *Response {
	title := a.String("title", "")
	if title == "" {
		return fail(ErrInvalidInput, "args.title is required", "")
	}
	planID := a.String("plan_id", "")
	description := a.String("description", "")
	reasoningMode := a.String("reasoning_mode", "normal")

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	task, err := store.CreateTask(tx, workspace, planID, title, description, reasoningMode, nowMs())
	if err != nil {
		return fail(ErrStoreError, "create task", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"task": task})
}

func (s *Server) tasksCreateStep(workspace string, a Args) *Response {
	taskID := a.String("task_id", "")
	title := a.String("title", "")
	if taskID == "" || title == "" {
		return fail(ErrInvalidInput, "args.task_id and args.title are required", "")
	}
	path := a.String("path", "")
	nextAction := a.String("next_action", "")
	stopCriteria := a.String("stop_criteria", "")
	successCriteria := a.StringSlice("success_criteria")
	tests := a.StringSlice("tests")

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	step, err := store.CreateStep(tx, workspace, taskID, path, title, nextAction, stopCriteria, successCriteria, tests, nowMs())
	if err != nil {
		return fail(ErrStoreError, "create step", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"step": step})
}

func (s *Server) tasksCompleteStep(workspace string, a Args) *Response {
	taskID := a.String("task_id", "")
	stepID := a.String("step_id", "")
	if taskID == "" || stepID == "" {
		return fail(ErrInvalidInput, "args.task_id and args.step_id are required", "")
	}

	step, err := s.deps.Store.GetStep(workspace, taskID, stepID)
	if err != nil {
		return fail(ErrUnknownID, "step not found", err.Error())
	}
	if !step.CriteriaConfirmed || !step.TestsConfirmed {
		return fail(ErrCheckpointsNotConfirmed, "criteria and tests must be confirmed before completing a step",
			"call tasks op=confirm which=criteria then which=tests for this step")
	}
	for which, mode := range step.ProofModes {
		if mode == store.ProofHard && !step.ProofPresent[which] {
			return fail(ErrProofRequired, "the "+string(which)+" gate is in hard proof mode and has no proof reference",
				"confirm the "+string(which)+" gate with a CMD:/LINK:/FILE: proof reference, then complete the step")
		}
	}

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	if err := store.CompleteStep(tx, workspace, taskID, stepID, nowMs()); err != nil {
		return fail(ErrStoreError, "complete step", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"completed": true, "task_id": taskID, "step_id": stepID})
}

func (s *Server) tasksBlockStep(workspace string, a Args) *Response {
	taskID := a.String("task_id", "")
	stepID := a.String("step_id", "")
	reason := a.String("reason", "")
	if taskID == "" || stepID == "" || reason == "" {
		return fail(ErrInvalidInput, "args.task_id, args.step_id, and args.reason are required", "")
	}

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	if err := store.BlockStep(tx, workspace, taskID, stepID, reason, nowMs()); err != nil {
		return fail(ErrStoreError, "block step", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"blocked": true, "task_id": taskID, "step_id": stepID})
}

var confirmationKinds = map[string]store.Confirmation{
	"criteria": store.ConfirmCriteria,
	"tests":    store.ConfirmTests,
	"security": store.ConfirmSecurity,
	"perf":     store.ConfirmPerf,
	"docs":     store.ConfirmDocs,
}

func (s *Server) tasksConfirm(workspace string, a Args) *Response {
	which := a.String("which", "")
	kind, ok := confirmationKinds[which]
	if !ok {
		return fail(ErrInvalidInput, "args.which must be one of criteria, tests, security, perf, docs", "")
	}
	taskID := a.String("task_id", "")
	stepID := a.String("step_id", "")
	confirmed := a.Bool("confirmed", true)
	if taskID == "" {
		return fail(ErrInvalidInput, "args.task_id is required", "")
	}

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	if stepID != "" {
		present := a.Bool("present", confirmed)
		if err := store.SetStepConfirmation(tx, workspace, taskID, stepID, kind, confirmed, present, nowMs()); err != nil {
			return fail(ErrStoreError, "confirm step", err.Error())
		}
	} else {
		task, err := s.deps.Store.GetTask(workspace, taskID)
		if err != nil {
			return fail(ErrUnknownID, "task not found", err.Error())
		}
		if err := store.SetTaskConfirmation(tx, workspace, taskID, task.Revision, kind, confirmed, nowMs()); err != nil {
			if _, isMismatch := err.(*store.RevisionMismatch); isMismatch {
				return fail(ErrRevisionMismatch, "task revision changed underneath this call", err.Error())
			}
			return fail(ErrStoreError, "confirm task", err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"confirmed": confirmed, "which": which})
}
