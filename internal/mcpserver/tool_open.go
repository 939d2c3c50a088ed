package mcpserver

import (
	"context"

	"github.com/branchmind-dev/branchmind/internal/store"
)

// handleOpen opens a task or an anchor. op=task (default) moves focus onto the
// task so later status/think calls default to it; op=anchor returns the anchor
// and leaves focus unchanged.
func (s *Server) handleOpen(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	op := a.String("op", "task")
	id := a.String("id", "")
	if id == "" {
		return fail(ErrInvalidInput, "args.id is required", "pass the task/step/anchor id to open")
	}

	switch op {
	case "task":
		task, err := s.deps.Store.GetTask(workspace, id)
		if err != nil {
			return fail(ErrUnknownID, "task not found", err.Error())
		}
		if err := s.setFocus(workspace, id); err != nil {
			return fail(ErrStoreError, "set focus", err.Error())
		}
		steps, err := s.deps.Store.ListStepsByTask(workspace, id)
		if err != nil {
			return fail(ErrStoreError, "list steps", err.Error())
		}
		return ok(map[string]any{"task": task, "steps": steps})

	case "anchor":
		anchor, err := s.deps.Store.GetAnchor(workspace, id)
		if err != nil {
			return fail(ErrUnknownID, "anchor not found", err.Error())
		}
		return ok(map[string]any{"anchor": anchor})

	default:
		return fail(ErrUnknownOp, "unknown open op", "valid ops: task, anchor")
	}
}

func (s *Server) setFocus(workspace, id string) error {
	tx, err := s.deps.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := store.SetFocus(tx, workspace, id, nowMs()); err != nil {
		return err
	}
	return tx.Commit()
}
