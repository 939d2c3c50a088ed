package mcpserver

import (
	"context"

	"github.com/branchmind-dev/branchmind/internal/docs"
)

// handleDocs covers the append-only branch-aware document log: op=append
// (default write path) | op=tail | op=since.
func (s *Server) handleDocs(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	branch := s.deps.branchOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}
	op := a.String("op", "tail")

	switch op {
	case "tail":
		limit := a.Int("limit", 50)
		entries, err := s.deps.Docs.Tail(workspace, branch, limit)
		if err != nil {
			return fail(ErrStoreError, "tail docs", err.Error())
		}
		return ok(map[string]any{"entries": entries})

	case "since":
		sinceSeq := int64(a.Int("since_seq", 0))
		limit := a.Int("limit", 200)
		entries, err := s.deps.Docs.Since(workspace, branch, sinceSeq, limit)
		if err != nil {
			return fail(ErrStoreError, "docs since", err.Error())
		}
		return ok(map[string]any{"entries": entries})

	case "append":
		kind := a.String("kind", "note")
		format := a.String("format", "text")
		author := a.String("author", "")
		body := a["body"]
		if body == nil {
			return fail(ErrInvalidInput, "args.body is required", "")
		}

		tx, err := s.deps.DB.Begin()
		if err != nil {
			return fail(ErrStoreError, "begin tx", err.Error())
		}
		defer tx.Rollback()

		if err := s.deps.Docs.EnsureBranch(tx, workspace, branch, "", 0, nowMs()); err != nil {
			return fail(ErrStoreError, "ensure branch", err.Error())
		}
		entry, err := docs.Append(tx, workspace, branch, kind, format, author, body, nowMs())
		if err != nil {
			return fail(ErrStoreError, "append doc", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return fail(ErrStoreError, "commit", err.Error())
		}
		return ok(map[string]any{"entry": entry})

	default:
		return fail(ErrUnknownOp, "unknown docs op", "valid ops: tail, since, append")
	}
}
