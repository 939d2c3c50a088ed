package mcpserver

import "context"

// handleVCS exposes the doc layer's branch overlay model (not a git
// wrapper): op=branch_list (default) | op=branch_create.
func (s *Server) handleVCS(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}
	op := a.String("op", "branch_list")

	switch op {
	case "branch_list":
		branches, err := s.deps.Docs.ListBranches(workspace)
		if err != nil {
			return fail(ErrStoreError, "list branches", err.Error())
		}
		return ok(map[string]any{"branches": branches})

	case "branch_create":
		branch := a.String("branch", "")
		baseBranch := a.String("base_branch", "main")
		if branch == "" {
			return fail(ErrInvalidInput, "args.branch is required", "")
		}

		baseSeq, err := s.deps.Docs.Tail(workspace, baseBranch, 1)
		var baseHighSeq int64
		if err == nil && len(baseSeq) > 0 {
			baseHighSeq = baseSeq[0].Seq
		}

		tx, err := s.deps.DB.Begin()
		if err != nil {
			return fail(ErrStoreError, "begin tx", err.Error())
		}
		defer tx.Rollback()
		if err := s.deps.Docs.EnsureBranch(tx, workspace, branch, baseBranch, baseHighSeq, nowMs()); err != nil {
			return fail(ErrStoreError, "create branch", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return fail(ErrStoreError, "commit", err.Error())
		}
		return ok(map[string]any{"branch": branch, "base_branch": baseBranch})

	default:
		return fail(ErrUnknownOp, "unknown vcs op", "valid ops: branch_list, branch_create")
	}
}
