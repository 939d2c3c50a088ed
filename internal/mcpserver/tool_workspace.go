package mcpserver

import "context"

// handleWorkspace covers the workspace catalog: op=list (default) | op=ensure.
func (s *Server) handleWorkspace(ctx context.Context, a Args) *Response {
	op := a.String("op", "list")

	switch op {
	case "list":
		workspaces, err := s.deps.Store.ListWorkspaces(200)
		if err != nil {
			return fail(ErrStoreError, "list workspaces", err.Error())
		}
		return ok(map[string]any{
			"workspaces": workspaces,
			"default":    s.deps.Config.Workspace.Default,
			"override":   s.deps.Config.Workspace.Override,
		})

	case "ensure":
		name := a.String("name", "")
		if name == "" {
			return fail(ErrInvalidInput, "args.name is required", "")
		}
		if err := s.deps.Store.EnsureWorkspace(name, nowMs()); err != nil {
			return fail(ErrStoreError, "ensure workspace", err.Error())
		}
		return ok(map[string]any{"workspace": name, "ensured": true})

	default:
		return fail(ErrUnknownOp, "unknown workspace op", "valid ops: list, ensure")
	}
}
