package mcpserver

import (
	"context"
	"time"
)

var serverStartedAt = time.Now()

// handleSystem covers process-level introspection and settings: op=about
// (default) | op=settings.
func (s *Server) handleSystem(ctx context.Context, a Args) *Response {
	op := a.String("op", "about")

	switch op {
	case "about":
		return ok(map[string]any{
			"uptime_s":          int64(time.Since(serverStartedAt).Seconds()),
			"workspace_default": s.deps.Config.Workspace.Default,
			"viewer_enabled":    s.deps.Config.Viewer.Enabled,
			"viewer_port":       s.deps.Config.Viewer.Port,
		})

	case "settings":
		return ok(map[string]any{
			"scheduler": s.deps.Config.Scheduler,
			"reasoning": s.deps.Config.Reasoning,
			"budget":    s.deps.Config.Budget,
			"runner":    s.deps.Config.Runner,
		})

	default:
		return fail(ErrUnknownOp, "unknown system op", "valid ops: about, settings")
	}
}
