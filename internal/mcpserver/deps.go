package mcpserver

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/docs"
	"github.com/branchmind-dev/branchmind/internal/store"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// Deps bundles the subsystems every tool handler reads or writes through.
// Handlers never open their own *sql.DB; they share the one the process
// opened at startup.
type Deps struct {
	DB     *sql.DB
	Store  *store.Store
	Docs   *docs.Docs
	Config *config.Config
	Logger *slog.Logger
}

// workspaceOf resolves the effective workspace for a call: explicit arg,
// then configured override, then configured default.
func (d *Deps) workspaceOf(a Args) string {
	if ws := a.String("workspace", ""); ws != "" {
		return ws
	}
	if d.Config.Workspace.Override != "" {
		return d.Config.Workspace.Override
	}
	return d.Config.Workspace.Default
}

func (d *Deps) branchOf(a Args) string {
	return a.String("branch", "main")
}
