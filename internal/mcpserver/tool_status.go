package mcpserver

import (
	"context"
	"time"

	"github.com/branchmind-dev/branchmind/internal/scheduler"
)

// handleStatus answers "where am I": the current focus, plan counts,
// the latest event sequence, and a runner summary (runner=<status> plus
// live/idle/offline counts) for the workspace. op=snapshot is the only
// operation; status never mutates.
func (s *Server) handleStatus(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}

	focusID, err := s.deps.Store.GetFocus(workspace)
	if err != nil {
		return fail(ErrStoreError, "read focus", err.Error())
	}
	plans, err := s.deps.Store.ListPlans(workspace)
	if err != nil {
		return fail(ErrStoreError, "list plans", err.Error())
	}
	seq, err := s.deps.Store.LatestSeq(workspace)
	if err != nil {
		return fail(ErrStoreError, "read latest seq", err.Error())
	}
	leaseCounts, err := scheduler.LeaseCounts(s.deps.DB, workspace)
	if err != nil {
		return fail(ErrStoreError, "read lease counts", err.Error())
	}

	openPlans := 0
	for _, p := range plans {
		if p.Status != "DONE" {
			openPlans++
		}
	}

	result := map[string]any{
		"workspace":    workspace,
		"focus":        focusID,
		"plan_count":   len(plans),
		"open_plans":   openPlans,
		"latest_seq":   seq,
		"checked_at_s": time.Now().Unix(),
		"runners": map[string]any{
			"live":    leaseCounts[scheduler.LeaseRunning],
			"idle":    leaseCounts[scheduler.LeaseIdle],
			"offline": leaseCounts[scheduler.LeaseOffline],
		},
	}
	if runnerID := a.String("runner_id", ""); runnerID != "" {
		status, err := scheduler.RunnerStatus(s.deps.DB, workspace, runnerID)
		if err != nil {
			return fail(ErrStoreError, "read runner status", err.Error())
		}
		result["runner"] = string(status)
	}
	return ok(result)
}
