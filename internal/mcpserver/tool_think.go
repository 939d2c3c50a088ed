package mcpserver

import (
	"context"

	"github.com/branchmind-dev/branchmind/internal/budget"
	"github.com/branchmind-dev/branchmind/internal/capsule"
	"github.com/branchmind-dev/branchmind/internal/graph"
	"github.com/branchmind-dev/branchmind/internal/reasoning"
)

// handleThink runs the pure derivation engine (BM1-BM10) over the graph
// slice for the resolved workspace/branch, wraps the top action in a
// capsule (C10), and runs the whole result through the budget composer (C9)
// before returning it. op=derive is the only operation.
func (s *Server) handleThink(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	branch := s.deps.branchOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}

	entries, err := s.deps.Docs.Tail(workspace, branch, 500)
	if err != nil {
		return fail(ErrStoreError, "tail docs", err.Error())
	}
	view := graph.Reduce(entries)

	limits := reasoning.Limits{
		SignalsLimit: s.deps.Config.Reasoning.SignalsLimit,
		ActionsLimit: s.deps.Config.Reasoning.ActionsLimit,
	}
	result := reasoning.Derive(view, nil, limits)
	if result == nil {
		result = &reasoning.Result{}
	}

	actions := make([]Action, 0, len(result.Actions))
	for _, act := range result.Actions {
		calls := make([]Suggestion, 0, len(act.Suggested))
		for _, call := range act.Suggested {
			calls = append(calls, Suggestion{Tool: call.Tool, Why: act.Title})
		}
		actions = append(actions, Action{Kind: act.Kind, Priority: act.Priority, Calls: calls})
	}

	warnings := make([]string, 0, len(result.Signals))
	for _, sig := range result.Signals {
		if sig.Severity == "warn" || sig.Severity == "low" {
			warnings = append(warnings, sig.Code)
		}
	}

	focusID, err := s.deps.Store.GetFocus(workspace)
	if err != nil {
		return fail(ErrStoreError, "read focus", err.Error())
	}
	target := capsule.Target{}
	if focusID != "" {
		if task, err := s.deps.Store.GetTask(workspace, focusID); err == nil {
			target = capsule.Target{ID: task.ID, Title: task.Title, Status: task.Status}
		}
	}

	toolset := capsule.ToolsetFull
	if profile, ok := s.deps.Config.Skills[a.String("skill_profile", "")]; ok && profile.Toolset != "" {
		toolset = capsule.Toolset(profile.Toolset)
	}

	var best *reasoning.Action
	if len(result.Actions) > 0 {
		best = &result.Actions[0]
	}
	built := capsule.Build(focusID, target, best, toolset)

	env := map[string]any{
		"workspace": workspace,
		"branch":    branch,
		"signals":   result.Signals,
		"actions":   result.Actions,
		"capsule":   built,
	}
	maxChars := s.deps.Config.Budget.MaxChars
	if maxChars <= 0 {
		maxChars = 8000
	}
	composed, _ := budget.Compose(env, maxChars, s.deps.Config.Budget.EventMessageCap)

	return okWith(composed, warnings, actions, nil)
}
