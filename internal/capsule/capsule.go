// Package capsule selects the single most relevant next action (and an
// optional prep action) to surface in a response envelope's capsule (C10),
// gating suggestions by the caller's configured toolset and flagging an
// escalation when the best action needs a tool outside it.
package capsule

import (
	"github.com/branchmind-dev/branchmind/internal/reasoning"
)

// Toolset names the set of MCP tools a caller may invoke. "core" is the
// minimal read-only set; "daily" adds tasks/jobs/think/docs; "full" is everything.
type Toolset string

const (
	ToolsetCore     Toolset = "core"
	ToolsetDaily    Toolset = "daily"
	ToolsetFull     Toolset = "full"
)

var toolsetTools = map[Toolset]map[string]bool{
	ToolsetCore:  {"status": true, "open": true, "workspace": true},
	ToolsetDaily: {"status": true, "open": true, "workspace": true, "tasks": true, "jobs": true, "think": true, "docs": true},
	ToolsetFull:  {"status": true, "open": true, "workspace": true, "tasks": true, "jobs": true, "think": true, "docs": true, "graph": true, "vcs": true, "system": true},
}

func toolAllowed(tool string, ts Toolset) bool {
	allowed, ok := toolsetTools[ts]
	if !ok {
		allowed = toolsetTools[ToolsetCore]
	}
	return allowed[tool]
}

// Target is the focused entity a capsule is built around.
type Target struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// MappedAction is a tool call surfaced to the caller, with either concrete
// Args or an ArgsHint when the args depend on state the capsule builder
// doesn't have (e.g. "fill in the failing test name").
type MappedAction struct {
	Tool     string         `json:"tool"`
	Purpose  string         `json:"purpose"`
	Args     map[string]any `json:"args,omitempty"`
	ArgsHint string         `json:"args_hint,omitempty"`
}

// Escalation explains why the best available action couldn't be surfaced
// directly: it needs a toolset the caller isn't using.
type Escalation struct {
	NeededToolset string `json:"needed_toolset"`
	Reason        string `json:"reason"`
}

// Capsule is the compact "what to do next" block every response envelope
// carries, even after aggressive budget shrinking.
type Capsule struct {
	Focus      string        `json:"focus"`
	Target     Target        `json:"target"`
	Action     *MappedAction `json:"action,omitempty"`
	PrepAction *MappedAction `json:"prep_action,omitempty"`
	Escalation *Escalation   `json:"escalation,omitempty"`
}

// Build selects the capsule's action from the reasoning engine's top action
// (actions are already priority-sorted, so best is actions[0] when present),
// falling back to a read-only prep action when the best action's tool isn't
// in the caller's toolset.
func Build(focus string, target Target, best *reasoning.Action, toolset Toolset) *Capsule {
	c := &Capsule{Focus: focus, Target: target}
	if best == nil || len(best.Suggested) == 0 {
		return c
	}

	top := best.Suggested[0]
	if toolAllowed(top.Tool, toolset) {
		c.Action = &MappedAction{Tool: top.Tool, Purpose: top.Purpose, Args: top.Args}
	} else {
		c.Escalation = &Escalation{
			NeededToolset: neededToolsetFor(top.Tool),
			Reason:        "the suggested action uses the " + top.Tool + " tool, which this toolset does not expose",
		}
		c.PrepAction = &MappedAction{Tool: "status", Purpose: "recheck", ArgsHint: "re-run status after escalating toolset"}
	}

	if len(best.Suggested) > 1 {
		prep := best.Suggested[1]
		if toolAllowed(prep.Tool, toolset) {
			c.PrepAction = &MappedAction{Tool: prep.Tool, Purpose: prep.Purpose, Args: prep.Args}
		}
	}
	return c
}

func neededToolsetFor(tool string) string {
	if toolAllowed(tool, ToolsetDaily) {
		return string(ToolsetDaily)
	}
	return string(ToolsetFull)
}
