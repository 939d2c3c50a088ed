package capsule

import (
	"testing"

	"github.com/branchmind-dev/branchmind/internal/reasoning"
)

func TestBuildWithAllowedTool(t *testing.T) {
	best := &reasoning.Action{
		Kind: "add_test_stub",
		Suggested: []reasoning.SuggestedCall{
			{Tool: "think", Purpose: "card", Args: map[string]any{"type": "test"}},
		},
	}
	c := Build("TASK-001", Target{ID: "TASK-001", Title: "t", Status: "TODO"}, best, ToolsetDaily)
	if c.Action == nil || c.Action.Tool != "think" {
		t.Fatalf("expected action mapped to think, got %+v", c.Action)
	}
	if c.Escalation != nil {
		t.Errorf("expected no escalation, got %+v", c.Escalation)
	}
}

func TestBuildEscalatesWhenToolNotInToolset(t *testing.T) {
	best := &reasoning.Action{
		Suggested: []reasoning.SuggestedCall{{Tool: "graph", Purpose: "query"}},
	}
	c := Build("TASK-001", Target{ID: "TASK-001"}, best, ToolsetCore)
	if c.Action != nil {
		t.Errorf("expected no direct action for a core toolset, got %+v", c.Action)
	}
	if c.Escalation == nil {
		t.Fatal("expected an escalation block")
	}
	if c.Escalation.NeededToolset != string(ToolsetFull) {
		t.Errorf("expected escalation to full toolset, got %s", c.Escalation.NeededToolset)
	}
}

func TestBuildWithNoActions(t *testing.T) {
	c := Build("TASK-001", Target{ID: "TASK-001"}, nil, ToolsetFull)
	if c.Action != nil || c.Escalation != nil {
		t.Errorf("expected empty capsule when no action is available, got %+v", c)
	}
}
