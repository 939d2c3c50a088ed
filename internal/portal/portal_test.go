package portal

import (
	"strings"
	"testing"

	"github.com/branchmind-dev/branchmind/internal/capsule"
)

func TestRenderFullResume(t *testing.T) {
	r := Resume{
		Focus:  "TASK-001",
		Target: &capsule.Target{ID: "TASK-001", Title: "Ship the thing", Status: "IN_PROGRESS"},
		Next:   "run tests",
		Capsule: &capsule.Capsule{
			Action: &capsule.MappedAction{Tool: "think", Purpose: "card", Args: map[string]any{"type": "test"}},
		},
	}
	out := Render(r, RenderOptions{Workspace: "ws1"})
	lines := strings.Split(out, "\n")
	if !strings.Contains(lines[0], "Ship the thing") || !strings.Contains(lines[0], "IN_PROGRESS") {
		t.Errorf("unexpected state line: %s", lines[0])
	}
	if !strings.HasPrefix(lines[len(lines)-1], "$ branchmind think") {
		t.Errorf("expected a copy-paste command line, got %s", lines[len(lines)-1])
	}
	if !strings.Contains(out, "--workspace=ws1") {
		t.Errorf("expected workspace flag in command, got %s", out)
	}
}

func TestRenderFallsBackToCapsuleWhenTargetMissing(t *testing.T) {
	r := Resume{
		Capsule: &capsule.Capsule{
			Focus:  "TASK-002",
			Target: capsule.Target{Title: "Truncated task", Status: "TODO"},
			Action: &capsule.MappedAction{Tool: "status", Purpose: "recheck"},
		},
	}
	out := Render(r, RenderOptions{OmitWorkspace: true})
	if !strings.Contains(out, "TASK-002") {
		t.Errorf("expected focus fallback to capsule.Focus, got %s", out)
	}
	if !strings.Contains(out, "Truncated task") {
		t.Errorf("expected title fallback to capsule.Target, got %s", out)
	}
	if strings.Contains(out, "--workspace=") {
		t.Errorf("expected no workspace flag when OmitWorkspace is set, got %s", out)
	}
}

func TestShellQuoteEscapesSpecialChars(t *testing.T) {
	out := shellQuote("it's a test; rm -rf")
	if !strings.HasPrefix(out, "'") || !strings.Contains(out, `'\''`) {
		t.Errorf("expected quoted+escaped string, got %s", out)
	}
	if shellQuote("plain-value_1.2:3") != "plain-value_1.2:3" {
		t.Error("expected safe strings to pass through unquoted")
	}
}

func TestRenderWithNoActionOmitsCommandLine(t *testing.T) {
	r := Resume{Focus: "TASK-003", Target: &capsule.Target{Title: "x", Status: "TODO"}}
	out := Render(r, RenderOptions{})
	if strings.Contains(out, "$ branchmind") {
		t.Errorf("expected no command line without an action, got %s", out)
	}
}
