package budget

import (
	"encoding/json"
	"strings"
	"testing"
)

func bigEnvelope() map[string]any {
	events := make([]any, 5)
	for i := range events {
		events[i] = map[string]any{"message": strings.Repeat("x", 500)}
	}
	signals := make([]any, 10)
	for i := range signals {
		signals[i] = map[string]any{"code": "S", "refs": []any{"a", "b", "c"}}
	}
	actions := make([]any, 10)
	for i := range actions {
		actions[i] = map[string]any{"kind": "k", "suggested": []any{map[string]any{"tool": "think", "args": map[string]any{"big": strings.Repeat("y", 200)}}}}
	}
	return map[string]any{
		"capsule": map[string]any{"focus": "TASK-001"},
		"events":  events,
		"signals": signals,
		"actions": actions,
		"graph":   map[string]any{"diff": map[string]any{"added": []any{"a", "b"}, "removed": []any{}, "changed": []any{"c"}}},
		"trace":   []any{"t1", "t2"},
	}
}

func TestComposeFitsWithinBudget(t *testing.T) {
	env := bigEnvelope()
	out, info := Compose(env, 300, 140)
	raw, _ := json.Marshal(out)
	if len(raw) > 300 {
		t.Errorf("expected composed envelope to fit the 300-char budget, got %d bytes", len(raw))
	}
	if !info.Truncated {
		t.Error("expected truncated=true for an envelope this large under a 300-char budget")
	}
	if _, ok := out["capsule"]; !ok {
		t.Error("expected capsule to survive even the most aggressive shrink")
	}
}

func TestComposeIsIdempotent(t *testing.T) {
	env := bigEnvelope()
	out1, info1 := Compose(env, 300, 140)
	out2, info2 := Compose(env, 300, 140)
	raw1, _ := json.Marshal(out1)
	raw2, _ := json.Marshal(out2)
	if string(raw1) != string(raw2) {
		t.Errorf("expected identical output across repeated Compose calls")
	}
	if info1 != info2 {
		t.Errorf("expected identical budget info, got %+v vs %+v", info1, info2)
	}
}

func TestComposeNoOpWhenUnderBudget(t *testing.T) {
	env := map[string]any{"capsule": map[string]any{"focus": "TASK-001"}}
	out, info := Compose(env, 10_000, 140)
	if info.Truncated {
		t.Error("expected no truncation when well under budget")
	}
	if _, ok := out["capsule"]; !ok {
		t.Error("expected capsule preserved")
	}
}

func TestTruncateEventMessages(t *testing.T) {
	env := map[string]any{"events": []any{map[string]any{"message": strings.Repeat("z", 300)}}}
	changed := truncateEventMessages(140)(env)
	if !changed {
		t.Fatal("expected truncation to report a change")
	}
	msg := env["events"].([]any)[0].(map[string]any)["message"].(string)
	if len([]rune(msg)) > 141 {
		t.Errorf("expected message capped near 140 chars, got %d", len([]rune(msg)))
	}
}

func TestCapsuleOnlyIsFinalFloor(t *testing.T) {
	env := map[string]any{"capsule": "x", "extra": "y"}
	changed := capsuleOnly(env)
	if !changed {
		t.Fatal("expected first capsuleOnly call to change the envelope")
	}
	if len(env) != 1 {
		t.Errorf("expected only capsule to remain, got %v", env)
	}
	if capsuleOnly(env) {
		t.Error("expected capsuleOnly to be a no-op once already capsule-only")
	}
}
