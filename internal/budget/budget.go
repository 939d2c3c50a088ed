// Package budget implements the response composer (C9): given an assembled
// tool-response envelope and a character budget, it applies an ordered,
// idempotent sequence of degradation steps until the serialized envelope
// fits, always reporting a {limit, used, truncated} block so callers know
// what was cut.
package budget

import (
	"encoding/json"
	"sort"
)

// Info is the budget block attached to every composed envelope.
type Info struct {
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	Truncated bool `json:"truncated"`
}

// ShrinkOp is one named degradation step. It mutates env in place and
// reports whether it changed anything (an op with nothing left to cut is a
// no-op, so Compose can skip straight to the next one).
type ShrinkOp struct {
	Name  string
	Apply func(env map[string]any) bool
}

// defaultEventMessageCap bounds how long an individual event message string
// may be before step 1 truncates it, when Script is given no positive cap.
const defaultEventMessageCap = 140

// Script is the fixed, ordered degradation pipeline. Earlier steps are
// cheaper in information lost; later steps are more destructive. The final
// step collapses the envelope to capsule-only, which is always small enough
// to fit any budget above the floor config.validate enforces.
func Script(eventMessageCap int) []ShrinkOp {
	if eventMessageCap <= 0 {
		eventMessageCap = defaultEventMessageCap
	}
	return []ShrinkOp{
		{Name: "truncate_event_messages", Apply: truncateEventMessages(eventMessageCap)},
		{Name: "drop_trace", Apply: dropKey("trace")},
		{Name: "collapse_graph_diff", Apply: collapseGraphDiff},
		{Name: "halve_signals", Apply: halveList("signals")},
		{Name: "halve_actions", Apply: halveList("actions")},
		{Name: "strip_suggested_args", Apply: stripSuggestedArgs},
		{Name: "collapse_refs", Apply: collapseRefs},
		{Name: "drop_signals", Apply: dropKey("signals")},
		{Name: "capsule_only", Apply: capsuleOnly},
	}
}

// Compose applies Script in order, re-measuring after each step, until the
// envelope's serialized size is <= maxChars or the script is exhausted.
// Calling Compose twice on the same input with the same maxChars produces a
// byte-identical envelope (the idempotence property the scripted, ordered
// steps guarantee).
func Compose(env map[string]any, maxChars int, eventMessageCap int) (map[string]any, Info) {
	out := deepCopy(env)
	used := measure(out)
	truncated := false

	for _, op := range Script(eventMessageCap) {
		if used <= maxChars {
			break
		}
		if op.Apply(out) {
			truncated = true
			used = measure(out)
		}
	}

	out["budget"] = Info{Limit: maxChars, Used: used, Truncated: truncated}
	return out, Info{Limit: maxChars, Used: used, Truncated: truncated}
}

func measure(env map[string]any) int {
	raw, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return len(raw)
}

func deepCopy(env map[string]any) map[string]any {
	raw, err := json.Marshal(env)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func dropKey(key string) func(map[string]any) bool {
	return func(env map[string]any) bool {
		if _, ok := env[key]; !ok {
			return false
		}
		delete(env, key)
		return true
	}
}

func truncateEventMessages(cap int) func(map[string]any) bool {
	return func(env map[string]any) bool {
		events, ok := env["events"].([]any)
		if !ok {
			return false
		}
		changed := false
		for _, raw := range events {
			ev, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msg, ok := ev["message"].(string)
			if !ok || len(msg) <= cap {
				continue
			}
			ev["message"] = msg[:cap] + "…"
			changed = true
		}
		return changed
	}
}

func collapseGraphDiff(env map[string]any) bool {
	g, ok := env["graph"].(map[string]any)
	if !ok {
		return false
	}
	diff, ok := g["diff"].(map[string]any)
	if !ok {
		return false
	}
	changed := false
	for _, key := range []string{"added", "removed", "changed"} {
		if list, ok := diff[key].([]any); ok {
			diff[key] = len(list)
			changed = true
		}
	}
	return changed
}

func halveList(key string) func(map[string]any) bool {
	return func(env map[string]any) bool {
		list, ok := env[key].([]any)
		if !ok || len(list) == 0 {
			return false
		}
		newLen := len(list) / 2
		env[key] = list[:newLen]
		return true
	}
}

func stripSuggestedArgs(env map[string]any) bool {
	actions, ok := env["actions"].([]any)
	if !ok {
		return false
	}
	changed := false
	for _, raw := range actions {
		a, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		suggested, ok := a["suggested"].([]any)
		if !ok {
			continue
		}
		for _, sraw := range suggested {
			s, ok := sraw.(map[string]any)
			if !ok {
				continue
			}
			if _, has := s["args"]; has {
				delete(s, "args")
				changed = true
			}
		}
	}
	return changed
}

func collapseRefs(env map[string]any) bool {
	signals, ok := env["signals"].([]any)
	if !ok {
		return false
	}
	changed := false
	for _, raw := range signals {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		refs, ok := s["refs"].([]any)
		if !ok || len(refs) <= 1 {
			continue
		}
		s["refs"] = refs[:1]
		changed = true
	}
	return changed
}

// capsuleOnly is the final, always-effective step: it keeps only the
// capsule (and any budget block already set) and discards everything else,
// guaranteeing the envelope fits within any floor the config layer allows.
func capsuleOnly(env map[string]any) bool {
	capsule, hasCapsule := env["capsule"]
	if len(env) == 1 && hasCapsule {
		return false
	}
	keep := map[string]any{}
	if hasCapsule {
		keep["capsule"] = capsule
	}
	for k := range env {
		delete(env, k)
	}
	for k, v := range keep {
		env[k] = v
	}
	return true
}

// SortedKeys is a small helper used by callers that want deterministic key
// order when building an envelope map for tests or golden output.
func SortedKeys(env map[string]any) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
