package mcpserver

import "encoding/json"

// Args is a loosely-typed view over a tool call's arguments, matching the
// envelope's "op selects an operation, everything else is operation-
// specific" contract rather than a per-tool fixed struct.
type Args map[string]any

func parseArgs(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		return Args{}, nil
	}
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (a Args) String(key, def string) string {
	if a == nil {
		return def
	}
	v, ok := a[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func (a Args) Int(key string, def int) int {
	if a == nil {
		return def
	}
	v, ok := a[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func (a Args) Bool(key string, def bool) bool {
	if a == nil {
		return def
	}
	v, ok := a[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (a Args) StringSlice(key string) []string {
	if a == nil {
		return nil
	}
	v, ok := a[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
