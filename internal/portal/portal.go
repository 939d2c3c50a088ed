// Package portal renders the 1-3 line text protocol (C11) that CLI-facing
// callers show a human: a state line, optional REFERENCE lines, and a
// copy-paste command for the capsule's suggested action. It is the last
// thing built from an envelope, after budget shrinking, so it must read its
// fields defensively: if the envelope was truncated to capsule-only, the
// resume/target fields the renderer normally reads are gone and must fall
// back to the equivalent fields nested under capsule.
package portal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/branchmind-dev/branchmind/internal/capsule"
)

// Resume is the subset of an envelope the line-protocol renderer reads. Top
// fields win when present; Capsule fields are the fallback once budget
// shrinking has stripped everything else.
type Resume struct {
	Focus    string
	Target   *capsule.Target
	Next     string
	Capsule  *capsule.Capsule
	Backup   bool // true when the envelope was trimmed down to capsule-only
}

// RenderOptions controls command rendering.
type RenderOptions struct {
	Workspace     string
	OmitWorkspace bool
}

// Render produces the 1-3 line text block: a state line, zero or more
// REFERENCE lines, and a copy-paste command line for the capsule action.
func Render(r Resume, opts RenderOptions) string {
	var lines []string
	lines = append(lines, stateLine(r))

	if refs := referenceLines(r); len(refs) > 0 {
		lines = append(lines, refs...)
	}

	if cmd := commandLine(r, opts); cmd != "" {
		lines = append(lines, cmd)
	}

	return strings.Join(lines, "\n")
}

func stateLine(r Resume) string {
	focus := r.Focus
	title := ""
	status := ""
	next := r.Next

	if r.Target != nil {
		title = r.Target.Title
		status = r.Target.Status
	} else if r.Capsule != nil {
		focus = fallback(focus, r.Capsule.Focus)
		title = r.Capsule.Target.Title
		status = r.Capsule.Target.Status
	}

	if focus == "" {
		focus = "(no focus)"
	}
	line := focus
	if title != "" {
		line += " — " + title
	}
	if status != "" {
		line += " [" + status + "]"
	}
	if next != "" {
		line += " | next: " + next
	} else if r.Capsule != nil && r.Capsule.Action != nil {
		line += " | next: " + r.Capsule.Action.Purpose
	}
	return line
}

func referenceLines(r Resume) []string {
	action := effectiveAction(r)
	if action == nil || len(action.Args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(action.Args))
	for k := range action.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, action.Args[k]))
	}
	return []string{"REFERENCE: " + strings.Join(parts, " ")}
}

func effectiveAction(r Resume) *capsule.MappedAction {
	if r.Capsule == nil {
		return nil
	}
	if r.Capsule.Action != nil {
		return r.Capsule.Action
	}
	return r.Capsule.PrepAction
}

func commandLine(r Resume, opts RenderOptions) string {
	action := effectiveAction(r)
	if action == nil {
		return ""
	}
	return "$ " + portalizeCall(action, opts)
}

// portalizeCall renders a MappedAction as a copy-paste CLI invocation:
// branchmind <tool> --purpose=<purpose> [--<key>=<value> ...] [--workspace=<ws>]
func portalizeCall(action *capsule.MappedAction, opts RenderOptions) string {
	var b strings.Builder
	b.WriteString("branchmind ")
	b.WriteString(action.Tool)
	if action.Purpose != "" {
		b.WriteString(" --purpose=")
		b.WriteString(shellQuote(action.Purpose))
	}

	keys := make([]string, 0, len(action.Args))
	for k := range action.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(" --%s=%s", k, shellQuote(fmt.Sprintf("%v", action.Args[k]))))
	}
	if action.ArgsHint != "" {
		b.WriteString(" # ")
		b.WriteString(action.ArgsHint)
	}

	if !opts.OmitWorkspace && opts.Workspace != "" {
		b.WriteString(" --workspace=")
		b.WriteString(shellQuote(opts.Workspace))
	}
	return b.String()
}

// shellQuote wraps a value in single quotes if it contains anything a shell
// would otherwise split or expand, escaping embedded single quotes POSIX-style.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func fallback(primary, secondary string) string {
	if primary != "" {
		return primary
	}
	return secondary
}
