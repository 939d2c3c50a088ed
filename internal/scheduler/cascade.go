package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ContractViolation is returned by Report when a cascade-enabled job's
// completed summary fails its role's artifact contract. Hints is a bounded
// list the failing stage's retry prompt can surface as "RETRY CONTEXT".
type ContractViolation struct {
	Role   Role
	Reason string
	Hints  []string
}

func (v *ContractViolation) Error() string {
	return fmt.Sprintf("scheduler: %s contract violation: %s", v.Role, v.Reason)
}

func (v *ContractViolation) Unwrap() error { return ErrContractViolation }

const (
	scoutMinSummaryChars = 240
	scoutMaxSummaryChars = 1200
	scoutMinAnchors      = 3
	scoutMinCodeRefs     = 3
	scoutMinChangeHints  = 2
	scoutMinTestHints    = 2
	scoutMinRiskMap      = 2
	scoutMaxAnchorOverlap = 0.35
	scoutMaxRefRedundancy = 0.25
)

var codeRefPattern = regexp.MustCompile(`^code:[^\s#]+#L\d+-L\d+@sha256:[0-9a-f]{64}$`)
var forbiddenScoutKeys = []string{"diff", "patch", "code", "apply", "unified_diff"}
var codeFencePattern = regexp.MustCompile(`(?s)` + "```" + `.*?` + "```")
var signatureCollapse = regexp.MustCompile(`[^a-z0-9]+`)
var writerOps = map[string]struct{}{
	"replace": {}, "insert_after": {}, "insert_before": {}, "create_file": {}, "delete_file": {},
}

// validateCascadeReport dispatches to the per-role contract for a cascade
// job's completed summary, which must be the role's JSON artifact, not
// free-form text.
func validateCascadeReport(role Role, message string) *ContractViolation {
	var doc map[string]any
	if err := json.Unmarshal([]byte(message), &doc); err != nil {
		return &ContractViolation{Role: role, Reason: "message must be a JSON object matching the role's artifact contract",
			Hints: []string{"report kind=completed with message set to the role's JSON summary, not plain text"}}
	}
	switch role {
	case RoleScout:
		return validateScoutReport(doc)
	case RoleBuilder:
		return validateBuilderReport(doc)
	case RoleWriter:
		return validateWriterReport(doc)
	case RoleValidator:
		return validateValidatorReport(doc)
	default:
		return nil
	}
}

func requireStringFields(m map[string]any, fields ...string) string {
	var missing []string
	for _, f := range fields {
		s, ok := m[f].(string)
		if !ok || strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	return strings.Join(missing, ", ")
}

func stringArray(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeSignature(s string) string {
	return strings.TrimSpace(signatureCollapse.ReplaceAllString(strings.ToLower(s), " "))
}

// ratioOfDuplicates returns the fraction of entries that repeat a signature
// already seen earlier in the list.
func ratioOfDuplicates(items []string) float64 {
	if len(items) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(items))
	dup := 0
	for _, item := range items {
		key := normalizeSignature(item)
		if _, ok := seen[key]; ok {
			dup++
			continue
		}
		seen[key] = struct{}{}
	}
	return float64(dup) / float64(len(items))
}

func codeRefPaths(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		body := strings.TrimPrefix(ref, "code:")
		if idx := strings.IndexByte(body, '#'); idx >= 0 {
			body = body[:idx]
		}
		out = append(out, body)
	}
	return out
}

// pathBound reports whether path matches one of the known paths exactly or
// sits under one of them (or one of them sits under it) as a directory
// prefix.
func pathBound(path string, known []string) bool {
	for _, k := range known {
		if path == k ||
			strings.HasPrefix(path, strings.TrimSuffix(k, "/")+"/") ||
			strings.HasPrefix(k, strings.TrimSuffix(path, "/")+"/") {
			return true
		}
	}
	return false
}

func scoutTestHints(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		switch t := item.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				out = append(out, t)
			}
		case map[string]any:
			if name, _ := t["name"].(string); strings.TrimSpace(name) != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// findForbiddenKey recursively walks v looking for a key matching one of
// forbiddenScoutKeys — scouts describe, they don't carry diffs or patches.
func findForbiddenKey(v any) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			lower := strings.ToLower(k)
			for _, bad := range forbiddenScoutKeys {
				if lower == bad {
					return k, true
				}
			}
			if key, ok := findForbiddenKey(val); ok {
				return key, true
			}
		}
	case []any:
		for _, item := range t {
			if key, ok := findForbiddenKey(item); ok {
				return key, true
			}
		}
	}
	return "", false
}

// findOverlongCodeBlock recursively walks v looking for a fenced markdown
// code block longer than 20 lines.
func findOverlongCodeBlock(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		for _, block := range codeFencePattern.FindAllString(t, -1) {
			if strings.Count(block, "\n") > 20 {
				preview := block
				if len(preview) > 40 {
					preview = preview[:40]
				}
				return preview, true
			}
		}
	case map[string]any:
		for _, val := range t {
			if b, ok := findOverlongCodeBlock(val); ok {
				return b, true
			}
		}
	case []any:
		for _, item := range t {
			if b, ok := findOverlongCodeBlock(item); ok {
				return b, true
			}
		}
	}
	return "", false
}

// validateScoutReport checks a scout's context pack: objective, scope,
// code_refs, anchors, change_hints, test_hints, risk_map, and
// summary_for_builder, grounded on the scout context-pack contract.
func validateScoutReport(doc map[string]any) *ContractViolation {
	fail := func(reason, hint string) *ContractViolation {
		return &ContractViolation{Role: RoleScout, Reason: reason, Hints: []string{hint}}
	}

	objective, _ := doc["objective"].(string)
	if strings.TrimSpace(objective) == "" {
		return fail("objective is required", "set objective to a non-empty sentence describing the scout's goal")
	}
	scope, _ := doc["scope"].(map[string]any)
	if scope == nil {
		return fail("scope.in/scope.out are required", "add a scope object with in[] and out[] arrays")
	}
	if len(stringArray(scope["in"])) == 0 {
		return fail("scope.in must be non-empty", "list at least one path or concern in scope.in")
	}
	if _, ok := scope["out"].([]any); !ok {
		return fail("scope.out is required", "add scope.out, even if empty, to state what was excluded")
	}

	codeRefs := stringArray(doc["code_refs"])
	if len(codeRefs) < scoutMinCodeRefs {
		return fail(fmt.Sprintf("code_refs needs at least %d entries, got %d", scoutMinCodeRefs, len(codeRefs)),
			"add more code:<path>#L<a>-L<b>@sha256:<64 hex> references")
	}
	for _, ref := range codeRefs {
		if !codeRefPattern.MatchString(ref) {
			return fail(fmt.Sprintf("code_ref %q does not match code:<path>#L<a>-L<b>@sha256:<64hex>", ref),
				"fix the malformed code_ref's line range or hash")
		}
	}
	if dup := ratioOfDuplicates(codeRefs); dup > scoutMaxRefRedundancy {
		return fail(fmt.Sprintf("code_refs redundancy ratio %.2f exceeds %.2f", dup, scoutMaxRefRedundancy), "diversify code_refs, too many repeats")
	}

	anchorsRaw, _ := doc["anchors"].([]any)
	if len(anchorsRaw) < scoutMinAnchors {
		return fail(fmt.Sprintf("anchors needs at least %d entries, got %d", scoutMinAnchors, len(anchorsRaw)),
			"add more anchors, each with id and rationale")
	}
	signatures := make([]string, 0, len(anchorsRaw))
	for i, raw := range anchorsRaw {
		anchor, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Sprintf("anchors[%d] must be an object", i), "anchors entries must be objects with id/rationale")
		}
		if missing := requireStringFields(anchor, "id", "rationale"); missing != "" {
			return fail(fmt.Sprintf("anchors[%d] is missing %s", i, missing), "every anchor needs a non-empty id and rationale")
		}
		id, _ := anchor["id"].(string)
		rationale, _ := anchor["rationale"].(string)
		signatures = append(signatures, normalizeSignature(id+"|"+rationale))
	}
	if dup := ratioOfDuplicates(signatures); dup > scoutMaxAnchorOverlap {
		return fail(fmt.Sprintf("anchor overlap ratio %.2f exceeds %.2f", dup, scoutMaxAnchorOverlap), "anchors are too similar, diversify rationale")
	}

	changeHints, _ := doc["change_hints"].([]any)
	if len(changeHints) < scoutMinChangeHints {
		return fail(fmt.Sprintf("change_hints needs at least %d entries, got %d", scoutMinChangeHints, len(changeHints)),
			"add more change_hints, each with path/intent/risk")
	}
	boundPaths := codeRefPaths(codeRefs)
	for i, raw := range changeHints {
		ch, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Sprintf("change_hints[%d] must be an object", i), "change_hints entries need path/intent/risk")
		}
		if missing := requireStringFields(ch, "path", "intent", "risk"); missing != "" {
			return fail(fmt.Sprintf("change_hints[%d] is missing %s", i, missing), "fill in change_hints path/intent/risk")
		}
		path, _ := ch["path"].(string)
		if !pathBound(path, boundPaths) {
			return fail(fmt.Sprintf("change_hints[%d].path %q is not anchored to any code_ref", i, path),
				"point change_hints at a path covered by anchors/code_refs")
		}
	}

	testHints := scoutTestHints(doc["test_hints"])
	if len(testHints) < scoutMinTestHints {
		return fail(fmt.Sprintf("test_hints needs at least %d entries, got %d", scoutMinTestHints, len(testHints)), "add more test_hints")
	}

	riskMap, _ := doc["risk_map"].([]any)
	if len(riskMap) < scoutMinRiskMap {
		return fail(fmt.Sprintf("risk_map needs at least %d entries, got %d", scoutMinRiskMap, len(riskMap)),
			"add more risk_map entries, each with risk/falsifier")
	}
	for i, raw := range riskMap {
		rm, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Sprintf("risk_map[%d] must be an object", i), "risk_map entries need risk and falsifier")
		}
		if missing := requireStringFields(rm, "risk", "falsifier"); missing != "" {
			return fail(fmt.Sprintf("risk_map[%d] is missing %s", i, missing), "every risk_map entry needs non-empty risk and falsifier")
		}
	}

	summary, _ := doc["summary_for_builder"].(string)
	if len(summary) < scoutMinSummaryChars {
		return fail(fmt.Sprintf("summary_for_builder needs at least %d chars, got %d", scoutMinSummaryChars, len(summary)),
			"expand summary_for_builder with enough context for the next stage")
	}
	if len(summary) > scoutMaxSummaryChars {
		return fail(fmt.Sprintf("summary_for_builder exceeds %d chars", scoutMaxSummaryChars), "trim summary_for_builder")
	}

	if key, ok := findForbiddenKey(doc); ok {
		return fail(fmt.Sprintf("forbidden key %q present in scout report", key), "scouts describe, they don't carry diffs or code bodies")
	}
	if block, ok := findOverlongCodeBlock(doc); ok {
		return fail(fmt.Sprintf("markdown code block %q exceeds 20 lines", block), "scouts summarize, they don't paste long code blocks")
	}

	return nil
}

// validateBuilderReport checks a builder's diff batch: either changes[]
// (with checks_to_run/rollback_plan/proof_refs/execution_evidence) or a
// context_request, never both and never neither.
func validateBuilderReport(doc map[string]any) *ContractViolation {
	fail := func(reason, hint string) *ContractViolation {
		return &ContractViolation{Role: RoleBuilder, Reason: reason, Hints: []string{hint}}
	}

	changes, _ := doc["changes"].([]any)
	ctxReq, _ := doc["context_request"].(map[string]any)
	if (len(changes) == 0) == (ctxReq == nil) {
		return fail("exactly one of changes or context_request must be present",
			"set changes[] when you made edits, or context_request when you need the scout to look again")
	}

	if ctxReq != nil {
		reason, _ := ctxReq["reason"].(string)
		if strings.TrimSpace(reason) == "" {
			return fail("context_request.reason is required", "explain why more context is needed")
		}
		if len(stringArray(ctxReq["missing_context"])) == 0 {
			return fail("context_request.missing_context must be non-empty", "list what context is missing")
		}
		return nil
	}

	for i, raw := range changes {
		ch, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Sprintf("changes[%d] must be an object", i), "changes entries need path/intent/diff_ref")
		}
		if missing := requireStringFields(ch, "path", "intent", "diff_ref"); missing != "" {
			return fail(fmt.Sprintf("changes[%d] is missing %s", i, missing), "fill in every change's path/intent/diff_ref")
		}
	}
	if len(stringArray(doc["checks_to_run"])) == 0 {
		return fail("checks_to_run must be non-empty", "list the checks that validate these changes")
	}
	if s, _ := doc["rollback_plan"].(string); strings.TrimSpace(s) == "" {
		return fail("rollback_plan is required", "describe how to undo these changes")
	}
	proofRefs := stringArray(doc["proof_refs"])
	if len(proofRefs) == 0 {
		return fail("proof_refs must be non-empty", "add CMD:/LINK:/FILE: proof references")
	}
	for _, ref := range proofRefs {
		if !proofRefPattern.MatchString(ref) {
			return fail(fmt.Sprintf("proof_refs entry %q must start with CMD:/LINK:/FILE:", ref),
				"prefix every proof_refs entry with CMD:, LINK:, or FILE:")
		}
	}
	evidence, _ := doc["execution_evidence"].(map[string]any)
	if evidence == nil {
		return fail("execution_evidence is required when changes are reported",
			"add execution_evidence with revision/diff_scope/command_runs/rollback_proof/semantic_guards")
	}
	if reason := violateExecutionEvidence(evidence); reason != "" {
		return fail(reason, "fill in execution_evidence completely")
	}
	return nil
}

func violateExecutionEvidence(evidence map[string]any) string {
	revision, ok := evidence["revision"].(float64)
	if !ok || revision <= 0 {
		return "execution_evidence.revision must be a positive number"
	}
	if len(stringArray(evidence["diff_scope"])) == 0 {
		return "execution_evidence.diff_scope must be non-empty"
	}
	runs, _ := evidence["command_runs"].([]any)
	if len(runs) == 0 {
		return "execution_evidence.command_runs must be non-empty"
	}
	for _, raw := range runs {
		run, ok := raw.(map[string]any)
		if !ok {
			return "execution_evidence.command_runs entries must be objects"
		}
		if _, ok := run["cmd"].(string); !ok {
			return "execution_evidence.command_runs entries need cmd"
		}
		if _, ok := run["exit_code"].(float64); !ok {
			return "execution_evidence.command_runs entries need exit_code"
		}
		if _, ok := run["stdout_ref"].(string); !ok {
			return "execution_evidence.command_runs entries need stdout_ref"
		}
		if _, ok := run["stderr_ref"].(string); !ok {
			return "execution_evidence.command_runs entries need stderr_ref"
		}
	}
	rollback, _ := evidence["rollback_proof"].(map[string]any)
	if rollback == nil {
		return "execution_evidence.rollback_proof is required"
	}
	strategy, _ := rollback["strategy"].(string)
	if strings.TrimSpace(strategy) == "" {
		return "execution_evidence.rollback_proof.strategy is required"
	}
	if _, ok := rollback["target_revision"].(float64); !ok {
		return "execution_evidence.rollback_proof.target_revision is required"
	}
	verifyRef, _ := rollback["verification_cmd_ref"].(string)
	if !proofRefPattern.MatchString(verifyRef) {
		return "execution_evidence.rollback_proof.verification_cmd_ref must start with CMD:/LINK:/FILE:"
	}
	guards, _ := evidence["semantic_guards"].(map[string]any)
	if guards == nil {
		return "execution_evidence.semantic_guards is required"
	}
	if missing := requireStringFields(guards, "must_should_may_delta", "contract_term_consistency"); missing != "" {
		return "execution_evidence.semantic_guards is missing " + missing
	}
	return ""
}

// validateWriterReport checks a writer's patch slice: restricted ops, no
// path traversal, and either patches[] or the insufficient_context escape
// hatch.
func validateWriterReport(doc map[string]any) *ContractViolation {
	fail := func(reason, hint string) *ContractViolation {
		return &ContractViolation{Role: RoleWriter, Reason: reason, Hints: []string{hint}}
	}

	if s, _ := doc["slice_id"].(string); strings.TrimSpace(s) == "" {
		return fail("slice_id is required", "set slice_id to the batch this writer slice belongs to")
	}

	patches, _ := doc["patches"].([]any)
	if len(patches) == 0 {
		insufficient, _ := doc["insufficient_context"].(string)
		if strings.TrimSpace(insufficient) == "" {
			return fail("patches must be non-empty, or insufficient_context must explain why",
				"either list patches[] or set insufficient_context")
		}
		return nil
	}

	for i, raw := range patches {
		p, ok := raw.(map[string]any)
		if !ok {
			return fail(fmt.Sprintf("patches[%d] must be an object", i), "patches entries need op/path")
		}
		op, _ := p["op"].(string)
		if _, ok := writerOps[op]; !ok {
			return fail(fmt.Sprintf("patches[%d].op %q is not a supported operation", i, op),
				"use replace/insert_after/insert_before/create_file/delete_file")
		}
		for _, field := range []string{"path", "find", "anchor", "content"} {
			if s, ok := p[field].(string); ok && strings.Contains(s, "..") {
				return fail(fmt.Sprintf("patches[%d].%s %q escapes its root", i, field, s),
					"patches may not reference paths containing ..")
			}
		}
		var missing string
		switch op {
		case "replace":
			missing = requireStringFields(p, "path", "find", "replace")
		case "insert_after", "insert_before":
			missing = requireStringFields(p, "path", "anchor", "content")
		case "create_file":
			missing = requireStringFields(p, "path", "content")
		case "delete_file":
			missing = requireStringFields(p, "path")
		}
		if missing != "" {
			return fail(fmt.Sprintf("patches[%d] (%s) is missing %s", i, op, missing), "fill in every field the patch op requires")
		}
	}

	if len(stringArray(doc["affected_files"])) == 0 {
		return fail("affected_files must be non-empty", "list every file the patches touch")
	}
	if len(stringArray(doc["checks_to_run"])) == 0 {
		return fail("checks_to_run must be non-empty", "list the checks that validate these patches")
	}
	return nil
}

// validateValidatorReport checks the minimal analogous contract for a
// validator's report: a non-empty recommendation.
func validateValidatorReport(doc map[string]any) *ContractViolation {
	rec, _ := doc["recommendation"].(string)
	if strings.TrimSpace(rec) == "" {
		return &ContractViolation{Role: RoleValidator, Reason: "recommendation is required",
			Hints: []string{"set recommendation to the validator's pass/fail verdict"}}
	}
	return nil
}
