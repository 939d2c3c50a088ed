// Package reasoning implements the pure derivation engine (C8): given a
// reduced graph view and a trace of recent tool calls, it derives signals
// (facts worth surfacing) and actions (suggested next tool calls) without
// touching storage. Every derive pass is a pure function of its inputs, so
// the same graph state always yields the same signals and actions.
package reasoning

import (
	"regexp"
	"sort"
	"strings"

	"github.com/branchmind-dev/branchmind/internal/graph"
)

const engineVersion = 1

// Severity ranks, highest first: high > warning > info.
const (
	SeverityHigh    = "high"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Priority ranks, highest first: high > medium > low.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var severityRank = map[string]int{SeverityHigh: 2, SeverityWarning: 1, SeverityInfo: 0}
var priorityRank = map[string]int{PriorityHigh: 2, PriorityMedium: 1, PriorityLow: 0}

// Signal is one observation the engine surfaces about the current graph state.
type Signal struct {
	Code     string   `json:"code"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Refs     []string `json:"refs,omitempty"`
	TsMs     int64    `json:"ts_ms"`
}

// SuggestedCall is one tool invocation an action recommends making.
type SuggestedCall struct {
	Tool    string         `json:"tool"`
	Purpose string         `json:"purpose"`
	Args    map[string]any `json:"args,omitempty"`
}

// Action is one suggested next step, with the tool calls that would take it.
type Action struct {
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Priority  string          `json:"priority"`
	Suggested []SuggestedCall `json:"suggested"`
	TsMs      int64           `json:"ts_ms"`
}

// Limits caps how many signals/actions a derive pass returns.
type Limits struct {
	SignalsLimit int
	ActionsLimit int
}

// TraceEntry is one entry in the recent tool-call trace, used by BM10 (stuck
// detection) and the draft-publication hygiene signal.
type TraceEntry struct {
	Tool    string
	Format  string // e.g. "think_card" when the call wrote a note
	TsMs    int64
}

// Result is the derive pass's output, already sorted and truncated.
type Result struct {
	Version      int      `json:"version"`
	SignalsTotal int      `json:"signals_total"`
	ActionsTotal int      `json:"actions_total"`
	Signals      []Signal `json:"signals"`
	Actions      []Action `json:"actions"`
	Truncated    bool     `json:"truncated"`
}

// Derive runs all BM1-BM10 checks (plus the draft-publication hygiene
// signal) over view and trace, returning nil if both limits are zero.
func Derive(view *graph.View, trace []TraceEntry, limits Limits) *Result {
	if limits.SignalsLimit == 0 && limits.ActionsLimit == 0 {
		return nil
	}

	var signals []Signal
	var actions []Action

	in, out := buildAdjacency(view)

	signals, actions = bmContradiction(view, in, signals, actions)
	signals, actions = bmEvidenceStrength(view, out, signals, actions)
	signals, actions = bmConfidence(view, in, out, signals, actions)
	signals, actions = bmHypothesisTestEvidence(view, in, signals, actions)
	signals, actions = bmRunnableTestsFreshness(view, in, signals, actions)
	signals, actions = bmAssumptionCascade(view, out, signals, actions)
	signals, actions = bmCounterEdges(view, in, signals, actions)
	signals, actions = bmTradeoffPattern(view, signals, actions)
	signals, actions = bmStuckNoEvidence(trace, signals, actions)
	signals, actions = bmDraftNotPublished(view, signals, actions)

	sort.SliceStable(signals, func(i, j int) bool {
		if severityRank[signals[i].Severity] != severityRank[signals[j].Severity] {
			return severityRank[signals[i].Severity] > severityRank[signals[j].Severity]
		}
		if signals[i].TsMs != signals[j].TsMs {
			return signals[i].TsMs > signals[j].TsMs
		}
		if signals[i].Code != signals[j].Code {
			return signals[i].Code < signals[j].Code
		}
		return signals[i].Message < signals[j].Message
	})
	sort.SliceStable(actions, func(i, j int) bool {
		if priorityRank[actions[i].Priority] != priorityRank[actions[j].Priority] {
			return priorityRank[actions[i].Priority] > priorityRank[actions[j].Priority]
		}
		if actions[i].TsMs != actions[j].TsMs {
			return actions[i].TsMs > actions[j].TsMs
		}
		if actions[i].Kind != actions[j].Kind {
			return actions[i].Kind < actions[j].Kind
		}
		return actions[i].Title < actions[j].Title
	})

	r := &Result{Version: engineVersion, SignalsTotal: len(signals), ActionsTotal: len(actions)}
	r.Signals, r.Truncated = capSignals(signals, limits.SignalsLimit)
	var actionsTruncated bool
	r.Actions, actionsTruncated = capActions(actions, limits.ActionsLimit)
	r.Truncated = r.Truncated || actionsTruncated

	if len(r.Signals) == 0 && len(r.Actions) == 0 {
		return nil
	}
	return r
}

func capSignals(s []Signal, limit int) ([]Signal, bool) {
	if limit <= 0 {
		return nil, len(s) > 0
	}
	if len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}

func capActions(a []Action, limit int) ([]Action, bool) {
	if limit <= 0 {
		return nil, len(a) > 0
	}
	if len(a) <= limit {
		return a, false
	}
	return a[:limit], true
}

// adjacency holds, per card id, the other card ids connected by each edge
// type and direction.
type adjacency struct {
	supports map[string][]string
	blocks   map[string][]string
}

func buildAdjacency(view *graph.View) (incoming, outgoing adjacency) {
	incoming = adjacency{supports: map[string][]string{}, blocks: map[string][]string{}}
	outgoing = adjacency{supports: map[string][]string{}, blocks: map[string][]string{}}
	for _, e := range view.Edges {
		if _, ok := view.Cards[e.From]; !ok {
			continue
		}
		if _, ok := view.Cards[e.To]; !ok {
			continue
		}
		switch e.Type {
		case "supports":
			outgoing.supports[e.From] = appendSortedUnique(outgoing.supports[e.From], e.To)
			incoming.supports[e.To] = appendSortedUnique(incoming.supports[e.To], e.From)
		case "blocks":
			outgoing.blocks[e.From] = appendSortedUnique(outgoing.blocks[e.From], e.To)
			incoming.blocks[e.To] = appendSortedUnique(incoming.blocks[e.To], e.From)
		}
	}
	return
}

func appendSortedUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	list = append(list, id)
	sort.Strings(list)
	return list
}

func isActiveForDiscipline(c *graph.Card) bool {
	return c.Status == "open" || c.Status == "pinned"
}

func hasTag(c *graph.Card, tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func sortedCardIDs(view *graph.View, filter func(*graph.Card) bool) []string {
	var ids []string
	for id, c := range view.Cards {
		if filter(c) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// bmContradiction implements BM1: a hypothesis/test/decision with both
// incoming supports and incoming blocks edges contradicts itself.
func bmContradiction(view *graph.View, in, _ adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	targets := sortedCardIDs(view, func(c *graph.Card) bool {
		return c.Status == "open" && (c.Type == "hypothesis" || c.Type == "test" || c.Type == "decision")
	})

	const cap = 10
	count := 0
	for _, id := range targets {
		if count >= cap {
			break
		}
		supports := in.supports[id]
		blocksIn := in.blocks[id]
		if len(supports) == 0 || len(blocksIn) == 0 {
			continue
		}
		count++
		c := view.Cards[id]
		refs := []string{id}
		refs = append(refs, limitSlice(supports, 2)...)
		refs = append(refs, limitSlice(blocksIn, 2)...)
		signals = append(signals, Signal{
			Code: "BM1_CONTRADICTION_SUPPORTS_BLOCKS", Severity: SeverityHigh,
			Message: "card " + id + " has both supporting and blocking evidence", Refs: refs, TsMs: c.TsMs,
		})
		actions = append(actions, Action{
			Kind: "resolve_contradiction", Title: "resolve contradiction on " + id, Priority: PriorityHigh, TsMs: c.TsMs,
			Suggested: []SuggestedCall{
				{Tool: "think", Purpose: "playbook", Args: map[string]any{"name": "contradiction"}},
				{Tool: "think", Purpose: "card", Args: map[string]any{"type": "question", "supports": id}},
			},
		})
	}
	return signals, actions
}

// bmEvidenceStrength implements a simplified BM2: evidence cards lacking a
// CMD:/LINK: receipt in their text, that are either pinned or support/block a
// pinned decision, are flagged weak. The original derivation scores evidence
// on a continuous 0-100 scale from receipt count, corroboration, and
// recency; this port keeps the receipt-presence check (the dominant term)
// and drops the continuous scoring, noted as a simplification.
func bmEvidenceStrength(view *graph.View, out adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	pinnedDecisions := map[string]bool{}
	for id, c := range view.Cards {
		if c.Type == "decision" && c.Status == "pinned" {
			pinnedDecisions[id] = true
		}
	}

	ids := sortedCardIDs(view, func(c *graph.Card) bool { return c.Type == "evidence" })
	const cap = 2
	count := 0
	for _, id := range ids {
		if count >= cap {
			break
		}
		c := view.Cards[id]
		hasCmd, hasLink := evidenceReceipts(c.Text)
		if hasCmd && hasLink {
			continue
		}
		supportsPinned := false
		for _, to := range out.supports[id] {
			if pinnedDecisions[to] {
				supportsPinned = true
			}
		}
		for _, to := range out.blocks[id] {
			if pinnedDecisions[to] {
				supportsPinned = true
			}
		}
		if !hasTag(c, "pin") && !supportsPinned {
			continue
		}
		count++
		missing := missingReceiptsText(hasCmd, hasLink)
		signals = append(signals, Signal{
			Code: "BM2_EVIDENCE_WEAK", Severity: SeverityWarning,
			Message: "evidence " + id + " is missing " + missing, Refs: []string{id}, TsMs: c.TsMs,
		})
	}
	return signals, actions
}

func evidenceReceipts(text string) (hasCmd, hasLink bool) {
	return strings.Contains(text, "CMD:"), strings.Contains(text, "LINK:")
}

func missingReceiptsText(hasCmd, hasLink bool) string {
	switch {
	case !hasCmd && !hasLink:
		return "both a CMD: and LINK: receipt"
	case !hasCmd:
		return "a CMD: receipt"
	default:
		return "a LINK: receipt"
	}
}

// bmConfidence implements BM3: propagate confidence through supports/blocks
// edges (depth-limited, cycle-guarded) and flag low-confidence pinned
// decisions and open hypotheses.
func bmConfidence(view *graph.View, in, out adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	memo := map[string]float64{}

	var confidenceFor func(id string, depth int, stack map[string]bool) float64
	confidenceFor = func(id string, depth int, stack map[string]bool) float64 {
		if v, ok := memo[id]; ok {
			return v
		}
		if depth <= 0 || stack[id] {
			return 0.5
		}
		stack[id] = true
		defer delete(stack, id)

		base := 0.5
		for _, from := range in.supports[id] {
			base += 0.1 * confidenceFor(from, depth-1, stack)
		}
		for _, from := range in.blocks[id] {
			base -= 0.15 * confidenceFor(from, depth-1, stack)
		}
		if base < 0 {
			base = 0
		}
		if base > 1 {
			base = 1
		}
		memo[id] = base
		return base
	}
	_ = out

	var worstDecision, worstHypothesis string
	worstDecisionScore, worstHypothesisScore := 1.1, 1.1
	for id, c := range view.Cards {
		if c.Type == "decision" && c.Status == "pinned" {
			score := confidenceFor(id, 3, map[string]bool{})
			if score < worstDecisionScore {
				worstDecisionScore, worstDecision = score, id
			}
		}
		if c.Type == "hypothesis" && c.Status == "open" {
			score := confidenceFor(id, 3, map[string]bool{})
			if score < worstHypothesisScore {
				worstHypothesisScore, worstHypothesis = score, id
			}
		}
	}

	if worstDecision != "" && worstDecisionScore < 0.55 {
		c := view.Cards[worstDecision]
		signals = append(signals, Signal{
			Code: "BM3_DECISION_LOW_CONFIDENCE", Severity: SeverityWarning,
			Message: "pinned decision " + worstDecision + " has low propagated confidence", Refs: []string{worstDecision}, TsMs: c.TsMs,
		})
		actions = append(actions, Action{
			Kind: "use_playbook", Title: "re-examine " + worstDecision, Priority: PriorityMedium, TsMs: c.TsMs,
			Suggested: []SuggestedCall{{Tool: "think", Purpose: "playbook", Args: map[string]any{"name": "experiment"}}},
		})
	} else if worstHypothesis != "" && worstHypothesisScore < 0.45 {
		c := view.Cards[worstHypothesis]
		signals = append(signals, Signal{
			Code: "BM3_HYPOTHESIS_LOW_CONFIDENCE", Severity: SeverityInfo,
			Message: "open hypothesis " + worstHypothesis + " has low propagated confidence", Refs: []string{worstHypothesis}, TsMs: c.TsMs,
		})
	}
	return signals, actions
}

// bmHypothesisTestEvidence implements BM4: an open hypothesis with no
// supporting test, or with tests but no supporting evidence.
func bmHypothesisTestEvidence(view *graph.View, in adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	ids := sortedCardIDs(view, func(c *graph.Card) bool { return c.Type == "hypothesis" && isActiveForDiscipline(c) })
	const cap = 12
	count := 0
	for _, id := range ids {
		if count >= cap {
			break
		}
		hasTest, hasEvidence := false, false
		for _, from := range in.supports[id] {
			c, ok := view.Cards[from]
			if !ok {
				continue
			}
			if c.Type == "test" {
				hasTest = true
			}
			if c.Type == "evidence" {
				hasEvidence = true
			}
		}
		c := view.Cards[id]
		if !hasTest {
			count++
			signals = append(signals, Signal{
				Code: "BM4_HYPOTHESIS_NO_TEST", Severity: SeverityHigh,
				Message: "hypothesis " + id + " has no supporting test", Refs: []string{id}, TsMs: c.TsMs,
			})
			actions = append(actions, Action{
				Kind: "add_test_stub", Title: "add a test for " + id, Priority: PriorityHigh, TsMs: c.TsMs,
				Suggested: []SuggestedCall{{Tool: "think", Purpose: "card", Args: map[string]any{"type": "test", "supports": id}}},
			})
		} else if !hasEvidence {
			count++
			signals = append(signals, Signal{
				Code: "BM4_HYPOTHESIS_NO_EVIDENCE", Severity: SeverityWarning,
				Message: "hypothesis " + id + " has tests but no supporting evidence", Refs: []string{id}, TsMs: c.TsMs,
			})
		}
	}
	return signals, actions
}

// bmRunnableTestsFreshness implements BM5+BM8: classify each open test card
// with an extractable CMD as Missing/Stale/Fresh evidence, surfacing the
// worst case and, if all are fresh, a single reassuring BM5 signal.
func bmRunnableTestsFreshness(view *graph.View, in adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	type candidate struct {
		id        string
		state     int // 0 missing, 1 stale, 2 fresh
		ageDays   int64
		c         *graph.Card
	}
	var candidates []candidate
	freshCount := 0

	for _, id := range sortedCardIDs(view, func(c *graph.Card) bool { return c.Type == "test" && c.Status == "open" }) {
		c := view.Cards[id]
		if !extractCmd(c) {
			continue
		}
		staleAfterMs := staleAfterForCard(c)
		var latestEvidenceTs int64
		for _, from := range in.supports[id] {
			ec, ok := view.Cards[from]
			if !ok || ec.Type != "evidence" {
				continue
			}
			if ec.TsMs > latestEvidenceTs {
				latestEvidenceTs = ec.TsMs
			}
		}
		state := 2
		var ageDays int64
		switch {
		case latestEvidenceTs == 0:
			state = 0
		case c.TsMs > latestEvidenceTs+staleAfterMs:
			state = 1
			ageDays = (c.TsMs - latestEvidenceTs) / (24 * 60 * 60 * 1000)
		}
		if state == 2 {
			freshCount++
		}
		candidates = append(candidates, candidate{id: id, state: state, ageDays: ageDays, c: c})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].state != candidates[j].state {
			return candidates[i].state < candidates[j].state
		}
		if candidates[i].c.TsMs != candidates[j].c.TsMs {
			return candidates[i].c.TsMs > candidates[j].c.TsMs
		}
		return candidates[i].id < candidates[j].id
	})

	if len(candidates) == 0 {
		return signals, actions
	}
	best := candidates[0]
	if best.state == 2 {
		signals = append(signals, Signal{
			Code: "BM5_RUNNABLE_TESTS_FRESH", Severity: SeverityInfo,
			Message: "all runnable tests have fresh evidence", TsMs: best.c.TsMs,
		})
		return signals, actions
	}

	priority := PriorityHigh
	if best.state == 1 {
		priority = PriorityMedium
		signals = append(signals, Signal{
			Code: "BM8_EVIDENCE_STALE", Severity: SeverityWarning,
			Message: "test " + best.id + " evidence is stale", Refs: []string{best.id}, TsMs: best.c.TsMs,
		})
	} else {
		priority = PriorityLow
	}
	if best.state == 0 {
		priority = PriorityHigh
	}
	actions = append(actions, Action{
		Kind: "run_test", Title: "run test " + best.id, Priority: priority, TsMs: best.c.TsMs,
		Suggested: []SuggestedCall{{Tool: "think", Purpose: "card", Args: map[string]any{"type": "evidence", "supports": best.id}}},
	})
	return signals, actions
}

var cmdPattern = regexp.MustCompile(`CMD:\S+`)

func extractCmd(c *graph.Card) bool {
	return cmdPattern.MatchString(c.Text)
}

func staleAfterForCard(c *graph.Card) int64 {
	const defaultDays = 30
	days := int64(defaultDays)
	if c.Meta != nil {
		if v, ok := c.Meta["stale_after_days"]; ok {
			if f, ok := v.(float64); ok {
				days = int64(f)
			}
		}
	}
	if days < 0 {
		days = 0
	}
	if days > 3650 {
		days = 3650
	}
	return days * 24 * 60 * 60 * 1000
}

// bmAssumptionCascade implements BM6: an assumption card no longer open that
// still feeds an active decision/hypothesis is surfaced once, most recent first.
func bmAssumptionCascade(view *graph.View, out adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	type candidate struct {
		id string
		c  *graph.Card
	}
	var candidates []candidate
	for _, id := range sortedCardIDs(view, func(c *graph.Card) bool { return hasTag(c, "assumption") && c.Status != "open" }) {
		c := view.Cards[id]
		usedByActive := false
		for _, to := range out.supports[id] {
			tc, ok := view.Cards[to]
			if ok && isActiveForDiscipline(tc) && (tc.Type == "decision" || tc.Type == "hypothesis") {
				usedByActive = true
			}
		}
		if usedByActive {
			candidates = append(candidates, candidate{id: id, c: c})
		}
	}
	if len(candidates) == 0 {
		return signals, actions
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].c.TsMs != candidates[j].c.TsMs {
			return candidates[i].c.TsMs > candidates[j].c.TsMs
		}
		if candidates[i].id != candidates[j].id {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].c.Title < candidates[j].c.Title
	})
	best := candidates[0]
	signals = append(signals, Signal{
		Code: "BM6_ASSUMPTION_NOT_OPEN_BUT_USED", Severity: SeverityWarning,
		Message: "assumption " + best.id + " is no longer open but still feeds active reasoning", Refs: []string{best.id}, TsMs: best.c.TsMs,
	})
	actions = append(actions, Action{
		Kind: "recheck_assumption", Title: "recheck assumption " + best.id, Priority: PriorityMedium, TsMs: best.c.TsMs,
	})
	return signals, actions
}

// bmCounterEdges implements BM7: a hypothesis/decision with supporting
// evidence and no blocking counter-argument is flagged as missing a steelman.
func bmCounterEdges(view *graph.View, in adjacency, signals []Signal, actions []Action) ([]Signal, []Action) {
	type candidate struct {
		id       string
		c        *graph.Card
		supports int
	}
	var candidates []candidate
	for _, id := range sortedCardIDs(view, func(c *graph.Card) bool {
		return isActiveForDiscipline(c) && (c.Type == "hypothesis" || c.Type == "decision") && !hasTag(c, "counter")
	}) {
		c := view.Cards[id]
		supports := len(in.supports[id])
		blocksIn := len(in.blocks[id])
		if supports > 0 && blocksIn == 0 {
			candidates = append(candidates, candidate{id: id, c: c, supports: supports})
		}
	}
	if len(candidates) == 0 {
		return signals, actions
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].supports != candidates[j].supports {
			return candidates[i].supports > candidates[j].supports
		}
		if candidates[i].c.TsMs != candidates[j].c.TsMs {
			return candidates[i].c.TsMs > candidates[j].c.TsMs
		}
		return candidates[i].id < candidates[j].id
	})
	best := candidates[0]
	signals = append(signals, Signal{
		Code: "BM7_NO_COUNTER_EDGES", Severity: SeverityInfo,
		Message: best.id + " has supporting evidence but no counter-argument", Refs: []string{best.id}, TsMs: best.c.TsMs,
	})
	actions = append(actions, Action{
		Kind: "add_counter_hypothesis", Title: "steelman a counter-case to " + best.id, Priority: PriorityMedium, TsMs: best.c.TsMs,
		Suggested: []SuggestedCall{
			{Tool: "think", Purpose: "playbook", Args: map[string]any{"name": "skeptic"}},
			{Tool: "think", Purpose: "card", Args: map[string]any{"type": "hypothesis", "tags": []string{"counter"}, "blocks": best.id}},
		},
	})
	return signals, actions
}

var tradeoffPattern = regexp.MustCompile(`(?i)\bvs\.?\b`)

func looksLikeTradeoff(c *graph.Card) bool {
	return tradeoffPattern.MatchString(c.Title) || tradeoffPattern.MatchString(c.Text)
}

// bmTradeoffPattern implements BM9: an open question/decision whose title or
// text reads like an "A vs B" tradeoff gets a criteria-matrix suggestion.
// This check emits an action only, no signal, matching the original derivation.
func bmTradeoffPattern(view *graph.View, signals []Signal, actions []Action) ([]Signal, []Action) {
	type candidate struct {
		id string
		c  *graph.Card
	}
	var candidates []candidate
	for _, id := range sortedCardIDs(view, func(c *graph.Card) bool {
		return c.Status == "open" && (c.Type == "question" || c.Type == "decision") && looksLikeTradeoff(c)
	}) {
		candidates = append(candidates, candidate{id: id, c: view.Cards[id]})
	}
	if len(candidates) == 0 {
		return signals, actions
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].c.TsMs != candidates[j].c.TsMs {
			return candidates[i].c.TsMs > candidates[j].c.TsMs
		}
		return candidates[i].id < candidates[j].id
	})
	best := candidates[0]
	actions = append(actions, Action{
		Kind: "use_playbook", Title: "weigh the tradeoff in " + best.id, Priority: PriorityLow, TsMs: best.c.TsMs,
		Suggested: []SuggestedCall{{Tool: "think", Purpose: "playbook", Args: map[string]any{"name": "criteria_matrix"}}},
	})
	return signals, actions
}

// bmStuckNoEvidence implements BM10: if the last 12 trace entries include at
// least 6 think_card writes but none of them look like progress, the agent
// is probably circling without producing evidence.
func bmStuckNoEvidence(trace []TraceEntry, signals []Signal, actions []Action) ([]Signal, []Action) {
	recent := trace
	if len(recent) > 12 {
		recent = recent[len(recent)-12:]
	}
	thinkCards := 0
	hasProgress := false
	var lastTs int64
	for _, e := range recent {
		if e.TsMs > lastTs {
			lastTs = e.TsMs
		}
		if e.Format == "think_card" {
			thinkCards++
		}
		if e.Tool == "jobs" || e.Tool == "vcs" {
			hasProgress = true
		}
	}
	if hasProgress || thinkCards < 6 {
		return signals, actions
	}
	signals = append(signals, Signal{
		Code: "BM10_STUCK_NO_EVIDENCE", Severity: SeverityWarning,
		Message: "many recent reasoning writes with no job or vcs progress", TsMs: lastTs,
	})
	actions = append(actions, Action{
		Kind: "use_playbook", Title: "unstick with a debug or breakthrough playbook", Priority: PriorityMedium, TsMs: lastTs,
		Suggested: []SuggestedCall{
			{Tool: "think", Purpose: "playbook", Args: map[string]any{"name": "debug"}},
			{Tool: "think", Purpose: "playbook", Args: map[string]any{"name": "breakthrough"}},
		},
	})
	return signals, actions
}

const publishWindowMs = 14 * 24 * 60 * 60 * 1000

// bmDraftNotPublished is a supplemental lane-hygiene signal (not one of the
// canonical BM1-BM10 checks): a draft-status decision, pinned or written in
// the last 14 days, that has not yet been published under a CARD-PUB- id.
func bmDraftNotPublished(view *graph.View, signals []Signal, actions []Action) ([]Signal, []Action) {
	published := map[string]bool{}
	for id, c := range view.Cards {
		if strings.HasPrefix(id, "CARD-PUB-") {
			published[strings.TrimPrefix(id, "CARD-PUB-")] = true
			_ = c
		}
	}

	var maxTs int64
	for _, c := range view.Cards {
		if c.TsMs > maxTs {
			maxTs = c.TsMs
		}
	}

	type candidate struct {
		id string
		c  *graph.Card
	}
	var candidates []candidate
	for _, id := range sortedCardIDs(view, func(c *graph.Card) bool {
		return c.Type == "decision" && (c.Status == "draft" || c.Status == "pinned")
	}) {
		c := view.Cards[id]
		if published[id] {
			continue
		}
		recentOrPinned := c.Status == "pinned" || (maxTs-c.TsMs) <= publishWindowMs
		if !recentOrPinned {
			continue
		}
		candidates = append(candidates, candidate{id: id, c: c})
	}
	const cap = 8
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].c.TsMs != candidates[j].c.TsMs {
			return candidates[i].c.TsMs > candidates[j].c.TsMs
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > cap {
		candidates = candidates[:cap]
	}
	for _, cand := range candidates {
		signals = append(signals, Signal{
			Code: "BM_LANE_DECISION_NOT_PUBLISHED", Severity: SeverityInfo,
			Message: "decision " + cand.id + " has not been published as CARD-PUB-" + cand.id, Refs: []string{cand.id}, TsMs: cand.c.TsMs,
		})
		actions = append(actions, Action{
			Kind: "think_publish", Title: "publish decision " + cand.id, Priority: PriorityLow, TsMs: cand.c.TsMs,
			Suggested: []SuggestedCall{{Tool: "think", Purpose: "card", Args: map[string]any{"type": "decision", "id": "CARD-PUB-" + cand.id}}},
		})
	}
	return signals, actions
}

func limitSlice(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
