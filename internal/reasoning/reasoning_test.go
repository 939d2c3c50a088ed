package reasoning

import (
	"testing"

	"github.com/branchmind-dev/branchmind/internal/graph"
)

func card(id, typ, title, status string, tags []string, tsMs int64) *graph.Card {
	return &graph.Card{ID: id, Type: typ, Title: title, Status: status, Tags: graph.NormalizeTags(tags), TsMs: tsMs}
}

func TestDeriveReturnsNilWhenLimitsZero(t *testing.T) {
	v := &graph.View{Cards: map[string]*graph.Card{}}
	if got := Derive(v, nil, Limits{}); got != nil {
		t.Errorf("expected nil result with zero limits, got %+v", got)
	}
}

func TestDeriveContradiction(t *testing.T) {
	v := &graph.View{Cards: map[string]*graph.Card{
		"CARD-001": card("CARD-001", "hypothesis", "h", "open", nil, 1000),
		"CARD-002": card("CARD-002", "evidence", "supports", "open", nil, 900),
		"CARD-003": card("CARD-003", "evidence", "blocks", "open", nil, 900),
	}, Edges: []graph.Edge{
		{From: "CARD-002", To: "CARD-001", Type: "supports", TsMs: 900},
		{From: "CARD-003", To: "CARD-001", Type: "blocks", TsMs: 900},
	}}

	result := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 6})
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	found := false
	for _, s := range result.Signals {
		if s.Code == "BM1_CONTRADICTION_SUPPORTS_BLOCKS" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected BM1 contradiction signal, got %+v", result.Signals)
	}
}

func TestDeriveHypothesisNoTest(t *testing.T) {
	v := &graph.View{Cards: map[string]*graph.Card{
		"CARD-001": card("CARD-001", "hypothesis", "h", "open", nil, 1000),
	}}
	result := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 6})
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result.Signals[0].Code != "BM4_HYPOTHESIS_NO_TEST" {
		t.Errorf("expected BM4_HYPOTHESIS_NO_TEST as top signal, got %s", result.Signals[0].Code)
	}
}

func TestDeriveSignalOrdering(t *testing.T) {
	v := &graph.View{Cards: map[string]*graph.Card{
		"CARD-001": card("CARD-001", "hypothesis", "h1", "open", nil, 1000), // BM4 no-test -> high
		"CARD-002": card("CARD-002", "decision", "A vs B tradeoff", "open", nil, 500),
	}}
	result := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 8})
	if result == nil || len(result.Signals) == 0 {
		t.Fatal("expected signals")
	}
	for i := 1; i < len(result.Signals); i++ {
		prevRank := severityRank[result.Signals[i-1].Severity]
		curRank := severityRank[result.Signals[i].Severity]
		if prevRank < curRank {
			t.Errorf("signals not sorted by severity desc: %+v", result.Signals)
		}
	}
}

func TestDeriveTruncatesAndSetsFlag(t *testing.T) {
	cards := map[string]*graph.Card{}
	for i := 0; i < 20; i++ {
		id := "CARD-" + string(rune('A'+i))
		cards[id] = card(id, "hypothesis", "h", "open", nil, int64(i))
	}
	v := &graph.View{Cards: cards}
	result := Derive(v, nil, Limits{SignalsLimit: 3, ActionsLimit: 3})
	if result == nil {
		t.Fatal("expected result")
	}
	if len(result.Signals) != 3 {
		t.Errorf("expected 3 signals after cap, got %d", len(result.Signals))
	}
	if !result.Truncated {
		t.Error("expected truncated flag to be set")
	}
	if result.SignalsTotal <= 3 {
		t.Errorf("expected signals_total to reflect pre-cap count, got %d", result.SignalsTotal)
	}
}

func TestDeriveIsPureAndDeterministic(t *testing.T) {
	v := &graph.View{Cards: map[string]*graph.Card{
		"CARD-001": card("CARD-001", "hypothesis", "h", "open", nil, 1000),
	}}
	a := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 6})
	b := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 6})
	if len(a.Signals) != len(b.Signals) || a.Signals[0].Code != b.Signals[0].Code {
		t.Errorf("expected identical derivation across repeated calls: %+v vs %+v", a, b)
	}
}

func TestBmStuckNoEvidenceRequiresSixRecentThinkCards(t *testing.T) {
	var trace []TraceEntry
	for i := 0; i < 5; i++ {
		trace = append(trace, TraceEntry{Tool: "think", Format: "think_card", TsMs: int64(i)})
	}
	v := &graph.View{Cards: map[string]*graph.Card{}}
	result := Derive(v, trace, Limits{SignalsLimit: 8, ActionsLimit: 6})
	if result != nil {
		for _, s := range result.Signals {
			if s.Code == "BM10_STUCK_NO_EVIDENCE" {
				t.Error("expected no BM10 signal with only 5 think_cards")
			}
		}
	}

	trace = append(trace, TraceEntry{Tool: "think", Format: "think_card", TsMs: 6})
	result = Derive(v, trace, Limits{SignalsLimit: 8, ActionsLimit: 6})
	found := false
	if result != nil {
		for _, s := range result.Signals {
			if s.Code == "BM10_STUCK_NO_EVIDENCE" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected BM10 signal once 6 think_cards accumulate with no progress tool calls")
	}
}

func TestBmDraftNotPublished(t *testing.T) {
	v := &graph.View{Cards: map[string]*graph.Card{
		"CARD-001": card("CARD-001", "decision", "d", "pinned", nil, 1000),
	}}
	result := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 6})
	found := false
	for _, s := range result.Signals {
		if s.Code == "BM_LANE_DECISION_NOT_PUBLISHED" {
			found = true
		}
	}
	if !found {
		t.Error("expected BM_LANE_DECISION_NOT_PUBLISHED for unpublished pinned decision")
	}

	v.Cards["CARD-PUB-CARD-001"] = card("CARD-PUB-CARD-001", "decision", "d", "open", nil, 1100)
	result2 := Derive(v, nil, Limits{SignalsLimit: 8, ActionsLimit: 6})
	for _, s := range result2.Signals {
		if s.Code == "BM_LANE_DECISION_NOT_PUBLISHED" {
			t.Error("expected no draft-not-published signal once CARD-PUB- exists")
		}
	}
}
