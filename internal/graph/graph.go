// Package graph projects the doc layer's think_card-formatted note entries
// into a derived card/edge view (C5). Cards and edges are never stored
// directly: they are reduced, last-write-wins per card id, from the
// append-only doc_entries stream docs.Docs maintains. anchor_links is the
// one persisted table this package owns, indexing which cards an anchor
// currently points at for fast lookup.
package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/branchmind-dev/branchmind/internal/docs"
)

const schema = `
CREATE TABLE IF NOT EXISTS anchor_links (
	workspace TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	card_id TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, anchor_id, card_id)
);
`

// EnsureSchema creates the graph package's own tables if absent.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("graph: create schema: %w", err)
	}
	return nil
}

// Card is a reasoning-graph node: a hypothesis, decision, test, evidence,
// question, or assumption, identified by CARD-nnn.
type Card struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"` // hypothesis, decision, test, evidence, question, assumption
	Title  string         `json:"title"`
	Status string         `json:"status"` // open, pinned, closed, draft
	Tags   []string       `json:"tags"`
	Text   string         `json:"text"`
	Meta   map[string]any `json:"meta,omitempty"`
	TsMs   int64          `json:"ts_ms"`
	Seq    int64          `json:"-"` // doc_entries seq this card was last written at
}

// Edge is a reasoning-graph edge: supports or blocks, always from one card
// to another.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"` // supports, blocks
	TsMs int64  `json:"ts_ms"`
	Seq  int64  `json:"-"`
}

// View is a reduced snapshot of the graph at a point in the doc stream.
type View struct {
	Cards map[string]*Card
	Edges []Edge
	AsOf  int64 // the highest doc_entries seq folded into this view
}

type cardEnvelope struct {
	Op   string    `json:"op"` // "card" or "edge"
	Card *cardBody `json:"card,omitempty"`
	Edge *edgeBody `json:"edge,omitempty"`
}

type cardBody struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Status string         `json:"status"`
	Tags   []string       `json:"tags"`
	Text   string         `json:"text"`
	Meta   map[string]any `json:"meta"`
}

type edgeBody struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Reduce folds a stream of docs.Entry (expected to already be filtered to
// kind=note, format=think_card by the caller; filtered here defensively too)
// into a View, last-write-wins per card id and de-duplicated per edge. The
// entry with the highest seq wins, so entries may arrive in either order.
func Reduce(entries []docs.Entry) *View {
	v := &View{Cards: map[string]*Card{}}
	edgeSeen := map[string]int{}

	for _, e := range entries {
		if e.Kind != "note" || e.Format != "think_card" {
			continue
		}
		var env cardEnvelope
		if err := json.Unmarshal(e.Body, &env); err != nil {
			continue // a malformed think_card entry is skipped, not fatal to the whole reduction
		}
		if e.Seq > v.AsOf {
			v.AsOf = e.Seq
		}

		switch {
		case env.Card != nil:
			if prev, ok := v.Cards[env.Card.ID]; ok && prev.Seq > e.Seq {
				continue
			}
			c := &Card{
				ID:     env.Card.ID,
				Type:   env.Card.Type,
				Title:  env.Card.Title,
				Status: env.Card.Status,
				Tags:   NormalizeTags(env.Card.Tags),
				Text:   env.Card.Text,
				Meta:   env.Card.Meta,
				TsMs:   e.TsMs,
				Seq:    e.Seq,
			}
			v.Cards[c.ID] = c
		case env.Edge != nil:
			key := env.Edge.Type + "|" + env.Edge.From + "|" + env.Edge.To
			if idx, ok := edgeSeen[key]; ok {
				if e.Seq > v.Edges[idx].Seq {
					v.Edges[idx].TsMs = e.TsMs
					v.Edges[idx].Seq = e.Seq
				}
				continue
			}
			edgeSeen[key] = len(v.Edges)
			v.Edges = append(v.Edges, Edge{From: env.Edge.From, To: env.Edge.To, Type: env.Edge.Type, TsMs: e.TsMs, Seq: e.Seq})
		}
	}
	return v
}

// NormalizeTags lowercases, trims, dedupes, and sorts tags so that tag sets
// compare equal regardless of write order or casing (used by graph diffing
// and by the reasoning engine's tag checks).
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// QueryFilter narrows a View's cards by type, status, and/or tag.
type QueryFilter struct {
	Type   string
	Status string
	Tag    string
	Since  int64 // exclusive: only cards with Seq > Since
	Limit  int
}

// QueryResult pairs the filtered cards with the view's high-water seq so
// callers can pass it back as the next Since cursor.
type QueryResult struct {
	Cards   []*Card
	Cursor  int64
	HasMore bool
}

// Query returns cards matching filter, sorted by id, capped at Limit.
func Query(v *View, filter QueryFilter) QueryResult {
	var matched []*Card
	for _, c := range v.Cards {
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Since > 0 && c.Seq <= filter.Since {
			continue
		}
		if filter.Tag != "" && !containsTag(c.Tags, filter.Tag) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	result := QueryResult{Cursor: v.AsOf}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		result.Cards = matched[:filter.Limit]
		result.HasMore = true
	} else {
		result.Cards = matched
	}
	return result
}

func containsTag(tags []string, tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DiffResult reports cards added, removed, or changed between two views.
// Tag-set changes are ignored when the normalized tag sets are equal, so
// reordering or re-casing tags on a card does not register as a change.
type DiffResult struct {
	Added   []*Card
	Removed []*Card
	Changed []*Card
}

func Diff(before, after *View) DiffResult {
	var d DiffResult
	for id, a := range after.Cards {
		b, ok := before.Cards[id]
		if !ok {
			d.Added = append(d.Added, a)
			continue
		}
		if cardsSemanticallyEqual(b, a) {
			continue
		}
		d.Changed = append(d.Changed, a)
	}
	for id, b := range before.Cards {
		if _, ok := after.Cards[id]; !ok {
			d.Removed = append(d.Removed, b)
		}
	}
	sortCards(d.Added)
	sortCards(d.Removed)
	sortCards(d.Changed)
	return d
}

func sortCards(cards []*Card) {
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
}

func cardsSemanticallyEqual(a, b *Card) bool {
	if a.Type != b.Type || a.Title != b.Title || a.Status != b.Status || a.Text != b.Text {
		return false
	}
	at, bt := NormalizeTags(a.Tags), NormalizeTags(b.Tags)
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		if at[i] != bt[i] {
			return false
		}
	}
	return true
}

// LinkAnchor records that anchorID currently points at cardID.
func LinkAnchor(tx *sql.Tx, workspace, anchorID, cardID string, nowMs int64) error {
	_, err := tx.Exec(`
		INSERT INTO anchor_links (workspace, anchor_id, card_id, created_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace, anchor_id, card_id) DO NOTHING
	`, workspace, anchorID, cardID, nowMs)
	if err != nil {
		return fmt.Errorf("graph: link anchor %s to card %s: %w", anchorID, cardID, err)
	}
	return nil
}

// CardsForAnchor returns the ids of cards linked to an anchor.
func CardsForAnchor(db *sql.DB, workspace, anchorID string) ([]string, error) {
	rows, err := db.Query(`SELECT card_id FROM anchor_links WHERE workspace = ? AND anchor_id = ? ORDER BY card_id`, workspace, anchorID)
	if err != nil {
		return nil, fmt.Errorf("graph: cards for anchor %s: %w", anchorID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
