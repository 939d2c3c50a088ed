package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Anchor is a stable, human-assigned reference point (a component, module,
// or area of the codebase) that knowledge keys and graph cards attach to.
type Anchor struct {
	Workspace   string
	ID          string
	Title       string
	Kind        string
	Status      string
	Description string
	Refs        []string
	Aliases     []string
	ParentID    string
	DependsOn   []string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// UpsertAnchor creates or updates an anchor by caller-supplied id (anchors are
// named by the caller, not minted, since they're meant to be stable,
// human-legible handles like "scheduler" or "viewer-http").
func UpsertAnchor(tx *sql.Tx, workspace, id, title, kind, description string, refs, aliases, dependsOn []string, parentID string, nowMs int64) (*Anchor, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: anchor id is required", ErrInvalidInput)
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}
	aliasesJSON, err := json.Marshal(aliases)
	if err != nil {
		return nil, err
	}
	dependsJSON, err := json.Marshal(dependsOn)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO anchors (workspace, id, title, kind, status, description, refs_json, aliases_json, parent_id, depends_on_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, 'open', ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace, id) DO UPDATE SET
			title = excluded.title, kind = excluded.kind, description = excluded.description,
			refs_json = excluded.refs_json, aliases_json = excluded.aliases_json,
			parent_id = excluded.parent_id, depends_on_json = excluded.depends_on_json,
			updated_at_ms = excluded.updated_at_ms
	`, workspace, id, title, kind, description, string(refsJSON), string(aliasesJSON), nullableText(parentID), string(dependsJSON), nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("store: upsert anchor %s: %w", id, err)
	}

	a := &Anchor{Workspace: workspace, ID: id, Title: title, Kind: kind, Status: "open", Description: description,
		Refs: refs, Aliases: aliases, ParentID: parentID, DependsOn: dependsOn, CreatedAtMs: nowMs, UpdatedAtMs: nowMs}
	if _, err := AppendEvent(tx, workspace, "", "anchor:"+id, "anchor.upserted", nowMs, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAnchor fetches an anchor by id.
func (s *Store) GetAnchor(workspace, id string) (*Anchor, error) {
	row := s.db.QueryRow(`
		SELECT title, kind, status, COALESCE(description, ''), refs_json, aliases_json, COALESCE(parent_id, ''), depends_on_json, created_at_ms, updated_at_ms
		FROM anchors WHERE workspace = ? AND id = ?
	`, workspace, id)
	a := &Anchor{Workspace: workspace, ID: id}
	var refsJSON, aliasesJSON, dependsJSON string
	err := row.Scan(&a.Title, &a.Kind, &a.Status, &a.Description, &refsJSON, &aliasesJSON, &a.ParentID, &dependsJSON, &a.CreatedAtMs, &a.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: anchor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan anchor %s: %w", id, err)
	}
	_ = json.Unmarshal([]byte(refsJSON), &a.Refs)
	_ = json.Unmarshal([]byte(aliasesJSON), &a.Aliases)
	_ = json.Unmarshal([]byte(dependsJSON), &a.DependsOn)
	return a, nil
}

// ListAnchors returns all anchors in a workspace ordered by id.
func (s *Store) ListAnchors(workspace string) ([]*Anchor, error) {
	rows, err := s.db.Query(`SELECT id FROM anchors WHERE workspace = ? ORDER BY id`, workspace)
	if err != nil {
		return nil, fmt.Errorf("store: list anchors: %w", err)
	}
	defer rows.Close()
	var anchorIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		anchorIDs = append(anchorIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Anchor, 0, len(anchorIDs))
	for _, id := range anchorIDs {
		a, err := s.GetAnchor(workspace, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SetKnowledgeKey binds a (anchor, key) pair to a card id, overwriting any
// prior binding. Knowledge keys let the reasoning/graph layer look up "the
// current decision card for anchor X's retry policy" by name instead of id.
func SetKnowledgeKey(tx *sql.Tx, workspace, anchorID, key, cardID string, nowMs int64) error {
	if anchorID == "" || key == "" {
		return fmt.Errorf("%w: anchor id and key are required", ErrInvalidInput)
	}
	_, err := tx.Exec(`
		INSERT INTO knowledge_keys (workspace, anchor_id, key, card_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace, anchor_id, key) DO UPDATE SET card_id = excluded.card_id, updated_at_ms = excluded.updated_at_ms
	`, workspace, anchorID, key, cardID, nowMs, nowMs)
	if err != nil {
		return fmt.Errorf("store: set knowledge key %s/%s: %w", anchorID, key, err)
	}
	_, err = AppendEvent(tx, workspace, "", "anchor:"+anchorID, "knowledge_key.set", nowMs, map[string]any{
		"anchor_id": anchorID, "key": key, "card_id": cardID,
	})
	return err
}

// GetKnowledgeKey resolves a (anchor, key) pair to its current card id.
func (s *Store) GetKnowledgeKey(workspace, anchorID, key string) (string, error) {
	var cardID string
	err := s.db.QueryRow(`SELECT card_id FROM knowledge_keys WHERE workspace = ? AND anchor_id = ? AND key = ?`,
		workspace, anchorID, key).Scan(&cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: knowledge key %s/%s: %w", anchorID, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("store: get knowledge key %s/%s: %w", anchorID, key, err)
	}
	return cardID, nil
}

// SetFocus records the workspace's single current focus id (a task, plan, or
// card id the operator is actively working).
func SetFocus(tx *sql.Tx, workspace, focusID string, nowMs int64) error {
	_, err := tx.Exec(`
		INSERT INTO focus (workspace, focus_id, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET focus_id = excluded.focus_id, updated_at_ms = excluded.updated_at_ms
	`, workspace, focusID, nowMs)
	if err != nil {
		return fmt.Errorf("store: set focus: %w", err)
	}
	_, err = AppendEvent(tx, workspace, "", "focus", "focus.set", nowMs, map[string]any{"focus_id": focusID})
	return err
}

// GetFocus returns the workspace's current focus id, or "" if unset.
func (s *Store) GetFocus(workspace string) (string, error) {
	var focusID string
	err := s.db.QueryRow(`SELECT focus_id FROM focus WHERE workspace = ?`, workspace).Scan(&focusID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get focus: %w", err)
	}
	return focusID, nil
}
