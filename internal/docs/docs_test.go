package docs

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/branchmind-dev/branchmind/internal/store"
)

func tempDocs(t *testing.T) *Docs {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestAppendAndSince(t *testing.T) {
	d := tempDocs(t)
	tx, _ := d.db.Begin()
	if err := d.EnsureBranch(tx, "ws1", "main", "", 0, 1000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := Append(tx, "ws1", "main", "note", "", "agent", map[string]any{"i": i}, 1000); err != nil {
			t.Fatal(err)
		}
	}
	tx.Commit()

	entries, err := d.Since("ws1", "main", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Seq >= entries[1].Seq {
		t.Error("expected ascending seq order")
	}

	more, err := d.Since("ws1", "main", entries[0].Seq, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(more) != 2 {
		t.Fatalf("expected 2 entries after cursor, got %d", len(more))
	}
}

func TestTailNewestFirst(t *testing.T) {
	d := tempDocs(t)
	tx, _ := d.db.Begin()
	d.EnsureBranch(tx, "ws1", "main", "", 0, 1000)
	Append(tx, "ws1", "main", "note", "", "a", map[string]any{"v": 1}, 1000)
	Append(tx, "ws1", "main", "note", "", "a", map[string]any{"v": 2}, 1000)
	tx.Commit()

	tail, err := d.Tail("ws1", "main", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(tail))
	}
	var body map[string]int
	json.Unmarshal(tail[0].Body, &body)
	if body["v"] != 2 {
		t.Errorf("expected most recent entry v=2, got %v", body)
	}
}

func TestBranchOverlayRespectsForkPoint(t *testing.T) {
	d := tempDocs(t)
	tx, _ := d.db.Begin()
	d.EnsureBranch(tx, "ws1", "main", "", 0, 1000)
	Append(tx, "ws1", "main", "note", "", "a", map[string]any{"v": "before-fork"}, 1000)
	tx.Commit()

	baseSeq, _ := d.db.Query(`SELECT MAX(seq) FROM doc_entries WHERE workspace = ? AND branch = ?`, "ws1", "main")
	var forkSeq int64
	baseSeq.Next()
	baseSeq.Scan(&forkSeq)
	baseSeq.Close()

	tx2, _ := d.db.Begin()
	// A write to main after the fork point.
	Append(tx2, "ws1", "main", "note", "", "a", map[string]any{"v": "after-fork"}, 2000)
	d.EnsureBranch(tx2, "ws1", "feature", "main", forkSeq, 2000)
	Append(tx2, "ws1", "feature", "note", "", "a", map[string]any{"v": "on-feature"}, 2000)
	tx2.Commit()

	entries, err := d.Since("ws1", "feature", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 visible entries (before-fork + on-feature), got %d", len(entries))
	}
	var bodies []string
	for _, e := range entries {
		var b map[string]string
		json.Unmarshal(e.Body, &b)
		bodies = append(bodies, b["v"])
	}
	if bodies[0] != "before-fork" || bodies[1] != "on-feature" {
		t.Errorf("unexpected visible entries: %v", bodies)
	}
}
