package reasoningref

import (
	"path/filepath"
	"testing"

	"github.com/branchmind-dev/branchmind/internal/store"
)

func tempDB(t *testing.T) *store.Store {
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
	return store.New(db)
}

func TestEnsureIsIdempotent(t *testing.T) {
	s := tempDB(t)

	tx, _ := s.DB().Begin()
	first, err := Ensure(tx, "ws1", "main", 1000)
	if err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	tx2, _ := s.DB().Begin()
	second, err := Ensure(tx2, "ws1", "main", 2000)
	if err != nil {
		t.Fatal(err)
	}
	tx2.Commit()

	if first != second {
		t.Errorf("expected Ensure to be idempotent, got %+v then %+v", first, second)
	}
	if first.NotesDoc != "main" || first.GraphDoc != "main/graph" || first.TraceDoc != "main/trace" {
		t.Errorf("unexpected default ref: %+v", first)
	}
}

func TestGetNotFound(t *testing.T) {
	s := tempDB(t)
	if _, err := Get(s.DB(), "ws1", "missing"); err == nil {
		t.Error("expected ErrNotFound for missing branch")
	}
}
