package ids

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ids.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE counters (workspace TEXT, name TEXT, value INTEGER, PRIMARY KEY(workspace, name))`); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNextFormatsPerKind(t *testing.T) {
	db := tempDB(t)
	cases := []struct {
		kind Kind
		want string
	}{
		{KindPlan, "PLAN-001"},
		{KindTask, "TASK-001"},
		{KindStep, "STEP-00000001"},
		{KindJob, "JOB-001"},
		{KindCard, "CARD-001"},
	}
	for _, tc := range cases {
		tx, err := db.Begin()
		if err != nil {
			t.Fatal(err)
		}
		got, err := Next(tx, "ws1", tc.kind)
		if err != nil {
			t.Fatalf("Next(%s): %v", tc.kind, err)
		}
		if got != tc.want {
			t.Errorf("Next(%s) = %q, want %q", tc.kind, got, tc.want)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNextIsMonotoneAndNeverReused(t *testing.T) {
	db := tempDB(t)
	var ids []string
	for i := 0; i < 5; i++ {
		tx, _ := db.Begin()
		id, err := Next(tx, "ws1", KindTask)
		if err != nil {
			t.Fatal(err)
		}
		tx.Commit()
		ids = append(ids, id)
	}
	want := []string{"TASK-001", "TASK-002", "TASK-003", "TASK-004", "TASK-005"}
	for i, w := range want {
		if ids[i] != w {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], w)
		}
	}
}

func TestNextRollbackDoesNotAdvance(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	if _, err := Next(tx, "ws1", KindTask); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	tx2, _ := db.Begin()
	got, err := Next(tx2, "ws1", KindTask)
	if err != nil {
		t.Fatal(err)
	}
	tx2.Commit()
	if got != "TASK-001" {
		t.Errorf("expected rolled-back counter to not advance, got %q", got)
	}
}

func TestNextIsolatedPerWorkspace(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	a, _ := Next(tx, "ws-a", KindPlan)
	tx.Commit()

	tx2, _ := db.Begin()
	b, _ := Next(tx2, "ws-b", KindPlan)
	tx2.Commit()

	if a != "PLAN-001" || b != "PLAN-001" {
		t.Errorf("expected independent counters per workspace, got a=%q b=%q", a, b)
	}
}
