package runner

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/scheduler"
	"github.com/branchmind-dev/branchmind/internal/store"
)

func tempDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := scheduler.EnsureSchema(db); err != nil {
		t.Fatalf("ensure scheduler schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO workspaces (workspace, created_at_ms) VALUES ('ws1', 1)`); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewExecutorDefaultsToNoop(t *testing.T) {
	exec, err := NewExecutor(config.Runner{})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if exec.Name() != "noop" {
		t.Fatalf("expected noop executor, got %s", exec.Name())
	}
}

func TestNewExecutorRejectsUnknownKind(t *testing.T) {
	if _, err := NewExecutor(config.Runner{Executor: "something-else"}); err == nil {
		t.Fatal("expected error for unknown executor kind")
	}
}

func TestBuildArgvSubstitutesPlaceholders(t *testing.T) {
	job := &scheduler.Job{ID: "JOB-1", TaskID: "TASK-1", StepID: "STEP-1", Role: scheduler.RoleBuilder}
	argv, err := buildArgv("echo {job_id} {task_id} {role}", job)
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	want := []string{"echo", "JOB-1", "TASK-1", "builder"}
	if len(argv) != len(want) {
		t.Fatalf("expected %v, got %v", want, argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBuildArgvRejectsUnsupportedPlaceholder(t *testing.T) {
	job := &scheduler.Job{ID: "JOB-1"}
	if _, err := buildArgv("echo {unknown_field}", job); err == nil {
		t.Fatal("expected error for unsupported placeholder")
	}
}

func TestBuildArgvRejectsEmptyTemplate(t *testing.T) {
	job := &scheduler.Job{ID: "JOB-1"}
	if _, err := buildArgv("   ", job); err == nil {
		t.Fatal("expected error for empty executor_cmd")
	}
}

func TestRunOnceReturnsNoJobAvailableOnEmptyQueue(t *testing.T) {
	db := tempDB(t)
	noop, _ := NewExecutor(config.Runner{})
	r := New(db, config.Runner{RunnerID: "runner-a"}, config.Scheduler{DefaultSliceS: 1800, DefaultHeartbeatMs: 30_000, HeartbeatExtendMs: 30_000}, noop, discardLogger())

	err := r.RunOnce(context.Background(), "ws1")
	if !errors.Is(err, scheduler.ErrNoJobAvailable) {
		t.Fatalf("expected ErrNoJobAvailable, got %v", err)
	}
}

func TestRunOnceClaimsRunsAndReportsDone(t *testing.T) {
	db := tempDB(t)

	tx, _ := db.Begin()
	job, err := scheduler.CreateJob(tx, "ws1", "TASK-001", "STEP-1", scheduler.RoleBuilder, scheduler.PriorityNormal, nil, 1000)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tx.Commit()

	noop, _ := NewExecutor(config.Runner{})
	r := New(db, config.Runner{RunnerID: "runner-a"}, config.Scheduler{DefaultSliceS: 1800, DefaultHeartbeatMs: 30_000, HeartbeatExtendMs: 30_000}, noop, discardLogger())

	if err := r.RunOnce(context.Background(), "ws1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := scheduler.GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != scheduler.StatusDone {
		t.Fatalf("expected job status done, got %s", got.Status)
	}
}

type failingExecutor struct{}

func (failingExecutor) Name() string { return "failing" }
func (failingExecutor) Run(ctx context.Context, job *scheduler.Job) (string, string, error) {
	return "", "", errors.New("boom")
}

func TestRunOnceReportsFailureWhenExecutorErrors(t *testing.T) {
	db := tempDB(t)

	tx, _ := db.Begin()
	job, err := scheduler.CreateJob(tx, "ws1", "TASK-002", "STEP-1", scheduler.RoleBuilder, scheduler.PriorityNormal, nil, 1000)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tx.Commit()

	r := New(db, config.Runner{RunnerID: "runner-a"}, config.Scheduler{DefaultSliceS: 1800, DefaultHeartbeatMs: 30_000, HeartbeatExtendMs: 30_000}, failingExecutor{}, discardLogger())

	if err := r.RunOnce(context.Background(), "ws1"); err != nil {
		t.Fatalf("RunOnce should report the failure rather than return it: %v", err)
	}

	got, err := scheduler.GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != scheduler.StatusFailed {
		t.Fatalf("expected job status failed, got %s", got.Status)
	}
}

func TestReapOnceRequeuesStalledJob(t *testing.T) {
	db := tempDB(t)

	tx, _ := db.Begin()
	job, err := scheduler.CreateJob(tx, "ws1", "TASK-003", "STEP-1", scheduler.RoleBuilder, scheduler.PriorityNormal, nil, 1000)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tx.Commit()

	tx, _ = db.Begin()
	if _, _, err := scheduler.ClaimNext(tx, "ws1", "runner-a", 1, 1, 1000); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	tx.Commit()

	acted, err := ReapOnce(db, "ws1", 3)
	if err != nil {
		t.Fatalf("ReapOnce: %v", err)
	}
	if len(acted) != 1 || acted[0] != job.ID {
		t.Fatalf("expected job %s to be reaped, got %v", job.ID, acted)
	}

	got, err := scheduler.GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != scheduler.StatusQueued {
		t.Fatalf("expected requeued job to be QUEUED again, got %s", got.Status)
	}
}

func TestLoopDrainsQueueThenStopsOnCancel(t *testing.T) {
	db := tempDB(t)

	for i := 0; i < 3; i++ {
		tx, _ := db.Begin()
		if _, err := scheduler.CreateJob(tx, "ws1", "TASK-LOOP", "STEP-1", scheduler.RoleBuilder, scheduler.PriorityNormal, nil, 1000); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		tx.Commit()
	}

	noop, _ := NewExecutor(config.Runner{})
	r := New(db, config.Runner{RunnerID: "runner-a"}, config.Scheduler{DefaultSliceS: 1800, DefaultHeartbeatMs: 30_000, HeartbeatExtendMs: 30_000}, noop, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Loop(ctx, "ws1", time.Millisecond, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		jobs, err := scheduler.ListJobsByTask(db, "ws1", "TASK-LOOP")
		if err != nil {
			t.Fatalf("ListJobsByTask: %v", err)
		}
		allDone := len(jobs) == 3
		for _, j := range jobs {
			if j.Status != scheduler.StatusDone {
				allDone = false
			}
		}
		if allDone {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs did not drain in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not return after ctx cancel")
	}
}

// ensure startHeartbeat doesn't panic or deadlock when stopped immediately.
func TestStartHeartbeatStopsCleanly(t *testing.T) {
	db := tempDB(t)
	noop, _ := NewExecutor(config.Runner{})
	r := New(db, config.Runner{RunnerID: "runner-a"}, config.Scheduler{HeartbeatExtendMs: 50}, noop, discardLogger())

	stop := r.startHeartbeat(context.Background(), "ws1", "JOB-nonexistent", 1)
	time.Sleep(10 * time.Millisecond)
	stop()
}
