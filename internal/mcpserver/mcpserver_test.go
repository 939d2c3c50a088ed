package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/docs"
	"github.com/branchmind-dev/branchmind/internal/graph"
	"github.com/branchmind-dev/branchmind/internal/reasoningref"
	"github.com/branchmind-dev/branchmind/internal/scheduler"
	"github.com/branchmind-dev/branchmind/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := docs.EnsureSchema(db); err != nil {
		t.Fatalf("docs schema: %v", err)
	}
	if err := graph.EnsureSchema(db); err != nil {
		t.Fatalf("graph schema: %v", err)
	}
	if err := reasoningref.EnsureSchema(db); err != nil {
		t.Fatalf("reasoningref schema: %v", err)
	}
	if err := scheduler.EnsureSchema(db); err != nil {
		t.Fatalf("scheduler schema: %v", err)
	}

	st := store.New(db)
	if err := st.EnsureWorkspace("ws1", 1000); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}

	cfg := &config.Config{
		Workspace: config.Workspace{Default: "ws1"},
		Scheduler: config.Scheduler{DefaultSliceS: 1800, DefaultHeartbeatMs: 30_000, HeartbeatExtendMs: 30_000},
		Reasoning: config.Reasoning{SignalsLimit: 20, ActionsLimit: 10},
	}

	deps := &Deps{DB: db, Store: st, Docs: docs.New(db), Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	return New(deps)
}

func callTool(t *testing.T, s *Server, tool string, args map[string]any) *Response {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return s.Dispatch(context.Background(), Request{Tool: tool, Args: raw})
}

func TestDispatchUnknownTool(t *testing.T) {
	s := testServer(t)
	resp := callTool(t, s, "nonsense", nil)
	if resp.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if resp.Error.Code != ErrUnknownTool {
		t.Errorf("expected %s, got %s", ErrUnknownTool, resp.Error.Code)
	}
}

func TestStatusReturnsWorkspaceSnapshot(t *testing.T) {
	s := testServer(t)
	resp := callTool(t, s, "status", nil)
	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["workspace"] != "ws1" {
		t.Errorf("expected workspace ws1, got %v", result["workspace"])
	}
}

func TestTasksCreatePlanThenCreateTask(t *testing.T) {
	s := testServer(t)

	planResp := callTool(t, s, "tasks", map[string]any{"op": "create_plan", "title": "Ship v1"})
	if !planResp.Success {
		t.Fatalf("create_plan failed: %+v", planResp.Error)
	}
	plan := planResp.Result.(map[string]any)["plan"].(*store.Plan)

	taskResp := callTool(t, s, "tasks", map[string]any{"op": "create_task", "plan_id": plan.ID, "title": "Write the handler"})
	if !taskResp.Success {
		t.Fatalf("create_task failed: %+v", taskResp.Error)
	}
	task := taskResp.Result.(map[string]any)["task"].(*store.Task)
	if task.ParentPlanID != plan.ID {
		t.Errorf("expected task to belong to plan %s, got %s", plan.ID, task.ParentPlanID)
	}

	listResp := callTool(t, s, "tasks", map[string]any{"op": "list", "plan_id": plan.ID})
	if !listResp.Success {
		t.Fatalf("list failed: %+v", listResp.Error)
	}
	tasks := listResp.Result.(map[string]any)["tasks"].([]*store.Task)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestTasksCompleteStepRequiresConfirmation(t *testing.T) {
	s := testServer(t)

	taskResp := callTool(t, s, "tasks", map[string]any{"op": "create_task", "title": "A task"})
	task := taskResp.Result.(map[string]any)["task"].(*store.Task)

	stepResp := callTool(t, s, "tasks", map[string]any{"op": "create_step", "task_id": task.ID, "title": "Step 1"})
	if !stepResp.Success {
		t.Fatalf("create_step failed: %+v", stepResp.Error)
	}
	step := stepResp.Result.(map[string]any)["step"].(*store.Step)

	completeResp := callTool(t, s, "tasks", map[string]any{"op": "complete_step", "task_id": task.ID, "step_id": step.StepID})
	if completeResp.Success {
		t.Fatal("expected complete_step to fail without confirmations")
	}
	if completeResp.Error.Code != ErrCheckpointsNotConfirmed {
		t.Errorf("expected CHECKPOINTS_NOT_CONFIRMED, got %s", completeResp.Error.Code)
	}

	confirmResp := callTool(t, s, "tasks", map[string]any{"op": "confirm", "which": "criteria", "task_id": task.ID, "step_id": step.StepID})
	if !confirmResp.Success {
		t.Fatalf("confirm criteria failed: %+v", confirmResp.Error)
	}
	confirmResp = callTool(t, s, "tasks", map[string]any{"op": "confirm", "which": "tests", "task_id": task.ID, "step_id": step.StepID})
	if !confirmResp.Success {
		t.Fatalf("confirm tests failed: %+v", confirmResp.Error)
	}

	completeResp = callTool(t, s, "tasks", map[string]any{"op": "complete_step", "task_id": task.ID, "step_id": step.StepID})
	if !completeResp.Success {
		t.Fatalf("expected complete_step to succeed once confirmed: %+v", completeResp.Error)
	}
}

func TestJobsCreateClaimAndReportRequiresProofForHighPriority(t *testing.T) {
	s := testServer(t)

	taskResp := callTool(t, s, "tasks", map[string]any{"op": "create_task", "title": "A task"})
	task := taskResp.Result.(map[string]any)["task"].(*store.Task)

	createResp := callTool(t, s, "jobs", map[string]any{"op": "create", "task_id": task.ID, "priority": "HIGH"})
	if !createResp.Success {
		t.Fatalf("create job failed: %+v", createResp.Error)
	}
	job := createResp.Result.(map[string]any)["job"].(*scheduler.Job)

	claimResp := callTool(t, s, "jobs", map[string]any{"op": "claim", "runner_id": "runner-a"})
	if !claimResp.Success {
		t.Fatalf("claim failed: %+v", claimResp.Error)
	}
	lease := claimResp.Result.(map[string]any)["lease"].(*scheduler.Lease)

	badReport := callTool(t, s, "jobs", map[string]any{
		"op": "report", "job_id": job.ID, "runner_id": "runner-a",
		"claim_revision": lease.ClaimRevision, "kind": "completed", "message": "finished",
	})
	if badReport.Success {
		t.Fatal("expected report without proof_ref to fail for a HIGH priority job")
	}
	if badReport.Error.Code != ErrProofRequired {
		t.Errorf("expected PROOF_REQUIRED, got %s", badReport.Error.Code)
	}

	goodReport := callTool(t, s, "jobs", map[string]any{
		"op": "report", "job_id": job.ID, "runner_id": "runner-a",
		"claim_revision": lease.ClaimRevision, "kind": "completed", "message": "finished",
		"proof_ref": "CMD:go test ./...",
	})
	if !goodReport.Success {
		t.Fatalf("expected report with a real proof_ref to succeed: %+v", goodReport.Error)
	}
}

func TestDocsAppendAndTail(t *testing.T) {
	s := testServer(t)

	appendResp := callTool(t, s, "docs", map[string]any{"op": "append", "kind": "note", "body": map[string]any{"text": "hello"}})
	if !appendResp.Success {
		t.Fatalf("append failed: %+v", appendResp.Error)
	}

	tailResp := callTool(t, s, "docs", map[string]any{"op": "tail", "limit": 10})
	if !tailResp.Success {
		t.Fatalf("tail failed: %+v", tailResp.Error)
	}
	entries := tailResp.Result.(map[string]any)["entries"].([]docs.Entry)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestVCSBranchListIncludesMain(t *testing.T) {
	s := testServer(t)
	resp := callTool(t, s, "vcs", map[string]any{"op": "branch_list"})
	if !resp.Success {
		t.Fatalf("branch_list failed: %+v", resp.Error)
	}
	branches := resp.Result.(map[string]any)["branches"].([]docs.Branch)
	if len(branches) != 1 || branches[0].Name != "main" {
		t.Fatalf("expected exactly [main], got %v", branches)
	}
}

func TestThinkDeriveReturnsEnvelope(t *testing.T) {
	s := testServer(t)
	resp := callTool(t, s, "think", nil)
	if !resp.Success {
		t.Fatalf("think failed: %+v", resp.Error)
	}
}

func TestWorkspaceListAndEnsure(t *testing.T) {
	s := testServer(t)
	ensureResp := callTool(t, s, "workspace", map[string]any{"op": "ensure", "name": "ws2"})
	if !ensureResp.Success {
		t.Fatalf("ensure failed: %+v", ensureResp.Error)
	}
	listResp := callTool(t, s, "workspace", map[string]any{"op": "list"})
	if !listResp.Success {
		t.Fatalf("list failed: %+v", listResp.Error)
	}
	workspaces := listResp.Result.(map[string]any)["workspaces"].([]store.Workspace)
	if len(workspaces) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(workspaces))
	}
}

func TestSystemAbout(t *testing.T) {
	s := testServer(t)
	resp := callTool(t, s, "system", map[string]any{"op": "about"})
	if !resp.Success {
		t.Fatalf("about failed: %+v", resp.Error)
	}
}
