package scheduler

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

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
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure scheduler schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO workspaces (workspace, created_at_ms) VALUES ('ws1', 1)`); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	return db
}

func TestCreateClaimHeartbeatReportCompleted(t *testing.T) {
	db := tempDB(t)

	tx, _ := db.Begin()
	job, err := CreateJob(tx, "ws1", "TASK-001", "STEP-1", RoleBuilder, PriorityHigh, nil, 1000)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, err := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.ID != job.ID || claimed.Status != StatusRunning {
		t.Fatalf("expected claimed job %s running, got %+v", job.ID, claimed)
	}
	tx.Commit()

	tx, _ = db.Begin()
	if _, err := Heartbeat(tx, "ws1", job.ID, "runner-a", lease.ClaimRevision, 5_000, 3000); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	tx.Commit()

	tx, _ = db.Begin()
	err = Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), "finished", []string{"CMD:TODO"}, 4000)
	if !errors.Is(err, ErrProofRequired) {
		t.Fatalf("expected ErrProofRequired for placeholder ref, got %v", err)
	}
	tx.Rollback()

	tx, _ = db.Begin()
	if err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), "finished", []string{"CMD:go test ./..."}, 4000); err != nil {
		t.Fatalf("Report: %v", err)
	}
	tx.Commit()

	got, err := GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusDone {
		t.Errorf("expected job done, got %s", got.Status)
	}

	status, err := RunnerStatus(db, "ws1", "runner-a")
	if err != nil {
		t.Fatalf("RunnerStatus: %v", err)
	}
	if status != LeaseIdle {
		t.Errorf("expected runner-a released to idle after completion, got %s", status)
	}
}

func TestReportIsIdempotentUnderDuplicateDedupKey(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	_, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	for i := 0; i < 3; i++ {
		tx, _ = db.Begin()
		if err := Report(tx, "ws1", job, "runner-a", lease.ClaimRevision, string(KindProgress), "halfway", nil, 3000); err != nil {
			t.Fatalf("Report #%d: %v", i, err)
		}
		tx.Commit()
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM job_events WHERE workspace = 'ws1' AND job_id = ?`, job.ID).Scan(&count); err != nil {
		t.Fatalf("count job_events: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one deduplicated job event, got %d", count)
	}
}

func TestClaimNextReturnsErrNoJobAvailable(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	_, _, err := ClaimNext(tx, "ws1", "runner-a", 1000, 1000, 1000)
	tx.Rollback()
	if !errors.Is(err, ErrNoJobAvailable) {
		t.Errorf("expected ErrNoJobAvailable, got %v", err)
	}
}

func TestScoutSliceAndHeartbeatAreCapped(t *testing.T) {
	slice, heartbeat := SliceHeartbeatCaps(RoleScout, 600_000, 60_000)
	if slice != 60_000 {
		t.Errorf("expected scout slice capped at 60s, got %d", slice)
	}
	if heartbeat != 10_000 {
		t.Errorf("expected scout heartbeat capped at 10s, got %d", heartbeat)
	}

	slice, heartbeat = SliceHeartbeatCaps(RoleBuilder, 600_000, 60_000)
	if slice != 600_000 || heartbeat != 60_000 {
		t.Errorf("expected builder caps unchanged, got slice=%d heartbeat=%d", slice, heartbeat)
	}
}

func TestValidProofRef(t *testing.T) {
	valid := []string{"CMD:go test ./...", "LINK:https://ci.example/run/42", "FILE:internal/store/store.go"}
	for _, v := range valid {
		if !ValidProofRef(v) {
			t.Errorf("expected %q to be a valid proof ref", v)
		}
	}
	invalid := []string{"", "CMD:", "CMD:TODO", "CMD:<fill-in>", "plain text", "LINK:..."}
	for _, v := range invalid {
		if ValidProofRef(v) {
			t.Errorf("expected %q to be rejected as a proof ref", v)
		}
	}
}

func TestHeartbeatRejectsWrongRunner(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	_, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	tx, _ = db.Begin()
	_, err := Heartbeat(tx, "ws1", job.ID, "runner-b", lease.ClaimRevision, 5_000, 3000)
	tx.Rollback()
	if !errors.Is(err, ErrLeaseMismatch) {
		t.Errorf("expected ErrLeaseMismatch for wrong runner, got %v", err)
	}
}

func TestReapStalledRequeuesThenFails(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	ClaimNext(tx, "ws1", "runner-a", 30_000, 1_000, 2000) // expires at 3000
	tx.Commit()

	tx, _ = db.Begin()
	acted, err := ReapStalled(tx, "ws1", 10_000, 1)
	if err != nil {
		t.Fatalf("ReapStalled: %v", err)
	}
	tx.Commit()
	if len(acted) != 1 || acted[0] != job.ID {
		t.Fatalf("expected job %s reaped, got %v", job.ID, acted)
	}
	got, _ := GetJob(db, "ws1", job.ID)
	if got.Status != StatusQueued || got.Retries != 1 {
		t.Fatalf("expected requeued with 1 retry, got status=%s retries=%d", got.Status, got.Retries)
	}

	tx, _ = db.Begin()
	ClaimNext(tx, "ws1", "runner-b", 30_000, 1_000, 11_000) // expires at 12000
	tx.Commit()

	tx, _ = db.Begin()
	acted, err = ReapStalled(tx, "ws1", 20_000, 1)
	if err != nil {
		t.Fatalf("ReapStalled #2: %v", err)
	}
	tx.Commit()
	if len(acted) != 1 {
		t.Fatalf("expected second reap to act, got %v", acted)
	}
	got, _ = GetJob(db, "ws1", job.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected job failed after exceeding max retries, got %s", got.Status)
	}
}

// TestReapStalledEmitsErrorEventAndOfflineLease covers scenario S2: a
// stalled job is requeued, its runner's lease goes offline with no active
// job, and the job gets a synthetic error JobEvent with reason=stall.
func TestReapStalledEmitsErrorEventAndOfflineLease(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	ClaimNext(tx, "ws1", "runner-a", 30_000, 1_000, 2000) // expires at 3000
	tx.Commit()

	tx, _ = db.Begin()
	if _, err := ReapStalled(tx, "ws1", 10_000, 3); err != nil {
		t.Fatalf("ReapStalled: %v", err)
	}
	tx.Commit()

	got, err := GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected the job requeued, got status=%s", got.Status)
	}

	status, err := RunnerStatus(db, "ws1", "runner-a")
	if err != nil {
		t.Fatalf("RunnerStatus: %v", err)
	}
	if status != LeaseOffline {
		t.Errorf("expected runner-a lease offline after stall, got %s", status)
	}
	var activeJobID sql.NullString
	if err := db.QueryRow(`SELECT active_job_id FROM runner_leases WHERE workspace = 'ws1' AND runner_id = 'runner-a'`).Scan(&activeJobID); err != nil {
		t.Fatalf("scan active_job_id: %v", err)
	}
	if activeJobID.Valid {
		t.Errorf("expected active_job_id null after stall, got %q", activeJobID.String)
	}

	var kind, metaJSON string
	err = db.QueryRow(`SELECT kind, meta_json FROM job_events WHERE workspace = 'ws1' AND job_id = ? ORDER BY seq DESC LIMIT 1`, job.ID).
		Scan(&kind, &metaJSON)
	if err != nil {
		t.Fatalf("scan last job event: %v", err)
	}
	if kind != string(KindError) {
		t.Errorf("expected last JobEvent kind=error, got %s", kind)
	}
	if !strContains(metaJSON, `"reason":"stall"`) {
		t.Errorf("expected meta_json to carry reason=stall, got %s", metaJSON)
	}
}

func strContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return len(needle) == 0
}

// TestReportHighPriorityRejectsCardRefAlone covers scenario S3: a
// HIGH-priority completed report backed only by a CARD-* reference is
// rejected, since CARD-* alone doesn't satisfy the HIGH proof gate.
func TestReportHighPriorityRejectsCardRefAlone(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityHigh, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	tx, _ = db.Begin()
	err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), "done", []string{"CARD-42"}, 3000)
	tx.Rollback()
	if !errors.Is(err, ErrProofRequired) {
		t.Fatalf("expected ErrProofRequired for CARD-* alone at HIGH priority, got %v", err)
	}

	got, err := GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("expected job unchanged at RUNNING after rejected report, got %s", got.Status)
	}
}

func TestReportNormalPriorityAcceptsCardRef(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	_, _ = CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	tx, _ = db.Begin()
	err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), "done", []string{"CARD-42"}, 3000)
	if err != nil {
		t.Fatalf("expected CARD-42 to satisfy the NORMAL-priority proof gate, got %v", err)
	}
	tx.Commit()
}

func TestReportCheckpointAlsoGoesThroughProofGate(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	_, _ = CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityHigh, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	tx, _ = db.Begin()
	err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCheckpoint), "halfway done", nil, 3000)
	tx.Rollback()
	if !errors.Is(err, ErrProofRequired) {
		t.Fatalf("expected checkpoint report at HIGH priority to require proof, got %v", err)
	}
}

func TestReportCascadeScoutContractRejectsThinSummary(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleScout, PriorityNormal, map[string]any{"cascade": true}, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	tx, _ = db.Begin()
	err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), `{"objective":"look around"}`, []string{"CARD-1"}, 3000)
	tx.Rollback()
	var violation *ContractViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected *ContractViolation for a thin scout summary, got %v", err)
	}
	if violation.Role != RoleScout {
		t.Errorf("expected violation.Role scout, got %s", violation.Role)
	}
	if len(violation.Hints) == 0 {
		t.Errorf("expected at least one retry hint")
	}

	got, err := GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("expected job unchanged at RUNNING after contract violation, got %s", got.Status)
	}
}

func TestReportCascadeScoutContractAcceptsCompleteSummary(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	job, _ := CreateJob(tx, "ws1", "TASK-001", "", RoleScout, PriorityNormal, map[string]any{"cascade": true}, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	hash := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	summary := "The scout reviewed the scheduler's lease model and the runner's report path to find where the proof " +
		"gate and the cascade contract checks need to plug in, and proposes validating the JSON summary before a job " +
		"is marked done so that downstream builder and writer stages always receive a well-formed handoff document."
	message := `{
		"objective": "map the scheduler report path",
		"scope": {"in": ["internal/scheduler"], "out": ["internal/runner"]},
		"code_refs": [
			"code:internal/scheduler/scheduler.go#L1-L10@sha256:` + hash + `",
			"code:internal/scheduler/scheduler.go#L20-L30@sha256:` + hash + `",
			"code:internal/scheduler/cascade.go#L1-L10@sha256:` + hash + `"
		],
		"anchors": [
			{"id": "a1", "rationale": "report entrypoint"},
			{"id": "a2", "rationale": "reap entrypoint"},
			{"id": "a3", "rationale": "cascade entrypoint"}
		],
		"change_hints": [
			{"path": "internal/scheduler/scheduler.go", "intent": "gate", "risk": "medium"},
			{"path": "internal/scheduler/cascade.go", "intent": "validate", "risk": "low"}
		],
		"test_hints": ["report gate test", "cascade contract test"],
		"risk_map": [
			{"risk": "gate too strict", "falsifier": "normal job reports completed without proof"},
			{"risk": "contract too strict", "falsifier": "builder reports completed with a normal changes batch"}
		],
		"summary_for_builder": "` + summary + `"
	}`

	tx, _ = db.Begin()
	if err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), message, []string{"CARD-1"}, 3000); err != nil {
		t.Fatalf("expected a complete scout summary to pass its contract, got %v", err)
	}
	tx.Commit()

	got, err := GetJob(db, "ws1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusDone {
		t.Errorf("expected job done, got %s", got.Status)
	}
}

func TestReportNonCascadeJobSkipsContractCheck(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	_, _ = CreateJob(tx, "ws1", "TASK-001", "", RoleScout, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	claimed, lease, _ := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	tx.Commit()

	tx, _ = db.Begin()
	if err := Report(tx, "ws1", claimed, "runner-a", lease.ClaimRevision, string(KindCompleted), "plain text summary", []string{"CARD-1"}, 3000); err != nil {
		t.Fatalf("expected a non-cascade scout job to skip the contract check, got %v", err)
	}
	tx.Commit()
}

func TestClaimNextTransitionsLeaseToRunning(t *testing.T) {
	db := tempDB(t)
	tx, _ := db.Begin()
	_, _ = CreateJob(tx, "ws1", "TASK-001", "", RoleBuilder, PriorityNormal, nil, 1000)
	tx.Commit()

	tx, _ = db.Begin()
	_, _, err := ClaimNext(tx, "ws1", "runner-a", 30_000, 5_000, 2000)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	tx.Commit()

	status, err := RunnerStatus(db, "ws1", "runner-a")
	if err != nil {
		t.Fatalf("RunnerStatus: %v", err)
	}
	if status != LeaseRunning {
		t.Errorf("expected runner-a running after claim, got %s", status)
	}

	counts, err := LeaseCounts(db, "ws1")
	if err != nil {
		t.Fatalf("LeaseCounts: %v", err)
	}
	if counts[LeaseRunning] != 1 {
		t.Errorf("expected 1 running lease, got %+v", counts)
	}
}
