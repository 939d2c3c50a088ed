// Package scheduler implements the job scheduler & lease engine (C7): jobs
// are created QUEUED (there is no NEW status) and move QUEUED -> RUNNING ->
// DONE|FAILED|CANCELLED|BLOCKED, runners
// claim a job under a time-boxed lease, extend it with heartbeats, and
// report progress or completion; a stall reaper reclaims jobs whose lease
// expired without a heartbeat. HIGH-priority jobs additionally require a
// non-placeholder CMD:/LINK:/FILE: reference before a completed or
// checkpoint report is accepted (the proof gate); lower priorities accept
// any reference that resolves outside the reporting job's own scope. Jobs
// that opt into a cascade pipeline (meta.cascade = true) have their
// completed report's JSON summary checked against their role's artifact
// contract before the job is allowed to finish.
package scheduler

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/branchmind-dev/branchmind/internal/ids"
	"github.com/branchmind-dev/branchmind/internal/store"
)

var (
	ErrNotFound       = errors.New("scheduler: not found")
	ErrLeaseMismatch  = errors.New("scheduler: lease mismatch")
	ErrNoJobAvailable = errors.New("scheduler: no job available")
	ErrProofRequired  = errors.New("scheduler: proof reference required before this report is accepted")
	ErrContractViolation = errors.New("scheduler: cascade contract violation")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	task_id TEXT NOT NULL DEFAULT '',
	step_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'builder',
	priority TEXT NOT NULL DEFAULT 'NORMAL',
	status TEXT NOT NULL DEFAULT 'QUEUED',
	retries INTEGER NOT NULL DEFAULT 0,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS job_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace TEXT NOT NULL,
	job_id TEXT NOT NULL,
	claim_revision INTEGER NOT NULL,
	kind TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	refs_json TEXT NOT NULL DEFAULT '[]',
	meta_json TEXT NOT NULL DEFAULT '{}',
	ts_ms INTEGER NOT NULL,
	UNIQUE (workspace, job_id, dedup_key)
);

CREATE TABLE IF NOT EXISTS runner_leases (
	workspace TEXT NOT NULL,
	runner_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	active_job_id TEXT,
	claim_revision INTEGER NOT NULL DEFAULT 0,
	heartbeat_at_ms INTEGER NOT NULL DEFAULT 0,
	expires_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, runner_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(workspace, status, id);
CREATE INDEX IF NOT EXISTS idx_runner_leases_active_job ON runner_leases(workspace, active_job_id);
`

// EnsureSchema creates the scheduler's tables if absent.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("scheduler: create schema: %w", err)
	}
	return nil
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusBlocked   Status = "BLOCKED"
)

// Priority gates the proof requirement: HIGH needs a non-placeholder
// CMD:/LINK:/FILE: reference before a job can be reported completed or
// checkpointed; lower priorities accept a broader class of references.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Role names the cascade pipeline stage this job plays. Scout jobs get a
// hard-capped slice/heartbeat so a stalled scout is reaped quickly, and
// (when the job opts into cascade enforcement) each role's completed report
// is checked against that role's artifact contract.
type Role string

const (
	RoleScout     Role = "scout"
	RoleBuilder   Role = "builder"
	RoleValidator Role = "validator"
	RoleWriter    Role = "writer"
)

// Kind is the JobEvent kind a caller reports. No job_events row of kind
// queued, claimed or heartbeat is written by this package: CreateJob and
// ClaimNext record job.created/job.claimed in the global event log only, and
// Heartbeat records nothing. Callers of Report use the rest.
type Kind string

const (
	KindQueued     Kind = "queued"
	KindClaimed    Kind = "claimed"
	KindHeartbeat  Kind = "heartbeat"
	KindProgress   Kind = "progress"
	KindCheckpoint Kind = "checkpoint"
	KindQuestion   Kind = "question"
	KindAnswer     Kind = "answer"
	KindError      Kind = "error"
	KindRenew      Kind = "renew"
	KindReport     Kind = "report"
	KindCompleted  Kind = "completed"
	KindCancelled  Kind = "cancelled"
	kindBlocked    Kind = "blocked" // local extension, not part of the JobEvent kind vocabulary
)

// LeaseStatus is a runner's observable state: idle (registered, holding no
// job), running (actively leasing active_job_id), or offline (its lease
// expired and was reaped).
type LeaseStatus string

const (
	LeaseIdle    LeaseStatus = "idle"
	LeaseRunning LeaseStatus = "running"
	LeaseOffline LeaseStatus = "offline"
)

// Job is one unit of scheduled work.
type Job struct {
	Workspace   string
	ID          string
	Revision    int64
	TaskID      string
	StepID      string
	Role        Role
	Priority    Priority
	Status      Status
	Retries     int
	Meta        map[string]any
	CreatedAtMs int64
	UpdatedAtMs int64
}

// CascadeEnabled reports whether this job declared meta.cascade = true,
// opting its completed report into this role's artifact contract check.
func (j *Job) CascadeEnabled() bool {
	if j == nil || j.Meta == nil {
		return false
	}
	v, _ := j.Meta["cascade"].(bool)
	return v
}

func encodeMeta(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("scheduler: encode job meta: %w", err)
	}
	return string(raw), nil
}

func decodeMeta(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

// CreateJob mints a job id, inserts it in QUEUED state, and appends a
// job.created event. meta is persisted verbatim (e.g. {"cascade": true} to
// opt this job's completed report into its role's artifact contract).
func CreateJob(tx *sql.Tx, workspace, taskID, stepID string, role Role, priority Priority, meta map[string]any, nowMs int64) (*Job, error) {
	id, err := ids.Next(tx, workspace, ids.KindJob)
	if err != nil {
		return nil, err
	}
	j := &Job{Workspace: workspace, ID: id, Revision: 1, TaskID: taskID, StepID: stepID, Role: role, Priority: priority,
		Status: StatusQueued, Meta: meta, CreatedAtMs: nowMs, UpdatedAtMs: nowMs}

	payload, err := encodeMeta(meta)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`
		INSERT INTO jobs (workspace, id, revision, task_id, step_id, role, priority, status, payload_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, workspace, id, j.Revision, taskID, stepID, string(role), string(priority), string(j.Status), payload, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("scheduler: insert job %s: %w", id, err)
	}
	if _, err := store.AppendEvent(tx, workspace, taskID, "job:"+id, "job.created", nowMs, j); err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob fetches a job by id.
func GetJob(db *sql.DB, workspace, id string) (*Job, error) {
	row := db.QueryRow(`SELECT revision, task_id, step_id, role, priority, status, retries, payload_json, created_at_ms, updated_at_ms
		FROM jobs WHERE workspace = ? AND id = ?`, workspace, id)
	j := &Job{Workspace: workspace, ID: id}
	var role, priority, status, payload string
	err := row.Scan(&j.Revision, &j.TaskID, &j.StepID, &role, &priority, &status, &j.Retries, &payload, &j.CreatedAtMs, &j.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduler: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: scan job %s: %w", id, err)
	}
	j.Role, j.Priority, j.Status = Role(role), Priority(priority), Status(status)
	j.Meta = decodeMeta(payload)
	return j, nil
}

// ListJobsByTask lists every job belonging to a task, oldest first.
func ListJobsByTask(db *sql.DB, workspace, taskID string) ([]*Job, error) {
	rows, err := db.Query(`SELECT id, revision, task_id, step_id, role, priority, status, retries, payload_json, created_at_ms, updated_at_ms
		FROM jobs WHERE workspace = ? AND task_id = ? ORDER BY id`, workspace, taskID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list jobs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := &Job{Workspace: workspace}
		var role, priority, status, payload string
		if err := rows.Scan(&j.ID, &j.Revision, &j.TaskID, &j.StepID, &role, &priority, &status, &j.Retries, &payload, &j.CreatedAtMs, &j.UpdatedAtMs); err != nil {
			return nil, err
		}
		j.Role, j.Priority, j.Status = Role(role), Priority(priority), Status(status)
		j.Meta = decodeMeta(payload)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Lease is the at-most-one claim a runner holds. It is keyed by runner, not
// by job: a runner idles between jobs, and Status/ActiveJobID track which
// job (if any) it currently holds.
type Lease struct {
	Workspace     string
	RunnerID      string
	Status        LeaseStatus
	ActiveJobID   string
	ClaimRevision int64
	HeartbeatAtMs int64
	ExpiresAtMs   int64
}

// LeaseCounts aggregates runner lease status across a workspace: the data
// behind a "runners=live:L idle:I offline:O" summary line.
func LeaseCounts(db *sql.DB, workspace string) (map[LeaseStatus]int, error) {
	out := map[LeaseStatus]int{LeaseIdle: 0, LeaseRunning: 0, LeaseOffline: 0}
	rows, err := db.Query(`SELECT status, COUNT(*) FROM runner_leases WHERE workspace = ? GROUP BY status`, workspace)
	if err != nil {
		return nil, fmt.Errorf("scheduler: lease counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[LeaseStatus(status)] = n
	}
	return out, rows.Err()
}

// RunnerStatus returns the lease status for a specific runner, or
// LeaseOffline if it has never claimed a lease in this workspace.
func RunnerStatus(db *sql.DB, workspace, runnerID string) (LeaseStatus, error) {
	var status string
	err := db.QueryRow(`SELECT status FROM runner_leases WHERE workspace = ? AND runner_id = ?`, workspace, runnerID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("scheduler: runner status: %w", err)
	}
	return LeaseStatus(status), nil
}

// SliceHeartbeatCaps enforces the hard ceilings on slice/heartbeat duration
// for scout-role jobs: slice <= 60s, heartbeat <= 10s, so a scout can never
// hold a lease as long as a normal job without checking in.
func SliceHeartbeatCaps(role Role, sliceMs, heartbeatMs int64) (int64, int64) {
	if role == RoleScout {
		if sliceMs > 60_000 {
			sliceMs = 60_000
		}
		if heartbeatMs > 10_000 {
			heartbeatMs = 10_000
		}
	}
	return sliceMs, heartbeatMs
}

// ClaimNext atomically claims the oldest QUEUED job (by id order, which is
// creation order) for runnerID, moving it to RUNNING and pointing the
// runner's lease at it. Returns ErrNoJobAvailable if nothing is queued.
func ClaimNext(tx *sql.Tx, workspace, runnerID string, sliceMs, heartbeatMs int64, nowMs int64) (*Job, *Lease, error) {
	row := tx.QueryRow(`SELECT id, revision, task_id, step_id, role, priority, retries, payload_json, created_at_ms, updated_at_ms
		FROM jobs WHERE workspace = ? AND status = ? ORDER BY id LIMIT 1`, workspace, string(StatusQueued))

	j := &Job{Workspace: workspace, Status: StatusRunning}
	var role, priority, payload string
	err := row.Scan(&j.ID, &j.Revision, &j.TaskID, &j.StepID, &role, &priority, &j.Retries, &payload, &j.CreatedAtMs, &j.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: claim query: %w", err)
	}
	j.Role, j.Priority = Role(role), Priority(priority)
	j.Meta = decodeMeta(payload)

	_, heartbeatMs = SliceHeartbeatCaps(j.Role, sliceMs, heartbeatMs)

	res, err := tx.Exec(`UPDATE jobs SET status = ?, revision = revision + 1, updated_at_ms = ? WHERE workspace = ? AND id = ? AND revision = ?`,
		string(StatusRunning), nowMs, workspace, j.ID, j.Revision)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, fmt.Errorf("scheduler: job %s claimed concurrently: %w", j.ID, ErrLeaseMismatch)
	}
	j.Revision++
	j.Status = StatusRunning

	lease := &Lease{Workspace: workspace, RunnerID: runnerID, Status: LeaseRunning, ActiveJobID: j.ID,
		ClaimRevision: j.Revision, HeartbeatAtMs: nowMs, ExpiresAtMs: nowMs + heartbeatMs}
	_, err = tx.Exec(`
		INSERT INTO runner_leases (workspace, runner_id, status, active_job_id, claim_revision, heartbeat_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace, runner_id) DO UPDATE SET status = excluded.status, active_job_id = excluded.active_job_id,
			claim_revision = excluded.claim_revision, heartbeat_at_ms = excluded.heartbeat_at_ms, expires_at_ms = excluded.expires_at_ms
	`, workspace, runnerID, string(LeaseRunning), j.ID, lease.ClaimRevision, nowMs, lease.ExpiresAtMs)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: upsert lease for %s: %w", j.ID, err)
	}

	if _, err := store.AppendEvent(tx, workspace, j.TaskID, "job:"+j.ID, "job.claimed", nowMs, map[string]any{
		"job_id": j.ID, "runner_id": runnerID, "claim_revision": lease.ClaimRevision,
	}); err != nil {
		return nil, nil, err
	}
	return j, lease, nil
}

// Heartbeat extends a held lease, verifying the caller still holds the
// claim (matching runner, job, and claim revision).
func Heartbeat(tx *sql.Tx, workspace, jobID, runnerID string, claimRevision int64, extendMs int64, nowMs int64) (*Lease, error) {
	var status string
	var activeJobID sql.NullString
	err := tx.QueryRow(`SELECT status, active_job_id FROM runner_leases WHERE workspace = ? AND runner_id = ? AND claim_revision = ?`,
		workspace, runnerID, claimRevision).Scan(&status, &activeJobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduler: no lease for runner %s at revision %d: %w", runnerID, claimRevision, ErrLeaseMismatch)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: heartbeat query: %w", err)
	}
	if status != string(LeaseRunning) || !activeJobID.Valid || activeJobID.String != jobID {
		return nil, fmt.Errorf("scheduler: job %s not held by runner %s: %w", jobID, runnerID, ErrLeaseMismatch)
	}

	newExpires := nowMs + extendMs
	_, err = tx.Exec(`UPDATE runner_leases SET heartbeat_at_ms = ?, expires_at_ms = ? WHERE workspace = ? AND runner_id = ? AND claim_revision = ?`,
		nowMs, newExpires, workspace, runnerID, claimRevision)
	if err != nil {
		return nil, fmt.Errorf("scheduler: heartbeat update: %w", err)
	}
	return &Lease{Workspace: workspace, RunnerID: runnerID, Status: LeaseRunning, ActiveJobID: jobID,
		ClaimRevision: claimRevision, HeartbeatAtMs: nowMs, ExpiresAtMs: newExpires}, nil
}

var proofRefPattern = regexp.MustCompile(`^(CMD|LINK|FILE):(.+)$`)
var placeholderPattern = regexp.MustCompile(`(?i)^(todo|tbd|xxx|\.\.\.|<.*>)$`)
var cardTaskRefPattern = regexp.MustCompile(`^(CARD|TASK)-[A-Za-z0-9_-]+$`)
var notesRefPattern = regexp.MustCompile(`^notes@\d+$`)

// ValidProofRef reports whether ref is a non-placeholder CMD:/LINK:/FILE:
// reference, per the HIGH-priority proof gate.
func ValidProofRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	m := proofRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return false
	}
	body := strings.TrimSpace(m[2])
	if body == "" || placeholderPattern.MatchString(body) {
		return false
	}
	return true
}

// refResolvesOutsideScope reports whether ref is a CMD:/LINK:/FILE: proof or
// a CARD-*/TASK-*/notes@seq cross-reference: something that points outside
// the reporting job/event's own scope, satisfying the proof gate for
// priorities below HIGH.
func refResolvesOutsideScope(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	return ValidProofRef(ref) || cardTaskRefPattern.MatchString(ref) || notesRefPattern.MatchString(ref)
}

func anyValidProofRef(refs []string) bool {
	for _, r := range refs {
		if ValidProofRef(r) {
			return true
		}
	}
	return false
}

func anyRefResolvesOutsideScope(refs []string) bool {
	for _, r := range refs {
		if refResolvesOutsideScope(r) {
			return true
		}
	}
	return false
}

// Report records a progress or completion event for a job under an
// idempotency key derived from (kind, message), so a retried report with
// identical content is a no-op rather than a duplicate event.
//
// completed and checkpoint reports pass through the proof gate: HIGH
// priority needs a non-placeholder CMD:/LINK:/FILE: ref; lower priorities
// accept any ref that resolves outside the job's own scope (a CMD/LINK/FILE
// proof, or a CARD-*/TASK-*/notes@seq cross-reference). A completed report
// on a job with meta.cascade = true is additionally checked against its
// role's artifact contract before the job is allowed to finish.
func Report(tx *sql.Tx, workspace string, job *Job, runnerID string, claimRevision int64, kind, message string, refs []string, nowMs int64) error {
	var leaseStatus string
	var activeJobID sql.NullString
	err := tx.QueryRow(`SELECT status, active_job_id FROM runner_leases WHERE workspace = ? AND runner_id = ? AND claim_revision = ?`,
		workspace, runnerID, claimRevision).Scan(&leaseStatus, &activeJobID)
	if errors.Is(err, sql.ErrNoRows) || leaseStatus != string(LeaseRunning) || !activeJobID.Valid || activeJobID.String != job.ID {
		return fmt.Errorf("scheduler: report for job %s: %w", job.ID, ErrLeaseMismatch)
	}
	if err != nil {
		return fmt.Errorf("scheduler: report lease check: %w", err)
	}

	k := Kind(kind)

	switch k {
	case KindCompleted, KindCheckpoint:
		if job.Priority == PriorityHigh {
			if !anyValidProofRef(refs) {
				return ErrProofRequired
			}
		} else if !anyRefResolvesOutsideScope(refs) {
			return ErrProofRequired
		}
	}

	if k == KindCompleted && job.CascadeEnabled() {
		if violation := validateCascadeReport(job.Role, message); violation != nil {
			return violation
		}
	}

	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("scheduler: encode refs: %w", err)
	}

	dedupKey := dedupKeyFor(kind, message)
	res, err := tx.Exec(`
		INSERT INTO job_events (workspace, job_id, claim_revision, kind, dedup_key, message, refs_json, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace, job_id, dedup_key) DO NOTHING
	`, workspace, job.ID, claimRevision, kind, dedupKey, message, string(refsJSON), nowMs)
	if err != nil {
		return fmt.Errorf("scheduler: insert job event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate report, already recorded
	}

	var newStatus Status
	switch k {
	case KindCompleted:
		newStatus = StatusDone
	case KindError:
		newStatus = StatusFailed
	case KindCancelled:
		newStatus = StatusCancelled
	case kindBlocked:
		newStatus = StatusBlocked
	default:
		newStatus = "" // progress/checkpoint/question/answer report, no status change
	}
	if newStatus != "" {
		if _, err := tx.Exec(`UPDATE jobs SET status = ?, revision = revision + 1, updated_at_ms = ? WHERE workspace = ? AND id = ?`,
			string(newStatus), nowMs, workspace, job.ID); err != nil {
			return fmt.Errorf("scheduler: update job status: %w", err)
		}
	}
	if k == KindCompleted || k == KindError || k == KindCancelled {
		if _, err := tx.Exec(`UPDATE runner_leases SET status = ?, active_job_id = NULL WHERE workspace = ? AND runner_id = ? AND active_job_id = ?`,
			string(LeaseIdle), workspace, runnerID, job.ID); err != nil {
			return fmt.Errorf("scheduler: release lease for %s: %w", job.ID, err)
		}
	}

	_, err = store.AppendEvent(tx, workspace, job.TaskID, "job:"+job.ID, "job.reported", nowMs, map[string]any{
		"job_id": job.ID, "kind": kind, "message": message, "refs": refs,
	})
	return err
}

func dedupKeyFor(kind, message string) string {
	sum := sha256.Sum256([]byte(kind + "|" + message))
	return hex.EncodeToString(sum[:])
}

// ReapStalled finds RUNNING jobs whose lease expired before nowMs without a
// heartbeat, requeues them (if under maxRetries) or fails them, moves the
// runner's lease to offline, and appends a synthetic error JobEvent with
// reason=stall recording what happened. Returns the ids of jobs it acted on.
func ReapStalled(tx *sql.Tx, workspace string, nowMs int64, maxRetries int) ([]string, error) {
	rows, err := tx.Query(`
		SELECT j.id, j.revision, j.retries, l.runner_id, l.claim_revision FROM jobs j
		JOIN runner_leases l ON l.workspace = j.workspace AND l.active_job_id = j.id
		WHERE j.workspace = ? AND j.status = ? AND l.status = ? AND l.expires_at_ms < ?
	`, workspace, string(StatusRunning), string(LeaseRunning), nowMs)
	if err != nil {
		return nil, fmt.Errorf("scheduler: reap query: %w", err)
	}
	type stalled struct {
		id            string
		revision      int64
		retries       int
		runnerID      string
		claimRevision int64
	}
	var jobs []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.id, &s.revision, &s.retries, &s.runnerID, &s.claimRevision); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var acted []string
	for _, s := range jobs {
		nextStatus := StatusQueued
		nextRetries := s.retries + 1
		if nextRetries > maxRetries {
			nextStatus = StatusFailed
		}
		_, err := tx.Exec(`UPDATE jobs SET status = ?, retries = ?, revision = revision + 1, updated_at_ms = ? WHERE workspace = ? AND id = ? AND revision = ?`,
			string(nextStatus), nextRetries, nowMs, workspace, s.id, s.revision)
		if err != nil {
			return nil, fmt.Errorf("scheduler: reap update %s: %w", s.id, err)
		}
		if _, err := tx.Exec(`UPDATE runner_leases SET status = ?, active_job_id = NULL WHERE workspace = ? AND runner_id = ?`,
			string(LeaseOffline), workspace, s.runnerID); err != nil {
			return nil, fmt.Errorf("scheduler: reap offline lease %s: %w", s.runnerID, err)
		}

		dedupKey := dedupKeyFor("error", fmt.Sprintf("stall:%s:%d", s.id, nowMs))
		metaJSON, _ := json.Marshal(map[string]any{"reason": "stall", "runner_id": s.runnerID, "next_status": string(nextStatus)})
		if _, err := tx.Exec(`
			INSERT INTO job_events (workspace, job_id, claim_revision, kind, dedup_key, message, meta_json, ts_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workspace, job_id, dedup_key) DO NOTHING
		`, workspace, s.id, s.claimRevision, string(KindError), dedupKey, "lease expired without a heartbeat", string(metaJSON), nowMs); err != nil {
			return nil, fmt.Errorf("scheduler: reap insert stall event %s: %w", s.id, err)
		}

		if _, err := store.AppendEvent(tx, workspace, "", "job:"+s.id, "job.stalled", nowMs, map[string]any{
			"job_id": s.id, "runner_id": s.runnerID, "next_status": nextStatus,
		}); err != nil {
			return nil, err
		}
		acted = append(acted, s.id)
	}
	return acted, nil
}

// CancelJob moves a job to CANCELLED regardless of its current status,
// returning any runner lease holding it to idle.
func CancelJob(tx *sql.Tx, workspace, jobID string, expectedRevision int64, nowMs int64) error {
	res, err := tx.Exec(`UPDATE jobs SET status = ?, revision = revision + 1, updated_at_ms = ? WHERE workspace = ? AND id = ? AND revision = ?`,
		string(StatusCancelled), nowMs, workspace, jobID, expectedRevision)
	if err != nil {
		return fmt.Errorf("scheduler: cancel job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler: cancel job %s: %w", jobID, ErrNotFound)
	}
	if _, err := tx.Exec(`UPDATE runner_leases SET status = ?, active_job_id = NULL WHERE workspace = ? AND active_job_id = ?`,
		string(LeaseIdle), workspace, jobID); err != nil {
		return fmt.Errorf("scheduler: cancel release lease %s: %w", jobID, err)
	}
	_, err = store.AppendEvent(tx, workspace, "", "job:"+jobID, "job.cancelled", nowMs, map[string]any{"job_id": jobID})
	return err
}
