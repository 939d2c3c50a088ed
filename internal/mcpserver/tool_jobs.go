package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/branchmind-dev/branchmind/internal/scheduler"
)

// handleJobs covers the scheduler surface: create, claim, heartbeat,
// report, cancel, list.
func (s *Server) handleJobs(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}
	op := a.String("op", "list")

	switch op {
	case "list":
		return s.jobsList(workspace, a)
	case "create":
		return s.jobsCreate(workspace, a)
	case "claim":
		return s.jobsClaim(workspace, a)
	case "heartbeat":
		return s.jobsHeartbeat(workspace, a)
	case "report":
		return s.jobsReport(workspace, a)
	case "cancel":
		return s.jobsCancel(workspace, a)
	default:
		return fail(ErrUnknownOp, "unknown jobs op", "valid ops: list, create, claim, heartbeat, report, cancel")
	}
}

func (s *Server) jobsList(workspace string, a Args) *Response {
	taskID := a.String("task_id", "")
	if taskID == "" {
		return fail(ErrInvalidInput, "args.task_id is required", "jobs.list is scoped to one task's jobs")
	}
	jobs, err := scheduler.ListJobsByTask(s.deps.DB, workspace, taskID)
	if err != nil {
		return fail(ErrStoreError, "list jobs", err.Error())
	}
	return ok(map[string]any{"jobs": jobs})
}

func (s *Server) jobsCreate(workspace string, a Args) *Response {
	taskID := a.String("task_id", "")
	stepID := a.String("step_id", "")
	if taskID == "" {
		return fail(ErrInvalidInput, "args.task_id is required", "")
	}
	role := scheduler.Role(a.String("role", string(scheduler.RoleBuilder)))
	priority := scheduler.Priority(a.String("priority", string(scheduler.PriorityNormal)))

	meta := map[string]any{}
	if m, ok := a["meta"].(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	if a.Bool("cascade", false) {
		meta["cascade"] = true
	}

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	job, err := scheduler.CreateJob(tx, workspace, taskID, stepID, role, priority, meta, nowMs())
	if err != nil {
		return fail(ErrStoreError, "create job", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"job": job})
}

func (s *Server) jobsClaim(workspace string, a Args) *Response {
	runnerID := a.String("runner_id", "")
	if runnerID == "" {
		return fail(ErrInvalidInput, "args.runner_id is required", "")
	}
	sliceMs := int64(a.Int("slice_ms", int(s.deps.Config.Scheduler.DefaultSliceS)*1000))
	heartbeatMs := int64(a.Int("heartbeat_ms", s.deps.Config.Scheduler.DefaultHeartbeatMs))

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	job, lease, err := scheduler.ClaimNext(tx, workspace, runnerID, sliceMs, heartbeatMs, nowMs())
	if err != nil {
		if errors.Is(err, scheduler.ErrNoJobAvailable) {
			return ok(map[string]any{"job": nil, "lease": nil})
		}
		return fail(ErrStoreError, "claim job", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"job": job, "lease": lease})
}

func (s *Server) jobsHeartbeat(workspace string, a Args) *Response {
	jobID := a.String("job_id", "")
	runnerID := a.String("runner_id", "")
	claimRevision := int64(a.Int("claim_revision", 0))
	if jobID == "" || runnerID == "" {
		return fail(ErrInvalidInput, "args.job_id and args.runner_id are required", "")
	}
	extendMs := int64(a.Int("extend_ms", s.deps.Config.Scheduler.HeartbeatExtendMs))

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	lease, err := scheduler.Heartbeat(tx, workspace, jobID, runnerID, claimRevision, extendMs, nowMs())
	if err != nil {
		if errors.Is(err, scheduler.ErrLeaseMismatch) {
			return fail(ErrUnknownID, "lease mismatch: job may have been reaped", err.Error())
		}
		return fail(ErrStoreError, "heartbeat", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"lease": lease})
}

func (s *Server) jobsReport(workspace string, a Args) *Response {
	jobID := a.String("job_id", "")
	runnerID := a.String("runner_id", "")
	claimRevision := int64(a.Int("claim_revision", 0))
	kind := a.String("kind", "")
	message := a.String("message", "")
	refs := a.StringSlice("refs")
	if proofRef := a.String("proof_ref", ""); proofRef != "" {
		refs = append(refs, proofRef)
	}
	if jobID == "" || runnerID == "" || kind == "" {
		return fail(ErrInvalidInput, "args.job_id, args.runner_id, and args.kind are required", "")
	}

	job, err := scheduler.GetJob(s.deps.DB, workspace, jobID)
	if err != nil {
		return fail(ErrUnknownID, "job not found", err.Error())
	}

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	if err := scheduler.Report(tx, workspace, job, runnerID, claimRevision, kind, message, refs, nowMs()); err != nil {
		var violation *scheduler.ContractViolation
		if errors.As(err, &violation) {
			resp := fail(ErrContractViolation, fmt.Sprintf("%s contract violation: %s", violation.Role, violation.Reason),
				"fix the reported JSON summary per the hints and report completed again")
			resp.Actions = []Action{{
				Kind:     "cascade_retry_hints",
				Priority: "HIGH",
				Extra:    map[string]any{"role": string(violation.Role), "hints": violation.Hints},
			}}
			return resp
		}
		if errors.Is(err, scheduler.ErrProofRequired) {
			return fail(ErrProofRequired, "this report needs a reference outside the job's own scope before it can be accepted",
				"retry with args.refs (or args.proof_ref) set to a concrete receipt, e.g. CMD:go test ./...")
		}
		if errors.Is(err, scheduler.ErrLeaseMismatch) {
			return fail(ErrUnknownID, "lease mismatch: job may have been reaped", err.Error())
		}
		return fail(ErrStoreError, "report", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"reported": true})
}

func (s *Server) jobsCancel(workspace string, a Args) *Response {
	jobID := a.String("job_id", "")
	if jobID == "" {
		return fail(ErrInvalidInput, "args.job_id is required", "")
	}
	job, err := scheduler.GetJob(s.deps.DB, workspace, jobID)
	if err != nil {
		return fail(ErrUnknownID, "job not found", err.Error())
	}

	tx, err := s.deps.DB.Begin()
	if err != nil {
		return fail(ErrStoreError, "begin tx", err.Error())
	}
	defer tx.Rollback()

	if err := scheduler.CancelJob(tx, workspace, jobID, job.Revision, nowMs()); err != nil {
		return fail(ErrStoreError, "cancel job", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return fail(ErrStoreError, "commit", err.Error())
	}
	return ok(map[string]any{"cancelled": true, "job_id": jobID})
}
