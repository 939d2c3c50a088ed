// Package runner drives the background job runner: it claims queued jobs
// from the scheduler, hands each to a configurable external executor
// (a real CLI agent, or a no-op for tests/dry-runs), heartbeats the lease
// while the executor runs, and reports the outcome back.
package runner

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/dispatch"
	"github.com/branchmind-dev/branchmind/internal/scheduler"
)

// Executor runs one job to completion and returns a proof reference
// (CMD:/LINK:/FILE:) describing what it did.
type Executor interface {
	Run(ctx context.Context, job *scheduler.Job) (output, proofRef string, err error)
	Name() string
}

// NewExecutor builds the executor named by cfg.Executor.
func NewExecutor(cfg config.Runner) (Executor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Executor)) {
	case "", "noop":
		return noopExecutor{}, nil
	case "codex", "claude-code":
		return &commandExecutor{name: cfg.Executor, cmd: cfg.ExecutorCmd}, nil
	default:
		return nil, fmt.Errorf("runner: unknown executor %q", cfg.Executor)
	}
}

// noopExecutor reports every job done immediately, useful for dry runs and
// for driving the scheduler in tests without spawning a real agent.
type noopExecutor struct{}

func (noopExecutor) Name() string { return "noop" }

func (noopExecutor) Run(ctx context.Context, job *scheduler.Job) (string, string, error) {
	return "noop executor: job accepted", fmt.Sprintf("CMD:noop --job=%s", job.ID), nil
}

var supportedPlaceholders = map[string]struct{}{
	"{job_id}":  {},
	"{task_id}": {},
	"{step_id}": {},
	"{role}":    {},
}

var placeholderMatcher = regexp.MustCompile(`\{[^}]+\}`)

// commandExecutor shells out to an external CLI agent, substituting
// job-identifying placeholders into its configured argv template.
type commandExecutor struct {
	name string
	cmd  string
}

func (c *commandExecutor) Name() string { return c.name }

// buildArgv validates the configured command template and substitutes the
// job's identifying fields into it.
func buildArgv(template string, job *scheduler.Job) ([]string, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, fmt.Errorf("runner: executor_cmd is empty")
	}

	substitutions := map[string]string{
		"{job_id}":  job.ID,
		"{task_id}": job.TaskID,
		"{step_id}": job.StepID,
		"{role}":    string(job.Role),
	}

	argv := make([]string, 0, len(fields))
	for i, raw := range fields {
		for _, match := range placeholderMatcher.FindAllString(raw, -1) {
			if _, ok := supportedPlaceholders[match]; !ok {
				return nil, fmt.Errorf("runner: unsupported placeholder %q in executor_cmd argument %d", match, i)
			}
		}
		arg := raw
		for ph, value := range substitutions {
			arg = strings.ReplaceAll(arg, ph, value)
		}
		argv = append(argv, arg)
	}
	return argv, nil
}

func (c *commandExecutor) Run(ctx context.Context, job *scheduler.Job) (string, string, error) {
	argv, err := buildArgv(c.cmd, job)
	if err != nil {
		return "", "", err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output := stdout.String()
	if runErr != nil {
		return output, "", fmt.Errorf("runner: executor %s failed: %w (stderr: %s)", c.name, runErr, strings.TrimSpace(stderr.String()))
	}
	return output, fmt.Sprintf("CMD:%s", strings.Join(argv, " ")), nil
}

// Runner repeatedly claims a job, runs it through its Executor, and reports
// the outcome, heartbeating the lease for the executor's duration.
type Runner struct {
	db       *sql.DB
	cfg      config.Runner
	sched    config.Scheduler
	executor Executor
	logger   *slog.Logger
}

// New builds a Runner against the shared store connection.
func New(db *sql.DB, cfg config.Runner, schedCfg config.Scheduler, executor Executor, logger *slog.Logger) *Runner {
	return &Runner{db: db, cfg: cfg, sched: schedCfg, executor: executor, logger: logger}
}

// RunOnce claims the next queued job in workspace and drives it to
// completion. Returns scheduler.ErrNoJobAvailable (unwrapped by the caller
// via errors.Is) when the queue is empty — callers should back off before
// calling again.
func (r *Runner) RunOnce(ctx context.Context, workspace string) error {
	nowMs := time.Now().UnixMilli()

	var job *scheduler.Job
	var lease *scheduler.Lease
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("runner: begin claim tx: %w", err)
	}
	job, lease, err = scheduler.ClaimNext(tx, workspace, r.cfg.RunnerID, int64(r.sched.DefaultSliceS)*1000, int64(r.sched.DefaultHeartbeatMs), nowMs)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runner: commit claim: %w", err)
	}

	r.logger.Info("runner claimed job", "job_id", job.ID, "role", job.Role, "executor", r.executor.Name())

	stopHeartbeat := r.startHeartbeat(ctx, workspace, job.ID, lease.ClaimRevision)
	output, proofRef, runErr := r.executor.Run(ctx, job)
	stopHeartbeat()

	reportNowMs := time.Now().UnixMilli()
	tx, err = r.db.Begin()
	if err != nil {
		return fmt.Errorf("runner: begin report tx: %w", err)
	}
	defer tx.Rollback()

	if runErr != nil {
		r.logger.Warn("runner job failed", "job_id", job.ID, "error", runErr)
		if err := scheduler.Report(tx, workspace, job, r.cfg.RunnerID, lease.ClaimRevision, string(scheduler.KindError), runErr.Error(), nil, reportNowMs); err != nil {
			return fmt.Errorf("runner: report failure: %w", err)
		}
	} else {
		if err := scheduler.Report(tx, workspace, job, r.cfg.RunnerID, lease.ClaimRevision, string(scheduler.KindCompleted), output, refsFromProof(proofRef), reportNowMs); err != nil {
			return fmt.Errorf("runner: report success: %w", err)
		}
	}
	return tx.Commit()
}

// refsFromProof wraps a single proof reference (the shape every built-in
// executor returns) into the refs list Report expects.
func refsFromProof(proofRef string) []string {
	if proofRef == "" {
		return nil
	}
	return []string{proofRef}
}

// startHeartbeat renews the lease every cfg.HeartbeatExtendMs/2 until the
// returned stop function is called. Heartbeat failures are logged but don't
// interrupt the executor; a lost lease just means the job gets reaped and
// requeued once the executor finally returns.
func (r *Runner) startHeartbeat(ctx context.Context, workspace, jobID string, claimRevision int64) func() {
	interval := time.Duration(r.sched.HeartbeatExtendMs/2) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				tx, err := r.db.Begin()
				if err != nil {
					r.logger.Warn("runner heartbeat begin failed", "job_id", jobID, "error", err)
					continue
				}
				_, err = scheduler.Heartbeat(tx, workspace, jobID, r.cfg.RunnerID, claimRevision, int64(r.sched.HeartbeatExtendMs), time.Now().UnixMilli())
				if err != nil {
					r.logger.Warn("runner heartbeat failed", "job_id", jobID, "error", err)
					tx.Rollback()
					continue
				}
				tx.Commit()
			}
		}
	}()
	return func() { close(done) }
}

// Loop repeatedly claims and runs jobs in workspace until ctx is cancelled.
// An empty queue backs off with an exponential delay (capped) before
// retrying, grounded on the same backoff curve the teacher's dispatch
// retry policy uses for failed agent launches; a successful claim resets
// the backoff immediately so the runner drains a burst of queued work at
// full speed.
func (r *Runner) Loop(ctx context.Context, workspace string, base, maxDelay time.Duration) {
	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := r.RunOnce(ctx, workspace)
		switch {
		case err == nil:
			emptyPolls = 0
			continue
		case errors.Is(err, scheduler.ErrNoJobAvailable):
			emptyPolls++
			delay := dispatch.BackoffDelay(emptyPolls, base, maxDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		default:
			r.logger.Error("runner loop error", "workspace", workspace, "error", err)
			emptyPolls++
			delay := dispatch.BackoffDelay(emptyPolls, base, maxDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// ReapOnce requeues or fails any job whose lease expired without a
// heartbeat. Intended to be called on config.Scheduler.ReaperInterval.
func ReapOnce(db *sql.DB, workspace string, maxRetries int) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("runner: begin reap tx: %w", err)
	}
	defer tx.Rollback()

	acted, err := scheduler.ReapStalled(tx, workspace, time.Now().UnixMilli(), maxRetries)
	if err != nil {
		return nil, err
	}
	return acted, tx.Commit()
}
