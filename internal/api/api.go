// Package api provides the read-only HTTP viewer (C12, boundary-only):
// a thin JSON projection of the same SQLite store the MCP server and job
// runner write to. Every route here is a reader; the only mutating route,
// the internal shutdown handshake, is gated by a build fingerprint rather
// than by any domain permission.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/docs"
	"github.com/branchmind-dev/branchmind/internal/graph"
	"github.com/branchmind-dev/branchmind/internal/reasoningref"
	"github.com/branchmind-dev/branchmind/internal/scheduler"
	"github.com/branchmind-dev/branchmind/internal/store"
)

// Server is the viewer's HTTP server.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	docs           *docs.Docs
	logger         *slog.Logger
	startTime      time.Time
	fingerprint    string
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
	shutdown       context.CancelFunc
}

// NewServer wires the viewer against the shared store/docs handles. shutdown
// is invoked when a caller completes the internal shutdown handshake; it may
// be nil if this process doesn't support remote shutdown.
func NewServer(cfg *config.Config, s *store.Store, d *docs.Docs, logger *slog.Logger, shutdown context.CancelFunc) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.Viewer.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("api: init auth middleware: %w", err)
	}
	return &Server{
		cfg: cfg, store: s, docs: d, logger: logger,
		startTime: time.Now(), fingerprint: buildFingerprint(),
		authMiddleware: authMiddleware, shutdown: shutdown,
	}, nil
}

// Close releases the auth middleware's resources (its audit log, if any).
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// buildFingerprint is a process-unique identifier that lets the viewer
// confirm a shutdown request came from a session that saw the *current*
// process's /api/about response, not a stale cached one.
func buildFingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())))
	return fmt.Sprintf("%x", sum[:8])
}

// Start begins listening on the configured viewer port. Blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/about", s.handleAbout)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/workspaces", s.handleWorkspaces)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/task/", s.handleTaskDetail)
	mux.HandleFunc("/api/plan/", s.handlePlanDetail)
	mux.HandleFunc("/api/internal/shutdown", s.authMiddleware.RequireAuth(s.handleShutdown))

	addr := fmt.Sprintf(":%d", s.cfg.Viewer.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  s.cfg.Viewer.ReadTimeout.Duration,
		WriteTimeout: s.cfg.Viewer.WriteTimeout.Duration,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("viewer starting", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeAPIError mirrors the viewer's {error:{code,message,recovery}} shape
// so a caller can branch on `code` without string-matching `message`.
func writeAPIError(w http.ResponseWriter, status int, code, message, recovery string) {
	body := map[string]any{
		"error": map[string]any{"code": code, "message": message},
	}
	if recovery != "" {
		body["error"].(map[string]any)["recovery"] = recovery
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeAPIError(w, status, "ERROR", message, "")
}

func workspaceParam(r *http.Request, cfg *config.Config) string {
	if ws := strings.TrimSpace(r.URL.Query().Get("workspace")); ws != "" {
		return ws
	}
	if cfg.Workspace.Override != "" {
		return cfg.Workspace.Override
	}
	return cfg.Workspace.Default
}

// GET /api/about
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint":       s.fingerprint,
		"workspace_default": s.cfg.Workspace.Default,
		"workspace_override": s.cfg.Workspace.Override,
		"uptime_s":          time.Since(s.startTime).Seconds(),
	})
}

// GET /api/projects — BranchMind binds one store per process, so this is a
// single-entry catalog rather than the multi-project list a workstation
// tool with several checkouts would need.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at_ms": time.Now().UnixMilli(),
		"current_label":   s.cfg.General.StateDB,
		"projects": []map[string]any{
			{
				"label":              s.cfg.General.StateDB,
				"workspace_default":  s.cfg.Workspace.Default,
				"workspace_override": s.cfg.Workspace.Override,
			},
		},
	})
}

// GET /api/workspaces
func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces(200)
	if err != nil {
		s.logger.Error("list workspaces", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", "unable to list workspaces", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at_ms":    time.Now().UnixMilli(),
		"workspace_default":  s.cfg.Workspace.Default,
		"workspace_override": s.cfg.Workspace.Override,
		"workspaces":         workspaces,
	})
}

// GET /api/settings — read-only render of the subset of config relevant to
// an operator (never secrets, never allowed_tokens).
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": map[string]any{
			"default_slice_s":       s.cfg.Scheduler.DefaultSliceS,
			"scout_slice_s":         s.cfg.Scheduler.ScoutSliceS,
			"default_heartbeat_ms":  s.cfg.Scheduler.DefaultHeartbeatMs,
			"scout_heartbeat_ms":    s.cfg.Scheduler.ScoutHeartbeatMs,
			"max_retries":           s.cfg.Scheduler.MaxRetries,
		},
		"reasoning": map[string]any{
			"signals_limit":    s.cfg.Reasoning.SignalsLimit,
			"actions_limit":    s.cfg.Reasoning.ActionsLimit,
			"stale_after_days": s.cfg.Reasoning.StaleAfterDays,
		},
		"budget": map[string]any{
			"max_chars":         s.cfg.Budget.MaxChars,
			"event_message_cap": s.cfg.Budget.EventMessageCap,
		},
		"skills": s.cfg.Skills,
	})
}

// GET /api/snapshot?workspace=...&branch=...
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	workspace := workspaceParam(r, s.cfg)
	if workspace == "" {
		writeAPIError(w, http.StatusBadRequest, "WORKSPACE_REQUIRED", "workspace is required", "pass ?workspace=<name> or set [workspace].default")
		return
	}
	branch := strings.TrimSpace(r.URL.Query().Get("branch"))
	if branch == "" {
		branch = "main"
	}

	focus, err := s.store.GetFocus(workspace)
	if err != nil {
		focus = ""
	}

	plans, err := s.store.ListPlans(workspace)
	if err != nil {
		s.logger.Error("list plans", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", "unable to list plans", err.Error())
		return
	}

	entries, err := s.docs.Tail(workspace, branch, 200)
	if err != nil {
		s.logger.Error("tail docs", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", "unable to read doc entries", err.Error())
		return
	}
	view := graph.Reduce(entries)

	seq, err := s.store.LatestSeq(workspace)
	if err != nil {
		seq = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at_ms": time.Now().UnixMilli(),
		"workspace":       workspace,
		"focus":           focus,
		"latest_event_seq": seq,
		"plans":           plans,
		"graph": map[string]any{
			"branch":      branch,
			"card_count":  len(view.Cards),
			"edge_count":  len(view.Edges),
		},
	})
}

// GET /api/task/{id}?workspace=...
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	workspace := workspaceParam(r, s.cfg)
	id := strings.TrimPrefix(r.URL.Path, "/api/task/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "TASK_ID_REQUIRED", "task id is required", "GET /api/task/TASK-001")
		return
	}

	task, err := s.store.GetTask(workspace, id)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "TASK_NOT_FOUND", fmt.Sprintf("task %s not found", id), "")
		return
	}

	steps, err := s.store.ListStepsByTask(workspace, id)
	if err != nil {
		s.logger.Error("list steps", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", "unable to list steps", err.Error())
		return
	}

	jobs, err := scheduler.ListJobsByTask(s.store.DB(), workspace, id)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", "unable to list jobs", err.Error())
		return
	}

	// A reader never mutates the registry; fall back to the deterministic
	// default tuple when no ref has been minted yet for this task.
	ref, err := reasoningref.Get(s.store.DB(), workspace, id)
	if err != nil {
		ref = reasoningref.DefaultsFor(id)
	}
	trace, _ := s.docs.Tail(workspace, ref.TraceDoc, 50)

	writeJSON(w, http.StatusOK, map[string]any{
		"task":  task,
		"steps": steps,
		"jobs":  jobs,
		"trace": trace,
	})
}

// GET /api/plan/{id}?workspace=...
func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	workspace := workspaceParam(r, s.cfg)
	id := strings.TrimPrefix(r.URL.Path, "/api/plan/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "PLAN_ID_REQUIRED", "plan id is required", "GET /api/plan/PLAN-001")
		return
	}

	plan, err := s.store.GetPlan(workspace, id)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "PLAN_NOT_FOUND", fmt.Sprintf("plan %s not found", id), "")
		return
	}

	tasks, err := s.store.ListTasksByPlan(workspace, id)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "STORE_ERROR", "unable to list tasks", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":  plan,
		"tasks": tasks,
	})
}

// POST /api/internal/shutdown — fingerprint-gated graceful shutdown, used
// by a local viewer UI to replace a stale running process with a fresh one.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "expected JSON body", `send {"fingerprint":"..."} from /api/about`)
		return
	}
	if strings.TrimSpace(payload.Fingerprint) == "" || payload.Fingerprint != s.fingerprint {
		writeAPIError(w, http.StatusConflict, "FINGERPRINT_MISMATCH", "viewer fingerprint mismatch", "reload /api/about and retry shutdown")
		return
	}

	if s.shutdown != nil {
		s.shutdown()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
