package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/branchmind-dev/branchmind/internal/api"
	"github.com/branchmind-dev/branchmind/internal/config"
	"github.com/branchmind-dev/branchmind/internal/docs"
	"github.com/branchmind-dev/branchmind/internal/graph"
	"github.com/branchmind-dev/branchmind/internal/health"
	"github.com/branchmind-dev/branchmind/internal/mcpserver"
	"github.com/branchmind-dev/branchmind/internal/reasoningref"
	"github.com/branchmind-dev/branchmind/internal/runner"
	"github.com/branchmind-dev/branchmind/internal/scheduler"
	"github.com/branchmind-dev/branchmind/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "branchmind.toml", "path to config file")
	workspace := flag.String("workspace", "", "workspace id to bind this process to (overrides config default)")
	workspaceOverride := flag.String("workspace-override", "", "force every tool call onto this workspace regardless of args.workspace")
	uxProofV2 := flag.Bool("ux-proof-v2", false, "raise budget.event_message_cap to at least 1 (same as BRANCHMIND_UX_PROOF_V2=1); proof-ref parsing is unchanged")
	skillProfile := flag.String("skill-profile", "", "named skill profile: daily, strict, research, teamlead")
	skillMaxChars := flag.Int("skill-max-chars", 0, "override budget.max_chars for this process")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	console := flag.Bool("console", false, "run the interactive operator console instead of the stdio MCP loop")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("branchmind starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	if *workspace != "" {
		cfg.Workspace.Default = *workspace
	}
	if *workspaceOverride != "" {
		cfg.Workspace.Override = *workspaceOverride
	}
	if *uxProofV2 || envBool("BRANCHMIND_UX_PROOF_V2") {
		cfg.Budget.EventMessageCap = maxInt(cfg.Budget.EventMessageCap, 1)
	}
	if profile, ok := cfg.Skills[*skillProfile]; ok && *skillProfile != "" {
		cfg.Budget.MaxChars = profile.MaxChars
		cfg.Reasoning.SignalsLimit = profile.SignalsLimit
		cfg.Reasoning.ActionsLimit = profile.ActionsLimit
	}
	if *skillMaxChars > 0 {
		cfg.Budget.MaxChars = *skillMaxChars
	}
	if port := os.Getenv("BRANCHMIND_VIEWER_PORT"); port != "" {
		if n, convErr := strconv.Atoi(port); convErr == nil {
			cfg.Viewer.Port = n
		}
	}
	if cfg.Runner.RunnerID == "" || cfg.Runner.RunnerID == "runner-local" {
		cfg.Runner.RunnerID = "runner-" + uuid.NewString()[:8]
	}
	cfgManager.Set(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/branchmind.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "path", lockPath, "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := docs.EnsureSchema(db); err != nil {
		logger.Error("failed to ensure docs schema", "error", err)
		os.Exit(1)
	}
	if err := graph.EnsureSchema(db); err != nil {
		logger.Error("failed to ensure graph schema", "error", err)
		os.Exit(1)
	}
	if err := reasoningref.EnsureSchema(db); err != nil {
		logger.Error("failed to ensure reasoningref schema", "error", err)
		os.Exit(1)
	}
	if err := scheduler.EnsureSchema(db); err != nil {
		logger.Error("failed to ensure scheduler schema", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if cfg.Workspace.Default != "" {
		if err := st.EnsureWorkspace(cfg.Workspace.Default, time.Now().UnixMilli()); err != nil {
			logger.Error("failed to ensure default workspace", "workspace", cfg.Workspace.Default, "error", err)
			os.Exit(1)
		}
	}

	docsLayer := docs.New(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, err := runner.NewExecutor(cfg.Runner)
	if err != nil {
		logger.Error("failed to build runner executor", "error", err)
		os.Exit(1)
	}
	jobRunner := runner.New(db, cfg.Runner, cfg.Scheduler, executor, logger.With("component", "runner"))
	if cfg.Workspace.Default != "" {
		go jobRunner.Loop(ctx, cfg.Workspace.Default, cfg.Scheduler.RetryBackoffBase.Duration, cfg.Scheduler.RetryMaxDelay.Duration)
	}

	go func() {
		interval := cfg.Scheduler.ReaperInterval.Duration
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cfg.Workspace.Default == "" {
					continue
				}
				acted, err := runner.ReapOnce(db, cfg.Workspace.Default, cfg.Scheduler.MaxRetries)
				if err != nil {
					logger.Warn("stall reaper failed", "error", err)
					continue
				}
				if len(acted) > 0 {
					logger.Info("stall reaper requeued jobs", "job_ids", acted)
				}
			}
		}
	}()

	if cfg.Viewer.Enabled {
		apiSrv, err := api.NewServer(cfg, st, docsLayer, logger.With("component", "api"), cancel)
		if err != nil {
			logger.Error("failed to create viewer server", "error", err)
			os.Exit(1)
		}
		defer apiSrv.Close()
		go func() {
			if err := apiSrv.Start(ctx); err != nil {
				logger.Error("viewer server error", "error", err)
			}
		}()
	}

	deps := &mcpserver.Deps{DB: db, Store: st, Docs: docsLayer, Config: cfg, Logger: logger.With("component", "mcpserver")}
	server := mcpserver.New(deps)

	logger.Info("branchmind running",
		"workspace", cfg.Workspace.Default,
		"viewer_enabled", cfg.Viewer.Enabled,
		"viewer_port", cfg.Viewer.Port,
		"runner_id", cfg.Runner.RunnerID,
		"tty", isatty.IsTerminal(os.Stdin.Fd()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := cfgManager.Reload(*configPath); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()

	var runErr error
	if *console {
		runErr = runConsole(ctx, server, logger)
	} else {
		runErr = server.Run(ctx)
	}
	if runErr != nil && ctx.Err() == nil {
		logger.Error("branchmind exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("branchmind stopped")
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
