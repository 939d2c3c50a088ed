// Package config loads and validates the BranchMind TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root BranchMind configuration, loaded once at process start
// and refreshable via ConfigManager.
type Config struct {
	General   General   `toml:"general"`
	Workspace Workspace `toml:"workspace"`
	Viewer    Viewer    `toml:"viewer"`
	Scheduler Scheduler `toml:"scheduler"`
	Reasoning Reasoning `toml:"reasoning"`
	Budget    Budget    `toml:"budget"`
	Runner    Runner    `toml:"runner"`
	Skills    map[string]SkillProfile `toml:"skills"`
}

// General holds process-wide settings.
type General struct {
	LogLevel  string `toml:"log_level"`  // debug, info, warn, error
	StateDB   string `toml:"state_db"`   // path to the shared SQLite file
	LockFile  string `toml:"lock_file"`  // single-instance lock path
}

// Workspace controls the default workspace binding (§4.12 lifecycle glue).
type Workspace struct {
	Default  string `toml:"default"`
	Override string `toml:"override"`
}

// Viewer configures the read-only HTTP projection (C12).
type Viewer struct {
	Enabled      bool       `toml:"enabled"`
	Port         int        `toml:"port"` // default 4781, BRANCHMIND_VIEWER_PORT overrides
	ReadTimeout  Duration   `toml:"read_timeout"`
	WriteTimeout Duration   `toml:"write_timeout"`
	Security     APISecurity `toml:"security"`
}

// APISecurity gates the viewer's one mutating endpoint (/api/internal/shutdown)
// behind a bearer token, optionally restricted to local callers.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// Scheduler configures the job scheduler & lease engine (C7).
type Scheduler struct {
	DefaultSliceS        int      `toml:"default_slice_s"`
	ScoutSliceS          int      `toml:"scout_slice_s"`          // hard cap 60 (§4.7)
	DefaultHeartbeatMs   int      `toml:"default_heartbeat_ms"`
	ScoutHeartbeatMs     int      `toml:"scout_heartbeat_ms"`     // hard cap 10_000 (§4.7)
	HeartbeatExtendMs    int      `toml:"heartbeat_extend_ms"`
	MinHeartbeatFloorMs  int      `toml:"min_heartbeat_floor_ms"` // clamp floor, default 1_000
	ReaperInterval       Duration `toml:"reaper_interval"`
	RetryBackoffBase     Duration `toml:"retry_backoff_base"`
	RetryMaxDelay        Duration `toml:"retry_max_delay"`
	MaxRetries           int      `toml:"max_retries"`
}

// Reasoning configures the pure derivation engine (C8).
type Reasoning struct {
	SignalsLimit         int `toml:"signals_limit"`
	ActionsLimit         int `toml:"actions_limit"`
	StaleAfterDays        int `toml:"stale_after_days"` // BM8 default, 30
}

// Budget configures the response composer's degradation policy (C9).
type Budget struct {
	MaxChars        int `toml:"max_chars"`
	EventMessageCap int `toml:"event_message_cap"` // truncate event messages, default 140
}

// Runner configures the background job runner that drives external executors.
type Runner struct {
	RunnerID          string   `toml:"runner_id"`
	MaxConcurrentJobs int      `toml:"max_concurrent_jobs"`
	ClaimCooldown     Duration `toml:"claim_cooldown"`
	Executor          string   `toml:"executor"` // "codex", "claude-code", "noop"
	ExecutorCmd       string   `toml:"executor_cmd"`
	WaitTimeoutMs     int      `toml:"wait_timeout_ms"` // jobs.wait cap, default 25_000
}

// SkillProfile names a named --skill-profile preset (daily|strict|research|teamlead).
type SkillProfile struct {
	MaxChars     int      `toml:"max_chars"`
	SignalsLimit int      `toml:"signals_limit"`
	ActionsLimit int      `toml:"actions_limit"`
	Toolset      string   `toml:"toolset"` // core, daily, full
}

// Clone returns a deep-enough copy for safe cross-goroutine handoff.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Skills = make(map[string]SkillProfile, len(c.Skills))
	for k, v := range c.Skills {
		clone.Skills[k] = v
	}
	return &clone
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Load reads and validates a BranchMind TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a BranchMind TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "branchmind.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "branchmind.lock"
	}

	if cfg.Viewer.Port == 0 {
		cfg.Viewer.Port = 4781
	}
	if cfg.Viewer.ReadTimeout.Duration == 0 {
		cfg.Viewer.ReadTimeout.Duration = 2 * time.Second
	}
	if cfg.Viewer.WriteTimeout.Duration == 0 {
		cfg.Viewer.WriteTimeout.Duration = 2 * time.Second
	}
	if raw := strings.TrimSpace(os.Getenv("BRANCHMIND_VIEWER_PORT")); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.Viewer.Port = port
		}
	}

	if cfg.Scheduler.DefaultSliceS == 0 {
		cfg.Scheduler.DefaultSliceS = 900
	}
	if cfg.Scheduler.ScoutSliceS == 0 || cfg.Scheduler.ScoutSliceS > 60 {
		cfg.Scheduler.ScoutSliceS = 60
	}
	if cfg.Scheduler.DefaultHeartbeatMs == 0 {
		cfg.Scheduler.DefaultHeartbeatMs = 30_000
	}
	if cfg.Scheduler.ScoutHeartbeatMs == 0 || cfg.Scheduler.ScoutHeartbeatMs > 10_000 {
		cfg.Scheduler.ScoutHeartbeatMs = 10_000
	}
	if cfg.Scheduler.HeartbeatExtendMs == 0 {
		cfg.Scheduler.HeartbeatExtendMs = 30_000
	}
	if cfg.Scheduler.MinHeartbeatFloorMs == 0 {
		cfg.Scheduler.MinHeartbeatFloorMs = 1_000
	}
	if cfg.Scheduler.ReaperInterval.Duration == 0 {
		cfg.Scheduler.ReaperInterval.Duration = 15 * time.Second
	}
	if cfg.Scheduler.RetryBackoffBase.Duration == 0 {
		cfg.Scheduler.RetryBackoffBase.Duration = 5 * time.Second
	}
	if cfg.Scheduler.RetryMaxDelay.Duration == 0 {
		cfg.Scheduler.RetryMaxDelay.Duration = 5 * time.Minute
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}

	if cfg.Reasoning.SignalsLimit == 0 {
		cfg.Reasoning.SignalsLimit = 8
	}
	if cfg.Reasoning.ActionsLimit == 0 {
		cfg.Reasoning.ActionsLimit = 6
	}
	if cfg.Reasoning.StaleAfterDays == 0 {
		cfg.Reasoning.StaleAfterDays = 30
	}

	if cfg.Budget.MaxChars == 0 {
		cfg.Budget.MaxChars = 16_000
	}
	if cfg.Budget.EventMessageCap == 0 {
		cfg.Budget.EventMessageCap = 140
	}

	if cfg.Runner.RunnerID == "" {
		cfg.Runner.RunnerID = "runner-local"
	}
	if cfg.Runner.MaxConcurrentJobs == 0 {
		cfg.Runner.MaxConcurrentJobs = 1
	}
	if cfg.Runner.Executor == "" {
		cfg.Runner.Executor = "noop"
	}
	if cfg.Runner.WaitTimeoutMs == 0 || cfg.Runner.WaitTimeoutMs > 25_000 {
		cfg.Runner.WaitTimeoutMs = 25_000
	}

	if cfg.Skills == nil {
		cfg.Skills = map[string]SkillProfile{}
	}
	defaultProfiles := map[string]SkillProfile{
		"daily":    {MaxChars: 8_000, SignalsLimit: 4, ActionsLimit: 3, Toolset: "daily"},
		"strict":   {MaxChars: 24_000, SignalsLimit: 10, ActionsLimit: 8, Toolset: "full"},
		"research": {MaxChars: 32_000, SignalsLimit: 12, ActionsLimit: 10, Toolset: "full"},
		"teamlead": {MaxChars: 16_000, SignalsLimit: 8, ActionsLimit: 6, Toolset: "core"},
	}
	for name, profile := range defaultProfiles {
		if _, ok := cfg.Skills[name]; !ok {
			cfg.Skills[name] = profile
		}
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
}

func validate(cfg *Config) error {
	if cfg.Viewer.Port < 0 || cfg.Viewer.Port > 65535 {
		return fmt.Errorf("viewer.port out of range: %d", cfg.Viewer.Port)
	}
	if cfg.Scheduler.ScoutSliceS > 60 {
		return fmt.Errorf("scheduler.scout_slice_s must be <= 60, got %d", cfg.Scheduler.ScoutSliceS)
	}
	if cfg.Scheduler.ScoutHeartbeatMs > 10_000 {
		return fmt.Errorf("scheduler.scout_heartbeat_ms must be <= 10000, got %d", cfg.Scheduler.ScoutHeartbeatMs)
	}
	if cfg.Scheduler.MinHeartbeatFloorMs < 1 {
		return fmt.Errorf("scheduler.min_heartbeat_floor_ms must be >= 1")
	}
	if cfg.Budget.MaxChars < 256 {
		return fmt.Errorf("budget.max_chars too small: %d", cfg.Budget.MaxChars)
	}
	return nil
}
