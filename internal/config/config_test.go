package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "branchmind.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[general]
state_db = "test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Viewer.Port != 4781 {
		t.Errorf("expected default viewer port 4781, got %d", cfg.Viewer.Port)
	}
	if cfg.Scheduler.ScoutSliceS != 60 {
		t.Errorf("expected scout slice default 60, got %d", cfg.Scheduler.ScoutSliceS)
	}
	if cfg.Budget.MaxChars != 16_000 {
		t.Errorf("expected default max_chars 16000, got %d", cfg.Budget.MaxChars)
	}
	if len(cfg.Skills) == 0 {
		t.Error("expected default skill profiles to be populated")
	}
}

func TestLoadClampsScoutOverrides(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
scout_slice_s = 600
scout_heartbeat_ms = 60000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.ScoutSliceS != 60 {
		t.Errorf("expected scout_slice_s clamped to 60, got %d", cfg.Scheduler.ScoutSliceS)
	}
	if cfg.Scheduler.ScoutHeartbeatMs != 10_000 {
		t.Errorf("expected scout_heartbeat_ms clamped to 10000, got %d", cfg.Scheduler.ScoutHeartbeatMs)
	}
}

func TestLoadRejectsTinyBudget(t *testing.T) {
	path := writeConfig(t, `
[budget]
max_chars = 10
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for tiny max_chars")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	path := writeConfig(t, `
[viewer]
read_timeout = "3s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Viewer.ReadTimeout.Duration != 3*time.Second {
		t.Errorf("expected 3s read timeout, got %v", cfg.Viewer.ReadTimeout.Duration)
	}
}

func TestManagerGetReturnsClone(t *testing.T) {
	path := writeConfig(t, "")
	mgr, err := LoadManager(path)
	if err != nil {
		t.Fatalf("LoadManager failed: %v", err)
	}
	a := mgr.Get()
	a.General.StateDB = "mutated.db"
	b := mgr.Get()
	if b.General.StateDB == "mutated.db" {
		t.Error("Get() should return an independent clone")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}
	got := ExpandHome("~/branchmind.db")
	want := filepath.Join(home, "branchmind.db")
	if got != want {
		t.Errorf("ExpandHome(~/branchmind.db) = %q, want %q", got, want)
	}
}
