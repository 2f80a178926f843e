package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

// ═══════════════════════════════════════════════════════════════════════════
// Config Tests
// ═══════════════════════════════════════════════════════════════════════════

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Request.TimeoutMS != 1_800_000 {
		t.Errorf("request timeout = %d, want 1800000 (long CPU inferences)", cfg.Request.TimeoutMS)
	}
	if cfg.Request.ConnectTimeoutMS != 10_000 {
		t.Errorf("connect timeout = %d", cfg.Request.ConnectTimeoutMS)
	}
	if cfg.Scheduler.MaxInFlight != 4 {
		t.Errorf("max in flight = %d", cfg.Scheduler.MaxInFlight)
	}
	if cfg.Discovery.GraceFailures != 3 {
		t.Errorf("grace failures = %d", cfg.Discovery.GraceFailures)
	}
	if cfg.Reliability.MinSuccessRate != 0.95 || cfg.Reliability.WarmRequests != 10 {
		t.Errorf("reliability defaults = %+v", cfg.Reliability)
	}
	if cfg.Routing.DefaultMode != "fast" {
		t.Errorf("default mode = %q", cfg.Routing.DefaultMode)
	}
}

func TestLoadConfigNoFileUsesDefaults(t *testing.T) {
	t.Setenv("FLEET_HOME", t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Monitor.IntervalMS != 120_000 {
		t.Errorf("monitor interval = %d", cfg.Monitor.IntervalMS)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FLEET_HOME", home)

	raw := `
[api]
port = 9999

[discovery]
seeds = ["10.0.0.5:11434"]
scan_local_subnet = false

[routing]
default_mode = "reliable"

[catalog]
oom_patterns = ["vram exhausted"]

[catalog.model_sizes]
"custom-model" = 123

[catalog.fallback_chains]
chat = ["big-70b", "small-3b"]
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9999 {
		t.Errorf("port = %d", cfg.API.Port)
	}
	if len(cfg.Discovery.Seeds) != 1 || cfg.Discovery.Seeds[0] != "10.0.0.5:11434" {
		t.Errorf("seeds = %v", cfg.Discovery.Seeds)
	}
	if cfg.Discovery.ScanLocalSubnet {
		t.Error("scan_local_subnet override ignored")
	}
	if cfg.Routing.DefaultMode != "reliable" {
		t.Errorf("default mode = %q", cfg.Routing.DefaultMode)
	}
	if cfg.Catalog.ModelSizes["custom-model"] != 123 {
		t.Errorf("model sizes = %v", cfg.Catalog.ModelSizes)
	}
	if len(cfg.Catalog.FallbackChains["chat"]) != 2 {
		t.Errorf("fallback chains = %v", cfg.Catalog.FallbackChains)
	}
	// Untouched sections keep their defaults.
	if cfg.Scheduler.MaxInFlight != 4 {
		t.Errorf("scheduler defaults lost: %+v", cfg.Scheduler)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("FLEET_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 4242
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.API.Port != 4242 {
		t.Errorf("round-trip port = %d", loaded.API.Port)
	}
}
