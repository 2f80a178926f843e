// Package daemon manages the fleet daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration. It is decoded once at startup
// and treated as immutable afterwards.
type Config struct {
	API         APIConfig         `toml:"api"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Request     RequestConfig     `toml:"request"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Routing     RoutingConfig     `toml:"routing"`
	Reliability ReliabilityConfig `toml:"reliability"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Logging     LoggingConfig     `toml:"logging"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Store       StoreConfig       `toml:"store"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DiscoveryConfig controls node discovery.
type DiscoveryConfig struct {
	Seeds           []string `toml:"seeds"`
	ScanLocalSubnet bool     `toml:"scan_local_subnet"`
	TimeoutMS       int      `toml:"timeout_ms"`
	IntervalMS      int      `toml:"interval_ms"`
	GraceFailures   int      `toml:"grace_failures"`
	SubnetPort      int      `toml:"subnet_port"`
}

// MonitorConfig controls the health/resource refresh loop.
type MonitorConfig struct {
	IntervalMS int `toml:"interval_ms"`
	TimeoutMS  int `toml:"timeout_ms"`
}

// RequestConfig controls per-attempt generate behavior.
type RequestConfig struct {
	TimeoutMS        int `toml:"timeout_ms"`
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`
}

// SchedulerConfig controls admission.
type SchedulerConfig struct {
	MaxInFlight  int `toml:"max_in_flight"`
	PerNodeCap   int `toml:"per_node_cap"`
	QueueSoftCap int `toml:"queue_soft_cap"`
}

// RoutingConfig controls candidate ranking.
type RoutingConfig struct {
	DefaultMode string `toml:"default_mode"`

	// FAST scoring weight overrides; zero keeps the default.
	WeightLoad           float64 `toml:"weight_load"`
	WeightGPUBonus       float64 `toml:"weight_gpu_bonus"`
	WeightFreeVRAM       float64 `toml:"weight_free_vram"`
	WeightLocalBonus     float64 `toml:"weight_local_bonus"`
	WeightLatency        float64 `toml:"weight_latency"`
	WeightFailurePenalty float64 `toml:"weight_failure_penalty"`
}

// ReliabilityConfig controls RELIABLE-mode trust.
type ReliabilityConfig struct {
	MinSuccessRate float64 `toml:"min_success_rate"`
	WarmRequests   int     `toml:"warm_requests"`
}

// CatalogConfig overrides the built-in model tables.
type CatalogConfig struct {
	ModelSizes     map[string]int64    `toml:"model_sizes"`
	FallbackChains map[string][]string `toml:"fallback_chains"`
	OOMPatterns    []string            `toml:"oom_patterns"`
	FitSlackBytes  int64               `toml:"fit_slack_bytes"`
}

// LoggingConfig controls the rotating log sink.
type LoggingConfig struct {
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// StoreConfig controls the node-cache database.
type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	home := fleetHome()
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11435,
		},
		Discovery: DiscoveryConfig{
			ScanLocalSubnet: true,
			TimeoutMS:       2000,
			IntervalMS:      10_000,
			GraceFailures:   3,
			SubnetPort:      11434,
		},
		Monitor: MonitorConfig{
			IntervalMS: 120_000,
			TimeoutMS:  10_000,
		},
		Request: RequestConfig{
			TimeoutMS:        1_800_000,
			ConnectTimeoutMS: 10_000,
		},
		Scheduler: SchedulerConfig{
			MaxInFlight:  4,
			PerNodeCap:   2,
			QueueSoftCap: 64,
		},
		Routing: RoutingConfig{
			DefaultMode: "fast",
		},
		Reliability: ReliabilityConfig{
			MinSuccessRate: 0.95,
			WarmRequests:   10,
		},
		Logging: LoggingConfig{
			File:      filepath.Join(home, "fleet.log"),
			MaxSizeMB: 50,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			Prometheus: false, // Opt-in: expose /metrics
		},
		Store: StoreConfig{
			Enabled: true,
			Dir:     home,
		},
	}
}

// LoadConfig reads config from ~/.fleet/config.toml, falling back to
// defaults when no file exists.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(fleetHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet — use defaults
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.fleet/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(fleetHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// fleetHome returns the fleet data directory.
func fleetHome() string {
	if env := os.Getenv("FLEET_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fleet")
}

// FleetHome is exported for use by other packages.
func FleetHome() string {
	return fleetHome()
}
