// Package config provides YAML-driven configuration loading and validation
// for cmd/kerneld: tick rate and DOF count, storage and
// operator and metrics addresses, and control-plane throttle capacity.
//
// Configuration file: /etc/kerneld/config.yaml (default). Schema version: 1.
//
// Validation: all required fields must be present; numeric ranges are
// enforced; file paths must be absolute. Invalid config on startup is a
// fatal error — the agent refuses to start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath mirrors the storage package constant for use in config
// defaults (kept separate to avoid an import cycle: storage does not
// depend on config).
const DefaultDBPath = "/var/lib/kerneld/kernel.db"

// Config is the root configuration structure for cmd/kerneld.
// (cmd/kernel-sim reads a JSON scenario file instead.)
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID names this kernel instance. Validated as non-empty; it is not
	// written into trace or storage records. Default: hostname.
	NodeID string `yaml:"node_id"`

	Controller    ControllerConfig    `yaml:"controller"`
	Throttle      ThrottleConfig      `yaml:"throttle"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// ControllerConfig holds the kernel tick loop's operational parameters.
type ControllerConfig struct {
	// DOFCount is the robot's full joint-vector length. Required, > 0.
	DOFCount int `yaml:"dof_count"`

	// TickHz is the target controller tick rate. Must be in [200, 1000].
	// Default: 500.
	TickHz int `yaml:"tick_hz"`

	// DefaultEnvelope names the envelope applied at startup, resolved
	// through the envelope catalog. Required.
	DefaultEnvelope string `yaml:"default_envelope"`

	// EnabledSkills is the set of skill names the Gate will admit via
	// ENABLE_SKILL. Required, non-empty.
	EnabledSkills []string `yaml:"enabled_skills"`

	// AllowSafetyTorqueStop is passed to the actuator builder, permitting a
	// safety-sourced torque command to coexist with other command kinds in
	// the same tick. Default: true.
	AllowSafetyTorqueStop bool `yaml:"allow_safety_torque_stop"`

	// InjectorDampingGain configures the safety injector; 0 means hard-zero
	// stop only. Default: 0.
	InjectorDampingGain float64 `yaml:"injector_damping_gain"`

	// SpaceDOFs maps each control space to the full-DOF indices it owns.
	// Must partition a subset of [0, dof_count) with no overlap between
	// spaces. Required, non-empty.
	SpaceDOFs map[string][]int `yaml:"space_dofs"`
}

// ThrottleConfig holds the control-plane token bucket parameters.
type ThrottleConfig struct {
	// Capacity is the maximum number of tokens. Default: 100.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 60s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// StorageConfig holds bbolt persistence parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`

	// TracePath names a newline-delimited JSON trace file. It is parsed but
	// not read by cmd/kerneld, which writes traces to storage.DB only.
	TracePath string `yaml:"trace_path"`
}

// OperatorConfig holds operator override Unix socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for operator commands.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Controller: ControllerConfig{
			TickHz:                500,
			AllowSafetyTorqueStop: true,
			InjectorDampingGain:   0,
		},
		Throttle: ThrottleConfig{
			Capacity:     100,
			RefillPeriod: 60 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/kerneld/operator.sock",
		},
	}
}

// Load reads and validates a config file from path, merging it over
// Defaults(). Returns an error if the file cannot be read, parsed, or
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a single
// error that lists every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Controller.DOFCount <= 0 {
		errs = append(errs, fmt.Sprintf("controller.dof_count must be > 0, got %d", cfg.Controller.DOFCount))
	}
	if cfg.Controller.TickHz < 200 || cfg.Controller.TickHz > 1000 {
		errs = append(errs, fmt.Sprintf("controller.tick_hz must be in [200, 1000], got %d", cfg.Controller.TickHz))
	}
	if cfg.Controller.DefaultEnvelope == "" {
		errs = append(errs, "controller.default_envelope must not be empty")
	}
	if len(cfg.Controller.EnabledSkills) == 0 {
		errs = append(errs, "controller.enabled_skills must be non-empty")
	}
	if cfg.Controller.InjectorDampingGain < 0 {
		errs = append(errs, fmt.Sprintf("controller.injector_damping_gain must be >= 0, got %f", cfg.Controller.InjectorDampingGain))
	}
	if len(cfg.Controller.SpaceDOFs) == 0 {
		errs = append(errs, "controller.space_dofs must be non-empty")
	}
	if cfg.Throttle.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("throttle.capacity must be >= 1, got %d", cfg.Throttle.Capacity))
	}
	if cfg.Throttle.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("throttle.refill_period must be >= 1s, got %s", cfg.Throttle.RefillPeriod))
	}
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Operator.Enabled && !filepath.IsAbs(cfg.Operator.SocketPath) {
		errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
