// Package config provides configuration loading for conductor.
//
// Configuration is read from a YAML file and overridden by CONDUCTOR_*
// environment variables. Missing values fall back to the defaults below.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete conductor configuration.
type Config struct {
	State     StateConfig     `koanf:"state"`
	Gates     GatesConfig     `koanf:"gates"`
	Hooks     HooksConfig     `koanf:"hooks"`
	Loop      LoopConfig      `koanf:"loop"`
	Profiles  ProfilesConfig  `koanf:"profiles"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Events    EventsConfig    `koanf:"events"`
	HTTP      HTTPConfig      `koanf:"http"`
}

// StateConfig controls session persistence.
type StateConfig struct {
	Dir             string `koanf:"dir"`
	AutoFlush       bool   `koanf:"auto_flush"`
	BackupRetention int    `koanf:"backup_retention"`
}

// GatesConfig controls the quality gate runner.
type GatesConfig struct {
	DefaultTimeout Duration `koanf:"default_timeout"`
	Parallel       bool     `koanf:"parallel"`
	RedactOutput   bool     `koanf:"redact_output"`
	MaxOutputBytes int      `koanf:"max_output_bytes"`
}

// HooksConfig controls built-in hook handlers.
type HooksConfig struct {
	CommandGuard     bool     `koanf:"command_guard"`
	PathGuard        bool     `koanf:"path_guard"`
	ScanSecrets      bool     `koanf:"scan_secrets"`
	LintOnEdit       bool     `koanf:"lint_on_edit"`
	LintInterval     Duration `koanf:"lint_interval"`
	TestBeforeCommit bool     `koanf:"test_before_commit"`
	SubagentHistory  int      `koanf:"subagent_history"`
	ProtectedPaths   []string `koanf:"protected_paths"`
}

// LoopConfig controls the orchestration loop.
type LoopConfig struct {
	MaxIterations int     `koanf:"max_iterations"`
	BudgetUSD     float64 `koanf:"budget_usd"`
	StopOnBudget  bool    `koanf:"stop_on_budget"`
	Parallel      bool    `koanf:"parallel_gates"`
	RuntimeBinary string  `koanf:"runtime_binary"`
}

// ProfilesConfig controls profile loading.
type ProfilesConfig struct {
	Dir     string `koanf:"dir"`
	Default string `koanf:"default"`
	Watch   bool   `koanf:"watch"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// EventsConfig controls the NATS event mirror.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// HTTPConfig controls the status server.
type HTTPConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{
		Gates: GatesConfig{RedactOutput: true},
		Hooks: HooksConfig{
			CommandGuard:     true,
			PathGuard:        true,
			ScanSecrets:      true,
			TestBeforeCommit: true,
		},
		Loop: LoopConfig{StopOnBudget: true},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.State.Dir == "" {
		cfg.State.Dir = ".claude/state"
	}
	if cfg.State.BackupRetention == 0 {
		cfg.State.BackupRetention = 5
	}

	if cfg.Gates.DefaultTimeout == 0 {
		cfg.Gates.DefaultTimeout = Seconds(300)
	}
	if cfg.Gates.MaxOutputBytes == 0 {
		cfg.Gates.MaxOutputBytes = 64 * 1024
	}

	if cfg.Hooks.SubagentHistory == 0 {
		cfg.Hooks.SubagentHistory = 20
	}
	if cfg.Hooks.LintInterval == 0 {
		cfg.Hooks.LintInterval = Duration(10 * time.Second)
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 50
	}
	if cfg.Loop.RuntimeBinary == "" {
		cfg.Loop.RuntimeBinary = "claude"
	}

	if cfg.Profiles.Dir == "" {
		cfg.Profiles.Dir = ".claude/profiles"
	}
	if cfg.Profiles.Default == "" {
		cfg.Profiles.Default = "general"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "conductor"
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "localhost"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9191
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.State.BackupRetention < 1 {
		errs = append(errs, fmt.Errorf("state.backup_retention must be >= 1, got %d", c.State.BackupRetention))
	}
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be >= 1, got %d", c.Loop.MaxIterations))
	}
	if c.Loop.BudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("loop.budget_usd cannot be negative, got %.2f", c.Loop.BudgetUSD))
	}
	if c.Hooks.SubagentHistory < 1 {
		errs = append(errs, fmt.Errorf("hooks.subagent_history must be >= 1, got %d", c.Hooks.SubagentHistory))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	return errors.Join(errs...)
}
