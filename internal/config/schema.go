// Package config provides typed, validated configuration for the orchestration core.
// Configuration resolution order (highest priority last):
// 1. Defaults
// 2. Config file (~/.orchestra/config.json or ORCH_CONFIG_PATH)
// 3. Environment variables (ORCH_*)
package config

import (
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	// Safety controls the safety-limit defaults (depth, rate, parallelism, cost).
	Safety SafetyConfig `json:"safety"`

	// Permission controls the permission router.
	Permission PermissionConfig `json:"permission"`

	// Telemetry controls observability.
	Telemetry TelemetryConfig `json:"telemetry"`

	// Storage controls the optional persistence hook.
	Storage StorageConfig `json:"storage"`
}

// SafetyConfig holds the spawn-guard tunables: depth limits by root
// context, rate/total/parallel caps, and timeouts.
type SafetyConfig struct {
	// MaxDepthFromOrchestrator limits ancestry depth for chains rooted at the orchestrator.
	MaxDepthFromOrchestrator int `json:"max_depth_from_orchestrator" env:"ORCH_MAX_DEPTH_FROM_ORCHESTRATOR" default:"2"`

	// MaxDepthFromAgent limits ancestry depth for chains rooted at an agent.
	MaxDepthFromAgent int `json:"max_depth_from_agent" env:"ORCH_MAX_DEPTH_FROM_AGENT" default:"1"`

	// MaxSubTasksPerWorker caps the total subtasks a single worker may spawn over its lifetime.
	MaxSubTasksPerWorker int `json:"max_subtasks_per_worker" env:"ORCH_MAX_SUBTASKS_PER_WORKER" default:"100"`

	// MaxParallelSubTasks caps concurrently running subtasks per worker.
	MaxParallelSubTasks int `json:"max_parallel_subtasks" env:"ORCH_MAX_PARALLEL_SUBTASKS" default:"20"`

	// SubTaskSpawnRateLimit caps subtask creations per rolling window.
	SubTaskSpawnRateLimit int `json:"subtask_spawn_rate_limit" env:"ORCH_SUBTASK_SPAWN_RATE_LIMIT" default:"100"`

	// SubTaskSpawnRateWindow is the rolling window the rate limit applies over.
	SubTaskSpawnRateWindow time.Duration `json:"subtask_spawn_rate_window" env:"ORCH_SUBTASK_SPAWN_RATE_WINDOW" default:"1m"`

	// DefaultSubTaskTimeout bounds how long a subtask may run before it is cancelled.
	DefaultSubTaskTimeout time.Duration `json:"default_subtask_timeout" env:"ORCH_DEFAULT_SUBTASK_TIMEOUT" default:"5m"`

	// MaxRetries bounds automatic retry attempts per task.
	MaxRetries int `json:"max_retries" env:"ORCH_MAX_RETRIES" default:"2"`
}

// PermissionConfig controls the hierarchical permission router.
type PermissionConfig struct {
	// Mode is "enforce" or "warn".
	Mode string `json:"mode" env:"ORCH_PERMISSION_MODE" default:"enforce"`

	// EscalationTimeout is loaded with the rest of the config but is not read
	// by the permission router; the router's wait on an owner is bounded by
	// each request's own Timeout.
	EscalationTimeout time.Duration `json:"escalation_timeout" env:"ORCH_PERMISSION_ESCALATION_TIMEOUT" default:"2m"`

	// The three AutoApprove* lists below are loaded with the config but are
	// not read by the permission router, which auto-approves only from the
	// permission.Policy it is constructed with.

	// AutoApproveReadGlobs lists path globs for read actions.
	AutoApproveReadGlobs []string `json:"auto_approve_read_globs"`

	// AutoApproveWriteGlobs lists path globs for write actions.
	AutoApproveWriteGlobs []string `json:"auto_approve_write_globs"`

	// AutoApproveShellPatterns lists command prefixes for shell actions.
	AutoApproveShellPatterns []string `json:"auto_approve_shell_patterns"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	// LogLevel is the minimum log level.
	LogLevel string `json:"log_level" env:"ORCH_LOG_LEVEL" default:"info"`

	// LogDir is where logs are written.
	LogDir string `json:"log_dir" env:"ORCH_LOG_DIR" default:""`

	// MetricsEnabled controls whether metrics are collected.
	MetricsEnabled bool `json:"metrics_enabled" env:"ORCH_METRICS_ENABLED" default:"true"`

	// MetricsPath is where metrics are written.
	MetricsPath string `json:"metrics_path" env:"ORCH_METRICS_PATH" default:""`
}

// StorageConfig controls the optional durable persistence hook.
type StorageConfig struct {
	// Enabled turns on SQLite-backed persistence for approvals and the subtask audit log.
	// Disabled by default — the core runs entirely in-memory.
	Enabled bool `json:"enabled" env:"ORCH_STORAGE_ENABLED" default:"false"`

	// DBPath is the SQLite database file path.
	DBPath string `json:"db_path" env:"ORCH_STORAGE_DB_PATH" default:""`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Safety: SafetyConfig{
			MaxDepthFromOrchestrator: 2,
			MaxDepthFromAgent:        1,
			MaxSubTasksPerWorker:     100,
			MaxParallelSubTasks:      20,
			SubTaskSpawnRateLimit:    100,
			SubTaskSpawnRateWindow:   time.Minute,
			DefaultSubTaskTimeout:    5 * time.Minute,
			MaxRetries:               2,
		},
		Permission: PermissionConfig{
			Mode:              "enforce",
			EscalationTimeout: 2 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Enabled: false,
		},
	}
}
