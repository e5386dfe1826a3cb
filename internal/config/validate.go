package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// ValidationResult contains validation errors.
type ValidationResult struct {
	Errors []*ValidationError
}

// Valid returns true if there are no validation errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error string.
func (r *ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors: make([]*ValidationError, 0),
	}

	result.validateSafety(c)
	result.validatePermission(c)
	result.validateTelemetry(c)
	result.validateStorage(c)

	return result
}

func (r *ValidationResult) validateSafety(c *Config) {
	if c.Safety.MaxDepthFromOrchestrator < 0 {
		r.add("safety.max_depth_from_orchestrator", "must be >= 0")
	}
	if c.Safety.MaxDepthFromAgent < 0 {
		r.add("safety.max_depth_from_agent", "must be >= 0")
	}
	if c.Safety.MaxSubTasksPerWorker < 1 {
		r.add("safety.max_subtasks_per_worker", "must be >= 1")
	}
	if c.Safety.MaxParallelSubTasks < 1 {
		r.add("safety.max_parallel_subtasks", "must be >= 1")
	}
	if c.Safety.SubTaskSpawnRateLimit < 1 {
		r.add("safety.subtask_spawn_rate_limit", "must be >= 1")
	}
	if c.Safety.SubTaskSpawnRateWindow <= 0 {
		r.add("safety.subtask_spawn_rate_window", "must be > 0")
	}
	if c.Safety.DefaultSubTaskTimeout <= 0 {
		r.add("safety.default_subtask_timeout", "must be > 0")
	}
	if c.Safety.MaxRetries < 0 {
		r.add("safety.max_retries", "must be >= 0")
	}
}

func (r *ValidationResult) validatePermission(c *Config) {
	if c.Permission.Mode != "enforce" && c.Permission.Mode != "warn" {
		r.add("permission.mode", "must be 'enforce' or 'warn'")
	}
	if c.Permission.EscalationTimeout <= 0 {
		r.add("permission.escalation_timeout", "must be > 0")
	}
}

func (r *ValidationResult) validateTelemetry(c *Config) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Telemetry.LogLevel] {
		r.add("telemetry.log_level", "must be one of: debug, info, warn, error, fatal")
	}
	if c.Telemetry.LogDir != "" {
		if !filepath.IsAbs(c.Telemetry.LogDir) {
			r.add("telemetry.log_dir", "must be an absolute path")
		}
	}
}

func (r *ValidationResult) validateStorage(c *Config) {
	if c.Storage.Enabled && c.Storage.DBPath == "" {
		r.add("storage.db_path", "must be set when storage is enabled")
	}
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Message: message,
	})
}

// MustValidate validates the config and panics if invalid.
func (c *Config) MustValidate() {
	result := c.Validate()
	if !result.Valid() {
		panic(result.Error())
	}
}

// ValidateWithDefaults validates and applies defaults for missing values.
func (c *Config) ValidateWithDefaults() error {
	defaults := Default()

	if c.Safety.MaxDepthFromOrchestrator == 0 {
		c.Safety.MaxDepthFromOrchestrator = defaults.Safety.MaxDepthFromOrchestrator
	}
	if c.Safety.MaxDepthFromAgent == 0 {
		c.Safety.MaxDepthFromAgent = defaults.Safety.MaxDepthFromAgent
	}
	if c.Safety.MaxSubTasksPerWorker == 0 {
		c.Safety.MaxSubTasksPerWorker = defaults.Safety.MaxSubTasksPerWorker
	}
	if c.Safety.MaxParallelSubTasks == 0 {
		c.Safety.MaxParallelSubTasks = defaults.Safety.MaxParallelSubTasks
	}
	if c.Safety.SubTaskSpawnRateLimit == 0 {
		c.Safety.SubTaskSpawnRateLimit = defaults.Safety.SubTaskSpawnRateLimit
	}
	if c.Safety.SubTaskSpawnRateWindow == 0 {
		c.Safety.SubTaskSpawnRateWindow = defaults.Safety.SubTaskSpawnRateWindow
	}
	if c.Safety.DefaultSubTaskTimeout == 0 {
		c.Safety.DefaultSubTaskTimeout = defaults.Safety.DefaultSubTaskTimeout
	}
	if c.Permission.Mode == "" {
		c.Permission.Mode = defaults.Permission.Mode
	}
	if c.Permission.EscalationTimeout == 0 {
		c.Permission.EscalationTimeout = defaults.Permission.EscalationTimeout
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = defaults.Telemetry.LogLevel
	}

	result := c.Validate()
	if !result.Valid() {
		return fmt.Errorf("configuration validation failed: %s", result.Error())
	}

	return nil
}
