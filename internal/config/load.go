package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from defaults, file, and environment.
// Resolution order (highest priority last):
// 1. Defaults
// 2. Config file
// 3. Environment variables
func Load() (*Config, error) {
	cfg := Default()

	// Load from config file if present
	if path := configFilePath(); path != "" {
		if err := loadFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Load from environment (overrides file)
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) error {
	return loadStructFromEnv(reflect.ValueOf(cfg).Elem(), "")
}

// loadStructFromEnv recursively loads struct fields from environment.
func loadStructFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			// No env tag, check if it's a nested struct
			if field.Kind() == reflect.Struct {
				if err := loadStructFromEnv(field, prefix); err != nil {
					return err
				}
			}
			continue
		}

		// Check environment variable
		if value := os.Getenv(envTag); value != "" {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("setting %s: %w", envTag, err)
			}
		}
	}

	return nil
}

// setField sets a struct field from a string value.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			// Handle duration
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parsing duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			// Handle int
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing int: %w", err)
			}
			field.SetInt(n)
		}
	case reflect.Int32:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing int32: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing bool: %w", err)
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parsing float64: %w", err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// configFilePath returns the path to the config file.
func configFilePath() string {
	// Check environment override
	if path := os.Getenv("ORCH_CONFIG_PATH"); path != "" {
		return path
	}

	// Check default locations
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	paths := []string{
		filepath.Join(home, ".orchestra", "config.json"),
		filepath.Join(home, ".orchestra.json"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Save saves configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEnvDocs returns documentation for all environment variables.
func GetEnvDocs() map[string]string {
	return map[string]string{
		"ORCH_MAX_DEPTH_FROM_ORCHESTRATOR":  "Max ancestry depth for chains rooted at the orchestrator (default: 2)",
		"ORCH_MAX_DEPTH_FROM_AGENT":         "Max ancestry depth for chains rooted at an agent (default: 1)",
		"ORCH_MAX_SUBTASKS_PER_WORKER":      "Max lifetime subtasks spawned per worker (default: 100)",
		"ORCH_MAX_PARALLEL_SUBTASKS":        "Max concurrently running subtasks per worker (default: 20)",
		"ORCH_SUBTASK_SPAWN_RATE_LIMIT":     "Max subtask creations per rolling window (default: 100)",
		"ORCH_SUBTASK_SPAWN_RATE_WINDOW":    "Rolling window for the spawn rate limit (default: 1m)",
		"ORCH_DEFAULT_SUBTASK_TIMEOUT":      "Default subtask execution timeout (default: 5m)",
		"ORCH_MAX_RETRIES":                  "Max automatic retry attempts per task (default: 2)",
		"ORCH_PERMISSION_MODE":              "Permission mode: enforce or warn (default: enforce)",
		"ORCH_PERMISSION_ESCALATION_TIMEOUT": "Timeout waiting for a human permission decision (default: 2m)",
		"ORCH_LOG_LEVEL":                    "Log level: debug, info, warn, error, fatal (default: info)",
		"ORCH_LOG_DIR":                      "Log directory",
		"ORCH_METRICS_ENABLED":              "Enable metrics (default: true)",
		"ORCH_METRICS_PATH":                 "Metrics output path",
		"ORCH_STORAGE_ENABLED":              "Enable SQLite-backed persistence (default: false)",
		"ORCH_STORAGE_DB_PATH":              "SQLite database file path",
		"ORCH_CONFIG_PATH":                  "Path to config file",
	}
}

// PrintEnvDocs prints environment variable documentation.
func PrintEnvDocs() {
	fmt.Println("Orchestra Core Environment Variables")
	fmt.Println("=====================================")
	fmt.Println()

	categories := map[string][]string{
		"Safety":     {},
		"Permission": {},
		"Telemetry":  {},
		"Storage":    {},
		"General":    {},
	}

	docs := GetEnvDocs()
	for env, doc := range docs {
		category := "General"
		switch {
		case strings.Contains(env, "DEPTH") || strings.Contains(env, "SUBTASK") || strings.Contains(env, "RETRIES"):
			category = "Safety"
		case strings.Contains(env, "PERMISSION"):
			category = "Permission"
		case strings.Contains(env, "LOG") || strings.Contains(env, "METRIC"):
			category = "Telemetry"
		case strings.Contains(env, "STORAGE"):
			category = "Storage"
		}
		categories[category] = append(categories[category], fmt.Sprintf("  %-40s %s", env, doc))
	}

	for category, vars := range categories {
		if len(vars) > 0 {
			fmt.Printf("%s:\n", category)
			for _, v := range vars {
				fmt.Println(v)
			}
			fmt.Println()
		}
	}
}
