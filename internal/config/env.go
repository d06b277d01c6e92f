// Package config handles environment-based configuration loading and the
// hot-updatable runtime config model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string
	DataDir  string

	// Config file (optional; overrides runtime defaults at startup)
	ConfigFile string

	// Worker counts and bounded resources fixed at process start.
	BusWorkers       int
	ProbeConcurrency int

	// Shutdown
	ShutdownTimeout time.Duration

	// Store
	RetentionSchedule string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid variable rather than stopping at the
// first.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("AXIS_STATE_DIR", "/var/lib/axis")
	cfg.DataDir = envStr("AXIS_DATA_DIR", "/var/cache/axis")
	cfg.ConfigFile = envStr("AXIS_CONFIG_FILE", "")

	cfg.BusWorkers = envInt("AXIS_BUS_WORKERS", 8, &errs)
	cfg.ProbeConcurrency = envInt("AXIS_PROBE_CONCURRENCY", 64, &errs)
	cfg.ShutdownTimeout = envDuration("AXIS_SHUTDOWN_TIMEOUT", 10*time.Second, &errs)
	cfg.RetentionSchedule = envStr("AXIS_RETENTION_SCHEDULE", "0 4 * * *")

	validatePositive("AXIS_BUS_WORKERS", cfg.BusWorkers, &errs)
	validatePositive("AXIS_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, "AXIS_SHUTDOWN_TIMEOUT must be positive")
	}
	if _, err := cron.ParseStandard(cfg.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("AXIS_RETENTION_SCHEDULE: invalid cron expression %q: %v", cfg.RetentionSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
