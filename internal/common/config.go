// -----------------------------------------------------------------------
// Configuration - defaults -> TOML file(s) -> environment -> CLI flags
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Queue       QueueConfig   `toml:"queue"`
	Retry       RetryConfig   `toml:"retry"`
	Janitor     JanitorConfig `toml:"janitor"`
	Workers     WorkersConfig `toml:"workers"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
	// SubmitRatePerSecond throttles POST /api/jobs; 0 disables the limiter.
	SubmitRatePerSecond float64 `toml:"submit_rate_per_second"`
	SubmitBurst         int     `toml:"submit_burst"`
}

type StorageConfig struct {
	Backend string       `toml:"backend"` // State-store implementation; "badger" is the reference backend
	Badger  BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration.
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	JobsName          string `toml:"jobs_name"`          // Logical name of the jobs queue
	TasksName         string `toml:"tasks_name"`         // Logical name of the tasks queue
	PollInterval      string `toml:"poll_interval"`      // e.g. "250ms" - worker poll cadence when idle
	VisibilitySeconds int    `toml:"visibility_seconds"` // Message visibility lease duration
	MaxDeliveryCount  int    `toml:"max_delivery_count"` // Deliveries before dead-letter
}

type RetryConfig struct {
	MaxAttempts      int `toml:"max_attempts"`       // Bound on task redelivery
	BaseDelaySeconds int `toml:"base_delay_seconds"` // Backoff base
	MaxDelaySeconds  int `toml:"max_delay_seconds"`  // Backoff cap
}

type JanitorConfig struct {
	IntervalSeconds          int `toml:"interval_seconds"`            // Sweep cadence
	LeaseGraceSeconds        int `toml:"lease_grace_seconds"`         // Heartbeat grace before a task is considered dead
	StuckJobThresholdSeconds int `toml:"stuck_job_threshold_seconds"` // Triggers orchestration_stuck failure
}

type WorkersConfig struct {
	JobWorkers  int `toml:"job_workers"`  // Workers consuming the jobs queue
	TaskWorkers int `toml:"task_workers"` // Workers consuming the tasks queue
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
	// MinEventLevel is the minimum level published to the websocket event stream.
	MinEventLevel string `toml:"min_event_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:                8380,
			Host:                "localhost",
			SubmitRatePerSecond: 50,
			SubmitBurst:         100,
		},
		Storage: StorageConfig{
			Backend: "badger",
			Badger: BadgerConfig{
				Path: "./data/strata",
			},
		},
		Queue: QueueConfig{
			JobsName:          "strata-jobs",
			TasksName:         "strata-tasks",
			PollInterval:      "250ms",
			VisibilitySeconds: 300,
			MaxDeliveryCount:  5,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 5,
			MaxDelaySeconds:  300,
		},
		Janitor: JanitorConfig{
			IntervalSeconds:          60,
			LeaseGraceSeconds:        30,
			StuckJobThresholdSeconds: 600,
		},
		Workers: WorkersConfig{
			JobWorkers:  2,
			TaskWorkers: 4,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Output:        []string{"stdout"},
			MinEventLevel: "info",
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each TOML file in
// order (later files override earlier ones), then environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies STRATA_* environment variables over the loaded
// configuration.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("STRATA_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("STRATA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("STRATA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if backend := os.Getenv("STRATA_STATE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if path := os.Getenv("STRATA_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if name := os.Getenv("STRATA_QUEUE_JOBS_NAME"); name != "" {
		config.Queue.JobsName = name
	}
	if name := os.Getenv("STRATA_QUEUE_TASKS_NAME"); name != "" {
		config.Queue.TasksName = name
	}
	if interval := os.Getenv("STRATA_QUEUE_POLL_INTERVAL"); interval != "" {
		config.Queue.PollInterval = interval
	}
	if visibility := os.Getenv("STRATA_QUEUE_VISIBILITY_SECONDS"); visibility != "" {
		if v, err := strconv.Atoi(visibility); err == nil {
			config.Queue.VisibilitySeconds = v
		}
	}
	if maxDelivery := os.Getenv("STRATA_QUEUE_MAX_DELIVERY_COUNT"); maxDelivery != "" {
		if v, err := strconv.Atoi(maxDelivery); err == nil {
			config.Queue.MaxDeliveryCount = v
		}
	}

	if attempts := os.Getenv("STRATA_RETRY_MAX_ATTEMPTS"); attempts != "" {
		if v, err := strconv.Atoi(attempts); err == nil {
			config.Retry.MaxAttempts = v
		}
	}
	if base := os.Getenv("STRATA_RETRY_BASE_DELAY_SECONDS"); base != "" {
		if v, err := strconv.Atoi(base); err == nil {
			config.Retry.BaseDelaySeconds = v
		}
	}
	if max := os.Getenv("STRATA_RETRY_MAX_DELAY_SECONDS"); max != "" {
		if v, err := strconv.Atoi(max); err == nil {
			config.Retry.MaxDelaySeconds = v
		}
	}

	if interval := os.Getenv("STRATA_JANITOR_INTERVAL_SECONDS"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			config.Janitor.IntervalSeconds = v
		}
	}
	if threshold := os.Getenv("STRATA_JANITOR_STUCK_JOB_THRESHOLD_SECONDS"); threshold != "" {
		if v, err := strconv.Atoi(threshold); err == nil {
			config.Janitor.StuckJobThresholdSeconds = v
		}
	}

	if level := os.Getenv("STRATA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("STRATA_LOG_OUTPUT"); output != "" {
		parts := strings.Split(output, ",")
		outputs := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority).
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the resolved configuration for values the engine cannot
// run with.
func (c *Config) Validate() error {
	if c.Queue.JobsName == "" || c.Queue.TasksName == "" {
		return fmt.Errorf("queue names are required")
	}
	if c.Queue.JobsName == c.Queue.TasksName {
		return fmt.Errorf("jobs and tasks queues must have distinct names")
	}
	if c.Queue.VisibilitySeconds <= 0 {
		return fmt.Errorf("queue visibility must be positive")
	}
	if c.Queue.MaxDeliveryCount < 1 {
		return fmt.Errorf("queue max delivery count must be at least 1")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts cannot be negative")
	}
	if c.Retry.BaseDelaySeconds <= 0 || c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry delay bounds are invalid")
	}
	if c.Workers.JobWorkers < 1 || c.Workers.TaskWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	return nil
}
