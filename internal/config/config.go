package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config contains all runtime settings for the orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL  string
	StoreTimeout time.Duration

	DistributionEnabled  bool
	DistributionInterval time.Duration
	// DistributionSchedule is a cron spec; when set it replaces the interval.
	DistributionSchedule string

	AgentsFile      string
	WebhookAttempts int

	LogLevel  string
	LogFormat string

	TraceExporter string
	TraceEndpoint string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("HANDOFF_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("HANDOFF_METRICS_NAMESPACE", "handoff"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		DistributionSchedule: stringsTrimSpace("HANDOFF_DISTRIBUTION_SCHEDULE"),
		AgentsFile:           stringsTrimSpace("HANDOFF_AGENTS_FILE"),
		LogLevel:             envOrDefault("HANDOFF_LOG_LEVEL", "info"),
		LogFormat:            strings.ToLower(envOrDefault("HANDOFF_LOG_FORMAT", "json")),
		TraceExporter:        strings.ToLower(envOrDefault("HANDOFF_TRACE_EXPORTER", "none")),
		TraceEndpoint:        stringsTrimSpace("HANDOFF_TRACE_ENDPOINT"),
		ShutdownTimeout:      15 * time.Second,
		StoreTimeout:         5 * time.Second,
		DistributionEnabled:  true,
		DistributionInterval: 10 * time.Second,
		WebhookAttempts:      3,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("HANDOFF_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("HANDOFF_STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DistributionInterval, err = durationFromEnv("HANDOFF_DISTRIBUTION_INTERVAL", cfg.DistributionInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DistributionEnabled, err = boolFromEnv("HANDOFF_DISTRIBUTION_ENABLED", cfg.DistributionEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookAttempts, err = intFromEnv("HANDOFF_WEBHOOK_ATTEMPTS", cfg.WebhookAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("HANDOFF_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("HANDOFF_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.StoreTimeout < 100*time.Millisecond {
		return fmt.Errorf("HANDOFF_STORE_TIMEOUT must be at least 100ms")
	}
	if c.DistributionInterval < 100*time.Millisecond {
		return fmt.Errorf("HANDOFF_DISTRIBUTION_INTERVAL must be at least 100ms")
	}
	if c.WebhookAttempts < 1 || c.WebhookAttempts > 10 {
		return fmt.Errorf("HANDOFF_WEBHOOK_ATTEMPTS must be between 1 and 10")
	}
	if c.DistributionSchedule != "" {
		if _, err := ParseSchedule(c.DistributionSchedule); err != nil {
			return fmt.Errorf("HANDOFF_DISTRIBUTION_SCHEDULE: %w", err)
		}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("HANDOFF_LOG_FORMAT must be json or text")
	}
	switch c.TraceExporter {
	case "none", "stdout":
	case "otlp-http":
		if c.TraceEndpoint == "" {
			return fmt.Errorf("HANDOFF_TRACE_EXPORTER=otlp-http requires HANDOFF_TRACE_ENDPOINT")
		}
	default:
		return fmt.Errorf("HANDOFF_TRACE_EXPORTER must be none, stdout or otlp-http")
	}
	return nil
}

// Schedule returns the distribution schedule: the cron spec when one is set,
// otherwise a constant delay of DistributionInterval.
func (c Config) Schedule() (cron.Schedule, error) {
	if c.DistributionSchedule != "" {
		return ParseSchedule(c.DistributionSchedule)
	}
	return cron.Every(c.DistributionInterval), nil
}

// ParseSchedule accepts standard five-field cron specs and descriptors such as
// "@every 30s" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
