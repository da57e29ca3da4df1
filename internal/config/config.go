// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from SKALD_* environment
// variables with an optional YAML overlay file. The file may be watched for
// hot reload of the tunable parts (scheduler weights, probe settings).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skald-audio/skald/internal/scheduler"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// RedisAddr enables the redis cache and queue backends; empty keeps
	// everything in process memory.
	RedisAddr string `yaml:"redis_addr"`
	QueueKey  string `yaml:"queue_key"`

	PricingCacheTTL time.Duration `yaml:"pricing_cache_ttl"`

	// TaskRatePerMinute caps task creations per client IP.
	TaskRatePerMinute int `yaml:"task_rate_per_minute"`

	// VideoProbe toggles the outbound reachability probe for video URLs.
	VideoProbe bool `yaml:"video_probe"`

	HealthInterval     time.Duration `yaml:"health_interval"`
	HealthProbesPerSec float64       `yaml:"health_probes_per_sec"`

	LedgerExportPath     string        `yaml:"ledger_export_path"`
	LedgerExportInterval time.Duration `yaml:"ledger_export_interval"`

	// SchedulerWeights overrides the built-in default weight vector when
	// set; file-only, hot-reloadable.
	SchedulerWeights *scheduler.Weights `yaml:"scheduler_weights"`

	// Providers declares the transcription backends the worker fleet runs.
	// The scheduler only considers declared providers; file-only.
	Providers []Provider `yaml:"providers"`

	Telemetry Telemetry `yaml:"telemetry"`
}

// Provider declares one transcription backend.
type Provider struct {
	Name     string   `yaml:"name"`
	Variants []string `yaml:"variants"`
	// HealthURL, when set, is polled by the provider health loop.
	HealthURL string `yaml:"health_url"`
}

// Telemetry configures tracing export.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		DBPath:               "data/skald.db",
		LogLevel:             "info",
		QueueKey:             "skald:jobs",
		PricingCacheTTL:      5 * time.Minute,
		TaskRatePerMinute:    60,
		VideoProbe:           true,
		HealthInterval:       time.Minute,
		HealthProbesPerSec:   2,
		LedgerExportInterval: time.Hour,
		Telemetry: Telemetry{
			ExporterType: "grpc",
			SamplingRate: 0.1,
		},
	}
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// FromEnv loads defaults overridden by SKALD_* environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	envStr("SKALD_LISTEN", &cfg.ListenAddr)
	envStr("SKALD_DB_PATH", &cfg.DBPath)
	envStr("SKALD_LOG_LEVEL", &cfg.LogLevel)
	envStr("SKALD_REDIS_ADDR", &cfg.RedisAddr)
	envStr("SKALD_QUEUE_KEY", &cfg.QueueKey)
	envStr("SKALD_LEDGER_EXPORT_PATH", &cfg.LedgerExportPath)
	envStr("SKALD_OTEL_EXPORTER", &cfg.Telemetry.ExporterType)
	envStr("SKALD_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)

	for _, err := range []error{
		envDuration("SKALD_PRICING_CACHE_TTL", &cfg.PricingCacheTTL),
		envInt("SKALD_TASK_RATE_PER_MINUTE", &cfg.TaskRatePerMinute),
		envBool("SKALD_VIDEO_PROBE", &cfg.VideoProbe),
		envDuration("SKALD_HEALTH_INTERVAL", &cfg.HealthInterval),
		envFloat("SKALD_HEALTH_PROBES_PER_SEC", &cfg.HealthProbesPerSec),
		envDuration("SKALD_LEDGER_EXPORT_INTERVAL", &cfg.LedgerExportInterval),
		envBool("SKALD_OTEL_ENABLED", &cfg.Telemetry.Enabled),
		envFloat("SKALD_OTEL_SAMPLE", &cfg.Telemetry.SamplingRate),
	} {
		if err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Load resolves the effective configuration: defaults, then environment,
// then the YAML overlay at path when it exists. An empty path skips the
// file entirely.
func Load(path string) (Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return cfg, err
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	if err := cfg.applyFile(path); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.TaskRatePerMinute <= 0 {
		return fmt.Errorf("task_rate_per_minute must be > 0")
	}
	if c.PricingCacheTTL <= 0 {
		return fmt.Errorf("pricing_cache_ttl must be > 0")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry sampling_rate must be in [0, 1]")
	}
	for i := range c.Providers {
		if c.Providers[i].Name == "" {
			return fmt.Errorf("providers[%d]: name must not be empty", i)
		}
		if len(c.Providers[i].Variants) == 0 {
			c.Providers[i].Variants = []string{"file"}
		}
	}
	if w := c.SchedulerWeights; w != nil {
		for _, v := range []float64{w.FreeQuota, w.Health, w.Cost, w.Quota, w.Quality, w.Features} {
			if v < 0 {
				return fmt.Errorf("scheduler weights must be >= 0")
			}
		}
	}
	return nil
}
