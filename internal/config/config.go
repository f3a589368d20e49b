// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package config defines the Licsync configuration model and its layered
// loading (defaults, optional YAML file, environment overrides).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the Licsync service.
// Every option is an explicit, named field with a documented default;
// there is no pass-through of unknown keys.
type Config struct {
	Provisio ProvisioConfig `koanf:"provisio"`
	Sync     SyncConfig     `koanf:"sync"`
	Cache    CacheConfig    `koanf:"cache"`
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ProvisioConfig configures the upstream Provisio licensing API client.
type ProvisioConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`

	// MaxRetries bounds retry attempts for transient upstream failures.
	MaxRetries int `koanf:"max_retries"`
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	// MaxRequestsPerSecond caps outbound request rate. 0 disables the limiter.
	MaxRequestsPerSecond float64 `koanf:"max_requests_per_second"`

	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the gobreaker settings around upstream calls.
type CircuitBreakerConfig struct {
	// MinRequests is the minimum observation count before the breaker may trip.
	MinRequests uint32 `koanf:"min_requests"`
	// FailureRate in [0,1]; the breaker opens at or above this ratio.
	FailureRate float64 `koanf:"failure_rate"`
	// Interval is the closed-state rolling window for failure counts.
	Interval time.Duration `koanf:"interval"`
	// Timeout is how long the breaker stays open before a half-open probe.
	Timeout time.Duration `koanf:"timeout"`
}

// SyncConfig configures scheduled synchronization runs.
type SyncConfig struct {
	Enabled bool `koanf:"enabled"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `koanf:"schedule"`
	Timezone string `koanf:"timezone"`

	BatchSize          int  `koanf:"batch_size"`
	Comprehensive      bool `koanf:"comprehensive"`
	SyncToInternalOnly bool `koanf:"sync_to_internal_only"`
	ForceFullSync      bool `koanf:"force_full_sync"`

	// Adaptive batch bounds for the persistence gateway.
	MinBatchSize int `koanf:"min_batch_size"`
	MaxBatchSize int `koanf:"max_batch_size"`
	// FailureRateThreshold shrinks the batch size when a batch exceeds it.
	FailureRateThreshold float64 `koanf:"failure_rate_threshold"`
	// GrowAfterCleanBatches grows the batch size after this many clean batches.
	GrowAfterCleanBatches int `koanf:"grow_after_clean_batches"`

	// FallbackMatchEnabled allows matching external records to internal rows
	// without a correlation key by business name, postal code, and plan tier.
	// Disable if pre-sync internal rows are known not to overlap upstream data.
	FallbackMatchEnabled bool `koanf:"fallback_match_enabled"`
}

// CacheConfig holds the read-cache TTLs.
type CacheConfig struct {
	ListTTL    time.Duration `koanf:"list_ttl"`
	LicenseTTL time.Duration `koanf:"license_ttl"`
	StatsTTL   time.Duration `koanf:"stats_ttl"`
}

// DatabaseConfig configures the internal DuckDB license store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	// Threads sets DuckDB worker threads. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// ServerConfig configures the operator-facing HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// NATSConfig configures sync-complete event publishing.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	// Topic is the subject sync-complete events are published to.
	Topic string `koanf:"topic"`
	// AlertTopic is the subject escalated integrity violations are published to.
	AlertTopic    string        `koanf:"alert_topic"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Provisio: ProvisioConfig{
			URL:                  "",
			APIKey:               "",
			Timeout:              30 * time.Second,
			MaxRetries:           5,
			RetryBaseDelay:       1 * time.Second,
			MaxRequestsPerSecond: 10,
			CircuitBreaker: CircuitBreakerConfig{
				MinRequests: 10,
				FailureRate: 0.6,
				Interval:    time.Minute,
				Timeout:     2 * time.Minute,
			},
		},
		Sync: SyncConfig{
			Enabled:               true,
			Schedule:              "0 2 * * *", // daily at 02:00
			Timezone:              "UTC",
			BatchSize:             100,
			Comprehensive:         false,
			SyncToInternalOnly:    false,
			ForceFullSync:         false,
			MinBatchSize:          10,
			MaxBatchSize:          500,
			FailureRateThreshold:  0.25,
			GrowAfterCleanBatches: 3,
			FallbackMatchEnabled:  true,
		},
		Cache: CacheConfig{
			ListTTL:    5 * time.Minute,
			LicenseTTL: 5 * time.Minute,
			StatsTTL:   15 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/licsync.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8484,
			Timeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Topic:         "licenses.sync.completed",
			AlertTopic:    "licenses.integrity.alert",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Sync.Enabled && c.Provisio.URL == "" && !c.Sync.SyncToInternalOnly {
		return fmt.Errorf("provisio.url is required when sync is enabled")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MinBatchSize <= 0 || c.Sync.MaxBatchSize < c.Sync.MinBatchSize {
		return fmt.Errorf("invalid adaptive batch bounds [%d, %d]",
			c.Sync.MinBatchSize, c.Sync.MaxBatchSize)
	}
	if c.Sync.FailureRateThreshold < 0 || c.Sync.FailureRateThreshold > 1 {
		return fmt.Errorf("sync.failure_rate_threshold must be in [0,1], got %f",
			c.Sync.FailureRateThreshold)
	}
	if c.Sync.Schedule != "" {
		if err := checkCronShape(c.Sync.Schedule); err != nil {
			return fmt.Errorf("invalid sync.schedule: %w", err)
		}
	}
	if c.Sync.Timezone != "" {
		if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
			return fmt.Errorf("invalid sync.timezone %q: %w", c.Sync.Timezone, err)
		}
	}
	if cb := c.Provisio.CircuitBreaker; cb.FailureRate <= 0 || cb.FailureRate > 1 {
		return fmt.Errorf("provisio.circuit_breaker.failure_rate must be in (0,1], got %f",
			cb.FailureRate)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// checkCronShape validates the field count of a cron expression.
// Full parsing happens in the scheduler; this catches obvious typos at load time.
func checkCronShape(expr string) error {
	if n := len(strings.Fields(expr)); n != 5 {
		return fmt.Errorf("expected 5 fields (minute hour dom month dow), got %d", n)
	}
	return nil
}
