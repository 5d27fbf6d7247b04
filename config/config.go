// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config holds the runtime configuration of the ASAP stack:
// server limits, validation windows, compression threshold, circuit
// breaker defaults, metering retention, and storage DSNs. Modeled on the
// teacher's config package: a plain struct tree loaded from YAML via
// gopkg.in/yaml.v3, then overridden by environment variables, then
// validated.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ASAP runtime configuration.
type Config struct {
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Validation  ValidationConfig  `yaml:"validation"`
	Compression CompressionConfig `yaml:"compression"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Metering    MeteringConfig    `yaml:"metering"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig bounds the HTTP/WebSocket server.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	MaxHandlerThreads int           `yaml:"max_handler_threads"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RateLimitRPS      float64       `yaml:"rate_limit_rps"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	DebugMode         bool          `yaml:"debug_mode"`
}

// ValidationConfig bounds the validation pipeline (§4.3).
type ValidationConfig struct {
	MaxEnvelopeAge       time.Duration `yaml:"max_envelope_age"`
	MaxFutureTolerance   time.Duration `yaml:"max_future_tolerance"`
	RequireNonce         bool          `yaml:"require_nonce"`
	NonceTTL             time.Duration `yaml:"nonce_ttl"`
	NonceCleanupInterval time.Duration `yaml:"nonce_cleanup_interval"`
}

// CompressionConfig bounds the compression codec (§4.4).
type CompressionConfig struct {
	ThresholdBytes       int   `yaml:"threshold_bytes"`
	MaxDecompressedBytes int64 `yaml:"max_decompressed_bytes"`
}

// BreakerConfig bounds the client-side circuit breaker (§4.6).
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CooldownPeriod   time.Duration `yaml:"cooldown_period"`
}

// MeteringConfig selects and bounds the usage-event store (§4.12).
type MeteringConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"` // "memory" | "sqlite" | "postgres"
	SQLitePath    string        `yaml:"sqlite_path"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	RetentionTTL  time.Duration `yaml:"retention_ttl"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// LoggingConfig mirrors the teacher's logging config shape.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	PrettyPrint bool   `yaml:"pretty_print"`
}

// Default returns the configuration built from the spec's worked
// examples: 300s/30s validation windows, 1024-byte compression threshold,
// 5-failure/30s breaker, in-memory metering.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			ListenAddr:        ":8443",
			MaxBodyBytes:      10 << 20, // 10 MiB
			MaxHandlerThreads: 32,
			RequestTimeout:    30 * time.Second,
			RateLimitRPS:      50,
			RateLimitBurst:    100,
		},
		Validation: ValidationConfig{
			MaxEnvelopeAge:       300 * time.Second,
			MaxFutureTolerance:   30 * time.Second,
			RequireNonce:         true,
			NonceTTL:             300 * time.Second,
			NonceCleanupInterval: 60 * time.Second,
		},
		Compression: CompressionConfig{
			ThresholdBytes:       1024,
			MaxDecompressedBytes: 50 << 20, // 50 MiB
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CooldownPeriod:   30 * time.Second,
		},
		Metering: MeteringConfig{
			Enabled:       false,
			Backend:       "memory",
			RetentionTTL:  30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromFile reads and parses a YAML configuration file, applying
// Default() values for anything the file leaves out.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.max_body_bytes must be positive")
	}
	if c.Server.MaxHandlerThreads <= 0 {
		return fmt.Errorf("config: server.max_handler_threads must be positive")
	}
	if c.Validation.MaxEnvelopeAge <= 0 {
		return fmt.Errorf("config: validation.max_envelope_age must be positive")
	}
	if c.Compression.ThresholdBytes < 0 {
		return fmt.Errorf("config: compression.threshold_bytes must not be negative")
	}
	if c.Compression.MaxDecompressedBytes <= 0 {
		return fmt.Errorf("config: compression.max_decompressed_bytes must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive")
	}
	switch c.Metering.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: metering.backend %q is not one of memory|sqlite|postgres", c.Metering.Backend)
	}
	if c.Metering.Enabled && c.Metering.Backend == "sqlite" && c.Metering.SQLitePath == "" {
		return fmt.Errorf("config: metering.sqlite_path is required when backend is sqlite")
	}
	if c.Metering.Enabled && c.Metering.Backend == "postgres" && c.Metering.PostgresDSN == "" {
		return fmt.Errorf("config: metering.postgres_dsn is required when backend is postgres")
	}
	return nil
}

// ApplyEnvOverrides overrides cfg fields from ASAP_-prefixed environment
// variables, taking priority over whatever the YAML file or Default()
// set. Mirrors the teacher's applyEnvironmentOverrides pattern.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ASAP_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ASAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ASAP_METERING_BACKEND"); v != "" {
		c.Metering.Backend = v
	}
	if v := os.Getenv("ASAP_METERING_SQLITE_PATH"); v != "" {
		c.Metering.SQLitePath = v
	}
	if v := os.Getenv("ASAP_METERING_POSTGRES_DSN"); v != "" {
		c.Metering.PostgresDSN = v
	}
	if os.Getenv("ASAP_METERING_ENABLED") == "true" {
		c.Metering.Enabled = true
	}
	if os.Getenv("ASAP_METERING_ENABLED") == "false" {
		c.Metering.Enabled = false
	}
	if os.Getenv("ASAP_DEBUG_MODE") == "true" {
		c.Server.DebugMode = true
	}
}

// Load reads path if non-empty (falling back to Default() when the file
// is absent), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg *Config
	var err error

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			cfg, err = LoadFromFile(path)
			if err != nil {
				return nil, err
			}
		}
	}
	if cfg == nil {
		cfg = Default()
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
