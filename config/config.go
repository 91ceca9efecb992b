// Package config loads application configuration from an optional YAML file
// and environment variables. A single Config is constructed at process start
// and passed into component constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Port           string `yaml:"port"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// StorageConfig selects and parameterizes the persistent store.
type StorageConfig struct {
	Type        string `yaml:"type"` // "sqlite" or "postgresql"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	MaxConns    int    `yaml:"max_conns"`
}

// CacheConfig holds cache-layer settings.
type CacheConfig struct {
	// RedisURL switches the cache backend to Redis when non-empty.
	RedisURL string `yaml:"redis_url"`

	// CleanupInterval is how often expired entries are purged.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TelemetryConfig holds call-log settings.
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// DedupConfig holds query-deduplication pool settings.
type DedupConfig struct {
	Capacity int `yaml:"capacity"`
}

// Config is the root application configuration.
type Config struct {
	Environment string          `yaml:"environment"` // "development" or "production"
	LogLevel    string          `yaml:"log_level"`
	Server      ServerConfig    `yaml:"server"`
	Storage     StorageConfig   `yaml:"storage"`
	Cache       CacheConfig     `yaml:"cache"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Dedup       DedupConfig     `yaml:"dedup"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:           "8090",
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLitePath: ".cache/optigate.db",
			MaxConns:   10,
		},
		Cache: CacheConfig{
			CleanupInterval: time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 90,
		},
		Dedup: DedupConfig{
			Capacity: 1000,
		},
	}
}

// Load builds the configuration: defaults, then an optional YAML file
// (OPTIGATE_CONFIG or ./optigate.yaml), then environment variables. A .env
// file in the working directory is read first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("OPTIGATE_CONFIG")
	if path == "" {
		path = "optigate.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration fields from OPTIGATE_* variables.
func applyEnv(cfg *Config) {
	setString(&cfg.Environment, "OPTIGATE_ENV")
	setString(&cfg.LogLevel, "OPTIGATE_LOG_LEVEL")
	setString(&cfg.Server.Port, "OPTIGATE_PORT")
	setBool(&cfg.Server.MetricsEnabled, "OPTIGATE_METRICS_ENABLED")
	setString(&cfg.Storage.Type, "OPTIGATE_STORAGE_TYPE")
	setString(&cfg.Storage.SQLitePath, "OPTIGATE_SQLITE_PATH")
	setString(&cfg.Storage.PostgresURL, "OPTIGATE_POSTGRES_URL")
	setInt(&cfg.Storage.MaxConns, "OPTIGATE_POSTGRES_MAX_CONNS")
	setString(&cfg.Cache.RedisURL, "OPTIGATE_REDIS_URL")
	setDuration(&cfg.Cache.CleanupInterval, "OPTIGATE_CACHE_CLEANUP_INTERVAL")
	setBool(&cfg.Telemetry.Enabled, "OPTIGATE_TELEMETRY_ENABLED")
	setInt(&cfg.Telemetry.BufferSize, "OPTIGATE_TELEMETRY_BUFFER_SIZE")
	setDuration(&cfg.Telemetry.FlushInterval, "OPTIGATE_TELEMETRY_FLUSH_INTERVAL")
	setInt(&cfg.Telemetry.RetentionDays, "OPTIGATE_TELEMETRY_RETENTION_DAYS")
	setInt(&cfg.Dedup.Capacity, "OPTIGATE_DEDUP_CAPACITY")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgresql":
	default:
		return fmt.Errorf("invalid storage type %q (valid: sqlite, postgresql)", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage type postgresql requires OPTIGATE_POSTGRES_URL")
	}
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("invalid environment %q (valid: development, production)", c.Environment)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
