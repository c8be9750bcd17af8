// Package config provides configuration management for Intelify.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/intelify/internal/correlate"
	"github.com/lvonguyen/intelify/internal/intel/feeds"
)

// Config holds all Intelify configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Storage     StorageConfig    `yaml:"storage"`
	Redis       RedisConfig      `yaml:"redis"`
	Auth        AuthConfig       `yaml:"auth"`
	Feeds       FeedsConfig      `yaml:"feeds"`
	Ingest      IngestConfig     `yaml:"ingest"`
	Correlation correlate.Config `yaml:"correlation"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds database settings.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// RedisConfig holds Redis connection settings. Redis is optional; with
// Enabled false the search cache and rate limiter are skipped.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Password resolves the Redis password from its environment variable.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// AuthConfig holds API authentication settings. Mutating endpoints require
// the bearer token held in TokenEnv; an unset variable disables auth.
type AuthConfig struct {
	TokenEnv string `yaml:"token_env"`
}

// Token resolves the API token from its environment variable.
func (c AuthConfig) Token() string {
	if c.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.TokenEnv)
}

// FeedsConfig holds per-source adapter settings.
type FeedsConfig struct {
	AbuseIPDB     feeds.Config `yaml:"abuseipdb"`
	OTX           feeds.Config `yaml:"otx"`
	URLhaus       feeds.Config `yaml:"urlhaus"`
	MalwareBazaar feeds.Config `yaml:"malwarebazaar"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	LimitPerSource int           `yaml:"limit_per_source"`
	Timeout        time.Duration `yaml:"timeout"`
}

// RateLimitConfig holds API rate limit settings. Only applied when Redis is
// enabled.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	SyncPerMinute     int  `yaml:"sync_per_minute"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			SQLitePath: "intelify.db",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 15 * time.Minute,
		},
		Auth: AuthConfig{
			TokenEnv: "INTELIFY_API_TOKEN",
		},
		Feeds: FeedsConfig{
			AbuseIPDB: feeds.Config{
				Enabled:   true,
				APIKeyEnv: "ABUSEIPDB_API_KEY",
				Timeout:   30 * time.Second,
			},
			OTX: feeds.Config{
				Enabled:   true,
				APIKeyEnv: "OTX_API_KEY",
				Timeout:   30 * time.Second,
			},
			URLhaus: feeds.Config{
				Enabled: true,
				Timeout: 30 * time.Second,
			},
			MalwareBazaar: feeds.Config{
				Enabled:   true,
				APIKeyEnv: "MALWAREBAZAAR_API_KEY",
				Timeout:   30 * time.Second,
			},
		},
		Ingest: IngestConfig{
			LimitPerSource: 50,
			Timeout:        2 * time.Minute,
		},
		Correlation: correlate.Config{
			MinClusterSize:  2,
			ReplaceExisting: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			SyncPerMinute:     5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// EnabledFeeds returns the names of the enabled feed adapters.
func (c *Config) EnabledFeeds() []string {
	var names []string
	if c.Feeds.AbuseIPDB.Enabled {
		names = append(names, "abuseipdb")
	}
	if c.Feeds.OTX.Enabled {
		names = append(names, "otx")
	}
	if c.Feeds.URLhaus.Enabled {
		names = append(names, "urlhaus")
	}
	if c.Feeds.MalwareBazaar.Enabled {
		names = append(names, "malwarebazaar")
	}
	return names
}
