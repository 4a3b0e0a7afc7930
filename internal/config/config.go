// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates of the mutable settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Security   SecurityConfig           `yaml:"security"`
	Cache      CacheConfig              `yaml:"cache"`
	Throttling ThrottlingConfig         `yaml:"throttling"`
	Domains    map[string]DomainMapping `yaml:"domain_mappings"`
	Logging    LoggingConfig            `yaml:"logging"`
	Admin      AdminConfig              `yaml:"admin"`
	Metrics    MetricsConfig            `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

// SecurityConfig controls the shared proxy access token.
type SecurityConfig struct {
	RequireSecureKey  bool   `yaml:"require_secure_key"`
	SecureKey         string `yaml:"secure_key"`
	LogSecurityEvents bool   `yaml:"log_security_events"`
}

// CacheConfig contains persistent cache settings.
type CacheConfig struct {
	DatabasePath         string `yaml:"database_path"`
	DefaultTTLSeconds    int    `yaml:"default_ttl_seconds"`
	MaxCacheResponseSize int    `yaml:"max_cache_response_size"`
	MaxCacheEntries      int    `yaml:"max_cache_entries"`
	MaxPoolSize          int    `yaml:"max_pool_size"`
}

// ThrottlingConfig defines per-domain rate limiting parameters.
type ThrottlingConfig struct {
	DefaultRequestsPerHour int            `yaml:"default_requests_per_hour"`
	ProgressiveMaxDelay    int            `yaml:"progressive_max_delay"` // seconds
	DecayInterval          int            `yaml:"decay_interval"`        // seconds
	DomainLimits           map[string]int `yaml:"domain_limits"`
}

// DomainMapping defines a configured alias and its upstream.
type DomainMapping struct {
	Upstream         string `yaml:"upstream"`
	TTLSeconds       int    `yaml:"ttl_seconds"`
	RateLimitPerHour int    `yaml:"rate_limit_per_hour"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	EnableFile bool   `yaml:"enable_file"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	Backups    int    `yaml:"backups"`
}

// AdminConfig controls the /admin inspection endpoints.
type AdminConfig struct {
	Enabled   bool `yaml:"enabled"`
	LogAccess bool `yaml:"log_access"`
}

// MetricsConfig contains metrics sink settings.
type MetricsConfig struct {
	EventBufferSize int `yaml:"event_buffer_size"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			UpstreamTimeout: 60 * time.Second,
		},
		Security: SecurityConfig{
			RequireSecureKey:  false,
			LogSecurityEvents: true,
		},
		Cache: CacheConfig{
			DatabasePath:         ":memory:",
			DefaultTTLSeconds:    86400,
			MaxCacheResponseSize: 10 * 1024 * 1024,
			MaxCacheEntries:      1000,
			MaxPoolSize:          5,
		},
		Throttling: ThrottlingConfig{
			DefaultRequestsPerHour: 1000,
			ProgressiveMaxDelay:    300,
			DecayInterval:          600,
		},
		Domains: map[string]DomainMapping{},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			MaxSizeMB: 10,
			Backups:   5,
		},
		Admin: AdminConfig{
			Enabled:   true,
			LogAccess: true,
		},
		Metrics: MetricsConfig{
			EventBufferSize: 1024,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}

	if c.Cache.DatabasePath == "" {
		return fmt.Errorf("cache.database_path must not be empty")
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("cache.default_ttl_seconds must be positive, got %d", c.Cache.DefaultTTLSeconds)
	}
	if c.Cache.MaxCacheEntries <= 0 {
		return fmt.Errorf("cache.max_cache_entries must be positive, got %d", c.Cache.MaxCacheEntries)
	}
	if c.Cache.MaxCacheResponseSize <= 0 {
		return fmt.Errorf("cache.max_cache_response_size must be positive, got %d", c.Cache.MaxCacheResponseSize)
	}
	if c.Cache.MaxPoolSize <= 0 {
		return fmt.Errorf("cache.max_pool_size must be positive, got %d", c.Cache.MaxPoolSize)
	}

	if c.Throttling.DefaultRequestsPerHour <= 0 {
		return fmt.Errorf("throttling.default_requests_per_hour must be positive")
	}
	if c.Throttling.ProgressiveMaxDelay <= 0 {
		return fmt.Errorf("throttling.progressive_max_delay must be positive")
	}
	if c.Throttling.DecayInterval <= 0 {
		return fmt.Errorf("throttling.decay_interval must be positive")
	}

	for alias, mapping := range c.Domains {
		if err := validateAlias(alias); err != nil {
			return err
		}
		if mapping.Upstream == "" {
			return fmt.Errorf("domain %q: upstream is required", alias)
		}
		u, err := url.Parse(mapping.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("domain %q: invalid upstream URL %q", alias, mapping.Upstream)
		}
		if mapping.TTLSeconds < 0 {
			return fmt.Errorf("domain %q: ttl_seconds must not be negative", alias)
		}
		if mapping.RateLimitPerHour < 0 {
			return fmt.Errorf("domain %q: rate_limit_per_hour must not be negative", alias)
		}
	}

	return nil
}

// validateAlias rejects aliases that cannot appear as a single path segment.
// "admin" is reserved for the inspection endpoints.
func validateAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("domain alias must not be empty")
	}
	if strings.Contains(alias, "/") {
		return fmt.Errorf("domain alias %q must not contain '/'", alias)
	}
	if alias == "admin" {
		return fmt.Errorf("domain alias %q is reserved", alias)
	}
	return nil
}

// TTLForDomain resolves the TTL to apply when storing a response for alias.
// Falls back to the cache-wide default when the mapping has no override.
func (c *Config) TTLForDomain(alias string) int {
	if m, ok := c.Domains[alias]; ok && m.TTLSeconds > 0 {
		return m.TTLSeconds
	}
	return c.Cache.DefaultTTLSeconds
}

// LimitForDomain resolves the hourly request budget for alias. The mapping's
// own rate_limit_per_hour wins over throttling.domain_limits, which wins over
// the global default.
func (c *Config) LimitForDomain(alias string) int {
	if m, ok := c.Domains[alias]; ok && m.RateLimitPerHour > 0 {
		return m.RateLimitPerHour
	}
	if limit, ok := c.Throttling.DomainLimits[alias]; ok && limit > 0 {
		return limit
	}
	return c.Throttling.DefaultRequestsPerHour
}
