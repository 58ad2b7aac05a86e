// Copyright 2025 The Polygate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the gateway's process-wide configuration: the HTTP
// server surface, the upstream endpoint and retry policy, storage backends,
// key blacklist behavior, quota admission, and the static model tables.
// Everything is read-only after startup except the model tables, which may be
// swapped atomically by the config watcher.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Blacklist BlacklistConfig `yaml:"blacklist" json:"blacklist"`
	Quota     QuotaConfig     `yaml:"quota" json:"quota"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	Models    ModelsConfig    `yaml:"models" json:"models"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Upstream.SetDefaults()
	c.Storage.SetDefaults()
	c.Blacklist.SetDefaults()
	c.Quota.SetDefaults()
	c.Retention.SetDefaults()
	c.Logging.SetDefaults()
	c.CORS.SetDefaults()
	c.Models.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"upstream", c.Upstream.Validate},
		{"storage", c.Storage.Validate},
		{"blacklist", c.Blacklist.Validate},
		{"quota", c.Quota.Validate},
		{"retention", c.Retention.Validate},
		{"logging", c.Logging.Validate},
		{"models", c.Models.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,minimum=1,maximum=65535,default=8080"`

	// ReadTimeout bounds reading the client request (headers + body).
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	// ShutdownTimeout bounds the graceful drain on stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	// MaxBodyBytes rejects request bodies larger than this before JSON
	// decoding. Must leave room for base64-encoded images (20 MB decoded).
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty" json:"max_body_bytes,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 50 << 20
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1, 65535], got %d", c.Port)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects the persistence backend for request logs, key
// metrics, and stats. "memory" keeps everything in-process and is intended
// for tests and single-node evaluation runs.
type StorageConfig struct {
	Backend  string         `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=sql,enum=memory,default=sql"`
	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sql"
	}
	if c.Backend == "sql" {
		if c.Database.Driver == "" {
			c.Database.Driver = "sqlite"
		}
		if c.Database.Database == "" && c.Database.Dialect() == "sqlite" {
			c.Database.Database = "polygate.db"
		}
		c.Database.SetDefaults()
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sql":
		return c.Database.Validate()
	default:
		return fmt.Errorf("invalid backend %q (valid: sql, memory)", c.Backend)
	}
}

// BlacklistConfig controls the TTL quarantine for failing keys.
//
// TTLs are configuration, not constants, but their ordering is a contract:
// auth failures quarantine far longer than daily-quota exhaustion, which
// lasts at least until the next UTC midnight, which in turn outlasts a plain
// rate-limit cooldown.
type BlacklistConfig struct {
	Store string      `yaml:"store,omitempty" json:"store,omitempty" jsonschema:"enum=redis,enum=memory,default=memory"`
	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// RateLimitedTTL quarantines keys that hit a per-minute limit.
	RateLimitedTTL time.Duration `yaml:"rate_limited_ttl,omitempty" json:"rate_limited_ttl,omitempty"`
	// AuthFailedTTL quarantines keys rejected with 401/403.
	AuthFailedTTL time.Duration `yaml:"auth_failed_ttl,omitempty" json:"auth_failed_ttl,omitempty"`
	// DailyMinimum floors daily-quota expirations so an entry created just
	// before midnight still blocks for a beat instead of expiring instantly.
	DailyMinimum time.Duration `yaml:"daily_minimum,omitempty" json:"daily_minimum,omitempty"`

	// AuthFailureThreshold is how many consecutive 401/403 outcomes a key
	// accumulates before it is quarantined as auth_failed.
	AuthFailureThreshold int `yaml:"auth_failure_threshold,omitempty" json:"auth_failure_threshold,omitempty"`
}

func (c *BlacklistConfig) SetDefaults() {
	if c.Store == "" {
		c.Store = "memory"
	}
	if c.Store == "redis" {
		c.Redis.SetDefaults()
	}
	if c.RateLimitedTTL == 0 {
		c.RateLimitedTTL = 5 * time.Minute
	}
	if c.AuthFailedTTL == 0 {
		c.AuthFailedTTL = 12 * time.Hour
	}
	if c.DailyMinimum == 0 {
		c.DailyMinimum = time.Minute
	}
	if c.AuthFailureThreshold == 0 {
		c.AuthFailureThreshold = 3
	}
}

func (c *BlacklistConfig) Validate() error {
	switch c.Store {
	case "memory":
	case "redis":
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid store %q (valid: redis, memory)", c.Store)
	}
	if c.AuthFailedTTL < 24*time.Hour && c.AuthFailedTTL < c.RateLimitedTTL {
		return fmt.Errorf("auth_failed_ttl (%s) must exceed rate_limited_ttl (%s)", c.AuthFailedTTL, c.RateLimitedTTL)
	}
	if c.AuthFailureThreshold < 1 {
		return fmt.Errorf("auth_failure_threshold must be positive")
	}
	return nil
}

// QuotaConfig controls admission checks against per-model limits.
type QuotaConfig struct {
	// Disabled skips all quota checks. Emergency override only; keys are
	// then protected solely by the post-call blacklist.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// DefaultTokenEstimate charges requests whose size cannot be estimated.
	DefaultTokenEstimate int `yaml:"default_token_estimate,omitempty" json:"default_token_estimate,omitempty"`
}

func (c *QuotaConfig) SetDefaults() {
	if c.DefaultTokenEstimate == 0 {
		c.DefaultTokenEstimate = 1000
	}
}

func (c *QuotaConfig) Validate() error {
	if c.DefaultTokenEstimate < 1 {
		return fmt.Errorf("default_token_estimate must be positive")
	}
	return nil
}

// RetentionConfig controls the periodic cleanup of request and error logs.
type RetentionConfig struct {
	Days          int           `yaml:"days,omitempty" json:"days,omitempty" jsonschema:"minimum=1,default=30"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`
}

func (c *RetentionConfig) SetDefaults() {
	if c.Days == 0 {
		c.Days = 30
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
}

func (c *RetentionConfig) Validate() error {
	if c.Days < 1 {
		return fmt.Errorf("days must be positive")
	}
	return nil
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=json,default=simple"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("invalid format %q", c.Format)
	}
	return nil
}

// CORSConfig controls cross-origin headers on every response.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"`
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty"`
}

func (c *CORSConfig) SetDefaults() {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{"Content-Type", "Authorization", "x-api-key", "x-goog-api-key", "anthropic-version"}
	}
}
