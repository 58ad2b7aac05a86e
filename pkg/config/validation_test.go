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

package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate_NamesFailingSection(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "etcd"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() accepted an invalid storage backend")
	}
	if !strings.Contains(err.Error(), "storage:") {
		t.Errorf("Validate() error = %q, want section prefix \"storage:\"", err)
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{Port: 8080, MaxBodyBytes: 1024}, false},
		{"port_zero", ServerConfig{Port: 0, MaxBodyBytes: 1024}, true},
		{"port_too_large", ServerConfig{Port: 70000, MaxBodyBytes: 1024}, true},
		{"body_limit_zero", ServerConfig{Port: 8080, MaxBodyBytes: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpstreamConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  UpstreamConfig
		wantErr bool
	}{
		{"https_url", UpstreamConfig{BaseURL: "https://generativelanguage.googleapis.com"}, false},
		{"http_url", UpstreamConfig{BaseURL: "http://localhost:9999"}, false},
		{"empty_url", UpstreamConfig{BaseURL: ""}, true},
		{"wrong_scheme", UpstreamConfig{BaseURL: "ftp://example.com"}, true},
		{"unparseable_url", UpstreamConfig{BaseURL: "://missing-scheme"}, true},
		{
			"negative_retries",
			UpstreamConfig{BaseURL: "https://example.com", Retry: RetryConfig{MaxRetries: -1}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBlacklistConfig_Validate(t *testing.T) {
	valid := BlacklistConfig{}
	valid.SetDefaults()
	if err := valid.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}

	tests := []struct {
		name    string
		config  BlacklistConfig
		wantErr string
	}{
		{
			name:    "unknown_store",
			config:  BlacklistConfig{Store: "dynamo", RateLimitedTTL: time.Minute, AuthFailedTTL: time.Hour, AuthFailureThreshold: 3},
			wantErr: "invalid store",
		},
		{
			name: "auth_ttl_below_rate_limited_ttl",
			config: BlacklistConfig{
				Store: "memory", RateLimitedTTL: 5 * time.Minute,
				AuthFailedTTL: time.Minute, AuthFailureThreshold: 3,
			},
			wantErr: "auth_failed_ttl",
		},
		{
			name: "threshold_zero",
			config: BlacklistConfig{
				Store: "memory", RateLimitedTTL: time.Minute,
				AuthFailedTTL: time.Hour, AuthFailureThreshold: 0,
			},
			wantErr: "auth_failure_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestQuotaConfig_Validate(t *testing.T) {
	c := QuotaConfig{DefaultTokenEstimate: 0}
	if err := c.Validate(); err == nil {
		t.Error("Validate() accepted a zero token estimate")
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRetentionConfig_Validate(t *testing.T) {
	c := RetentionConfig{Days: -1}
	if err := c.Validate(); err == nil {
		t.Error("Validate() accepted negative retention days")
	}
}

func TestLoggingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		wantErr bool
	}{
		{"info_simple", LoggingConfig{Level: "info", Format: "simple"}, false},
		{"warning_alias", LoggingConfig{Level: "warning", Format: "json"}, false},
		{"verbose_format", LoggingConfig{Level: "debug", Format: "verbose"}, false},
		{"bad_level", LoggingConfig{Level: "loud", Format: "simple"}, true},
		{"bad_format", LoggingConfig{Level: "info", Format: "xml"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  DatabaseConfig
		wantErr bool
	}{
		{"sqlite_valid", DatabaseConfig{Driver: "sqlite", Database: "polygate.db"}, false},
		{"sqlite_needs_no_host", DatabaseConfig{Driver: "sqlite3", Database: "polygate.db"}, false},
		{"missing_driver", DatabaseConfig{Database: "polygate"}, true},
		{"unknown_driver", DatabaseConfig{Driver: "oracle", Database: "polygate"}, true},
		{"missing_database", DatabaseConfig{Driver: "sqlite"}, true},
		{"postgres_needs_host", DatabaseConfig{Driver: "postgres", Database: "polygate"}, true},
		{"postgres_with_host", DatabaseConfig{Driver: "postgres", Host: "localhost", Database: "polygate"}, false},
		{"negative_pool", DatabaseConfig{Driver: "sqlite", Database: "polygate.db", MaxConns: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedisConfig_Validate(t *testing.T) {
	c := RedisConfig{}
	if err := c.Validate(); err == nil {
		t.Error("Validate() accepted an empty addr")
	}

	c = RedisConfig{Addr: "localhost:6379", DB: -1}
	if err := c.Validate(); err == nil {
		t.Error("Validate() accepted a negative db index")
	}

	c.SetDefaults()
	c.DB = 0
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}
