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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_YAML(t *testing.T) {
	doc := `
server:
  port: 9443
  read_timeout: 45s
upstream:
  base_url: http://localhost:8089
  retry:
    max_retries: 1
storage:
  backend: memory
blacklist:
  rate_limited_ttl: 90s
logging:
  level: debug
  format: json
models:
  default: gemini-2.5-pro
  limits:
    gemini-2.5-pro:
      rpm: 99
      tpm: 999999
      rpd: 5000
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Port != 9443 {
		t.Errorf("Server.Port = %d, want 9443", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 45s (duration string decode)", cfg.Server.ReadTimeout)
	}
	if cfg.Server.IdleTimeout != 120*time.Second {
		t.Errorf("Server.IdleTimeout = %v, want default 120s", cfg.Server.IdleTimeout)
	}
	if cfg.Upstream.BaseURL != "http://localhost:8089" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Retry.MaxRetries != 1 {
		t.Errorf("Upstream.Retry.MaxRetries = %d, want 1", cfg.Upstream.Retry.MaxRetries)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Blacklist.RateLimitedTTL != 90*time.Second {
		t.Errorf("Blacklist.RateLimitedTTL = %v, want 90s", cfg.Blacklist.RateLimitedTTL)
	}
	if cfg.Blacklist.AuthFailedTTL != 12*time.Hour {
		t.Errorf("Blacklist.AuthFailedTTL = %v, want default 12h", cfg.Blacklist.AuthFailedTTL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %q/%q, want debug/json", cfg.Logging.Level, cfg.Logging.Format)
	}

	if cfg.Models.Default != "gemini-2.5-pro" {
		t.Errorf("Models.Default = %q, want gemini-2.5-pro", cfg.Models.Default)
	}
	// The user's limits entry wins over the built-in table.
	if got := cfg.Models.LimitsFor("gemini-2.5-pro"); got.RPM != 99 {
		t.Errorf("LimitsFor(gemini-2.5-pro).RPM = %d, want 99", got.RPM)
	}
	// Built-in mappings are still merged in.
	if got := cfg.Models.Resolve("gpt-4o"); got != "gemini-2.5-pro" {
		t.Errorf("Resolve(gpt-4o) = %q, want gemini-2.5-pro", got)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{"server": {"port": 3000}, "storage": {"backend": "memory"}}`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
}

func TestParse_EmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty-document config does not validate: %v", err)
	}
}

func TestParse_InvalidSyntax(t *testing.T) {
	_, err := Parse([]byte("{{{{"))
	if err == nil {
		t.Fatal("Parse() accepted malformed input")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("Parse() error = %q, want parse failure", err)
	}
}

func TestParse_ValidationFailure(t *testing.T) {
	_, err := Parse([]byte("logging:\n  level: loud\n"))
	if err == nil {
		t.Fatal("Parse() accepted an invalid log level")
	}
	if !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("Parse() error = %q, want validation failure", err)
	}
}

func TestLoader_Load(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "gateway.yaml")
	doc := "server:\n  port: 8181\nstorage:\n  backend: memory\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	loader, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("Server.Port = %d, want 8181", cfg.Server.Port)
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	loader, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if _, err := loader.Load(); err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("POLYGATE_TEST_PORT", "9001")
	t.Setenv("POLYGATE_TEST_URL", "")

	doc := `
server:
  port: ${POLYGATE_TEST_PORT}
upstream:
  base_url: "${POLYGATE_TEST_URL:-http://fallback.example}"
storage:
  backend: memory
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Server.Port = %d, want 9001 from environment", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL != "http://fallback.example" {
		t.Errorf("Upstream.BaseURL = %q, want the :- fallback", cfg.Upstream.BaseURL)
	}
}

func TestExpandEnvInData(t *testing.T) {
	t.Setenv("POLYGATE_EXPAND_A", "alpha")
	t.Setenv("POLYGATE_EXPAND_B", "")

	input := map[string]any{
		"plain":    "no refs",
		"braced":   "${POLYGATE_EXPAND_A}",
		"simple":   "$POLYGATE_EXPAND_A",
		"mixed":    "pre-${POLYGATE_EXPAND_A}-post",
		"fallback": "${POLYGATE_EXPAND_B:-beta}",
		"unset":    "${POLYGATE_EXPAND_B}",
		"number":   42,
		"flag":     true,
		"nested": map[string]any{
			"list": []any{"${POLYGATE_EXPAND_A}", 7},
		},
	}

	out, ok := ExpandEnvInData(input).(map[string]any)
	if !ok {
		t.Fatal("ExpandEnvInData() did not return a map")
	}

	want := map[string]string{
		"plain":    "no refs",
		"braced":   "alpha",
		"simple":   "alpha",
		"mixed":    "pre-alpha-post",
		"fallback": "beta",
		"unset":    "",
	}
	for key, expected := range want {
		if got := out[key]; got != expected {
			t.Errorf("out[%q] = %v, want %q", key, got, expected)
		}
	}
	if out["number"] != 42 {
		t.Errorf("out[number] = %v, want untouched 42", out["number"])
	}
	if out["flag"] != true {
		t.Errorf("out[flag] = %v, want untouched true", out["flag"])
	}

	nested := out["nested"].(map[string]any)
	list := nested["list"].([]any)
	if list[0] != "alpha" || list[1] != 7 {
		t.Errorf("nested list = %v, want [alpha 7]", list)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoader_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "gateway.yaml")
	initial := "server:\n  port: 8081\nstorage:\n  backend: memory\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	changed := make(chan *Config, 4)
	loader, err := NewLoader(path, WithOnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	}))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	// The watcher registers asynchronously; keep rewriting until a reload
	// lands or the deadline passes.
	updated := "server:\n  port: 9090\nstorage:\n  backend: memory\n"
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()

	var got *Config
wait:
	for {
		select {
		case got = <-changed:
			break wait
		case <-tick.C:
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				t.Fatalf("failed to rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatal("watcher never delivered a reload")
		}
	}
	if got.Server.Port != 9090 {
		t.Errorf("reloaded Server.Port = %d, want 9090", got.Server.Port)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch() returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() did not return after cancellation")
	}
}
