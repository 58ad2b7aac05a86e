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
	"sort"
	"testing"
)

func defaultModels() *ModelsConfig {
	m := &ModelsConfig{}
	m.SetDefaults()
	return m
}

func TestModelsConfig_Resolve(t *testing.T) {
	m := defaultModels()

	tests := []struct {
		name        string
		clientModel string
		want        string
	}{
		{"empty_falls_back_to_default", "", "gemini-2.5-flash"},
		{"exact_claude_mapping", "claude-3-5-sonnet-20241022", "gemini-2.5-flash"},
		{"exact_openai_mapping", "gpt-4o", "gemini-2.5-pro"},
		{"exact_embedding_mapping", "text-embedding-3-small", "text-embedding-004"},
		{"gemini_name_passes_through", "gemini-2.5-pro", "gemini-2.5-pro"},
		{"unknown_gemini_name_passes_through", "gemini-3.0-ultra", "gemini-3.0-ultra"},
		{"embedding_name_passes_through", "text-embedding-004", "text-embedding-004"},
		{"dated_variant_of_mapped_family", "claude-sonnet-4-20250514", "gemini-2.5-pro"},
		{"suffixed_variant_of_mapped_family", "claude-3-5-haiku-latest", "gemini-2.5-flash"},
		{"dated_openai_variant", "gpt-4o-2024-08-06", "gemini-2.5-pro"},
		{"unknown_falls_back_to_default", "llama-3-70b", "gemini-2.5-flash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Resolve(tt.clientModel); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.clientModel, got, tt.want)
			}
		})
	}
}

func TestModelsConfig_SetDefaults_UserEntriesWin(t *testing.T) {
	m := &ModelsConfig{
		Mappings: map[string]string{"gpt-4o": "gemini-2.0-flash"},
		Limits:   map[string]ModelLimits{"gemini-2.5-pro": {RPM: 1000, TPM: 5_000_000, RPD: 50_000}},
	}
	m.SetDefaults()

	if got := m.Resolve("gpt-4o"); got != "gemini-2.0-flash" {
		t.Errorf("user mapping overridden: Resolve(gpt-4o) = %q", got)
	}
	// Entries the user did not touch still arrive from the built-in table.
	if got := m.Resolve("gpt-4"); got != "gemini-2.5-pro" {
		t.Errorf("built-in mapping missing: Resolve(gpt-4) = %q", got)
	}
	if got := m.LimitsFor("gemini-2.5-pro"); got.RPM != 1000 {
		t.Errorf("user limits overridden: RPM = %d, want 1000", got.RPM)
	}
	if got := m.LimitsFor("gemini-2.5-flash"); got.RPM != 10 {
		t.Errorf("built-in limits missing: RPM = %d, want 10", got.RPM)
	}
}

func TestModelsConfig_LimitsFor(t *testing.T) {
	m := defaultModels()

	known := m.LimitsFor("gemini-2.0-flash")
	if known.RPM != 15 || known.TPM != 1_000_000 || known.RPD != 200 {
		t.Errorf("LimitsFor(gemini-2.0-flash) = %+v, want {15 1000000 200}", known)
	}

	// Unknown models borrow the default model's limits.
	unknown := m.LimitsFor("gemini-9.9-experimental")
	def := m.LimitsFor(m.Default)
	if unknown != def {
		t.Errorf("LimitsFor(unknown) = %+v, want default %+v", unknown, def)
	}
}

func TestModelsConfig_ModelLists(t *testing.T) {
	m := defaultModels()

	clients := m.ClientModels()
	if !sort.StringsAreSorted(clients) {
		t.Error("ClientModels() not sorted")
	}
	if len(clients) != len(m.Mappings) {
		t.Errorf("ClientModels() returned %d names, want %d", len(clients), len(m.Mappings))
	}

	upstream := m.UpstreamModels()
	if !sort.StringsAreSorted(upstream) {
		t.Error("UpstreamModels() not sorted")
	}
	found := false
	for _, name := range upstream {
		if name == "gemini-2.5-pro" {
			found = true
		}
	}
	if !found {
		t.Error("UpstreamModels() missing gemini-2.5-pro")
	}
}

func TestModelsConfig_Reload(t *testing.T) {
	m := defaultModels()

	next := &ModelsConfig{
		Default:  "gemini-2.0-flash",
		Mappings: map[string]string{"gpt-4o": "gemini-2.0-flash"},
	}
	if err := m.Reload(next); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if m.Default != "gemini-2.0-flash" {
		t.Errorf("Default after reload = %q, want gemini-2.0-flash", m.Default)
	}
	if got := m.Resolve("gpt-4o"); got != "gemini-2.0-flash" {
		t.Errorf("Resolve(gpt-4o) after reload = %q, want gemini-2.0-flash", got)
	}
}

func TestModelsConfig_ReloadRejected(t *testing.T) {
	m := defaultModels()

	// A zero limits entry survives SetDefaults (user entries win) and is
	// rejected by validation, so the old tables must stay in place.
	bad := &ModelsConfig{
		Limits: map[string]ModelLimits{"gemini-2.5-flash": {}},
	}
	if err := m.Reload(bad); err == nil {
		t.Fatal("Reload() accepted an invalid limits table")
	}
	if got := m.LimitsFor("gemini-2.5-flash"); got.RPM != 10 {
		t.Errorf("old limits lost after rejected reload: RPM = %d, want 10", got.RPM)
	}
}

func TestModelsConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *ModelsConfig
		wantErr bool
	}{
		{
			name:    "defaults_are_valid",
			config:  defaultModels(),
			wantErr: false,
		},
		{
			name:    "missing_default",
			config:  &ModelsConfig{Limits: map[string]ModelLimits{"m": {RPM: 1, TPM: 1, RPD: 1}}},
			wantErr: true,
		},
		{
			name:    "default_without_limits_entry",
			config:  &ModelsConfig{Default: "gemini-x", Limits: map[string]ModelLimits{"gemini-y": {RPM: 1, TPM: 1, RPD: 1}}},
			wantErr: true,
		},
		{
			name:    "zero_limit_rejected",
			config:  &ModelsConfig{Default: "m", Limits: map[string]ModelLimits{"m": {RPM: 0, TPM: 1, RPD: 1}}},
			wantErr: true,
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

func TestSupportsThinking(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"gemini-2.5-pro", true},
		{"gemini-2.5-flash", true},
		{"gemini-2.5-flash-lite", true},
		{"gemini-2.0-flash", false},
		{"gemini-1.5-flash", false},
		{"text-embedding-004", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := SupportsThinking(tt.model); got != tt.want {
				t.Errorf("SupportsThinking(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}
