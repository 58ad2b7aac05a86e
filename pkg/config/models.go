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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ModelLimits are the published per-key rate limits for one upstream model.
type ModelLimits struct {
	RPM int `yaml:"rpm" json:"rpm" jsonschema:"title=Requests per minute,minimum=1"`
	TPM int `yaml:"tpm" json:"tpm" jsonschema:"title=Tokens per minute,minimum=1"`
	RPD int `yaml:"rpd" json:"rpd" jsonschema:"title=Requests per day,minimum=1"`
}

// ModelsConfig holds the two tables consulted on every request: the
// client-name to upstream-id mapping and the per-model limits. Both ship
// with documented defaults, may be overridden or extended in YAML, and are
// hot-reloadable: Reload swaps the tables wholesale while request paths
// keep reading through the accessor methods.
type ModelsConfig struct {
	// Default is the upstream model used when a client name has no mapping.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	// Mappings translate client-dialect model names to upstream model ids.
	Mappings map[string]string `yaml:"mappings,omitempty" json:"mappings,omitempty"`

	// Limits hold per-upstream-model rate limits. A model absent from this
	// table borrows the default model's limits.
	Limits map[string]ModelLimits `yaml:"limits,omitempty" json:"limits,omitempty"`

	// mu guards the tables against a concurrent Reload. Accessors never
	// mutate, so reads share the lock.
	mu sync.RWMutex
}

// defaultMappings cover the client model names the three dialects commonly
// send. Gemini-native names pass through untouched (see Resolve).
var defaultMappings = map[string]string{
	// Claude family
	"claude-opus-4":              "gemini-2.5-pro",
	"claude-sonnet-4":            "gemini-2.5-pro",
	"claude-3-7-sonnet":          "gemini-2.5-pro",
	"claude-3-5-sonnet":          "gemini-2.5-flash",
	"claude-3-5-sonnet-20241022": "gemini-2.5-flash",
	"claude-3-5-sonnet-20240620": "gemini-2.5-flash",
	"claude-3-5-haiku":           "gemini-2.5-flash",
	"claude-3-5-haiku-20241022":  "gemini-2.5-flash",
	"claude-3-opus-20240229":     "gemini-2.5-pro",
	"claude-3-sonnet-20240229":   "gemini-2.5-flash",
	"claude-3-haiku-20240307":    "gemini-2.0-flash",

	// OpenAI family
	"gpt-4o":        "gemini-2.5-pro",
	"gpt-4o-mini":   "gemini-2.5-flash",
	"gpt-4-turbo":   "gemini-2.5-pro",
	"gpt-4":         "gemini-2.5-pro",
	"gpt-3.5-turbo": "gemini-2.0-flash",

	// Embeddings
	"text-embedding-3-small": "text-embedding-004",
	"text-embedding-3-large": "text-embedding-004",
	"text-embedding-ada-002": "text-embedding-004",
}

// defaultLimits mirror the upstream free-tier published limits. Operators on
// paid tiers override these in YAML.
var defaultLimits = map[string]ModelLimits{
	"gemini-2.5-pro":        {RPM: 5, TPM: 250_000, RPD: 100},
	"gemini-2.5-flash":      {RPM: 10, TPM: 250_000, RPD: 250},
	"gemini-2.5-flash-lite": {RPM: 15, TPM: 250_000, RPD: 1000},
	"gemini-2.0-flash":      {RPM: 15, TPM: 1_000_000, RPD: 200},
	"gemini-2.0-flash-lite": {RPM: 30, TPM: 1_000_000, RPD: 200},
	"gemini-1.5-flash":      {RPM: 15, TPM: 250_000, RPD: 50},
	"text-embedding-004":    {RPM: 100, TPM: 30_000, RPD: 1000},
}

// SetDefaults merges the built-in tables under any user-provided entries.
// User entries win on conflict.
func (c *ModelsConfig) SetDefaults() {
	if c.Default == "" {
		c.Default = "gemini-2.5-flash"
	}
	if c.Mappings == nil {
		c.Mappings = make(map[string]string, len(defaultMappings))
	}
	for name, target := range defaultMappings {
		if _, ok := c.Mappings[name]; !ok {
			c.Mappings[name] = target
		}
	}
	if c.Limits == nil {
		c.Limits = make(map[string]ModelLimits, len(defaultLimits))
	}
	for model, limits := range defaultLimits {
		if _, ok := c.Limits[model]; !ok {
			c.Limits[model] = limits
		}
	}
}

func (c *ModelsConfig) Validate() error {
	if c.Default == "" {
		return fmt.Errorf("default model is required")
	}
	if _, ok := c.Limits[c.Default]; !ok {
		return fmt.Errorf("default model %q has no limits entry", c.Default)
	}
	for model, l := range c.Limits {
		if l.RPM < 1 || l.TPM < 1 || l.RPD < 1 {
			return fmt.Errorf("limits for %q must all be positive", model)
		}
	}
	return nil
}

// Resolve maps a client model name to the upstream model id. Names already
// in the upstream namespace pass through; unknown names fall back to the
// default model.
func (c *ModelsConfig) Resolve(clientModel string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if clientModel == "" {
		return c.Default
	}
	if target, ok := c.Mappings[clientModel]; ok {
		return target
	}
	if strings.HasPrefix(clientModel, "gemini-") || strings.HasPrefix(clientModel, "text-embedding-") {
		return clientModel
	}
	// Dated or suffixed variants of a mapped family, e.g. claude-sonnet-4-20250514.
	for name, target := range c.Mappings {
		if strings.HasPrefix(clientModel, name+"-") {
			return target
		}
	}
	return c.Default
}

// LimitsFor returns the rate limits for an upstream model, borrowing the
// default model's limits when the model is not in the table.
func (c *ModelsConfig) LimitsFor(upstreamModel string) ModelLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if l, ok := c.Limits[upstreamModel]; ok {
		return l
	}
	return c.Limits[c.Default]
}

// ClientModels returns the client-dialect model names in the mapping table,
// sorted. This is what the list endpoints advertise.
func (c *ModelsConfig) ClientModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.Mappings))
	for name := range c.Mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpstreamModels returns the upstream model ids in the limits table, sorted.
func (c *ModelsConfig) UpstreamModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models := make([]string, 0, len(c.Limits))
	for model := range c.Limits {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// Reload swaps the model tables for the ones in next, after applying
// defaults and validating. In-flight requests observe either the old tables
// or the new ones, never a mix. The swap is rejected, and the old tables
// kept, when next does not validate.
func (c *ModelsConfig) Reload(next *ModelsConfig) error {
	next.SetDefaults()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid models config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Default = next.Default
	c.Mappings = next.Mappings
	c.Limits = next.Limits
	return nil
}

// SupportsThinking reports whether an upstream model emits thought parts.
// Only the 2.5 family does.
func SupportsThinking(upstreamModel string) bool {
	return strings.HasPrefix(upstreamModel, "gemini-2.5")
}
