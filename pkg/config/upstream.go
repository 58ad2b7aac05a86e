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
	"net/url"
	"time"
)

// UpstreamConfig describes the generative-language endpoint the gateway
// relays to and how aggressively it retries.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"default=https://generativelanguage.googleapis.com"`

	// Timeout is the per-attempt deadline for a unary call or for obtaining
	// the response headers of a streaming call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// IdleReadTimeout bounds the gap between successive SSE frames on a
	// streaming response. There is no aggregate streaming deadline.
	IdleReadTimeout time.Duration `yaml:"idle_read_timeout,omitempty" json:"idle_read_timeout,omitempty"`

	// InsecureSkipVerify disables upstream certificate verification.
	// Dev/test only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`

	// CACertificate is a path to an extra PEM root certificate to trust,
	// for deployments that reach the upstream through an intercepting proxy.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`

	Retry RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RetryConfig shapes the exponential backoff on transient upstream failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"minimum=0,default=3"`
	BaseDelay  time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
}

func (c *UpstreamConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.IdleReadTimeout == 0 {
		c.IdleReadTimeout = 60 * time.Second
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
}

func (c *UpstreamConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", u.Scheme)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	return nil
}
