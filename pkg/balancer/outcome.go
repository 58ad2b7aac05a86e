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

package balancer

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/polygate/polygate/pkg/blacklist"
	"github.com/polygate/polygate/pkg/storage"
)

// Outcome describes one finished upstream call.
type Outcome struct {
	KeyHash          string
	Model            string
	ClientType       string
	Endpoint         string
	StatusCode       int
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Stream           bool
	// ErrorText carries the upstream error message when the call failed,
	// including failures surfaced mid-stream under a 200.
	ErrorText string
}

func (o *Outcome) success() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300 && o.ErrorText == ""
}

// RecordOutcome persists one call's accounting and grades the key: success
// lifts any quarantine, rate-limit shapes quarantine immediately, and
// repeated auth rejections quarantine once the consecutive-failure
// threshold is reached. Callers run this off the request path; failures
// here are logged and swallowed.
func (b *Balancer) RecordOutcome(ctx context.Context, o *Outcome) {
	now := b.clock().UTC()
	ok := o.success()

	err := b.store.AppendRequestLog(ctx, &storage.RequestLog{
		APIKeyHash:       o.KeyHash,
		Model:            o.Model,
		ClientType:       o.ClientType,
		Endpoint:         o.Endpoint,
		StatusCode:       o.StatusCode,
		ResponseTimeMs:   o.Latency.Milliseconds(),
		PromptTokens:     o.PromptTokens,
		CompletionTokens: o.CompletionTokens,
		TotalTokens:      o.TotalTokens,
		Stream:           o.Stream,
		HasError:         !ok,
		Timestamp:        now,
	})
	if err != nil {
		b.logger.Warn("Request log append failed", "keyHash", o.KeyHash, "error", err)
	}

	metrics, err := b.store.RecordOutcome(ctx, &storage.Outcome{
		APIKeyHash:       o.KeyHash,
		Success:          ok,
		ResponseTimeMs:   o.Latency.Milliseconds(),
		PromptTokens:     o.PromptTokens,
		CompletionTokens: o.CompletionTokens,
		Timestamp:        now,
	})
	if err != nil {
		b.logger.Warn("Key metrics update failed", "keyHash", o.KeyHash, "error", err)
	}

	switch {
	case ok:
		if err := b.blacklist.Remove(ctx, o.KeyHash); err != nil {
			b.logger.Warn("Blacklist clear failed", "keyHash", o.KeyHash, "error", err)
		}
	case o.StatusCode == http.StatusTooManyRequests || isRateLimitText(o.ErrorText):
		if _, err := b.blacklist.Add(ctx, o.KeyHash, classifyRateLimit(o.ErrorText)); err != nil {
			b.logger.Warn("Blacklist add failed", "keyHash", o.KeyHash, "error", err)
		}
	case o.StatusCode == http.StatusUnauthorized || o.StatusCode == http.StatusForbidden:
		if metrics != nil && metrics.ConsecutiveFailures >= b.authThreshold {
			if _, err := b.blacklist.Add(ctx, o.KeyHash, blacklist.ReasonAuthFailed); err != nil {
				b.logger.Warn("Blacklist add failed", "keyHash", o.KeyHash, "error", err)
			}
		}
	}
}

var rateLimitMarkers = []string{
	"rate limit", "rate_limit", "rate-limit",
	"too many requests",
	"resource exhausted", "resource_exhausted",
	"quota",
}

// isRateLimitText reports whether an upstream error message describes a
// rate limit even when the status code does not say 429.
func isRateLimitText(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyRateLimit infers which window was exhausted from the error text.
// Daily and quota wording quarantines until the next UTC day, token wording
// marks the daily token pool, anything else cools off briefly.
func classifyRateLimit(text string) blacklist.Reason {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "daily") || strings.Contains(lower, "quota"):
		return blacklist.ReasonRPDExceeded
	case strings.Contains(lower, "token"):
		return blacklist.ReasonTPDExceeded
	default:
		return blacklist.ReasonRateLimited
	}
}
