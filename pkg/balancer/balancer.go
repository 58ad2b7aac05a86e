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

// Package balancer picks one API key per request from the client-supplied
// candidates, preferring the least-loaded key that is neither quarantined
// nor over quota, and grades keys from call outcomes afterwards.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/polygate/polygate/pkg/blacklist"
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/keys"
	"github.com/polygate/polygate/pkg/quota"
	"github.com/polygate/polygate/pkg/storage"
)

// Selection reasons for the degraded paths. An empty reason is the normal
// least-loaded pick.
const (
	ReasonAllBlacklisted = "all_keys_blacklisted_fallback"
	ReasonNoQuota        = "fallback_no_quota"
)

// Selection is the chosen key for one upstream call. Key is the raw secret
// and must never be logged; KeyHash identifies it everywhere else.
type Selection struct {
	Key     string
	KeyHash string
	Reason  string
}

// BlacklistedError reports that the only candidate key is quarantined.
type BlacklistedError struct {
	KeyHash string
	Entry   *blacklist.Entry
}

func (e *BlacklistedError) Error() string {
	return fmt.Sprintf("api key %s is blacklisted (%s)", e.KeyHash, e.Entry.Reason)
}

// QuotaExceededError reports that the only candidate key is over quota.
type QuotaExceededError struct {
	KeyHash    string
	Reason     quota.Reason
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("api key %s is over quota (%s)", e.KeyHash, e.Reason)
}

// Balancer combines the blacklist and quota managers to select keys and
// records upstream outcomes against them.
type Balancer struct {
	blacklist     *blacklist.Manager
	quota         *quota.Manager
	store         storage.Store
	models        *config.ModelsConfig
	authThreshold int
	logger        *slog.Logger
	clock         func() time.Time
}

// New creates a Balancer.
func New(bl *blacklist.Manager, q *quota.Manager, store storage.Store, models *config.ModelsConfig, blCfg *config.BlacklistConfig, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{
		blacklist:     bl,
		quota:         q,
		store:         store,
		models:        models,
		authThreshold: blCfg.AuthFailureThreshold,
		logger:        logger,
		clock:         time.Now,
	}
}

// SelectKey picks one key for a call to model, charged at estTokens.
//
// With a single candidate the answer is strict: a quarantined key fails
// with BlacklistedError and an over-quota key with QuotaExceededError.
// With several candidates the balancer filters quarantined keys, drops
// those without quota headroom, and returns the least-loaded survivor.
// When filtering leaves nothing it degrades instead of failing: all
// quarantined returns the entry expiring soonest, no quota headroom
// returns the first usable candidate, each tagged with its reason.
func (b *Balancer) SelectKey(ctx context.Context, candidates []string, model string, estTokens int) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, keys.ErrNoKeys
	}
	limits := b.models.LimitsFor(model)

	if len(candidates) == 1 {
		h := keys.Hash(candidates[0])
		entry, err := b.blacklist.Get(ctx, h)
		if err != nil {
			b.logger.Warn("Blacklist lookup failed, failing open", "keyHash", h, "error", err)
		} else if entry != nil {
			return nil, &BlacklistedError{KeyHash: h, Entry: entry}
		}
		d := b.quota.HasQuotaAvailable(ctx, h, model, estTokens, limits)
		if !d.Available {
			return nil, &QuotaExceededError{KeyHash: h, Reason: d.Reason, RetryAfter: d.RetryAfter}
		}
		return &Selection{Key: candidates[0], KeyHash: h}, nil
	}

	hashes := make([]string, len(candidates))
	raw := make(map[string]string, len(candidates))
	for i, k := range candidates {
		h := keys.Hash(k)
		hashes[i] = h
		if _, ok := raw[h]; !ok {
			raw[h] = k
		}
	}

	allowed, blocked := b.blacklist.Filter(ctx, hashes)
	if len(allowed) == 0 {
		h := earliestExpiry(blocked)
		b.logger.Warn("All candidate keys blacklisted, using the one expiring soonest",
			"keyHash", h, "expiresAt", blocked[h].ExpiresAt.Format(time.RFC3339))
		return &Selection{Key: raw[h], KeyHash: h, Reason: ReasonAllBlacklisted}, nil
	}

	best := ""
	bestScore := math.MaxFloat64
	for _, h := range allowed {
		d := b.quota.HasQuotaAvailable(ctx, h, model, estTokens, limits)
		if !d.Available {
			continue
		}
		if score := utilization(d.Usage, limits); score < bestScore {
			best, bestScore = h, score
		}
	}
	if best == "" {
		h := allowed[0]
		b.logger.Warn("No candidate key has quota headroom, using first allowed",
			"keyHash", h, "model", model)
		return &Selection{Key: raw[h], KeyHash: h, Reason: ReasonNoQuota}, nil
	}
	return &Selection{Key: raw[best], KeyHash: best}, nil
}

// utilization scores a key's load against the model limits. Lower is better.
func utilization(u storage.Usage, l config.ModelLimits) float64 {
	var rpm, tpm, rpd float64
	if l.RPM > 0 {
		rpm = float64(u.RPM) / float64(l.RPM)
	}
	if l.TPM > 0 {
		tpm = float64(u.TPM) / float64(l.TPM)
	}
	if l.RPD > 0 {
		rpd = float64(u.RPD) / float64(l.RPD)
	}
	return 0.5*rpm + 0.3*tpm + 0.2*rpd
}

func earliestExpiry(blocked map[string]*blacklist.Entry) string {
	var chosen string
	var earliest time.Time
	for h, e := range blocked {
		if chosen == "" || e.ExpiresAt.Before(earliest) {
			chosen, earliest = h, e.ExpiresAt
		}
	}
	return chosen
}
