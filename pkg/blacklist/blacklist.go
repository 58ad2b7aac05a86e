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

// Package blacklist quarantines API keys that recently failed, keyed by
// fingerprint, with a TTL derived from the failure reason. Entries expire in
// the store itself; nothing polls. Lookups fail open: an unreachable store
// never blocks traffic, it only costs quarantine accuracy.
package blacklist

import (
	"context"
	"log/slog"
	"time"

	"github.com/polygate/polygate/pkg/config"
)

// Reason classifies why a key is quarantined.
type Reason string

const (
	// ReasonRPDExceeded marks a key that exhausted its daily request quota.
	ReasonRPDExceeded Reason = "rpd_exceeded"
	// ReasonTPDExceeded marks a key that exhausted its daily token quota.
	ReasonTPDExceeded Reason = "tpd_exceeded"
	// ReasonRateLimited marks a key that hit a per-minute limit.
	ReasonRateLimited Reason = "rate_limited"
	// ReasonAuthFailed marks a key repeatedly rejected with 401/403.
	ReasonAuthFailed Reason = "auth_failed"
)

// daily reports whether the reason expires at the next UTC day boundary.
func (r Reason) daily() bool {
	return r == ReasonRPDExceeded || r == ReasonTPDExceeded
}

// Entry is one quarantined key.
type Entry struct {
	KeyHash   string    `json:"keyHash"`
	Reason    Reason    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store is the TTL key-value backend. Implementations must make entries
// invisible past their ExpiresAt without requiring an explicit sweep.
type Store interface {
	// Get returns the live entry for a key, or nil when absent or expired.
	Get(ctx context.Context, keyHash string) (*Entry, error)
	// Set stores an entry with a TTL matching its ExpiresAt.
	Set(ctx context.Context, e *Entry) error
	// Delete removes an entry if present.
	Delete(ctx context.Context, keyHash string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Manager applies the reason-to-TTL policy over a Store.
type Manager struct {
	store  Store
	cfg    *config.BlacklistConfig
	logger *slog.Logger
	clock  func() time.Time

	// OnAdd, when set, is invoked after a key is quarantined. Used to
	// feed metrics without coupling this package to the pipeline.
	OnAdd func(Reason)
}

// NewManager creates a Manager with the configured TTL policy.
func NewManager(store Store, cfg *config.BlacklistConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, cfg: cfg, logger: logger, clock: time.Now}
}

// Add quarantines a key. The expiry comes from the reason: daily-quota
// reasons last until the next UTC midnight (floored at the configured
// minimum), rate limits cool off in minutes, auth failures back off in
// hours.
func (m *Manager) Add(ctx context.Context, keyHash string, reason Reason) (*Entry, error) {
	now := m.clock().UTC()
	e := &Entry{
		KeyHash:   keyHash,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: m.expiry(now, reason),
	}
	if err := m.store.Set(ctx, e); err != nil {
		return nil, err
	}
	m.logger.Info("Key blacklisted",
		"keyHash", keyHash,
		"reason", string(reason),
		"expiresAt", e.ExpiresAt.Format(time.RFC3339))
	if m.OnAdd != nil {
		m.OnAdd(reason)
	}
	return e, nil
}

func (m *Manager) expiry(now time.Time, reason Reason) time.Time {
	switch {
	case reason.daily():
		expires := nextUTCMidnight(now)
		if min := now.Add(m.cfg.DailyMinimum); expires.Before(min) {
			expires = min
		}
		return expires
	case reason == ReasonAuthFailed:
		return now.Add(m.cfg.AuthFailedTTL)
	default:
		return now.Add(m.cfg.RateLimitedTTL)
	}
}

// IsBlacklisted reports whether a key is currently quarantined.
// Store errors fail open.
func (m *Manager) IsBlacklisted(ctx context.Context, keyHash string) bool {
	e, err := m.store.Get(ctx, keyHash)
	if err != nil {
		m.logger.Warn("Blacklist lookup failed, failing open", "keyHash", keyHash, "error", err)
		return false
	}
	return e != nil
}

// Get returns the live entry for a key, or nil.
func (m *Manager) Get(ctx context.Context, keyHash string) (*Entry, error) {
	return m.store.Get(ctx, keyHash)
}

// Filter splits candidates into allowed keys and quarantined entries.
// Lookup failures count a key as allowed.
func (m *Manager) Filter(ctx context.Context, keyHashes []string) (allowed []string, blocked map[string]*Entry) {
	allowed = make([]string, 0, len(keyHashes))
	blocked = make(map[string]*Entry)
	for _, h := range keyHashes {
		e, err := m.store.Get(ctx, h)
		if err != nil {
			m.logger.Warn("Blacklist lookup failed, failing open", "keyHash", h, "error", err)
			allowed = append(allowed, h)
			continue
		}
		if e == nil {
			allowed = append(allowed, h)
			continue
		}
		blocked[h] = e
	}
	return allowed, blocked
}

// Remove lifts the quarantine for a key, typically after it succeeds again.
func (m *Manager) Remove(ctx context.Context, keyHash string) error {
	return m.store.Delete(ctx, keyHash)
}

// Ping verifies the underlying store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// nextUTCMidnight returns the first instant of the next UTC day.
func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
