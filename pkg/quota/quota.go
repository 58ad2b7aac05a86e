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

// Package quota decides whether a key may take one more request for a model,
// using the sliding usage windows recorded in storage. Checks are advisory:
// storage read failures admit the request and log a warning, because an
// observability outage must never block traffic.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/storage"
)

// Reason names the first limit a request would breach.
type Reason string

const (
	ReasonRPMExceeded Reason = "rpm_exceeded"
	ReasonTPMExceeded Reason = "tpm_exceeded"
	ReasonRPDExceeded Reason = "rpd_exceeded"
)

// Decision is the outcome of an admission check. Usage is populated even
// when the request is admitted so callers can score keys by utilization.
type Decision struct {
	Available  bool
	Reason     Reason
	Usage      storage.Usage
	RetryAfter time.Duration
}

// Manager performs admission checks against recorded usage.
type Manager struct {
	store  storage.Store
	cfg    *config.QuotaConfig
	logger *slog.Logger
	clock  func() time.Time
}

// NewManager creates a quota manager over a usage store.
func NewManager(store storage.Store, cfg *config.QuotaConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, cfg: cfg, logger: logger, clock: time.Now}
}

// HasQuotaAvailable reports whether admitting one more request, charged at
// estTokens (or the configured default when zero), would keep the key under
// every limit. The first breached limit wins, checked rpm, tpm, rpd.
func (m *Manager) HasQuotaAvailable(ctx context.Context, keyHash, model string, estTokens int, limits config.ModelLimits) *Decision {
	if m.cfg.Disabled {
		return &Decision{Available: true}
	}

	now := m.clock().UTC()
	usage, err := m.store.UsageWindows(ctx, keyHash, model, now)
	if err != nil {
		m.logger.Warn("Quota read failed, failing open",
			"keyHash", keyHash, "model", model, "error", err)
		return &Decision{Available: true}
	}

	charge := int64(estTokens)
	if charge <= 0 {
		charge = int64(m.cfg.DefaultTokenEstimate)
	}

	d := &Decision{Available: true, Usage: usage}
	switch {
	case limits.RPM > 0 && usage.RPM+1 > int64(limits.RPM):
		d.Available = false
		d.Reason = ReasonRPMExceeded
		d.RetryAfter = storage.MinuteWindow
	case limits.TPM > 0 && usage.TPM+charge > int64(limits.TPM):
		d.Available = false
		d.Reason = ReasonTPMExceeded
		d.RetryAfter = storage.MinuteWindow
	case limits.RPD > 0 && usage.RPD+1 > int64(limits.RPD):
		d.Available = false
		d.Reason = ReasonRPDExceeded
		d.RetryAfter = untilNextUTCMidnight(now)
	}
	return d
}

// untilNextUTCMidnight approximates when a daily window frees up. The window
// slides, but surfacing the day boundary matches how daily exhaustion is
// quarantined elsewhere.
func untilNextUTCMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
