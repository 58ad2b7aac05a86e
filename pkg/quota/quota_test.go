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

package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/storage"
)

func seedRequests(t *testing.T, store storage.Store, keyHash, model string, n int, tokens int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.AppendRequestLog(context.Background(), &storage.RequestLog{
			APIKeyHash:  keyHash,
			Model:       model,
			ClientType:  "openai",
			Endpoint:    "/v1/chat/completions",
			StatusCode:  200,
			TotalTokens: tokens,
			Timestamp:   at,
		})
		require.NoError(t, err)
	}
}

func newTestManager(store storage.Store, at time.Time) *Manager {
	cfg := &config.QuotaConfig{}
	cfg.SetDefaults()
	m := NewManager(store, cfg, nil)
	m.clock = func() time.Time { return at }
	return m
}

func TestDisabledSkipsChecks(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	seedRequests(t, store, "key-a", "gemini-2.5-pro", 50, 100, now.Add(-time.Second))

	m := newTestManager(store, now)
	m.cfg.Disabled = true

	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-pro", 0,
		config.ModelLimits{RPM: 1, TPM: 1, RPD: 1})
	assert.True(t, d.Available)
	assert.Empty(t, d.Reason)
}

func TestAdmitUnderLimits(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	seedRequests(t, store, "key-a", "gemini-2.5-flash", 2, 100, now.Add(-10*time.Second))

	m := newTestManager(store, now)
	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-flash", 50,
		config.ModelLimits{RPM: 10, TPM: 250_000, RPD: 250})

	assert.True(t, d.Available)
	assert.Equal(t, int64(2), d.Usage.RPM)
	assert.Equal(t, int64(200), d.Usage.TPM)
	assert.Equal(t, int64(2), d.Usage.RPD)
}

func TestRPMExceeded(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	seedRequests(t, store, "key-a", "gemini-2.5-pro", 5, 10, now.Add(-time.Second))

	m := newTestManager(store, now)
	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-pro", 10,
		config.ModelLimits{RPM: 5, TPM: 250_000, RPD: 100})

	require.False(t, d.Available)
	assert.Equal(t, ReasonRPMExceeded, d.Reason)
	assert.Equal(t, storage.MinuteWindow, d.RetryAfter)
}

func TestTPMExceededIncludesCharge(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	seedRequests(t, store, "key-a", "gemini-2.5-flash", 1, 800, now.Add(-time.Second))

	m := newTestManager(store, now)

	// 800 used + 300 estimated would cross 1000.
	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-flash", 300,
		config.ModelLimits{RPM: 10, TPM: 1000, RPD: 250})
	require.False(t, d.Available)
	assert.Equal(t, ReasonTPMExceeded, d.Reason)

	// A smaller charge still fits.
	d = m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-flash", 200,
		config.ModelLimits{RPM: 10, TPM: 1000, RPD: 250})
	assert.True(t, d.Available)
}

func TestZeroEstimateChargesDefault(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	seedRequests(t, store, "key-a", "gemini-2.5-flash", 1, 200, now.Add(-time.Second))

	m := newTestManager(store, now)

	// Default charge is 1000, so 200 + 1000 crosses a 1000 limit.
	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-flash", 0,
		config.ModelLimits{RPM: 10, TPM: 1000, RPD: 250})
	require.False(t, d.Available)
	assert.Equal(t, ReasonTPMExceeded, d.Reason)

	d = m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-flash", 0,
		config.ModelLimits{RPM: 10, TPM: 2000, RPD: 250})
	assert.True(t, d.Available)
}

func TestRPDExceeded(t *testing.T) {
	now := time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	// Outside the minute window but inside the day window.
	seedRequests(t, store, "key-a", "gemini-2.5-pro", 3, 10, now.Add(-2*time.Hour))

	m := newTestManager(store, now)
	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-pro", 10,
		config.ModelLimits{RPM: 10, TPM: 250_000, RPD: 3})

	require.False(t, d.Available)
	assert.Equal(t, ReasonRPDExceeded, d.Reason)
	assert.Equal(t, 6*time.Hour, d.RetryAfter)
}

func TestModelsAccountedSeparately(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	seedRequests(t, store, "key-a", "gemini-2.5-pro", 5, 10, now.Add(-time.Second))

	m := newTestManager(store, now)
	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-flash", 10,
		config.ModelLimits{RPM: 5, TPM: 250_000, RPD: 100})
	assert.True(t, d.Available, "usage on another model should not count")
}

type erroringStore struct {
	storage.Store
}

func (s *erroringStore) UsageWindows(ctx context.Context, keyHash, model string, now time.Time) (storage.Usage, error) {
	return storage.Usage{}, errors.New("backend down")
}

func TestReadFailureFailsOpen(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	m := newTestManager(&erroringStore{storage.NewMemoryStore()}, now)

	d := m.HasQuotaAvailable(context.Background(), "key-a", "gemini-2.5-pro", 10,
		config.ModelLimits{RPM: 1, TPM: 1, RPD: 1})
	assert.True(t, d.Available, "storage failure must admit the request")
}
