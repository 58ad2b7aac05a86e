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
	"errors"
	"testing"
	"time"

	"github.com/polygate/polygate/pkg/blacklist"
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/keys"
	"github.com/polygate/polygate/pkg/quota"
	"github.com/polygate/polygate/pkg/storage"
)

type fixture struct {
	store   *storage.MemoryStore
	blStore *blacklist.MemoryStore
	bl      *blacklist.Manager
	b       *Balancer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	blStore := blacklist.NewMemoryStore()

	blCfg := &config.BlacklistConfig{}
	blCfg.SetDefaults()
	qCfg := &config.QuotaConfig{}
	qCfg.SetDefaults()
	models := &config.ModelsConfig{}
	models.SetDefaults()
	models.Limits["gemini-test"] = config.ModelLimits{RPM: 10, TPM: 1000, RPD: 100}

	bl := blacklist.NewManager(blStore, blCfg, nil)
	qm := quota.NewManager(store, qCfg, nil)

	return &fixture{
		store:   store,
		blStore: blStore,
		bl:      bl,
		b:       New(bl, qm, store, models, blCfg, nil),
	}
}

// seed appends n request logs for a key, each carrying the given tokens.
func (f *fixture) seed(t *testing.T, key string, n, tokens int, age time.Duration) {
	t.Helper()
	h := keys.Hash(key)
	for i := 0; i < n; i++ {
		err := f.store.AppendRequestLog(context.Background(), &storage.RequestLog{
			APIKeyHash:  h,
			Model:       "gemini-test",
			StatusCode:  200,
			TotalTokens: tokens,
			Timestamp:   time.Now().UTC().Add(-age),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func (f *fixture) quarantine(t *testing.T, key string, reason blacklist.Reason, expiresAt time.Time) {
	t.Helper()
	now := time.Now().UTC()
	err := f.blStore.Set(context.Background(), &blacklist.Entry{
		KeyHash:   keys.Hash(key),
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
}

func TestSelectKeyNoCandidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.b.SelectKey(context.Background(), nil, "gemini-test", 50)
	if !errors.Is(err, keys.ErrNoKeys) {
		t.Errorf("err = %v, want ErrNoKeys", err)
	}
}

func TestSelectKeySingleCandidate(t *testing.T) {
	f := newFixture(t)
	sel, err := f.b.SelectKey(context.Background(), []string{"key-A"}, "gemini-test", 50)
	if err != nil {
		t.Fatalf("SelectKey: %v", err)
	}
	if sel.Key != "key-A" || sel.KeyHash != keys.Hash("key-A") {
		t.Errorf("selection hash = %s, want hash of the sole candidate", sel.KeyHash)
	}
	if sel.Reason != "" {
		t.Errorf("reason = %q, want empty", sel.Reason)
	}
}

func TestSelectKeySingleBlacklisted(t *testing.T) {
	f := newFixture(t)
	f.quarantine(t, "key-A", blacklist.ReasonAuthFailed, time.Now().UTC().Add(time.Hour))

	_, err := f.b.SelectKey(context.Background(), []string{"key-A"}, "gemini-test", 50)
	var blErr *BlacklistedError
	if !errors.As(err, &blErr) {
		t.Fatalf("err = %v, want BlacklistedError", err)
	}
	if blErr.Entry.Reason != blacklist.ReasonAuthFailed {
		t.Errorf("entry reason = %s, want auth_failed", blErr.Entry.Reason)
	}
}

func TestSelectKeySingleOverQuota(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "key-A", 10, 10, time.Second)

	_, err := f.b.SelectKey(context.Background(), []string{"key-A"}, "gemini-test", 50)
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if qErr.Reason != quota.ReasonRPMExceeded {
		t.Errorf("reason = %s, want rpm_exceeded", qErr.Reason)
	}
	if qErr.RetryAfter != storage.MinuteWindow {
		t.Errorf("retryAfter = %v, want %v", qErr.RetryAfter, storage.MinuteWindow)
	}
}

func TestSelectKeyPicksLeastLoaded(t *testing.T) {
	f := newFixture(t)
	// key-A is request-heavy, key-B token-heavy. The weighted score
	// (0.5 rpm + 0.3 tpm + 0.2 rpd) ranks A below B even though B served
	// fewer requests.
	f.seed(t, "key-A", 8, 0, time.Second)
	f.seed(t, "key-B", 3, 300, time.Second)

	sel, err := f.b.SelectKey(context.Background(), []string{"key-A", "key-B"}, "gemini-test", 50)
	if err != nil {
		t.Fatalf("SelectKey: %v", err)
	}
	if sel.KeyHash != keys.Hash("key-A") {
		t.Errorf("selected %s, want key-A (weighted score 0.416 vs 0.426)", sel.KeyHash)
	}
	if sel.Reason != "" {
		t.Errorf("reason = %q, want normal path", sel.Reason)
	}
}

func TestSelectKeySkipsBlacklisted(t *testing.T) {
	f := newFixture(t)
	f.quarantine(t, "key-A", blacklist.ReasonRateLimited, time.Now().UTC().Add(5*time.Minute))

	sel, err := f.b.SelectKey(context.Background(), []string{"key-A", "key-B"}, "gemini-test", 50)
	if err != nil {
		t.Fatalf("SelectKey: %v", err)
	}
	if sel.KeyHash != keys.Hash("key-B") {
		t.Errorf("selected %s, want key-B", sel.KeyHash)
	}
}

func TestSelectKeyAllBlacklistedFallback(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.quarantine(t, "key-A", blacklist.ReasonAuthFailed, now.Add(12*time.Hour))
	f.quarantine(t, "key-B", blacklist.ReasonRateLimited, now.Add(5*time.Minute))
	f.quarantine(t, "key-C", blacklist.ReasonRPDExceeded, now.Add(8*time.Hour))

	sel, err := f.b.SelectKey(context.Background(), []string{"key-A", "key-B", "key-C"}, "gemini-test", 50)
	if err != nil {
		t.Fatalf("SelectKey: %v", err)
	}
	if sel.KeyHash != keys.Hash("key-B") {
		t.Errorf("selected %s, want key-B with the earliest expiry", sel.KeyHash)
	}
	if sel.Reason != ReasonAllBlacklisted {
		t.Errorf("reason = %q, want %q", sel.Reason, ReasonAllBlacklisted)
	}
}

func TestSelectKeyNoQuotaFallback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "key-A", 10, 0, time.Second)
	f.seed(t, "key-B", 10, 0, time.Second)

	sel, err := f.b.SelectKey(context.Background(), []string{"key-A", "key-B"}, "gemini-test", 50)
	if err != nil {
		t.Fatalf("SelectKey: %v", err)
	}
	if sel.KeyHash != keys.Hash("key-A") {
		t.Errorf("selected %s, want first candidate key-A", sel.KeyHash)
	}
	if sel.Reason != ReasonNoQuota {
		t.Errorf("reason = %q, want %q", sel.Reason, ReasonNoQuota)
	}
}

func TestRecordOutcomeSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := keys.Hash("key-A")
	f.quarantine(t, "key-A", blacklist.ReasonRateLimited, time.Now().UTC().Add(5*time.Minute))

	f.b.RecordOutcome(ctx, &Outcome{
		KeyHash:          hash,
		Model:            "gemini-test",
		ClientType:       "claude",
		Endpoint:         "/v1/messages",
		StatusCode:       200,
		Latency:          150 * time.Millisecond,
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
	})

	if f.bl.IsBlacklisted(ctx, hash) {
		t.Error("success should lift the quarantine")
	}
	if got := f.store.RequestLogCount(); got != 1 {
		t.Errorf("request log count = %d, want 1", got)
	}
	m, err := f.store.GetKeyMetrics(ctx, hash)
	if err != nil || m == nil {
		t.Fatalf("GetKeyMetrics: %v, %v", m, err)
	}
	if m.SuccessfulRequests != 1 || m.FailedRequests != 0 {
		t.Errorf("metrics = %d ok / %d failed, want 1/0", m.SuccessfulRequests, m.FailedRequests)
	}
}

func TestRecordOutcomeDailyQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hashA := keys.Hash("key-A")

	f.b.RecordOutcome(ctx, &Outcome{
		KeyHash:    hashA,
		Model:      "gemini-test",
		ClientType: "openai",
		Endpoint:   "/v1/chat/completions",
		StatusCode: 429,
		Latency:    120 * time.Millisecond,
		ErrorText:  "daily quota exceeded for this key",
	})

	e, err := f.bl.Get(ctx, hashA)
	if err != nil || e == nil {
		t.Fatalf("blacklist entry = %v, err %v, want present", e, err)
	}
	if e.Reason != blacklist.ReasonRPDExceeded {
		t.Errorf("reason = %s, want rpd_exceeded", e.Reason)
	}
	now := time.Now().UTC()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	if e.ExpiresAt.Before(now.Add(59*time.Second)) || e.ExpiresAt.After(nextMidnight.Add(time.Minute)) {
		t.Errorf("expiresAt = %v, want the next UTC midnight or its clamped floor", e.ExpiresAt)
	}

	// A follow-up request with both keys picks the clean one.
	sel, err := f.b.SelectKey(ctx, []string{"key-A", "key-B"}, "gemini-test", 50)
	if err != nil {
		t.Fatalf("SelectKey: %v", err)
	}
	if sel.KeyHash != keys.Hash("key-B") {
		t.Errorf("selected %s, want key-B", sel.KeyHash)
	}
}

func TestRecordOutcomeRateLimitClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		errorText  string
		want       blacklist.Reason
	}{
		{"plain 429", 429, "", blacklist.ReasonRateLimited},
		{"daily wording", 429, "Daily limit reached", blacklist.ReasonRPDExceeded},
		{"quota wording", 429, "You exceeded your current quota", blacklist.ReasonRPDExceeded},
		{"token wording", 429, "token limit exhausted for the minute", blacklist.ReasonTPDExceeded},
		{"mid-stream resource exhausted", 200, "Resource exhausted, slow down", blacklist.ReasonRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			hash := keys.Hash("key-A")

			f.b.RecordOutcome(ctx, &Outcome{
				KeyHash:    hash,
				Model:      "gemini-test",
				StatusCode: tt.statusCode,
				ErrorText:  tt.errorText,
			})

			e, err := f.bl.Get(ctx, hash)
			if err != nil || e == nil {
				t.Fatalf("blacklist entry = %v, err %v, want present", e, err)
			}
			if e.Reason != tt.want {
				t.Errorf("reason = %s, want %s", e.Reason, tt.want)
			}
		})
	}
}

func TestRecordOutcomeAuthFailureThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := keys.Hash("key-A")

	reject := func() {
		f.b.RecordOutcome(ctx, &Outcome{
			KeyHash:    hash,
			Model:      "gemini-test",
			StatusCode: 401,
			ErrorText:  "API key not valid",
		})
	}

	reject()
	reject()
	if f.bl.IsBlacklisted(ctx, hash) {
		t.Fatal("two rejections should stay under the threshold")
	}

	reject()
	e, err := f.bl.Get(ctx, hash)
	if err != nil || e == nil {
		t.Fatalf("blacklist entry = %v, err %v, want present after third rejection", e, err)
	}
	if e.Reason != blacklist.ReasonAuthFailed {
		t.Errorf("reason = %s, want auth_failed", e.Reason)
	}
}

func TestIsRateLimitText(t *testing.T) {
	positives := []string{
		"Rate limit exceeded",
		"RESOURCE_EXHAUSTED",
		"too many requests",
		"quota exceeded",
	}
	for _, s := range positives {
		if !isRateLimitText(s) {
			t.Errorf("isRateLimitText(%q) = false, want true", s)
		}
	}

	negatives := []string{"", "internal server error", "API key not valid"}
	for _, s := range negatives {
		if isRateLimitText(s) {
			t.Errorf("isRateLimitText(%q) = true, want false", s)
		}
	}
}
