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

package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsAreSafe(t *testing.T) {
	ctx := context.Background()

	var m *Metrics
	m.RecordRequest(ctx, "openai", "gpt-4", 200, 50*time.Millisecond, false)
	m.RecordUpstreamRetry(ctx, 503)
	m.RecordBlacklistAdd(ctx, "auth_401")
	m.RecordKeyFallback(ctx, "all_blacklisted")
	m.RecordStreamFrames(ctx, "claude", 12)

	empty := &Metrics{}
	empty.RecordRequest(ctx, "openai", "gpt-4", 200, 50*time.Millisecond, true)
	empty.RecordStreamFrames(ctx, "gemini", 3)
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	if m.Metrics() != nil {
		t.Error("expected nil metrics from nil manager")
	}
	if m.Handler() == nil {
		t.Error("expected usable handler from nil manager")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestManagerExposesRecordedMetrics(t *testing.T) {
	mgr, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	ctx := context.Background()
	m := mgr.Metrics()
	m.RecordRequest(ctx, "openai", "gpt-4", 200, 120*time.Millisecond, false)
	m.RecordRequest(ctx, "claude", "claude-sonnet-4", 429, 80*time.Millisecond, true)
	m.RecordUpstreamRetry(ctx, 503)
	m.RecordBlacklistAdd(ctx, "rpd_exceeded")
	m.RecordKeyFallback(ctx, "all_blacklisted")
	m.RecordStreamFrames(ctx, "claude", 7)

	rec := httptest.NewRecorder()
	mgr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"polygate_requests_total",
		"polygate_request_duration_seconds",
		"polygate_upstream_retries_total",
		"polygate_blacklist_adds_total",
		"polygate_key_fallbacks_total",
		"polygate_stream_frames_total",
		`dialect="openai"`,
		`reason="rpd_exceeded"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestManagersDoNotCollide(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("first manager: %v", err)
	}
	defer a.Shutdown(context.Background())

	b, err := New()
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	defer b.Shutdown(context.Background())

	a.Metrics().RecordBlacklistAdd(context.Background(), "manual")

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rec.Body.String(), `reason="manual"`) {
		t.Error("registries are shared between managers")
	}
}
