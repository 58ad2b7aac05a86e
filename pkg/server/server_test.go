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

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/polygate/polygate/pkg/balancer"
	"github.com/polygate/polygate/pkg/blacklist"
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/gateway"
	"github.com/polygate/polygate/pkg/observability"
	"github.com/polygate/polygate/pkg/quota"
	"github.com/polygate/polygate/pkg/storage"
	"github.com/polygate/polygate/pkg/transform"
	"github.com/polygate/polygate/pkg/upstream"
	"github.com/polygate/polygate/pkg/utils"
)

type testGateway struct {
	ts    *httptest.Server
	store *storage.MemoryStore
}

// newTestGateway wires the full pipeline against a fake upstream and serves
// it over a real listener, so tests exercise routing, middleware, and SSE
// exactly as clients do.
func newTestGateway(t *testing.T, upstreamURL string, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemoryStore()
	blStore := blacklist.NewMemoryStore()
	bl := blacklist.NewManager(blStore, &cfg.Blacklist, nil)
	qm := quota.NewManager(store, &cfg.Quota, nil)
	bal := balancer.New(bl, qm, store, &cfg.Models, &cfg.Blacklist, nil)

	up, err := upstream.NewClient(&config.UpstreamConfig{
		BaseURL:         upstreamURL,
		Timeout:         5 * time.Second,
		IdleReadTimeout: 5 * time.Second,
		Retry:           config.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, nil)
	if err != nil {
		t.Fatalf("upstream client: %v", err)
	}
	est := utils.NewEstimator()

	obs, err := observability.New()
	if err != nil {
		t.Fatalf("observability: %v", err)
	}
	metrics := obs.Metrics()

	adapters := make(map[string]*gateway.Adapter, 3)
	for _, tr := range []transform.Transformer{
		transform.NewOpenAI(&cfg.Models, nil),
		transform.NewClaude(&cfg.Models, nil),
		transform.NewGemini(&cfg.Models, nil),
	} {
		adapters[tr.Dialect()] = gateway.NewAdapter(tr, bal, up, store, est, metrics, nil)
	}

	srv, err := New(Options{
		Config:        cfg,
		Adapters:      adapters,
		Embeddings:    gateway.NewEmbeddings(&cfg.Models, bal, up, store, est, metrics, nil),
		Store:         store,
		Blacklist:     bl,
		Observability: obs,
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{ts: ts, store: store}
}

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ":streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			frames := []string{
				`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]},"index":0}]}`,
				`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`,
			}
			for _, frame := range frames {
				fmt.Fprintf(w, "data: %s\n\n", frame)
				fl.Flush()
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Hello there"}]},
				"finishReason": "STOP",
				"index": 0
			}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
		}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestRequestIDAssignedAndEchoed(t *testing.T) {
	g := newTestGateway(t, "http://localhost:0", nil)

	resp, err := http.Get(g.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("x-request-id") == "" {
		t.Error("missing generated x-request-id")
	}

	req, _ := http.NewRequest(http.MethodGet, g.ts.URL+"/health", nil)
	req.Header.Set("x-request-id", "trace-me")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("x-request-id"); got != "trace-me" {
		t.Errorf("request id = %q, want echo", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway(t, "http://localhost:0", nil)

	req, _ := http.NewRequest(http.MethodOptions, g.ts.URL+"/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow-methods")
	}
}

func TestMissingKeyRendersInDialect(t *testing.T) {
	g := newTestGateway(t, "http://localhost:0", nil)

	tests := []struct {
		path     string
		body     string
		wantType string
	}{
		{"/v1/chat/completions", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, `"authentication_error"`},
		{"/v1/messages", `{"model":"claude-sonnet-4","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, `"authentication_error"`},
		{"/v1beta/models/gemini-2.5-pro:generateContent", `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, `"UNAUTHENTICATED"`},
	}
	for _, tt := range tests {
		resp := post(t, g.ts.URL+tt.path, tt.body, nil)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tt.path, resp.StatusCode)
		}
		if !strings.Contains(body, tt.wantType) {
			t.Errorf("%s: body = %s, want %s", tt.path, body, tt.wantType)
		}
	}
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	up := fakeUpstream(t)
	g := newTestGateway(t, up.URL, nil)

	resp := post(t, g.ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer key-a"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var out struct {
		Object string `json:"object"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "gpt-4" {
		t.Errorf("object %q model %q", out.Object, out.Model)
	}
}

func TestClaudeStreamEndToEnd(t *testing.T) {
	up := fakeUpstream(t)
	g := newTestGateway(t, up.URL, nil)

	resp := post(t, g.ts.URL+"/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-api-key": "key-a"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	want := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	if len(names) != len(want) {
		t.Fatalf("event names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestGeminiRoutes(t *testing.T) {
	up := fakeUpstream(t)
	g := newTestGateway(t, up.URL, nil)
	auth := map[string]string{"x-goog-api-key": "key-a"}
	geminiBody := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`

	resp := post(t, g.ts.URL+"/v1beta/models/gemini-2.5-pro:generateContent", geminiBody, auth)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unary status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"candidates"`) {
		t.Errorf("unary body = %s", body)
	}

	resp = post(t, g.ts.URL+"/v1beta/models/gemini-2.5-pro:streamGenerateContent", geminiBody, auth)
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Errorf("stream content type = %q", resp.Header.Get("Content-Type"))
	}
	dataLines := 0
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			dataLines++
		}
	}
	if dataLines != 2 {
		t.Errorf("data frames = %d, want 2\n%s", dataLines, body)
	}

	resp = post(t, g.ts.URL+"/v1beta/models/gemini-2.5-pro:countTokens", geminiBody, auth)
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown op status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"NOT_FOUND"`) {
		t.Errorf("unknown op body = %s", body)
	}
}

func TestModelLists(t *testing.T) {
	g := newTestGateway(t, "http://localhost:0", nil)

	resp, err := http.Get(g.ts.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := readBody(t, resp)
	var openAIList struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &openAIList); err != nil {
		t.Fatalf("invalid list: %v", err)
	}
	if openAIList.Object != "list" || len(openAIList.Data) == 0 {
		t.Fatalf("list = %+v", openAIList)
	}
	found := false
	for _, m := range openAIList.Data {
		if m.ID == "gpt-4" && m.Object == "model" {
			found = true
		}
	}
	if !found {
		t.Error("gpt-4 missing from /v1/models")
	}

	resp, err = http.Get(g.ts.URL + "/v1beta/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body = readBody(t, resp)
	if !strings.Contains(body, `"models/gemini-2.5-pro"`) {
		t.Errorf("gemini list = %s", body)
	}
	if !strings.Contains(body, `"embedContent"`) {
		t.Error("embedding model methods missing from /v1beta/models")
	}
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t, "http://localhost:0", nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(g.ts.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, body %s", path, resp.StatusCode, body)
		}
	}

	resp, err := http.Get(g.ts.URL + "/health/stats?window=bogus")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad window status = %d", resp.StatusCode)
	}
}

func TestHealthStatsAggregates(t *testing.T) {
	up := fakeUpstream(t)
	g := newTestGateway(t, up.URL, nil)

	resp := post(t, g.ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer key-a"})
	readBody(t, resp)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && g.store.RequestLogCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if g.store.RequestLogCount() == 0 {
		t.Fatal("request was never recorded")
	}

	statsResp, err := http.Get(g.ts.URL + "/health/stats?window=1h")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	body := readBody(t, statsResp)
	var stats struct {
		Window        string `json:"window"`
		TotalRequests int64  `json:"totalRequests"`
		TotalTokens   int64  `json:"totalTokens"`
	}
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("invalid stats: %v", err)
	}
	if stats.Window != "1h0m0s" || stats.TotalRequests != 1 || stats.TotalTokens != 15 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBodyTooLarge(t *testing.T) {
	g := newTestGateway(t, "http://localhost:0", func(cfg *config.Config) {
		cfg.Server.MaxBodyBytes = 64
	})

	resp := post(t, g.ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"`+strings.Repeat("x", 256)+`"}]}`,
		map[string]string{"Authorization": "Bearer key-a"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if !strings.Contains(body, "request body too large") {
		t.Errorf("body = %s", body)
	}
}

func TestMetricsEndpointRecordsRequests(t *testing.T) {
	up := fakeUpstream(t)
	g := newTestGateway(t, up.URL, nil)

	resp := post(t, g.ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer key-a"})
	readBody(t, resp)

	metricsResp, err := http.Get(g.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body := readBody(t, metricsResp)
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsResp.StatusCode)
	}
	if !strings.Contains(body, "polygate_requests_total") {
		t.Error("request counter missing from scrape")
	}
	if !strings.Contains(body, `dialect="openai"`) {
		t.Error("dialect label missing from scrape")
	}
}
