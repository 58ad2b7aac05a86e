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
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polygate/polygate/pkg/gateway"
	"github.com/polygate/polygate/pkg/keys"
	"github.com/polygate/polygate/pkg/transform"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveInference(w, r, s.adapters[transform.DialectOpenAI], transform.RequestMeta{})
}

func (s *Server) handleClaudeMessages(w http.ResponseWriter, r *http.Request) {
	s.serveInference(w, r, s.adapters[transform.DialectClaude], transform.RequestMeta{})
}

// handleGeminiGenerate serves the native dialect. The model and operation
// arrive fused in one path segment ("gemini-2.5-pro:streamGenerateContent"),
// so the split happens here rather than in the router.
func (s *Server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	a := s.adapters[transform.DialectGemini]

	segment := chi.URLParam(r, "model")
	model, op, ok := strings.Cut(segment, ":")
	if !ok || model == "" {
		s.failEarly(w, r, a.Dialect(),
			gateway.NewError(gateway.KindNotFound, "expected models/{model}:{operation}, got %q", segment))
		return
	}

	meta := transform.RequestMeta{Model: model}
	switch op {
	case "generateContent":
	case "streamGenerateContent":
		meta.Stream = true
	default:
		s.failEarly(w, r, a.Dialect(),
			gateway.NewError(gateway.KindNotFound, "unsupported operation %q", op))
		return
	}

	if labels := labelsFrom(r.Context()); labels != nil {
		labels.model = model
	}
	s.serveInference(w, r, a, meta)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	dialect := transform.DialectOpenAI
	if labels := labelsFrom(r.Context()); labels != nil {
		labels.dialect = dialect
	}

	req, ok := s.buildRequest(w, r, dialect)
	if !ok {
		return
	}
	res, err := s.embeddings.Handle(r.Context(), req)
	if err != nil {
		status, body := s.embeddings.Fail(req, err)
		writeJSON(w, status, body)
		return
	}
	if labels := labelsFrom(r.Context()); labels != nil {
		labels.model = res.Model
	}
	writeJSON(w, http.StatusOK, res.Body)
}

// serveInference is the shared spine of the three dialect routes: read the
// body, pull the candidate keys, hand off to the adapter, and write either
// the JSON answer or the SSE stream.
func (s *Server) serveInference(w http.ResponseWriter, r *http.Request, a *gateway.Adapter, meta transform.RequestMeta) {
	if labels := labelsFrom(r.Context()); labels != nil {
		labels.dialect = a.Dialect()
	}

	req, ok := s.buildRequest(w, r, a.Dialect())
	if !ok {
		return
	}
	req.Meta = meta

	res, err := a.Handle(r.Context(), req)
	if err != nil {
		status, body := a.Fail(req, err)
		writeJSON(w, status, body)
		return
	}

	if labels := labelsFrom(r.Context()); labels != nil {
		labels.model = res.Model
		labels.stream = res.Stream
	}
	if res.Stream {
		s.writeSSE(w, r, res.Events)
		return
	}
	writeJSON(w, http.StatusOK, res.Body)
}

// buildRequest reads the body and the candidate keys. On failure it writes
// the in-dialect error itself and reports ok=false.
func (s *Server) buildRequest(w http.ResponseWriter, r *http.Request, dialect string) (*gateway.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.failEarly(w, r, dialect, &gateway.Error{
				Kind:    gateway.KindValidation,
				Message: "request body too large",
				Field:   "body",
				Status:  http.StatusRequestEntityTooLarge,
			})
		} else {
			s.failEarly(w, r, dialect,
				gateway.NewError(gateway.KindValidation, "failed to read request body: %s", err))
		}
		return nil, false
	}

	req := &gateway.Request{
		Body:      body,
		RequestID: RequestIDFrom(r.Context()),
	}

	candidates, err := keys.FromHeaders(r.Header)
	if err != nil {
		s.failRequest(w, dialect, req, err)
		return nil, false
	}
	req.Candidates = candidates
	return req, true
}

// failEarly renders errors raised before a request object exists.
func (s *Server) failEarly(w http.ResponseWriter, r *http.Request, dialect string, cause error) {
	req := &gateway.Request{RequestID: RequestIDFrom(r.Context())}
	s.failRequest(w, dialect, req, cause)
}

func (s *Server) failRequest(w http.ResponseWriter, dialect string, req *gateway.Request, cause error) {
	a := s.adapters[dialect]
	if a == nil {
		a = s.adapters[transform.DialectOpenAI]
	}
	status, body := a.Fail(req, cause)
	writeJSON(w, status, body)
}

// openAIModelList is the GET /v1/models shape.
type openAIModelList struct {
	Object string        `json:"object"`
	Data   []openAIModel `json:"data"`
}

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	names := s.models.ClientModels()
	list := openAIModelList{Object: "list", Data: make([]openAIModel, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, openAIModel{
			ID:      name,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "polygate",
		})
	}
	writeJSONValue(w, http.StatusOK, list)
}

// geminiModelList is the GET /v1beta/models shape.
type geminiModelList struct {
	Models []geminiModel `json:"models"`
}

type geminiModel struct {
	Name                       string   `json:"name"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	ids := s.models.UpstreamModels()
	list := geminiModelList{Models: make([]geminiModel, 0, len(ids))}
	for _, id := range ids {
		methods := []string{"generateContent", "streamGenerateContent"}
		if strings.HasPrefix(id, "text-embedding-") {
			methods = []string{"embedContent", "batchEmbedContents"}
		}
		list.Models = append(list.Models, geminiModel{
			Name:                       "models/" + id,
			SupportedGenerationMethods: methods,
		})
	}
	writeJSONValue(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONValue(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSONValue(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleHealthReady pings the two backing stores. Readiness fails when
// either is unreachable so load balancers stop routing before requests
// start failing open.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, 2)
	healthy := true

	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			checks["storage"] = err.Error()
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	}
	if s.blacklist != nil {
		if err := s.blacklist.Ping(r.Context()); err != nil {
			checks["blacklist"] = err.Error()
			healthy = false
		} else {
			checks["blacklist"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSONValue(w, status, map[string]any{"status": state, "checks": checks})
}

// statsResponse is the GET /health/stats shape.
type statsResponse struct {
	Window            string  `json:"window"`
	TotalRequests     int64   `json:"totalRequests"`
	TotalErrors       int64   `json:"totalErrors"`
	ActiveKeys        int64   `json:"activeKeys"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	TotalTokens       int64   `json:"totalTokens"`
	StreamRequests    int64   `json:"streamRequests"`
}

func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeJSONValue(w, http.StatusBadRequest,
				map[string]string{"error": "window must be a positive duration, e.g. 1h"})
			return
		}
		window = parsed
	}

	if s.store == nil {
		writeJSONValue(w, http.StatusOK, statsResponse{Window: window.String()})
		return
	}
	stats, err := s.store.Stats(r.Context(), window)
	if err != nil {
		s.logger.Warn("Stats query failed", "error", err)
		writeJSONValue(w, http.StatusInternalServerError,
			map[string]string{"error": "stats query failed"})
		return
	}
	writeJSONValue(w, http.StatusOK, statsResponse{
		Window:            stats.Window.String(),
		TotalRequests:     stats.TotalRequests,
		TotalErrors:       stats.TotalErrors,
		ActiveKeys:        stats.ActiveKeys,
		AvgResponseTimeMs: stats.AvgResponseTimeMs,
		TotalTokens:       stats.TotalTokens,
		StreamRequests:    stats.StreamRequests,
	})
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSONValue(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
