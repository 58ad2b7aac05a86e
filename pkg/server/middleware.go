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
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/gateway"
	"github.com/polygate/polygate/pkg/keys"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	labelsKey
)

// requestLabels are filled in by the inference handlers and read back by
// the metrics middleware once the response is written. Only requests that
// set a dialect are recorded; operator endpoints stay out of the request
// metrics.
type requestLabels struct {
	dialect string
	model   string
	stream  bool
}

func labelsFrom(ctx context.Context) *requestLabels {
	l, _ := ctx.Value(labelsKey).(*requestLabels)
	return l
}

// RequestIDFrom returns the correlation id assigned to this request, or ""
// outside the middleware stack.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware assigns every request a correlation id, echoing a
// client-supplied x-request-id when present. The id is set on the response
// before the handler runs so even panics carry it.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverMiddleware turns handler panics into a 500 with a logged stack.
// http.ErrAbortHandler passes through untouched, as net/http expects.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("Handler panicked",
				"panic", rec,
				"path", r.URL.Path,
				"requestID", RequestIDFrom(r.Context()),
				"stack", string(debug.Stack()))
			e := gateway.Normalize(fmt.Errorf("internal server error"))
			status, body := gateway.Render("", e)
			writeJSON(w, status, body)
		}()
		next.ServeHTTP(w, r)
	})
}

// logMiddleware writes one structured line per request. Secrets never reach
// it: the only header it touches goes through the redaction helper, and
// liveness probes drop to debug level to keep the log readable.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health/live" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"bytes", ww.bytesWritten,
			"durationMs", time.Since(start).Milliseconds(),
			"auth", keys.RedactHeader("authorization", r.Header.Get("Authorization")),
			"requestID", RequestIDFrom(r.Context()))
	})
}

// metricsMiddleware plants a labels slot in the context for the handler to
// fill and records the request once the status code is final.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		labels := &requestLabels{}
		ctx := context.WithValue(r.Context(), labelsKey, labels)
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(ctx))

		if labels.dialect != "" {
			s.obs.Metrics().RecordRequest(ctx, labels.dialect, labels.model,
				ww.statusCode, time.Since(start), labels.stream)
		}
	})
}

func corsMiddleware(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	wildcard := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && originAllowed(cfg.AllowedOrigins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// responseWriter captures the status code and byte count without breaking
// the streaming interfaces underneath. SSE handlers rely on Flush reaching
// the real writer.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
