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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polygate/polygate/pkg/blacklist"
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/gateway"
	"github.com/polygate/polygate/pkg/observability"
	"github.com/polygate/polygate/pkg/storage"
	"github.com/polygate/polygate/pkg/transform"
)

// Options carry the wired pipeline into the HTTP surface. Adapters must
// contain one entry per client dialect; everything else degrades gracefully
// when absent (nil observability disables /metrics, nil store empties
// /health/stats).
type Options struct {
	Config        *config.Config
	Adapters      map[string]*gateway.Adapter
	Embeddings    *gateway.Embeddings
	Store         storage.Store
	Blacklist     *blacklist.Manager
	Observability *observability.Manager
	Version       string
	Logger        *slog.Logger
}

// Server is the HTTP front of the gateway. It owns routing, middleware, and
// the SSE write loop; all translation and key management happens in the
// adapters behind it.
type Server struct {
	cfg        *config.ServerConfig
	cors       *config.CORSConfig
	models     *config.ModelsConfig
	adapters   map[string]*gateway.Adapter
	embeddings *gateway.Embeddings
	store      storage.Store
	blacklist  *blacklist.Manager
	obs        *observability.Manager
	version    string
	logger     *slog.Logger
	started    time.Time

	httpServer *http.Server
}

// New assembles the router. It fails fast when a dialect adapter is missing
// so a half-wired gateway never starts serving.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	for _, dialect := range []string{transform.DialectOpenAI, transform.DialectClaude, transform.DialectGemini} {
		if opts.Adapters[dialect] == nil {
			return nil, fmt.Errorf("no adapter for dialect %q", dialect)
		}
	}
	if opts.Embeddings == nil {
		return nil, fmt.Errorf("embeddings handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        &opts.Config.Server,
		cors:       &opts.Config.CORS,
		models:     &opts.Config.Models,
		adapters:   opts.Adapters,
		embeddings: opts.Embeddings,
		store:      opts.Store,
		blacklist:  opts.Blacklist,
		obs:        opts.Observability,
		version:    opts.Version,
		logger:     logger,
		started:    time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.routes(),
		// WriteTimeout stays zero: SSE responses are open-ended and must
		// not be cut by the server clock.
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Order matters: the request id must exist before anything logs, the
	// recoverer must sit above the handlers it guards, and metrics wrap
	// the innermost view so they see the final status code.
	r.Use(s.requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)
	r.Use(corsMiddleware(s.cors))
	r.Use(s.metricsMiddleware)

	// Inference surface, one route per client dialect.
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/v1/messages", s.handleClaudeMessages)
	r.Post("/v1beta/models/{model}", s.handleGeminiGenerate)

	// Model discovery, in each dialect's own list shape.
	r.Get("/v1/models", s.handleOpenAIModels)
	r.Get("/v1beta/models", s.handleGeminiModels)

	// Operator surface.
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Get("/health/stats", s.handleHealthStats)
	r.Get("/metrics", s.obs.Handler().ServeHTTP)

	return r
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting",
		"addr", s.httpServer.Addr,
		"version", s.version)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
