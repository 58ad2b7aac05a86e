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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polygate/polygate/pkg/balancer"
	"github.com/polygate/polygate/pkg/blacklist"
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/gateway"
	"github.com/polygate/polygate/pkg/httpclient"
	"github.com/polygate/polygate/pkg/logger"
	"github.com/polygate/polygate/pkg/observability"
	"github.com/polygate/polygate/pkg/quota"
	"github.com/polygate/polygate/pkg/server"
	"github.com/polygate/polygate/pkg/storage"
	"github.com/polygate/polygate/pkg/transform"
	"github.com/polygate/polygate/pkg/upstream"
	"github.com/polygate/polygate/pkg/utils"
)

const (
	// statsWindow is how far back the periodic system snapshot looks.
	statsWindow = 24 * time.Hour
	// snapshotInterval paces the system_stats writer.
	snapshotInterval = 15 * time.Minute
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Config string `short:"c" help:"Path to YAML config file (omit for built-in defaults)." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	// Load configuration. Without a file the gateway runs on defaults:
	// memory stores, documented model tables, port 8080.
	var cfg *config.Config
	var loader *config.Loader
	if c.Config != "" {
		var err error
		// The reload callback only touches the model tables; everything
		// else (listeners, stores, timeouts) requires a restart.
		loader, err = config.NewLoader(c.Config, config.WithOnChange(func(next *config.Config) {
			if cfg == nil {
				return
			}
			if err := cfg.Models.Reload(&next.Models); err != nil {
				slog.Warn("Model table reload rejected", "error", err)
				return
			}
			slog.Info("Model tables reloaded",
				"mappings", len(next.Models.Mappings),
				"limits", len(next.Models.Limits))
		}))
		if err != nil {
			return err
		}
		cfg, err = loader.Load()
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	output := os.Stderr
	if cfg.Logging.File != "" {
		file, closeFile, err := logger.OpenLogFile(cfg.Logging.File)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer closeFile()
		output = file
	}
	logger.Init(level, output, cfg.Logging.Format)
	log := slog.Default()

	obs, err := observability.New()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()
	metrics := obs.Metrics()

	// Backing stores.
	pool := config.NewDBPool()
	defer func() { _ = pool.Close() }()
	store, err := storage.New(&cfg.Storage, pool)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()
	blStore, err := blacklist.NewStore(&cfg.Blacklist)
	if err != nil {
		return fmt.Errorf("failed to open blacklist store: %w", err)
	}
	defer func() { _ = blStore.Close() }()

	// Key management pipeline.
	bl := blacklist.NewManager(blStore, &cfg.Blacklist, logger.WithComponent("blacklist"))
	bl.OnAdd = func(reason blacklist.Reason) {
		metrics.RecordBlacklistAdd(context.Background(), string(reason))
	}
	qm := quota.NewManager(store, &cfg.Quota, logger.WithComponent("quota"))
	bal := balancer.New(bl, qm, store, &cfg.Models, &cfg.Blacklist, logger.WithComponent("balancer"))

	// Upstream client with retry metrics.
	up, err := upstream.NewClient(&cfg.Upstream, logger.WithComponent("upstream"),
		httpclient.WithRetryHook(func(status int) {
			metrics.RecordUpstreamRetry(context.Background(), status)
		}))
	if err != nil {
		return fmt.Errorf("failed to build upstream client: %w", err)
	}

	// One adapter per client dialect, sharing the pipeline.
	est := utils.NewEstimator()
	adapters := make(map[string]*gateway.Adapter, 3)
	gwLog := logger.WithComponent("gateway")
	for _, tr := range []transform.Transformer{
		transform.NewOpenAI(&cfg.Models, gwLog),
		transform.NewClaude(&cfg.Models, gwLog),
		transform.NewGemini(&cfg.Models, gwLog),
	} {
		adapters[tr.Dialect()] = gateway.NewAdapter(tr, bal, up, store, est, metrics, gwLog)
	}
	embeddings := gateway.NewEmbeddings(&cfg.Models, bal, up, store, est, metrics, gwLog)

	srv, err := server.New(server.Options{
		Config:        cfg,
		Adapters:      adapters,
		Embeddings:    embeddings,
		Store:         store,
		Blacklist:     bl,
		Observability: obs,
		Version:       resolveVersion(),
		Logger:        log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if loader != nil {
		g.Go(func() error {
			if err := loader.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	sweeper := storage.NewSweeper(store, &cfg.Retention, logger.WithComponent("retention"))
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return runStatsSnapshotter(gctx, store, log) })

	log.Info("Gateway ready", "version", resolveVersion())
	return g.Wait()
}

// runStatsSnapshotter periodically folds the recent request logs into one
// system_stats row, giving operators a cheap activity series even after the
// raw logs are swept.
func runStatsSnapshotter(ctx context.Context, store storage.Store, log *slog.Logger) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := store.Stats(ctx, statsWindow)
			if err != nil {
				log.Warn("Stats snapshot query failed", "error", err)
				continue
			}
			snap := &storage.SystemStats{
				CapturedAt:        time.Now().UTC(),
				TotalRequests:     stats.TotalRequests,
				TotalErrors:       stats.TotalErrors,
				ActiveKeys:        stats.ActiveKeys,
				AvgResponseTimeMs: stats.AvgResponseTimeMs,
				TotalTokens:       stats.TotalTokens,
			}
			if err := store.SnapshotSystemStats(ctx, snap); err != nil {
				log.Warn("Stats snapshot write failed", "error", err)
			}
		}
	}
}
