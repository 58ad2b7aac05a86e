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

package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/polygate/polygate/pkg/config"
)

// Sweeper periodically prunes records older than the retention horizon.
type Sweeper struct {
	store  Store
	days   int
	every  time.Duration
	logger *slog.Logger
}

// NewSweeper creates a retention sweeper over the given store.
func NewSweeper(store Store, cfg *config.RetentionConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		days:   cfg.Days,
		every:  cfg.SweepInterval,
		logger: logger,
	}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
// An immediate sweep runs at start so restarts don't defer overdue cleanup.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.days)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("Retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Retention sweep completed", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}
