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
	"fmt"

	"github.com/polygate/polygate/pkg/config"
)

// New creates a Store from configuration. SQL backends share connections
// through the supplied pool.
func New(cfg *config.StorageConfig, pool *config.DBPool) (Store, error) {
	switch cfg.Backend {
	case "sql":
		if pool == nil {
			return nil, fmt.Errorf("DBPool is required for the sql storage backend")
		}
		db, err := pool.Get(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		store, err := NewSQLStore(db, cfg.Database.Dialect())
		if err != nil {
			return nil, fmt.Errorf("failed to create SQL store: %w", err)
		}
		return store, nil
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
