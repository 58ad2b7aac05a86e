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

package blacklist

import (
	"fmt"

	"github.com/polygate/polygate/pkg/config"
)

// NewStore creates a blacklist store from configuration.
func NewStore(cfg *config.BlacklistConfig) (Store, error) {
	if cfg == nil {
		return NewMemoryStore(), nil
	}
	switch cfg.Store {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(&cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown blacklist store: %s", cfg.Store)
	}
}
