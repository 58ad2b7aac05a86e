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
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expiry is enforced on read, with a
// lazy sweep on write once the map grows, so no background janitor runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory blacklist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, keyHash string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[keyHash]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !e.ExpiresAt.After(s.clock().UTC()) {
		s.mu.Lock()
		delete(s.entries, keyHash)
		s.mu.Unlock()
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (s *MemoryStore) Set(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := *e
	s.entries[e.KeyHash] = &entry

	if len(s.entries) >= 1024 {
		now := s.clock().UTC()
		for hash, old := range s.entries {
			if !old.ExpiresAt.After(now) {
				delete(s.entries, hash)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, keyHash)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
