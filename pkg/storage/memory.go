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
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Thread-safe; suitable for tests and
// single-instance deployments where persistence across restarts is not
// required. Request logs older than the day window are pruned on write so
// memory stays bounded.
type MemoryStore struct {
	mu       sync.RWMutex
	requests []RequestLog
	metrics  map[string]*KeyMetrics
	errors   []ErrorLog
	stats    []SystemStats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics: make(map[string]*KeyMetrics),
	}
}

func (s *MemoryStore) AppendRequestLog(ctx context.Context, rec *RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	s.requests = append(s.requests, r)
	s.pruneLocked(r.Timestamp.Add(-DayWindow - time.Hour))
	return nil
}

// pruneLocked drops request logs older than the cutoff. Caller holds mu.
func (s *MemoryStore) pruneLocked(cutoff time.Time) {
	firstLive := 0
	for ; firstLive < len(s.requests); firstLive++ {
		if !s.requests[firstLive].Timestamp.Before(cutoff) {
			break
		}
	}
	if firstLive > 0 {
		s.requests = append([]RequestLog(nil), s.requests[firstLive:]...)
	}
}

func (s *MemoryStore) UsageWindows(ctx context.Context, keyHash, model string, now time.Time) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minuteStart := now.Add(-MinuteWindow)
	dayStart := now.Add(-DayWindow)

	var u Usage
	for i := range s.requests {
		r := &s.requests[i]
		if r.APIKeyHash != keyHash || r.Model != model {
			continue
		}
		if r.Timestamp.Before(dayStart) {
			continue
		}
		u.RPD++
		if !r.Timestamp.Before(minuteStart) {
			u.RPM++
			u.TPM += int64(r.TotalTokens)
		}
	}
	return u, nil
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, o *Outcome) (*KeyMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := o.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m, ok := s.metrics[o.APIKeyHash]
	if !ok {
		m = &KeyMetrics{
			APIKeyHash: o.APIKeyHash,
			Healthy:    true,
			FirstSeen:  now,
		}
		s.metrics[o.APIKeyHash] = m
	}
	applyOutcome(m, o, now)

	out := *m
	return &out, nil
}

func (s *MemoryStore) GetKeyMetrics(ctx context.Context, keyHash string) (*KeyMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[keyHash]
	if !ok {
		return nil, nil
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) AppendErrorLog(ctx context.Context, rec *ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	s.errors = append(s.errors, r)
	return nil
}

func (s *MemoryStore) SnapshotSystemStats(ctx context.Context, sn *SystemStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, *sn)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, window time.Duration) (*AggregateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now().UTC().Add(-window)
	out := &AggregateStats{Window: window}
	keys := make(map[string]struct{})
	var latencySum int64

	for i := range s.requests {
		r := &s.requests[i]
		if r.Timestamp.Before(start) {
			continue
		}
		out.TotalRequests++
		if r.HasError {
			out.TotalErrors++
		}
		if r.Stream {
			out.StreamRequests++
		}
		out.TotalTokens += int64(r.TotalTokens)
		latencySum += r.ResponseTimeMs
		keys[r.APIKeyHash] = struct{}{}
	}
	out.ActiveKeys = int64(len(keys))
	if out.TotalRequests > 0 {
		out.AvgResponseTimeMs = float64(latencySum) / float64(out.TotalRequests)
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64

	before := len(s.requests)
	s.pruneLocked(cutoff)
	removed += int64(before - len(s.requests))

	liveErrors := s.errors[:0]
	for _, e := range s.errors {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		liveErrors = append(liveErrors, e)
	}
	s.errors = liveErrors

	liveStats := s.stats[:0]
	for _, st := range s.stats {
		if st.CapturedAt.Before(cutoff) {
			removed++
			continue
		}
		liveStats = append(liveStats, st)
	}
	s.stats = liveStats

	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// RequestLogCount reports the number of retained request logs (for testing).
func (s *MemoryStore) RequestLogCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// ErrorLogCount reports the number of retained error logs (for testing).
func (s *MemoryStore) ErrorLogCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.errors)
}

// LastRequestLog returns a copy of the most recent request log, or nil when
// none exist (for testing).
func (s *MemoryStore) LastRequestLog() *RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.requests) == 0 {
		return nil
	}
	rec := s.requests[len(s.requests)-1]
	return &rec
}

// LastErrorLog returns a copy of the most recent error log, or nil when
// none exist (for testing).
func (s *MemoryStore) LastErrorLog() *ErrorLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.errors) == 0 {
		return nil
	}
	rec := s.errors[len(s.errors)-1]
	return &rec
}

var _ Store = (*MemoryStore)(nil)
