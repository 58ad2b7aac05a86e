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
	"time"
)

// Store is the persistence contract shared by the SQL and in-memory
// implementations. Reads and writes are independent per key; no cross-key
// transactions exist, and callers accept small admission races (the
// post-call recording path corrects them).
type Store interface {
	// AppendRequestLog adds one request record. Append-only.
	AppendRequestLog(ctx context.Context, rec *RequestLog) error

	// UsageWindows returns a key's consumption for one model over the
	// rpm/tpm (60 s) and rpd (86400 s) windows ending at now.
	UsageWindows(ctx context.Context, keyHash, model string, now time.Time) (Usage, error)

	// RecordOutcome folds one finished call into the key's cumulative
	// metrics and returns the updated record.
	RecordOutcome(ctx context.Context, o *Outcome) (*KeyMetrics, error)

	// GetKeyMetrics returns the cumulative record for a key, or nil when
	// the key has never been seen.
	GetKeyMetrics(ctx context.Context, keyHash string) (*KeyMetrics, error)

	// AppendErrorLog records a normalized failure.
	AppendErrorLog(ctx context.Context, rec *ErrorLog) error

	// SnapshotSystemStats appends one system-wide snapshot.
	SnapshotSystemStats(ctx context.Context, s *SystemStats) error

	// Stats aggregates request-log activity over the trailing window.
	Stats(ctx context.Context, window time.Duration) (*AggregateStats, error)

	// DeleteOlderThan removes request, error, and stats records whose
	// timestamp precedes the cutoff. Returns rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

const (
	// MinuteWindow is the rpm/tpm sliding window.
	MinuteWindow = 60 * time.Second
	// DayWindow is the rpd sliding window.
	DayWindow = 86400 * time.Second
)
