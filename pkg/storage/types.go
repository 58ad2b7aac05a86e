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

// Package storage persists the gateway's per-key accounting: the append-only
// request log the quota manager reads its sliding windows from, cumulative
// per-key metrics, normalized error records, and periodic system snapshots.
// Keys are stored only as fingerprints; raw keys never reach this package.
package storage

import "time"

// RequestLog is one append-only record per upstream call.
type RequestLog struct {
	APIKeyHash       string
	Model            string
	ClientType       string
	Endpoint         string
	StatusCode       int
	ResponseTimeMs   int64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Stream           bool
	HasError         bool
	Timestamp        time.Time
}

// KeyMetrics is the cumulative per-key record, keyed by fingerprint.
// Token counters are monotonic; they only ever grow.
type KeyMetrics struct {
	APIKeyHash            string
	TotalRequests         int64
	SuccessfulRequests    int64
	FailedRequests        int64
	ConsecutiveFailures   int
	AvgResponseTimeMs     float64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	Healthy               bool
	FirstSeen             time.Time
	LastUsed              time.Time
	LastHealthCheck       time.Time
}

// Outcome describes one finished upstream call for metrics accounting.
type Outcome struct {
	APIKeyHash       string
	Success          bool
	ResponseTimeMs   int64
	PromptTokens     int
	CompletionTokens int
	Timestamp        time.Time
}

// ErrorLog records a normalized failure for later inspection.
type ErrorLog struct {
	APIKeyHash string
	Model      string
	ClientType string
	Kind       string
	Message    string
	StatusCode int
	RequestID  string
	Timestamp  time.Time
}

// Usage is a key's consumption over the three quota windows for one model.
type Usage struct {
	RPM int64 // requests in the last 60 s
	TPM int64 // tokens in the last 60 s
	RPD int64 // requests in the last 86400 s
}

// SystemStats is one periodic snapshot of gateway-wide activity.
type SystemStats struct {
	CapturedAt        time.Time
	TotalRequests     int64
	TotalErrors       int64
	ActiveKeys        int64
	AvgResponseTimeMs float64
	TotalTokens       int64
}

// AggregateStats summarize recent activity for the stats endpoint.
type AggregateStats struct {
	Window            time.Duration
	TotalRequests     int64
	TotalErrors       int64
	ActiveKeys        int64
	AvgResponseTimeMs float64
	TotalTokens       int64
	StreamRequests    int64
}
