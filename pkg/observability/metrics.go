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

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's OpenTelemetry instruments. All record
// methods are nil-safe: a nil *Metrics (or one with missing instruments)
// records nothing, so callers never branch on whether metrics are wired.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	upstreamRetries metric.Int64Counter
	blacklistAdds   metric.Int64Counter
	keyFallbacks    metric.Int64Counter
	streamFrames    metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	requestsTotal, err := meter.Int64Counter(
		"polygate_requests_total",
		metric.WithDescription("Total requests proxied, by dialect, model and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"polygate_request_duration_seconds",
		metric.WithDescription("End-to-end request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	upstreamRetries, err := meter.Int64Counter(
		"polygate_upstream_retries_total",
		metric.WithDescription("Total upstream attempts that were retried"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream retries counter: %w", err)
	}

	blacklistAdds, err := meter.Int64Counter(
		"polygate_blacklist_adds_total",
		metric.WithDescription("Total keys blacklisted, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blacklist adds counter: %w", err)
	}

	keyFallbacks, err := meter.Int64Counter(
		"polygate_key_fallbacks_total",
		metric.WithDescription("Total key selections that fell back past healthy candidates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key fallbacks counter: %w", err)
	}

	streamFrames, err := meter.Int64Counter(
		"polygate_stream_frames_total",
		metric.WithDescription("Total upstream stream frames relayed, by dialect"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream frames counter: %w", err)
	}

	return &Metrics{
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		upstreamRetries: upstreamRetries,
		blacklistAdds:   blacklistAdds,
		keyFallbacks:    keyFallbacks,
		streamFrames:    streamFrames,
	}, nil
}

// RecordRequest records one completed request, unary or streaming.
func (m *Metrics) RecordRequest(ctx context.Context, dialect, model string, status int, duration time.Duration, stream bool) {
	if m == nil || m.requestsTotal == nil || m.requestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("dialect", dialect),
		attribute.String("model", model),
		attribute.Int("status", status),
		attribute.Bool("stream", stream),
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpstreamRetry records a retried upstream attempt and the status
// code that triggered it.
func (m *Metrics) RecordUpstreamRetry(ctx context.Context, status int) {
	if m == nil || m.upstreamRetries == nil {
		return
	}
	m.upstreamRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}

// RecordBlacklistAdd records a key entering the blacklist.
func (m *Metrics) RecordBlacklistAdd(ctx context.Context, reason string) {
	if m == nil || m.blacklistAdds == nil {
		return
	}
	m.blacklistAdds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordKeyFallback records a selection that had to settle for a
// blacklisted or over-quota key because nothing healthy remained.
func (m *Metrics) RecordKeyFallback(ctx context.Context, reason string) {
	if m == nil || m.keyFallbacks == nil {
		return
	}
	m.keyFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStreamFrames records the number of upstream frames relayed for
// one streaming request.
func (m *Metrics) RecordStreamFrames(ctx context.Context, dialect string, frames int) {
	if m == nil || m.streamFrames == nil || frames <= 0 {
		return
	}
	m.streamFrames.Add(ctx, int64(frames), metric.WithAttributes(attribute.String("dialect", dialect)))
}
