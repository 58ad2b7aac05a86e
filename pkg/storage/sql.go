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
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schemaStatements are executed one at a time; the MySQL driver rejects
// multi-statement Exec by default.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS request_logs (
    api_key_hash VARCHAR(64) NOT NULL,
    model VARCHAR(128) NOT NULL,
    client_type VARCHAR(32) NOT NULL,
    endpoint VARCHAR(128) NOT NULL,
    status_code INT NOT NULL,
    response_time_ms BIGINT NOT NULL DEFAULT 0,
    prompt_tokens INT NOT NULL DEFAULT 0,
    completion_tokens INT NOT NULL DEFAULT 0,
    total_tokens INT NOT NULL DEFAULT 0,
    is_stream BOOLEAN NOT NULL DEFAULT FALSE,
    has_error BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_key_hash ON request_logs(api_key_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_client_type ON request_logs(client_type)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_status_code ON request_logs(status_code)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_has_error ON request_logs(has_error)`,
	`CREATE TABLE IF NOT EXISTS api_key_metrics (
    api_key_hash VARCHAR(64) NOT NULL,
    total_requests BIGINT NOT NULL DEFAULT 0,
    successful_requests BIGINT NOT NULL DEFAULT 0,
    failed_requests BIGINT NOT NULL DEFAULT 0,
    consecutive_failures INT NOT NULL DEFAULT 0,
    avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_prompt_tokens BIGINT NOT NULL DEFAULT 0,
    total_completion_tokens BIGINT NOT NULL DEFAULT 0,
    is_healthy BOOLEAN NOT NULL DEFAULT TRUE,
    first_seen TIMESTAMP NOT NULL,
    last_used TIMESTAMP NOT NULL,
    last_health_check TIMESTAMP NOT NULL,
    PRIMARY KEY (api_key_hash)
)`,
	`CREATE TABLE IF NOT EXISTS error_logs (
    api_key_hash VARCHAR(64) NOT NULL,
    model VARCHAR(128) NOT NULL,
    client_type VARCHAR(32) NOT NULL,
    error_kind VARCHAR(50) NOT NULL,
    message TEXT,
    status_code INT NOT NULL DEFAULT 0,
    request_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_error_logs_created_at ON error_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_error_logs_key_hash ON error_logs(api_key_hash)`,
	`CREATE TABLE IF NOT EXISTS system_stats (
    captured_at TIMESTAMP NOT NULL,
    total_requests BIGINT NOT NULL DEFAULT 0,
    total_errors BIGINT NOT NULL DEFAULT 0,
    active_keys BIGINT NOT NULL DEFAULT 0,
    avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_tokens BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_system_stats_captured_at ON system_stats(captured_at)`,
}

// SQLStore implements Store over PostgreSQL, MySQL, or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an open connection pool and creates the schema.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		// MySQL has no CREATE INDEX IF NOT EXISTS; duplicate-index errors
		// on re-init are harmless there.
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == "mysql" && strings.Contains(stmt, "CREATE INDEX") {
				continue
			}
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) AppendRequestLog(ctx context.Context, rec *RequestLog) error {
	query := s.rebind(`INSERT INTO request_logs
		(api_key_hash, model, client_type, endpoint, status_code, response_time_ms,
		 prompt_tokens, completion_tokens, total_tokens, is_stream, has_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.APIKeyHash, rec.Model, rec.ClientType, rec.Endpoint, rec.StatusCode,
		rec.ResponseTimeMs, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.Stream, rec.HasError, ts)
	if err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}

func (s *SQLStore) UsageWindows(ctx context.Context, keyHash, model string, now time.Time) (Usage, error) {
	var u Usage

	minuteQuery := s.rebind(`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM request_logs
		WHERE api_key_hash = ? AND model = ? AND created_at >= ?`)
	err := s.db.QueryRowContext(ctx, minuteQuery, keyHash, model, now.Add(-MinuteWindow)).
		Scan(&u.RPM, &u.TPM)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to query minute window: %w", err)
	}

	dayQuery := s.rebind(`SELECT COUNT(*)
		FROM request_logs
		WHERE api_key_hash = ? AND model = ? AND created_at >= ?`)
	err = s.db.QueryRowContext(ctx, dayQuery, keyHash, model, now.Add(-DayWindow)).
		Scan(&u.RPD)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to query day window: %w", err)
	}

	return u, nil
}

func (s *SQLStore) GetKeyMetrics(ctx context.Context, keyHash string) (*KeyMetrics, error) {
	query := s.rebind(`SELECT api_key_hash, total_requests, successful_requests,
		failed_requests, consecutive_failures, avg_response_time_ms,
		total_prompt_tokens, total_completion_tokens, is_healthy,
		first_seen, last_used, last_health_check
		FROM api_key_metrics WHERE api_key_hash = ?`)

	m := &KeyMetrics{}
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&m.APIKeyHash, &m.TotalRequests, &m.SuccessfulRequests, &m.FailedRequests,
		&m.ConsecutiveFailures, &m.AvgResponseTimeMs, &m.TotalPromptTokens,
		&m.TotalCompletionTokens, &m.Healthy, &m.FirstSeen, &m.LastUsed,
		&m.LastHealthCheck)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query key metrics: %w", err)
	}
	return m, nil
}

// RecordOutcome reads the current record, folds the outcome in, and writes
// the result back with a dialect-appropriate upsert. Concurrent writers for
// the same key may lose an update; the counters are advisory, not ledgers.
func (s *SQLStore) RecordOutcome(ctx context.Context, o *Outcome) (*KeyMetrics, error) {
	now := o.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m, err := s.GetKeyMetrics(ctx, o.APIKeyHash)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = &KeyMetrics{
			APIKeyHash: o.APIKeyHash,
			Healthy:    true,
			FirstSeen:  now,
		}
	}
	applyOutcome(m, o, now)

	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO api_key_metrics
			(api_key_hash, total_requests, successful_requests, failed_requests,
			 consecutive_failures, avg_response_time_ms, total_prompt_tokens,
			 total_completion_tokens, is_healthy, first_seen, last_used, last_health_check)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (api_key_hash) DO UPDATE SET
			 total_requests = EXCLUDED.total_requests,
			 successful_requests = EXCLUDED.successful_requests,
			 failed_requests = EXCLUDED.failed_requests,
			 consecutive_failures = EXCLUDED.consecutive_failures,
			 avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			 total_prompt_tokens = EXCLUDED.total_prompt_tokens,
			 total_completion_tokens = EXCLUDED.total_completion_tokens,
			 is_healthy = EXCLUDED.is_healthy,
			 last_used = EXCLUDED.last_used,
			 last_health_check = EXCLUDED.last_health_check`
	case "mysql":
		query = `INSERT INTO api_key_metrics
			(api_key_hash, total_requests, successful_requests, failed_requests,
			 consecutive_failures, avg_response_time_ms, total_prompt_tokens,
			 total_completion_tokens, is_healthy, first_seen, last_used, last_health_check)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			 total_requests = VALUES(total_requests),
			 successful_requests = VALUES(successful_requests),
			 failed_requests = VALUES(failed_requests),
			 consecutive_failures = VALUES(consecutive_failures),
			 avg_response_time_ms = VALUES(avg_response_time_ms),
			 total_prompt_tokens = VALUES(total_prompt_tokens),
			 total_completion_tokens = VALUES(total_completion_tokens),
			 is_healthy = VALUES(is_healthy),
			 last_used = VALUES(last_used),
			 last_health_check = VALUES(last_health_check)`
	default: // sqlite
		query = `INSERT OR REPLACE INTO api_key_metrics
			(api_key_hash, total_requests, successful_requests, failed_requests,
			 consecutive_failures, avg_response_time_ms, total_prompt_tokens,
			 total_completion_tokens, is_healthy, first_seen, last_used, last_health_check)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}

	_, err = s.db.ExecContext(ctx, query,
		m.APIKeyHash, m.TotalRequests, m.SuccessfulRequests, m.FailedRequests,
		m.ConsecutiveFailures, m.AvgResponseTimeMs, m.TotalPromptTokens,
		m.TotalCompletionTokens, m.Healthy, m.FirstSeen, m.LastUsed,
		m.LastHealthCheck)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert key metrics: %w", err)
	}
	return m, nil
}

func (s *SQLStore) AppendErrorLog(ctx context.Context, rec *ErrorLog) error {
	query := s.rebind(`INSERT INTO error_logs
		(api_key_hash, model, client_type, error_kind, message, status_code, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.APIKeyHash, rec.Model, rec.ClientType, rec.Kind, rec.Message,
		rec.StatusCode, rec.RequestID, ts)
	if err != nil {
		return fmt.Errorf("failed to append error log: %w", err)
	}
	return nil
}

func (s *SQLStore) SnapshotSystemStats(ctx context.Context, sn *SystemStats) error {
	query := s.rebind(`INSERT INTO system_stats
		(captured_at, total_requests, total_errors, active_keys, avg_response_time_ms, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		sn.CapturedAt, sn.TotalRequests, sn.TotalErrors, sn.ActiveKeys,
		sn.AvgResponseTimeMs, sn.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to snapshot system stats: %w", err)
	}
	return nil
}

func (s *SQLStore) Stats(ctx context.Context, window time.Duration) (*AggregateStats, error) {
	query := s.rebind(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN has_error THEN 1 ELSE 0 END), 0),
		COUNT(DISTINCT api_key_hash),
		COALESCE(AVG(response_time_ms), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(CASE WHEN is_stream THEN 1 ELSE 0 END), 0)
		FROM request_logs WHERE created_at >= ?`)

	out := &AggregateStats{Window: window}
	err := s.db.QueryRowContext(ctx, query, time.Now().UTC().Add(-window)).Scan(
		&out.TotalRequests, &out.TotalErrors, &out.ActiveKeys,
		&out.AvgResponseTimeMs, &out.TotalTokens, &out.StreamRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"request_logs", "error_logs", "system_stats"} {
		col := "created_at"
		if table == "system_stats" {
			col = "captured_at"
		}
		query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, col))
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the connection pool is shared and owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

// Dialect returns the SQL dialect (for testing).
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// applyOutcome folds one call outcome into cumulative metrics.
func applyOutcome(m *KeyMetrics, o *Outcome, now time.Time) {
	m.TotalRequests++
	if o.Success {
		m.SuccessfulRequests++
		m.ConsecutiveFailures = 0
		m.Healthy = true
	} else {
		m.FailedRequests++
		m.ConsecutiveFailures++
		if m.ConsecutiveFailures >= 3 {
			m.Healthy = false
		}
	}
	// Running mean over all requests.
	m.AvgResponseTimeMs += (float64(o.ResponseTimeMs) - m.AvgResponseTimeMs) / float64(m.TotalRequests)
	m.TotalPromptTokens += int64(o.PromptTokens)
	m.TotalCompletionTokens += int64(o.CompletionTokens)
	if m.FirstSeen.IsZero() {
		m.FirstSeen = now
	}
	m.LastUsed = now
	m.LastHealthCheck = now
}

var _ Store = (*SQLStore)(nil)
