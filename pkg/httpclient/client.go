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

// Package httpclient wraps net/http with the retry discipline the gateway
// applies to upstream calls: bounded attempts, exponential backoff with
// jitter, and Retry-After awareness. It knows nothing about dialects or
// keys; callers hand it a prepared request with GetBody set so the body
// can be replayed across attempts.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryStrategy classifies how a failed attempt should be retried.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota
	// BackoffRetry waits an exponentially growing, jittered delay.
	BackoffRetry
	// HeaderRetry prefers the delay the server announced (Retry-After or a
	// reset header) and falls back to backoff when none was sent.
	HeaderRetry
)

// RateLimitInfo carries the server's own view of when to come back.
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// RateLimitHeaderParser extracts RateLimitInfo from response headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// RetryStrategyFunc maps a status code to a strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// Client retries transient upstream failures. Safe for concurrent use.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
	retryHook    func(statusCode int)
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client, including its
// per-attempt timeout and transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxRetries sets how many times a failed attempt is retried. The total
// attempt count is maxRetries + 1.
func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

// WithBaseDelay sets the first backoff step; later steps double it.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

// WithHeaderParser installs a rate-limit header parser consulted on
// retryable responses.
func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

// WithRetryStrategy replaces the status-code classification.
func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

// WithLogger sets the logger for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetryHook installs a callback invoked before each retry with the
// status code of the failed attempt (0 for network errors).
func WithRetryHook(hook func(statusCode int)) Option {
	return func(c *Client) {
		c.retryHook = hook
	}
}

// New creates a Client with the gateway defaults: 3 retries, 1 s base delay,
// 30 s per-attempt timeout, and the transient-status classification.
func New(opts ...Option) *Client {
	c := &Client{
		client:       &http.Client{Timeout: 30 * time.Second},
		maxRetries:   3,
		baseDelay:    time.Second,
		headerParser: ParseRetryHeaders,
		strategyFunc: DefaultRetryStrategy,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy retries request timeouts, rate limits, server errors,
// and the Cloudflare 520-524 band. Everything else fails immediately.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests:
		return HeaderRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return BackoffRetry
	}
	if statusCode >= 520 && statusCode <= 524 {
		return BackoffRetry
	}
	return NoRetry
}

// Do issues the request, retrying per the configured policy. On a retryable
// exhaustion it returns the last response (possibly nil) wrapped in a
// *RetryableError. Callers own the returned body.
//
// Requests that may be retried must carry req.GetBody (http.NewRequest sets
// it for the common body readers).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if !isTransientNetErr(err) {
				return nil, err
			}
			lastErr, lastResp = err, nil
			if attempt < c.maxRetries {
				delay := c.backoff(attempt)
				c.logger.Warn("Upstream network error, retrying",
					"attempt", attempt+1, "maxRetries", c.maxRetries, "delay", delay, "error", err)
				if c.retryHook != nil {
					c.retryHook(0)
				}
				if !c.sleep(req.Context(), delay) {
					return nil, req.Context().Err()
				}
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategyFunc(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		lastResp = resp
		if attempt < c.maxRetries {
			var info RateLimitInfo
			if c.headerParser != nil {
				info = c.headerParser(resp.Header)
			}
			drainAndClose(resp)
			delay := c.delayFor(strategy, attempt, info)
			c.logger.Warn("Upstream returned retryable status",
				"status", resp.StatusCode, "attempt", attempt+1,
				"maxRetries", c.maxRetries, "delay", delay)
			if c.retryHook != nil {
				c.retryHook(resp.StatusCode)
			}
			if !c.sleep(req.Context(), delay) {
				return nil, req.Context().Err()
			}
		}
	}

	return lastResp, &RetryableError{
		StatusCode: statusOf(lastResp),
		Message:    fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
		RetryAfter: c.backoff(c.maxRetries),
		Err:        lastErr,
	}
}

// delayFor computes the wait before the next attempt.
func (c *Client) delayFor(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	if strategy == HeaderRetry {
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if d := time.Until(time.Unix(info.ResetTime, 0)); d > 0 {
				return d
			}
		}
	}
	return c.backoff(attempt)
}

// backoff doubles the base delay per attempt and adds up to 25% jitter so
// concurrent retries against the same upstream spread out.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// sleep waits for the delay or the request context, whichever ends first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isTransientNetErr reports whether a transport error is worth retrying.
// Context cancellation and deadline expiry are the caller's decision, not a
// flaky network.
func isTransientNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps dial and read failures without implementing net.Error
	// in all paths; treat any remaining transport error as transient.
	return true
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_ = resp.Body.Close()
}
