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

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/httpclient"
)

// maxErrorBodyBytes bounds how much of an upstream error body is read before
// relaying it.
const maxErrorBodyBytes = 1 << 20

// Client issues generateContent, streamGenerateContent, and embedContent
// calls. It is safe for concurrent use; the API key travels per call, never
// in client state.
type Client struct {
	baseURL         string
	unary           *httpclient.Client
	stream          *httpclient.Client
	idleReadTimeout time.Duration
	logger          *slog.Logger
}

// NewClient builds a Client from the upstream section of the gateway config.
// Extra httpclient options apply to both the unary and streaming clients;
// callers use them to hook retry metrics in.
func NewClient(cfg *config.UpstreamConfig, logger *slog.Logger, extra ...httpclient.Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var tlsCfg *httpclient.TLSConfig
	if cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		tlsCfg = &httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}
		if cfg.InsecureSkipVerify {
			logger.Warn("Upstream TLS certificate verification disabled (insecure_skip_verify=true)")
		}
	}
	transport, err := httpclient.NewTransport(tlsCfg)
	if err != nil {
		return nil, err
	}

	retryOpts := func(hc *http.Client) []httpclient.Option {
		opts := []httpclient.Option{
			httpclient.WithHTTPClient(hc),
			httpclient.WithMaxRetries(cfg.Retry.MaxRetries),
			httpclient.WithBaseDelay(cfg.Retry.BaseDelay),
			httpclient.WithLogger(logger),
		}
		return append(opts, extra...)
	}

	// The unary client bounds the whole attempt; the streaming client only
	// bounds the wait for response headers, the body lives as long as the
	// model keeps talking.
	unaryHTTP := &http.Client{Timeout: cfg.Timeout, Transport: transport}
	streamTransport := transport.Clone()
	streamTransport.ResponseHeaderTimeout = cfg.Timeout
	streamHTTP := &http.Client{Transport: streamTransport}

	return &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		unary:           httpclient.New(retryOpts(unaryHTTP)...),
		stream:          httpclient.New(retryOpts(streamHTTP)...),
		idleReadTimeout: cfg.IdleReadTimeout,
		logger:          logger,
	}, nil
}

// endpoint builds {base}/v1beta/models/{model}:{verb}.
func (c *Client) endpoint(model, verb, query string) string {
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, url.PathEscape(model), verb)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, apiKey, endpoint string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)
	return req, nil
}

// Generate issues a unary generateContent call with a pre-encoded JSON body
// and returns the raw response body, so pass-through dialects lose nothing.
// Non-2xx answers come back as *APIError; transport failures after retries
// as plain errors.
func (c *Client) Generate(ctx context.Context, apiKey, model string, body []byte) ([]byte, error) {
	httpReq, err := c.newRequest(ctx, apiKey, c.endpoint(model, "generateContent", ""), body)
	if err != nil {
		return nil, err
	}

	resp, err := c.unary.Do(httpReq)
	if err != nil {
		var retryErr *httpclient.RetryableError
		if errors.As(err, &retryErr) && resp != nil {
			defer resp.Body.Close()
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return nil, ParseAPIError(resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ParseAPIError(resp.StatusCode, respBody)
	}

	// Some failures arrive as an error envelope under HTTP 200.
	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	if out.Error != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       out.Error.Code,
			Status:     out.Error.Status,
			Message:    out.Error.Message,
			Body:       respBody,
		}
	}
	return respBody, nil
}

// GenerateStream issues a streamGenerateContent call with a pre-encoded JSON
// body. The returned Stream always carries the upstream HTTP status; on a
// non-2xx status its channel holds exactly one frame with the upstream error
// JSON, so dialect decoders handle errors the same way mid-stream and
// up-front. Only transport failures return an error.
func (c *Client) GenerateStream(ctx context.Context, apiKey, model string, body []byte) (*Stream, error) {
	httpReq, err := c.newRequest(ctx, apiKey, c.endpoint(model, "streamGenerateContent", "alt=sse"), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		var retryErr *httpclient.RetryableError
		if errors.As(err, &retryErr) && resp != nil {
			return c.errorStream(resp), nil
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorStream(resp), nil
	}

	frames := make(chan Frame, frameChanBuffer)
	go c.readFrames(ctx, resp.Body, frames)
	return &Stream{StatusCode: resp.StatusCode, Frames: frames}, nil
}

// errorStream drains a failed streaming response into a single synthetic
// frame carrying the error JSON.
func (c *Client) errorStream(resp *http.Response) *Stream {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if len(bytes.TrimSpace(body)) == 0 {
		synthetic, _ := json.Marshal(Response{Error: &Error{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode),
			Status:  http.StatusText(resp.StatusCode),
		}})
		body = synthetic
	}

	c.logger.Warn("Upstream streaming call failed before any frames",
		"status", resp.StatusCode)

	frames := make(chan Frame, 1)
	frames <- Frame{Data: body}
	close(frames)
	return &Stream{StatusCode: resp.StatusCode, Frames: frames}
}

// EmbedContent relays a single-input embeddings body untouched and returns
// the raw answer with its status code.
func (c *Client) EmbedContent(ctx context.Context, apiKey, model string, body []byte) ([]byte, int, error) {
	return c.embed(ctx, apiKey, c.endpoint(model, "embedContent", ""), body)
}

// BatchEmbedContents relays a multi-input embeddings body untouched and
// returns the raw answer with its status code.
func (c *Client) BatchEmbedContents(ctx context.Context, apiKey, model string, body []byte) ([]byte, int, error) {
	return c.embed(ctx, apiKey, c.endpoint(model, "batchEmbedContents", ""), body)
}

func (c *Client) embed(ctx context.Context, apiKey, endpoint string, body []byte) ([]byte, int, error) {
	httpReq, err := c.newRequest(ctx, apiKey, endpoint, body)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.unary.Do(httpReq)
	if err != nil {
		var retryErr *httpclient.RetryableError
		if !errors.As(err, &retryErr) || resp == nil {
			return nil, 0, fmt.Errorf("upstream request failed: %w", err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
