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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/polygate/polygate/pkg/balancer"
	"github.com/polygate/polygate/pkg/observability"
	"github.com/polygate/polygate/pkg/storage"
	"github.com/polygate/polygate/pkg/transform"
	"github.com/polygate/polygate/pkg/upstream"
	"github.com/polygate/polygate/pkg/utils"
)

// recordTimeout bounds the detached accounting writes that outlive the
// request context.
const recordTimeout = 5 * time.Second

// Request is one inference call as the HTTP layer hands it over.
type Request struct {
	// Body is the raw client request JSON.
	Body []byte
	// Meta carries route-level context for dialects that put the model and
	// verb in the URL.
	Meta transform.RequestMeta
	// Candidates are the raw API keys the client offered, in header order.
	Candidates []string
	// RequestID correlates logs and error records.
	RequestID string
}

// Result is a successful adapter outcome: exactly one of Body or Events is
// set.
type Result struct {
	// Body is the translated unary response.
	Body []byte
	// Events delivers the translated SSE events for streaming calls. The
	// channel closes when the upstream stream ends.
	Events <-chan transform.Event
	// Model is the client-facing model name, for request labeling.
	Model string
	// Stream reports which shape the caller must render.
	Stream bool
}

// Adapter runs the full pipeline for one client dialect: validate and
// encode, select a key, call the upstream, decode, and record the outcome.
// One instance serves all requests of its dialect concurrently.
type Adapter struct {
	transformer transform.Transformer
	balancer    *balancer.Balancer
	upstream    *upstream.Client
	store       storage.Store
	estimator   *utils.Estimator
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewAdapter wires one dialect's pipeline. metrics may be nil.
func NewAdapter(
	t transform.Transformer,
	b *balancer.Balancer,
	up *upstream.Client,
	store storage.Store,
	estimator *utils.Estimator,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		transformer: t,
		balancer:    b,
		upstream:    up,
		store:       store,
		estimator:   estimator,
		metrics:     metrics,
		logger:      logger,
	}
}

// Dialect names the client protocol this adapter serves.
func (a *Adapter) Dialect() string {
	return a.transformer.Dialect()
}

// Handle runs one request through the pipeline. Errors come back raw;
// callers render them via Fail.
func (a *Adapter) Handle(ctx context.Context, req *Request) (*Result, error) {
	enc, err := a.transformer.Encode(req.Body, req.Meta)
	if err != nil {
		return nil, err
	}

	est := a.estimator.Estimate(enc.UpstreamModel, enc.PromptText)
	if est <= 0 {
		est = 1
	}

	sel, err := a.balancer.SelectKey(ctx, req.Candidates, enc.UpstreamModel, est)
	if err != nil {
		return nil, err
	}
	if sel.Reason != "" {
		a.metrics.RecordKeyFallback(ctx, sel.Reason)
		a.logger.Warn("Selected a degraded key",
			"keyHash", sel.KeyHash, "reason", sel.Reason, "requestID", req.RequestID)
	}

	if enc.Stream {
		return a.handleStream(ctx, enc, sel, est)
	}
	return a.handleUnary(ctx, enc, sel, est)
}

func (a *Adapter) handleUnary(ctx context.Context, enc *transform.Encoded, sel *balancer.Selection, est int) (*Result, error) {
	start := time.Now()
	raw, err := a.upstream.Generate(ctx, sel.Key, enc.UpstreamModel, enc.Body)
	latency := time.Since(start)
	if err != nil {
		a.recordFailure(sel.KeyHash, enc.UpstreamModel, "generateContent", latency, false, err)
		return nil, err
	}

	body, err := a.transformer.DecodeResponse(raw, enc)
	a.recordUnary(sel.KeyHash, enc.UpstreamModel, raw, latency, est)
	if err != nil {
		// The upstream answered and was charged above; failing to render
		// its answer is the gateway's own fault.
		return nil, NewError(KindTransform, "failed to translate upstream response: %s", err)
	}

	return &Result{Body: body, Model: enc.ClientModel}, nil
}

func (a *Adapter) handleStream(ctx context.Context, enc *transform.Encoded, sel *balancer.Selection, est int) (*Result, error) {
	start := time.Now()
	stream, err := a.upstream.GenerateStream(ctx, sel.Key, enc.UpstreamModel, enc.Body)
	if err != nil {
		a.recordFailure(sel.KeyHash, enc.UpstreamModel, "streamGenerateContent", time.Since(start), true, err)
		return nil, err
	}

	// A rejected streaming call never reaches SSE; it surfaces as a plain
	// HTTP error carrying the upstream's status.
	if !stream.OK() {
		var body []byte
		for f := range stream.Frames {
			if f.Err == nil {
				body = f.Data
			}
		}
		apiErr := upstream.ParseAPIError(stream.StatusCode, body)
		a.recordFailure(sel.KeyHash, enc.UpstreamModel, "streamGenerateContent", time.Since(start), true, apiErr)
		return nil, apiErr
	}

	events, stats := a.transformer.DecodeStream(ctx, stream.Frames, enc)

	out := make(chan transform.Event)
	go func() {
		defer close(out)
		forwarding := true
		for ev := range events {
			if !forwarding {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// Client is gone. Keep draining so the decoder finishes
				// and the stats settle; partial usage still counts.
				forwarding = false
			}
		}
		a.recordStream(sel.KeyHash, enc.UpstreamModel, stats, time.Since(start), est)
	}()

	return &Result{Events: out, Model: enc.ClientModel, Stream: true}, nil
}

// Fail normalizes a pipeline error, records it, and renders it in this
// adapter's dialect.
func (a *Adapter) Fail(req *Request, cause error) (int, []byte) {
	return failRequest(a.logger, a.store, a.Dialect(), req, cause)
}

// failRequest is the shared failure path: normalize, log, append to the
// error log, and render in the dialect.
func failRequest(logger *slog.Logger, store storage.Store, dialect string, req *Request, cause error) (int, []byte) {
	e := Normalize(cause)

	level := slog.LevelWarn
	if e.Kind == KindInternal || e.Kind == KindTransform {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "Request failed",
		"dialect", dialect,
		"kind", string(e.Kind),
		"status", e.Status,
		"requestID", req.RequestID,
		"error", e.Message)

	appendErrorLog(logger, store, dialect, req, e)

	return Render(dialect, e)
}

// recordUnary charges a successful unary call, falling back to the
// admission estimate when the upstream reported no usage.
func (a *Adapter) recordUnary(keyHash, model string, raw []byte, latency time.Duration, est int) {
	prompt, completion, total := est, 0, est
	var resp upstream.Response
	if err := json.Unmarshal(raw, &resp); err == nil && resp.UsageMetadata != nil {
		if u := resp.UsageMetadata; u.TotalTokenCount > 0 {
			prompt, completion, total = u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount
		}
	}
	a.record(&balancer.Outcome{
		KeyHash:          keyHash,
		Model:            model,
		ClientType:       a.Dialect(),
		Endpoint:         "generateContent",
		StatusCode:       http.StatusOK,
		Latency:          latency,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	})
}

// recordStream charges a finished stream from the decoder's stats. Runs on
// the relay goroutine, already off the request path.
func (a *Adapter) recordStream(keyHash, model string, stats *transform.StreamStats, latency time.Duration, est int) {
	prompt, completion, total := stats.PromptTokens, stats.OutputTokens, stats.TotalTokens
	if total == 0 {
		if prompt == 0 {
			prompt = est
		}
		total = prompt + completion
	}

	status := http.StatusOK
	errText := ""
	if stats.UpstreamErr {
		errText = stats.ErrMessage
		if errText == "" {
			errText = "upstream stream failed"
		}
		if stats.ErrStatus != 0 {
			status = stats.ErrStatus
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	a.metrics.RecordStreamFrames(ctx, a.Dialect(), stats.Frames)
	a.balancer.RecordOutcome(ctx, &balancer.Outcome{
		KeyHash:          keyHash,
		Model:            model,
		ClientType:       a.Dialect(),
		Endpoint:         "streamGenerateContent",
		StatusCode:       status,
		Latency:          latency,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Stream:           true,
		ErrorText:        errText,
	})
}

// recordFailure charges a failed upstream call so the balancer can grade
// the key.
func (a *Adapter) recordFailure(keyHash, model, endpoint string, latency time.Duration, stream bool, err error) {
	status := 0
	text := err.Error()
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		if apiErr.Message != "" {
			text = apiErr.Message
		}
	}
	a.record(&balancer.Outcome{
		KeyHash:    keyHash,
		Model:      model,
		ClientType: a.Dialect(),
		Endpoint:   endpoint,
		StatusCode: status,
		Latency:    latency,
		Stream:     stream,
		ErrorText:  text,
	})
}

// record runs outcome accounting detached from the request context.
func (a *Adapter) record(o *balancer.Outcome) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		a.balancer.RecordOutcome(ctx, o)
	}()
}

// appendErrorLog records a normalized failure in storage, best effort. The
// model comes from the route when the dialect carries it there, otherwise
// from a cheap probe of the body.
func appendErrorLog(logger *slog.Logger, store storage.Store, dialect string, req *Request, e *Error) {
	if store == nil {
		return
	}

	model := req.Meta.Model
	if model == "" {
		var probe struct {
			Model string `json:"model"`
		}
		if json.Unmarshal(req.Body, &probe) == nil {
			model = probe.Model
		}
	}

	rec := &storage.ErrorLog{
		Model:      model,
		ClientType: dialect,
		Kind:       string(e.Kind),
		Message:    e.Message,
		StatusCode: e.Status,
		RequestID:  req.RequestID,
		Timestamp:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := store.AppendErrorLog(ctx, rec); err != nil {
			logger.Warn("Failed to append error log", "error", err)
		}
	}()
}
