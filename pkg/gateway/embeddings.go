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
	"fmt"
	"log/slog"
	"time"

	"github.com/polygate/polygate/pkg/balancer"
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/observability"
	"github.com/polygate/polygate/pkg/storage"
	"github.com/polygate/polygate/pkg/transform"
	"github.com/polygate/polygate/pkg/upstream"
	"github.com/polygate/polygate/pkg/utils"
)

// openAIEmbeddingsRequest is the OpenAI /v1/embeddings body. Input is a
// string or an array of strings.
type openAIEmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
	User           string          `json:"user,omitempty"`
}

type openAIEmbeddingsResponse struct {
	Object string                `json:"object"`
	Data   []openAIEmbeddingItem `json:"data"`
	Model  string                `json:"model"`
	Usage  openAIEmbeddingsUsage `json:"usage"`
}

type openAIEmbeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type openAIEmbeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Upstream embedding wire shapes. The body carries the fully qualified
// model name even though it also appears in the URL.
type embedContentRequest struct {
	Model                string           `json:"model"`
	Content              upstream.Content `json:"content"`
	OutputDimensionality int              `json:"outputDimensionality,omitempty"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embeddingValues struct {
	Values []float64 `json:"values"`
}

type embedContentResponse struct {
	Embedding *embeddingValues `json:"embedding"`
}

type batchEmbedResponse struct {
	Embeddings []embeddingValues `json:"embeddings"`
}

// Embeddings serves OpenAI /v1/embeddings over the upstream embedContent
// family: single-string input goes to embedContent, array input to
// batchEmbedContents.
type Embeddings struct {
	models    *config.ModelsConfig
	balancer  *balancer.Balancer
	upstream  *upstream.Client
	store     storage.Store
	estimator *utils.Estimator
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewEmbeddings wires the embeddings pipeline. metrics may be nil.
func NewEmbeddings(
	models *config.ModelsConfig,
	b *balancer.Balancer,
	up *upstream.Client,
	store storage.Store,
	estimator *utils.Estimator,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Embeddings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embeddings{
		models:    models,
		balancer:  b,
		upstream:  up,
		store:     store,
		estimator: estimator,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle runs one embeddings request. Errors come back raw; callers render
// them via Fail.
func (e *Embeddings) Handle(ctx context.Context, req *Request) (*Result, error) {
	parsed, inputs, batch, err := parseEmbeddingsRequest(req.Body)
	if err != nil {
		return nil, err
	}

	upModel := e.models.Resolve(parsed.Model)

	est := 0
	for _, s := range inputs {
		est += e.estimator.Estimate(upModel, s)
	}
	if est <= 0 {
		est = 1
	}

	sel, err := e.balancer.SelectKey(ctx, req.Candidates, upModel, est)
	if err != nil {
		return nil, err
	}
	if sel.Reason != "" {
		e.metrics.RecordKeyFallback(ctx, sel.Reason)
		e.logger.Warn("Selected a degraded key",
			"keyHash", sel.KeyHash, "reason", sel.Reason, "requestID", req.RequestID)
	}

	endpoint := "embedContent"
	if batch {
		endpoint = "batchEmbedContents"
	}

	body, err := buildEmbedBody(upModel, inputs, parsed.Dimensions, batch)
	if err != nil {
		return nil, NewError(KindInternal, "failed to encode embeddings request: %s", err)
	}

	start := time.Now()
	var raw []byte
	var status int
	if batch {
		raw, status, err = e.upstream.BatchEmbedContents(ctx, sel.Key, upModel, body)
	} else {
		raw, status, err = e.upstream.EmbedContent(ctx, sel.Key, upModel, body)
	}
	latency := time.Since(start)
	if err != nil {
		e.record(sel.KeyHash, upModel, endpoint, 0, latency, 0, err.Error())
		return nil, err
	}
	if status < 200 || status >= 300 {
		apiErr := upstream.ParseAPIError(status, raw)
		e.record(sel.KeyHash, upModel, endpoint, status, latency, 0, apiErr.Message)
		return nil, apiErr
	}

	vectors, err := decodeEmbedResponse(raw, batch)
	if err != nil {
		e.record(sel.KeyHash, upModel, endpoint, status, latency, est, "")
		return nil, NewError(KindTransform, "failed to translate upstream response: %s", err)
	}

	out := openAIEmbeddingsResponse{
		Object: "list",
		Data:   make([]openAIEmbeddingItem, len(vectors)),
		Model:  parsed.Model,
		Usage:  openAIEmbeddingsUsage{PromptTokens: est, TotalTokens: est},
	}
	for i, v := range vectors {
		out.Data[i] = openAIEmbeddingItem{Object: "embedding", Index: i, Embedding: v.Values}
	}
	respBody, err := json.Marshal(out)
	if err != nil {
		return nil, NewError(KindInternal, "failed to encode response: %s", err)
	}

	e.record(sel.KeyHash, upModel, endpoint, status, latency, est, "")
	return &Result{Body: respBody, Model: parsed.Model}, nil
}

// Fail normalizes and renders an embeddings failure in the OpenAI dialect.
func (e *Embeddings) Fail(req *Request, cause error) (int, []byte) {
	return failRequest(e.logger, e.store, transform.DialectOpenAI, req, cause)
}

func (e *Embeddings) record(keyHash, model, endpoint string, status int, latency time.Duration, tokens int, errText string) {
	o := &balancer.Outcome{
		KeyHash:      keyHash,
		Model:        model,
		ClientType:   transform.DialectOpenAI,
		Endpoint:     endpoint,
		StatusCode:   status,
		Latency:      latency,
		PromptTokens: tokens,
		TotalTokens:  tokens,
		ErrorText:    errText,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		e.balancer.RecordOutcome(ctx, o)
	}()
}

// parseEmbeddingsRequest validates the body and flattens the input into a
// list of strings. batch reports whether the input was an array.
func parseEmbeddingsRequest(body []byte) (*openAIEmbeddingsRequest, []string, bool, error) {
	var req openAIEmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, false, &transform.ValidationError{Field: "body", Message: "request body is not valid JSON"}
	}
	if req.Model == "" {
		return nil, nil, false, &transform.ValidationError{Field: "model", Message: "model is required"}
	}
	if len(req.Input) == 0 {
		return nil, nil, false, &transform.ValidationError{Field: "input", Message: "input is required"}
	}
	if req.EncodingFormat != "" && req.EncodingFormat != "float" {
		return nil, nil, false, &transform.ValidationError{Field: "encoding_format", Message: "only float encoding is supported"}
	}

	var single string
	if err := json.Unmarshal(req.Input, &single); err == nil {
		return &req, []string{single}, false, nil
	}

	var many []string
	if err := json.Unmarshal(req.Input, &many); err != nil {
		return nil, nil, false, &transform.ValidationError{Field: "input", Message: "must be a string or an array of strings"}
	}
	if len(many) == 0 {
		return nil, nil, false, &transform.ValidationError{Field: "input", Message: "must not be empty"}
	}
	return &req, many, true, nil
}

func buildEmbedBody(upModel string, inputs []string, dimensions int, batch bool) ([]byte, error) {
	single := func(text string) embedContentRequest {
		return embedContentRequest{
			Model:                "models/" + upModel,
			Content:              upstream.Content{Parts: []upstream.Part{upstream.TextPart(text)}},
			OutputDimensionality: dimensions,
		}
	}
	if !batch {
		return json.Marshal(single(inputs[0]))
	}
	reqs := make([]embedContentRequest, len(inputs))
	for i, s := range inputs {
		reqs[i] = single(s)
	}
	return json.Marshal(batchEmbedRequest{Requests: reqs})
}

func decodeEmbedResponse(raw []byte, batch bool) ([]embeddingValues, error) {
	if batch {
		var resp batchEmbedResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		return resp.Embeddings, nil
	}
	var resp embedContentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("upstream response carried no embedding")
	}
	return []embeddingValues{*resp.Embedding}, nil
}
