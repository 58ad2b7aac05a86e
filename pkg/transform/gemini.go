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

package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/upstream"
)

// Gemini passes native-dialect requests through with minimal handling: the
// model and streaming verb come from the URL, the body is forwarded with
// unknown fields intact, and responses return verbatim.
type Gemini struct {
	models *config.ModelsConfig
	logger *slog.Logger
}

func NewGemini(models *config.ModelsConfig, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{models: models, logger: logger}
}

func (t *Gemini) Dialect() string { return DialectGemini }

// Encode checks that contents is a non-empty array and strips the model and
// stream keys some clients copy into the body. Everything else survives
// byte-for-byte, including fields the gateway does not model.
func (t *Gemini) Encode(body []byte, meta RequestMeta) (*Encoded, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, validationFromJSON(err)
	}

	var contents []upstream.Content
	if err := json.Unmarshal(raw["contents"], &contents); err != nil || len(contents) == 0 {
		return nil, errValidation("contents", "at least one content entry is required")
	}

	delete(raw, "model")
	delete(raw, "stream")
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	var prompt strings.Builder
	for _, content := range contents {
		for _, part := range content.Parts {
			if part.Text != "" {
				prompt.WriteString(part.Text)
				prompt.WriteByte('\n')
			}
		}
	}

	return &Encoded{
		ClientModel:   meta.Model,
		UpstreamModel: t.models.Resolve(meta.Model),
		Body:          encoded,
		Stream:        meta.Stream,
		Thinking:      true,
		PromptText:    prompt.String(),
	}, nil
}

// DecodeResponse is the identity: native clients get the upstream body as
// is.
func (t *Gemini) DecodeResponse(body []byte, _ *Encoded) ([]byte, error) {
	return body, nil
}

// DecodeStream re-emits upstream frames verbatim, parsing each one only to
// track usage. A transport failure mid-stream becomes a native error
// envelope so the client sees a well-formed final event.
func (t *Gemini) DecodeStream(ctx context.Context, frames <-chan upstream.Frame, _ *Encoded) (<-chan Event, *StreamStats) {
	events := make(chan Event, eventChanBuffer)
	stats := &StreamStats{}

	go func() {
		defer close(events)

		emit := func(data []byte) bool {
			select {
			case events <- Event{Data: data}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for frame := range frames {
			stats.Frames++

			if frame.Err != nil {
				stats.UpstreamErr = true
				stats.ErrStatus = 502
				stats.ErrMessage = frame.Err.Error()
				payload, err := json.Marshal(upstream.Response{Error: &upstream.Error{
					Code:    502,
					Message: fmt.Sprintf("upstream stream failed: %v", frame.Err),
					Status:  "UNAVAILABLE",
				}})
				if err == nil {
					emit(payload)
				}
				return
			}

			if resp, err := frame.Decode(); err == nil {
				if resp.Error != nil {
					stats.UpstreamErr = true
					stats.ErrStatus = resp.Error.Code
					stats.ErrMessage = resp.Error.Message
				}
				if um := resp.UsageMetadata; um != nil {
					stats.PromptTokens = um.PromptTokenCount
					stats.OutputTokens = um.CandidatesTokenCount
					stats.TotalTokens = um.TotalTokenCount
				}
			}

			if !emit(frame.Data) {
				return
			}
		}
	}()

	return events, stats
}
