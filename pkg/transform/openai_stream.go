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

	"github.com/polygate/polygate/pkg/upstream"
)

// doneData is the chat-completions terminal sentinel.
var doneData = []byte("[DONE]")

// OpenAIChunk is one chat.completion.chunk stream payload.
type OpenAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []OpenAIChunkChoice `json:"choices"`
	Usage   *OpenAIUsage        `json:"usage,omitempty"`
}

type OpenAIChunkChoice struct {
	Index        int         `json:"index"`
	Delta        OpenAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type OpenAIDelta struct {
	Role             string                `json:"role,omitempty"`
	Content          string                `json:"content,omitempty"`
	ReasoningContent string                `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIDeltaToolCall `json:"tool_calls,omitempty"`
}

type OpenAIDeltaToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function *OpenAIFunctionCall `json:"function,omitempty"`
}

// DecodeStream renders upstream frames as chat.completion.chunk events,
// closing with the [DONE] sentinel. Malformed frames are logged and skipped;
// an upstream error frame becomes an error payload followed by [DONE].
func (t *OpenAI) DecodeStream(ctx context.Context, frames <-chan upstream.Frame, enc *Encoded) (<-chan Event, *StreamStats) {
	events := make(chan Event, eventChanBuffer)
	stats := &StreamStats{}

	go func() {
		defer close(events)

		id, stamp := decodeIdentity(enc, "chatcmpl-")
		var (
			created     = stamp.Unix()
			first       = true
			toolIdx     int
			sawToolCall bool
		)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		base := func() *OpenAIChunk {
			return &OpenAIChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   enc.ClientModel,
				Choices: []OpenAIChunkChoice{{}},
			}
		}

		emitChunk := func(chunk *OpenAIChunk) bool {
			data, err := json.Marshal(chunk)
			if err != nil {
				t.logger.Error("Failed to encode stream chunk", "error", err)
				return true
			}
			return emit(Event{Data: data})
		}

		fail := func(status int, message string) {
			stats.UpstreamErr = true
			stats.ErrStatus = status
			stats.ErrMessage = message
			errType, errCode := openAIErrorType(status)
			data, err := json.Marshal(openAIErrorPayload{Error: OpenAIError{
				Message: message,
				Type:    errType,
				Code:    errCode,
			}})
			if err != nil || !emit(Event{Data: data}) {
				return
			}
			emit(Event{Data: doneData})
		}

		for frame := range frames {
			stats.Frames++

			if frame.Err != nil {
				fail(502, fmt.Sprintf("upstream stream failed: %v", frame.Err))
				return
			}
			resp, err := frame.Decode()
			if err != nil {
				t.logger.Warn("Skipping malformed stream frame", "error", err)
				continue
			}
			if resp.Error != nil {
				fail(resp.Error.Code, resp.Error.Message)
				return
			}

			for _, part := range resp.Parts() {
				chunk := base()
				delta := &chunk.Choices[0].Delta

				switch {
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					delta.ToolCalls = []OpenAIDeltaToolCall{{
						Index: toolIdx,
						ID:    fmt.Sprintf("call_%d_%d", stamp.UnixMilli(), toolIdx),
						Type:  "function",
						Function: &OpenAIFunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					}}
					toolIdx++
					sawToolCall = true
				case part.IsThought():
					if part.Text == "" {
						continue
					}
					delta.ReasoningContent = part.Text
				default:
					if part.Text == "" {
						continue
					}
					delta.Content = part.Text
				}

				if first {
					delta.Role = "assistant"
					first = false
				}
				if !emitChunk(chunk) {
					return
				}
			}

			if um := resp.UsageMetadata; um != nil {
				stats.PromptTokens = um.PromptTokenCount
				stats.OutputTokens = um.CandidatesTokenCount
				stats.TotalTokens = um.TotalTokenCount
			}

			if reason := resp.FinishReason(); reason != "" {
				finish := mapOpenAIFinish(reason)
				if sawToolCall {
					finish = "tool_calls"
				}
				final := base()
				final.Choices[0].FinishReason = &finish
				if stats.TotalTokens > 0 {
					final.Usage = &OpenAIUsage{
						PromptTokens:     stats.PromptTokens,
						CompletionTokens: stats.OutputTokens,
						TotalTokens:      stats.TotalTokens,
					}
				}
				if emitChunk(final) {
					emit(Event{Data: doneData})
				}
				return
			}
		}

		// Upstream closed without a finish reason; end the stream cleanly.
		emit(Event{Data: doneData})
	}()

	return events, stats
}
