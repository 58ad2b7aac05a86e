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

	"github.com/polygate/polygate/pkg/process"
	"github.com/polygate/polygate/pkg/upstream"
	"github.com/polygate/polygate/pkg/utils"
)

// Claude stream block kinds.
const (
	blockNone     = ""
	blockText     = "text"
	blockThinking = "thinking"
)

// DecodeStream renders upstream frames as messages-API stream events:
// message_start, ping, then content blocks as parts arrive, then
// message_delta and message_stop. Consecutive parts of the same kind share
// one block; a kind change closes the open block and starts the next index.
// Tool calls always get their own block.
func (t *Claude) DecodeStream(ctx context.Context, frames <-chan upstream.Frame, enc *Encoded) (<-chan Event, *StreamStats) {
	events := make(chan Event, eventChanBuffer)
	stats := &StreamStats{}

	go func() {
		defer close(events)

		msgID, stamp := decodeIdentity(enc, "msg_")
		var (
			open       = blockNone
			index      = -1
			sawToolUse bool
			outputLen  int
		)

		send := func(ev process.ClaudeEvent) bool {
			data, err := ev.Marshal()
			if err != nil {
				t.logger.Error("Failed to encode stream event", "error", err)
				return true
			}
			select {
			case events <- Event{Name: ev.Name, Data: data}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		closeOpen := func() bool {
			if open == blockNone {
				return true
			}
			open = blockNone
			return send(process.ContentBlockStop(index))
		}

		// Falls back to the character heuristic when the upstream never
		// reported usage.
		outputTokens := func() int {
			if stats.OutputTokens > 0 {
				return stats.OutputTokens
			}
			return outputLen / 4
		}

		finish := func(reason string) {
			if !closeOpen() {
				return
			}
			if sawToolUse {
				reason = "tool_use"
			}
			if send(process.MessageDelta(reason, outputTokens())) {
				send(process.MessageStop())
			}
		}

		if !send(process.MessageStart(msgID, enc.ClientModel, utils.EstimateTokens(enc.PromptText))) {
			return
		}
		if !send(process.Ping()) {
			return
		}

		for frame := range frames {
			stats.Frames++

			if frame.Err != nil {
				stats.UpstreamErr = true
				stats.ErrStatus = 502
				stats.ErrMessage = frame.Err.Error()
				send(process.ErrorEvent(claudeErrorType(502), fmt.Sprintf("upstream stream failed: %v", frame.Err)))
				return
			}
			resp, err := frame.Decode()
			if err != nil {
				t.logger.Warn("Skipping malformed stream frame", "error", err)
				continue
			}
			if resp.Error != nil {
				stats.UpstreamErr = true
				stats.ErrStatus = resp.Error.Code
				stats.ErrMessage = resp.Error.Message
				send(process.ErrorEvent(claudeErrorType(resp.Error.Code), resp.Error.Message))
				return
			}

			for _, part := range resp.Parts() {
				switch {
				case part.FunctionCall != nil:
					if !closeOpen() {
						return
					}
					index++
					sawToolUse = true
					toolID := fmt.Sprintf("toolu_%d_%d", stamp.UnixMilli(), index)
					if !send(process.ToolUseBlockStart(index, toolID, part.FunctionCall.Name)) {
						return
					}
					if len(part.FunctionCall.Args) > 0 {
						args, merr := json.Marshal(part.FunctionCall.Args)
						if merr == nil && !send(process.InputJSONDelta(index, string(args))) {
							return
						}
					}
					if !send(process.ContentBlockStop(index)) {
						return
					}

				case part.IsThought():
					if part.Text == "" || !enc.Thinking {
						continue
					}
					if open != blockThinking {
						if !closeOpen() {
							return
						}
						index++
						open = blockThinking
						if !send(process.ThinkingBlockStart(index)) {
							return
						}
					}
					outputLen += len(part.Text)
					if !send(process.ThinkingDelta(index, part.Text)) {
						return
					}

				default:
					if part.Text == "" {
						continue
					}
					if open != blockText {
						if !closeOpen() {
							return
						}
						index++
						open = blockText
						if !send(process.TextBlockStart(index)) {
							return
						}
					}
					outputLen += len(part.Text)
					if !send(process.TextDelta(index, part.Text)) {
						return
					}
				}
			}

			if um := resp.UsageMetadata; um != nil {
				stats.PromptTokens = um.PromptTokenCount
				stats.OutputTokens = um.CandidatesTokenCount
				stats.TotalTokens = um.TotalTokenCount
			}

			if reason := resp.FinishReason(); reason != "" {
				finish(mapClaudeStop(reason))
				return
			}
		}

		// Upstream closed without a finish reason.
		finish("end_turn")
	}()

	return events, stats
}
