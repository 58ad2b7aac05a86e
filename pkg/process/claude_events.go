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

package process

import "encoding/json"

// ClaudeEvent is one Claude messages-stream SSE event: the event name and
// its payload, ready for `event: <name>\ndata: <json>\n\n` framing.
type ClaudeEvent struct {
	Name string
	Data interface{}
}

// Marshal renders the payload. The payload structs below contain nothing
// unmarshalable, so errors only occur if a caller smuggles in their own.
func (e ClaudeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e.Data)
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeMessageStart struct {
	Type    string             `json:"type"`
	Message claudeStartMessage `json:"message"`
}

type claudeStartMessage struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []interface{} `json:"content"`
	StopReason   *string       `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        claudeUsage   `json:"usage"`
}

// MessageStart opens a stream: an empty assistant message shell that later
// content-block events fill in.
func MessageStart(id, model string, inputTokens int) ClaudeEvent {
	return ClaudeEvent{
		Name: "message_start",
		Data: claudeMessageStart{
			Type: "message_start",
			Message: claudeStartMessage{
				ID:      id,
				Type:    "message",
				Role:    "assistant",
				Model:   model,
				Content: []interface{}{},
				Usage:   claudeUsage{InputTokens: inputTokens},
			},
		},
	}
}

// Ping is the keep-alive Claude clients expect right after message_start.
func Ping() ClaudeEvent {
	return ClaudeEvent{
		Name: "ping",
		Data: map[string]string{"type": "ping"},
	}
}

type claudeContentBlockStart struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	ContentBlock interface{} `json:"content_block"`
}

type claudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeThinkingBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type claudeToolUseBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// TextBlockStart opens a text content block at the given index.
func TextBlockStart(index int) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_start",
		Data: claudeContentBlockStart{
			Type:         "content_block_start",
			Index:        index,
			ContentBlock: claudeTextBlock{Type: "text"},
		},
	}
}

// ThinkingBlockStart opens a thinking content block.
func ThinkingBlockStart(index int) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_start",
		Data: claudeContentBlockStart{
			Type:         "content_block_start",
			Index:        index,
			ContentBlock: claudeThinkingBlock{Type: "thinking"},
		},
	}
}

// ToolUseBlockStart opens a tool_use block; its input arrives via
// input_json_delta events.
func ToolUseBlockStart(index int, id, name string) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_start",
		Data: claudeContentBlockStart{
			Type:         "content_block_start",
			Index:        index,
			ContentBlock: claudeToolUseBlock{Type: "tool_use", ID: id, Name: name, Input: map[string]interface{}{}},
		},
	}
}

type claudeContentBlockDelta struct {
	Type  string      `json:"type"`
	Index int         `json:"index"`
	Delta interface{} `json:"delta"`
}

type claudeTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeThinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type claudeInputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// TextDelta appends text to an open text block.
func TextDelta(index int, text string) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_delta",
		Data: claudeContentBlockDelta{
			Type:  "content_block_delta",
			Index: index,
			Delta: claudeTextDelta{Type: "text_delta", Text: text},
		},
	}
}

// ThinkingDelta appends reasoning text to an open thinking block.
func ThinkingDelta(index int, thinking string) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_delta",
		Data: claudeContentBlockDelta{
			Type:  "content_block_delta",
			Index: index,
			Delta: claudeThinkingDelta{Type: "thinking_delta", Thinking: thinking},
		},
	}
}

// InputJSONDelta streams a chunk of a tool call's argument JSON.
func InputJSONDelta(index int, partialJSON string) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_delta",
		Data: claudeContentBlockDelta{
			Type:  "content_block_delta",
			Index: index,
			Delta: claudeInputJSONDelta{Type: "input_json_delta", PartialJSON: partialJSON},
		},
	}
}

type claudeContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// ContentBlockStop closes the block at index.
func ContentBlockStop(index int) ClaudeEvent {
	return ClaudeEvent{
		Name: "content_block_stop",
		Data: claudeContentBlockStop{Type: "content_block_stop", Index: index},
	}
}

type claudeMessageDelta struct {
	Type  string                 `json:"type"`
	Delta claudeMessageDeltaBody `json:"delta"`
	Usage claudeOutputUsage      `json:"usage"`
}

type claudeMessageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type claudeOutputUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageDelta carries the final stop reason and output token count.
func MessageDelta(stopReason string, outputTokens int) ClaudeEvent {
	return ClaudeEvent{
		Name: "message_delta",
		Data: claudeMessageDelta{
			Type:  "message_delta",
			Delta: claudeMessageDeltaBody{StopReason: stopReason},
			Usage: claudeOutputUsage{OutputTokens: outputTokens},
		},
	}
}

// MessageStop ends the stream.
func MessageStop() ClaudeEvent {
	return ClaudeEvent{
		Name: "message_stop",
		Data: map[string]string{"type": "message_stop"},
	}
}

type claudeErrorEvent struct {
	Type  string          `json:"type"`
	Error claudeErrorBody `json:"error"`
}

type claudeErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEvent reports a mid-stream failure in the dialect's error shape.
func ErrorEvent(errType, message string) ClaudeEvent {
	return ClaudeEvent{
		Name: "error",
		Data: claudeErrorEvent{
			Type:  "error",
			Error: claudeErrorBody{Type: errType, Message: message},
		},
	}
}
