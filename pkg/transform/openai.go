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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/process"
	"github.com/polygate/polygate/pkg/upstream"
)

// OpenAIRequest is an inbound chat-completions request.
type OpenAIRequest struct {
	Model               string          `json:"model"`
	Messages            []OpenAIMessage `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Tools               []OpenAITool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
}

// OpenAIMessage is one chat turn. Content is a plain string or an array of
// content parts, so it stays raw until conversion.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Name       string           `json:"name,omitempty"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

type OpenAIImageURL struct {
	URL string `json:"url"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIResponse is the unary chat-completions reply.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int                   `json:"index"`
	Message      OpenAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// OpenAIResponseMessage is the assistant turn in a reply. Content is a
// pointer so tool-call-only replies render the protocol's null.
type OpenAIResponseMessage struct {
	Role             string           `json:"role"`
	Content          *string          `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type openAIErrorPayload struct {
	Error OpenAIError `json:"error"`
}

// OpenAI translates the chat-completions dialect.
type OpenAI struct {
	models *config.ModelsConfig
	logger *slog.Logger
}

func NewOpenAI(models *config.ModelsConfig, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{models: models, logger: logger}
}

func (t *OpenAI) Dialect() string { return DialectOpenAI }

// Encode validates a chat-completions body and translates it to the
// upstream shape. The first system message becomes the system instruction,
// assistant turns map to the model role, tool results to function responses.
func (t *OpenAI) Encode(body []byte, _ RequestMeta) (*Encoded, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, validationFromJSON(err)
	}

	choice, stops, err := validateOpenAI(&req)
	if err != nil {
		return nil, err
	}

	var (
		contents  []upstream.Content
		sysInstr  *upstream.Content
		prompt    strings.Builder
		seenSys   bool
		callNames = map[string]string{}
	)

	for i, msg := range req.Messages {
		switch msg.Role {
		case "system":
			text := flattenOpenAIText(msg.Content)
			prompt.WriteString(text)
			prompt.WriteByte('\n')
			if !seenSys {
				seenSys = true
				if text != "" {
					sysInstr = &upstream.Content{Parts: []upstream.Part{upstream.TextPart(text)}}
				}
				continue
			}
			// Later system messages travel as user content.
			if text != "" {
				contents = append(contents, upstream.Content{Role: "user", Parts: []upstream.Part{upstream.TextPart(text)}})
			}

		case "assistant":
			var parts []upstream.Part
			if text := flattenOpenAIText(msg.Content); text != "" {
				parts = append(parts, upstream.TextPart(text))
				prompt.WriteString(text)
				prompt.WriteByte('\n')
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Function.Name
				parts = append(parts, upstream.Part{FunctionCall: &upstream.FunctionCall{
					Name: call.Function.Name,
					Args: parseCallArguments(call.Function.Arguments),
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, upstream.Content{Role: "model", Parts: parts})
			}

		case "tool":
			name := msg.Name
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			if name == "" {
				name = msg.ToolCallID
			}
			text := flattenOpenAIText(msg.Content)
			contents = append(contents, upstream.Content{Role: "user", Parts: []upstream.Part{{
				FunctionResponse: &upstream.FunctionResponse{
					Name:     name,
					Response: map[string]interface{}{"result": text},
				},
			}}})

		default: // user
			parts, verr := convertOpenAIParts(i, msg.Content, &prompt)
			if verr != nil {
				return nil, verr
			}
			if len(parts) > 0 {
				contents = append(contents, upstream.Content{Role: "user", Parts: parts})
			}
		}
	}

	if len(contents) == 0 {
		return nil, errValidation("messages", "no message produced any content")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = req.MaxCompletionTokens
	}
	genCfg := process.BuildGenerationConfig(process.Knobs{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
		Stop:        stops,
	})

	upReq := &upstream.Request{
		Contents:          contents,
		SystemInstruction: sysInstr,
		GenerationConfig:  genCfg,
	}
	if len(req.Tools) > 0 {
		decls := make([]upstream.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  process.PruneSchema(tool.Function.Parameters),
			})
		}
		upReq.Tools = []upstream.Tool{{FunctionDeclarations: decls}}
		upReq.ToolConfig = process.BuildToolConfig(choice)
	}

	encoded, err := json.Marshal(upReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	return &Encoded{
		ClientModel:   req.Model,
		UpstreamModel: t.models.Resolve(req.Model),
		Body:          encoded,
		Stream:        req.Stream,
		Thinking:      true, // thought parts surface as reasoning_content whenever the upstream sends them
		PromptText:    prompt.String(),
		WireID:        wireID("chatcmpl-", 24),
		Stamp:         time.Now(),
	}, nil
}

// validateOpenAI applies the dialect's shape rules and parses the
// polymorphic fields. It returns the parsed tool choice and stop sequences.
func validateOpenAI(req *OpenAIRequest) (*process.ToolChoice, []string, error) {
	if req.Model == "" {
		return nil, nil, errValidation("model", "model is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, errValidation("messages", "at least one message is required")
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case "system", "user", "assistant", "tool":
		default:
			return nil, nil, errValidation(fmt.Sprintf("messages[%d].role", i),
				"must be one of system, user, assistant, tool")
		}
		for j, call := range msg.ToolCalls {
			if call.ID == "" {
				return nil, nil, errValidation(fmt.Sprintf("messages[%d].tool_calls[%d].id", i, j), "id is required")
			}
			if call.Type == "" {
				return nil, nil, errValidation(fmt.Sprintf("messages[%d].tool_calls[%d].type", i, j), "type is required")
			}
			if call.Function.Name == "" {
				return nil, nil, errValidation(fmt.Sprintf("messages[%d].tool_calls[%d].function.name", i, j), "name is required")
			}
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, nil, errValidation("temperature", "must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return nil, nil, errValidation("top_p", "must be between 0 and 1")
	}

	for i, tool := range req.Tools {
		if tool.Function.Name == "" {
			return nil, nil, errValidation(fmt.Sprintf("tools[%d].function.name", i), "name is required")
		}
	}

	choice, err := parseOpenAIToolChoice(req.ToolChoice, req.Tools)
	if err != nil {
		return nil, nil, err
	}
	stops, err := parseOpenAIStop(req.Stop)
	if err != nil {
		return nil, nil, err
	}
	return choice, stops, nil
}

func parseOpenAIToolChoice(raw json.RawMessage, tools []OpenAITool) (*process.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "none", "auto", "required":
			return &process.ToolChoice{Mode: mode}, nil
		}
		return nil, errValidation("tool_choice", "must be none, auto, required, or a function object")
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Type != "function" || obj.Function.Name == "" {
		return nil, errValidation("tool_choice", "must be none, auto, required, or a function object")
	}
	for _, tool := range tools {
		if tool.Function.Name == obj.Function.Name {
			return &process.ToolChoice{Mode: obj.Type, Name: obj.Function.Name}, nil
		}
	}
	return nil, errValidation("tool_choice.function.name", "%q is not in tools", obj.Function.Name)
}

func parseOpenAIStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, errValidation("stop", "must be a string or an array of strings")
}

// flattenOpenAIText extracts the text of a string-or-parts content value,
// joining array text parts with newlines. Non-text parts are ignored.
func flattenOpenAIText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var parts []OpenAIContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// convertOpenAIParts maps a user message's content to upstream parts, text
// verbatim and images through the multimodal conversion.
func convertOpenAIParts(msgIdx int, content json.RawMessage, prompt *strings.Builder) ([]upstream.Part, *ValidationError) {
	if len(content) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		prompt.WriteString(s)
		prompt.WriteByte('\n')
		return []upstream.Part{upstream.TextPart(s)}, nil
	}

	var raw []OpenAIContentPart
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errValidation(fmt.Sprintf("messages[%d].content", msgIdx), "must be a string or an array of content parts")
	}

	parts := make([]upstream.Part, 0, len(raw))
	for j, p := range raw {
		switch p.Type {
		case "text":
			if p.Text == "" {
				continue
			}
			prompt.WriteString(p.Text)
			prompt.WriteByte('\n')
			parts = append(parts, upstream.TextPart(p.Text))
		case "image_url":
			if p.ImageURL == nil {
				return nil, errValidation(fmt.Sprintf("messages[%d].content[%d].image_url", msgIdx, j), "image_url is required")
			}
			parts = append(parts, process.BuildImagePart(process.ImageSource{Data: p.ImageURL.URL}))
		default:
			return nil, errValidation(fmt.Sprintf("messages[%d].content[%d].type", msgIdx, j), "unsupported content type %q", p.Type)
		}
	}
	return parts, nil
}

// parseCallArguments decodes a tool call's JSON argument string; garbage
// degrades to no arguments rather than failing the request.
func parseCallArguments(arguments string) map[string]interface{} {
	if arguments == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}

// DecodeResponse renders a unary upstream response as a chat completion.
func (t *OpenAI) DecodeResponse(body []byte, enc *Encoded) ([]byte, error) {
	var resp upstream.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("upstream response has no candidates")
	}

	id, stamp := decodeIdentity(enc, "chatcmpl-")

	var (
		content   strings.Builder
		reasoning strings.Builder
		toolCalls []OpenAIToolCall
	)
	for _, part := range resp.Parts() {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   fmt.Sprintf("call_%d_%d", stamp.UnixMilli(), len(toolCalls)),
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		case part.IsThought():
			reasoning.WriteString(part.Text)
		default:
			content.WriteString(part.Text)
		}
	}

	finish := mapOpenAIFinish(resp.FinishReason())
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	msg := OpenAIResponseMessage{
		Role:             "assistant",
		ReasoningContent: reasoning.String(),
		ToolCalls:        toolCalls,
	}
	if text := content.String(); text != "" || len(toolCalls) == 0 {
		msg.Content = &text
	}

	out := OpenAIResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: stamp.Unix(),
		Model:   enc.ClientModel,
		Choices: []OpenAIChoice{{Message: msg, FinishReason: finish}},
	}
	if um := resp.UsageMetadata; um != nil {
		out.Usage = OpenAIUsage{
			PromptTokens:     um.PromptTokenCount,
			CompletionTokens: um.CandidatesTokenCount,
			TotalTokens:      um.TotalTokenCount,
		}
	}
	return json.Marshal(out)
}

func mapOpenAIFinish(reason string) string {
	switch reason {
	case upstream.FinishMaxTokens:
		return "length"
	case upstream.FinishSafety, upstream.FinishRecitation:
		return "content_filter"
	default: // STOP and anything unrecognized
		return "stop"
	}
}

// openAIErrorType maps an upstream HTTP-ish status code to the dialect's
// error type and code strings.
func openAIErrorType(status int) (string, string) {
	switch status {
	case 400:
		return "invalid_request_error", ""
	case 401:
		return "authentication_error", "invalid_api_key"
	case 403:
		return "permission_error", ""
	case 404:
		return "invalid_request_error", ""
	case 408:
		return "timeout_error", ""
	case 429:
		return "rate_limit_error", "rate_limit_exceeded"
	default:
		return "api_error", ""
	}
}
