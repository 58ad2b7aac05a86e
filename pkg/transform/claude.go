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

// ClaudeRequest is an inbound messages-API request.
type ClaudeRequest struct {
	Model         string            `json:"model"`
	Messages      []ClaudeMessage   `json:"messages"`
	System        json.RawMessage   `json:"system,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         []ClaudeTool      `json:"tools,omitempty"`
	ToolChoice    *ClaudeToolChoice `json:"tool_choice,omitempty"`
	Thinking      *ClaudeThinking   `json:"thinking,omitempty"`
}

// ClaudeMessage is one turn. Content is a plain string or an array of
// content blocks.
type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ClaudeContentBlock is the union of inbound block shapes; Type picks which
// fields matter.
type ClaudeContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// image
	Source *ClaudeImageSource `json:"source,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type ClaudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type ClaudeTool struct {
	Type        string                 `json:"type,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type ClaudeToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type ClaudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

// ClaudeResponse is the unary messages-API reply. Content holds the
// outbound block structs below.
type ClaudeResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []interface{} `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        ClaudeUsage   `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Outbound blocks keep text/thinking/input present even when empty, which
// the omitempty inbound shapes cannot guarantee.
type claudeOutText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeOutThinking struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type claudeOutToolUse struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Claude translates the messages-API dialect.
type Claude struct {
	models *config.ModelsConfig
	logger *slog.Logger
}

func NewClaude(models *config.ModelsConfig, logger *slog.Logger) *Claude {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{models: models, logger: logger}
}

func (t *Claude) Dialect() string { return DialectClaude }

// Encode validates a messages-API body and translates it to the upstream
// shape. The system prompt folds into the first user message; user maps to
// user and assistant to model; the thinking knob only reaches models that
// support it.
func (t *Claude) Encode(body []byte, _ RequestMeta) (*Encoded, error) {
	var req ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, validationFromJSON(err)
	}
	if err := validateClaude(&req); err != nil {
		return nil, err
	}

	var (
		contents  []upstream.Content
		prompt    strings.Builder
		toolNames = map[string]string{}
	)

	system := flattenClaudeSystem(req.System)
	if system != "" {
		prompt.WriteString(system)
		prompt.WriteByte('\n')
	}
	pendingSystem := system

	for i, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		parts, verr := convertClaudeContent(i, msg, toolNames, &prompt)
		if verr != nil {
			return nil, verr
		}

		if pendingSystem != "" && msg.Role == "user" {
			parts = foldSystem(pendingSystem, parts)
			pendingSystem = ""
		}
		if len(parts) > 0 {
			contents = append(contents, upstream.Content{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return nil, errValidation("messages", "no message produced any content")
	}

	genCfg := process.BuildGenerationConfig(process.Knobs{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
	})

	upstreamModel := t.models.Resolve(req.Model)

	var thinkReq *process.ThinkingRequest
	if req.Thinking != nil {
		thinkReq = &process.ThinkingRequest{
			Enabled: req.Thinking.Type == "enabled",
			Budget:  req.Thinking.BudgetTokens,
		}
	}
	if tc := process.BuildThinkingConfig(thinkReq, upstreamModel, genCfg.MaxOutputTokens); tc != nil && config.SupportsThinking(upstreamModel) {
		genCfg.ThinkingConfig = tc
	}

	upReq := &upstream.Request{
		Contents:         contents,
		GenerationConfig: genCfg,
	}
	if len(req.Tools) > 0 {
		decls := make([]upstream.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			if decl, ok := process.BuiltinToolDeclaration(tool.Type, tool.Name); ok {
				decls = append(decls, decl)
				continue
			}
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  process.PruneSchema(tool.InputSchema),
			})
		}
		upReq.Tools = []upstream.Tool{{FunctionDeclarations: decls}}
		upReq.ToolConfig = process.BuildToolConfig(claudeToolChoice(req.ToolChoice))
	}

	encoded, err := json.Marshal(upReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	return &Encoded{
		ClientModel:   req.Model,
		UpstreamModel: upstreamModel,
		Body:          encoded,
		Stream:        req.Stream,
		Thinking:      req.Thinking != nil && req.Thinking.Type == "enabled",
		PromptText:    prompt.String(),
		WireID:        wireID("msg_", 24),
		Stamp:         time.Now(),
	}, nil
}

func validateClaude(req *ClaudeRequest) error {
	if req.Model == "" {
		return errValidation("model", "model is required")
	}
	if len(req.Messages) == 0 {
		return errValidation("messages", "at least one message is required")
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case "user", "assistant":
		default:
			return errValidation(fmt.Sprintf("messages[%d].role", i), "must be user or assistant")
		}
		if i == 0 && msg.Role != "user" {
			return errValidation("messages[0].role", "first message must be from the user")
		}
		if i > 0 && msg.Role == req.Messages[i-1].Role {
			return errValidation(fmt.Sprintf("messages[%d].role", i), "messages must alternate between user and assistant")
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 1) {
		return errValidation("temperature", "must be between 0 and 1")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return errValidation("top_p", "must be between 0 and 1")
	}

	for i, tool := range req.Tools {
		if tool.Name != "" {
			continue
		}
		// Built-in tool types carry a default name.
		if _, ok := process.BuiltinToolDeclaration(tool.Type, tool.Name); !ok {
			return errValidation(fmt.Sprintf("tools[%d].name", i), "name is required")
		}
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto", "any", "none":
		case "tool":
			found := false
			for _, tool := range req.Tools {
				if tool.Name == tc.Name {
					found = true
					break
				}
			}
			if !found {
				return errValidation("tool_choice.name", "%q is not in tools", tc.Name)
			}
		default:
			return errValidation("tool_choice.type", "must be auto, any, none, or tool")
		}
	}

	if th := req.Thinking; th != nil {
		switch th.Type {
		case "enabled", "disabled":
		default:
			return errValidation("thinking.type", "must be enabled or disabled")
		}
	}

	return nil
}

// flattenClaudeSystem joins a system prompt that may be a string or an
// array of text blocks.
func flattenClaudeSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// foldSystem merges the system prompt into the message's first text part,
// or prepends one when the message has no text.
func foldSystem(system string, parts []upstream.Part) []upstream.Part {
	for i := range parts {
		if parts[i].IsText() {
			parts[i].Text = system + "\n\n" + parts[i].Text
			return parts
		}
	}
	return append([]upstream.Part{upstream.TextPart(system)}, parts...)
}

// convertClaudeContent maps one message's content to upstream parts.
// Inbound thinking blocks are not re-sent upstream.
func convertClaudeContent(msgIdx int, msg ClaudeMessage, toolNames map[string]string, prompt *strings.Builder) ([]upstream.Part, *ValidationError) {
	if len(msg.Content) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		prompt.WriteString(s)
		prompt.WriteByte('\n')
		return []upstream.Part{upstream.TextPart(s)}, nil
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, errValidation(fmt.Sprintf("messages[%d].content", msgIdx), "must be a string or an array of content blocks")
	}

	parts := make([]upstream.Part, 0, len(blocks))
	for j, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			prompt.WriteString(block.Text)
			prompt.WriteByte('\n')
			parts = append(parts, upstream.TextPart(block.Text))

		case "image":
			if block.Source == nil {
				return nil, errValidation(fmt.Sprintf("messages[%d].content[%d].source", msgIdx, j), "source is required")
			}
			src := process.ImageSource{MIMEType: block.Source.MediaType, Data: block.Source.Data}
			if block.Source.URL != "" {
				src.Data = block.Source.URL
			}
			parts = append(parts, process.BuildImagePart(src))

		case "tool_use":
			if block.Name == "" {
				return nil, errValidation(fmt.Sprintf("messages[%d].content[%d].name", msgIdx, j), "name is required")
			}
			if block.ID != "" {
				toolNames[block.ID] = block.Name
			}
			args := block.Input
			if args == nil {
				args = map[string]interface{}{}
			}
			parts = append(parts, upstream.Part{FunctionCall: &upstream.FunctionCall{Name: block.Name, Args: args}})

		case "tool_result":
			name := toolNames[block.ToolUseID]
			if name == "" {
				name = block.ToolUseID
			}
			parts = append(parts, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
				Name:     name,
				Response: map[string]interface{}{"result": flattenToolResult(block.Content)},
			}})

		case "thinking", "redacted_thinking":
			// Prior-turn reasoning stays client-side.

		default:
			return nil, errValidation(fmt.Sprintf("messages[%d].content[%d].type", msgIdx, j), "unsupported content type %q", block.Type)
		}
	}
	return parts, nil
}

// flattenToolResult extracts the text of a tool_result content value, which
// may be a string or an array of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func claudeToolChoice(tc *ClaudeToolChoice) *process.ToolChoice {
	if tc == nil {
		return nil
	}
	return &process.ToolChoice{Mode: tc.Type, Name: tc.Name}
}

// DecodeResponse renders a unary upstream response as a messages-API reply.
// Thought parts surface as thinking blocks only when the request enabled
// thinking.
func (t *Claude) DecodeResponse(body []byte, enc *Encoded) ([]byte, error) {
	var resp upstream.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("upstream response has no candidates")
	}

	msgID, stamp := decodeIdentity(enc, "msg_")

	var (
		content    []interface{}
		sawToolUse bool
		toolIdx    int
	)
	for _, part := range resp.Parts() {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			content = append(content, claudeOutToolUse{
				Type:  "tool_use",
				ID:    fmt.Sprintf("toolu_%d_%d", stamp.UnixMilli(), toolIdx),
				Name:  part.FunctionCall.Name,
				Input: args,
			})
			toolIdx++
			sawToolUse = true
		case part.IsThought():
			if enc.Thinking {
				content = append(content, claudeOutThinking{Type: "thinking", Thinking: part.Text})
			}
		default:
			if part.Text == "" {
				continue
			}
			content = append(content, claudeOutText{Type: "text", Text: part.Text})
		}
	}
	if len(content) == 0 {
		content = append(content, claudeOutText{Type: "text"})
	}

	stopReason := mapClaudeStop(resp.FinishReason())
	if sawToolUse {
		stopReason = "tool_use"
	}

	out := ClaudeResponse{
		ID:         msgID,
		Type:       "message",
		Role:       "assistant",
		Model:      enc.ClientModel,
		Content:    content,
		StopReason: stopReason,
	}
	if um := resp.UsageMetadata; um != nil {
		out.Usage = ClaudeUsage{
			InputTokens:  um.PromptTokenCount,
			OutputTokens: um.CandidatesTokenCount,
		}
	}
	return json.Marshal(out)
}

func mapClaudeStop(reason string) string {
	switch reason {
	case upstream.FinishMaxTokens:
		return "max_tokens"
	case "TOOL_CALL":
		return "tool_use"
	default: // STOP, SAFETY, RECITATION, and anything unrecognized
		return "end_turn"
	}
}

// claudeErrorType maps an upstream HTTP-ish status code to the dialect's
// error type string.
func claudeErrorType(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 408:
		return "timeout_error"
	case 429:
		return "rate_limit_error"
	case 503, 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
