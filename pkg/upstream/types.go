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

// Package upstream holds the canonical generative-language wire types and the
// HTTP client that talks to the Gemini API. Every inbound dialect is encoded
// into a Request before it leaves the gateway and every Response is decoded
// back into the caller's dialect.
package upstream

import "encoding/json"

// Function calling modes accepted by toolConfig.functionCallingConfig.mode.
const (
	ModeAuto = "AUTO"
	ModeAny  = "ANY"
	ModeNone = "NONE"
)

// Finish reasons the API is known to emit. Dialect decoders map these to
// their own vocabularies and treat anything unknown as a normal stop.
const (
	FinishStop       = "STOP"
	FinishMaxTokens  = "MAX_TOKENS"
	FinishSafety     = "SAFETY"
	FinishRecitation = "RECITATION"
)

// Request is the canonical generateContent payload.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SafetySettings    json.RawMessage   `json:"safetySettings,omitempty"`
}

// Content is one role-tagged turn. Role is "user" or "model"; the
// systemInstruction content carries no role.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a union: exactly one of Text, InlineData, FunctionCall, or
// FunctionResponse is set. Thought marks text produced by the model's
// reasoning pass.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// IsText reports whether the part carries visible (non-thought) text. The
// API emits `"text": ""` on some keep-alive frames, so presence of the field
// alone is not enough; callers that care about empty deltas check Text
// directly.
func (p Part) IsText() bool {
	return p.Text != "" && !p.Thought && p.FunctionCall == nil && p.FunctionResponse == nil
}

// IsThought reports whether the part is reasoning text.
func (p Part) IsThought() bool {
	return p.Thought && p.FunctionCall == nil
}

// Blob is base64-encoded inline media.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is the model asking the client to run a declared function.
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// GenerationConfig tunes sampling. Pointer fields distinguish "unset" from
// zero so the upstream defaults apply when the client said nothing.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig controls the reasoning pass on models that have one.
// ThinkingBudget is a pointer because an explicit 0 (thinking disabled) is
// different from leaving the budget to the model.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

// Tool groups function declarations.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable function. Parameters is a JSON
// schema already pruned of the keywords the API rejects.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig wraps the function calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects how the model may call functions.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// Response is a generateContent result or one streamGenerateContent frame.
// Streaming frames are partial responses that append parts to
// candidates[0].content.parts.
type Response struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	Error         *Error         `json:"error,omitempty"`
}

// Candidate is one generated alternative. The gateway only ever reads the
// first.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index,omitempty"`
}

// Parts returns candidates[0].content.parts, or nil when the response has no
// candidates (error frames, usage-only frames).
func (r *Response) Parts() []Part {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

// FinishReason returns candidates[0].finishReason, empty when absent.
func (r *Response) FinishReason() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

// HasFunctionCall reports whether any part of the first candidate is a
// function call.
func (r *Response) HasFunctionCall() bool {
	for _, part := range r.Parts() {
		if part.FunctionCall != nil {
			return true
		}
	}
	return false
}

// UsageMetadata is the token accounting attached to responses. On streams it
// arrives cumulatively; the last frame wins.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
}

// Error is the upstream error envelope, `{"error": {...}}` in the body.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}
