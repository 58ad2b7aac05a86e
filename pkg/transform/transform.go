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

// Package transform translates between the client dialects and the upstream
// wire format. Each dialect (OpenAI chat completions, Claude messages,
// native Gemini) has a Transformer that validates the raw request body,
// encodes it for the upstream, and decodes unary and streaming responses
// back into the client's shape. Transformers are stateless and safe for
// concurrent use; per-request context travels in the Encoded value.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polygate/polygate/pkg/upstream"
)

// Dialect names, used in logs, metrics, and adapter wiring.
const (
	DialectOpenAI = "openai"
	DialectClaude = "claude"
	DialectGemini = "gemini"
)

// RequestMeta carries what the HTTP route knows that the body may not: the
// native Gemini dialect puts the model and the streaming verb in the URL.
// The OpenAI and Claude dialects ignore it.
type RequestMeta struct {
	Model  string
	Stream bool
}

// Transformer converts one client dialect to and from the upstream wire.
type Transformer interface {
	// Dialect names the client protocol this transformer speaks.
	Dialect() string

	// Encode validates a raw request body and translates it into an
	// upstream-ready request. Rejections are *ValidationError.
	Encode(body []byte, meta RequestMeta) (*Encoded, error)

	// DecodeResponse renders a raw unary upstream response body in the
	// client dialect.
	DecodeResponse(body []byte, enc *Encoded) ([]byte, error)

	// DecodeStream converts upstream SSE frames into client events in
	// arrival order. The returned channel closes when the stream ends; the
	// stats are owned by the decoder until then and must only be read after
	// the close. Cancelling ctx stops the decoder.
	DecodeStream(ctx context.Context, frames <-chan upstream.Frame, enc *Encoded) (<-chan Event, *StreamStats)
}

// Encoded is a translated request plus the context its decoder needs later.
type Encoded struct {
	// ClientModel is the model string the client sent, echoed verbatim in
	// responses regardless of what the upstream id resolves to.
	ClientModel string
	// UpstreamModel is the resolved upstream model id.
	UpstreamModel string
	// Body is the upstream request JSON.
	Body []byte
	// Stream reports whether the client asked for a streamed response.
	Stream bool
	// Thinking reports whether thought parts should surface in the client
	// response.
	Thinking bool
	// PromptText is the concatenated text content of the request, used for
	// token estimation. Inline image payloads are excluded.
	PromptText string
	// WireID is the synthesized response id (chatcmpl-…, msg_…). Encode
	// assigns it so decoding the same upstream body twice renders identical
	// bytes; decoders mint a fresh one when it is empty.
	WireID string
	// Stamp is the encode time. The OpenAI decoders echo it as the created
	// field and both dialects derive tool-call ids from it.
	Stamp time.Time
}

// Event is one client-bound SSE event. A named event renders as
// "event: <name>\ndata: <data>\n\n", an unnamed one as "data: <data>\n\n".
// The OpenAI terminal sentinel is the literal data "[DONE]".
type Event struct {
	Name string
	Data []byte
}

// StreamStats is what a stream decoder observed, for post-call usage
// recording. The decoder goroutine owns it until its event channel closes.
type StreamStats struct {
	PromptTokens int
	OutputTokens int
	TotalTokens  int
	Frames       int
	// UpstreamErr is set when the stream ended on an upstream error frame;
	// ErrStatus and ErrMessage then carry the upstream code and message for
	// outcome recording.
	UpstreamErr bool
	ErrStatus   int
	ErrMessage  string
}

// ValidationError rejects a request before any upstream work. Field is the
// JSON path of the offending value and is never empty.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

func errValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// validationFromJSON turns a json decoding failure into a field-addressed
// validation error.
func validationFromJSON(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return &ValidationError{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("unexpected %s value", typeErr.Value),
		}
	}
	return &ValidationError{Field: "body", Message: "request body is not valid JSON"}
}

// wireID builds response ids like msg_26d051… and toolu_1a2b… from a fresh
// UUID, n hex chars long.
func wireID(prefix string, n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(raw) {
		n = len(raw)
	}
	return prefix + raw[:n]
}

// decodeIdentity returns the response id and stamp a decode pass should use,
// falling back to fresh values when the Encoded was built by hand.
func decodeIdentity(enc *Encoded, prefix string) (string, time.Time) {
	id := enc.WireID
	if id == "" {
		id = wireID(prefix, 24)
	}
	stamp := enc.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return id, stamp
}

// eventChanBuffer sizes the decoder-to-writer event channels. Small: the
// writer flushes per event, the buffer only absorbs bursts within one frame.
const eventChanBuffer = 16
