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
	"encoding/json"
	"net/http"

	"github.com/polygate/polygate/pkg/transform"
)

// Render produces the HTTP status and error body for a dialect. Unknown
// dialects render the Gemini shape, which is also the gateway's native one.
func Render(dialect string, e *Error) (int, []byte) {
	switch dialect {
	case transform.DialectOpenAI:
		return RenderOpenAI(e)
	case transform.DialectClaude:
		return RenderClaude(e)
	default:
		return RenderGemini(e)
	}
}

type openAIErrorBody struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// RenderOpenAI renders `{"error":{"message","type","code"}}`.
func RenderOpenAI(e *Error) (int, []byte) {
	detail := openAIErrorDetail{Message: e.Message}

	switch e.Kind {
	case KindValidation, KindNotFound:
		detail.Type = "invalid_request_error"
	case KindAuthentication:
		detail.Type = "authentication_error"
		detail.Code = "invalid_api_key"
	case KindPermission:
		detail.Type = "permission_error"
	case KindRateLimit:
		detail.Type = "rate_limit_error"
		detail.Code = "rate_limit_exceeded"
	case KindTimeout:
		detail.Type = "timeout_error"
	default:
		detail.Type = "api_error"
	}

	body, _ := json.Marshal(openAIErrorBody{Error: detail})
	return e.Status, body
}

type claudeErrorBody struct {
	Type  string            `json:"type"`
	Error claudeErrorDetail `json:"error"`
}

type claudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RenderClaude renders `{"type":"error","error":{"type","message"}}`.
func RenderClaude(e *Error) (int, []byte) {
	detail := claudeErrorDetail{Message: e.Message}

	switch e.Kind {
	case KindValidation:
		detail.Type = "invalid_request_error"
	case KindAuthentication:
		detail.Type = "authentication_error"
	case KindPermission:
		detail.Type = "permission_error"
	case KindNotFound:
		detail.Type = "not_found_error"
	case KindRateLimit:
		detail.Type = "rate_limit_error"
	case KindTimeout:
		detail.Type = "timeout_error"
	case KindUpstreamAPI:
		if e.Status == http.StatusServiceUnavailable || e.Status == 529 {
			detail.Type = "overloaded_error"
		} else {
			detail.Type = "api_error"
		}
	default:
		detail.Type = "api_error"
	}

	body, _ := json.Marshal(claudeErrorBody{Type: "error", Error: detail})
	return e.Status, body
}

type geminiErrorBody struct {
	Error geminiErrorDetail `json:"error"`
}

type geminiErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// RenderGemini renders `{"error":{"code","message","status"}}`. When the
// failure came from the upstream with its own status string, that string
// passes through untouched.
func RenderGemini(e *Error) (int, []byte) {
	detail := geminiErrorDetail{Code: e.Status, Message: e.Message}

	if e.Upstream != nil && e.Upstream.Status != "" {
		detail.Status = e.Upstream.Status
	} else {
		switch e.Kind {
		case KindValidation:
			detail.Status = "INVALID_ARGUMENT"
		case KindAuthentication:
			detail.Status = "UNAUTHENTICATED"
		case KindPermission:
			detail.Status = "PERMISSION_DENIED"
		case KindNotFound:
			detail.Status = "NOT_FOUND"
		case KindRateLimit:
			detail.Status = "RESOURCE_EXHAUSTED"
		case KindTimeout:
			detail.Status = "DEADLINE_EXCEEDED"
		case KindUpstreamAPI:
			if e.Status == http.StatusServiceUnavailable {
				detail.Status = "UNAVAILABLE"
			} else {
				detail.Status = "INTERNAL"
			}
		default:
			detail.Status = "INTERNAL"
		}
	}

	body, _ := json.Marshal(geminiErrorBody{Error: detail})
	return e.Status, body
}
