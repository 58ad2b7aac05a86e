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

package upstream

import (
	"encoding/json"
	"fmt"
)

// APIError is a non-2xx answer from the generative-language service. It
// keeps both the parsed error envelope and the raw body so the native
// dialect can relay the upstream JSON verbatim.
type APIError struct {
	StatusCode int
	Code       int
	Status     string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error %d", e.StatusCode)
}

// ParseAPIError builds an APIError from a response body, tolerating bodies
// that are not the standard `{"error": {...}}` envelope.
func ParseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Body:       body,
	}

	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Status = envelope.Error.Status
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" && len(body) > 0 {
		apiErr.Message = truncate(string(body), 512)
	}
	return apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
