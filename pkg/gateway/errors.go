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

// Package gateway ties the pipeline together: one adapter per client
// dialect runs validate, encode, key selection, the upstream call, decode,
// and outcome recording, and every failure on that path is normalized into
// a single taxonomy rendered in the client's own dialect.
package gateway

import (
	"fmt"
	"net/http"

	"github.com/polygate/polygate/pkg/upstream"
)

// Kind classifies a failure independent of which dialect reports it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindPermission     Kind = "permission"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindTimeout        Kind = "timeout"
	KindUpstreamAPI    Kind = "upstream_api"
	KindTransform      Kind = "transform"
	KindInternal       Kind = "internal"
)

// Error is the normalized failure every handler renders from. Status is the
// HTTP status sent to the client; for upstream failures it passes the
// upstream's own status through.
type Error struct {
	Kind    Kind
	Message string
	// Field is the JSON path of the offending value, for validation errors.
	Field string
	// Status is the HTTP status to respond with.
	Status int
	// Upstream carries the raw upstream failure when one caused this error.
	Upstream *upstream.APIError
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an Error carrying the kind's default HTTP status.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Status:  defaultStatus(kind),
	}
}

// defaultStatus is the HTTP status a kind carries when nothing more
// specific is known.
func defaultStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindUpstreamAPI, KindTransform:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
