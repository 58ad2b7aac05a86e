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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/polygate/polygate/pkg/balancer"
	"github.com/polygate/polygate/pkg/keys"
	"github.com/polygate/polygate/pkg/transform"
	"github.com/polygate/polygate/pkg/upstream"
)

// Normalize maps any pipeline failure onto the error taxonomy. It is
// idempotent: an already-normalized *Error passes through unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}

	var valErr *transform.ValidationError
	if errors.As(err, &valErr) {
		return &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("%s: %s", valErr.Field, valErr.Message),
			Field:   valErr.Field,
			Status:  http.StatusBadRequest,
		}
	}

	if errors.Is(err, keys.ErrNoKeys) {
		return NewError(KindAuthentication,
			"missing API key: pass one in Authorization: Bearer, x-api-key, or x-goog-api-key")
	}

	// A quarantined sole key reads to the client like a bad credential.
	var blErr *balancer.BlacklistedError
	if errors.As(err, &blErr) {
		return NewError(KindAuthentication,
			"API key is temporarily blocked (%s), retry after %s",
			blErr.Entry.Reason, blErr.Entry.ExpiresAt.UTC().Format(time.RFC3339))
	}

	var quotaErr *balancer.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return NewError(KindRateLimit,
			"API key quota exceeded (%s), retry in %s",
			quotaErr.Reason, quotaErr.RetryAfter.Round(time.Second))
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return normalizeUpstream(apiErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "upstream request timed out")
	}

	return NewError(KindInternal, "%s", err.Error())
}

// normalizeUpstream classifies an upstream failure by its HTTP status. 4xx
// statuses keep their meaning; everything 5xx (and anything unclassified)
// is an upstream_api error that passes the upstream status through. Error
// envelopes delivered under a 2xx status classify by their embedded code.
func normalizeUpstream(apiErr *upstream.APIError) *Error {
	message := apiErr.Message
	if message == "" {
		message = fmt.Sprintf("upstream returned HTTP %d", apiErr.StatusCode)
	}

	status := apiErr.StatusCode
	if status < 400 && apiErr.Code >= 400 {
		status = apiErr.Code
	}

	e := &Error{
		Message:  message,
		Status:   status,
		Upstream: apiErr,
	}

	switch status {
	case http.StatusBadRequest:
		e.Kind = KindValidation
	case http.StatusUnauthorized:
		e.Kind = KindAuthentication
	case http.StatusForbidden:
		e.Kind = KindPermission
	case http.StatusNotFound:
		e.Kind = KindNotFound
	case http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	default:
		e.Kind = KindUpstreamAPI
		if status < 400 {
			e.Status = defaultStatus(KindUpstreamAPI)
		}
	}
	return e
}
