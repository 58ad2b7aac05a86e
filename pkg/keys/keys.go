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

// Package keys handles the client-supplied upstream API keys: extracting
// them from request headers, fingerprinting them for storage and logs, and
// redacting them everywhere else. Raw keys live for exactly one request and
// never reach a log line, a persisted record, or a response body.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// ErrNoKeys is returned when no recognized header carries an API key.
var ErrNoKeys = errors.New("no API keys provided")

// sensitiveHeaders are never logged verbatim.
var sensitiveHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
}

// FromHeaders extracts the candidate API keys from a request. Keys arrive in
// `Authorization: Bearer k1,k2`, `x-api-key`, or `x-goog-api-key`,
// comma-separated. Entries are trimmed and empties dropped. The first header
// present wins; order of preference is Authorization, x-api-key,
// x-goog-api-key.
func FromHeaders(h http.Header) ([]string, error) {
	var raw string
	if auth := h.Get("Authorization"); auth != "" {
		raw = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if raw == "" {
		raw = h.Get("x-api-key")
	}
	if raw == "" {
		raw = h.Get("x-goog-api-key")
	}
	if raw == "" {
		return nil, ErrNoKeys
	}

	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// Hash returns the deterministic, non-reversible fingerprint of a raw key.
// Fingerprints are non-secret identifiers safe to persist and log.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// HashAll fingerprints a candidate list, preserving order.
func HashAll(keys []string) []string {
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = Hash(k)
	}
	return hashes
}

// RedactHeader returns the loggable form of a header value. Sensitive
// headers collapse to a placeholder.
func RedactHeader(name, value string) string {
	if sensitiveHeaders[strings.ToLower(name)] {
		return "[REDACTED]"
	}
	return value
}

// IsSensitiveHeader reports whether a header must not be logged.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaders[strings.ToLower(name)]
}
