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

// Package server is the HTTP surface of the gateway. It exposes the three
// client dialects (OpenAI chat completions and embeddings, Claude messages,
// and the native Gemini generate routes), the model discovery lists, and
// the operator endpoints for health, readiness, stats, and Prometheus
// metrics.
//
// The middleware stack assigns every request a correlation id (echoed in
// the x-request-id response header), recovers panics into in-dialect
// errors, logs one structured line per request with secrets redacted, and
// answers CORS preflights. Streaming responses are written as server-sent
// events with a flush per frame; the logging and metrics wrappers preserve
// http.Flusher so streaming works through the whole stack.
package server
