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

package server

import (
	"fmt"
	"net/http"

	"github.com/polygate/polygate/pkg/transform"
)

// writeSSE relays decoded events to the client as server-sent events,
// flushing after every frame so tokens appear as they arrive. Named events
// get an `event:` line (the Claude dialect); unnamed ones are bare `data:`
// frames (OpenAI and Gemini). Write errors stop the relay; the events
// channel keeps draining in the adapter so accounting still completes.
func (s *Server) writeSSE(w http.ResponseWriter, r *http.Request, events <-chan transform.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Response writer cannot stream", "requestID", RequestIDFrom(r.Context()))
		writeJSON(w, http.StatusInternalServerError,
			[]byte(`{"error":{"code":500,"message":"streaming unsupported","status":"INTERNAL"}}`))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writable := true
	for ev := range events {
		if !writable {
			continue
		}
		var err error
		if ev.Name != "" {
			_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
		} else {
			_, err = fmt.Fprintf(w, "data: %s\n\n", ev.Data)
		}
		if err != nil {
			// Client went away mid-stream. Keep consuming so the
			// pipeline behind the channel can settle.
			s.logger.Debug("SSE write failed, draining stream",
				"error", err, "requestID", RequestIDFrom(r.Context()))
			writable = false
			continue
		}
		flusher.Flush()
	}
}
