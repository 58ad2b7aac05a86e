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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	// maxPendingBytes bounds the unparsed tail of an SSE stream. On overflow
	// the front half is dropped; a frame that large is unparseable anyway
	// and the scan resumes at the next line boundary.
	maxPendingBytes = 1 << 20

	readChunkSize   = 32 * 1024
	frameChanBuffer = 16
)

var doneSentinel = []byte("[DONE]")

// Frame is one SSE data payload. A terminal read failure arrives as a final
// frame with Err set; normal end of stream just closes the channel.
type Frame struct {
	Data []byte
	Err  error
}

// Decode parses the frame payload as a Response.
func (f Frame) Decode() (*Response, error) {
	var resp Response
	if err := json.Unmarshal(f.Data, &resp); err != nil {
		return nil, fmt.Errorf("malformed stream frame: %w", err)
	}
	return &resp, nil
}

// Stream is a live streamGenerateContent response. Frames arrive in upstream
// order and the channel closes when the stream ends; callers must drain it.
type Stream struct {
	StatusCode int
	Frames     <-chan Frame
}

// OK reports whether the upstream accepted the streaming call.
func (s *Stream) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// readFrames pumps SSE lines from the response body onto the channel. The
// idle timer closes the body when the upstream goes quiet between frames,
// which surfaces as a read error; context cancellation aborts the transport
// read the same way.
func (c *Client) readFrames(ctx context.Context, body io.ReadCloser, frames chan<- Frame) {
	defer close(frames)
	defer body.Close()

	idle := time.AfterFunc(c.idleReadTimeout, func() {
		c.logger.Warn("Upstream stream idle past deadline, closing",
			"idleReadTimeout", c.idleReadTimeout)
		body.Close()
	})
	defer idle.Stop()

	emit := func(f Frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var pending []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			idle.Reset(c.idleReadTimeout)
			pending = append(pending, chunk[:n]...)

			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := bytes.TrimSuffix(pending[:i], []byte("\r"))
				data, ok := framePayload(line)
				pending = pending[i+1:]
				if !ok {
					continue
				}
				if !emit(Frame{Data: data}) {
					return
				}
			}

			if len(pending) > maxPendingBytes {
				keep := len(pending) / 2
				pending = append(pending[:0:0], pending[len(pending)-keep:]...)
			}
		}
		if err != nil {
			if err != io.EOF {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				emit(Frame{Err: err})
			}
			return
		}
	}
}

// framePayload extracts the JSON payload from one SSE line. Blank lines,
// comments, non-data fields, and the optional [DONE] sentinel yield nothing.
func framePayload(line []byte) ([]byte, bool) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, doneSentinel) {
		return nil, false
	}
	// The slice aliases the scan buffer, which the next read overwrites.
	return append([]byte(nil), data...), true
}
