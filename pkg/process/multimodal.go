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

package process

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polygate/polygate/pkg/upstream"
)

// maxImageBytes caps the decoded size of one inline image.
const maxImageBytes = 20 * 1024 * 1024

var base64Shape = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// mimeAliases maps the subtype spellings clients send to the ones the
// upstream accepts.
var mimeAliases = map[string]string{
	"jpg":   "jpeg",
	"x-png": "png",
}

var knownImageSubtypes = map[string]bool{
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
	"heic": true,
	"heif": true,
}

// NormalizeImageMIME canonicalizes an image MIME type: case folded, aliases
// resolved, a bare subtype promoted to image/<subtype>, and anything
// unrecognizable defaulted to image/jpeg.
func NormalizeImageMIME(mimeType string) string {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	m = strings.TrimPrefix(m, "image/")
	if alias, ok := mimeAliases[m]; ok {
		m = alias
	}
	if !knownImageSubtypes[m] {
		return "image/jpeg"
	}
	return "image/" + m
}

// ImageSource is one inbound image reference before conversion: a base64
// payload or data URL, with the MIME type the client claimed (may be empty
// for data URLs, which carry their own).
type ImageSource struct {
	MIMEType string
	Data     string
}

// BuildImagePart converts an image source to an inline-data part. A source
// that cannot be converted degrades to a text placeholder naming the reason,
// so one bad image never fails the whole request.
func BuildImagePart(src ImageSource) upstream.Part {
	data, err := imageBlob(src)
	if err != nil {
		return upstream.Part{Text: fmt.Sprintf("[Image processing failed: %v]", err)}
	}
	return upstream.Part{InlineData: data}
}

func imageBlob(src ImageSource) (*upstream.Blob, error) {
	payload := strings.TrimSpace(src.Data)
	mimeType := src.MIMEType

	if strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		return nil, fmt.Errorf("remote image URLs are not supported; inline the image as base64")
	}

	// data:image/png;base64,AAAA — the URL's own MIME type wins.
	if strings.HasPrefix(payload, "data:") {
		comma := strings.Index(payload, ",")
		if comma < 0 {
			return nil, fmt.Errorf("malformed data URL")
		}
		meta := payload[len("data:"):comma]
		payload = payload[comma+1:]
		if m, ok := strings.CutSuffix(meta, ";base64"); ok {
			mimeType = m
		} else {
			return nil, fmt.Errorf("data URL is not base64-encoded")
		}
	}

	// Clients occasionally wrap base64 payloads across lines.
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, payload)

	if payload == "" {
		return nil, fmt.Errorf("empty image data")
	}
	if len(payload)%4 != 0 || !base64Shape.MatchString(payload) {
		return nil, fmt.Errorf("image data is not valid base64")
	}
	if decoded := int(float64(len(payload)) * 0.75); decoded > maxImageBytes {
		return nil, fmt.Errorf("image exceeds the %d MB limit", maxImageBytes/(1024*1024))
	}

	return &upstream.Blob{
		MIMEType: NormalizeImageMIME(mimeType),
		Data:     payload,
	}, nil
}
