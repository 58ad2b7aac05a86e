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

import "github.com/polygate/polygate/pkg/upstream"

const (
	// DefaultMaxOutputTokens backstops requests that never set a cap.
	DefaultMaxOutputTokens = 1024

	maxStopSequences   = 8
	maxStopSequenceLen = 120
)

// Knobs are the parsed dialect-neutral generation parameters. Pointers
// distinguish "client said nothing" from an explicit zero.
type Knobs struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   int // 0 or negative means unset
	Stop        []string
}

// BuildGenerationConfig clamps the knobs into the ranges the upstream
// accepts rather than rejecting near-miss values: temperature to [0,2], topP
// to [0,1], topK to [1,1000], at most 8 stop sequences of at most 120 chars
// each. An unset max_tokens becomes DefaultMaxOutputTokens.
func BuildGenerationConfig(k Knobs) *upstream.GenerationConfig {
	cfg := &upstream.GenerationConfig{MaxOutputTokens: k.MaxTokens}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}

	if k.Temperature != nil {
		t := clampFloat(*k.Temperature, 0, 2)
		cfg.Temperature = &t
	}
	if k.TopP != nil {
		p := clampFloat(*k.TopP, 0, 1)
		cfg.TopP = &p
	}
	if k.TopK != nil {
		topK := clampInt(*k.TopK, 1, 1000)
		cfg.TopK = &topK
	}

	if len(k.Stop) > 0 {
		stops := k.Stop
		if len(stops) > maxStopSequences {
			stops = stops[:maxStopSequences]
		}
		cfg.StopSequences = make([]string, len(stops))
		for i, s := range stops {
			if len(s) > maxStopSequenceLen {
				s = s[:maxStopSequenceLen]
			}
			cfg.StopSequences[i] = s
		}
	}

	return cfg
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
