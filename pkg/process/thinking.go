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

// Package process holds the pure request-shaping units the dialect
// transformers compose: thinking budgets, tool schemas, inline media,
// generation knobs, and the Claude stream framing events. Nothing here
// performs I/O.
package process

import (
	"github.com/polygate/polygate/pkg/config"
	"github.com/polygate/polygate/pkg/upstream"
)

const minThinkingBudget = 256

// ThinkingRequest is the dialect-neutral thinking knob. Enabled mirrors the
// Claude `type:"enabled"`; Budget is the optional budget_tokens.
type ThinkingRequest struct {
	Enabled bool
	Budget  *int
}

// BuildThinkingConfig maps a client's thinking preference onto the upstream
// knob for the given model. Models outside the 2.5 family never get a
// thinking pass, whatever the client asked for. An explicit disable pins the
// budget at zero. An enabled request clamps the user budget into
// [256, maxOutputTokens/2]; an enabled request without a budget derives
// maxOutputTokens/4, raised to 256 and then capped at maxOutputTokens×0.33.
//
// A nil req on a thinking-capable model returns nil, leaving the model's own
// default in force.
func BuildThinkingConfig(req *ThinkingRequest, upstreamModel string, maxOutputTokens int) *upstream.ThinkingConfig {
	if !config.SupportsThinking(upstreamModel) {
		return &upstream.ThinkingConfig{IncludeThoughts: false}
	}
	if req == nil {
		return nil
	}
	if !req.Enabled {
		zero := 0
		return &upstream.ThinkingConfig{IncludeThoughts: false, ThinkingBudget: &zero}
	}

	var budget int
	if req.Budget != nil {
		budget = *req.Budget
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if ceiling := int(float64(maxOutputTokens) * 0.5); budget > ceiling {
			budget = ceiling
		}
	} else {
		budget = int(float64(maxOutputTokens) * 0.25)
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if ceiling := int(float64(maxOutputTokens) * 0.33); budget > ceiling {
			budget = ceiling
		}
	}

	return &upstream.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
}
