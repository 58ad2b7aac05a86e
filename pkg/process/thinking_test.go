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
	"testing"
)

func intPtr(v int) *int { return &v }

func TestBuildThinkingConfig(t *testing.T) {
	tests := []struct {
		name       string
		req        *ThinkingRequest
		model      string
		maxTokens  int
		wantNil    bool
		wantThink  bool
		wantBudget *int
	}{
		{
			name:      "non_thinking_model_ignores_enable",
			req:       &ThinkingRequest{Enabled: true, Budget: intPtr(4096)},
			model:     "gemini-2.0-flash",
			maxTokens: 8192,
			wantThink: false,
		},
		{
			name:      "non_thinking_model_without_request",
			req:       nil,
			model:     "gemini-1.5-flash",
			maxTokens: 8192,
			wantThink: false,
		},
		{
			name:      "thinking_model_without_request_leaves_default",
			req:       nil,
			model:     "gemini-2.5-pro",
			maxTokens: 8192,
			wantNil:   true,
		},
		{
			name:       "explicit_disable_pins_zero_budget",
			req:        &ThinkingRequest{Enabled: false},
			model:      "gemini-2.5-flash",
			maxTokens:  8192,
			wantThink:  false,
			wantBudget: intPtr(0),
		},
		{
			name:       "user_budget_within_range",
			req:        &ThinkingRequest{Enabled: true, Budget: intPtr(1000)},
			model:      "gemini-2.5-pro",
			maxTokens:  8192,
			wantThink:  true,
			wantBudget: intPtr(1000),
		},
		{
			name:       "user_budget_below_floor",
			req:        &ThinkingRequest{Enabled: true, Budget: intPtr(100)},
			model:      "gemini-2.5-pro",
			maxTokens:  8192,
			wantThink:  true,
			wantBudget: intPtr(256),
		},
		{
			name:       "user_budget_above_half_cap",
			req:        &ThinkingRequest{Enabled: true, Budget: intPtr(6000)},
			model:      "gemini-2.5-pro",
			maxTokens:  8192,
			wantThink:  true,
			wantBudget: intPtr(4096),
		},
		{
			name:       "derived_budget_quarter_of_cap",
			req:        &ThinkingRequest{Enabled: true},
			model:      "gemini-2.5-pro",
			maxTokens:  8192,
			wantThink:  true,
			wantBudget: intPtr(2048),
		},
		{
			name:       "derived_budget_floor_then_third_cap",
			req:        &ThinkingRequest{Enabled: true},
			model:      "gemini-2.5-flash",
			maxTokens:  600,
			wantThink:  true,
			wantBudget: intPtr(198),
		},
		{
			name:       "derived_budget_exactly_floor",
			req:        &ThinkingRequest{Enabled: true},
			model:      "gemini-2.5-flash",
			maxTokens:  1024,
			wantThink:  true,
			wantBudget: intPtr(256),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildThinkingConfig(tt.req, tt.model, tt.maxTokens)

			if tt.wantNil {
				if got != nil {
					t.Fatalf("BuildThinkingConfig() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("BuildThinkingConfig() = nil, want config")
			}
			if got.IncludeThoughts != tt.wantThink {
				t.Errorf("IncludeThoughts = %v, want %v", got.IncludeThoughts, tt.wantThink)
			}

			switch {
			case tt.wantBudget == nil && got.ThinkingBudget != nil:
				t.Errorf("ThinkingBudget = %d, want unset", *got.ThinkingBudget)
			case tt.wantBudget != nil && got.ThinkingBudget == nil:
				t.Errorf("ThinkingBudget = unset, want %d", *tt.wantBudget)
			case tt.wantBudget != nil && *got.ThinkingBudget != *tt.wantBudget:
				t.Errorf("ThinkingBudget = %d, want %d", *got.ThinkingBudget, *tt.wantBudget)
			}
		})
	}
}
