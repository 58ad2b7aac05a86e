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
	"encoding/json"
	"testing"
)

func TestPart_MarshalShapes(t *testing.T) {
	tests := []struct {
		name string
		part Part
		want string
	}{
		{
			name: "text",
			part: TextPart("hello"),
			want: `{"text":"hello"}`,
		},
		{
			name: "thought_text",
			part: Part{Text: "reasoning...", Thought: true},
			want: `{"text":"reasoning...","thought":true}`,
		},
		{
			name: "inline_data",
			part: Part{InlineData: &Blob{MIMEType: "image/png", Data: "aGk="}},
			want: `{"inlineData":{"mimeType":"image/png","data":"aGk="}}`,
		},
		{
			name: "function_call",
			part: Part{FunctionCall: &FunctionCall{Name: "get_weather", Args: map[string]interface{}{"city": "Paris"}}},
			want: `{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}`,
		},
		{
			name: "function_response",
			part: Part{FunctionResponse: &FunctionResponse{Name: "get_weather", Response: map[string]interface{}{"content": "sunny"}}},
			want: `{"functionResponse":{"name":"get_weather","response":{"content":"sunny"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.part)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestThinkingConfig_ExplicitZeroBudget(t *testing.T) {
	zero := 0
	got, err := json.Marshal(ThinkingConfig{IncludeThoughts: false, ThinkingBudget: &zero})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"includeThoughts":false,"thinkingBudget":0}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}

	// Nil budget leaves the model's own default in force.
	got, err = json.Marshal(ThinkingConfig{IncludeThoughts: true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want = `{"includeThoughts":true}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestPart_Kind(t *testing.T) {
	if !TextPart("hi").IsText() {
		t.Error("IsText() = false for text part")
	}
	if TextPart("").IsText() {
		t.Error("IsText() = true for empty text")
	}

	thought := Part{Text: "hmm", Thought: true}
	if thought.IsText() {
		t.Error("IsText() = true for thought part")
	}
	if !thought.IsThought() {
		t.Error("IsThought() = false for thought part")
	}

	call := Part{FunctionCall: &FunctionCall{Name: "f"}}
	if call.IsText() || call.IsThought() {
		t.Error("function call classified as text or thought")
	}
}

func TestResponse_Helpers(t *testing.T) {
	t.Run("empty_response", func(t *testing.T) {
		var r *Response
		if r.Parts() != nil {
			t.Error("Parts() on nil response should be nil")
		}
		if r.FinishReason() != "" {
			t.Error("FinishReason() on nil response should be empty")
		}

		empty := &Response{}
		if empty.Parts() != nil || empty.FinishReason() != "" || empty.HasFunctionCall() {
			t.Error("helpers on candidate-less response should be zero values")
		}
	})

	t.Run("with_function_call", func(t *testing.T) {
		r := &Response{Candidates: []Candidate{{
			Content: Content{Role: "model", Parts: []Part{
				TextPart("Let me check."),
				{FunctionCall: &FunctionCall{Name: "lookup"}},
			}},
			FinishReason: FinishStop,
		}}}
		if !r.HasFunctionCall() {
			t.Error("HasFunctionCall() = false, want true")
		}
		if r.FinishReason() != FinishStop {
			t.Errorf("FinishReason() = %q, want STOP", r.FinishReason())
		}
		if len(r.Parts()) != 2 {
			t.Errorf("Parts() len = %d, want 2", len(r.Parts()))
		}
	})
}

func TestRequest_MarshalOmitsEmpty(t *testing.T) {
	req := &Request{
		Contents: []Content{{Role: "user", Parts: []Part{TextPart("hi")}}},
	}
	got, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}
