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

// Package utils provides token estimation used by quota admission.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for a model using a tiktoken encoding.
// Gemini and Claude model names have no native encoding here, so they
// approximate with cl100k_base, which is close enough for admission control.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// Message is one turn for counting purposes.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a model, reusing cached encodings.
// Models without a registered encoding fall back to cl100k_base.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list, including the
// per-message framing overhead and reply priming.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(msg.Role, nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	total += 3
	return total
}

// Model returns the model name this counter was built for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens is the rough fallback used when no encoding is available,
// roughly four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Estimator resolves one TokenCounter per model and remembers models whose
// encoding could not be loaded, so an offline deployment pays the lookup
// cost once and then stays on the character heuristic.
type Estimator struct {
	mu       sync.Mutex
	counters map[string]*TokenCounter
	failed   map[string]bool
}

// NewEstimator creates an empty Estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		counters: make(map[string]*TokenCounter),
		failed:   make(map[string]bool),
	}
}

// Estimate returns the token estimate for text under the given model.
// Empty text estimates to zero so callers can apply their own default.
func (e *Estimator) Estimate(model, text string) int {
	if text == "" {
		return 0
	}

	e.mu.Lock()
	tc, ok := e.counters[model]
	if !ok && !e.failed[model] {
		var err error
		tc, err = NewTokenCounter(model)
		if err != nil {
			e.failed[model] = true
		} else {
			e.counters[model] = tc
		}
	}
	e.mu.Unlock()

	if tc == nil {
		return EstimateTokens(text)
	}
	return tc.Count(text)
}
