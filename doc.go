// Package polygate provides a multi-protocol gateway for Gemini upstreams.
//
// Polygate accepts requests in the OpenAI chat-completions, Claude
// messages, and native Gemini dialects, translates them to the Gemini
// generateContent API, and spreads the caller's API keys across quota
// windows so a pool of free-tier keys behaves like one reliable endpoint.
//
// # Quick Start
//
// Install polygate:
//
//	go install github.com/polygate/polygate/cmd/polygate@latest
//
// Create a configuration file:
//
//	server:
//	  host: "0.0.0.0"
//	  port: 8080
//	upstream:
//	  base_url: "https://generativelanguage.googleapis.com"
//	models:
//	  default: "gemini-2.5-flash"
//	  mappings:
//	    gpt-4: "gemini-2.5-pro"
//
// Start the gateway:
//
//	polygate serve --config polygate.yaml
//
// Then point any OpenAI, Claude, or Gemini client at it, passing one or
// more Gemini API keys in the usual auth header for that dialect:
//
//	curl http://localhost:8080/v1/chat/completions \
//	  -H "Authorization: Bearer $GEMINI_KEY_1,$GEMINI_KEY_2" \
//	  -d '{"model": "gpt-4", "messages": [{"role": "user", "content": "hi"}]}'
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/polygate/polygate/pkg/gateway"
//	    "github.com/polygate/polygate/pkg/transform"
//	    "github.com/polygate/polygate/pkg/balancer"
//	)
//
// # Key Features
//
//   - Three client dialects (OpenAI, Claude, Gemini) over one upstream
//   - Multi-key balancing with per-model RPM/TPM/RPD quota accounting
//   - TTL blacklist that quarantines failing keys and lifts on recovery
//   - Streaming translation frame by frame, including usage extraction
//   - Request logging and aggregate stats with configurable retention
//
// # Architecture
//
// Every request flows through the same pipeline:
//
//	Client → dialect transformer → key balancer → upstream client → Gemini
//
// Responses walk the pipeline backwards: upstream frames are decoded,
// re-encoded in the caller's dialect, and usage is recorded against the
// key that served the call.
//
// # License
//
// Apache-2.0 - See LICENSE for details.
package polygate
