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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/polygate/polygate/pkg/config"
)

// SchemaCmd generates JSON Schema from the gateway config structs.
// Output is written to stdout so it can be redirected into editor
// tooling or documentation builds.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Disallow additional properties for strict validation
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref) so consumers that cannot
		// resolve references still get a complete document
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://polygate.dev/schemas/config.json"
	schema.Title = "Polygate Configuration Schema"
	schema.Description = "Complete configuration schema for the Polygate AI gateway"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"server": map[string]interface{}{
				"host": "0.0.0.0",
				"port": 8080,
			},
			"upstream": map[string]interface{}{
				"base_url": "https://generativelanguage.googleapis.com",
			},
			"models": map[string]interface{}{
				"default": "gemini-2.5-flash",
				"mappings": map[string]interface{}{
					"gpt-4": "gemini-2.5-pro",
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
