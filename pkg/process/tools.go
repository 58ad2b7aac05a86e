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
	"strings"

	"github.com/polygate/polygate/pkg/upstream"
)

// prunedKeys are JSON-schema keywords the upstream function-declaration
// parser rejects outright.
var prunedKeys = map[string]bool{
	"additionalProperties": true,
	"$schema":              true,
	"strict":               true,
	"default":              true,
}

// PruneSchema returns a copy of a tool parameter schema with the keywords
// the upstream rejects removed: additionalProperties, $schema, strict,
// default, and any format other than enum or date-time. The walk covers
// nested objects and arrays; pruning an already-pruned schema is a no-op.
func PruneSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	cleaned := make(map[string]interface{}, len(schema))
	for key, value := range schema {
		if prunedKeys[key] {
			continue
		}
		if key == "format" {
			if s, ok := value.(string); !ok || (s != "enum" && s != "date-time") {
				continue
			}
		}

		switch v := value.(type) {
		case map[string]interface{}:
			cleaned[key] = PruneSchema(v)
		case []interface{}:
			items := make([]interface{}, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = PruneSchema(m)
				} else {
					items[i] = item
				}
			}
			cleaned[key] = items
		default:
			cleaned[key] = value
		}
	}
	return cleaned
}

// ToolChoice is the dialect-neutral tool selection directive after
// validation. Mode carries the client keyword; Name is set when the client
// pinned a single tool.
type ToolChoice struct {
	Mode string
	Name string
}

// BuildToolConfig maps a tool choice onto the upstream function calling
// config. Absent and "auto" leave the model free, "none" forbids calls,
// "any"/"required" force one, and a pinned tool forces that tool alone.
func BuildToolConfig(choice *ToolChoice) *upstream.ToolConfig {
	cfg := &upstream.FunctionCallingConfig{Mode: upstream.ModeAuto}

	if choice != nil {
		switch choice.Mode {
		case "", "auto":
			cfg.Mode = upstream.ModeAuto
		case "none":
			cfg.Mode = upstream.ModeNone
		case "any", "required":
			cfg.Mode = upstream.ModeAny
		default:
			// Object form: the validator already checked the tool exists.
			cfg.Mode = upstream.ModeAny
			if choice.Name != "" {
				cfg.AllowedFunctionNames = []string{choice.Name}
			}
		}
	}

	return &upstream.ToolConfig{FunctionCallingConfig: cfg}
}

// bashToolSchema matches the interface of Claude's built-in bash tool so
// conversations recorded against it keep working over the relay.
var bashToolSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"command": map[string]interface{}{
			"type":        "string",
			"description": "The bash command to run.",
		},
		"restart": map[string]interface{}{
			"type":        "boolean",
			"description": "Set to true to restart the shell session.",
		},
	},
	"required": []interface{}{"command"},
}

// textEditorToolSchema matches Claude's built-in text editor tool.
var textEditorToolSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"command": map[string]interface{}{
			"type":        "string",
			"description": "The edit operation to perform.",
			"enum":        []interface{}{"view", "create", "str_replace", "insert", "undo_edit"},
		},
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Absolute path to the file or directory.",
		},
		"file_text": map[string]interface{}{
			"type":        "string",
			"description": "Full file contents for the create command.",
		},
		"old_str": map[string]interface{}{
			"type":        "string",
			"description": "Exact text to replace for str_replace.",
		},
		"new_str": map[string]interface{}{
			"type":        "string",
			"description": "Replacement text for str_replace or insert.",
		},
		"insert_line": map[string]interface{}{
			"type":        "integer",
			"description": "Line number after which to insert for the insert command.",
		},
		"view_range": map[string]interface{}{
			"type":        "array",
			"description": "Optional [start, end] line range for view.",
			"items":       map[string]interface{}{"type": "integer"},
		},
	},
	"required": []interface{}{"command", "path"},
}

// BuiltinToolDeclaration rewrites a Claude built-in tool type (bash_*,
// text_editor_*) into a plain function declaration with a fixed schema. The
// second return is false for tool types that are not built-ins.
func BuiltinToolDeclaration(toolType, name string) (upstream.FunctionDeclaration, bool) {
	switch {
	case strings.HasPrefix(toolType, "bash_"):
		if name == "" {
			name = "bash"
		}
		return upstream.FunctionDeclaration{
			Name:        name,
			Description: "Run commands in a bash shell.",
			Parameters:  bashToolSchema,
		}, true
	case strings.HasPrefix(toolType, "text_editor_"):
		if name == "" {
			name = "str_replace_editor"
		}
		return upstream.FunctionDeclaration{
			Name:        name,
			Description: "View, create and edit files.",
			Parameters:  textEditorToolSchema,
		}, true
	}
	return upstream.FunctionDeclaration{}, false
}
