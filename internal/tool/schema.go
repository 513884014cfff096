package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// canonicalSchemas holds one strict JSON Schema document per tool
// name. "additionalProperties": false on every schema is what makes
// an unknown key a validation failure rather than a silently ignored
// field (spec §4.7: "parameter schemas are strict; unknown keys are
// rejected").
var canonicalSchemas = map[string]string{
	"read_file": `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"],
		"additionalProperties": false
	}`,
	"write_file": `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`,
	"execute_command": `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"args": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["command"],
		"additionalProperties": false
	}`,
	"list_directory": `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"],
		"additionalProperties": false
	}`,
}

// Descriptions gives each canonical tool name the short purpose
// string surfaced to the model as part of its tool definition, so the
// model has something to decide "should I call this?" from beyond the
// bare name (spec §4.7 canonical tools).
var Descriptions = map[string]string{
	"read_file":       "Read the contents of a file within the tenant's workspace.",
	"write_file":      "Write content to a file within the tenant's workspace.",
	"execute_command": "Run a non-interactive shell command within the tenant's workspace.",
	"list_directory":  "List the entries of a directory within the tenant's workspace.",
}

// InputSchemaJSON returns the canonical JSON Schema document for name
// — the same document compileSchemas compiles for validation, reused
// here so a tool's LLM-facing definition and its server-side
// enforcement never drift apart.
func InputSchemaJSON(name string) (json.RawMessage, bool) {
	raw, ok := canonicalSchemas[name]
	if !ok {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// schemaSet is the compiled form of canonicalSchemas, built once at
// NewValidator time the way zkoranges-go-claw's
// engine.NewStructuredValidator compiles once per schema rather than
// per call.
type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	out := make(schemaSet, len(canonicalSchemas))
	for name, raw := range canonicalSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("tool: unmarshal schema for %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("tool: add schema resource for %s: %w", name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("tool: compile schema for %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}

// Validate checks params against toolName's compiled schema. An
// unrecognized tool name is itself a validation failure — the
// mediator only ever deals in the canonical tool set.
func (s schemaSet) Validate(toolName string, params json.RawMessage) error {
	schema, ok := s[toolName]
	if !ok {
		return fmt.Errorf("tool: unknown tool %q", toolName)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
	if err != nil {
		return fmt.Errorf("tool: params for %s are not valid JSON: %w", toolName, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("tool: %s params failed schema validation: %w", toolName, err)
	}
	return nil
}
