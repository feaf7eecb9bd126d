// Package builtins implements the tool set the core ships so an agent
// runtime is self-hosting: shell, file
// system, HTTP, sub-agent spawn/join, reply, memory, and skill
// invocation. Every tool's parameter surface is generated from its Go
// argument struct, so the JSON Schema the LLM sees and the struct the
// tool decodes can never drift apart.
package builtins

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/restflow/restflow/pkg/tool"
)

// schemaFor reflects a JSON Schema from an argument struct.
func schemaFor(v any) map[string]any {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(v)
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// decodeArgs unmarshals already schema-validated arguments.
func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	err := json.Unmarshal(raw, &args)
	return args, err
}

// errorOutput wraps an error message into a failed Output.
func errorOutput(msg string) tool.Output {
	return tool.Output{Success: false, Error: msg}
}

// okOutput wraps a result value into a successful Output.
func okOutput(result any) tool.Output {
	return tool.Output{Success: true, Result: result}
}
