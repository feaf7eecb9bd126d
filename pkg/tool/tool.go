// Package tool implements RestFlow's Tool Registry: a polymorphic
// dispatch layer over named tools with JSON-schema argument validation,
// parallel-safety policy, and a decorator chain (timeout, rate limit).
//
// A tool is a flat capability (name, description, parameter schema,
// execute, parallel policy) behind a name-keyed registry, not an
// interface hierarchy. Predicate combinators (StringPredicate/AllowAll/
// DenyAll/Combine/Or/Not) filter the registry down to an agent's
// allowed tool names.
package tool

import (
	"context"
	"encoding/json"
)

// Output is the result of a tool execution.
type Output struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Call is one invocation of a tool inside an agent turn.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is the capability contract every tool implements. Implementations
// should be stateless or internally synchronized; the registry invokes
// Execute concurrently across different calls unless SupportsParallel
// reports false for the given arguments, in which case the registry
// serializes calls to that tool behind a per-tool mutex.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema returns the tool's argument surface as a JSON
	// Schema document, ready to json.Marshal.
	ParametersSchema() map[string]any
	// Execute runs the tool against already schema-validated arguments.
	Execute(ctx context.Context, args json.RawMessage) (Output, error)
	// SupportsParallel reports whether this invocation may run
	// concurrently with other invocations of the same tool. It is a
	// per-invocation query defaulting to true.
	SupportsParallel(args json.RawMessage) bool
}

// ActionDescriber is implemented by tools whose side effects should be
// checked against the Security Gate before Execute runs.
// Pure-computation tools with no side effects need not implement
// it; the registry then skips the gate for that tool.
type ActionDescriber interface {
	// Action describes the pending tool action for the Security Gate.
	Action(args json.RawMessage) (operation, target, summary string)
}

// Predicate decides whether a tool should be exposed to a given agent.
// Used to filter the registry's tool list down to an agent's "allowed
// tool names".
type Predicate func(t Tool) bool

// StringPredicate allows only the named tools.
func StringPredicate(allowed []string) Predicate {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return func(t Tool) bool { return set[t.Name()] }
}

// AllowAll allows every tool.
func AllowAll() Predicate { return func(Tool) bool { return true } }

// DenyAll allows no tool.
func DenyAll() Predicate { return func(Tool) bool { return false } }

// Combine ANDs predicates together.
func Combine(predicates ...Predicate) Predicate {
	return func(t Tool) bool {
		for _, p := range predicates {
			if !p(t) {
				return false
			}
		}
		return true
	}
}

// Or ORs predicates together.
func Or(predicates ...Predicate) Predicate {
	return func(t Tool) bool {
		for _, p := range predicates {
			if p(t) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(t Tool) bool { return !p(t) }
}

// Definition is the wire shape an LLM provider's function-calling surface
// expects; it mirrors pkg/llms.ToolDefinition so the engine can build one
// per registered, allowed tool without reaching into tool internals.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToDefinition converts a Tool into its LLM-facing Definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.ParametersSchema(),
	}
}
