package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/restflow/restflow/pkg/rferrors"
)

// SecurityGate is the contract the registry checks before invoking any
// tool that implements ActionDescriber. pkg/security
// implements this; it is declared here, not imported, so pkg/tool does
// not depend on pkg/security's policy internals, only on the decision
// shape.
type SecurityGate interface {
	CheckToolAction(ctx context.Context, toolName, operation, target, summary, agentID, taskID string) (Decision, error)
}

// Decision mirrors security.Decision without importing pkg/security.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	ApprovalID       string
	Reason           string
}

// Registry maps tool names to Tool, validates arguments against each
// tool's compiled schema before dispatch, applies the security gate,
// and serializes calls to tools that declare themselves non-parallel
// for the given arguments. A tool's schema is compiled once at
// registration; registration after that is immutable except through
// Register itself.
type Registry struct {
	gate SecurityGate

	mu    sync.RWMutex
	tools map[string]Tool

	toolMus   sync.Map // name -> *sync.Mutex, for non-parallel tools
	validator *validator
}

// New creates an empty Registry. gate may be nil, in which case tool
// actions are never checked (useful for tests and for tools that don't
// implement ActionDescriber at all).
func New(gate SecurityGate) *Registry {
	return &Registry{
		gate:      gate,
		tools:     make(map[string]Tool),
		validator: newValidator(),
	}
}

// Register adds a tool, compiling its parameter schema for validation
// at dispatch time. Registering a name twice is an error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return rferrors.New(rferrors.Protocol, "tool name cannot be empty")
	}
	if err := r.validator.compile(name, t.ParametersSchema()); err != nil {
		return rferrors.Wrap(rferrors.Internal, "compile schema for tool "+name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return rferrors.New(rferrors.Conflict, fmt.Sprintf("tool %q already registered", name))
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns every registered tool.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Names returns every registered tool name in sorted order, giving the
// system prompt's tool section and schema listings a deterministic
// iteration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the LLM-facing Definition for every registered tool
// matching the predicate (AllowAll to get them all).
func (r *Registry) Schemas(allowed Predicate) []Definition {
	if allowed == nil {
		allowed = AllowAll()
	}
	var defs []Definition
	for _, name := range r.Names() {
		t, ok := r.Get(name)
		if ok && allowed(t) {
			defs = append(defs, ToDefinition(t))
		}
	}
	return defs
}

// Execute looks up name and runs it, with no schema validation, security
// gate, or parallel-safety enforcement. Callers that need the full
// dispatch contract use ExecuteSafe.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (Output, error) {
	t, ok := r.Get(name)
	if !ok {
		return Output{}, rferrors.New(rferrors.NotFound, "tool not found: "+name)
	}
	return t.Execute(ctx, args)
}

// ExecuteSafe is the full dispatch path: schema validation, security
// gate, then parallel-safety-aware execution.
func (r *Registry) ExecuteSafe(ctx context.Context, call Call, agentID, taskID string) (Output, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return Output{}, rferrors.New(rferrors.NotFound, "tool not found: "+call.Name)
	}

	ctx = WithInvocation(ctx, Invocation{AgentID: agentID, TaskID: taskID})

	if err := r.validator.validate(call.Name, call.Arguments); err != nil {
		return Output{}, rferrors.Wrap(rferrors.Protocol, "invalid arguments for tool "+call.Name, err)
	}

	if r.gate != nil {
		if describer, ok := t.(ActionDescriber); ok {
			operation, target, summary := describer.Action(call.Arguments)
			decision, err := r.gate.CheckToolAction(ctx, call.Name, operation, target, summary, agentID, taskID)
			if err != nil {
				return Output{}, rferrors.Wrap(rferrors.Internal, "security gate check failed", err)
			}
			if decision.RequiresApproval {
				return Output{}, rferrors.New(rferrors.Policy, "approval required: "+decision.ApprovalID).
					WithDetails(map[string]any{"approval_id": decision.ApprovalID, "reason": decision.Reason})
			}
			if !decision.Allowed {
				return Output{}, rferrors.New(rferrors.Policy, "blocked: "+decision.Reason)
			}
		}
	}

	if t.SupportsParallel(call.Arguments) {
		return t.Execute(ctx, call.Arguments)
	}

	mu := r.mutexFor(call.Name)
	mu.Lock()
	defer mu.Unlock()
	return t.Execute(ctx, call.Arguments)
}

func (r *Registry) mutexFor(name string) *sync.Mutex {
	mu, _ := r.toolMus.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
