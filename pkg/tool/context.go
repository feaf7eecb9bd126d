package tool

import "context"

// Invocation identifies the agent and task on whose behalf a tool call
// runs. The registry stashes it into the context on ExecuteSafe so
// builtins that need the caller's identity (spawning sub-agents, memory
// scoping) can recover it without widening the Tool interface.
type Invocation struct {
	AgentID string
	TaskID  string
}

type invocationContextKey struct{}

// WithInvocation attaches the caller identity to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, inv)
}

// InvocationFrom extracts the caller identity, zero when absent.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationContextKey{}).(Invocation)
	return inv
}
