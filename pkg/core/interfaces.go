package core

import "context"

// Executor is the contract a concrete agent skill implements. It receives
// a Delegation message and must produce a result payload within the
// dispatch timeout carried by ctx. The coordination core treats executors
// as opaque: how the work is done is entirely the collaborator's business.
type Executor interface {
	Handle(ctx context.Context, delegation Message) (map[string]any, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, delegation Message) (map[string]any, error)

// Handle implements Executor.
func (f ExecutorFunc) Handle(ctx context.Context, delegation Message) (map[string]any, error) {
	return f(ctx, delegation)
}
