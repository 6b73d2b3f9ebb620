package harnessports

import "context"

// ToolSpec describes a callable tool as advertised to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	Parameters  []byte // JSON schema for the arguments
}

// Handler executes a validated tool call. Handlers should honor ctx cancellation;
// a handler that does not is detached when its deadline passes and its result is discarded.
type Handler interface {
	Invoke(ctx context.Context, args Value) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args Value) (any, error)

// Invoke calls f(ctx, args).
func (f HandlerFunc) Invoke(ctx context.Context, args Value) (any, error) {
	return f(ctx, args)
}
