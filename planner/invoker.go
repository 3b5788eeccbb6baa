package planner

import (
	"context"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowerr"
	"github.com/penguiflow/penguiflow-go/flowgraph"
)

// ToolInvoker resolves a catalog-visible tool name to a node invocation. The
// flow runtime satisfies this via RuntimeInvoker; tests substitute a stub.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, args map[string]any, trace envelope.Envelope) (flowgraph.Result, *flowerr.Error)
}

// runtimeHandle is the subset of *flowruntime.Runtime the planner needs.
// Declared here (not in flowruntime) so planner has no import-time
// dependency on the concrete runtime package beyond this narrow seam.
type runtimeHandle interface {
	InvokeNode(ctx context.Context, name string, env *envelope.Envelope) (flowgraph.Result, *flowerr.Error)
}

// RuntimeInvoker adapts a flow runtime to ToolInvoker: each tool call becomes
// one InvokeNode call against a fresh envelope derived from the run's trace.
type RuntimeInvoker struct {
	Runtime runtimeHandle
}

// InvokeTool implements ToolInvoker.
func (a RuntimeInvoker) InvokeTool(ctx context.Context, name string, args map[string]any, trace envelope.Envelope) (flowgraph.Result, *flowerr.Error) {
	env := trace.Next(envelope.Plain(args))
	return a.Runtime.InvokeNode(ctx, name, env)
}
