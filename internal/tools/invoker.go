package tools

import (
	"context"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
)

// Invoker is the single entry point the Agent Loop calls to run a model-
// issued ToolCall, hiding whether it resolves to a built-in or a
// skill-declared subprocess tool (§4.5, §4.7).
type Invoker struct {
	Registry *Registry
	Executor *Executor
	Builtins *BuiltinTools
}

// NewInvoker wires a Registry, Executor, and optional built-in tool set
// into one dispatch point.
func NewInvoker(registry *Registry, executor *Executor, builtins *BuiltinTools) *Invoker {
	return &Invoker{Registry: registry, Executor: executor, Builtins: builtins}
}

// Execute runs call, trying built-ins first, then the skill registry.
func (inv *Invoker) Execute(ctx context.Context, call providers.ToolCall) (*Result, error) {
	if inv.Builtins != nil {
		if res, ok, err := inv.Builtins.Dispatch(call.Name, call.Arguments); ok {
			return res, err
		}
	}
	def, err := inv.Registry.Get(call.Name)
	if err != nil {
		return nil, err
	}
	return inv.Executor.Execute(ctx, def, call.Arguments)
}
