package components

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

// Transform evaluates a pure expression over the node's inputs. The
// expression language is expr-lang; input port values are available by name
// under "inputs" and node params under "params". Deterministic, so its
// outputs are eligible for cached reuse.
func Transform() *registry.Definition {
	return &registry.Definition{
		ID:          "core.transform",
		Version:     "1.0.0",
		Description: "Evaluates an expression over the node inputs and emits the result.",
		Inputs: []registry.PortSpec{
			{ID: "value", Type: registry.JSON(), AllowAny: true},
		},
		Outputs: []registry.PortSpec{
			{ID: "result", Type: registry.JSON()},
		},
		Params: []registry.ParamSpec{
			{ID: "expression", Label: "Expression", Required: true},
		},
		Runner:        registry.Runner{Kind: registry.RunInline},
		Deterministic: true,
		Execute:       executeTransform,
	}
}

func executeTransform(_ context.Context, act component.Activation) component.Result {
	src, _ := act.Params["expression"].(string)
	if src == "" {
		return component.Fail(component.KindConfiguration, "transform has no expression")
	}
	env := map[string]any{
		"inputs": map[string]any(act.Inputs),
		"params": act.Params,
	}
	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return component.FailErr(component.KindConfiguration, fmt.Sprintf("compile expression: %v", err), err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return component.FailErr(component.KindValidation, fmt.Sprintf("evaluate expression: %v", err), err)
	}
	return component.Succeed(component.Values{"result": result})
}
