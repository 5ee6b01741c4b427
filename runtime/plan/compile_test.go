package plan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/plan"
	"github.com/strandsec/strand/runtime/registry"
)

func succeed(context.Context, component.Activation) component.Result {
	return component.Succeed(nil)
}

func compileRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	defs := []*registry.Definition{
		{
			ID:           "test.trigger",
			Version:      "1.0.0",
			Outputs:      []registry.PortSpec{{ID: "payload", Type: registry.JSON()}},
			Capabilities: registry.Capabilities{Trigger: true},
			Runner:       registry.Runner{Kind: registry.RunInline},
			Execute:      succeed,
		},
		{
			ID:      "test.echo",
			Version: "1.0.0",
			Inputs:  []registry.PortSpec{{ID: "in", Type: registry.JSON(), Required: true}},
			Outputs: []registry.PortSpec{{ID: "out", Type: registry.JSON()}},
			Runner:  registry.Runner{Kind: registry.RunInline},
			Execute: succeed,
		},
		{
			ID:      "test.join",
			Version: "1.0.0",
			Inputs: []registry.PortSpec{
				{ID: "left", Type: registry.JSON(), Required: true},
				{ID: "right", Type: registry.JSON(), Required: true},
			},
			Outputs: []registry.PortSpec{{ID: "out", Type: registry.JSON()}},
			Runner:  registry.Runner{Kind: registry.RunInline},
			Execute: succeed,
		},
		{
			ID:      "test.dynamic",
			Version: "1.0.0",
			Runner:  registry.Runner{Kind: registry.RunInline},
			Execute: succeed,
			ResolvePorts: func(params map[string]any) ([]registry.PortSpec, []registry.PortSpec, error) {
				var ins []registry.PortSpec
				if v, ok := params["port"].(string); ok {
					ins = append(ins, registry.PortSpec{ID: v, Type: registry.JSON(), Required: true})
				}
				return ins, []registry.PortSpec{{ID: "out", Type: registry.JSON()}}, nil
			},
		},
	}
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	reg.Freeze()
	return reg
}

func diamond() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "merge", ComponentRef: "test.join"},
			{ID: "right", ComponentRef: "test.echo"},
			{ID: "left", ComponentRef: "test.echo"},
			{ID: "start", ComponentRef: "test.trigger"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "start", Target: "left", SourceHandle: "payload", TargetHandle: "in"},
			{ID: "e2", Source: "start", Target: "right", SourceHandle: "payload", TargetHandle: "in"},
			{ID: "e3", Source: "left", Target: "merge", SourceHandle: "out", TargetHandle: "left"},
			{ID: "e4", Source: "right", Target: "merge", SourceHandle: "out", TargetHandle: "right"},
		},
	}
}

func TestCompileTopologicalOrder(t *testing.T) {
	p, err := plan.Compile(diamond(), compileRegistry(t))
	require.NoError(t, err)

	refs := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		refs = append(refs, a.Ref)
	}
	// Producers first, ties broken lexicographically.
	assert.Equal(t, []string{"start", "left", "right", "merge"}, refs)
	assert.Equal(t, "start", p.EntrypointRef)
}

func TestCompileBindings(t *testing.T) {
	p, err := plan.Compile(diamond(), compileRegistry(t))
	require.NoError(t, err)

	merge, ok := p.Action("merge")
	require.True(t, ok)
	require.Len(t, merge.InputBindings, 2)
	// Bindings sort by port id.
	assert.Equal(t, "left", merge.InputBindings[0].PortID)
	assert.Equal(t, "left", merge.InputBindings[0].SourceRef)
	assert.Equal(t, "out", merge.InputBindings[0].SourcePort)
	assert.Equal(t, "right", merge.InputBindings[1].PortID)
	assert.ElementsMatch(t, []string{"left", "right"}, merge.Upstream())
}

func TestCompileLiteralBinding(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "start", ComponentRef: "test.trigger"},
			{ID: "step", ComponentRef: "test.echo", Params: map[string]any{"in": map[string]any{"b": 2, "a": 1}}},
		},
	}
	p, err := plan.Compile(g, compileRegistry(t))
	require.NoError(t, err)

	step, ok := p.Action("step")
	require.True(t, ok)
	require.Len(t, step.InputBindings, 1)
	b := step.InputBindings[0]
	assert.True(t, b.IsLiteral)
	assert.Empty(t, b.SourceRef)
	assert.Equal(t, `{"a":1,"b":2}`, string(b.Literal), "literals are stored canonically")
}

func TestCompileRejectsDoubleBinding(t *testing.T) {
	g := diamond()
	g.Nodes[0].Params = map[string]any{"left": "literal-too"}
	_, err := plan.Compile(g, compileRegistry(t))
	require.Error(t, err)
	var cerr *plan.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "merge", cerr.NodeRef)
	assert.Equal(t, "left", cerr.PortID)
}

func TestCompileRejectsCompetingEdges(t *testing.T) {
	g := diamond()
	g.Edges = append(g.Edges, graph.Edge{ID: "e5", Source: "right", Target: "merge", SourceHandle: "out", TargetHandle: "left"})
	_, err := plan.Compile(g, compileRegistry(t))
	require.Error(t, err)
}

func TestCompileRejectsMissingRequiredInput(t *testing.T) {
	g := diamond()
	g.Edges = g.Edges[:3] // drop e4, merge.right unbound
	_, err := plan.Compile(g, compileRegistry(t))
	var cerr *plan.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "right", cerr.PortID)
}

func TestCompileRejectsCycle(t *testing.T) {
	g := diamond()
	g.Edges = append(g.Edges, graph.Edge{ID: "e5", Source: "merge", Target: "left", SourceHandle: "out", TargetHandle: "in"})
	_, err := plan.Compile(g, compileRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileRejectsMissingEntrypoint(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{{ID: "step", ComponentRef: "test.echo", Params: map[string]any{"in": 1}}},
	}
	_, err := plan.Compile(g, compileRegistry(t))
	require.Error(t, err)
}

func TestCompileDynamicPorts(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "start", ComponentRef: "test.trigger"},
			{ID: "dyn", ComponentRef: "test.dynamic", Params: map[string]any{"port": "target"}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "start", Target: "dyn", SourceHandle: "payload", TargetHandle: "target"},
		},
	}
	p, err := plan.Compile(g, compileRegistry(t))
	require.NoError(t, err)
	dyn, ok := p.Action("dyn")
	require.True(t, ok)
	require.Len(t, dyn.InputBindings, 1)
	assert.Equal(t, "target", dyn.InputBindings[0].PortID)
}

func TestCompileSignatureStableUnderDeclarationOrder(t *testing.T) {
	reg := compileRegistry(t)
	a, err := plan.Compile(diamond(), reg)
	require.NoError(t, err)

	shuffled := diamond()
	shuffled.Nodes[0], shuffled.Nodes[3] = shuffled.Nodes[3], shuffled.Nodes[0]
	shuffled.Edges[0], shuffled.Edges[2] = shuffled.Edges[2], shuffled.Edges[0]
	b, err := plan.Compile(shuffled, reg)
	require.NoError(t, err)

	require.NotEmpty(t, a.Signature)
	assert.Equal(t, a.Signature, b.Signature)
	assert.Equal(t, a.Actions, b.Actions)
}

func TestCompileSignatureChangesWithParams(t *testing.T) {
	reg := compileRegistry(t)
	a, err := plan.Compile(diamond(), reg)
	require.NoError(t, err)

	g := diamond()
	g.Nodes[1].Params = map[string]any{"note": "changed"}
	b, err := plan.Compile(g, reg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature, b.Signature)
}

func TestCompileIgnoresViewport(t *testing.T) {
	reg := compileRegistry(t)
	a, err := plan.Compile(diamond(), reg)
	require.NoError(t, err)

	g := diamond()
	g.Viewport = graph.Viewport{X: 120, Y: -14, Zoom: 0.8}
	g.Nodes[2].Position = graph.XY{X: 400, Y: 300}
	b, err := plan.Compile(g, reg)
	require.NoError(t, err)
	assert.Equal(t, a.Signature, b.Signature)
}
