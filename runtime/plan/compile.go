package plan

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/registry"
)

// Error describes a compilation failure. Compilation only fails on problems
// the validator cannot see (dynamic port resolution, binding ambiguity);
// graphs should be validated first.
type Error struct {
	NodeRef string
	PortID  string
	Reason  string
}

func (e *Error) Error() string {
	msg := "compile"
	if e.NodeRef != "" {
		msg += " node " + e.NodeRef
	}
	if e.PortID != "" {
		msg += " port " + e.PortID
	}
	return msg + ": " + e.Reason
}

// Compile transforms a validated graph into an execution plan:
//
//  1. Dynamic ports are resolved from params via the component's pure
//     ResolvePorts function.
//  2. Nodes are topologically ordered (Kahn); ties break by node id so
//     identical graphs always yield identical plans.
//  3. Each effective input port binds to exactly one of a literal param or a
//     single inbound edge. Both, or neither on a required port, fail.
//  4. The plan signature is the SHA-256 of the canonical plan JSON.
func Compile(g *graph.Graph, reg *registry.Registry) (*Plan, error) {
	defs := make(map[string]*registry.Definition, len(g.Nodes))
	var entry string
	for _, n := range g.Nodes {
		def, err := reg.Get(n.ComponentRef)
		if err != nil {
			return nil, &Error{NodeRef: n.ID, Reason: err.Error()}
		}
		defs[n.ID] = def
		if def.Capabilities.Trigger {
			if entry != "" {
				return nil, &Error{NodeRef: n.ID, Reason: "multiple entry-point nodes"}
			}
			entry = n.ID
		}
	}
	if entry == "" {
		return nil, &Error{Reason: "no entry-point node"}
	}

	order, err := topoOrder(g)
	if err != nil {
		return nil, err
	}

	actions := make([]Action, 0, len(order))
	for _, id := range order {
		n, _ := g.NodeByID(id)
		def := defs[id]
		ins, _, rerr := def.EffectivePorts(n.Params)
		if rerr != nil {
			return nil, &Error{NodeRef: id, Reason: fmt.Sprintf("resolve ports: %v", rerr)}
		}
		bindings, berr := bindInputs(g, n, ins, defs)
		if berr != nil {
			return nil, berr
		}
		actions = append(actions, Action{
			Ref:               n.ID,
			ComponentID:       def.ID,
			Params:            n.Params,
			InputBindings:     bindings,
			ExposeAsRunOutput: n.ExposeAsRunOutput,
		})
	}

	p := &Plan{Actions: actions, EntrypointRef: entry}
	sig, err := computeSignature(p)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("signature: %v", err)}
	}
	p.Signature = sig
	return p, nil
}

// bindInputs produces one binding per effective input port, sorted by port id.
func bindInputs(g *graph.Graph, n graph.Node, ins []registry.PortSpec, defs map[string]*registry.Definition) ([]Binding, error) {
	inbound := make(map[string][]graph.Edge)
	for _, e := range g.InboundEdges(n.ID) {
		handle := e.TargetHandle
		if handle == "" && len(ins) > 0 {
			handle = ins[0].ID
		}
		inbound[handle] = append(inbound[handle], e)
	}
	sorted := append([]registry.PortSpec(nil), ins...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var bindings []Binding
	for _, p := range sorted {
		edges := inbound[p.ID]
		literal, hasLiteral := n.Params[p.ID]
		switch {
		case len(edges) > 1:
			return nil, &Error{NodeRef: n.ID, PortID: p.ID,
				Reason: fmt.Sprintf("%d edges bind the same input port", len(edges))}
		case len(edges) == 1 && hasLiteral:
			return nil, &Error{NodeRef: n.ID, PortID: p.ID,
				Reason: "port is bound by both an edge and a literal parameter"}
		case len(edges) == 1:
			e := edges[0]
			srcHandle := e.SourceHandle
			if srcHandle == "" {
				srcNode, _ := g.NodeByID(e.Source)
				srcHandle = firstOutputPort(srcNode, defs[e.Source])
				if srcHandle == "" {
					return nil, &Error{NodeRef: n.ID, PortID: p.ID,
						Reason: fmt.Sprintf("edge %q source %q declares no output ports", e.ID, e.Source)}
				}
			}
			bindings = append(bindings, Binding{PortID: p.ID, SourceRef: e.Source, SourcePort: srcHandle})
		case hasLiteral:
			raw, err := CanonicalJSON(literal)
			if err != nil {
				return nil, &Error{NodeRef: n.ID, PortID: p.ID, Reason: fmt.Sprintf("literal: %v", err)}
			}
			bindings = append(bindings, Binding{PortID: p.ID, Literal: json.RawMessage(raw), IsLiteral: true})
		case p.Required:
			return nil, &Error{NodeRef: n.ID, PortID: p.ID,
				Reason: "required input has neither an edge nor a literal"}
		}
	}
	return bindings, nil
}

// firstOutputPort returns the first effective output port id of the edge's
// source node. Used when an edge omits its source handle.
func firstOutputPort(n graph.Node, def *registry.Definition) string {
	if def == nil {
		return ""
	}
	_, outs, err := def.EffectivePorts(n.Params)
	if err != nil || len(outs) == 0 {
		return ""
	}
	return outs[0].ID
}

// topoOrder returns node ids in deterministic topological order: Kahn's
// algorithm with the ready set kept sorted lexicographically.
func topoOrder(g *graph.Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string)
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		if _, ok := indegree[e.Source]; !ok {
			continue
		}
		if _, ok := indegree[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		indegree[e.Target]++
	}
	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, &Error{Reason: "graph contains a cycle"}
	}
	return order, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
