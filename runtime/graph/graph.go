// Package graph defines the user-authored workflow graph model and its
// validator. Nodes and edges live in indexed collections and refer to each
// other by stable id; nothing in this package holds pointer cycles.
package graph

type (
	// Workflow is a named, versioned graph owned by a tenant.
	Workflow struct {
		ID          string `json:"id"`
		TenantID    string `json:"tenantId,omitempty"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Version     int    `json:"version"`
		Graph       Graph  `json:"graph"`
	}

	// Graph is the authored node/edge set plus editor viewport state. The
	// viewport is opaque to the engine and round-tripped for the editor.
	Graph struct {
		Nodes    []Node   `json:"nodes"`
		Edges    []Edge   `json:"edges"`
		Viewport Viewport `json:"viewport,omitempty"`
	}

	// Node is one placed component instance.
	Node struct {
		// ID is unique within the graph and stable across edits.
		ID string `json:"id"`
		// ComponentRef names a registry definition.
		ComponentRef string `json:"componentRef"`
		// Params configure the component. Literal input-port values are
		// also supplied here, keyed by port id.
		Params map[string]any `json:"params,omitempty"`
		// Position is editor state, opaque to the engine.
		Position XY `json:"position,omitempty"`
		// ExposeAsRunOutput includes this node's outputs in the run's
		// terminal result event.
		ExposeAsRunOutput bool `json:"exposeAsRunOutput,omitempty"`
	}

	// Edge connects a source node output port to a target node input port.
	// Empty handles refer to the component's first declared port.
	Edge struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle,omitempty"`
		TargetHandle string `json:"targetHandle,omitempty"`
	}

	// XY is an editor coordinate.
	XY struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Viewport is the editor camera state.
	Viewport struct {
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		Zoom float64 `json:"zoom"`
	}
)

// NodeByID returns the node with the given id, if present.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// InboundEdges returns the edges targeting the given node, in declaration
// order.
func (g *Graph) InboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutboundEdges returns the edges originating at the given node, in
// declaration order.
func (g *Graph) OutboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
