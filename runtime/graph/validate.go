package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/strandsec/strand/runtime/registry"
)

// Severity distinguishes blocking errors from advisory warnings.
type Severity string

const (
	// SeverityError blocks compilation.
	SeverityError Severity = "error"
	// SeverityWarning is advisory; compilation proceeds.
	SeverityWarning Severity = "warning"
)

// IssueKind identifies a validation finding category.
type IssueKind string

// Error kinds.
const (
	IssueUnknownComponent     IssueKind = "unknown-component"
	IssueDuplicateNode        IssueKind = "duplicate-node"
	IssueEntrypointCount      IssueKind = "entrypoint-count"
	IssueUnknownPort          IssueKind = "unknown-port"
	IssueUnknownNode          IssueKind = "unknown-node"
	IssueMissingRequiredInput IssueKind = "missing-required-input"
	IssueTypeIncompat         IssueKind = "type-incompat"
	IssueParamInvalid         IssueKind = "param-invalid"
	IssueRawSecret            IssueKind = "raw-secret"
	IssueCycle                IssueKind = "cycle"
)

// Warning kinds.
const (
	IssueOrphanNode            IssueKind = "orphan-node"
	IssueUnreferencedSecret    IssueKind = "unreferenced-secret"
	IssueManualTriggerNoInputs IssueKind = "manual-trigger-no-inputs"
)

type (
	// Issue is one validation finding. Errors block compilation; warnings
	// do not. The validator never fails on user-caused problems: every
	// finding is collected into the report.
	Issue struct {
		Severity Severity  `json:"severity"`
		Kind     IssueKind `json:"kind"`
		NodeID   string    `json:"nodeId,omitempty"`
		EdgeID   string    `json:"edgeId,omitempty"`
		PortID   string    `json:"portId,omitempty"`
		Message  string    `json:"message"`
	}

	// Report aggregates all findings for a graph.
	Report struct {
		Errors   []Issue `json:"errors"`
		Warnings []Issue `json:"warnings"`
	}
)

// Valid reports whether the graph may be compiled.
func (r Report) Valid() bool { return len(r.Errors) == 0 }

func (r *Report) errorf(kind IssueKind, nodeID, portID, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{
		Severity: SeverityError, Kind: kind, NodeID: nodeID, PortID: portID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *Report) warnf(kind IssueKind, nodeID, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{
		Severity: SeverityWarning, Kind: kind, NodeID: nodeID,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate runs every structural, type, and parameter check against the graph
// and returns the aggregated report. It does not short-circuit: a graph with
// ten problems yields ten findings in one pass.
func Validate(g *Graph, reg *registry.Registry) Report {
	var rep Report

	// Node identity and component resolution.
	seen := make(map[string]bool, len(g.Nodes))
	defs := make(map[string]*registry.Definition, len(g.Nodes))
	var triggers []string
	for _, n := range g.Nodes {
		if seen[n.ID] {
			rep.errorf(IssueDuplicateNode, n.ID, "", "duplicate node id %q", n.ID)
			continue
		}
		seen[n.ID] = true
		def, err := reg.Get(n.ComponentRef)
		if err != nil {
			rep.errorf(IssueUnknownComponent, n.ID, "", "unknown component %q", n.ComponentRef)
			continue
		}
		defs[n.ID] = def
		if def.Capabilities.Trigger {
			triggers = append(triggers, n.ID)
		}
	}
	switch len(triggers) {
	case 1:
		// Exactly one entry point.
	case 0:
		rep.errorf(IssueEntrypointCount, "", "", "graph has no entry-point node")
	default:
		sort.Strings(triggers)
		rep.errorf(IssueEntrypointCount, "", "", "graph has %d entry-point nodes: %v", len(triggers), triggers)
	}

	// Effective ports per node. Dynamic-port failures degrade to the static
	// declaration so downstream checks still run.
	inPorts := make(map[string]map[string]registry.PortSpec, len(defs))
	outPorts := make(map[string]map[string]registry.PortSpec, len(defs))
	for _, n := range g.Nodes {
		def, ok := defs[n.ID]
		if !ok {
			continue
		}
		ins, outs, err := def.EffectivePorts(n.Params)
		if err != nil {
			rep.errorf(IssueParamInvalid, n.ID, "", "resolve ports: %v", err)
			ins, outs = def.Inputs, def.Outputs
		}
		inPorts[n.ID] = indexPorts(ins)
		outPorts[n.ID] = indexPorts(outs)
	}

	// Edge endpoints, handles, and type compatibility.
	boundInputs := make(map[string]map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		srcDef, srcOK := defs[e.Source]
		if _, exists := seen[e.Source]; !exists {
			rep.errorf(IssueUnknownNode, e.Source, "", "edge %q source names unknown node %q", e.ID, e.Source)
			srcOK = false
		}
		dstDef, dstOK := defs[e.Target]
		if _, exists := seen[e.Target]; !exists {
			rep.errorf(IssueUnknownNode, e.Target, "", "edge %q target names unknown node %q", e.ID, e.Target)
			dstOK = false
		}
		if !srcOK || !dstOK {
			continue
		}
		srcPort, ok := resolveHandle(outPorts[e.Source], e.SourceHandle, srcDef.Outputs)
		if !ok {
			rep.errorf(IssueUnknownPort, e.Source, e.SourceHandle,
				"edge %q source handle %q is not an output port of %s", e.ID, e.SourceHandle, srcDef.ID)
			continue
		}
		dstPort, ok := resolveHandle(inPorts[e.Target], e.TargetHandle, dstDef.Inputs)
		if !ok {
			rep.errorf(IssueUnknownPort, e.Target, e.TargetHandle,
				"edge %q target handle %q is not an input port of %s", e.ID, e.TargetHandle, dstDef.ID)
			continue
		}
		if !srcPort.AllowAny && !dstPort.AllowAny && !registry.Compatible(srcPort.Type, dstPort.Type) {
			rep.Errors = append(rep.Errors, Issue{
				Severity: SeverityError, Kind: IssueTypeIncompat,
				NodeID: e.Target, EdgeID: e.ID, PortID: dstPort.ID,
				Message: fmt.Sprintf("edge %q: %s.%s (%s) is not compatible with %s.%s (%s)",
					e.ID, e.Source, srcPort.ID, srcPort.Type, e.Target, dstPort.ID, dstPort.Type),
			})
			continue
		}
		if boundInputs[e.Target] == nil {
			boundInputs[e.Target] = make(map[string]bool)
		}
		boundInputs[e.Target][dstPort.ID] = true
	}

	// Required inputs, parameters, and secrets per node.
	for _, n := range g.Nodes {
		def, ok := defs[n.ID]
		if !ok {
			continue
		}
		for _, p := range inPorts[n.ID] {
			if !p.Required {
				continue
			}
			if boundInputs[n.ID][p.ID] {
				continue
			}
			if _, literal := n.Params[p.ID]; literal {
				continue
			}
			rep.errorf(IssueMissingRequiredInput, n.ID, p.ID,
				"required input %q of %s has no connected edge and no literal", p.ID, def.ID)
		}
		validateParams(&rep, n, def)
	}

	// Cycle detection over the directed graph.
	if cyc := findCycle(g, seen); len(cyc) > 0 {
		rep.errorf(IssueCycle, cyc[0], "", "graph contains a cycle: %v", cyc)
	}

	// Warnings.
	for _, n := range g.Nodes {
		def, ok := defs[n.ID]
		if !ok {
			continue
		}
		if len(g.InboundEdges(n.ID)) == 0 && len(g.OutboundEdges(n.ID)) == 0 && !def.Capabilities.Trigger {
			rep.warnf(IssueOrphanNode, n.ID, "node %q has no inbound or outbound connection", n.ID)
		}
		if def.Capabilities.Trigger && def.ID == "trigger.manual" && len(n.Params) == 0 {
			rep.warnf(IssueManualTriggerNoInputs, n.ID, "manual trigger declares no runtime inputs")
		}
	}
	return rep
}

// validateParams checks supplied params against the declared schema and runs
// the raw-credential heuristic on secret-typed params.
func validateParams(rep *Report, n Node, def *registry.Definition) {
	for _, spec := range def.Params {
		v, ok := n.Params[spec.ID]
		if !ok {
			if spec.Required && spec.Default == nil {
				rep.errorf(IssueParamInvalid, n.ID, "", "missing required parameter %q", spec.ID)
			}
			continue
		}
		if spec.Secret {
			if s, isStr := v.(string); isStr && LooksLikeRawSecret(s) {
				rep.errorf(IssueRawSecret, n.ID, "",
					"parameter %q appears to hold a raw credential; reference a stored secret instead", spec.ID)
			}
		}
	}
	if len(def.ParamSchema) == 0 {
		return
	}
	schema, err := compileSchema(def.ParamSchema)
	if err != nil {
		// Schema defects are configuration errors on the definition, not
		// the graph; still surface them so the author is not left guessing.
		rep.errorf(IssueParamInvalid, n.ID, "", "component %s param schema: %v", def.ID, err)
		return
	}
	params := n.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(params)); err != nil {
		rep.errorf(IssueParamInvalid, n.ID, "", "parameters rejected by %s schema: %v", def.ID, err)
	}
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// normalizeForSchema round-trips a value through JSON so the validator sees
// the same shapes it would on the wire (json.Number-free, map[string]any).
func normalizeForSchema(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func indexPorts(ports []registry.PortSpec) map[string]registry.PortSpec {
	m := make(map[string]registry.PortSpec, len(ports))
	for _, p := range ports {
		m[p.ID] = p
	}
	return m
}

// resolveHandle maps an edge handle to a port. An empty handle binds to the
// first declared port, matching editor behavior for single-port components.
func resolveHandle(ports map[string]registry.PortSpec, handle string, declared []registry.PortSpec) (registry.PortSpec, bool) {
	if handle == "" {
		if len(declared) == 0 {
			return registry.PortSpec{}, false
		}
		p, ok := ports[declared[0].ID]
		if !ok {
			return declared[0], true
		}
		return p, true
	}
	p, ok := ports[handle]
	return p, ok
}

// findCycle returns a node sequence forming a cycle, or nil. Standard
// three-color depth-first search over edges between known nodes.
func findCycle(g *Graph, known map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if known[e.Source] && known[e.Target] {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}
	var stack []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				// Found: slice the stack from the first occurrence.
				for i, s := range stack {
					if s == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
				cycle = []string{next}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}
