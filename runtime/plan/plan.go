// Package plan compiles a validated workflow graph into an immutable,
// topologically ordered execution plan. Plans are content-addressed: the
// signature is the SHA-256 of the canonical JSON encoding, so identical
// graphs always compile to identical signatures and cached node outputs from
// prior runs can be reused for deterministic components.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type (
	// Binding resolves one effective input port of an action. Exactly one of
	// the two forms is populated: an upstream reference (SourceRef and
	// SourcePort) or a literal captured from the node's params.
	Binding struct {
		// PortID is the input port being bound.
		PortID string `json:"portId"`
		// SourceRef and SourcePort name the upstream action output feeding
		// this port. Empty for literal bindings.
		SourceRef  string `json:"sourceRef,omitempty"`
		SourcePort string `json:"sourcePort,omitempty"`
		// Literal carries the static value for literal bindings. The raw
		// form keeps canonicalization independent of Go map ordering.
		Literal json.RawMessage `json:"literal,omitempty"`
		// IsLiteral distinguishes an explicit null literal from an upstream
		// binding.
		IsLiteral bool `json:"isLiteral,omitempty"`
	}

	// Action is one schedulable node of the plan.
	Action struct {
		// Ref is the node id from the source graph.
		Ref string `json:"ref"`
		// ComponentID names the registry definition to activate.
		ComponentID string `json:"componentId"`
		// Params are the node's static parameters.
		Params map[string]any `json:"params,omitempty"`
		// InputBindings has one entry per effective input port, ordered by
		// port id for determinism.
		InputBindings []Binding `json:"inputBindings,omitempty"`
		// ExposeAsRunOutput includes this action's outputs in the run's
		// terminal result.
		ExposeAsRunOutput bool `json:"exposeAsRunOutput,omitempty"`
	}

	// Plan is the compiled, immutable execution plan for a run.
	Plan struct {
		// WorkflowID names the source workflow.
		WorkflowID string `json:"workflowId,omitempty"`
		// Actions are topologically ordered: every action appears after all
		// of its upstream producers. Ties break by node id.
		Actions []Action `json:"actions"`
		// EntrypointRef is the unique trigger node.
		EntrypointRef string `json:"entrypointRef"`
		// Signature is the SHA-256 content hash of the canonical plan JSON.
		// It is excluded from its own computation.
		Signature string `json:"signature"`
	}
)

// Action returns the action with the given ref, if present.
func (p *Plan) Action(ref string) (Action, bool) {
	for _, a := range p.Actions {
		if a.Ref == ref {
			return a, true
		}
	}
	return Action{}, false
}

// Upstream returns the distinct refs the given action depends on.
func (a Action) Upstream() []string {
	var refs []string
	seen := make(map[string]bool)
	for _, b := range a.InputBindings {
		if b.SourceRef == "" || seen[b.SourceRef] {
			continue
		}
		seen[b.SourceRef] = true
		refs = append(refs, b.SourceRef)
	}
	return refs
}

// computeSignature hashes the canonical JSON of the plan with the signature
// field cleared.
func computeSignature(p *Plan) (string, error) {
	clone := *p
	clone.Signature = ""
	canonical, err := CanonicalJSON(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
