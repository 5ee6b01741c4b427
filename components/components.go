// Package components holds the built-in component catalogue: triggers, core
// utilities (HTTP, transform), human gates, the agent planner, the findings
// sink, and the container-hosted security tools. RegisterAll installs the
// whole set into a registry before it is frozen.
package components

import (
	"time"

	"github.com/strandsec/strand/runtime/approval"
	"github.com/strandsec/strand/runtime/model"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/sink"
)

// Deps are the external services the built-in components close over.
type Deps struct {
	// Approvals backs the approval and form gates.
	Approvals approval.Store
	// Findings receives sink batches.
	Findings sink.Indexer
	// Model is the language model behind the agent component. Nil disables
	// agent registration.
	Model model.Client
	// ApprovalTimeout is the default gate timeout when a node does not set
	// one. Zero means gates wait forever.
	ApprovalTimeout time.Duration
}

// RegisterAll installs every built-in component. Call before Freeze.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	defs := []*registry.Definition{
		ManualTrigger(),
		WebhookTrigger(),
		ScheduleTrigger(),
		HTTPRequest(),
		Transform(),
	}
	if deps.Approvals != nil {
		defs = append(defs, ApprovalGate(deps), FormGate())
	}
	if deps.Findings != nil {
		defs = append(defs, FindingsSink(deps.Findings))
	}
	if deps.Model != nil {
		defs = append(defs, Agent(deps.Model))
	}
	defs = append(defs, SecurityTools()...)
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
