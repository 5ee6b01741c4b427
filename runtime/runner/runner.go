// Package runner defines how the orchestrator executes one node attempt.
// Concrete runners live in the inline and container subpackages; the
// orchestrator picks one by the component definition's runner kind.
package runner

import (
	"context"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

// Runner executes a single activation of a component. Implementations return
// a Result for every outcome the component itself produces; an error return
// is reserved for runner infrastructure faults that should surface as
// internal failures.
type Runner interface {
	Run(ctx context.Context, def *registry.Definition, act component.Activation) (component.Result, error)
}
