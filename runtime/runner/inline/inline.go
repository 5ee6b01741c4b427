// Package inline executes components in-process on the orchestrator's worker
// pool. The runner owns the per-activation deadline and converts panics and
// timeouts into the failure taxonomy so a misbehaving component can never
// take down the process or wedge a run.
package inline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/telemetry"
)

// DefaultTimeout bounds activations of components that declare no timeout.
const DefaultTimeout = 5 * time.Minute

// Runner executes inline components.
type Runner struct {
	logger telemetry.Logger
}

// New returns an inline runner.
func New(logger telemetry.Logger) *Runner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner{logger: logger}
}

// Run invokes the component's execute function under the activation deadline.
// A deadline already present on the activation (per-run override) wins over
// the component's declared timeout.
func (r *Runner) Run(ctx context.Context, def *registry.Definition, act component.Activation) (component.Result, error) {
	if def.Execute == nil {
		return component.Fail(component.KindConfiguration,
			fmt.Sprintf("component %s has no inline execute function", def.ID)), nil
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !act.Deadline.IsZero() {
		if until := time.Until(act.Deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return component.Fail(component.KindTimeout,
			fmt.Sprintf("component %s: deadline already passed", def.ID)), nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan component.Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error(ctx, "inline component panicked",
					"component", def.ID, "node", act.NodeRef, "panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				done <- component.Fail(component.KindInternal,
					fmt.Sprintf("component %s panicked: %v", def.ID, rec))
			}
		}()
		done <- def.Execute(ctx, act)
	}()

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return component.Fail(component.KindTimeout,
				fmt.Sprintf("component %s exceeded %v timeout", def.ID, timeout)), nil
		}
		// Canceled. Give the component a short grace to return; if it does
		// not, the attempt is abandoned as cancel-timeout.
		select {
		case res := <-done:
			return res, nil
		case <-time.After(5 * time.Second):
			return component.Fail(component.KindCancelTimeout,
				fmt.Sprintf("component %s did not stop within 5s of cancellation", def.ID)), nil
		}
	}
}
