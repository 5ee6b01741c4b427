package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/strandsec/strand/runtime/artifact"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/plan"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/run"
)

// inputsPort is the reserved attachment port holding a node's combined bound
// inputs. The leading $ keeps it out of the component port namespace.
const inputsPort = "$inputs"

// dispatch activates one node. Runs on the actor goroutine; the activation
// itself runs on a worker goroutine that reports back via resultMsg.
func (a *actor) dispatch(ctx context.Context, ns *nodeState, act plan.Action) {
	def := a.defs[act.ComponentID]
	resumed := ns.resumed
	ns.resumed = false
	if !resumed {
		ns.attempt++
	}
	now := time.Now().UTC()
	if ns.firstStart.IsZero() {
		ns.firstStart = now
	}
	ns.status = run.NodeRunning
	a.inFlight++

	inputs, err := a.resolveInputs(act)
	if err != nil {
		a.inFlight--
		a.handleFailure(ctx, ns, &component.Failure{
			Kind:    component.KindInternal,
			Message: "resolve inputs: " + err.Error(),
			Cause:   err,
		})
		return
	}

	inDigest, err := a.persistInputs(ctx, ns.ref, ns.attempt, resumed, inputs)
	if err != nil {
		a.inFlight--
		a.handleFailure(ctx, ns, &component.Failure{
			Kind:      component.KindInternal,
			Message:   "persist inputs: " + err.Error(),
			Retryable: true,
			Cause:     err,
		})
		return
	}

	a.upsertNode(ctx, ns, func(ne *run.NodeExecution) {
		ne.Status = run.NodeRunning
		ne.HeartbeatAt = &now
		ne.InputDigest = inDigest
	})
	if !resumed {
		a.o.publish(ctx, event.New(a.run.ID, ns.ref, event.KindNodeStarted, event.NodeStartedPayload{
			ComponentID: act.ComponentID,
			Attempt:     ns.attempt,
		}))
	}

	actx, cancel := context.WithCancel(ctx)
	a.cancels[ns.ref] = cancel

	activation := component.Activation{
		RunID:          a.run.ID,
		WorkflowID:     a.run.WorkflowID,
		NodeRef:        ns.ref,
		TenantID:       a.run.TenantID,
		Attempt:        ns.attempt,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", a.run.ID, ns.ref, ns.attempt),
		Params:         act.Params,
		Inputs:         inputs,
		ResumePayload:  ns.resumePayload,
		Log:            &nodeLogger{o: a.o, runID: a.run.ID, nodeRef: ns.ref},
		HTTP:           a.o.deps.HTTP,
	}
	ns.resumePayload = nil
	if def.Timeout > 0 {
		activation.Deadline = now.Add(def.Timeout)
	}

	ref, attempt := ns.ref, ns.attempt
	go a.execute(actx, def, act, activation, ref, attempt)
}

// execute runs on a worker goroutine: opens the tool session when needed,
// keeps the heartbeat fresh, invokes the runner, and posts the result.
func (a *actor) execute(ctx context.Context, def *registry.Definition, act plan.Action, activation component.Activation, ref string, attempt int) {
	hbCtx, hbStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hbStop()
	go a.heartbeat(hbCtx, ref, attempt)

	if def.Capabilities.ToolMode && a.o.deps.Tools != nil {
		sess, err := a.o.deps.Tools.Open(ctx, ToolSessionSpec{
			RunID:    a.run.ID,
			NodeRef:  ref,
			TenantID: a.run.TenantID,
			Attempt:  attempt,
			Targets:  a.toolTargets(ref),
		})
		if err != nil {
			a.postAsync(resultMsg{ref: ref, attempt: attempt, res: component.FailErr(
				component.KindInternal, "open tool session: "+err.Error(), err)})
			return
		}
		activation.Tools = sess.Port()
		defer func() {
			closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer done()
			if err := sess.Close(closeCtx); err != nil {
				a.o.deps.Logger.Warn(closeCtx, "close tool session",
					"run", a.run.ID, "node", ref, "err", err)
			}
		}()
	}

	rn, ok := a.o.deps.Runners[def.Runner.Kind]
	if !ok {
		a.postAsync(resultMsg{ref: ref, attempt: attempt, res: component.Fail(
			component.KindConfiguration,
			fmt.Sprintf("no runner registered for kind %q", def.Runner.Kind))})
		return
	}

	start := time.Now()
	res, err := rn.Run(ctx, def, activation)
	a.o.deps.Metrics.RecordTimer("strand.node.duration", time.Since(start),
		"component", def.ID)
	if err != nil {
		res = component.FailErr(component.KindInternal, "runner: "+err.Error(), err)
	}
	a.postAsync(resultMsg{ref: ref, attempt: attempt, res: res})
}

// heartbeat stamps attempt liveness until the worker finishes.
func (a *actor) heartbeat(ctx context.Context, ref string, attempt int) {
	ticker := time.NewTicker(a.o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := a.o.deps.Runs.Heartbeat(ctx, a.run.ID, ref, attempt, now.UTC()); err != nil {
				a.o.deps.Logger.Warn(ctx, "heartbeat", "run", a.run.ID, "node", ref, "err", err)
			}
		}
	}
}

// toolTargets derives the session scope from the agent's plan neighborhood:
// container-hosted components directly connected to the agent in either
// direction.
func (a *actor) toolTargets(agentRef string) []ToolTarget {
	var targets []ToolTarget
	seen := make(map[string]bool)
	add := func(ref string) {
		if ref == agentRef || seen[ref] {
			return
		}
		act, ok := a.actions[ref]
		if !ok {
			return
		}
		def := a.defs[act.ComponentID]
		if def.Runner.Kind != registry.RunContainer {
			return
		}
		seen[ref] = true
		targets = append(targets, ToolTarget{
			NodeRef:      ref,
			ComponentID:  act.ComponentID,
			NonReentrant: def.Runner.NonReentrant,
		})
	}
	agent := a.actions[agentRef]
	for _, up := range agent.Upstream() {
		add(up)
	}
	for _, act := range a.plan.Actions {
		for _, up := range act.Upstream() {
			if up == agentRef {
				add(act.Ref)
			}
		}
	}
	return targets
}

// persistInputs stores the combined bound inputs as a content-addressed
// artifact and attaches it once per node.
func (a *actor) persistInputs(ctx context.Context, ref string, attempt int, resumed bool, inputs component.Values) (artifact.Digest, error) {
	raw, err := plan.CanonicalJSON(inputs)
	if err != nil {
		return "", err
	}
	d, err := a.o.deps.Artifacts.Put(ctx, raw, "application/json")
	if err != nil {
		return "", err
	}
	if attempt == 1 && !resumed {
		if err := a.o.deps.Artifacts.Attach(ctx, a.run.ID, ref, inputsPort, d); err != nil {
			return "", err
		}
	}
	return d, nil
}

// persistOutputs attaches each output port value and returns the digest of
// the combined output object.
func (a *actor) persistOutputs(ctx context.Context, ref string, out component.Values) (artifact.Digest, error) {
	for _, portID := range sortedKeys(out) {
		raw, err := plan.CanonicalJSON(out[portID])
		if err != nil {
			return "", fmt.Errorf("encode output %s: %w", portID, err)
		}
		d, err := a.o.deps.Artifacts.Put(ctx, raw, "application/json")
		if err != nil {
			return "", err
		}
		if err := a.o.deps.Artifacts.Attach(ctx, a.run.ID, ref, portID, d); err != nil {
			return "", err
		}
	}
	combined, err := plan.CanonicalJSON(out)
	if err != nil {
		return "", err
	}
	return a.o.deps.Artifacts.Put(ctx, combined, "application/json")
}

func sortedKeys(m component.Values) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// nodeLogger feeds component log lines and progress markers into the run's
// event stream.
type nodeLogger struct {
	o       *Orchestrator
	runID   string
	nodeRef string
}

// Logf appends a node.logged event.
func (l *nodeLogger) Logf(ctx context.Context, format string, args ...any) {
	l.o.publish(ctx, event.New(l.runID, l.nodeRef, event.KindNodeLogged, event.NodeLoggedPayload{
		Message: fmt.Sprintf(format, args...),
	}))
}

// Progress appends a node.progress event.
func (l *nodeLogger) Progress(ctx context.Context, message string, data map[string]any) {
	l.o.publish(ctx, event.New(l.runID, l.nodeRef, event.KindNodeProgress, event.NodeProgressPayload{
		Message: message,
		Data:    data,
	}))
}
