package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/plan"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/retry"
	"github.com/strandsec/strand/runtime/run"
)

// Messages posted to a run actor. External posts travel in an envelope with a
// reply channel; internal posts (worker results, timers) are fire-and-forget.
type (
	envelope struct {
		msg   any
		reply chan error
	}

	resultMsg struct {
		ref     string
		attempt int
		res     component.Result
	}

	retryDueMsg struct{ ref string }

	resumeMsg struct {
		token   string
		payload map[string]any
	}

	cancelMsg struct{ reason string }

	graceMsg struct{}

	lostMsg struct {
		ref     string
		attempt int
	}
)

// nodeState is the actor-local view of one plan action. Only the actor
// goroutine touches it.
type nodeState struct {
	ref           string
	status        run.NodeStatus
	attempt       int
	outputs       component.Values
	waitToken     string
	resumePayload map[string]any
	resumed       bool
	retryPending  bool
	failure       *component.Failure
	firstStart    time.Time
	endedAt       time.Time
}

// actor owns one run. All state transitions for the run happen on its loop
// goroutine; workers report back through the message channel.
type actor struct {
	o       *Orchestrator
	run     *run.Run
	plan    *plan.Plan
	defs    map[string]*registry.Definition
	actions map[string]plan.Action

	msgs chan envelope
	done chan struct{}

	state        map[string]*nodeState
	inFlight     int
	cancels      map[string]context.CancelFunc
	cancelled    bool
	cancelReason string
	failure      *component.Failure
	failedRef    string
}

// newActor resolves the plan's component definitions and builds fresh node
// state. restored, when non-nil, carries state rebuilt from storage during
// recovery.
func (o *Orchestrator) newActor(r *run.Run, restored map[string]*nodeState) (*actor, error) {
	if r.Plan == nil {
		return nil, fmt.Errorf("run %s has no plan", r.ID)
	}
	defs := make(map[string]*registry.Definition)
	actions := make(map[string]plan.Action)
	state := make(map[string]*nodeState)
	for _, act := range r.Plan.Actions {
		def, err := o.deps.Registry.Get(act.ComponentID)
		if err != nil {
			return nil, fmt.Errorf("run %s node %s: %w", r.ID, act.Ref, err)
		}
		defs[act.ComponentID] = def
		actions[act.Ref] = act
		if ns, ok := restored[act.Ref]; ok {
			state[act.Ref] = ns
		} else {
			state[act.Ref] = &nodeState{ref: act.Ref, status: run.NodePending}
		}
	}
	return &actor{
		o:       o,
		run:     r,
		plan:    r.Plan,
		defs:    defs,
		actions: actions,
		msgs:    make(chan envelope, 64),
		done:    make(chan struct{}),
		state:   state,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// post delivers an external message and waits for the actor's reply.
func (a *actor) post(ctx context.Context, msg any) error {
	env := envelope{msg: msg, reply: make(chan error, 1)}
	select {
	case a.msgs <- env:
	case <-a.done:
		return ErrRunNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-a.done:
		select {
		case err := <-env.reply:
			return err
		default:
			return ErrRunNotActive
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync delivers an internal message without blocking actor shutdown.
func (a *actor) postAsync(msg any) {
	select {
	case a.msgs <- envelope{msg: msg}:
	case <-a.done:
	}
}

func (a *actor) loop(ctx context.Context) {
	defer close(a.done)
	if a.run.Status == run.StatusQueued {
		if err := a.o.deps.Runs.UpdateRunStatus(ctx, a.run.ID, run.StatusRunning, "", nil); err != nil {
			a.o.deps.Logger.Error(ctx, "mark run running", "run", a.run.ID, "err", err)
			return
		}
		a.run.Status = run.StatusRunning
		a.o.publish(ctx, event.New(a.run.ID, "", event.KindRunStarted, event.RunStartedPayload{
			WorkflowID:    a.run.WorkflowID,
			PlanSignature: a.run.PlanSignature,
			TriggerKind:   a.run.TriggerKind,
		}))
	}
	for {
		a.pump(ctx)
		if a.settle(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			// Process shutdown. The run stays active in storage; recovery
			// rehydrates it and lost attempts retry under policy.
			return
		case env := <-a.msgs:
			a.handle(ctx, env)
		}
	}
}

// pump dispatches every ready node up to the in-flight bound, in plan order.
func (a *actor) pump(ctx context.Context) {
	if a.cancelled || a.failure != nil {
		return
	}
	for _, act := range a.plan.Actions {
		if a.inFlight >= a.o.cfg.MaxInFlight {
			return
		}
		ns := a.state[act.Ref]
		if ns.status != run.NodePending || ns.retryPending {
			continue
		}
		if !a.upstreamReady(act) {
			continue
		}
		a.dispatch(ctx, ns, act)
	}
}

func (a *actor) upstreamReady(act plan.Action) bool {
	for _, ref := range act.Upstream() {
		if a.state[ref].status != run.NodeSucceeded {
			return false
		}
	}
	return true
}

// settle checks for terminal conditions. Returns true when the actor is done.
func (a *actor) settle(ctx context.Context) bool {
	if a.inFlight > 0 {
		return false
	}
	var pending, suspended bool
	for _, ns := range a.state {
		switch {
		case ns.status == run.NodePending:
			pending = true
		case ns.status == run.NodeSuspended:
			suspended = true
		}
	}
	if a.cancelled {
		if pending || suspended {
			// Cancellation skips these synchronously; reaching here means a
			// message reordered past the cancel. Skip now.
			a.skipRemaining(ctx, "run cancelled")
		}
		a.finalizeCancelled(ctx)
		return true
	}
	if a.failure != nil {
		a.finalizeFailed(ctx)
		return true
	}
	if pending {
		return false // waiting on a retry timer
	}
	if suspended {
		if a.run.Status != run.StatusSuspended {
			if err := a.o.deps.Runs.UpdateRunStatus(ctx, a.run.ID, run.StatusSuspended, "", nil); err != nil {
				a.o.deps.Logger.Error(ctx, "mark run suspended", "run", a.run.ID, "err", err)
			} else {
				a.run.Status = run.StatusSuspended
			}
		}
		return false
	}
	a.finalizeCompleted(ctx)
	return true
}

func (a *actor) handle(ctx context.Context, env envelope) {
	var err error
	switch msg := env.msg.(type) {
	case resultMsg:
		a.handleResult(ctx, msg)
	case retryDueMsg:
		if ns := a.state[msg.ref]; ns != nil {
			ns.retryPending = false
		}
	case resumeMsg:
		err = a.handleResume(ctx, msg)
	case cancelMsg:
		a.handleCancel(ctx, msg.reason)
	case graceMsg:
		a.handleGraceExpired(ctx)
	case lostMsg:
		a.handleLost(ctx, msg)
	}
	if env.reply != nil {
		env.reply <- err
	}
}

func (a *actor) handleResult(ctx context.Context, msg resultMsg) {
	ns := a.state[msg.ref]
	if ns == nil || ns.status != run.NodeRunning || ns.attempt != msg.attempt {
		return // stale result from an abandoned or superseded attempt
	}
	a.inFlight--
	if cancel, ok := a.cancels[msg.ref]; ok {
		cancel()
		delete(a.cancels, msg.ref)
	}
	if a.cancelled {
		kind := component.KindCancel
		if msg.res.Failure != nil && msg.res.Failure.Kind == component.KindCancelTimeout {
			kind = component.KindCancelTimeout
		}
		f := &component.Failure{Kind: kind, Message: "run cancelled: " + a.cancelReason}
		a.recordNodeFailure(ctx, ns, f, false, 0)
		return
	}
	switch {
	case msg.res.Suspend != nil:
		a.handleSuspend(ctx, ns, msg.res.Suspend)
	case msg.res.Failure != nil:
		a.handleFailure(ctx, ns, msg.res.Failure)
	default:
		a.handleSuccess(ctx, ns, msg.res.Output)
	}
}

func (a *actor) handleSuccess(ctx context.Context, ns *nodeState, out component.Values) {
	act := a.actions[ns.ref]
	def := a.defs[act.ComponentID]
	if missing := a.missingOutputs(def, act, out); missing != "" {
		a.handleFailure(ctx, ns, &component.Failure{
			Kind:    component.KindInternal,
			Message: fmt.Sprintf("component %s returned no value for declared output %q", def.ID, missing),
		})
		return
	}
	outDigest, err := a.persistOutputs(ctx, ns.ref, out)
	if err != nil {
		a.handleFailure(ctx, ns, &component.Failure{
			Kind:      component.KindInternal,
			Message:   "persist outputs: " + err.Error(),
			Retryable: true,
			Cause:     err,
		})
		return
	}
	now := time.Now().UTC()
	ns.status = run.NodeSucceeded
	ns.outputs = out
	ns.endedAt = now
	a.upsertNode(ctx, ns, func(ne *run.NodeExecution) {
		ne.Status = run.NodeSucceeded
		ne.EndedAt = &now
		ne.OutputDigest = outDigest
	})
	a.o.publish(ctx, event.New(a.run.ID, ns.ref, event.KindNodeSucceeded, event.NodeSucceededPayload{
		Attempt: ns.attempt,
		Outputs: out,
	}))
	a.o.deps.Metrics.IncCounter("strand.node.succeeded", 1, "component", act.ComponentID)
}

func (a *actor) handleSuspend(ctx context.Context, ns *nodeState, s *component.Suspend) {
	now := time.Now().UTC()
	ns.status = run.NodeSuspended
	ns.waitToken = s.WaitToken
	a.o.indexWaitToken(s.WaitToken, a.run.ID)
	a.upsertNode(ctx, ns, func(ne *run.NodeExecution) {
		ne.Status = run.NodeSuspended
		ne.WaitToken = s.WaitToken
		ne.HeartbeatAt = &now
	})
	a.o.publish(ctx, event.New(a.run.ID, ns.ref, event.KindNodeSuspended, event.NodeSuspendedPayload{
		WaitToken: s.WaitToken,
		Context:   s.Payload,
	}))
}

func (a *actor) handleFailure(ctx context.Context, ns *nodeState, f *component.Failure) {
	act := a.actions[ns.ref]
	def := a.defs[act.ComponentID]
	cfg := retry.FromPolicy(&def.Retry)
	willRetry := retry.ShouldRetry(cfg, &def.Retry, f, ns.attempt) &&
		!a.cancelled && a.failure == nil
	var backoff time.Duration
	if willRetry {
		backoff = retry.Backoff(cfg, ns.attempt)
	}
	a.recordNodeFailure(ctx, ns, f, willRetry, backoff)
	a.o.deps.Metrics.IncCounter("strand.node.failed", 1,
		"component", act.ComponentID, "kind", string(f.Kind))
	if willRetry {
		ns.status = run.NodePending
		ns.retryPending = true
		ns.resumed = false
		ns.resumePayload = nil
		ref := ns.ref
		time.AfterFunc(backoff, func() { a.postAsync(retryDueMsg{ref: ref}) })
		return
	}
	a.failure = f
	a.failedRef = ns.ref
	a.skipRemaining(ctx, "upstream failure")
	a.signalInFlight()
}

// recordNodeFailure persists the failed attempt and emits node.failed.
func (a *actor) recordNodeFailure(ctx context.Context, ns *nodeState, f *component.Failure, willRetry bool, backoff time.Duration) {
	now := time.Now().UTC()
	ns.status = run.NodeFailed
	ns.failure = f
	ns.endedAt = now
	a.upsertNode(ctx, ns, func(ne *run.NodeExecution) {
		ne.Status = run.NodeFailed
		ne.EndedAt = &now
		ne.ErrorKind = f.Kind
		ne.ErrorMessage = f.Message
	})
	a.o.publish(ctx, event.New(a.run.ID, ns.ref, event.KindNodeFailed, event.NodeFailedPayload{
		Kind:          string(f.Kind),
		Message:       f.Message,
		Attempt:       ns.attempt,
		WillRetry:     willRetry,
		BackoffMillis: backoff.Milliseconds(),
	}))
}

func (a *actor) handleResume(ctx context.Context, msg resumeMsg) error {
	for _, ns := range a.state {
		if ns.status != run.NodeSuspended || ns.waitToken != msg.token {
			continue
		}
		a.o.dropWaitToken(msg.token)
		ns.status = run.NodePending
		ns.resumed = true
		ns.resumePayload = msg.payload
		ns.waitToken = ""
		a.o.publish(ctx, event.New(a.run.ID, ns.ref, event.KindNodeResumed, event.NodeResumedPayload{
			WaitToken: msg.token,
		}))
		if a.run.Status == run.StatusSuspended {
			if err := a.o.deps.Runs.UpdateRunStatus(ctx, a.run.ID, run.StatusRunning, "", nil); err == nil {
				a.run.Status = run.StatusRunning
			}
		}
		return nil
	}
	return ErrUnknownWaitToken
}

func (a *actor) handleCancel(ctx context.Context, reason string) {
	if a.cancelled || a.run.Status.Terminal() {
		return
	}
	a.cancelled = true
	a.cancelReason = reason
	now := time.Now().UTC()
	if err := a.o.deps.Runs.UpdateRunStatus(ctx, a.run.ID, run.StatusCancelled, reason, &now); err != nil {
		a.o.deps.Logger.Error(ctx, "mark run cancelled", "run", a.run.ID, "err", err)
	}
	a.run.Status = run.StatusCancelled
	a.skipRemaining(ctx, "run cancelled")
	a.signalInFlight()
	if a.inFlight > 0 {
		grace := a.o.cfg.CancelGrace + 500*time.Millisecond
		time.AfterFunc(grace, func() { a.postAsync(graceMsg{}) })
	}
}

// handleGraceExpired abandons attempts that ignored cancellation.
func (a *actor) handleGraceExpired(ctx context.Context) {
	if !a.cancelled {
		return
	}
	for _, ns := range a.state {
		if ns.status != run.NodeRunning {
			continue
		}
		a.inFlight--
		delete(a.cancels, ns.ref)
		f := &component.Failure{
			Kind:    component.KindCancelTimeout,
			Message: "attempt did not stop within the cancellation grace period",
		}
		// The node leaves running state, so a straggler result posted later
		// is recognized as stale and dropped.
		a.recordNodeFailure(ctx, ns, f, false, 0)
	}
}

func (a *actor) handleLost(ctx context.Context, msg lostMsg) {
	ns := a.state[msg.ref]
	if ns == nil || ns.status != run.NodeRunning || ns.attempt != msg.attempt {
		return
	}
	if cancel, ok := a.cancels[msg.ref]; ok {
		cancel()
		delete(a.cancels, msg.ref)
	}
	a.inFlight--
	a.handleFailure(ctx, ns, &component.Failure{
		Kind:      component.KindLost,
		Message:   "attempt heartbeat went stale",
		Retryable: true,
	})
}

// skipRemaining marks every pending and suspended node skipped and
// invalidates outstanding wait tokens.
func (a *actor) skipRemaining(ctx context.Context, reason string) {
	now := time.Now().UTC()
	for _, act := range a.plan.Actions {
		ns := a.state[act.Ref]
		if ns.status != run.NodePending && ns.status != run.NodeSuspended {
			continue
		}
		if ns.waitToken != "" {
			a.o.dropWaitToken(ns.waitToken)
			ns.waitToken = ""
		}
		ns.status = run.NodeSkipped
		ns.retryPending = false
		ns.endedAt = now
		if ns.attempt > 0 {
			a.upsertNode(ctx, ns, func(ne *run.NodeExecution) {
				ne.Status = run.NodeSkipped
				ne.EndedAt = &now
			})
		}
		a.o.publish(ctx, event.New(a.run.ID, ns.ref, event.KindNodeSkipped, event.NodeSkippedPayload{
			Reason: reason,
		}))
	}
	if err := a.o.deps.Approvals.CancelForRun(ctx, a.run.ID); err != nil {
		a.o.deps.Logger.Error(ctx, "cancel approvals", "run", a.run.ID, "err", err)
	}
}

// signalInFlight requests cooperative cancellation of running attempts.
func (a *actor) signalInFlight() {
	for _, cancel := range a.cancels {
		cancel()
	}
}

func (a *actor) finalizeCompleted(ctx context.Context) {
	now := time.Now().UTC()
	if err := a.o.deps.Runs.UpdateRunStatus(ctx, a.run.ID, run.StatusCompleted, "", &now); err != nil {
		a.o.deps.Logger.Error(ctx, "mark run completed", "run", a.run.ID, "err", err)
	}
	outputs := make(map[string]map[string]any)
	for _, act := range a.plan.Actions {
		if !act.ExposeAsRunOutput {
			continue
		}
		if ns := a.state[act.Ref]; ns.outputs != nil {
			outputs[act.Ref] = ns.outputs
		}
	}
	a.o.publish(ctx, event.New(a.run.ID, "", event.KindRunCompleted, event.RunCompletedPayload{
		Outputs: outputs,
		Summary: a.summary(now),
	}))
	a.o.deps.Metrics.IncCounter("strand.run.completed", 1, "workflow", a.run.WorkflowID)
}

func (a *actor) finalizeFailed(ctx context.Context) {
	now := time.Now().UTC()
	if err := a.o.deps.Runs.UpdateRunStatus(ctx, a.run.ID, run.StatusFailed, a.failure.Message, &now); err != nil {
		a.o.deps.Logger.Error(ctx, "mark run failed", "run", a.run.ID, "err", err)
	}
	a.o.publish(ctx, event.New(a.run.ID, "", event.KindRunFailed, event.RunFailedPayload{
		Kind:    string(a.failure.Kind),
		NodeRef: a.failedRef,
		Message: a.failure.Message,
		Summary: a.summary(now),
	}))
	a.o.deps.Metrics.IncCounter("strand.run.failed", 1,
		"workflow", a.run.WorkflowID, "kind", string(a.failure.Kind))
}

func (a *actor) finalizeCancelled(ctx context.Context) {
	now := time.Now().UTC()
	a.o.publish(ctx, event.New(a.run.ID, "", event.KindRunCancelled, event.RunCancelledPayload{
		Reason:  a.cancelReason,
		Summary: a.summary(now),
	}))
	a.o.deps.Metrics.IncCounter("strand.run.cancelled", 1, "workflow", a.run.WorkflowID)
}

func (a *actor) summary(now time.Time) event.RunSummary {
	nodes := make(map[string]event.NodeSummary, len(a.state))
	for ref, ns := range a.state {
		sum := event.NodeSummary{Status: string(ns.status), Attempts: ns.attempt}
		if !ns.firstStart.IsZero() {
			end := ns.endedAt
			if end.IsZero() {
				end = now
			}
			sum.DurationMillis = end.Sub(ns.firstStart).Milliseconds()
		}
		nodes[ref] = sum
	}
	return event.RunSummary{
		DurationMillis: now.Sub(a.run.StartedAt).Milliseconds(),
		Nodes:          nodes,
	}
}

func (a *actor) missingOutputs(def *registry.Definition, act plan.Action, out component.Values) string {
	_, outs, err := def.EffectivePorts(act.Params)
	if err != nil {
		return ""
	}
	for _, p := range outs {
		if _, ok := out[p.ID]; !ok {
			return p.ID
		}
	}
	return ""
}

// upsertNode writes the attempt record reflecting the node state. mutate
// applies the transition-specific fields.
func (a *actor) upsertNode(ctx context.Context, ns *nodeState, mutate func(*run.NodeExecution)) {
	ne := &run.NodeExecution{
		RunID:   a.run.ID,
		NodeRef: ns.ref,
		Attempt: ns.attempt,
	}
	if !ns.firstStart.IsZero() {
		t := ns.firstStart
		ne.StartedAt = &t
	}
	mutate(ne)
	if err := a.o.deps.Runs.UpsertNodeExecution(ctx, ne); err != nil {
		a.o.deps.Logger.Error(ctx, "upsert node execution",
			"run", a.run.ID, "node", ns.ref, "attempt", ns.attempt, "err", err)
	}
}

// resolveInputs binds the action's input ports from upstream outputs and
// literals. The entrypoint additionally receives the trigger payload fields.
func (a *actor) resolveInputs(act plan.Action) (component.Values, error) {
	inputs := make(component.Values)
	if act.Ref == a.plan.EntrypointRef && len(a.run.TriggerPayload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(a.run.TriggerPayload, &payload); err != nil {
			return nil, fmt.Errorf("decode trigger payload: %w", err)
		}
		for k, v := range payload {
			inputs[k] = v
		}
	}
	for _, b := range act.InputBindings {
		if b.IsLiteral {
			var v any
			if err := json.Unmarshal(b.Literal, &v); err != nil {
				return nil, fmt.Errorf("decode literal for port %s: %w", b.PortID, err)
			}
			inputs[b.PortID] = v
			continue
		}
		src := a.state[b.SourceRef]
		if src == nil || src.status != run.NodeSucceeded {
			return nil, fmt.Errorf("port %s: upstream %s has not succeeded", b.PortID, b.SourceRef)
		}
		inputs[b.PortID] = src.outputs[b.SourcePort]
	}
	return inputs, nil
}
