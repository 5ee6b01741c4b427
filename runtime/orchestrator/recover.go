package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/retry"
	"github.com/strandsec/strand/runtime/run"
)

// recover rehydrates every non-terminal run from storage and restarts its
// actor. Attempts that were running when the previous process died carry no
// live worker; they are reported lost and retried under the component's
// policy.
func (o *Orchestrator) recover(ctx context.Context) error {
	active, err := o.deps.Runs.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range active {
		restored, lost, err := o.restoreState(ctx, r)
		if err != nil {
			o.deps.Logger.Error(ctx, "restore run state", "run", r.ID, "err", err)
			continue
		}
		a, err := o.newActor(r, restored)
		if err != nil {
			o.deps.Logger.Error(ctx, "rebuild run actor", "run", r.ID, "err", err)
			continue
		}
		// Attempts that failed right before the crash never had their retry
		// decided. Replay the decision against the component's policy.
		for ref, ns := range a.state {
			if ns.status != run.NodeFailed || ns.failure == nil {
				continue
			}
			def := a.defs[a.actions[ref].ComponentID]
			cfg := retry.FromPolicy(&def.Retry)
			if retry.ShouldRetry(cfg, &def.Retry, ns.failure, ns.attempt) {
				ns.status = run.NodePending
			} else if a.failure == nil {
				a.failure = ns.failure
				a.failedRef = ref
			}
		}
		// Lost attempts enter the loop as running with no worker; the lost
		// message routes them through the normal failure and retry path.
		a.inFlight = len(lost)
		for _, ne := range lost {
			a.postAsync(lostMsg{ref: ne.NodeRef, attempt: ne.Attempt})
		}
		o.startActor(a)
		o.deps.Logger.Info(ctx, "recovered run", "run", r.ID, "lostAttempts", len(lost))
	}
	return nil
}

// restoreState rebuilds actor node state from the run's attempt records and
// artifacts. Returns the state map plus the attempts found running with no
// live worker.
func (o *Orchestrator) restoreState(ctx context.Context, r *run.Run) (map[string]*nodeState, []*run.NodeExecution, error) {
	nes, err := o.deps.Runs.NodeExecutions(ctx, r.ID)
	if err != nil {
		return nil, nil, err
	}
	latest := make(map[string]*run.NodeExecution)
	for _, ne := range nes {
		if cur, ok := latest[ne.NodeRef]; !ok || ne.Attempt > cur.Attempt {
			latest[ne.NodeRef] = ne
		}
	}

	state := make(map[string]*nodeState)
	var lost []*run.NodeExecution
	for ref, ne := range latest {
		ns := &nodeState{ref: ref, attempt: ne.Attempt, status: ne.Status}
		if ne.StartedAt != nil {
			ns.firstStart = *ne.StartedAt
		}
		if ne.EndedAt != nil {
			ns.endedAt = *ne.EndedAt
		}
		switch ne.Status {
		case run.NodeSucceeded:
			out, err := o.loadOutputs(ctx, r.ID, ref)
			if err != nil {
				return nil, nil, fmt.Errorf("node %s: reload outputs: %w", ref, err)
			}
			ns.outputs = out
		case run.NodeRunning:
			lost = append(lost, ne)
		case run.NodeSuspended:
			ns.waitToken = ne.WaitToken
			if ne.WaitToken != "" {
				o.indexWaitToken(ne.WaitToken, r.ID)
			}
		case run.NodeFailed:
			// The process died between recording the attempt failure and
			// deciding its retry. Replay the decision here.
			ns.failure = &component.Failure{
				Kind:      ne.ErrorKind,
				Message:   ne.ErrorMessage,
				Retryable: ne.ErrorKind.Retryable(),
			}
			ns.status = run.NodeFailed
		}
		state[ref] = ns
	}
	return state, lost, nil
}

// loadOutputs reads a succeeded node's per-port artifacts back into values.
func (o *Orchestrator) loadOutputs(ctx context.Context, runID, nodeRef string) (component.Values, error) {
	atts, err := o.deps.Artifacts.NodeIO(ctx, runID, nodeRef)
	if err != nil {
		return nil, err
	}
	out := make(component.Values)
	for _, att := range atts {
		if att.PortID == inputsPort {
			continue
		}
		raw, _, err := o.deps.Artifacts.Get(ctx, att.Digest)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", att.Digest, err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", att.Digest, err)
		}
		out[att.PortID] = v
	}
	return out, nil
}

// sweepLoop periodically scans for running attempts whose heartbeat went
// stale and reports them lost to their owning actor.
func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.rootCtx.Done():
			return
		case <-ticker.C:
			o.sweepOnce()
		}
	}
}

func (o *Orchestrator) sweepOnce() {
	horizon := time.Now().UTC().Add(-(2*o.cfg.HeartbeatInterval + o.cfg.CancelGrace))
	stale, err := o.deps.Runs.StaleRunning(o.rootCtx, horizon)
	if err != nil {
		o.deps.Logger.Error(o.rootCtx, "sweep stale attempts", "err", err)
		return
	}
	for _, ne := range stale {
		a := o.actor(ne.RunID)
		if a == nil {
			continue
		}
		o.deps.Logger.Warn(o.rootCtx, "attempt heartbeat stale",
			"run", ne.RunID, "node", ne.NodeRef, "attempt", ne.Attempt)
		a.postAsync(lostMsg{ref: ne.NodeRef, attempt: ne.Attempt})
	}
	if o.deps.Approvals != nil {
		expired, err := o.deps.Approvals.ExpireDue(o.rootCtx, time.Now().UTC())
		if err != nil {
			o.deps.Logger.Error(o.rootCtx, "expire approvals", "err", err)
			return
		}
		for _, req := range expired {
			payload := map[string]any{"approved": false, "requestId": req.ID, "timedOut": true}
			if err := o.Resume(o.rootCtx, req.ID, payload); err != nil {
				o.deps.Logger.Warn(o.rootCtx, "resume timed out approval",
					"run", req.RunID, "request", req.ID, "err", err)
			}
		}
	}
}
