package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	approvalinmem "github.com/strandsec/strand/runtime/approval/inmem"
	"github.com/strandsec/strand/runtime/artifact"
	artifactinmem "github.com/strandsec/strand/runtime/artifact/inmem"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	eventinmem "github.com/strandsec/strand/runtime/event/inmem"
	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/orchestrator"
	"github.com/strandsec/strand/runtime/plan"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/run"
	runinmem "github.com/strandsec/strand/runtime/run/inmem"
	"github.com/strandsec/strand/runtime/runner"
	"github.com/strandsec/strand/runtime/runner/inline"
)

type fixture struct {
	orch      *orchestrator.Orchestrator
	reg       *registry.Registry
	runs      run.Store
	artifacts artifact.Store
	hub       *event.Hub
	deps      orchestrator.Deps
}

// failFirst returns an execute func that fails with kind the first n attempts
// and succeeds afterwards, emitting the declared "out" port.
func failFirst(n int, kind component.FailureKind) component.ExecuteFunc {
	var count atomic.Int32
	return func(_ context.Context, _ component.Activation) component.Result {
		if int(count.Add(1)) <= n {
			return component.Fail(kind, "transient trouble")
		}
		return component.Succeed(component.Values{"out": "recovered"})
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	defs := []*registry.Definition{
		{
			ID: "t.trigger", Version: "1.0.0",
			Outputs:      []registry.PortSpec{{ID: "seed", Type: registry.JSON()}},
			Capabilities: registry.Capabilities{Trigger: true},
			Runner:       registry.Runner{Kind: registry.RunInline},
			Execute: func(_ context.Context, act component.Activation) component.Result {
				return component.Succeed(component.Values{"seed": act.Inputs})
			},
		},
		{
			ID: "t.echo", Version: "1.0.0",
			Inputs:  []registry.PortSpec{{ID: "in", Type: registry.JSON(), Required: true}},
			Outputs: []registry.PortSpec{{ID: "out", Type: registry.JSON()}},
			Runner:  registry.Runner{Kind: registry.RunInline},
			Execute: func(_ context.Context, act component.Activation) component.Result {
				return component.Succeed(component.Values{"out": act.Inputs["in"]})
			},
		},
		{
			ID: "t.flaky", Version: "1.0.0",
			Inputs:  []registry.PortSpec{{ID: "in", Type: registry.JSON(), Required: true}},
			Outputs: []registry.PortSpec{{ID: "out", Type: registry.JSON()}},
			Runner:  registry.Runner{Kind: registry.RunInline},
			Retry: registry.RetryPolicy{
				MaxAttempts:    3,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     2 * time.Millisecond,
				Multiplier:     1,
			},
			Execute: failFirst(2, component.KindNetwork),
		},
		{
			ID: "t.doomed", Version: "1.0.0",
			Inputs: []registry.PortSpec{{ID: "in", Type: registry.JSON(), Required: true}},
			Runner: registry.Runner{Kind: registry.RunInline},
			Retry: registry.RetryPolicy{
				MaxAttempts:    2,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     time.Millisecond,
				Multiplier:     1,
			},
			Execute: func(context.Context, component.Activation) component.Result {
				return component.Fail(component.KindTimeout, "never makes it")
			},
		},
		{
			ID: "t.reject", Version: "1.0.0",
			Inputs: []registry.PortSpec{{ID: "in", Type: registry.JSON(), Required: true}},
			Runner: registry.Runner{Kind: registry.RunInline},
			Execute: func(context.Context, component.Activation) component.Result {
				return component.Fail(component.KindValidation, "bad input shape")
			},
		},
		{
			ID: "t.gate", Version: "1.0.0",
			Inputs:  []registry.PortSpec{{ID: "in", Type: registry.JSON(), Required: true}},
			Outputs: []registry.PortSpec{{ID: "approved", Type: registry.JSON()}},
			Runner:  registry.Runner{Kind: registry.RunInline},
			Execute: func(_ context.Context, act component.Activation) component.Result {
				if act.ResumePayload != nil {
					return component.Succeed(component.Values{"approved": act.ResumePayload["approved"]})
				}
				return component.SuspendWith("gate-"+act.RunID, map[string]any{"title": "continue?"})
			},
		},
	}
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	reg.Freeze()
	return reg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := newRegistry(t)
	deps := orchestrator.Deps{
		Registry:  reg,
		Runs:      runinmem.New(),
		Approvals: approvalinmem.New(),
		Artifacts: artifactinmem.New(),
		Hub:       event.NewHub(eventinmem.New()),
		Runners:   map[registry.RunnerKind]runner.Runner{registry.RunInline: inline.New(nil)},
	}
	o := orchestrator.New(orchestrator.Config{}, deps)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
	return &fixture{orch: o, reg: reg, runs: deps.Runs, artifacts: deps.Artifacts, hub: deps.Hub, deps: deps}
}

// workflow builds trigger -> <component> -> exposed tail.
func twoStage(componentID string) *graph.Workflow {
	return &graph.Workflow{
		ID:       "wf-1",
		TenantID: "acme",
		Name:     "pipeline",
		Graph: graph.Graph{
			Nodes: []graph.Node{
				{ID: "start", ComponentRef: "t.trigger"},
				{ID: "mid", ComponentRef: componentID},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "start", Target: "mid", SourceHandle: "seed", TargetHandle: "in"},
			},
		},
	}
}

func (f *fixture) waitStatus(t *testing.T, runID string, want run.Status) *run.Run {
	t.Helper()
	var got *run.Run
	require.Eventually(t, func() bool {
		r, err := f.runs.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return got
}

func (f *fixture) events(t *testing.T, runID string) []event.Event {
	t.Helper()
	evs, err := f.hub.Log().Read(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	return evs
}

func eventsOfKind(evs []event.Event, kind event.Kind) []event.Event {
	var out []event.Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestLinearRunCompletes(t *testing.T) {
	f := newFixture(t)
	wf := twoStage("t.echo")
	wf.Graph.Nodes[1].ExposeAsRunOutput = true

	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		Workflow:       wf,
		TenantID:       "acme",
		TriggerKind:    "manual",
		TriggerPayload: json.RawMessage(`{"domain":"example.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, r.Status)

	f.waitStatus(t, r.ID, run.StatusCompleted)

	evs := f.events(t, r.ID)
	require.NotEmpty(t, evs)
	assert.Equal(t, event.KindRunStarted, evs[0].Kind)
	assert.Equal(t, event.KindRunCompleted, evs[len(evs)-1].Kind)
	assert.Len(t, eventsOfKind(evs, event.KindNodeSucceeded), 2)

	// The trigger payload flows through the echo node into the run outputs.
	var done event.RunCompletedPayload
	require.NoError(t, evs[len(evs)-1].DecodePayload(&done))
	require.Contains(t, done.Outputs, "mid")
	out := done.Outputs["mid"]["out"].(map[string]any)
	assert.Equal(t, "example.com", out["domain"])

	// Each node's inputs and outputs are attached as artifacts.
	atts, err := f.orch.NodeIO(context.Background(), r.ID, "mid")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(atts), 2)
}

func TestSubmitRejectsInvalidGraph(t *testing.T) {
	f := newFixture(t)
	wf := twoStage("t.nowhere")

	_, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{Workflow: wf, TenantID: "acme"})
	require.ErrorIs(t, err, orchestrator.ErrInvalidGraph)
	var verr *orchestrator.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Report.Errors)
}

func TestSubmitIdempotency(t *testing.T) {
	f := newFixture(t)
	req := orchestrator.SubmitRequest{
		Workflow:       twoStage("t.echo"),
		TenantID:       "acme",
		IdempotencyKey: "key-1",
	}

	first, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same key returns the original run")

	f.waitStatus(t, first.ID, run.StatusCompleted)
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t)
	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		Workflow: twoStage("t.flaky"),
		TenantID: "acme",
	})
	require.NoError(t, err)

	f.waitStatus(t, r.ID, run.StatusCompleted)

	failed := eventsOfKind(f.events(t, r.ID), event.KindNodeFailed)
	require.Len(t, failed, 2)
	for _, ev := range failed {
		var p event.NodeFailedPayload
		require.NoError(t, ev.DecodePayload(&p))
		assert.True(t, p.WillRetry)
		assert.Equal(t, string(component.KindNetwork), p.Kind)
	}

	nes, err := f.runs.NodeExecutions(context.Background(), r.ID)
	require.NoError(t, err)
	var midAttempts int
	for _, ne := range nes {
		if ne.NodeRef == "mid" && ne.Attempt > midAttempts {
			midAttempts = ne.Attempt
		}
	}
	assert.Equal(t, 3, midAttempts)
}

func TestRetriesExhaustedFailRun(t *testing.T) {
	f := newFixture(t)
	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		Workflow: twoStage("t.doomed"),
		TenantID: "acme",
	})
	require.NoError(t, err)

	got := f.waitStatus(t, r.ID, run.StatusFailed)
	assert.Contains(t, got.Error, "never makes it")

	failed := eventsOfKind(f.events(t, r.ID), event.KindNodeFailed)
	require.Len(t, failed, 2, "exactly maxAttempts attempts")
	var last event.NodeFailedPayload
	require.NoError(t, failed[1].DecodePayload(&last))
	assert.False(t, last.WillRetry)
}

func TestTerminalFailureSkipsDownstream(t *testing.T) {
	f := newFixture(t)
	wf := twoStage("t.reject")
	wf.Graph.Nodes = append(wf.Graph.Nodes, graph.Node{ID: "tail", ComponentRef: "t.echo"})
	wf.Graph.Edges = append(wf.Graph.Edges, graph.Edge{
		ID: "e2", Source: "start", Target: "tail", SourceHandle: "seed", TargetHandle: "in",
	})

	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{Workflow: wf, TenantID: "acme"})
	require.NoError(t, err)

	f.waitStatus(t, r.ID, run.StatusFailed)

	evs := f.events(t, r.ID)
	require.Len(t, eventsOfKind(evs, event.KindNodeFailed), 1, "validation failures do not retry")
	var failed event.RunFailedPayload
	runFailed := eventsOfKind(evs, event.KindRunFailed)
	require.Len(t, runFailed, 1)
	require.NoError(t, runFailed[0].DecodePayload(&failed))
	assert.Equal(t, "mid", failed.NodeRef)
	assert.Equal(t, string(component.KindValidation), failed.Kind)
}

func TestSuspendAndResume(t *testing.T) {
	f := newFixture(t)
	wf := twoStage("t.gate")
	wf.Graph.Nodes[1].ExposeAsRunOutput = true

	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{Workflow: wf, TenantID: "acme"})
	require.NoError(t, err)

	f.waitStatus(t, r.ID, run.StatusSuspended)

	suspended := eventsOfKind(f.events(t, r.ID), event.KindNodeSuspended)
	require.Len(t, suspended, 1)
	var sp event.NodeSuspendedPayload
	require.NoError(t, suspended[0].DecodePayload(&sp))
	assert.Equal(t, "gate-"+r.ID, sp.WaitToken)

	require.NoError(t, f.orch.Resume(context.Background(), sp.WaitToken, map[string]any{"approved": true}))
	f.waitStatus(t, r.ID, run.StatusCompleted)

	// Attempt counter does not grow across suspension.
	nes, err := f.runs.NodeExecutions(context.Background(), r.ID)
	require.NoError(t, err)
	for _, ne := range nes {
		if ne.NodeRef == "mid" {
			assert.Equal(t, 1, ne.Attempt)
		}
	}

	// The token is single-use.
	err = f.orch.Resume(context.Background(), sp.WaitToken, nil)
	require.ErrorIs(t, err, orchestrator.ErrUnknownWaitToken)
}

func TestResumeUnknownToken(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Resume(context.Background(), "no-such-token", nil)
	require.ErrorIs(t, err, orchestrator.ErrUnknownWaitToken)
}

func TestCancelDuringSuspension(t *testing.T) {
	f := newFixture(t)
	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		Workflow: twoStage("t.gate"),
		TenantID: "acme",
	})
	require.NoError(t, err)
	f.waitStatus(t, r.ID, run.StatusSuspended)

	require.NoError(t, f.orch.Cancel(context.Background(), r.ID, "operator abort"))
	f.waitStatus(t, r.ID, run.StatusCancelled)

	evs := f.events(t, r.ID)
	assert.NotEmpty(t, eventsOfKind(evs, event.KindNodeSkipped))
	cancelled := eventsOfKind(evs, event.KindRunCancelled)
	require.Len(t, cancelled, 1)
	var cp event.RunCancelledPayload
	require.NoError(t, cancelled[0].DecodePayload(&cp))
	assert.Equal(t, "operator abort", cp.Reason)

	// The invalidated wait token no longer resumes anything.
	err = f.orch.Resume(context.Background(), "gate-"+r.ID, map[string]any{"approved": true})
	require.ErrorIs(t, err, orchestrator.ErrUnknownWaitToken)
}

func TestCancelInactiveRun(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Cancel(context.Background(), "no-such-run", "because")
	require.ErrorIs(t, err, orchestrator.ErrRunNotActive)
}

func TestRecoverSuspendedRunAcrossRestart(t *testing.T) {
	f := newFixture(t)
	r, err := f.orch.Submit(context.Background(), orchestrator.SubmitRequest{
		Workflow: twoStage("t.gate"),
		TenantID: "acme",
	})
	require.NoError(t, err)
	f.waitStatus(t, r.ID, run.StatusSuspended)

	// Simulated process restart: same stores, fresh orchestrator.
	f.orch.Stop()
	o2 := orchestrator.New(orchestrator.Config{}, f.deps)
	require.NoError(t, o2.Start(context.Background()))
	defer o2.Stop()

	require.NoError(t, o2.Resume(context.Background(), "gate-"+r.ID, map[string]any{"approved": true}))
	f.waitStatus(t, r.ID, run.StatusCompleted)
}

func TestRecoverLostAttempt(t *testing.T) {
	reg := newRegistry(t)
	deps := orchestrator.Deps{
		Registry:  reg,
		Runs:      runinmem.New(),
		Approvals: approvalinmem.New(),
		Artifacts: artifactinmem.New(),
		Hub:       event.NewHub(eventinmem.New()),
		Runners:   map[registry.RunnerKind]runner.Runner{registry.RunInline: inline.New(nil)},
	}

	// Seed storage the way a crashed process leaves it: a running run whose
	// entrypoint attempt has a worker that no longer exists.
	wf := twoStage("t.echo")
	p, err := plan.Compile(&wf.Graph, reg)
	require.NoError(t, err)
	p.WorkflowID = wf.ID
	seeded := &run.Run{
		ID:            "run-lost",
		WorkflowID:    wf.ID,
		TenantID:      "acme",
		Plan:          p,
		PlanSignature: p.Signature,
		Status:        run.StatusRunning,
		StartedAt:     time.Now().UTC().Add(-time.Minute),
	}
	_, created, err := deps.Runs.CreateRun(context.Background(), seeded)
	require.NoError(t, err)
	require.True(t, created)
	stale := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, deps.Runs.UpsertNodeExecution(context.Background(), &run.NodeExecution{
		RunID:       "run-lost",
		NodeRef:     "start",
		Attempt:     1,
		Status:      run.NodeRunning,
		StartedAt:   &stale,
		HeartbeatAt: &stale,
	}))

	o := orchestrator.New(orchestrator.Config{}, deps)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	require.Eventually(t, func() bool {
		r, err := deps.Runs.GetRun(context.Background(), "run-lost")
		return err == nil && r.Status == run.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	evs, err := deps.Hub.Log().Read(context.Background(), "run-lost", 0, 0)
	require.NoError(t, err)
	lost := eventsOfKind(evs, event.KindNodeFailed)
	require.NotEmpty(t, lost)
	var p0 event.NodeFailedPayload
	require.NoError(t, lost[0].DecodePayload(&p0))
	assert.Equal(t, string(component.KindLost), p0.Kind)
	assert.True(t, p0.WillRetry)
}
