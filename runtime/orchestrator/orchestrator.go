// Package orchestrator drives durable workflow runs. Each run is owned by a
// single actor goroutine that serializes all state transitions for the run:
// node dispatch, retry scheduling, suspension and resumption, cancellation,
// and terminal settlement. Workers execute activations concurrently on a
// bounded pool per run; every transition is persisted to the run store before
// the matching event is published, so a restarted process can rebuild
// in-flight runs from storage alone.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/runtime/approval"
	"github.com/strandsec/strand/runtime/artifact"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/plan"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/run"
	"github.com/strandsec/strand/runtime/runner"
	"github.com/strandsec/strand/runtime/telemetry"
)

var (
	// ErrInvalidGraph is returned by Submit when validation fails. The
	// wrapped ValidationError carries the full report.
	ErrInvalidGraph = errors.New("workflow graph is invalid")
	// ErrRunNotActive is returned when a resume, cancel, or decision targets
	// a run that is not in flight.
	ErrRunNotActive = errors.New("run is not active")
	// ErrUnknownWaitToken is returned when a resume presents a token no
	// suspended node is waiting on.
	ErrUnknownWaitToken = errors.New("unknown wait token")
)

// ValidationError wraps a failed validation report so submitters can render
// per-issue diagnostics.
type ValidationError struct {
	Report graph.Report
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Report.Errors))
	for _, iss := range e.Report.Errors {
		msgs = append(msgs, iss.Message)
	}
	return "invalid graph: " + strings.Join(msgs, "; ")
}

// Unwrap makes errors.Is(err, ErrInvalidGraph) work.
func (e *ValidationError) Unwrap() error { return ErrInvalidGraph }

type (
	// ToolTarget names one node a tool session may reach.
	ToolTarget struct {
		NodeRef     string
		ComponentID string
		// NonReentrant asks the gateway to serialize calls to this target.
		NonReentrant bool
	}

	// ToolSessionSpec describes the session the orchestrator opens for one
	// tool-mode activation.
	ToolSessionSpec struct {
		RunID    string
		NodeRef  string
		TenantID string
		Attempt  int
		Targets  []ToolTarget
	}

	// ToolSession is an open, session-scoped tool port. Close revokes the
	// session token and tears down per-attempt resources.
	ToolSession interface {
		ID() string
		Port() component.ToolPort
		Close(ctx context.Context) error
	}

	// ToolBroker opens tool sessions. The gateway implements it; deployments
	// without tool-mode components leave it nil.
	ToolBroker interface {
		Open(ctx context.Context, spec ToolSessionSpec) (ToolSession, error)
	}

	// Config tunes orchestrator behavior. The zero value is usable.
	Config struct {
		// MaxInFlight bounds concurrent activations per run.
		MaxInFlight int
		// HeartbeatInterval is the liveness stamp period for running attempts.
		HeartbeatInterval time.Duration
		// SweepInterval is how often the sweeper scans for stale attempts.
		SweepInterval time.Duration
		// CancelGrace is how long a cancelled attempt may keep running before
		// it is abandoned as cancel-timeout.
		CancelGrace time.Duration
	}

	// Deps wires the orchestrator's collaborators.
	Deps struct {
		Registry  *registry.Registry
		Runs      run.Store
		Approvals approval.Store
		Artifacts artifact.Store
		Hub       *event.Hub
		// Runners maps runner kinds to their implementations. Inline is
		// required; container is optional.
		Runners map[registry.RunnerKind]runner.Runner
		// Tools opens tool sessions for tool-mode components. Optional.
		Tools ToolBroker
		// HTTP is the fetch helper handed to activations. Defaults to a
		// client with a 30s timeout.
		HTTP    component.Fetcher
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// SubmitRequest describes a new run.
	SubmitRequest struct {
		Workflow       *graph.Workflow
		TenantID       string
		TriggerKind    string
		TriggerPayload json.RawMessage
		// IdempotencyKey deduplicates submissions per tenant: resubmitting
		// the same key returns the original run.
		IdempotencyKey string
	}

	// Orchestrator owns all in-flight run actors in this process.
	Orchestrator struct {
		cfg  Config
		deps Deps

		mu        sync.Mutex
		actors    map[string]*actor
		waitIndex map[string]string // wait token -> run id
		stopped   bool

		wg       sync.WaitGroup
		rootCtx  context.Context
		rootStop context.CancelFunc
	}
)

// New builds an orchestrator. Deps.Registry, Runs, Approvals, Artifacts, Hub,
// and an inline runner are required.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		actors:    make(map[string]*actor),
		waitIndex: make(map[string]string),
		rootCtx:   ctx,
		rootStop:  stop,
	}
}

// Start recovers in-flight runs from storage and starts the background
// sweeper. Call once before submitting work.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("recover active runs: %w", err)
	}
	o.wg.Add(1)
	go o.sweepLoop()
	return nil
}

// Stop halts the sweeper and abandons in-flight actors. Runs left behind are
// picked up by recovery on the next start; their running attempts surface as
// lost and retry under policy.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.rootStop()
	o.wg.Wait()
}

// Submit validates and compiles the workflow, persists the run, and starts
// driving it. When an idempotency key matches a prior submission the original
// run is returned and nothing new starts.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*run.Run, error) {
	if req.Workflow == nil {
		return nil, errors.New("submit: workflow is required")
	}
	report := graph.Validate(&req.Workflow.Graph, o.deps.Registry)
	if !report.Valid() {
		return nil, &ValidationError{Report: report}
	}
	p, err := plan.Compile(&req.Workflow.Graph, o.deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("compile plan: %w", err)
	}
	p.WorkflowID = req.Workflow.ID

	r := &run.Run{
		ID:             uuid.NewString(),
		WorkflowID:     req.Workflow.ID,
		TenantID:       req.TenantID,
		PlanSignature:  p.Signature,
		Plan:           p,
		Status:         run.StatusQueued,
		TriggerKind:    req.TriggerKind,
		TriggerPayload: req.TriggerPayload,
		IdempotencyKey: req.IdempotencyKey,
		StartedAt:      time.Now().UTC(),
	}
	stored, created, err := o.deps.Runs.CreateRun(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return stored, nil
	}

	a, err := o.newActor(stored, nil)
	if err != nil {
		return nil, err
	}
	o.startActor(a)
	return stored, nil
}

// Cancel transitions the run to cancelled. In-flight activations receive a
// cooperative cancellation signal; attempts still running after the grace
// period are abandoned as cancel-timeout. Suspended nodes are skipped and
// their wait tokens invalidated.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) error {
	a := o.actor(runID)
	if a == nil {
		return fmt.Errorf("cancel %s: %w", runID, ErrRunNotActive)
	}
	return a.post(ctx, cancelMsg{reason: reason})
}

// Resume restores a suspended node to execution with the completion payload.
// The wait token is single-use.
func (o *Orchestrator) Resume(ctx context.Context, waitToken string, payload map[string]any) error {
	o.mu.Lock()
	runID, ok := o.waitIndex[waitToken]
	o.mu.Unlock()
	if !ok {
		return ErrUnknownWaitToken
	}
	a := o.actor(runID)
	if a == nil {
		return fmt.Errorf("resume: run %s: %w", runID, ErrRunNotActive)
	}
	return a.post(ctx, resumeMsg{token: waitToken, payload: payload})
}

// DecideApproval consumes an approval token and resumes the waiting node with
// the decision. Reusing a token fails with approval.ErrNotFound.
func (o *Orchestrator) DecideApproval(ctx context.Context, token, decidedBy, note string) error {
	dec, err := o.deps.Approvals.DecideByToken(ctx, token, decidedBy, note)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"approved":  dec.Approved,
		"requestId": dec.Request.ID,
		"decidedBy": decidedBy,
	}
	if note != "" {
		payload["note"] = note
	}
	return o.Resume(ctx, dec.Request.ID, payload)
}

// SubmitFormResponse resumes a suspended manual-form node with the submitted
// payload. The request id doubles as the form's wait token.
func (o *Orchestrator) SubmitFormResponse(ctx context.Context, requestID string, payload map[string]any) error {
	return o.Resume(ctx, requestID, map[string]any{"response": payload, "requestId": requestID})
}

// SubscribeEvents opens a replay-then-tail subscription on the run's event
// stream starting after the given cursor.
func (o *Orchestrator) SubscribeEvents(ctx context.Context, runID string, after int64) *event.Subscription {
	return o.deps.Hub.Subscribe(ctx, runID, after)
}

// GetRun returns the run record.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return o.deps.Runs.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (o *Orchestrator) ListRuns(ctx context.Context, f run.ListFilter) ([]*run.Run, error) {
	return o.deps.Runs.ListRuns(ctx, f)
}

// NodeIO returns the artifacts attached to a node within a run.
func (o *Orchestrator) NodeIO(ctx context.Context, runID, nodeRef string) ([]artifact.Attachment, error) {
	return o.deps.Artifacts.NodeIO(ctx, runID, nodeRef)
}

func (o *Orchestrator) actor(runID string) *actor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.actors[runID]
}

func (o *Orchestrator) startActor(a *actor) {
	o.mu.Lock()
	o.actors[a.run.ID] = a
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		a.loop(o.rootCtx)
		o.mu.Lock()
		delete(o.actors, a.run.ID)
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) indexWaitToken(token, runID string) {
	o.mu.Lock()
	o.waitIndex[token] = runID
	o.mu.Unlock()
}

func (o *Orchestrator) dropWaitToken(token string) {
	o.mu.Lock()
	delete(o.waitIndex, token)
	o.mu.Unlock()
}

// publish appends an event and fans it out. Publish failures are logged and
// swallowed: the durable store transition already happened and losing an
// observer notification must not wedge the run.
func (o *Orchestrator) publish(ctx context.Context, ev event.Event) {
	if _, err := o.deps.Hub.Publish(ctx, ev); err != nil {
		o.deps.Logger.Error(ctx, "publish event", "run", ev.RunID, "kind", string(ev.Kind), "err", err)
	}
}
