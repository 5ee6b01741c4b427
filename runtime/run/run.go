// Package run defines the durable records behind workflow execution: the Run
// itself and the per-node execution attempts. The orchestrator persists every
// state transition here before emitting the matching event, so a restarted
// process can rebuild run state from storage alone.
package run

import (
	"context"
	"errors"
	"time"

	"encoding/json"

	"github.com/strandsec/strand/runtime/artifact"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/plan"
)

// Run status values. A run is terminal in StatusCompleted, StatusFailed, or
// StatusCancelled and never leaves a terminal status.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Node execution status values.
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSuspended NodeStatus = "suspended"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

var (
	// ErrNotFound is returned for unknown run or node execution identifiers.
	ErrNotFound = errors.New("run not found")
	// ErrConflict is returned when a status update races a concurrent
	// transition, e.g. two workers claiming the same run.
	ErrConflict = errors.New("run state conflict")
)

type (
	// Status is the lifecycle state of a run.
	Status string

	// NodeStatus is the lifecycle state of a node execution attempt.
	NodeStatus string

	// Run is the unit of durability. The compiled plan travels with the run
	// so recovery never depends on the workflow definition still existing in
	// its submitted shape.
	Run struct {
		ID             string          `json:"id"`
		WorkflowID     string          `json:"workflowId"`
		TenantID       string          `json:"tenantId"`
		PlanSignature  string          `json:"planSignature"`
		Plan           *plan.Plan      `json:"plan"`
		Status         Status          `json:"status"`
		TriggerKind    string          `json:"triggerKind"`
		TriggerPayload json.RawMessage `json:"triggerPayload,omitempty"`
		IdempotencyKey string          `json:"idempotencyKey,omitempty"`
		Error          string          `json:"error,omitempty"`
		StartedAt      time.Time       `json:"startedAt"`
		EndedAt        *time.Time      `json:"endedAt,omitempty"`
	}

	// NodeExecution records one attempt of one node within a run. At most
	// one attempt per (runId, nodeRef) is running at any instant; retries
	// increment Attempt.
	NodeExecution struct {
		RunID        string                `json:"runId"`
		NodeRef      string                `json:"nodeRef"`
		Attempt      int                   `json:"attempt"`
		Status       NodeStatus            `json:"status"`
		StartedAt    *time.Time            `json:"startedAt,omitempty"`
		EndedAt      *time.Time            `json:"endedAt,omitempty"`
		HeartbeatAt  *time.Time            `json:"heartbeatAt,omitempty"`
		ErrorKind    component.FailureKind `json:"errorKind,omitempty"`
		ErrorMessage string                `json:"errorMessage,omitempty"`
		WaitToken    string                `json:"waitToken,omitempty"`
		InputDigest  artifact.Digest       `json:"inputDigest,omitempty"`
		OutputDigest artifact.Digest       `json:"outputDigest,omitempty"`
	}

	// ListFilter narrows run listings.
	ListFilter struct {
		WorkflowID string
		TenantID   string
		Status     Status
		Limit      int
	}

	// Store persists runs and node executions. Implementations must make
	// CreateRun idempotent on (tenantId, idempotencyKey) and make status
	// transitions atomic.
	Store interface {
		// CreateRun persists a new run. When the run carries an idempotency
		// key and a run with the same (tenant, key) already exists, the
		// existing run is returned with created=false and no new run is made.
		CreateRun(ctx context.Context, r *Run) (existing *Run, created bool, err error)
		// GetRun returns the run or ErrNotFound.
		GetRun(ctx context.Context, id string) (*Run, error)
		// ListRuns returns runs matching the filter, most recent first.
		ListRuns(ctx context.Context, f ListFilter) ([]*Run, error)
		// UpdateRunStatus transitions the run's status. Transitions out of a
		// terminal status fail with ErrConflict. errMsg and endedAt are
		// recorded when non-zero.
		UpdateRunStatus(ctx context.Context, id string, status Status, errMsg string, endedAt *time.Time) error
		// UpsertNodeExecution writes the attempt record keyed by
		// (runId, nodeRef, attempt).
		UpsertNodeExecution(ctx context.Context, ne *NodeExecution) error
		// NodeExecutions returns all attempt records for a run ordered by
		// (nodeRef, attempt).
		NodeExecutions(ctx context.Context, runID string) ([]*NodeExecution, error)
		// Heartbeat stamps the running attempt's liveness. A no-op when the
		// attempt is no longer running.
		Heartbeat(ctx context.Context, runID, nodeRef string, attempt int, at time.Time) error
		// StaleRunning returns running attempts whose last heartbeat is older
		// than the horizon. The sweeper marks these failed(kind=lost).
		StaleRunning(ctx context.Context, olderThan time.Time) ([]*NodeExecution, error)
		// ActiveRuns returns runs in queued, running, or suspended status.
		// Used on startup to rehydrate in-flight work.
		ActiveRuns(ctx context.Context) ([]*Run, error)
	}
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Terminal reports whether the node status admits no further transitions
// within its attempt.
func (s NodeStatus) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}
