// Package component defines the contracts between the orchestrator and the
// units of work it executes. A component receives a bound activation and
// returns exactly one of three outcomes: an output value set, a structured
// failure, or a suspension. Nothing crosses the component boundary as a
// panic or a raw error; the orchestrator inspects the Result discriminant
// and decides retry, termination, or resumption on its own.
package component

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// FailureKind classifies component failures into a small set of stable
// categories. Kinds are observable in events and node execution records and
// drive the orchestrator's retry decisions.
type FailureKind string

const (
	// KindValidation marks a graph or parameter issue. Never retried.
	KindValidation FailureKind = "validation"
	// KindConfiguration marks missing or invalid component configuration
	// (for example, credentials). Non-retryable.
	KindConfiguration FailureKind = "configuration"
	// KindAuthentication marks an upstream credential rejection. Non-retryable
	// within the attempt; surfaces to the operator.
	KindAuthentication FailureKind = "authentication"
	// KindTimeout marks a deadline exceeded. Retryable up to policy.
	KindTimeout FailureKind = "timeout"
	// KindNetwork marks a transient upstream failure (connection errors, 5xx).
	KindNetwork FailureKind = "network"
	// KindRateLimit marks upstream throttling. Retryable with extended backoff.
	KindRateLimit FailureKind = "rate-limit"
	// KindStartup marks a container that failed to become healthy. Retryable.
	KindStartup FailureKind = "startup"
	// KindLost marks an attempt whose heartbeat went stale. Retried under the
	// normal policy.
	KindLost FailureKind = "lost"
	// KindCancel marks a cooperative cancellation. Terminal.
	KindCancel FailureKind = "cancel"
	// KindCancelTimeout marks an attempt that ignored cancellation past the
	// grace period. Terminal; the attempt is abandoned.
	KindCancelTimeout FailureKind = "cancel-timeout"
	// KindInternal marks an engine-level defect. Terminal; surfaces with a
	// diagnostic payload.
	KindInternal FailureKind = "internal"
)

// Retryable reports whether the kind is eligible for retry by default. The
// per-component retry policy may further restrict this via its
// non-retryable kind list.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit, KindStartup, KindLost:
		return true
	}
	return false
}

type (
	// Values holds the outputs of a successful activation, keyed by output
	// port identifier. Values must be JSON-serializable; the orchestrator
	// persists them as content-addressed artifacts.
	Values map[string]any

	// Failure describes a failed activation. The orchestrator alone decides
	// retry versus terminal based on Kind, Retryable, and the component's
	// retry policy.
	Failure struct {
		// Kind classifies the failure (see FailureKind).
		Kind FailureKind
		// Message is a human-readable description carried on node.failed
		// events. It must not contain secrets; the event pipeline scrubs
		// known secret values as a second line of defense.
		Message string
		// Retryable reports whether retrying may succeed without changing
		// the activation. The orchestrator intersects this with the kind's
		// default and the retry policy.
		Retryable bool
		// Cause is the underlying error, if any. Not serialized.
		Cause error `json:"-"`
	}

	// Suspend signals that the activation cannot complete until an external
	// actor (approval decision, form submission, tool-session end) resumes
	// the run with the wait token.
	Suspend struct {
		// WaitToken is the opaque handle the external completion must
		// present to resume the node. Single-use.
		WaitToken string
		// Payload carries data describing the suspension (for example, the
		// approval request identifier and tokens). It is emitted on the
		// node.suspended event after scrubbing.
		Payload map[string]any
	}

	// Result is the outcome of a single activation. Exactly one of Output,
	// Failure, or Suspend is set; the zero Result is invalid.
	Result struct {
		Output  Values
		Failure *Failure
		Suspend *Suspend
	}

	// ToolInfo describes a tool reachable through the tool gateway during a
	// tool-mode activation.
	ToolInfo struct {
		// Name is the tool identifier used in call_tool dispatches.
		Name string `json:"name"`
		// Description is the human-readable tool summary surfaced to models.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON Schema the tool arguments must satisfy.
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// ToolPort is the capability handed to tool-mode components. Calls are
	// session-scoped: the gateway verifies that the backing tool belongs to
	// the activation's session before forwarding.
	ToolPort interface {
		// ListTools returns the union of tools registered for the session.
		ListTools(ctx context.Context) ([]ToolInfo, error)
		// CallTool dispatches a tool call after capability and schema checks.
		CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	}

	// Logger feeds component-produced log lines and progress markers into
	// the run's event log as node.logged and node.progress events.
	Logger interface {
		Logf(ctx context.Context, format string, args ...any)
		Progress(ctx context.Context, message string, data map[string]any)
	}

	// Fetcher performs outbound HTTP requests on behalf of a component. The
	// orchestrator supplies a tenant-scoped client with sane timeouts.
	Fetcher interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Activation carries everything a component needs for one attempt at one
	// node. It is an explicit context object: no process globals, no mutable
	// injected services (the runtime services it exposes are constructed once
	// per attempt and owned by the orchestrator).
	Activation struct {
		// RunID identifies the durable run.
		RunID string
		// WorkflowID identifies the workflow the run was submitted from.
		WorkflowID string
		// NodeRef identifies the node within the plan.
		NodeRef string
		// TenantID is the isolation boundary for credentials and data.
		TenantID string
		// Attempt counts activations of this node within the run, 1-based.
		Attempt int
		// IdempotencyKey is unique per (run, node, attempt). Components with
		// external side effects must pass it downstream so a retried attempt
		// does not duplicate the effect.
		IdempotencyKey string
		// Params are the node's static parameters from the graph.
		Params map[string]any
		// Inputs are the bound input port values, resolved from upstream
		// outputs and literals.
		Inputs Values
		// ResumePayload is non-nil when the node was previously suspended
		// and an external completion resumed it.
		ResumePayload map[string]any
		// Deadline is the absolute activation deadline. The runner enforces
		// it; components may consult it to budget long operations.
		Deadline time.Time
		// Log feeds the run's event stream.
		Log Logger
		// HTTP is the tenant-scoped fetch helper.
		HTTP Fetcher
		// Tools is non-nil only for tool-mode components with an open
		// gateway session.
		Tools ToolPort
	}

	// ExecuteFunc is the entry point of an inline component.
	ExecuteFunc func(ctx context.Context, act Activation) Result
)

// Error implements error so failures can be wrapped when they escape the
// component layer (for example, in runner internals).
func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return string(f.Kind) + ": " + f.Message
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error { return f.Cause }

// Succeed builds a success Result from output port values.
func Succeed(out Values) Result { return Result{Output: out} }

// Fail builds a failure Result. Retryable defaults from the kind; use
// FailRetryable to override.
func Fail(kind FailureKind, message string) Result {
	return Result{Failure: &Failure{Kind: kind, Message: message, Retryable: kind.Retryable()}}
}

// FailRetryable builds a failure Result with an explicit retryability.
func FailRetryable(kind FailureKind, message string, retryable bool) Result {
	return Result{Failure: &Failure{Kind: kind, Message: message, Retryable: retryable}}
}

// FailErr builds a failure Result wrapping a cause.
func FailErr(kind FailureKind, message string, cause error) Result {
	return Result{Failure: &Failure{Kind: kind, Message: message, Retryable: kind.Retryable(), Cause: cause}}
}

// SuspendWith builds a suspension Result.
func SuspendWith(waitToken string, payload map[string]any) Result {
	return Result{Suspend: &Suspend{WaitToken: waitToken, Payload: payload}}
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool { return r.Failure == nil && r.Suspend == nil }
