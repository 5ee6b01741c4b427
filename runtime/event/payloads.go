package event

// Typed wire payloads for engine-emitted events. Payloads are JSON-serialized
// onto Event.Payload; consumers decode by Kind.

type (
	// RunStartedPayload accompanies run.started.
	RunStartedPayload struct {
		WorkflowID    string `json:"workflowId"`
		PlanSignature string `json:"planSignature"`
		TriggerKind   string `json:"triggerKind"`
	}

	// NodeStartedPayload accompanies node.started.
	NodeStartedPayload struct {
		ComponentID string `json:"componentId"`
		Attempt     int    `json:"attempt"`
	}

	// NodeProgressPayload accompanies node.progress.
	NodeProgressPayload struct {
		Message string         `json:"message"`
		Data    map[string]any `json:"data,omitempty"`
	}

	// NodeLoggedPayload accompanies node.logged.
	NodeLoggedPayload struct {
		Message string `json:"message"`
	}

	// NodeSucceededPayload accompanies node.succeeded.
	NodeSucceededPayload struct {
		Attempt int `json:"attempt"`
		// Outputs are the node's output port values after scrubbing.
		Outputs map[string]any `json:"outputs,omitempty"`
	}

	// NodeFailedPayload accompanies node.failed. WillRetry distinguishes an
	// attempt failure scheduled for retry from a terminal node failure.
	NodeFailedPayload struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		Attempt       int    `json:"attempt"`
		WillRetry     bool   `json:"willRetry"`
		BackoffMillis int64  `json:"backoffMillis,omitempty"`
	}

	// NodeSuspendedPayload accompanies node.suspended. The wait token is the
	// opaque handle an external completion presents to resume the node;
	// approval gates additionally surface their decision tokens in Context.
	NodeSuspendedPayload struct {
		WaitToken string         `json:"waitToken"`
		Context   map[string]any `json:"context,omitempty"`
	}

	// NodeResumedPayload accompanies node.resumed.
	NodeResumedPayload struct {
		WaitToken string `json:"waitToken"`
	}

	// NodeSkippedPayload accompanies node.skipped.
	NodeSkippedPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// NodeSummary aggregates one node's execution for the terminal event.
	NodeSummary struct {
		Status         string `json:"status"`
		Attempts       int    `json:"attempts"`
		DurationMillis int64  `json:"durationMillis,omitempty"`
	}

	// RunSummary aggregates timing and attempts for the terminal event.
	RunSummary struct {
		DurationMillis int64                  `json:"durationMillis"`
		Nodes          map[string]NodeSummary `json:"nodes,omitempty"`
	}

	// RunCompletedPayload accompanies run.completed. Outputs is the union of
	// outputs from nodes flagged ExposeAsRunOutput.
	RunCompletedPayload struct {
		Outputs map[string]map[string]any `json:"outputs,omitempty"`
		Summary RunSummary                `json:"summary"`
	}

	// RunFailedPayload accompanies run.failed.
	RunFailedPayload struct {
		Kind    string     `json:"kind"`
		NodeRef string     `json:"nodeRef,omitempty"`
		Message string     `json:"message"`
		Summary RunSummary `json:"summary"`
	}

	// RunCancelledPayload accompanies run.cancelled.
	RunCancelledPayload struct {
		Reason  string     `json:"reason,omitempty"`
		Summary RunSummary `json:"summary"`
	}

	// StreamChunkPayload accompanies stream.chunk. Chunks reference their
	// artifact by digest; the bytes themselves live in the artifact store.
	StreamChunkPayload struct {
		Stream string `json:"stream"`
		Index  int    `json:"index"`
		Digest string `json:"digest"`
		Size   int    `json:"size"`
	}

	// ToolCallPayload accompanies tool.call, including rejected dispatches.
	ToolCallPayload struct {
		SessionID string `json:"sessionId"`
		Tool      string `json:"tool"`
		TargetRef string `json:"targetRef,omitempty"`
		Rejected  bool   `json:"rejected,omitempty"`
		Reason    string `json:"reason,omitempty"`
	}

	// ToolResultPayload accompanies tool.result.
	ToolResultPayload struct {
		SessionID      string `json:"sessionId"`
		Tool           string `json:"tool"`
		OK             bool   `json:"ok"`
		Error          string `json:"error,omitempty"`
		DurationMillis int64  `json:"durationMillis"`
	}

	// OverrunPayload accompanies the synthetic subscriber.overrun marker.
	OverrunPayload struct {
		// LastDelivered is the sequence of the last event the subscriber
		// received before being dropped; reconnect from here.
		LastDelivered int64 `json:"lastDelivered"`
	}
)
