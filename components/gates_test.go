package components_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/components"
	"github.com/strandsec/strand/runtime/approval"
	approvalinmem "github.com/strandsec/strand/runtime/approval/inmem"
	"github.com/strandsec/strand/runtime/component"
)

func TestApprovalGateSuspends(t *testing.T) {
	store := approvalinmem.New()
	def := components.ApprovalGate(components.Deps{Approvals: store})

	res := def.Execute(context.Background(), component.Activation{
		RunID:   "run-1",
		NodeRef: "gate",
		Params:  map[string]any{"title": "Deploy to prod?", "description": "v2 rollout"},
		Inputs:  component.Values{"context": map[string]any{"service": "api"}},
		Log:     nopLogger{},
	})
	require.NotNil(t, res.Suspend)

	// The request id doubles as the wait token and the suspension payload
	// carries both decision tokens.
	reqID, _ := res.Suspend.Payload["requestId"].(string)
	assert.Equal(t, reqID, res.Suspend.WaitToken)
	stored, err := store.Get(context.Background(), reqID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, stored.Status)
	assert.Equal(t, "Deploy to prod?", stored.Title)
	assert.Equal(t, "run-1", stored.RunID)
	assert.Nil(t, stored.TimeoutAt, "no timeout configured")
	assert.NotEmpty(t, res.Suspend.Payload["approveToken"])
	assert.NotEmpty(t, res.Suspend.Payload["rejectToken"])
}

func TestApprovalGateTimeoutParam(t *testing.T) {
	store := approvalinmem.New()
	def := components.ApprovalGate(components.Deps{Approvals: store, ApprovalTimeout: time.Hour})

	res := def.Execute(context.Background(), component.Activation{
		RunID:  "run-1",
		Params: map[string]any{"title": "ok?", "timeoutMinutes": float64(5)},
		Log:    nopLogger{},
	})
	require.NotNil(t, res.Suspend)
	stored, err := store.Get(context.Background(), res.Suspend.WaitToken)
	require.NoError(t, err)
	require.NotNil(t, stored.TimeoutAt)
	// Node param wins over the deployment default.
	assert.WithinDuration(t, stored.CreatedAt.Add(5*time.Minute), *stored.TimeoutAt, time.Second)
}

func TestApprovalGateResumeApproved(t *testing.T) {
	def := components.ApprovalGate(components.Deps{Approvals: approvalinmem.New()})
	res := def.Execute(context.Background(), component.Activation{
		Params:        map[string]any{"title": "ok?"},
		ResumePayload: map[string]any{"approved": true, "decidedBy": "alex"},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, true, res.Output["approved"])
	assert.Equal(t, "alex", res.Output["decidedBy"])
}

func TestApprovalGateResumeRejected(t *testing.T) {
	def := components.ApprovalGate(components.Deps{Approvals: approvalinmem.New()})
	res := def.Execute(context.Background(), component.Activation{
		ResumePayload: map[string]any{"approved": false},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindCancel, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "rejected")
}

func TestApprovalGateResumeTimedOut(t *testing.T) {
	def := components.ApprovalGate(components.Deps{Approvals: approvalinmem.New()})
	res := def.Execute(context.Background(), component.Activation{
		ResumePayload: map[string]any{"approved": false, "timedOut": true},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindCancel, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "timed out")
}

func TestApprovalGateRequiresTitle(t *testing.T) {
	def := components.ApprovalGate(components.Deps{Approvals: approvalinmem.New()})
	res := def.Execute(context.Background(), component.Activation{Params: map[string]any{}})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindConfiguration, res.Failure.Kind)
}

func TestFormGateSuspendAndResume(t *testing.T) {
	def := components.FormGate()

	res := def.Execute(context.Background(), component.Activation{
		Params: map[string]any{"title": "Scope", "schema": map[string]any{"type": "object"}},
		Log:    nopLogger{},
	})
	require.NotNil(t, res.Suspend)
	assert.Equal(t, res.Suspend.Payload["requestId"], res.Suspend.WaitToken)
	assert.Equal(t, "Scope", res.Suspend.Payload["title"])

	resumed := def.Execute(context.Background(), component.Activation{
		ResumePayload: map[string]any{"response": map[string]any{"domain": "example.com"}},
	})
	require.True(t, resumed.Succeeded())
	response := resumed.Output["response"].(map[string]any)
	assert.Equal(t, "example.com", response["domain"])
}
