package components

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/runtime/approval"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

// ApprovalGate suspends the run until a human approves or rejects. The first
// activation creates an approval request whose id doubles as the wait token;
// the resumed activation reads the decision from the resume payload. A
// rejection or timeout fails the node with a cancel failure, which is never
// retried.
func ApprovalGate(deps Deps) *registry.Definition {
	return &registry.Definition{
		ID:          "gate.approval",
		Version:     "1.0.0",
		Description: "Pauses the run until a human approves or rejects.",
		Inputs: []registry.PortSpec{
			{ID: "context", Type: registry.JSON(), AllowAny: true},
		},
		Outputs: []registry.PortSpec{
			{ID: "approved", Type: registry.Boolean()},
			{ID: "decidedBy", Type: registry.Text()},
		},
		Params: []registry.ParamSpec{
			{ID: "title", Label: "Title", Required: true},
			{ID: "description", Label: "Description"},
			{ID: "timeoutMinutes", Label: "Timeout (minutes)"},
		},
		Runner: registry.Runner{Kind: registry.RunInline},
		Execute: func(ctx context.Context, act component.Activation) component.Result {
			return executeApprovalGate(ctx, deps, act)
		},
	}
}

func executeApprovalGate(ctx context.Context, deps Deps, act component.Activation) component.Result {
	if act.ResumePayload != nil {
		approved, _ := act.ResumePayload["approved"].(bool)
		if !approved {
			if timedOut, _ := act.ResumePayload["timedOut"].(bool); timedOut {
				return component.Fail(component.KindCancel, "approval timed out")
			}
			return component.Fail(component.KindCancel, "approval rejected")
		}
		decidedBy, _ := act.ResumePayload["decidedBy"].(string)
		return component.Succeed(component.Values{
			"approved":  true,
			"decidedBy": decidedBy,
		})
	}

	title, _ := act.Params["title"].(string)
	if title == "" {
		return component.Fail(component.KindConfiguration, "approval gate has no title")
	}
	description, _ := act.Params["description"].(string)
	var contextData json.RawMessage
	if v, ok := act.Inputs["context"]; ok && v != nil {
		contextData, _ = json.Marshal(v)
	}
	req := &approval.Request{
		ID:           uuid.NewString(),
		RunID:        act.RunID,
		NodeRef:      act.NodeRef,
		Title:        title,
		Description:  description,
		ApproveToken: approval.NewToken(),
		RejectToken:  approval.NewToken(),
		ContextData:  contextData,
		Status:       approval.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	timeout := deps.ApprovalTimeout
	if minutes, ok := act.Params["timeoutMinutes"].(float64); ok && minutes > 0 {
		timeout = time.Duration(minutes * float64(time.Minute))
	}
	if timeout > 0 {
		at := req.CreatedAt.Add(timeout)
		req.TimeoutAt = &at
	}
	if err := deps.Approvals.Create(ctx, req); err != nil {
		return component.FailErr(component.KindInternal, "persist approval request", err)
	}
	act.Log.Progress(ctx, "waiting for approval", map[string]any{"requestId": req.ID})
	return component.SuspendWith(req.ID, map[string]any{
		"requestId":    req.ID,
		"title":        title,
		"approveToken": req.ApproveToken,
		"rejectToken":  req.RejectToken,
	})
}

// FormGate suspends the run until an external party submits structured data.
// The form schema travels on the suspension payload; the submitted response
// comes back through the resume payload.
func FormGate() *registry.Definition {
	return &registry.Definition{
		ID:          "gate.form",
		Version:     "1.0.0",
		Description: "Pauses the run until a form response is submitted.",
		Outputs: []registry.PortSpec{
			{ID: "response", Type: registry.JSON()},
		},
		Params: []registry.ParamSpec{
			{ID: "title", Label: "Title"},
			{ID: "schema", Label: "Form schema"},
		},
		Runner: registry.Runner{Kind: registry.RunInline},
		Execute: func(ctx context.Context, act component.Activation) component.Result {
			if act.ResumePayload != nil {
				return component.Succeed(component.Values{
					"response": act.ResumePayload["response"],
				})
			}
			requestID := uuid.NewString()
			act.Log.Progress(ctx, "waiting for form response", map[string]any{"requestId": requestID})
			return component.SuspendWith(requestID, map[string]any{
				"requestId": requestID,
				"title":     act.Params["title"],
				"schema":    act.Params["schema"],
			})
		},
	}
}
