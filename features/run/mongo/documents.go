package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandsec/strand/runtime/artifact"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/plan"
	"github.com/strandsec/strand/runtime/run"
)

// The compiled plan and trigger payload are stored as their canonical JSON
// bytes rather than bson trees so the stored form matches the signature the
// compiler hashed.
type runDocument struct {
	ID             string     `bson:"_id"`
	WorkflowID     string     `bson:"workflow_id"`
	TenantID       string     `bson:"tenant_id"`
	PlanSignature  string     `bson:"plan_signature"`
	Plan           []byte     `bson:"plan"`
	Status         string     `bson:"status"`
	TriggerKind    string     `bson:"trigger_kind"`
	TriggerPayload []byte     `bson:"trigger_payload,omitempty"`
	IdempotencyKey *string    `bson:"idempotency_key,omitempty"`
	Error          string     `bson:"error,omitempty"`
	StartedAt      time.Time  `bson:"started_at"`
	EndedAt        *time.Time `bson:"ended_at,omitempty"`
}

type nodeDocument struct {
	RunID        string     `bson:"run_id"`
	NodeRef      string     `bson:"node_ref"`
	Attempt      int        `bson:"attempt"`
	Status       string     `bson:"status"`
	StartedAt    *time.Time `bson:"started_at,omitempty"`
	EndedAt      *time.Time `bson:"ended_at,omitempty"`
	HeartbeatAt  *time.Time `bson:"heartbeat_at,omitempty"`
	ErrorKind    string     `bson:"error_kind,omitempty"`
	ErrorMessage string     `bson:"error_message,omitempty"`
	WaitToken    string     `bson:"wait_token,omitempty"`
	InputDigest  string     `bson:"input_digest,omitempty"`
	OutputDigest string     `bson:"output_digest,omitempty"`
}

func fromRun(r *run.Run) (runDocument, error) {
	planJSON, err := json.Marshal(r.Plan)
	if err != nil {
		return runDocument{}, fmt.Errorf("encode plan: %w", err)
	}
	doc := runDocument{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		TenantID:       r.TenantID,
		PlanSignature:  r.PlanSignature,
		Plan:           planJSON,
		Status:         string(r.Status),
		TriggerKind:    r.TriggerKind,
		TriggerPayload: r.TriggerPayload,
		Error:          r.Error,
		StartedAt:      r.StartedAt.UTC(),
		EndedAt:        r.EndedAt,
	}
	if r.IdempotencyKey != "" {
		key := r.IdempotencyKey
		doc.IdempotencyKey = &key
	}
	return doc, nil
}

func (doc runDocument) toRun() (*run.Run, error) {
	var p *plan.Plan
	if len(doc.Plan) > 0 {
		p = new(plan.Plan)
		if err := json.Unmarshal(doc.Plan, p); err != nil {
			return nil, fmt.Errorf("decode plan for run %s: %w", doc.ID, err)
		}
	}
	r := &run.Run{
		ID:             doc.ID,
		WorkflowID:     doc.WorkflowID,
		TenantID:       doc.TenantID,
		PlanSignature:  doc.PlanSignature,
		Plan:           p,
		Status:         run.Status(doc.Status),
		TriggerKind:    doc.TriggerKind,
		TriggerPayload: doc.TriggerPayload,
		Error:          doc.Error,
		StartedAt:      doc.StartedAt,
		EndedAt:        doc.EndedAt,
	}
	if doc.IdempotencyKey != nil {
		r.IdempotencyKey = *doc.IdempotencyKey
	}
	return r, nil
}

func fromNode(ne *run.NodeExecution) nodeDocument {
	return nodeDocument{
		RunID:        ne.RunID,
		NodeRef:      ne.NodeRef,
		Attempt:      ne.Attempt,
		Status:       string(ne.Status),
		StartedAt:    ne.StartedAt,
		EndedAt:      ne.EndedAt,
		HeartbeatAt:  ne.HeartbeatAt,
		ErrorKind:    string(ne.ErrorKind),
		ErrorMessage: ne.ErrorMessage,
		WaitToken:    ne.WaitToken,
		InputDigest:  string(ne.InputDigest),
		OutputDigest: string(ne.OutputDigest),
	}
}

func (doc nodeDocument) toNode() *run.NodeExecution {
	return &run.NodeExecution{
		RunID:        doc.RunID,
		NodeRef:      doc.NodeRef,
		Attempt:      doc.Attempt,
		Status:       run.NodeStatus(doc.Status),
		StartedAt:    doc.StartedAt,
		EndedAt:      doc.EndedAt,
		HeartbeatAt:  doc.HeartbeatAt,
		ErrorKind:    component.FailureKind(doc.ErrorKind),
		ErrorMessage: doc.ErrorMessage,
		WaitToken:    doc.WaitToken,
		InputDigest:  artifact.Digest(doc.InputDigest),
		OutputDigest: artifact.Digest(doc.OutputDigest),
	}
}
