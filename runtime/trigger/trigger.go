// Package trigger turns external stimuli into run submissions. Three kinds
// exist: manual submissions carrying user inputs, cron schedules fired by a
// scheduler loop, and signed webhooks. All of them converge on the same
// submitter; behavior past submission is identical regardless of origin.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/orchestrator"
	"github.com/strandsec/strand/runtime/run"
	"github.com/strandsec/strand/runtime/workflow"
)

// Trigger kinds recorded on runs.
const (
	KindManual   = "manual"
	KindSchedule = "schedule"
	KindWebhook  = "webhook"
)

// manualComponentRef is the registry id of the manual trigger component,
// whose "fields" param declares the inputs a submission must carry.
const manualComponentRef = "trigger.manual"

// ErrMissingInput is returned when a manual submission omits a field the
// workflow's trigger declares.
var ErrMissingInput = errors.New("missing trigger input")

type (
	// Submitter accepts run requests. *orchestrator.Orchestrator satisfies it.
	Submitter interface {
		Submit(ctx context.Context, req orchestrator.SubmitRequest) (*run.Run, error)
	}

	// Manual submits user-initiated runs by workflow id.
	Manual struct {
		workflows workflow.Store
		submitter Submitter
	}
)

// NewManual builds the manual trigger.
func NewManual(workflows workflow.Store, submitter Submitter) *Manual {
	return &Manual{workflows: workflows, submitter: submitter}
}

// Submit starts a run of the workflow with the given runtime inputs. Inputs
// are checked against the trigger's declared fields before anything is
// persisted, so an incomplete submission fails here rather than as a failed
// run. Idempotent on idempotencyKey.
func (m *Manual) Submit(ctx context.Context, workflowID string, inputs map[string]any, idempotencyKey string) (*run.Run, error) {
	wf, err := m.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if missing := missingFields(wf, inputs); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, strings.Join(missing, ", "))
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	return m.submitter.Submit(ctx, orchestrator.SubmitRequest{
		Workflow:       wf,
		TenantID:       wf.TenantID,
		TriggerKind:    KindManual,
		TriggerPayload: payload,
		IdempotencyKey: idempotencyKey,
	})
}

// missingFields lists declared manual-trigger fields absent from the
// submitted inputs, sorted for stable error text.
func missingFields(wf *graph.Workflow, inputs map[string]any) []string {
	var missing []string
	for _, n := range wf.Graph.Nodes {
		if n.ComponentRef != manualComponentRef {
			continue
		}
		fields, ok := n.Params["fields"].(map[string]any)
		if !ok {
			continue
		}
		for id := range fields {
			if _, ok := inputs[id]; !ok {
				missing = append(missing, id)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// submitFor is shared by the schedule and webhook triggers.
func submitFor(ctx context.Context, workflows workflow.Store, submitter Submitter, wfID, kind string, payload json.RawMessage, idemKey string) (*run.Run, error) {
	wf, err := workflows.Get(ctx, wfID)
	if err != nil {
		return nil, err
	}
	return submitter.Submit(ctx, orchestrator.SubmitRequest{
		Workflow:       wf,
		TenantID:       wf.TenantID,
		TriggerKind:    kind,
		TriggerPayload: payload,
		IdempotencyKey: idemKey,
	})
}
