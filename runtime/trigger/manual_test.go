package trigger_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/trigger"
	"github.com/strandsec/strand/runtime/workflow"
	wfinmem "github.com/strandsec/strand/runtime/workflow/inmem"
)

func newManual(t *testing.T, nodes ...graph.Node) (*trigger.Manual, *recordingSubmitter) {
	t.Helper()
	wfs := wfinmem.New()
	require.NoError(t, wfs.Save(context.Background(), &graph.Workflow{
		ID:       "wf-1",
		TenantID: "acme",
		Name:     "recon",
		Graph:    graph.Graph{Nodes: nodes},
	}))
	sub := &recordingSubmitter{}
	return trigger.NewManual(wfs, sub), sub
}

func TestManualSubmit(t *testing.T) {
	m, sub := newManual(t, graph.Node{ID: "start", ComponentRef: "trigger.manual"})

	r, err := m.Submit(context.Background(), "wf-1", map[string]any{"domain": "example.com"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", r.ID)

	reqs := sub.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, trigger.KindManual, reqs[0].TriggerKind)
	assert.Equal(t, "acme", reqs[0].TenantID)
	assert.Equal(t, "key-1", reqs[0].IdempotencyKey)

	var inputs map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].TriggerPayload, &inputs))
	assert.Equal(t, "example.com", inputs["domain"])
}

func TestManualSubmitUnknownWorkflow(t *testing.T) {
	m, sub := newManual(t)
	_, err := m.Submit(context.Background(), "absent", nil, "")
	require.ErrorIs(t, err, workflow.ErrNotFound)
	assert.Empty(t, sub.all())
}

func TestManualSubmitRejectsMissingDeclaredFields(t *testing.T) {
	// The trigger declares two fields; a submission lacking one fails before
	// anything reaches the submitter.
	m, sub := newManual(t, graph.Node{
		ID:           "start",
		ComponentRef: "trigger.manual",
		Params:       map[string]any{"fields": map[string]any{"domain": "text", "depth": "number"}},
	})

	_, err := m.Submit(context.Background(), "wf-1", map[string]any{"depth": float64(2)}, "")
	require.ErrorIs(t, err, trigger.ErrMissingInput)
	assert.Contains(t, err.Error(), "domain")
	assert.Empty(t, sub.all())

	// A complete submission goes through.
	_, err = m.Submit(context.Background(), "wf-1", map[string]any{
		"domain": "example.com",
		"depth":  float64(2),
	}, "")
	require.NoError(t, err)
	assert.Len(t, sub.all(), 1)
}

func TestManualSubmitNoDeclaredFields(t *testing.T) {
	// A trigger without a fields param accepts any payload, including none.
	m, sub := newManual(t, graph.Node{ID: "start", ComponentRef: "trigger.manual"})
	_, err := m.Submit(context.Background(), "wf-1", nil, "")
	require.NoError(t, err)
	assert.Len(t, sub.all(), 1)
}
