package components_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/components"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/sink"
	sinkinmem "github.com/strandsec/strand/runtime/sink/inmem"
)

// erringIndexer fails every batch with a fixed error.
type erringIndexer struct{ err error }

func (x erringIndexer) Index(context.Context, sink.Batch) (int, error) { return 0, x.err }

func TestFindingsSinkIndexes(t *testing.T) {
	idx := sinkinmem.New()
	def := components.FindingsSink(idx)

	res := def.Execute(context.Background(), component.Activation{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		TenantID:   "acme",
		NodeRef:    "report",
		Inputs: component.Values{"items": []any{
			map[string]any{"assetKey": "https://a.example.com", "severity": "high"},
			map[string]any{"assetKey": "https://b.example.com", "severity": "low"},
		}},
		Log: nopLogger{},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, 2, res.Output["indexed"])
	assert.Len(t, idx.Documents("acme"), 2)
}

func TestFindingsSinkEmptyInput(t *testing.T) {
	def := components.FindingsSink(sinkinmem.New())
	res := def.Execute(context.Background(), component.Activation{Inputs: component.Values{}})
	require.True(t, res.Succeeded())
	assert.Equal(t, 0, res.Output["indexed"])
}

func TestFindingsSinkRejectsNonList(t *testing.T) {
	def := components.FindingsSink(sinkinmem.New())
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"items": map[string]any{"assetKey": "x"}},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindValidation, res.Failure.Kind)
}

func TestFindingsSinkRetryableIndexError(t *testing.T) {
	def := components.FindingsSink(erringIndexer{err: errors.New("connection reset")})
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"items": []any{map[string]any{"assetKey": "x"}}},
		Log:    nopLogger{},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindNetwork, res.Failure.Kind)
	assert.True(t, res.Failure.Retryable)
}

func TestFindingsSinkPermanentIndexError(t *testing.T) {
	def := components.FindingsSink(erringIndexer{err: sink.Permanent(errors.New("mapping rejected"))})
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"items": []any{map[string]any{"assetKey": "x"}}},
		Log:    nopLogger{},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindValidation, res.Failure.Kind)
	assert.False(t, res.Failure.Retryable)
}
