package components_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/components"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

func TestManualTriggerEchoesPayload(t *testing.T) {
	def := components.ManualTrigger()
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"domain": "example.com", "depth": float64(2)},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, "example.com", res.Output["domain"])
	payload := res.Output["payload"].(map[string]any)
	assert.Equal(t, "example.com", payload["domain"])
	assert.Equal(t, float64(2), payload["depth"])
}

func TestManualTriggerResolvesFieldPorts(t *testing.T) {
	def := components.ManualTrigger()
	require.NotNil(t, def.ResolvePorts)

	_, outs, err := def.ResolvePorts(map[string]any{
		"fields": map[string]any{"depth": "number", "domain": "text"},
	})
	require.NoError(t, err)
	require.Len(t, outs, 3)
	assert.Equal(t, "payload", outs[0].ID)
	assert.Equal(t, "depth", outs[1].ID)
	assert.Equal(t, registry.Number(), outs[1].Type)
	assert.Equal(t, "domain", outs[2].ID)
	assert.Equal(t, registry.Text(), outs[2].Type)
}

func TestManualTriggerRejectsMissingDeclaredField(t *testing.T) {
	def := components.ManualTrigger()
	res := def.Execute(context.Background(), component.Activation{
		Params: map[string]any{"fields": map[string]any{"domain": "text", "depth": "number"}},
		Inputs: component.Values{"depth": float64(2)},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindValidation, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "domain")
	assert.NotContains(t, res.Failure.Message, "depth")
}

func TestManualTriggerRejectsUnknownFieldType(t *testing.T) {
	def := components.ManualTrigger()
	_, _, err := def.ResolvePorts(map[string]any{
		"fields": map[string]any{"blob": "binary"},
	})
	require.Error(t, err)
}

func TestManualTriggerNoFields(t *testing.T) {
	def := components.ManualTrigger()
	_, outs, err := def.ResolvePorts(nil)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "payload", outs[0].ID)
}

func TestWebhookTriggerEchoesDelivery(t *testing.T) {
	def := components.WebhookTrigger()
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{
			"body":       map[string]any{"action": "opened"},
			"source":     "github",
			"deliveryId": "d-1",
		},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, "github", res.Output["source"])
	assert.Equal(t, "d-1", res.Output["deliveryId"])
}

func TestScheduleTriggerEchoesFiring(t *testing.T) {
	def := components.ScheduleTrigger()
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"scheduleId": "s-1", "firingInstant": "2026-03-01T02:00:00Z"},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, "s-1", res.Output["scheduleId"])
	assert.Equal(t, "2026-03-01T02:00:00Z", res.Output["firingInstant"])
}
