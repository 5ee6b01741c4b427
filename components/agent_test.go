package components_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/components"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/model"
)

func probePort() *fakePort {
	return &fakePort{
		tools: []component.ToolInfo{{
			Name:        "probe",
			Description: "Probes a host",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		reply: json.RawMessage(`{"alive":true}`),
	}
}

func TestAgentDirectAnswer(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{{Text: "nothing to scan", StopReason: "end_turn"}}}
	port := probePort()
	def := components.Agent(m)

	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"prompt": "assess example.com"},
		Params: map[string]any{"system": "you are a scanner", "model": "fast-1"},
		Tools:  port,
		Log:    nopLogger{},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, "nothing to scan", res.Output["response"])
	assert.Equal(t, 0, res.Output["toolCalls"])
	assert.Empty(t, port.calls)

	require.Len(t, m.requests, 1)
	req := m.requests[0]
	assert.Equal(t, "you are a scanner", req.System)
	assert.Equal(t, "fast-1", req.Model)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "probe", req.Tools[0].Name)
}

func TestAgentToolLoop(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		{
			Text:      "probing",
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "probe", Arguments: json.RawMessage(`{"host":"example.com"}`)}},
		},
		{Text: "host is alive", StopReason: "end_turn"},
	}}
	port := probePort()
	def := components.Agent(m)

	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"prompt": "assess example.com"},
		Tools:  port,
		Log:    nopLogger{},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, "host is alive", res.Output["response"])
	assert.Equal(t, 1, res.Output["toolCalls"])
	assert.Equal(t, []string{"probe"}, port.calls)

	// The second completion sees the assistant turn and the tool result.
	require.Len(t, m.requests, 2)
	msgs := m.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[2].ToolResults, 1)
	assert.Equal(t, "c1", msgs[2].ToolResults[0].CallID)
	assert.JSONEq(t, `{"alive":true}`, msgs[2].ToolResults[0].Content)
	assert.False(t, msgs[2].ToolResults[0].IsError)
}

func TestAgentToolErrorFedBack(t *testing.T) {
	m := &scriptedModel{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "probe"}}},
		{Text: "giving up"},
	}}
	port := probePort()
	port.callErr = context.DeadlineExceeded
	def := components.Agent(m)

	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"prompt": "assess"},
		Tools:  port,
		Log:    nopLogger{},
	})
	require.True(t, res.Succeeded())
	msgs := m.requests[1].Messages
	require.Len(t, msgs[2].ToolResults, 1)
	assert.True(t, msgs[2].ToolResults[0].IsError)
}

func TestAgentIterationCap(t *testing.T) {
	// The model asks for a tool on every turn; the loop stops at the cap.
	m := &scriptedModel{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c", Name: "probe"}}},
	}}
	port := probePort()
	def := components.Agent(m)

	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"prompt": "assess"},
		Params: map[string]any{"maxIterations": float64(3)},
		Tools:  port,
		Log:    nopLogger{},
	})
	require.True(t, res.Succeeded())
	assert.Equal(t, 3, res.Output["toolCalls"])
	assert.Len(t, m.requests, 3)
}

func TestAgentRateLimited(t *testing.T) {
	def := components.Agent(&scriptedModel{err: model.ErrRateLimited})
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"prompt": "assess"},
		Tools:  probePort(),
		Log:    nopLogger{},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindRateLimit, res.Failure.Kind)
}

func TestAgentRequiresPrompt(t *testing.T) {
	def := components.Agent(&scriptedModel{})
	res := def.Execute(context.Background(), component.Activation{Tools: probePort()})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindValidation, res.Failure.Kind)
}

func TestAgentRequiresToolSession(t *testing.T) {
	def := components.Agent(&scriptedModel{})
	res := def.Execute(context.Background(), component.Activation{
		Inputs: component.Values{"prompt": "assess"},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, component.KindConfiguration, res.Failure.Kind)
}
