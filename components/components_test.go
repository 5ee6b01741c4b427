package components_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/components"
	approvalinmem "github.com/strandsec/strand/runtime/approval/inmem"
	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/model"
	"github.com/strandsec/strand/runtime/registry"
	sinkinmem "github.com/strandsec/strand/runtime/sink/inmem"
)

// nopLogger satisfies the activation logger for components under test.
type nopLogger struct{}

func (nopLogger) Logf(context.Context, string, ...any)              {}
func (nopLogger) Progress(context.Context, string, map[string]any) {}

// scriptedModel replays canned completions and records requests.
type scriptedModel struct {
	responses []*model.Response
	err       error
	requests  []*model.Request
}

func (m *scriptedModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

// fakePort is an in-test tool session port.
type fakePort struct {
	tools   []component.ToolInfo
	callErr error
	reply   json.RawMessage
	calls   []string
}

func (p *fakePort) ListTools(context.Context) ([]component.ToolInfo, error) {
	return p.tools, nil
}

func (p *fakePort) CallTool(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	p.calls = append(p.calls, name)
	if p.callErr != nil {
		return nil, p.callErr
	}
	return p.reply, nil
}

func TestRegisterAllInstallsCatalogue(t *testing.T) {
	reg := registry.New()
	err := components.RegisterAll(reg, components.Deps{
		Approvals: approvalinmem.New(),
		Findings:  sinkinmem.New(),
		Model:     &scriptedModel{responses: []*model.Response{{Text: "ok"}}},
	})
	require.NoError(t, err)
	reg.Freeze()

	for _, id := range []string{
		"trigger.manual", "trigger.webhook", "trigger.schedule",
		"core.http.request", "core.transform",
		"gate.approval", "gate.form",
		"sink.findings", "core.agent",
		"recon.subfinder", "scan.httpx", "scan.nuclei",
	} {
		_, err := reg.Get(id)
		assert.NoError(t, err, id)
	}
}

func TestRegisterAllSkipsOptionalComponents(t *testing.T) {
	reg := registry.New()
	require.NoError(t, components.RegisterAll(reg, components.Deps{}))
	reg.Freeze()

	for _, id := range []string{"gate.approval", "gate.form", "sink.findings", "core.agent"} {
		_, err := reg.Get(id)
		assert.ErrorIs(t, err, registry.ErrNotFound, id)
	}
	_, err := reg.Get("core.transform")
	assert.NoError(t, err)
}
