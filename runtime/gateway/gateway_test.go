package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/event"
	eventinmem "github.com/strandsec/strand/runtime/event/inmem"
	"github.com/strandsec/strand/runtime/gateway"
	"github.com/strandsec/strand/runtime/orchestrator"
)

// fakeBackend serves a fixed tool set and records calls.
type fakeBackend struct {
	tools []component.ToolInfo
	calls []string
	reply json.RawMessage
}

func (b *fakeBackend) ListTools(context.Context) ([]component.ToolInfo, error) {
	return b.tools, nil
}

func (b *fakeBackend) CallTool(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	b.calls = append(b.calls, name)
	return b.reply, nil
}

type fakeResolver struct {
	backend  *fakeBackend
	released int
}

func (r *fakeResolver) Backend(context.Context, string, string, string) (gateway.ToolBackend, func(), error) {
	return r.backend, func() { r.released++ }, nil
}

func scanBackend() *fakeBackend {
	return &fakeBackend{
		tools: []component.ToolInfo{
			{
				Name:        "probe",
				Description: "Probes a host",
				InputSchema: json.RawMessage(`{"type":"object","required":["host"],"properties":{"host":{"type":"string"}}}`),
			},
		},
		reply: json.RawMessage(`{"alive":true}`),
	}
}

func openSession(t *testing.T, g *gateway.Gateway) orchestrator.ToolSession {
	t.Helper()
	sess, err := g.Open(context.Background(), orchestrator.ToolSessionSpec{
		RunID:    "run-1",
		NodeRef:  "agent",
		TenantID: "acme",
		Targets:  []orchestrator.ToolTarget{{NodeRef: "scan", ComponentID: "scan.httpx"}},
	})
	require.NoError(t, err)
	return sess
}

func newGateway(t *testing.T, resolver gateway.BackendResolver, hub *event.Hub) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(gateway.Config{Secret: []byte("gw-secret")}, resolver, hub, nil, nil)
	require.NoError(t, err)
	return g
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := gateway.New(gateway.Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestSessionListAndCall(t *testing.T) {
	backend := scanBackend()
	g := newGateway(t, &fakeResolver{backend: backend}, nil)
	sess := openSession(t, g)
	defer sess.Close(context.Background())
	port := sess.Port()

	tools, err := port.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "probe", tools[0].Name)

	out, err := port.CallTool(context.Background(), "probe", json.RawMessage(`{"host":"example.com"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"alive":true}`, string(out))
	assert.Equal(t, []string{"probe"}, backend.calls)
}

func TestCallToolOutsideScope(t *testing.T) {
	backend := scanBackend()
	hub := event.NewHub(eventinmem.New())
	g := newGateway(t, &fakeResolver{backend: backend}, hub)
	sess := openSession(t, g)
	defer sess.Close(context.Background())

	_, err := sess.Port().CallTool(context.Background(), "exploit", json.RawMessage(`{}`))
	require.ErrorIs(t, err, gateway.ErrNotPermitted)
	assert.Empty(t, backend.calls, "nothing reaches the backend")

	// The rejection is audited on the run's event stream.
	evs, err := hub.Log().Read(context.Background(), "run-1", 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, event.KindToolCall, evs[0].Kind)
	var p event.ToolCallPayload
	require.NoError(t, evs[0].DecodePayload(&p))
	assert.True(t, p.Rejected)
	assert.Equal(t, "exploit", p.Tool)
}

func TestCallToolSchemaRejection(t *testing.T) {
	backend := scanBackend()
	g := newGateway(t, &fakeResolver{backend: backend}, nil)
	sess := openSession(t, g)
	defer sess.Close(context.Background())

	_, err := sess.Port().CallTool(context.Background(), "probe", json.RawMessage(`{"port":80}`))
	require.ErrorIs(t, err, gateway.ErrInvalidArguments)
	assert.Empty(t, backend.calls)

	_, err = sess.Port().CallTool(context.Background(), "probe", json.RawMessage(`not json`))
	require.ErrorIs(t, err, gateway.ErrInvalidArguments)
}

func TestCallToolRateLimit(t *testing.T) {
	backend := scanBackend()
	g, err := gateway.New(gateway.Config{
		Secret:         []byte("gw-secret"),
		CallsPerSecond: 0.001,
		Burst:          2,
	}, &fakeResolver{backend: backend}, nil, nil, nil)
	require.NoError(t, err)
	sess := openSession(t, g)
	defer sess.Close(context.Background())
	port := sess.Port()

	args := json.RawMessage(`{"host":"example.com"}`)
	for i := 0; i < 2; i++ {
		_, err := port.CallTool(context.Background(), "probe", args)
		require.NoError(t, err)
	}
	_, err = port.CallTool(context.Background(), "probe", args)
	require.ErrorIs(t, err, gateway.ErrRateLimited)
}

func TestCloseRevokesAndReleases(t *testing.T) {
	resolver := &fakeResolver{backend: scanBackend()}
	g := newGateway(t, resolver, nil)
	sess := openSession(t, g)

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()), "close is idempotent")
	assert.Equal(t, 1, resolver.released, "backing server returned to the pool once")

	_, err := sess.Port().CallTool(context.Background(), "probe", json.RawMessage(`{"host":"x"}`))
	require.ErrorIs(t, err, gateway.ErrInvalidToken)
}

func rpcCall(t *testing.T, g *gateway.Gateway, token string, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", "/gateway", bytes.NewReader([]byte(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec.Code, decoded
}

func TestHandlerAuthentication(t *testing.T) {
	g := newGateway(t, &fakeResolver{backend: scanBackend()}, nil)

	code, _ := rpcCall(t, g, "", `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	assert.Equal(t, 401, code)

	code, _ = rpcCall(t, g, "forged.deadbeef", `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	assert.Equal(t, 401, code)
}

func TestHandlerToolsListAndCall(t *testing.T) {
	g := newGateway(t, &fakeResolver{backend: scanBackend()}, nil)
	sess := openSession(t, g)
	defer sess.Close(context.Background())
	token := sess.(interface{ Token() string }).Token()

	code, resp := rpcCall(t, g, token, `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	require.Equal(t, 200, code)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]any)
	assert.Len(t, result["tools"], 1)

	code, resp = rpcCall(t, g, token,
		`{"jsonrpc":"2.0","method":"tools/call","id":2,"params":{"name":"probe","arguments":{"host":"example.com"}}}`)
	require.Equal(t, 200, code)
	require.Nil(t, resp["error"])

	code, resp = rpcCall(t, g, token,
		`{"jsonrpc":"2.0","method":"tools/call","id":3,"params":{"name":"exploit","arguments":{}}}`)
	require.Equal(t, 200, code)
	require.NotNil(t, resp["error"])

	code, resp = rpcCall(t, g, token, `{"jsonrpc":"2.0","method":"no/such","id":4}`)
	require.Equal(t, 200, code)
	require.NotNil(t, resp["error"])
}
