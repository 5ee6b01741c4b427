package container

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/component"
)

// toolServer fakes a container-hosted tool server speaking the JSON-RPC
// protocol over a single POST endpoint.
func toolServer(t *testing.T, callResult toolsCallResult) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = json.RawMessage(`{"protocolVersion":"2024-11-05"}`)
		case "tools/list":
			raw, err := json.Marshal(toolsListResult{Tools: []component.ToolInfo{
				{Name: "probe", Description: "Probes a host"},
			}})
			require.NoError(t, err)
			resp.Result = raw
		case "tools/call":
			raw, err := json.Marshal(callResult)
			require.NoError(t, err)
			resp.Result = raw
		default:
			resp.Error = &rpcError{Code: -32601, Message: "unknown method"}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestRPCCallerHandshakeAndList(t *testing.T) {
	srv := toolServer(t, toolsCallResult{})
	defer srv.Close()

	c, err := newRPCCaller(context.Background(), srv.URL)
	require.NoError(t, err)

	tools, err := c.listTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "probe", tools[0].Name)
}

func TestRPCCallerCallToolJSONContent(t *testing.T) {
	srv := toolServer(t, toolsCallResult{
		Content: []contentItem{{Type: "text", Text: `{"alive":true}`}},
	})
	defer srv.Close()

	c, err := newRPCCaller(context.Background(), srv.URL)
	require.NoError(t, err)

	out, err := c.callTool(context.Background(), "probe", json.RawMessage(`{"host":"example.com"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"alive":true}`, string(out))
}

func TestRPCCallerWrapsPlainTextContent(t *testing.T) {
	srv := toolServer(t, toolsCallResult{
		Content: []contentItem{{Type: "text", Text: "host is up"}},
	})
	defer srv.Close()

	c, err := newRPCCaller(context.Background(), srv.URL)
	require.NoError(t, err)

	out, err := c.callTool(context.Background(), "probe", nil)
	require.NoError(t, err)
	assert.Equal(t, `"host is up"`, string(out))
}

func TestRPCCallerToolError(t *testing.T) {
	srv := toolServer(t, toolsCallResult{
		Content: []contentItem{{Type: "text", Text: "target unreachable"}},
		IsError: true,
	})
	defer srv.Close()

	c, err := newRPCCaller(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = c.callTool(context.Background(), "probe", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target unreachable")
}

func TestRPCCallerEmptyContent(t *testing.T) {
	srv := toolServer(t, toolsCallResult{})
	defer srv.Close()

	c, err := newRPCCaller(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = c.callTool(context.Background(), "probe", nil)
	require.Error(t, err)
}

func TestRPCCallerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newRPCCaller(context.Background(), srv.URL)
	require.Error(t, err)
}
