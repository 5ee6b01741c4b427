package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/strandsec/strand/runtime/component"
)

// protocolVersion is the tool protocol revision sent in the initialize
// handshake.
const protocolVersion = "2024-11-05"

type (
	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	toolsListResult struct {
		Tools []component.ToolInfo `json:"tools"`
	}

	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	// rpcCaller speaks JSON-RPC over HTTP to one tool server.
	rpcCaller struct {
		endpoint string
		client   *http.Client
		id       uint64
	}
)

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool server error %d: %s", e.Code, e.Message)
}

// newRPCCaller performs the initialize handshake against the server.
func newRPCCaller(ctx context.Context, endpoint string) (*rpcCaller, error) {
	c := &rpcCaller{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "strand", "version": "dev"},
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.call(initCtx, "initialize", params, nil); err != nil {
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	return c, nil
}

func (c *rpcCaller) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

func (c *rpcCaller) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool server rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// listTools returns the server's registered tools.
func (c *rpcCaller) listTools(ctx context.Context) ([]component.ToolInfo, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// callTool dispatches tools/call and normalizes the result to raw JSON.
func (c *rpcCaller) callTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name, "arguments": args}
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	if len(result.Content) == 0 {
		return nil, fmt.Errorf("tool %s returned no content", name)
	}
	text := result.Content[0].Text
	if result.IsError {
		return nil, fmt.Errorf("tool %s: %s", name, text)
	}
	raw := []byte(text)
	if !json.Valid(raw) {
		marshaled, err := json.Marshal(text)
		if err != nil {
			return nil, err
		}
		raw = marshaled
	}
	return raw, nil
}
