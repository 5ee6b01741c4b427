package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// JSON-RPC canonical error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

type (
	rpcRequest struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
		Params  json.RawMessage `json:"params"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
		ID      json.RawMessage `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	callParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
)

// Handler returns the HTTP surface of the gateway: a single JSON-RPC endpoint
// accepting tools/list and tools/call, authenticated by the session bearer
// token. Container-hosted agents that cannot use the in-process port talk to
// this endpoint.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sess, err := g.authenticate(token)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
			return
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "tools/list":
			tools, err := sess.ListTools(r.Context())
			if err != nil {
				resp.Error = &rpcError{Code: rpcInternalError, Message: err.Error()}
				break
			}
			resp.Result = map[string]any{"tools": tools}
		case "tools/call":
			var params callParams
			if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
				resp.Error = &rpcError{Code: rpcInvalidParams, Message: "tools/call requires name and arguments"}
				break
			}
			out, err := sess.CallTool(r.Context(), params.Name, params.Arguments)
			if err != nil {
				resp.Error = callError(err)
				break
			}
			resp.Result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": string(out)}},
			}
		case "initialize":
			resp.Result = map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "strand-gateway"},
			}
		default:
			resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "unknown method " + req.Method}
		}
		writeRPC(w, resp)
	})
}

func callError(err error) *rpcError {
	switch {
	case errors.Is(err, ErrNotPermitted):
		return &rpcError{Code: rpcInvalidRequest, Message: err.Error()}
	case errors.Is(err, ErrInvalidArguments):
		return &rpcError{Code: rpcInvalidParams, Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return &rpcError{Code: rpcInvalidRequest, Message: err.Error()}
	default:
		return &rpcError{Code: rpcInternalError, Message: err.Error()}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
