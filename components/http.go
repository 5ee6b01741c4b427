package components

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

const maxResponseBytes = 4 << 20

// HTTPRequest performs one outbound HTTP call through the tenant-scoped
// fetcher. Transport failures and 5xx responses are retryable; 4xx responses
// fail with a kind matching the status.
func HTTPRequest() *registry.Definition {
	return &registry.Definition{
		ID:          "core.http.request",
		Version:     "1.0.0",
		Description: "Performs an HTTP request and returns status, headers, and parsed body.",
		Inputs: []registry.PortSpec{
			{ID: "url", Type: registry.Text()},
			{ID: "body", Type: registry.JSON()},
		},
		Outputs: []registry.PortSpec{
			{ID: "status", Type: registry.Number()},
			{ID: "headers", Type: registry.Map(registry.Text())},
			{ID: "body", Type: registry.JSON()},
		},
		Params: []registry.ParamSpec{
			{ID: "method", Label: "Method", Default: http.MethodGet},
			{ID: "url", Label: "URL"},
			{ID: "headers", Label: "Headers"},
		},
		Runner: registry.Runner{Kind: registry.RunInline},
		Retry: registry.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
		Timeout: 60 * time.Second,
		Execute: executeHTTPRequest,
	}
}

func executeHTTPRequest(ctx context.Context, act component.Activation) component.Result {
	url, _ := act.Inputs["url"].(string)
	if url == "" {
		url, _ = act.Params["url"].(string)
	}
	if url == "" {
		return component.Fail(component.KindConfiguration, "http request has no url")
	}
	method, _ := act.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var bodyReader io.Reader
	if body, ok := act.Inputs["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return component.FailErr(component.KindValidation, "encode request body", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return component.FailErr(component.KindValidation, "build request", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := act.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	req.Header.Set("Idempotency-Key", act.IdempotencyKey)

	resp, err := act.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return component.Fail(component.KindTimeout, "request deadline exceeded")
		}
		return component.FailErr(component.KindNetwork, "http request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return component.FailErr(component.KindNetwork, "read response body", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return component.Fail(component.KindNetwork, fmt.Sprintf("upstream returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return component.Fail(component.KindRateLimit, "upstream throttled the request")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return component.Fail(component.KindAuthentication, fmt.Sprintf("upstream rejected credentials with %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return component.Fail(component.KindValidation, fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		// Non-JSON responses surface as text.
		body = string(raw)
	}
	return component.Succeed(component.Values{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    body,
	})
}
