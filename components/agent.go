package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/model"
	"github.com/strandsec/strand/runtime/registry"
)

const defaultAgentIterations = 8

// Agent runs a model-driven planner loop over the tools reachable through
// the activation's gateway session. Each iteration sends the conversation to
// the model, executes any requested tool calls through the gateway, and
// feeds results back until the model stops calling tools or the iteration
// cap is reached.
func Agent(client model.Client) *registry.Definition {
	return &registry.Definition{
		ID:          "core.agent",
		Version:     "1.0.0",
		Description: "Plans and executes tool calls with a language model.",
		Inputs: []registry.PortSpec{
			{ID: "prompt", Type: registry.Text(), Required: true},
			{ID: "context", Type: registry.JSON(), AllowAny: true},
		},
		Outputs: []registry.PortSpec{
			{ID: "response", Type: registry.Text()},
			{ID: "toolCalls", Type: registry.Number()},
		},
		Params: []registry.ParamSpec{
			{ID: "system", Label: "System prompt"},
			{ID: "model", Label: "Model"},
			{ID: "maxIterations", Label: "Max iterations"},
		},
		Capabilities: registry.Capabilities{ToolMode: true},
		Runner:       registry.Runner{Kind: registry.RunInline},
		Retry: registry.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2.0,
		},
		Timeout: 10 * time.Minute,
		Execute: func(ctx context.Context, act component.Activation) component.Result {
			return executeAgent(ctx, client, act)
		},
	}
}

func executeAgent(ctx context.Context, client model.Client, act component.Activation) component.Result {
	prompt, _ := act.Inputs["prompt"].(string)
	if prompt == "" {
		return component.Fail(component.KindValidation, "agent has no prompt")
	}
	if act.Tools == nil {
		return component.Fail(component.KindConfiguration, "agent has no tool session")
	}
	tools, err := act.Tools.ListTools(ctx)
	if err != nil {
		return component.FailErr(component.KindNetwork, "list tools", err)
	}
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	maxIter := defaultAgentIterations
	if v, ok := act.Params["maxIterations"].(float64); ok && v > 0 {
		maxIter = int(v)
	}
	system, _ := act.Params["system"].(string)
	modelID, _ := act.Params["model"].(string)

	userText := prompt
	if extra, ok := act.Inputs["context"]; ok && extra != nil {
		if encoded, err := json.Marshal(extra); err == nil {
			userText = fmt.Sprintf("%s\n\nContext:\n%s", prompt, encoded)
		}
	}
	messages := []model.Message{{Role: model.RoleUser, Text: userText}}

	totalCalls := 0
	var finalText string
	for iter := 0; iter < maxIter; iter++ {
		resp, err := client.Complete(ctx, &model.Request{
			Model:    modelID,
			System:   system,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			if errors.Is(err, model.ErrRateLimited) {
				return component.FailErr(component.KindRateLimit, "model throttled", err)
			}
			if ctx.Err() != nil {
				return component.Fail(component.KindTimeout, "agent deadline exceeded")
			}
			return component.FailErr(component.KindNetwork, "model completion failed", err)
		}
		finalText = resp.Text
		if len(resp.ToolCalls) == 0 {
			break
		}
		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]model.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			totalCalls++
			act.Log.Progress(ctx, "tool call", map[string]any{"tool": call.Name, "iteration": iter + 1})
			out, callErr := act.Tools.CallTool(ctx, call.Name, call.Arguments)
			if callErr != nil {
				results = append(results, model.ToolResult{
					CallID:  call.ID,
					Content: callErr.Error(),
					IsError: true,
				})
				continue
			}
			results = append(results, model.ToolResult{CallID: call.ID, Content: string(out)})
		}
		messages = append(messages, model.Message{Role: model.RoleUser, ToolResults: results})
	}
	return component.Succeed(component.Values{
		"response":  finalText,
		"toolCalls": totalCalls,
	})
}
