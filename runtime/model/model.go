// Package model defines the provider-agnostic language model surface used by
// agent components. The agent planner loop talks to a Client; adapters under
// features/model translate to concrete provider SDKs.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited marks provider throttling so callers can map it to a
// retryable rate-limit failure.
var ErrRateLimited = errors.New("model provider rate limited")

// Conversation roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type (
	// Message is one turn of a conversation. Text, ToolCalls and ToolResults
	// are content slots; a turn uses whichever apply.
	Message struct {
		Role        Role
		Text        string
		ToolCalls   []ToolCall
		ToolResults []ToolResult
	}

	// ToolDefinition advertises a callable tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema json.RawMessage
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID        string
		Name      string
		Arguments json.RawMessage
	}

	// ToolResult carries a tool outcome back to the model.
	ToolResult struct {
		CallID  string
		Content string
		IsError bool
	}

	// Usage reports token consumption for one completion.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request is a single completion request.
	Request struct {
		Model       string
		System      string
		Messages    []Message
		Tools       []ToolDefinition
		MaxTokens   int
		Temperature float64
	}

	// Response is the model's turn. StopReason is the provider's verbatim
	// stop reason ("end_turn", "tool_use", "max_tokens").
	Response struct {
		Text       string
		ToolCalls  []ToolCall
		StopReason string
		Usage      Usage
	}

	// Client issues completions against a concrete provider.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)
