// Package llm talks to the language model that drives the agent loop.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role      Role
	Content   string
	ToolCalls []ToolCall
	// ToolCallID and ToolName identify the request a tool message answers.
	ToolCallID string
	ToolName   string
}

// ToolCall is an action the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool is a capability offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Options are per-request model parameters.
type Options struct {
	Model       string
	Temperature float64
	// Timeout bounds a single completion. Zero means no extra bound.
	Timeout time.Duration
}

// Completion is the model's reply.
type Completion struct {
	Model     string
	Content   string
	ToolCalls []ToolCall
	// Token counts as reported by the backend, zero when unknown.
	PromptTokens int
	OutputTokens int
}

// Backend produces completions.
type Backend interface {
	Complete(ctx context.Context, messages []Message, tools []Tool, opts Options) (*Completion, error)
}
