package modelclient

import (
	"context"
	"errors"
	"time"
)

// ErrNoProviders is returned when a chat is attempted with no provider configured.
var ErrNoProviders = errors.New("modelclient: no providers configured")

// Message roles follow the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is the model's request to invoke a named tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON string as produced by the model
}

// Message is one turn of a chat conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"` // set on tool-result messages
}

// ToolDefinition describes a callable tool advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatRequest is a single completion call. When ResponseSchema is non-nil the
// provider enforces it via response_format; a nil schema leaves the model free.
type ChatRequest struct {
	Model          string
	Messages       []Message
	Tools          []ToolDefinition
	ResponseSchema map[string]any
	SchemaName     string
}

// Usage carries token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatResponse is the assistant turn plus observability metadata.
type ChatResponse struct {
	Message  Message
	Provider string
	Model    string
	Duration time.Duration
	Usage    Usage
}

// Client performs chat completions. Implementations must be safe for
// concurrent use.
type Client interface {
	// Name identifies the provider in logs and response metadata.
	Name() string

	// Chat runs one completion call.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
