package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 8 << 10

// HTTPProvider talks to an OpenAI-compatible chat-completions endpoint.
// Both the hosted primary and a self-hosted secondary speak this dialect.
type HTTPProvider struct {
	name         string
	client       *http.Client
	endpoint     string
	apiKey       string
	defaultModel string
}

// NewHTTPProvider builds a provider for the given endpoint. The endpoint is
// the API base (".../v1"); the chat-completions path is appended. An empty
// apiKey sends no Authorization header, which self-hosted endpoints accept.
//
// No request timeout is configured: a generation call may legitimately run
// for minutes while the model streams through tool rounds, and the upstream
// pipeline has no cancellation to propagate anyway.
func NewHTTPProvider(name, endpoint, apiKey, defaultModel string) *HTTPProvider {
	return &HTTPProvider{
		name:         name,
		client:       &http.Client{},
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
}

// Name identifies the provider.
func (p *HTTPProvider) Name() string { return p.name }

// Wire types for the OpenAI chat-completions dialect.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Tools          []wireTool     `json:"tools,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat runs one completion call against the endpoint.
func (p *HTTPProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.endpoint == "" {
		return nil, fmt.Errorf("modelclient: provider %s has no endpoint", p.name)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := wireRequest{Model: model}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, toWireMessage(msg))
	}
	for _, tool := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = tool.Name
		wt.Function.Description = tool.Description
		wt.Function.Parameters = tool.Parameters
		payload.Tools = append(payload.Tools, wt)
	}
	if req.ResponseSchema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		payload.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   name,
				"schema": req.ResponseSchema,
				"strict": true,
			},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("modelclient: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("modelclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("modelclient: %s call failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("modelclient: %s returned %s: %s",
			p.name, resp.Status, strings.TrimSpace(string(detail)))
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("modelclient: decode %s response: %w", p.name, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("modelclient: response contained no choices")
	}

	message := fromWireMessage(decoded.Choices[0].Message)
	return &ChatResponse{
		Message:  message,
		Provider: p.name,
		Model:    decoded.Model,
		Duration: time.Since(start),
		Usage: Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}, nil
}

func toWireMessage(msg Message) wireMessage {
	wire := wireMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, call := range msg.ToolCalls {
		wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
			ID:   call.ID,
			Type: "function",
			Function: wireFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return wire
}

func fromWireMessage(wire wireMessage) Message {
	msg := Message{
		Role:       wire.Role,
		Content:    wire.Content,
		ToolCallID: wire.ToolCallID,
	}
	for _, call := range wire.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return msg
}
