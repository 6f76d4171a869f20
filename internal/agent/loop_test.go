package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loom-ai/loom/internal/agent"
	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/ui"
)

// scriptedClient replays canned responses and records every request it saw.
type scriptedClient struct {
	responses []modelclient.Message
	requests  []modelclient.ChatRequest
	err       error
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Chat(_ context.Context, req modelclient.ChatRequest) (*modelclient.ChatResponse, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	msg := c.responses[0]
	c.responses = c.responses[1:]
	return &modelclient.ChatResponse{Message: msg, Provider: "scripted"}, nil
}

func assistant(content string) modelclient.Message {
	return modelclient.Message{Role: modelclient.RoleAssistant, Content: content}
}

func toolCall(id, name, args string) modelclient.Message {
	return modelclient.Message{
		Role:      modelclient.RoleAssistant,
		ToolCalls: []modelclient.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

type fixedExecutor struct {
	payload string
	err     error
	calls   []modelclient.ToolCall
}

func (e *fixedExecutor) Execute(_ context.Context, call modelclient.ToolCall) (string, error) {
	e.calls = append(e.calls, call)
	return e.payload, e.err
}

var validUI = `{"root":{"type":"container","children":[{"type":"text","text":"hi"}]}}`

func schemaInput(tools ...modelclient.ToolDefinition) agent.RunInput {
	return agent.RunInput{
		Messages:       []modelclient.Message{{Role: modelclient.RoleUser, Content: "generate"}},
		Tools:          tools,
		ResponseSchema: map[string]any{"type": "object"},
		SchemaName:     "ui_document",
	}
}

func TestRunNoToolsEnforcesSchemaImmediately(t *testing.T) {
	client := &scriptedClient{responses: []modelclient.Message{assistant(validUI)}}
	loop := agent.New(client)

	result, err := loop.Run(context.Background(), schemaInput())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Placeholder {
		t.Fatal("valid output must not be replaced by the placeholder")
	}
	if result.Document.Root.Type != ui.KindContainer {
		t.Fatalf("unexpected root kind %q", result.Document.Root.Type)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected a single model call, got %d", len(client.requests))
	}
	if client.requests[0].ResponseSchema == nil {
		t.Fatal("schema must be enforced from the first turn when no tools exist")
	}
}

func TestRunToolRoundThenSchema(t *testing.T) {
	client := &scriptedClient{responses: []modelclient.Message{
		toolCall("call-1", "get_weather", `{"city":"Oslo"}`),
		assistant(validUI),
	}}
	executor := &fixedExecutor{payload: `{"temperature":12}`}
	loop := agent.New(client, agent.WithExecutor(executor))

	result, err := loop.Run(context.Background(), schemaInput(modelclient.ToolDefinition{Name: "get_weather"}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ToolRounds != 1 {
		t.Fatalf("expected one tool round, got %d", result.ToolRounds)
	}
	if len(executor.calls) != 1 || executor.calls[0].Name != "get_weather" {
		t.Fatalf("executor saw %+v", executor.calls)
	}

	if client.requests[0].ResponseSchema != nil {
		t.Fatal("first turn must not enforce the schema while tools are pending")
	}
	second := client.requests[1]
	if second.ResponseSchema == nil {
		t.Fatal("schema must be enforced after a tool round")
	}

	// The tool result is threaded back keyed by call id, followed by exactly
	// one schema reminder.
	var toolMsg, reminder int
	for _, msg := range second.Messages {
		if msg.Role == modelclient.RoleTool {
			toolMsg++
			if msg.ToolCallID != "call-1" || msg.Content != `{"temperature":12}` {
				t.Fatalf("unexpected tool message %+v", msg)
			}
		}
		if msg.Role == modelclient.RoleSystem && strings.Contains(msg.Content, "Respond now") {
			reminder++
		}
	}
	if toolMsg != 1 || reminder != 1 {
		t.Fatalf("tool messages=%d reminders=%d", toolMsg, reminder)
	}
}

func TestRunToolFailureEncodedInResult(t *testing.T) {
	client := &scriptedClient{responses: []modelclient.Message{
		toolCall("call-1", "get_weather", "{}"),
		assistant(validUI),
	}}
	loop := agent.New(client, agent.WithExecutor(&fixedExecutor{err: errors.New("endpoint unreachable")}))

	if _, err := loop.Run(context.Background(), schemaInput(modelclient.ToolDefinition{Name: "get_weather"})); err != nil {
		t.Fatalf("tool failure must not be fatal: %v", err)
	}

	second := client.requests[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == modelclient.RoleTool {
			var payload map[string]string
			if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
				t.Fatalf("tool result is not JSON: %q", msg.Content)
			}
			if !strings.Contains(payload["error"], "unreachable") {
				t.Fatalf("error payload missing cause: %q", msg.Content)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no tool-result message threaded back")
	}
}

func TestRunNudgeBudget(t *testing.T) {
	// The model never calls a tool. Expect: initial turn, two nudged retries
	// without schema, then one final schema-forced turn.
	client := &scriptedClient{responses: []modelclient.Message{
		assistant("I would rather chat."),
		assistant("Still chatting."),
		assistant("No tools for me."),
		assistant(validUI),
	}}
	loop := agent.New(client, agent.WithExecutor(&fixedExecutor{}))

	result, err := loop.Run(context.Background(), schemaInput(modelclient.ToolDefinition{Name: "get_weather"}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Nudges != agent.MaxToolNudges {
		t.Fatalf("expected %d nudges, got %d", agent.MaxToolNudges, result.Nudges)
	}
	if len(client.requests) != 4 {
		t.Fatalf("expected 4 model calls, got %d", len(client.requests))
	}
	for i := 0; i < 3; i++ {
		if client.requests[i].ResponseSchema != nil {
			t.Fatalf("call %d must not enforce the schema", i)
		}
	}
	if client.requests[3].ResponseSchema == nil {
		t.Fatal("final call must force the schema")
	}
	if result.Placeholder {
		t.Fatal("valid final output must be accepted")
	}
}

func TestRunUnparsableOutputYieldsPlaceholder(t *testing.T) {
	client := &scriptedClient{responses: []modelclient.Message{assistant("sorry, no JSON today")}}
	loop := agent.New(client)

	result, err := loop.Run(context.Background(), schemaInput())
	if err != nil {
		t.Fatalf("model misbehavior must not be fatal: %v", err)
	}
	if !result.Placeholder {
		t.Fatal("expected placeholder substitution")
	}
	if result.Document.Root.Type != ui.KindContainer || len(result.Document.Root.Children) == 0 {
		t.Fatalf("placeholder shape unexpected: %+v", result.Document.Root)
	}
}

func TestRunClientFailureIsFatal(t *testing.T) {
	loop := agent.New(&scriptedClient{err: errors.New("all providers failed")})
	if _, err := loop.Run(context.Background(), schemaInput()); err == nil {
		t.Fatal("provider exhaustion must surface as an error")
	}
}

func TestHTTPToolExecutorResolvesService(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.Write([]byte(`{"activityState":"running"}`))
	}))
	defer srv.Close()

	store := registry.NewStore()
	if _, err := store.RegisterService(registry.ServiceRecord{
		Name: "activity",
		URL:  srv.URL,
		Type: registry.ServiceTypeCapability,
	}); err != nil {
		t.Fatalf("register service: %v", err)
	}

	executor := agent.NewHTTPToolExecutor(store, []agent.ToolBinding{{
		Definition: modelclient.ToolDefinition{Name: "get_activity"},
		Service:    "activity",
		Path:       "/state",
		Method:     http.MethodGet,
	}})

	payload, err := executor.Execute(context.Background(), modelclient.ToolCall{Name: "get_activity"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/state" || gotMethod != http.MethodGet {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if payload != `{"activityState":"running"}` {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestHTTPToolExecutorUnknownService(t *testing.T) {
	executor := agent.NewHTTPToolExecutor(registry.NewStore(), []agent.ToolBinding{{
		Definition: modelclient.ToolDefinition{Name: "ghost_tool"},
		Service:    "ghost",
	}})
	if _, err := executor.Execute(context.Background(), modelclient.ToolCall{Name: "ghost_tool"}); err == nil {
		t.Fatal("expected resolution error for unregistered service")
	}
}

func TestHTTPToolExecutorWrapsPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("just text"))
	}))
	defer srv.Close()

	executor := agent.NewHTTPToolExecutor(registry.NewStore(), []agent.ToolBinding{{
		Definition: modelclient.ToolDefinition{Name: "echo"},
		URL:        srv.URL,
	}})

	payload, err := executor.Execute(context.Background(), modelclient.ToolCall{Name: "echo", Arguments: "{}"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var wrapped map[string]string
	if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
		t.Fatalf("payload is not JSON: %q", payload)
	}
	if wrapped["result"] != "just text" {
		t.Fatalf("unexpected wrapped payload %q", payload)
	}
}
