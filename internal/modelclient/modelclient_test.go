package modelclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loom-ai/loom/internal/modelclient"
)

func newChatServer(t *testing.T, handler func(body map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(handler(body)); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func completion(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func TestHTTPProviderChat(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(completion("hello"))
	}))
	defer srv.Close()

	provider := modelclient.NewHTTPProvider("primary", srv.URL, "sk-test", "gpt-test")
	resp, err := provider.Chat(context.Background(), modelclient.ChatRequest{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if resp.Provider != "primary" || resp.Model != "test-model" {
		t.Fatalf("unexpected metadata: provider=%q model=%q", resp.Provider, resp.Model)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestHTTPProviderSchemaEnforcement(t *testing.T) {
	srv := newChatServer(t, func(body map[string]any) map[string]any {
		format, ok := body["response_format"].(map[string]any)
		if !ok {
			t.Error("response_format missing from payload")
		} else if format["type"] != "json_schema" {
			t.Errorf("unexpected response_format type %v", format["type"])
		}
		return completion(`{"root":{"type":"container"}}`)
	})
	defer srv.Close()

	provider := modelclient.NewHTTPProvider("primary", srv.URL, "", "gpt-test")
	_, err := provider.Chat(context.Background(), modelclient.ChatRequest{
		Messages:       []modelclient.Message{{Role: modelclient.RoleUser, Content: "go"}},
		ResponseSchema: map[string]any{"type": "object"},
		SchemaName:     "ui_document",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
}

func TestHTTPProviderToolCalls(t *testing.T) {
	srv := newChatServer(t, func(body map[string]any) map[string]any {
		tools, ok := body["tools"].([]any)
		if !ok || len(tools) != 1 {
			t.Errorf("expected one tool in payload, got %v", body["tools"])
		}
		return map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []any{
						map[string]any{
							"id":   "call-1",
							"type": "function",
							"function": map[string]any{
								"name":      "get_weather",
								"arguments": `{"city":"Oslo"}`,
							},
						},
					},
				}},
			},
		}
	})
	defer srv.Close()

	provider := modelclient.NewHTTPProvider("primary", srv.URL, "", "gpt-test")
	resp, err := provider.Chat(context.Background(), modelclient.ChatRequest{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Content: "weather?"}},
		Tools:    []modelclient.ToolDefinition{{Name: "get_weather"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "get_weather" || call.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	provider := modelclient.NewHTTPProvider("primary", srv.URL, "", "gpt-test")
	_, err := provider.Chat(context.Background(), modelclient.ChatRequest{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

type stubClient struct {
	name  string
	err   error
	calls int
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Chat(_ context.Context, _ modelclient.ChatRequest) (*modelclient.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &modelclient.ChatResponse{
		Message:  modelclient.Message{Role: modelclient.RoleAssistant, Content: "ok"},
		Provider: s.name,
	}, nil
}

func TestChainFallsBackToSecondary(t *testing.T) {
	primary := &stubClient{name: "primary", err: errors.New("unreachable")}
	secondary := &stubClient{name: "secondary"}
	chain := modelclient.NewChain([]modelclient.Client{primary, secondary})

	resp, err := chain.Chat(context.Background(), modelclient.ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Fatalf("expected secondary to answer, got %q", resp.Provider)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("unexpected call counts: primary=%d secondary=%d", primary.calls, secondary.calls)
	}
}

func TestChainPrimaryWins(t *testing.T) {
	primary := &stubClient{name: "primary"}
	secondary := &stubClient{name: "secondary"}
	chain := modelclient.NewChain([]modelclient.Client{primary, secondary})

	resp, err := chain.Chat(context.Background(), modelclient.ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Provider != "primary" {
		t.Fatalf("expected primary to answer, got %q", resp.Provider)
	}
	if secondary.calls != 0 {
		t.Fatal("secondary must not be called when primary succeeds")
	}
}

func TestChainAllProvidersFail(t *testing.T) {
	chain := modelclient.NewChain([]modelclient.Client{
		&stubClient{name: "primary", err: errors.New("down")},
		&stubClient{name: "secondary", err: errors.New("also down")},
	})
	if _, err := chain.Chat(context.Background(), modelclient.ChatRequest{}); err == nil {
		t.Fatal("expected error when every provider fails")
	}
}

func TestChainEmpty(t *testing.T) {
	chain := modelclient.NewChain(nil)
	if chain.Configured() {
		t.Fatal("empty chain must not report configured")
	}
	if _, err := chain.Chat(context.Background(), modelclient.ChatRequest{}); !errors.Is(err, modelclient.ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}
