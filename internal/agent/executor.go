package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/registry"
)

// ToolBinding maps an advertised tool to a concrete endpoint. Either URL is
// set directly, or Service names a registry entry whose base URL is combined
// with Path at execution time.
type ToolBinding struct {
	Definition modelclient.ToolDefinition
	URL        string
	Service    string
	Path       string
	Method     string
}

// HTTPToolExecutor resolves tool calls to HTTP endpoints and invokes them
// with the model-supplied arguments.
type HTTPToolExecutor struct {
	store    *registry.Store
	client   *http.Client
	bindings map[string]ToolBinding
}

// NewHTTPToolExecutor builds an executor over the given registry and tool
// bindings.
func NewHTTPToolExecutor(store *registry.Store, bindings []ToolBinding) *HTTPToolExecutor {
	indexed := make(map[string]ToolBinding, len(bindings))
	for _, binding := range bindings {
		indexed[binding.Definition.Name] = binding
	}
	return &HTTPToolExecutor{
		store:    store,
		client:   &http.Client{},
		bindings: indexed,
	}
}

// Definitions returns the tool definitions in a stable order for the model
// request.
func (e *HTTPToolExecutor) Definitions() []modelclient.ToolDefinition {
	names := make([]string, 0, len(e.bindings))
	for name := range e.bindings {
		names = append(names, name)
	}
	// map iteration order would reshuffle the advertised list between turns
	sort.Strings(names)

	defs := make([]modelclient.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, e.bindings[name].Definition)
	}
	return defs
}

// Execute resolves and invokes one tool call. The returned payload is the
// endpoint's response body, re-encoded as JSON when it parses as such.
func (e *HTTPToolExecutor) Execute(ctx context.Context, call modelclient.ToolCall) (string, error) {
	binding, ok := e.bindings[call.Name]
	if !ok {
		return "", fmt.Errorf("agent: unknown tool %q", call.Name)
	}

	target, method, err := e.resolve(binding)
	if err != nil {
		return "", err
	}

	var body io.Reader
	if method != http.MethodGet && strings.TrimSpace(call.Arguments) != "" {
		body = bytes.NewReader([]byte(call.Arguments))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", fmt.Errorf("agent: build tool request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent: tool %s unreachable: %w", call.Name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("agent: read tool %s response: %w", call.Name, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("agent: tool %s returned %s: %s",
			call.Name, resp.Status, strings.TrimSpace(string(payload)))
	}

	// Pass JSON through untouched; wrap anything else so the tool message is
	// always valid JSON.
	trimmed := strings.TrimSpace(string(payload))
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	wrapped, err := json.Marshal(map[string]string{"result": trimmed})
	if err != nil {
		return "", fmt.Errorf("agent: encode tool %s result: %w", call.Name, err)
	}
	return string(wrapped), nil
}

// resolve turns a binding into a concrete URL and method. Service-backed
// bindings look up the live registry entry on every call so re-registration
// takes effect immediately.
func (e *HTTPToolExecutor) resolve(binding ToolBinding) (string, string, error) {
	method := binding.Method
	if method == "" {
		method = http.MethodPost
	}

	if binding.URL != "" {
		return binding.URL, method, nil
	}
	if binding.Service == "" {
		return "", "", fmt.Errorf("agent: tool %q has no endpoint", binding.Definition.Name)
	}

	record := e.store.FindService(binding.Service)
	if record == nil {
		record = e.store.ResolveCapabilityRecord(binding.Service)
	}
	if record == nil || record.URL == "" {
		return "", "", fmt.Errorf("agent: service %q is not registered", binding.Service)
	}
	return strings.TrimRight(record.URL, "/") + binding.Path, method, nil
}
