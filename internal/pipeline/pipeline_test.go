package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/delivery"
	"github.com/loom-ai/loom/internal/eventbus"
	"github.com/loom-ai/loom/internal/knowledge"
	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/pipeline"
	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/retrieval"
	"github.com/loom-ai/loom/internal/selector"
	"github.com/loom-ai/loom/internal/ui"
)

type stubModel struct {
	content  string
	err      error
	requests []modelclient.ChatRequest
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Chat(_ context.Context, req modelclient.ChatRequest) (*modelclient.ChatResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &modelclient.ChatResponse{
		Message:  modelclient.Message{Role: modelclient.RoleAssistant, Content: m.content},
		Provider: "stub",
		Model:    "stub-model",
	}, nil
}

type fixture struct {
	store    *registry.Store
	catalog  *catalog.Catalog
	know     *knowledge.Store
	hub      *delivery.Hub
	pipeline *pipeline.Pipeline
	model    *stubModel
}

func newFixture(t *testing.T, model *stubModel) *fixture {
	t.Helper()

	bus := eventbus.New()
	store := registry.NewStore(registry.WithEventBus(bus))
	cat := catalog.New()
	know, err := knowledge.Open(knowledge.Options{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("open knowledge store: %v", err)
	}
	t.Cleanup(func() { know.Close() })
	hub := delivery.NewHub(delivery.WithEventBus(bus))
	t.Cleanup(hub.Shutdown)

	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Catalog:   cat,
		Knowledge: know,
		Engine:    retrieval.NewEngine(),
		Selector:  selector.New(store),
		Client:    model,
		Hub:       hub,
		Bus:       bus,
	})
	return &fixture{store: store, catalog: cat, know: know, hub: hub, pipeline: p, model: model}
}

var buttonUI = `{"root":{"type":"container","children":[{"type":"button","label":"Turn on lights"}]}}`

func lightThingDescription() map[string]any {
	return map[string]any{
		"title": "Light",
		"base":  "http://light.local",
		"actions": map[string]any{
			"turnOn": map[string]any{
				"title": "Turn On",
				"forms": []any{map[string]any{"href": "/actions/on"}},
				"intentAliases": []any{"lights.on"},
			},
		},
	}
}

func registerLight(t *testing.T, f *fixture) {
	t.Helper()
	if _, err := f.store.RegisterThing(registry.ThingRecord{
		ID:          "thing-1",
		Description: lightThingDescription(),
	}); err != nil {
		t.Fatalf("register thing: %v", err)
	}
	if _, err := f.store.RegisterDevice(registry.DeviceRecord{
		ID:            "panel",
		ThingID:       "thing-1",
		DefaultPrompt: "show the light controls",
	}); err != nil {
		t.Fatalf("register device: %v", err)
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	f := newFixture(t, &stubModel{content: buttonUI})
	registerLight(t, f)

	resp, err := f.pipeline.Generate(context.Background(), pipeline.Request{
		DeviceID: "panel",
		Prompt:   "turn on the lights",
		Dispatch: true,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.DeviceID != "panel" || resp.UI == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The generated button was bound to the discovered thing action.
	button := resp.UI.Root.Children[0]
	if button.Action == nil || button.Action.ID != "thing-1::turnon" {
		t.Fatalf("button not bound: %+v", button)
	}

	// Dispatch cached the document for late joiners.
	frame, ok := f.hub.CachedFrame("panel")
	if !ok || frame.UI == nil {
		t.Fatal("dispatch did not populate the cache")
	}
}

func TestGenerateUnknownDevice(t *testing.T) {
	f := newFixture(t, &stubModel{content: buttonUI})

	_, err := f.pipeline.Generate(context.Background(), pipeline.Request{DeviceID: "ghost"})
	if !errors.Is(err, pipeline.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestGenerateMissingCapabilityProceeds(t *testing.T) {
	f := newFixture(t, &stubModel{content: buttonUI})
	registerLight(t, f)

	resp, err := f.pipeline.Generate(context.Background(), pipeline.Request{
		DeviceID:     "panel",
		Capabilities: []string{"weather"},
	})
	if err != nil {
		t.Fatalf("missing capability must not fail generation: %v", err)
	}
	if len(resp.MissingCapabilities) != 1 || resp.MissingCapabilities[0] != "weather" {
		t.Fatalf("unexpected missing list: %v", resp.MissingCapabilities)
	}
	entry, ok := resp.CapabilityData["weather"].(map[string]any)
	if !ok || entry["error"] == nil {
		t.Fatalf("unregistered capability must be recorded as an error entry: %v", resp.CapabilityData)
	}
}

func TestGenerateCollectsCapabilityData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"activityState":"running"}`))
	}))
	defer srv.Close()

	f := newFixture(t, &stubModel{content: buttonUI})
	registerLight(t, f)
	if _, err := f.store.RegisterService(registry.ServiceRecord{
		Name:     "activity",
		URL:      srv.URL,
		Type:     registry.ServiceTypeCapability,
		Provides: []string{"activity"},
		Endpoints: map[string]registry.Endpoint{
			"default": {Path: "/state", Method: http.MethodGet},
		},
	}); err != nil {
		t.Fatalf("register capability: %v", err)
	}

	resp, err := f.pipeline.Generate(context.Background(), pipeline.Request{
		DeviceID:     "panel",
		Capabilities: []string{"activity"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sample, ok := resp.CapabilityData["activity"].(map[string]any)
	if !ok || sample["activityState"] != "running" {
		t.Fatalf("capability sample not collected: %v", resp.CapabilityData)
	}
	if len(resp.MissingCapabilities) != 0 {
		t.Fatalf("reachable capability marked missing: %v", resp.MissingCapabilities)
	}
}

func TestGenerateModelFailureIsFatal(t *testing.T) {
	f := newFixture(t, &stubModel{err: errors.New("all providers failed")})
	registerLight(t, f)

	if _, err := f.pipeline.Generate(context.Background(), pipeline.Request{DeviceID: "panel"}); err == nil {
		t.Fatal("provider exhaustion must surface as an error")
	}
	if snapshot := f.pipeline.MetricsSnapshot(); snapshot.Failures != 1 {
		t.Fatalf("failure not counted: %+v", snapshot)
	}
}

func TestGeneratePlaceholderOnGarbageOutput(t *testing.T) {
	f := newFixture(t, &stubModel{content: "no json here"})
	registerLight(t, f)

	resp, err := f.pipeline.Generate(context.Background(), pipeline.Request{DeviceID: "panel"})
	if err != nil {
		t.Fatalf("garbage output must not be fatal: %v", err)
	}
	if !resp.Placeholder {
		t.Fatal("expected placeholder substitution")
	}
	if resp.UI.Root.Type != ui.KindContainer {
		t.Fatalf("placeholder shape unexpected: %+v", resp.UI.Root)
	}
}

func TestGenerateSchemaOverrideFiltersKinds(t *testing.T) {
	f := newFixture(t, &stubModel{content: buttonUI})
	registerLight(t, f)

	_, err := f.pipeline.Generate(context.Background(), pipeline.Request{
		DeviceID: "panel",
		Schema:   map[string]any{"components": []any{"toggle"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	req := f.model.requests[len(f.model.requests)-1]
	component := req.ResponseSchema["$defs"].(map[string]any)["component"].(map[string]any)
	enum := component["properties"].(map[string]any)["type"].(map[string]any)["enum"].([]any)

	kinds := make(map[string]bool, len(enum))
	for _, k := range enum {
		kinds[k.(string)] = true
	}
	if !kinds["toggle"] || !kinds["container"] || !kinds["text"] {
		t.Fatalf("override kinds missing from schema enum: %v", enum)
	}
	if kinds["slider"] || kinds["dropdown"] {
		t.Fatalf("unsupported kinds leaked into schema enum: %v", enum)
	}
}

func TestRefreshAllDevices(t *testing.T) {
	f := newFixture(t, &stubModel{content: buttonUI})
	registerLight(t, f)
	if _, err := f.store.RegisterDevice(registry.DeviceRecord{ID: "watch"}); err != nil {
		t.Fatalf("register device: %v", err)
	}

	result := f.pipeline.Refresh(context.Background(), "")
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected both devices refreshed, got %+v", result)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", result.Failed)
	}
}

func TestRefreshReportsPerDeviceFailures(t *testing.T) {
	f := newFixture(t, &stubModel{err: errors.New("down")})
	registerLight(t, f)

	result := f.pipeline.Refresh(context.Background(), "")
	if len(result.Succeeded) != 0 {
		t.Fatalf("no device should succeed: %+v", result)
	}
	if _, ok := result.Failed["panel"]; !ok {
		t.Fatalf("failure for panel not reported: %+v", result.Failed)
	}
}

func TestCapabilitySummaryScenario(t *testing.T) {
	f := newFixture(t, &stubModel{content: buttonUI})
	if _, err := f.store.RegisterService(registry.ServiceRecord{
		Name:     "weather",
		URL:      "http://weather.local",
		Type:     registry.ServiceTypeCapability,
		Provides: []string{"weather"},
		Endpoints: map[string]registry.Endpoint{
			"default": {Path: "/now", Method: http.MethodGet},
		},
	}); err != nil {
		t.Fatalf("register capability: %v", err)
	}

	summary := f.pipeline.CapabilitySummary("weather")
	if want := "GET http://weather.local/now"; !strings.Contains(summary, want) {
		t.Fatalf("summary %q missing %q", summary, want)
	}
	if got := f.pipeline.CapabilitySummary("ghost"); got != "ghost: not registered" {
		t.Fatalf("unknown capability summary: %q", got)
	}
}
