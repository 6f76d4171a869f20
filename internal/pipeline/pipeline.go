package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/loom-ai/loom/internal/agent"
	"github.com/loom-ai/loom/internal/binder"
	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/delivery"
	"github.com/loom-ai/loom/internal/eventbus"
	"github.com/loom-ai/loom/internal/knowledge"
	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/promptbuild"
	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/retrieval"
	"github.com/loom-ai/loom/internal/selector"
	"github.com/loom-ai/loom/internal/ui"
)

// ErrDeviceNotFound is returned when an explicitly requested device id is not
// registered.
var ErrDeviceNotFound = errors.New("pipeline: requested device not found")

// Request describes one UI-generation call. Schema, when set, overrides the
// device's registered UI schema for this request only.
type Request struct {
	DeviceID         string
	Prompt           string
	ThingDescription map[string]any
	Capabilities     []string
	Schema           map[string]any
	Model            string
	Dispatch         bool
}

// Response carries the generation outcome plus observability metadata.
type Response struct {
	DeviceID            string
	UI                  *ui.Document
	Placeholder         bool
	Selection           selector.Selection
	CapabilityData      map[string]any
	MissingCapabilities []string
	Provider            string
	Model               string
	DurationMillis      int64
	Usage               modelclient.Usage
	Connections         int
}

// Pipeline wires the registry, catalog, retrieval corpus, selector, agent
// loop, binder, and delivery hub into the generation flow.
type Pipeline struct {
	store     *registry.Store
	catalog   *catalog.Catalog
	knowledge *knowledge.Store
	engine    *retrieval.Engine
	selector  *selector.Selector
	client    modelclient.Client
	hub       *delivery.Hub
	binder    *binder.Binder
	bus       *eventbus.Bus

	httpClient *http.Client
	logger     *log.Logger
	metrics    Metrics
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Store     *registry.Store
	Catalog   *catalog.Catalog
	Knowledge *knowledge.Store
	Engine    *retrieval.Engine
	Selector  *selector.Selector
	Client    modelclient.Client
	Hub       *delivery.Hub
	Bus       *eventbus.Bus
	Logger    *log.Logger
}

// New constructs a pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		store:      deps.Store,
		catalog:    deps.Catalog,
		knowledge:  deps.Knowledge,
		engine:     deps.Engine,
		selector:   deps.Selector,
		client:     deps.Client,
		hub:        deps.Hub,
		binder:     binder.New(binder.WithLogger(logger)),
		bus:        deps.Bus,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Generate runs one end-to-end generation: device selection, capability data
// collection, retrieval, prompt assembly, the agent loop, action binding,
// and (optionally) dispatch. The only fatal outcome is model-provider
// exhaustion; everything else degrades and the request still completes.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Response, error) {
	p.metrics.generations.Add(1)

	selection := p.selector.SelectTargetDevice(ctx, selector.Request{
		RequestedDeviceID:   req.DeviceID,
		Prompt:              req.Prompt,
		DesiredCapabilities: req.Capabilities,
	})
	if req.DeviceID != "" && selection.Device == nil {
		p.metrics.failures.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, req.DeviceID)
	}
	device := selection.Device

	resp := &Response{Selection: selection}
	prompt := req.Prompt
	var thingID string
	thingDescription := req.ThingDescription
	capabilities := append([]string(nil), req.Capabilities...)
	supportedKinds := ui.AllKinds
	supportsTheme := false

	if device != nil {
		resp.DeviceID = device.ID
		if prompt == "" {
			prompt = device.DefaultPrompt
		}
		thingID = device.ThingID
		if thingDescription == nil {
			thingDescription = device.ThingDescription
		}
		capabilities = mergeCapabilities(capabilities, device.Capabilities)
		supportedKinds = ui.SupportedKinds(device.UISchema)
		supportsTheme = ui.SupportsTheme(device.UISchema)
	}
	if req.Schema != nil {
		supportedKinds = ui.SupportedKinds(req.Schema)
		supportsTheme = ui.SupportsTheme(req.Schema)
	}

	if thingID != "" && thingDescription == nil {
		if thing := p.store.FindThing(thingID); thing != nil {
			thingDescription = thing.Description
		}
	}

	resp.CapabilityData, resp.MissingCapabilities = p.collectCapabilityData(ctx, capabilities)

	actions := p.thingActions(thingID, thingDescription)

	retrieved, preferences := p.groundingDocuments(ctx, retrieval.QueryContext{
		Prompt:           prompt,
		ThingDescription: thingDescription,
		CapabilityData:   resp.CapabilityData,
	})

	executor, tools := p.toolSurface()

	assembled := promptbuild.Build(promptbuild.Input{
		Prompt:           prompt,
		ThingDescription: thingDescription,
		SupportedKinds:   supportedKinds,
		SupportsTheme:    supportsTheme,
		Retrieved:        retrieved,
		Preferences:      preferences,
		CapabilityData:   resp.CapabilityData,
		Tools:            tools,
		Actions:          actions,
	})

	loop := agent.New(p.client, agent.WithExecutor(executor), agent.WithLogger(p.logger))
	result, err := loop.Run(ctx, agent.RunInput{
		Model:          req.Model,
		Messages:       assembled.Messages,
		Tools:          tools,
		ResponseSchema: assembled.ResponseSchema,
		SchemaName:     assembled.SchemaName,
	})
	if err != nil {
		p.metrics.failures.Add(1)
		p.bus.Publish(ctx, eventbus.Envelope{
			Topic:  eventbus.TopicGenerationFailed,
			Source: eventbus.SourcePipeline,
			Payload: eventbus.GenerationFailedEvent{
				DeviceID: resp.DeviceID,
				Reason:   err.Error(),
			},
		})
		return nil, err
	}

	p.binder.Bind(result.Document, binder.Input{
		Actions:         actions,
		FallbackThingID: thingID,
	})

	resp.UI = result.Document
	resp.Placeholder = result.Placeholder
	resp.Provider = result.Provider
	resp.Model = result.Model
	resp.DurationMillis = result.Duration.Milliseconds()
	resp.Usage = result.Usage
	if result.Placeholder {
		p.metrics.placeholders.Add(1)
	}

	if req.Dispatch && device != nil {
		resp.Connections = p.hub.Dispatch(device.ID, result.Document)
		p.metrics.dispatches.Add(1)
	}
	return resp, nil
}

// collectCapabilityData calls every named capability's default endpoint. An
// unreachable or unregistered capability is recorded as an {error} entry and
// listed in missingCapabilities; collection never fails the request.
func (p *Pipeline) collectCapabilityData(ctx context.Context, names []string) (map[string]any, []string) {
	if len(names) == 0 {
		return nil, nil
	}

	data := make(map[string]any, len(names))
	var missing []string
	for _, name := range names {
		sample, err := p.fetchCapability(ctx, name)
		if err != nil {
			p.logger.Printf("[Pipeline] Capability %q unavailable: %v", name, err)
			data[name] = map[string]any{"error": err.Error()}
			missing = append(missing, name)
			continue
		}
		data[name] = sample
	}
	sort.Strings(missing)
	return data, missing
}

func (p *Pipeline) fetchCapability(ctx context.Context, name string) (any, error) {
	record := p.store.ResolveCapabilityRecord(name)
	if record == nil {
		return nil, fmt.Errorf("capability %q not registered", name)
	}

	endpoint, ok := record.Endpoints["default"]
	if !ok {
		for _, candidate := range record.Endpoints {
			endpoint = candidate
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("capability %q exposes no endpoints", name)
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodGet
	}
	url := strings.TrimRight(record.URL, "/") + endpoint.Path

	httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", method, url, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s returned %s", url, httpResp.Status)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return decoded, nil
}

// thingActions resolves the allowed-action pool for the generation. Discovery
// results are memoized by the catalog, so repeated generations for the same
// thing do not rediscover.
func (p *Pipeline) thingActions(thingID string, thingDescription map[string]any) []catalog.ActionDescriptor {
	if thingID == "" {
		return nil
	}
	var metadata map[string]any
	if thing := p.store.FindThing(thingID); thing != nil {
		metadata = thing.Metadata
		if thingDescription == nil {
			thingDescription = thing.Description
		}
	}
	actions, err := p.catalog.EnsureThingActions(catalog.DiscoveryContext{
		ThingID:          thingID,
		ThingDescription: thingDescription,
		Metadata:         metadata,
	})
	if err != nil {
		p.logger.Printf("[Pipeline] Action discovery for %q failed: %v", thingID, err)
		return nil
	}
	return actions
}

func (p *Pipeline) groundingDocuments(ctx context.Context, query retrieval.QueryContext) ([]retrieval.ScoredDocument, []knowledge.Document) {
	if p.knowledge == nil {
		return nil, nil
	}
	docs, err := p.knowledge.List(ctx)
	if err != nil {
		p.logger.Printf("[Pipeline] Corpus unavailable: %v", err)
		return nil, nil
	}
	retrieved := p.engine.Retrieve(docs, query)

	var preferences []knowledge.Document
	for _, doc := range docs {
		if doc.HasTag(knowledge.TagPreference) {
			preferences = append(preferences, doc)
		}
	}
	return retrieved, preferences
}

// toolSurface exposes every capability-registered tool to the model, each
// bound to its owning service so endpoint resolution tracks re-registration.
func (p *Pipeline) toolSurface() (agent.ToolExecutor, []modelclient.ToolDefinition) {
	var bindings []agent.ToolBinding
	for _, record := range p.store.CapabilityServices() {
		names := make([]string, 0, len(record.Tools))
		for name := range record.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tool := record.Tools[name]
			binding := agent.ToolBinding{
				Definition: modelclient.ToolDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
				Service: record.Name,
			}
			if tool.Endpoint != nil {
				binding.Path = tool.Endpoint.Path
				binding.Method = tool.Endpoint.Method
			}
			bindings = append(bindings, binding)
		}
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	executor := agent.NewHTTPToolExecutor(p.store, bindings)
	return executor, executor.Definitions()
}

func mergeCapabilities(explicit, fromDevice []string) []string {
	seen := make(map[string]struct{}, len(explicit)+len(fromDevice))
	var merged []string
	for _, name := range append(append([]string(nil), explicit...), fromDevice...) {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	return merged
}
