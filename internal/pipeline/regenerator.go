package pipeline

import (
	"context"
	"sync"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/eventbus"
)

// Regenerator listens for registry events and regenerates UIs so devices
// reflect directory changes without an explicit refresh call. Device
// registration triggers a generation for that device; a thing update
// re-discovers its actions and refreshes the devices bound to it.
type Regenerator struct {
	pipeline *Pipeline
	bus      *eventbus.Bus

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegenerator constructs a regenerator over the pipeline and bus.
func NewRegenerator(pipeline *Pipeline, bus *eventbus.Bus) *Regenerator {
	return &Regenerator{pipeline: pipeline, bus: bus}
}

// Start subscribes to registry topics and begins regenerating in the
// background.
func (r *Regenerator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	devices := r.bus.Subscribe(eventbus.TopicRegistryDevice,
		eventbus.WithSubscriptionName("regenerator-devices"),
		eventbus.WithContext(runCtx))
	things := r.bus.Subscribe(eventbus.TopicRegistryThing,
		eventbus.WithSubscriptionName("regenerator-things"),
		eventbus.WithContext(runCtx))

	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case env, ok := <-devices.C():
				if !ok {
					return
				}
				if event, ok := env.Payload.(eventbus.DeviceRegisteredEvent); ok {
					r.regenerateDevice(runCtx, event.DeviceID)
				}
			case env, ok := <-things.C():
				if !ok {
					return
				}
				if event, ok := env.Payload.(eventbus.ThingRegisteredEvent); ok {
					r.regenerateThing(runCtx, event.ThingID)
				}
			}
		}
	}()
	return nil
}

// Shutdown stops the background loop and waits for it to exit.
func (r *Regenerator) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Regenerator) regenerateDevice(ctx context.Context, deviceID string) {
	if _, err := r.pipeline.Generate(ctx, Request{DeviceID: deviceID, Dispatch: true}); err != nil {
		r.pipeline.logger.Printf("[Regenerator] Generation for device %q failed: %v", deviceID, err)
	}
}

// regenerateThing forces action re-discovery for the thing and refreshes the
// devices bound to it.
func (r *Regenerator) regenerateThing(ctx context.Context, thingID string) {
	if thing := r.pipeline.store.FindThing(thingID); thing != nil {
		if _, err := r.pipeline.catalog.RefreshThingActions(catalogContext(thingID, thing.Description, thing.Metadata)); err != nil {
			r.pipeline.logger.Printf("[Regenerator] Action refresh for thing %q failed: %v", thingID, err)
		}
	}
	for _, device := range r.pipeline.store.Devices() {
		if device.ThingID != thingID {
			continue
		}
		r.regenerateDevice(ctx, device.ID)
	}
}

func catalogContext(thingID string, description, metadata map[string]any) catalog.DiscoveryContext {
	return catalog.DiscoveryContext{
		ThingID:          thingID,
		ThingDescription: description,
		Metadata:         metadata,
	}
}
