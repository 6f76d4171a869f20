package catalog

import (
	"fmt"
	"log"
	"sync"
)

// Catalog memoizes discovered action sets per thing id. Discovery is
// delegated to registered providers; the catalog owns normalization and the
// global id index. Re-discovery replaces a thing's whole action set
// atomically, never merging with the previous set.
type Catalog struct {
	logger *log.Logger

	mu        sync.RWMutex
	providers []Provider
	byThing   map[string][]ActionDescriptor
	byID      map[string]ActionDescriptor
}

// Option customises catalog construction.
type Option func(*Catalog)

// WithLogger overrides the logger used for discovery notices.
func WithLogger(logger *log.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a catalog with the default provider chain (WoT Thing
// Descriptions first, inline metadata second).
func New(opts ...Option) *Catalog {
	c := &Catalog{
		logger:  log.Default(),
		byThing: make(map[string][]ActionDescriptor),
		byID:    make(map[string]ActionDescriptor),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.providers = []Provider{NewWoTProvider(), NewMetadataProvider()}
	return c
}

// RegisterProvider appends a provider to the discovery chain.
func (c *Catalog) RegisterProvider(p Provider) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.providers = append(c.providers, p)
	c.mu.Unlock()
	c.logger.Printf("[Catalog] Registered action provider %q", p.Name())
}

// EnsureThingActions returns the action set for a thing, running discovery
// on first call and serving the memoized set afterwards. Call
// RefreshThingActions to force re-discovery.
func (c *Catalog) EnsureThingActions(ctx DiscoveryContext) ([]ActionDescriptor, error) {
	if ctx.ThingID == "" {
		return nil, fmt.Errorf("catalog: thing id is required")
	}

	c.mu.RLock()
	cached, ok := c.byThing[ctx.ThingID]
	c.mu.RUnlock()
	if ok {
		return cloneSet(cached), nil
	}

	return c.discover(ctx)
}

// RefreshThingActions discards the cached set for a thing and re-runs
// discovery, replacing the set atomically.
func (c *Catalog) RefreshThingActions(ctx DiscoveryContext) ([]ActionDescriptor, error) {
	if ctx.ThingID == "" {
		return nil, fmt.Errorf("catalog: thing id is required")
	}
	return c.discover(ctx)
}

// ThingActions returns the cached set for a thing without triggering
// discovery. The second result reports whether a set was cached.
func (c *Catalog) ThingActions(thingID string) ([]ActionDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.byThing[thingID]
	return cloneSet(cached), ok
}

// FindAction looks an action up by its global id.
func (c *Catalog) FindAction(id string) (ActionDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	descriptor, ok := c.byID[id]
	if !ok {
		return ActionDescriptor{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return descriptor, nil
}

// AllActions returns every cached descriptor across all things.
func (c *Catalog) AllActions() []ActionDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []ActionDescriptor
	for _, set := range c.byThing {
		all = append(all, set...)
	}
	return all
}

func (c *Catalog) discover(ctx DiscoveryContext) ([]ActionDescriptor, error) {
	c.mu.RLock()
	providers := make([]Provider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	var discovered []ActionDescriptor
	seen := make(map[string]struct{})

	for _, provider := range providers {
		if !provider.Supports(ctx) {
			continue
		}
		raw, err := provider.DiscoverActions(ctx)
		if err != nil {
			c.logger.Printf("[Catalog] Provider %q failed for thing %s: %v", provider.Name(), ctx.ThingID, err)
			continue
		}
		for _, descriptor := range raw {
			normalized := normalize(ctx.ThingID, descriptor)
			if _, dup := seen[normalized.ID]; dup {
				// First provider wins; later providers refine nothing.
				continue
			}
			seen[normalized.ID] = struct{}{}
			if normalized.Transport == nil {
				c.logger.Printf("[Catalog] Action %s has no resolvable transport", normalized.ID)
			}
			discovered = append(discovered, normalized)
		}
	}

	c.mu.Lock()
	// Replace the whole set: remove old index entries first so a shrunk
	// discovery result cannot leave stale ids behind.
	for _, old := range c.byThing[ctx.ThingID] {
		delete(c.byID, old.ID)
	}
	c.byThing[ctx.ThingID] = discovered
	for _, descriptor := range discovered {
		c.byID[descriptor.ID] = descriptor
	}
	c.mu.Unlock()

	c.logger.Printf("[Catalog] Discovered %d actions for thing %s", len(discovered), ctx.ThingID)
	return cloneSet(discovered), nil
}

func cloneSet(set []ActionDescriptor) []ActionDescriptor {
	if set == nil {
		return nil
	}
	out := make([]ActionDescriptor, len(set))
	copy(out, set)
	return out
}
