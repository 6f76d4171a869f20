package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/loom-ai/loom/internal/eventbus"
	"github.com/loom-ai/loom/internal/util/maps"
	"github.com/loom-ai/loom/internal/validate"
)

// Store is the in-memory directory of services, devices, things, and
// capability aliases. All methods are safe for concurrent use. Records are
// kept until process exit; heartbeat timestamps are recorded but never
// evaluated for eviction.
type Store struct {
	logger *log.Logger
	bus    *eventbus.Bus

	mu       sync.RWMutex
	services map[string]*ServiceRecord
	devices  map[string]*DeviceRecord
	things   map[string]*ThingRecord
	aliases  map[string]string // capability alias → service name

	deviceOrder []string // registration order, used by selector tie-breaking
}

// Option customises store construction.
type Option func(*Store)

// WithLogger overrides the logger used for registration notices.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBus attaches a bus on which registration events are published.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Store) {
		s.bus = bus
	}
}

// NewStore constructs an empty registry store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:   log.Default(),
		services: make(map[string]*ServiceRecord),
		devices:  make(map[string]*DeviceRecord),
		things:   make(map[string]*ThingRecord),
		aliases:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterService stores or merges a service record keyed by name. Empty
// incoming fields keep prior values. Capability services additionally have
// their alias index rebuilt: all aliases previously pointing at this service
// are removed before the new Provides list is installed, so a stale alias can
// never survive a re-registration.
func (s *Store) RegisterService(record ServiceRecord) (*ServiceRecord, error) {
	if record.Name == "" {
		return nil, ValidationError{Field: "name"}
	}
	if !validate.Ident(record.Name) {
		return nil, ValidationError{Field: "name", Reason: "is not a valid identifier"}
	}
	if record.URL == "" {
		return nil, ValidationError{Field: "url"}
	}
	if err := validate.HTTPURL(record.URL); err != nil {
		return nil, ValidationError{Field: "url", Reason: err.Error()}
	}

	now := time.Now().UTC()

	s.mu.Lock()
	existing, replaced := s.services[record.Name]
	merged := mergeService(existing, record, now)
	s.services[record.Name] = merged

	if merged.Type == ServiceTypeCapability {
		s.reinstallAliasesLocked(merged.Name, merged.Provides)
	}
	stored := cloneService(merged)
	s.mu.Unlock()

	if replaced {
		s.logger.Printf("[Registry] Updated service %q (%s)", stored.Name, stored.Type)
	} else {
		s.logger.Printf("[Registry] Registered service %q (%s)", stored.Name, stored.Type)
	}

	s.publish(eventbus.TopicRegistryService, eventbus.ServiceRegisteredEvent{
		Name:     stored.Name,
		Type:     string(stored.Type),
		Replaced: replaced,
	})
	if stored.Type == ServiceTypeCapability {
		s.publish(eventbus.TopicRegistryCapability, eventbus.CapabilityRegisteredEvent{
			Name:     stored.Name,
			Provides: append([]string(nil), stored.Provides...),
		})
	}

	return stored, nil
}

// RegisterDevice stores or merges a device record keyed by id.
func (s *Store) RegisterDevice(record DeviceRecord) (*DeviceRecord, error) {
	if record.ID == "" {
		return nil, ValidationError{Field: "id"}
	}
	if !validate.Ident(record.ID) {
		return nil, ValidationError{Field: "id", Reason: "is not a valid identifier"}
	}
	if record.URL != "" {
		if err := validate.HTTPURL(record.URL); err != nil {
			return nil, ValidationError{Field: "url", Reason: err.Error()}
		}
	}

	now := time.Now().UTC()

	s.mu.Lock()
	existing, replaced := s.devices[record.ID]
	merged := mergeDevice(existing, record, now)
	s.devices[record.ID] = merged
	if !replaced {
		s.deviceOrder = append(s.deviceOrder, record.ID)
	}
	stored := cloneDevice(merged)
	s.mu.Unlock()

	if replaced {
		s.logger.Printf("[Registry] Updated device %q", stored.ID)
	} else {
		s.logger.Printf("[Registry] Registered device %q", stored.ID)
	}

	s.publish(eventbus.TopicRegistryDevice, eventbus.DeviceRegisteredEvent{
		DeviceID: stored.ID,
		ThingID:  stored.ThingID,
		Replaced: replaced,
	})

	return stored, nil
}

// RegisterThing stores or merges a thing record keyed by id.
func (s *Store) RegisterThing(record ThingRecord) (*ThingRecord, error) {
	if record.ID == "" {
		return nil, ValidationError{Field: "id"}
	}
	if !validate.Ident(record.ID) {
		return nil, ValidationError{Field: "id", Reason: "is not a valid identifier"}
	}

	now := time.Now().UTC()

	s.mu.Lock()
	existing, replaced := s.things[record.ID]
	merged := mergeThing(existing, record, now)
	s.things[record.ID] = merged
	stored := cloneThing(merged)
	s.mu.Unlock()

	if replaced {
		s.logger.Printf("[Registry] Updated thing %q", stored.ID)
	} else {
		s.logger.Printf("[Registry] Registered thing %q", stored.ID)
	}

	s.publish(eventbus.TopicRegistryThing, eventbus.ThingRegisteredEvent{
		ThingID:  stored.ID,
		Replaced: replaced,
	})

	return stored, nil
}

// Heartbeat records a heartbeat timestamp for a named service. Unknown names
// are ignored; the timestamp is never evaluated for expiry.
func (s *Store) Heartbeat(name string) {
	s.mu.Lock()
	if record, ok := s.services[name]; ok {
		record.LastHeartbeat = time.Now().UTC()
	}
	s.mu.Unlock()
}

// FindService returns the service record for the given name, or nil.
func (s *Store) FindService(name string) *ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneService(s.services[name])
}

// FindDevice returns the device record for the given id, or nil.
func (s *Store) FindDevice(id string) *DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDevice(s.devices[id])
}

// FindThing returns the thing record for the given id, or nil.
func (s *Store) FindThing(id string) *ThingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneThing(s.things[id])
}

// ResolveCapabilityRecord resolves a capability alias (or service name) to
// its owning service record, or nil when nothing is registered under it.
func (s *Store) ResolveCapabilityRecord(alias string) *ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if name, ok := s.aliases[alias]; ok {
		return cloneService(s.services[name])
	}
	if record, ok := s.services[alias]; ok && record.Type == ServiceTypeCapability {
		return cloneService(record)
	}
	return nil
}

// AliasOwner returns the service name an alias points at, if any.
func (s *Store) AliasOwner(alias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.aliases[alias]
	return name, ok
}

// Devices returns all device records in registration order.
func (s *Store) Devices() []*DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*DeviceRecord, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		if record, ok := s.devices[id]; ok {
			devices = append(devices, cloneDevice(record))
		}
	}
	return devices
}

// Things returns all thing records sorted by id.
func (s *Store) Things() []*ThingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	things := make([]*ThingRecord, 0, len(s.things))
	for _, record := range s.things {
		things = append(things, cloneThing(record))
	}
	sort.Slice(things, func(i, j int) bool { return things[i].ID < things[j].ID })
	return things
}

// CapabilityServices returns all capability-typed services sorted by name.
func (s *Store) CapabilityServices() []*ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*ServiceRecord, 0, len(s.services))
	for _, record := range s.services {
		if record.Type == ServiceTypeCapability {
			records = append(records, cloneService(record))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Snapshot captures the full directory state for introspection.
type Snapshot struct {
	Services []*ServiceRecord  `json:"services"`
	Devices  []*DeviceRecord   `json:"devices"`
	Things   []*ThingRecord    `json:"things"`
	Aliases  map[string]string `json:"aliases"`
}

// Snapshot returns a point-in-time copy of the directory.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Aliases: make(map[string]string, len(s.aliases)),
	}
	for alias, name := range s.aliases {
		snap.Aliases[alias] = name
	}
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap.Services = append(snap.Services, cloneService(s.services[name]))
	}
	for _, id := range s.deviceOrder {
		if record, ok := s.devices[id]; ok {
			snap.Devices = append(snap.Devices, cloneDevice(record))
		}
	}
	ids := make([]string, 0, len(s.things))
	for id := range s.things {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Things = append(snap.Things, cloneThing(s.things[id]))
	}
	return snap
}

// reinstallAliasesLocked removes every alias owned by the service and
// installs the new list. Last writer wins when two services claim the same
// alias. Caller must hold s.mu.
func (s *Store) reinstallAliasesLocked(serviceName string, provides []string) {
	for alias, owner := range s.aliases {
		if owner == serviceName {
			delete(s.aliases, alias)
		}
	}
	for _, alias := range provides {
		if alias == "" {
			continue
		}
		if prior, ok := s.aliases[alias]; ok && prior != serviceName {
			s.logger.Printf("[Registry] Alias %q moved from %q to %q", alias, prior, serviceName)
		}
		s.aliases[alias] = serviceName
	}
}

func (s *Store) publish(topic eventbus.Topic, payload any) {
	s.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:   topic,
		Source:  eventbus.SourceRegistry,
		Payload: payload,
	})
}

func mergeService(existing *ServiceRecord, incoming ServiceRecord, now time.Time) *ServiceRecord {
	merged := incoming
	merged.RegisteredAt = now
	merged.LastHeartbeat = now

	if existing != nil {
		merged.RegisteredAt = existing.RegisteredAt
		if merged.Type == "" {
			merged.Type = existing.Type
		}
		if len(merged.Capabilities) == 0 {
			merged.Capabilities = existing.Capabilities
		}
		if merged.Metadata == nil {
			merged.Metadata = existing.Metadata
		}
		if len(merged.Provides) == 0 {
			merged.Provides = existing.Provides
		}
		if merged.Endpoints == nil {
			merged.Endpoints = existing.Endpoints
		}
		if merged.Tools == nil {
			merged.Tools = existing.Tools
		}
	}
	if merged.Type == "" {
		merged.Type = ServiceTypeGeneric
	}
	return &merged
}

func mergeDevice(existing *DeviceRecord, incoming DeviceRecord, now time.Time) *DeviceRecord {
	merged := incoming
	merged.RegisteredAt = now

	if existing != nil {
		merged.RegisteredAt = existing.RegisteredAt
		if merged.Name == "" {
			merged.Name = existing.Name
		}
		if merged.URL == "" {
			merged.URL = existing.URL
		}
		if merged.ThingID == "" {
			merged.ThingID = existing.ThingID
		}
		if merged.ThingDescription == nil {
			merged.ThingDescription = existing.ThingDescription
		}
		if len(merged.Capabilities) == 0 {
			merged.Capabilities = existing.Capabilities
		}
		if merged.UISchema == nil {
			merged.UISchema = existing.UISchema
		}
		if merged.DefaultPrompt == "" {
			merged.DefaultPrompt = existing.DefaultPrompt
		}
		if merged.Metadata == nil {
			merged.Metadata = existing.Metadata
		}
	}
	return &merged
}

func mergeThing(existing *ThingRecord, incoming ThingRecord, now time.Time) *ThingRecord {
	merged := incoming
	merged.RegisteredAt = now

	if existing != nil {
		merged.RegisteredAt = existing.RegisteredAt
		if merged.Description == nil {
			merged.Description = existing.Description
		}
		if merged.Metadata == nil {
			merged.Metadata = existing.Metadata
		}
	}
	return &merged
}

func cloneService(record *ServiceRecord) *ServiceRecord {
	if record == nil {
		return nil
	}
	clone := *record
	clone.Capabilities = append([]string(nil), record.Capabilities...)
	clone.Provides = append([]string(nil), record.Provides...)
	clone.Endpoints = maps.Clone(record.Endpoints)
	clone.Tools = maps.Clone(record.Tools)
	clone.Metadata = maps.Clone(record.Metadata)
	return &clone
}

func cloneDevice(record *DeviceRecord) *DeviceRecord {
	if record == nil {
		return nil
	}
	clone := *record
	clone.Capabilities = append([]string(nil), record.Capabilities...)
	clone.Metadata = maps.Clone(record.Metadata)
	return &clone
}

func cloneThing(record *ThingRecord) *ThingRecord {
	if record == nil {
		return nil
	}
	clone := *record
	clone.Metadata = maps.Clone(record.Metadata)
	return &clone
}
