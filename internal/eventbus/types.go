package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// Standard topics.
const (
	TopicRegistryService    Topic = "registry.service"
	TopicRegistryDevice     Topic = "registry.device"
	TopicRegistryThing      Topic = "registry.thing"
	TopicRegistryCapability Topic = "registry.capability"
	TopicGenerationFailed   Topic = "generation.failed"
	TopicUIDispatched       Topic = "ui.dispatched"
)

// Source describes which component produced an event.
type Source string

const (
	SourceRegistry  Source = "registry"
	SourcePipeline  Source = "pipeline"
	SourceDelivery  Source = "delivery"
	SourceAPIServer Source = "api_server"
	SourceUnknown   Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// ServiceRegisteredEvent is published after a service record is stored or merged.
type ServiceRegisteredEvent struct {
	Name     string
	Type     string
	Replaced bool
}

// DeviceRegisteredEvent is published after a device record is stored.
// Replaced is true when an existing record was updated by re-registration.
type DeviceRegisteredEvent struct {
	DeviceID string
	ThingID  string
	Replaced bool
}

// ThingRegisteredEvent is published after a thing record is stored.
type ThingRegisteredEvent struct {
	ThingID  string
	Replaced bool
}

// CapabilityRegisteredEvent is published after a capability service is stored
// and its aliases reinstalled.
type CapabilityRegisteredEvent struct {
	Name     string
	Provides []string
}

// GenerationFailedEvent reports a generation request that could not complete.
type GenerationFailedEvent struct {
	DeviceID string
	Reason   string
}

// UIDispatchedEvent is published after a generated UI document is cached and
// fanned out to the device's connections.
type UIDispatchedEvent struct {
	DeviceID    string
	GeneratedAt time.Time
	Connections int
}
