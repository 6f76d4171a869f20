package registry

import (
	"errors"
	"fmt"
	"time"
)

// ServiceType classifies registered services.
type ServiceType string

const (
	ServiceTypeGeneric    ServiceType = "generic"
	ServiceTypeCapability ServiceType = "capability"
	ServiceTypeDevice     ServiceType = "device"
)

// Endpoint describes a callable HTTP endpoint exposed by a service.
type Endpoint struct {
	Path   string `json:"path"`
	Method string `json:"method,omitempty"`
}

// ToolDescriptor describes a capability-exposed tool the model may call.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Endpoint    *Endpoint      `json:"endpoint,omitempty"`
}

// ServiceRecord is the directory entry for a registered service. Names are
// mutable singletons: re-registration under the same name merges, with empty
// incoming fields keeping the prior values.
type ServiceRecord struct {
	Name          string                    `json:"name"`
	URL           string                    `json:"url"`
	Type          ServiceType               `json:"type,omitempty"`
	Capabilities  []string                  `json:"capabilities,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
	Provides      []string                  `json:"provides,omitempty"`
	Endpoints     map[string]Endpoint       `json:"endpoints,omitempty"`
	Tools         map[string]ToolDescriptor `json:"tools,omitempty"`
	RegisteredAt  time.Time                 `json:"registeredAt"`
	LastHeartbeat time.Time                 `json:"lastHeartbeat"`
}

// DeviceRecord describes a registered rendering device. Records are updated
// only by re-registration and never auto-deleted.
type DeviceRecord struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	URL              string         `json:"url,omitempty"`
	ThingID          string         `json:"thingId,omitempty"`
	ThingDescription map[string]any `json:"thingDescription,omitempty"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	UISchema         map[string]any `json:"uiSchema,omitempty"`
	DefaultPrompt    string         `json:"defaultPrompt,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RegisteredAt     time.Time      `json:"registeredAt"`
}

// ThingRecord holds a WoT Thing Description and its derived state.
type ThingRecord struct {
	ID           string         `json:"id"`
	Description  map[string]any `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// ValidationError indicates a registration payload is missing required
// identity fields. No partial write happens when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("registry: field %q is required", e.Field)
	}
	return fmt.Sprintf("registry: field %q %s", e.Field, e.Reason)
}

// IsValidation returns true when err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}
