package catalog

import (
	"errors"
	"fmt"
)

// ErrActionNotFound is returned when a lookup by action id misses.
var ErrActionNotFound = errors.New("catalog: action not found")

// Transport is the resolved invocation target for an action. A nil Transport
// on a descriptor means discovery found no resolvable endpoint; the
// descriptor still round-trips so callers can see the action exists.
type Transport struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Form preserves the original WoT form entries an action was derived from.
type Form struct {
	Href        string `json:"href,omitempty"`
	URL         string `json:"url,omitempty"`
	Method      string `json:"method,omitempty"`
	Op          string `json:"op,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Metadata carries matching hints attached to an action.
type Metadata struct {
	Capability    string   `json:"capability,omitempty"`
	IntentAliases []string `json:"intentAliases,omitempty"`
}

// ActionDescriptor is a normalized, transport-resolved representation of an
// invocable Thing action. The id is stable across re-discovery:
// "<thingId>::<slug(name)>".
type ActionDescriptor struct {
	ID          string     `json:"id"`
	ThingID     string     `json:"thingId"`
	Name        string     `json:"name"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Transport   *Transport `json:"transport"`
	Forms       []Form     `json:"forms,omitempty"`
	Metadata    Metadata   `json:"metadata,omitempty"`
}

// DiscoveryContext is handed to providers when a thing's actions are
// (re)computed.
type DiscoveryContext struct {
	ThingID          string
	ThingDescription map[string]any
	Metadata         map[string]any
}

// Provider discovers raw action descriptors for a thing. Implementations
// self-register with the catalog at startup.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// Supports reports whether the provider can contribute actions for the
	// given context.
	Supports(ctx DiscoveryContext) bool

	// DiscoverActions returns raw descriptors. The catalog normalizes them;
	// providers may leave ID empty and set only Name plus whatever transport
	// material they have.
	DiscoverActions(ctx DiscoveryContext) ([]ActionDescriptor, error)
}

// ActionID synthesises the stable id for a thing action.
func ActionID(thingID, name string) string {
	return fmt.Sprintf("%s::%s", thingID, Slug(name))
}
