package ui

import (
	"encoding/json"
	"fmt"

	"github.com/loom-ai/loom/internal/catalog"
)

// Kind names a UI component type.
type Kind string

const (
	KindContainer  Kind = "container"
	KindText       Kind = "text"
	KindButton     Kind = "button"
	KindToggle     Kind = "toggle"
	KindSlider     Kind = "slider"
	KindDropdown   Kind = "dropdown"
	KindStatusCard Kind = "statusCard"
)

// AllKinds lists every component kind in vocabulary order.
var AllKinds = []Kind{
	KindContainer, KindText, KindButton, KindToggle,
	KindSlider, KindDropdown, KindStatusCard,
}

// interactiveKinds are the component kinds the binder attaches actions to.
var interactiveKinds = map[Kind]struct{}{
	KindButton:   {},
	KindToggle:   {},
	KindSlider:   {},
	KindDropdown: {},
}

// IsInteractive reports whether components of this kind can carry an action.
func IsInteractive(kind Kind) bool {
	_, ok := interactiveKinds[kind]
	return ok
}

// Component is one node of a generated UI tree. Containers hold children;
// every other kind is a leaf. The generator is not expected to produce
// cycles, but consumers must tolerate shared sub-objects.
type Component struct {
	Type     Kind           `json:"type"`
	ID       string         `json:"id,omitempty"`
	Label    string         `json:"label,omitempty"`
	Text     string         `json:"text,omitempty"`
	ActionID string         `json:"actionId,omitempty"`
	Intent   string         `json:"intent,omitempty"`
	ThingID  string         `json:"thingId,omitempty"`
	Action   *catalog.ActionDescriptor `json:"action,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	Children []*Component   `json:"children,omitempty"`
}

// Document is a complete generated UI for one device.
type Document struct {
	Root *Component `json:"root"`
}

// ParseDocument decodes a model-produced JSON payload into a Document. Both
// a bare component object and a {"root": ...} wrapper are accepted.
func ParseDocument(raw []byte) (*Document, error) {
	var wrapper struct {
		Root json.RawMessage `json:"root"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("ui: decode document: %w", err)
	}

	payload := raw
	if len(wrapper.Root) > 0 {
		payload = wrapper.Root
	}

	var root Component
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("ui: decode root component: %w", err)
	}
	if root.Type == "" {
		return nil, fmt.Errorf("ui: root component has no type")
	}
	return &Document{Root: &root}, nil
}

// Placeholder returns the deterministic fallback document substituted when
// the model produces no usable output.
func Placeholder(message string) *Document {
	if message == "" {
		message = "The interface could not be generated. Please try again."
	}
	return &Document{
		Root: &Component{
			Type: KindContainer,
			ID:   "fallback",
			Children: []*Component{
				{Type: KindText, ID: "fallback-message", Text: message},
			},
		},
	}
}

// SupportedKinds resolves a device's advertised component vocabulary from
// its UI schema. A device without an explicit list supports everything.
func SupportedKinds(uiSchema map[string]any) []Kind {
	if uiSchema == nil {
		return AllKinds
	}
	raw, ok := uiSchema["components"].([]any)
	if !ok || len(raw) == 0 {
		return AllKinds
	}

	var kinds []Kind
	for _, entry := range raw {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		for _, known := range AllKinds {
			if Kind(name) == known {
				kinds = append(kinds, known)
				break
			}
		}
	}
	if len(kinds) == 0 {
		return AllKinds
	}
	// The generator needs somewhere to nest output and some way to show text
	// even on devices that forgot to advertise them.
	kinds = ensureKind(kinds, KindContainer)
	kinds = ensureKind(kinds, KindText)
	return kinds
}

// SupportsTheme reports whether the device schema advertises theme support.
func SupportsTheme(uiSchema map[string]any) bool {
	if uiSchema == nil {
		return false
	}
	supports, _ := uiSchema["supportsTheme"].(bool)
	return supports
}

func ensureKind(kinds []Kind, kind Kind) []Kind {
	for _, k := range kinds {
		if k == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}
