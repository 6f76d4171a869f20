package promptbuild

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/knowledge"
	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/retrieval"
	"github.com/loom-ai/loom/internal/ui"
)

// SchemaName labels the response contract sent to the model.
const SchemaName = "ui_document"

// Input collects everything the assembler needs for one generation request.
type Input struct {
	Prompt           string
	ThingDescription map[string]any
	SupportedKinds   []ui.Kind
	SupportsTheme    bool
	Retrieved        []retrieval.ScoredDocument
	Preferences      []knowledge.Document
	CapabilityData   map[string]any
	Tools            []modelclient.ToolDefinition
	Actions          []catalog.ActionDescriptor
}

// Result is the assembled conversation seed plus the response contract.
type Result struct {
	Messages       []modelclient.Message
	ResponseSchema map[string]any
	SchemaName     string
}

// Build assembles the guarded message sequence for a generation call. The
// system message is an ordered list of instruction segments; segments with
// nothing to say are omitted entirely rather than emitted empty.
func Build(in Input) Result {
	kinds := in.SupportedKinds
	if len(kinds) == 0 {
		kinds = ui.AllKinds
	}

	segments := []string{baseSegment(kinds)}

	if block := retrievedSegment(in.Retrieved); block != "" {
		segments = append(segments, block)
	}
	if block := preferenceSegment(in.Preferences); block != "" {
		segments = append(segments, block)
	}
	if block := ergonomicsSegment(in.CapabilityData); block != "" {
		segments = append(segments, block)
	}
	if in.SupportsTheme {
		segments = append(segments, "The target device supports theming. Include a top-level \"theme\" value in component props where it improves legibility, using only \"light\" or \"dark\".")
	}
	if block := toolSegment(in.Tools); block != "" {
		segments = append(segments, block)
	}
	if block := actionSegment(in.Actions); block != "" {
		segments = append(segments, block)
	}

	messages := []modelclient.Message{
		{Role: modelclient.RoleSystem, Content: strings.Join(segments, "\n\n")},
		{Role: modelclient.RoleUser, Content: userMessage(in)},
	}

	return Result{
		Messages:       messages,
		ResponseSchema: ui.ResponseSchema(kinds),
		SchemaName:     SchemaName,
	}
}

func baseSegment(kinds []ui.Kind) string {
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	return "You generate user interfaces for IoT devices. Respond with a single JSON document describing a component tree. " +
		"Use \"container\" nodes to group children and leaf nodes for content and controls. " +
		"Available component types: " + strings.Join(names, ", ") + ". Do not use any other type."
}

func retrievedSegment(docs []retrieval.ScoredDocument) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant background for this request:")
	for _, doc := range docs {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(doc.Document.Content))
	}
	return b.String()
}

func preferenceSegment(docs []knowledge.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Persistent user preferences. Always honour these, whatever the request:")
	for _, doc := range docs {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(doc.Content))
	}
	return b.String()
}

func toolSegment(tools []modelclient.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return "Before answering, gather live context by calling the available tools. " +
		"The only callable tools are: " + strings.Join(names, ", ") + ". Never call a tool not in this list."
}

func actionSegment(actions []catalog.ActionDescriptor) string {
	if len(actions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Interactive components (button, toggle, slider, dropdown) must reference one of the following action ids in their \"actionId\" field:")
	for _, action := range actions {
		b.WriteString("\n- ")
		b.WriteString(action.ID)
		if action.Title != "" {
			b.WriteString(" (")
			b.WriteString(action.Title)
			b.WriteString(")")
		}
	}
	b.WriteString("\nThis list is closed. Never invent an action id that is not listed here.")
	return b.String()
}

func userMessage(in Input) string {
	parts := []string{in.Prompt}
	if in.Prompt == "" {
		parts[0] = "Generate a useful interface for this device."
	}
	if in.ThingDescription != nil {
		if encoded, err := json.Marshal(in.ThingDescription); err == nil {
			parts = append(parts, "Thing description:\n"+string(encoded))
		}
	}
	if len(in.CapabilityData) > 0 {
		if encoded, err := json.Marshal(in.CapabilityData); err == nil {
			parts = append(parts, "Live capability data:\n"+string(encoded))
		}
	}
	return strings.Join(parts, "\n\n")
}

// ergonomics rules keyed by the reported activity state. Each maps to a
// guidance string and the profile the generated UI should default to.
var ergonomicsRules = map[string]struct {
	guidance string
	profile  string
}{
	"running": {
		guidance: "The user is currently running. Keep the interface glanceable with very few elements and large text.",
		profile:  "large-tap-targets",
	},
	"hands-occupied": {
		guidance: "The user's hands are occupied. Minimise required interaction and prefer status displays over controls.",
		profile:  "minimal-interaction",
	},
}

func ergonomicsSegment(capabilityData map[string]any) string {
	state := ActivityState(capabilityData)
	rule, ok := ergonomicsRules[state]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s Apply the %q ergonomics profile.", rule.guidance, rule.profile)
}

// ActivityState digs the freshest activity-state value out of collected
// capability telemetry. Samples are maps keyed by capability name; the value
// may be a bare string or an object with an activityState/state field.
func ActivityState(capabilityData map[string]any) string {
	for _, sample := range capabilityData {
		switch value := sample.(type) {
		case string:
			if _, ok := ergonomicsRules[value]; ok {
				return value
			}
		case map[string]any:
			for _, key := range []string{"activityState", "activity", "state"} {
				if state, ok := value[key].(string); ok && state != "" {
					return state
				}
			}
		}
	}
	return ""
}
