package ui

// ResponseSchema builds the JSON-schema response contract enforced on the
// model, filtered to the component kinds the target device supports. The
// schema is recursive: containers nest components of the same shape.
func ResponseSchema(supported []Kind) map[string]any {
	if len(supported) == 0 {
		supported = AllKinds
	}

	kindNames := make([]any, 0, len(supported))
	for _, kind := range supported {
		kindNames = append(kindNames, string(kind))
	}

	component := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": kindNames,
			},
			"id":       map[string]any{"type": "string"},
			"label":    map[string]any{"type": "string"},
			"text":     map[string]any{"type": "string"},
			"actionId": map[string]any{"type": "string"},
			"intent":   map[string]any{"type": "string"},
			"thingId":  map[string]any{"type": "string"},
			"props": map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
			"children": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/$defs/component"},
			},
		},
		"required":             []any{"type"},
		"additionalProperties": false,
	}

	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"root": map[string]any{"$ref": "#/$defs/component"},
		},
		"required":             []any{"root"},
		"additionalProperties": false,
		"$defs": map[string]any{
			"component": component,
		},
	}
}
