package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/selector"
)

// ModelArbiter asks the model chain to pick among candidate devices. Any
// failure surfaces as an error; the selector falls back to its heuristic
// scorer, so arbitration is never load-bearing.
type ModelArbiter struct {
	client modelclient.Client
}

// NewModelArbiter constructs an arbiter over the given model client.
func NewModelArbiter(client modelclient.Client) *ModelArbiter {
	return &ModelArbiter{client: client}
}

var arbitrationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"targetDeviceId":     map[string]any{"type": "string"},
		"reason":             map[string]any{"type": "string"},
		"confidence":         map[string]any{"type": "number"},
		"alternateDeviceIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"targetDeviceId"},
	"additionalProperties": false,
}

// SelectDevice implements selector.Arbiter.
func (a *ModelArbiter) SelectDevice(ctx context.Context, req selector.ArbitrationRequest) (selector.ArbitrationResult, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return selector.ArbitrationResult{}, fmt.Errorf("pipeline: encode arbitration request: %w", err)
	}

	resp, err := a.client.Chat(ctx, modelclient.ChatRequest{
		Messages: []modelclient.Message{
			{
				Role: modelclient.RoleSystem,
				Content: "You route UI-generation requests to the best target device. " +
					"Pick exactly one candidate by its deviceId, considering the desired capabilities, " +
					"each candidate's coverage score, and its display and audio modality.",
			},
			{Role: modelclient.RoleUser, Content: string(encoded)},
		},
		ResponseSchema: arbitrationSchema,
		SchemaName:     "device_selection",
	})
	if err != nil {
		return selector.ArbitrationResult{}, err
	}

	var result selector.ArbitrationResult
	if err := json.Unmarshal([]byte(resp.Message.Content), &result); err != nil {
		return selector.ArbitrationResult{}, fmt.Errorf("pipeline: decode arbitration verdict: %w", err)
	}
	if result.TargetDeviceID == "" {
		return selector.ArbitrationResult{}, fmt.Errorf("pipeline: arbitration verdict names no device")
	}
	return result, nil
}
