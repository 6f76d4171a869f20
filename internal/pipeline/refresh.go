package pipeline

import (
	"context"

	"github.com/loom-ai/loom/internal/promptbuild"
)

// RefreshResult reports a per-device regeneration outcome. A multi-device
// refresh never fails as a whole; failures are listed per device.
type RefreshResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Refresh regenerates the UI for one device, or for every registered device
// when deviceID is empty. Each device uses its own default prompt.
func (p *Pipeline) Refresh(ctx context.Context, deviceID string) RefreshResult {
	p.metrics.refreshes.Add(1)

	result := RefreshResult{Succeeded: []string{}}

	var ids []string
	if deviceID != "" {
		ids = []string{deviceID}
	} else {
		for _, device := range p.store.Devices() {
			ids = append(ids, device.ID)
		}
	}

	for _, id := range ids {
		_, err := p.Generate(ctx, Request{DeviceID: id, Dispatch: true})
		if err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[id] = err.Error()
			p.logger.Printf("[Pipeline] Refresh for device %q failed: %v", id, err)
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// CapabilitySummary renders the registered capability under the given name,
// or a "not registered" line when the name resolves to nothing.
func (p *Pipeline) CapabilitySummary(name string) string {
	record := p.store.ResolveCapabilityRecord(name)
	if record == nil {
		record = p.store.FindService(name)
	}
	return promptbuild.CapabilitySummary(name, record)
}
