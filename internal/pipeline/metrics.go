package pipeline

import "sync/atomic"

// Metrics counts pipeline outcomes across concurrent generations.
type Metrics struct {
	generations  atomic.Uint64
	failures     atomic.Uint64
	placeholders atomic.Uint64
	dispatches   atomic.Uint64
	refreshes    atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Generations  uint64 `json:"generations"`
	Failures     uint64 `json:"failures"`
	Placeholders uint64 `json:"placeholders"`
	Dispatches   uint64 `json:"dispatches"`
	Refreshes    uint64 `json:"refreshes"`
}

// MetricsSnapshot returns the current counter values.
func (p *Pipeline) MetricsSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Generations:  p.metrics.generations.Load(),
		Failures:     p.metrics.failures.Load(),
		Placeholders: p.metrics.placeholders.Load(),
		Dispatches:   p.metrics.dispatches.Load(),
		Refreshes:    p.metrics.refreshes.Load(),
	}
}
