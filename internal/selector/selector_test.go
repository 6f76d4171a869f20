package selector_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/selector"
)

type stubArbiter struct {
	result selector.ArbitrationResult
	err    error
	called bool
}

func (a *stubArbiter) SelectDevice(_ context.Context, _ selector.ArbitrationRequest) (selector.ArbitrationResult, error) {
	a.called = true
	return a.result, a.err
}

func newStore(t *testing.T, devices ...registry.DeviceRecord) *registry.Store {
	t.Helper()
	store := registry.NewStore()
	for _, device := range devices {
		if _, err := store.RegisterDevice(device); err != nil {
			t.Fatalf("register device %s: %v", device.ID, err)
		}
	}
	return store
}

func TestScoreInvariants(t *testing.T) {
	device := &registry.DeviceRecord{ID: "d", Capabilities: []string{"display", "audio"}}

	cases := [][]string{
		nil,
		{"display"},
		{"display", "audio"},
		{"display", "haptics", "audio", "camera"},
	}
	for _, desired := range cases {
		score := selector.ScoreDeviceForCapabilities(device, desired)
		if score.Matches+len(score.Missing) != len(desired) {
			t.Fatalf("desired %v: matches(%d) + missing(%d) != %d",
				desired, score.Matches, len(score.Missing), len(desired))
		}
		if score.SupportsAll != (len(score.Missing) == 0) {
			t.Fatalf("desired %v: supportsAll inconsistent with missing %v", desired, score.Missing)
		}
	}
}

func TestExplicitDeviceRequest(t *testing.T) {
	store := newStore(t,
		registry.DeviceRecord{ID: "panel"},
		registry.DeviceRecord{ID: "watch"},
	)
	sel := selector.New(store)

	got := sel.SelectTargetDevice(context.Background(), selector.Request{RequestedDeviceID: "watch"})
	if got.Reason != selector.ReasonExplicitRequest || got.Device == nil || got.Device.ID != "watch" {
		t.Fatalf("unexpected selection: %+v", got)
	}

	missing := sel.SelectTargetDevice(context.Background(), selector.Request{RequestedDeviceID: "ghost"})
	if missing.Reason != selector.ReasonRequestedNotFound {
		t.Fatalf("expected requested-device-not-found, got %q", missing.Reason)
	}
	if missing.Device != nil {
		t.Fatal("unknown device must yield a nil device, not an error")
	}
}

func TestOnlyDeviceShortCircuit(t *testing.T) {
	store := newStore(t, registry.DeviceRecord{ID: "solo"})
	arbiter := &stubArbiter{}
	sel := selector.New(store, selector.WithArbiter(arbiter))

	got := sel.SelectTargetDevice(context.Background(), selector.Request{})
	if got.Reason != selector.ReasonOnlyDevice || got.Device.ID != "solo" {
		t.Fatalf("unexpected selection: %+v", got)
	}
	if arbiter.called {
		t.Fatal("arbiter must not be consulted for a single device")
	}
}

func TestArbitrationFallbackOnError(t *testing.T) {
	store := newStore(t,
		registry.DeviceRecord{ID: "a", Capabilities: []string{"audio"}},
		registry.DeviceRecord{ID: "b"},
	)
	sel := selector.New(store, selector.WithArbiter(&stubArbiter{err: errors.New("unreachable")}))

	got := sel.SelectTargetDevice(context.Background(), selector.Request{
		DesiredCapabilities: []string{"audio"},
	})
	if got.Reason != selector.ReasonHeuristic {
		t.Fatalf("expected heuristic fallback, got %q", got.Reason)
	}
	if got.Device.ID != "a" {
		t.Fatalf("expected audio-capable device, got %q", got.Device.ID)
	}
}

func TestArbitrationFallbackOnUnknownDevice(t *testing.T) {
	store := newStore(t,
		registry.DeviceRecord{ID: "a"},
		registry.DeviceRecord{ID: "b"},
	)
	sel := selector.New(store, selector.WithArbiter(&stubArbiter{
		result: selector.ArbitrationResult{TargetDeviceID: "invented"},
	}))

	got := sel.SelectTargetDevice(context.Background(), selector.Request{})
	if got.Reason != selector.ReasonHeuristic {
		t.Fatalf("expected heuristic fallback for unknown arbitration result, got %q", got.Reason)
	}
}

func TestArbitrationVerdictUsed(t *testing.T) {
	store := newStore(t,
		registry.DeviceRecord{ID: "a"},
		registry.DeviceRecord{ID: "b"},
	)
	sel := selector.New(store, selector.WithArbiter(&stubArbiter{
		result: selector.ArbitrationResult{
			TargetDeviceID:     "b",
			Confidence:         0.9,
			AlternateDeviceIDs: []string{"a"},
		},
	}))

	got := sel.SelectTargetDevice(context.Background(), selector.Request{})
	if got.Device.ID != "b" || got.Confidence != 0.9 {
		t.Fatalf("arbitration verdict not honoured: %+v", got)
	}
}

func TestSupportsAllOutranksRegistrationOrder(t *testing.T) {
	store := newStore(t,
		registry.DeviceRecord{ID: "first", Capabilities: []string{"display"}},
		registry.DeviceRecord{ID: "second", Capabilities: []string{"audio"}},
	)
	sel := selector.New(store)

	got := sel.SelectTargetDevice(context.Background(), selector.Request{
		DesiredCapabilities: []string{"audio"},
	})
	if got.Device.ID != "second" {
		t.Fatalf("audio-supporting candidate must rank first, got %q", got.Device.ID)
	}
	if !got.Score.SupportsAll {
		t.Fatalf("winner should support all desired capabilities: %+v", got.Score)
	}
}

func TestHeuristicTieKeepsRegistrationOrder(t *testing.T) {
	store := newStore(t,
		registry.DeviceRecord{ID: "first", Capabilities: []string{"display"}},
		registry.DeviceRecord{ID: "second", Capabilities: []string{"display"}},
	)
	sel := selector.New(store)

	got := sel.SelectTargetDevice(context.Background(), selector.Request{
		DesiredCapabilities: []string{"display"},
	})
	if got.Device.ID != "first" {
		t.Fatalf("tie must resolve to first-registered device, got %q", got.Device.ID)
	}
}
