package registry_test

import (
	"testing"

	"github.com/loom-ai/loom/internal/registry"
)

func TestRegisterServiceRequiresIdentity(t *testing.T) {
	store := registry.NewStore()

	if _, err := store.RegisterService(registry.ServiceRecord{URL: "http://svc"}); !registry.IsValidation(err) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}
	if _, err := store.RegisterService(registry.ServiceRecord{Name: "svc"}); !registry.IsValidation(err) {
		t.Fatalf("expected validation error for missing url, got %v", err)
	}
	if store.FindService("svc") != nil {
		t.Fatal("failed registration must not leave a partial write")
	}
}

func TestRegisterServiceMergesEmptyFields(t *testing.T) {
	store := registry.NewStore()

	first, err := store.RegisterService(registry.ServiceRecord{
		Name:         "weather",
		URL:          "http://weather:8080",
		Type:         registry.ServiceTypeCapability,
		Capabilities: []string{"forecast"},
		Provides:     []string{"weather"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	second, err := store.RegisterService(registry.ServiceRecord{
		Name: "weather",
		URL:  "http://weather:9090",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if second.URL != "http://weather:9090" {
		t.Fatalf("expected updated url, got %q", second.URL)
	}
	if second.Type != registry.ServiceTypeCapability {
		t.Fatalf("empty type should keep prior value, got %q", second.Type)
	}
	if len(second.Capabilities) != 1 || second.Capabilities[0] != "forecast" {
		t.Fatalf("empty capabilities should keep prior values, got %v", second.Capabilities)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatal("re-registration must keep the original RegisteredAt")
	}
}

func TestCapabilityAliasReinstall(t *testing.T) {
	store := registry.NewStore()

	mustRegister(t, store, registry.ServiceRecord{
		Name:     "sensing",
		URL:      "http://sensing",
		Type:     registry.ServiceTypeCapability,
		Provides: []string{"activity", "presence"},
	})

	mustRegister(t, store, registry.ServiceRecord{
		Name:     "sensing",
		URL:      "http://sensing",
		Type:     registry.ServiceTypeCapability,
		Provides: []string{"activity-v2"},
	})

	if _, ok := store.AliasOwner("activity"); ok {
		t.Fatal("stale alias 'activity' should have been removed")
	}
	if _, ok := store.AliasOwner("presence"); ok {
		t.Fatal("stale alias 'presence' should have been removed")
	}
	if owner, ok := store.AliasOwner("activity-v2"); !ok || owner != "sensing" {
		t.Fatalf("expected activity-v2 → sensing, got %q (%v)", owner, ok)
	}
}

func TestAliasLastWriterWins(t *testing.T) {
	store := registry.NewStore()

	mustRegister(t, store, registry.ServiceRecord{
		Name: "old-weather", URL: "http://old", Type: registry.ServiceTypeCapability,
		Provides: []string{"weather"},
	})
	mustRegister(t, store, registry.ServiceRecord{
		Name: "new-weather", URL: "http://new", Type: registry.ServiceTypeCapability,
		Provides: []string{"weather"},
	})

	record := store.ResolveCapabilityRecord("weather")
	if record == nil || record.Name != "new-weather" {
		t.Fatalf("expected alias to resolve to last writer, got %+v", record)
	}
}

func TestDeviceRegistrationOrderPreserved(t *testing.T) {
	store := registry.NewStore()

	for _, id := range []string{"wall-panel", "watch", "speaker"} {
		if _, err := store.RegisterDevice(registry.DeviceRecord{ID: id}); err != nil {
			t.Fatalf("register device %s: %v", id, err)
		}
	}
	// Re-registration must not change order.
	if _, err := store.RegisterDevice(registry.DeviceRecord{ID: "wall-panel", Name: "Panel"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	devices := store.Devices()
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	want := []string{"wall-panel", "watch", "speaker"}
	for i, id := range want {
		if devices[i].ID != id {
			t.Fatalf("position %d: expected %q, got %q", i, id, devices[i].ID)
		}
	}
	if devices[0].Name != "Panel" {
		t.Fatalf("re-registration should update record, got name %q", devices[0].Name)
	}
}

func TestResolveUnknownCapability(t *testing.T) {
	store := registry.NewStore()
	if record := store.ResolveCapabilityRecord("nope"); record != nil {
		t.Fatalf("expected nil for unknown capability, got %+v", record)
	}
}

func mustRegister(t *testing.T, store *registry.Store, record registry.ServiceRecord) {
	t.Helper()
	if _, err := store.RegisterService(record); err != nil {
		t.Fatalf("register %s: %v", record.Name, err)
	}
}
