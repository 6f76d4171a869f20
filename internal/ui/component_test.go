package ui_test

import (
	"testing"

	"github.com/loom-ai/loom/internal/ui"
)

func TestParseDocumentWrappedAndBare(t *testing.T) {
	wrapped := []byte(`{"root":{"type":"container","children":[{"type":"text","text":"hi"}]}}`)
	doc, err := ui.ParseDocument(wrapped)
	if err != nil {
		t.Fatalf("parse wrapped: %v", err)
	}
	if doc.Root.Type != ui.KindContainer || len(doc.Root.Children) != 1 {
		t.Fatalf("unexpected wrapped tree: %+v", doc.Root)
	}

	bare := []byte(`{"type":"text","text":"hi"}`)
	doc, err = ui.ParseDocument(bare)
	if err != nil {
		t.Fatalf("parse bare: %v", err)
	}
	if doc.Root.Type != ui.KindText {
		t.Fatalf("unexpected bare tree: %+v", doc.Root)
	}
}

func TestParseDocumentRejectsGarbage(t *testing.T) {
	if _, err := ui.ParseDocument([]byte("here is your UI!")); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
	if _, err := ui.ParseDocument([]byte(`{"root":{}}`)); err == nil {
		t.Fatal("expected error for component without type")
	}
}

func TestPlaceholderShape(t *testing.T) {
	doc := ui.Placeholder("")
	if doc.Root.Type != ui.KindContainer {
		t.Fatalf("placeholder root must be a container, got %s", doc.Root.Type)
	}
	if len(doc.Root.Children) != 1 || doc.Root.Children[0].Type != ui.KindText {
		t.Fatal("placeholder must carry an explanatory text node")
	}
	if doc.Root.Children[0].Text == "" {
		t.Fatal("placeholder text must not be empty")
	}
}

func TestSupportedKinds(t *testing.T) {
	if got := ui.SupportedKinds(nil); len(got) != len(ui.AllKinds) {
		t.Fatalf("nil schema should support everything, got %v", got)
	}

	kinds := ui.SupportedKinds(map[string]any{
		"components": []any{"button", "toggle"},
	})
	has := func(kind ui.Kind) bool {
		for _, k := range kinds {
			if k == kind {
				return true
			}
		}
		return false
	}
	if !has(ui.KindButton) || !has(ui.KindToggle) {
		t.Fatalf("advertised kinds missing: %v", kinds)
	}
	if !has(ui.KindContainer) || !has(ui.KindText) {
		t.Fatalf("container and text must always be available: %v", kinds)
	}
	if has(ui.KindSlider) {
		t.Fatalf("unadvertised kind present: %v", kinds)
	}
}

func TestResponseSchemaFiltersKinds(t *testing.T) {
	schema := ui.ResponseSchema([]ui.Kind{ui.KindContainer, ui.KindText, ui.KindButton})

	defs := schema["$defs"].(map[string]any)
	component := defs["component"].(map[string]any)
	props := component["properties"].(map[string]any)
	kindEnum := props["type"].(map[string]any)["enum"].([]any)

	if len(kindEnum) != 3 {
		t.Fatalf("expected 3 kinds in enum, got %v", kindEnum)
	}
	for _, name := range kindEnum {
		if name == "slider" {
			t.Fatal("unsupported kind leaked into schema enum")
		}
	}
}
