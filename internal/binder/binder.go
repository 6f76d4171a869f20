package binder

import (
	"log"
	"regexp"
	"strings"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/retrieval"
	"github.com/loom-ai/loom/internal/ui"
)

// Input scopes one binding pass.
type Input struct {
	Actions         []catalog.ActionDescriptor
	FallbackThingID string
}

// Binder attaches concrete action descriptors to interactive components of a
// generated UI tree. Binding is best-effort: a component no cascade step can
// resolve stays unbound and the UI remains deliverable.
type Binder struct {
	logger *log.Logger
}

// Option customises binder construction.
type Option func(*Binder)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Binder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a binder.
func New(opts ...Option) *Binder {
	b := &Binder{logger: log.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind walks the tree and resolves an action for every interactive component
// that does not already carry one. The tree is mutated in place and returned
// for convenience. Traversal uses a visited set so shared sub-objects from a
// careless generator cannot loop it.
func (b *Binder) Bind(doc *ui.Document, in Input) *ui.Document {
	if doc == nil || doc.Root == nil {
		return doc
	}
	visited := make(map[*ui.Component]struct{})
	b.bindComponent(doc.Root, in, visited)
	return doc
}

func (b *Binder) bindComponent(node *ui.Component, in Input, visited map[*ui.Component]struct{}) {
	if node == nil {
		return
	}
	if _, seen := visited[node]; seen {
		return
	}
	visited[node] = struct{}{}

	if ui.IsInteractive(node.Type) && node.Action == nil {
		if action, ok := b.resolve(node, in); ok {
			bound := action
			node.Action = &bound
			node.ActionID = bound.ID
		} else {
			b.logger.Printf("[Binder] No action resolved for %s %q", node.Type, componentLabel(node))
		}
	}

	for _, child := range node.Children {
		b.bindComponent(child, in, visited)
	}
}

// resolve runs the cascade: explicit action id, intent alias, keyword score,
// single candidate. Each step is tried only when the previous one missed.
func (b *Binder) resolve(node *ui.Component, in Input) (catalog.ActionDescriptor, bool) {
	pool := scopePool(in.Actions, thingIDFor(node, in))

	if node.ActionID != "" {
		if action, ok := matchByID(pool, node.ActionID); ok {
			return action, true
		}
		if action, ok := matchByID(in.Actions, node.ActionID); ok {
			return action, true
		}
	}

	if node.Intent != "" {
		if action, ok := matchByAlias(pool, node.Intent); ok {
			return action, true
		}
	}

	if action, ok := matchByKeywords(pool, node); ok {
		return action, true
	}

	if len(pool) == 1 {
		return pool[0], true
	}
	return catalog.ActionDescriptor{}, false
}

func thingIDFor(node *ui.Component, in Input) string {
	if node.ThingID != "" {
		return node.ThingID
	}
	return in.FallbackThingID
}

// scopePool narrows the candidate set to the component's thing when that
// yields anything; otherwise the global pool stays in play.
func scopePool(actions []catalog.ActionDescriptor, thingID string) []catalog.ActionDescriptor {
	if thingID == "" {
		return actions
	}
	var scoped []catalog.ActionDescriptor
	for _, action := range actions {
		if action.ThingID == thingID {
			scoped = append(scoped, action)
		}
	}
	if len(scoped) == 0 {
		return actions
	}
	return scoped
}

func matchByID(actions []catalog.ActionDescriptor, id string) (catalog.ActionDescriptor, bool) {
	for _, action := range actions {
		if action.ID == id {
			return action, true
		}
	}
	for _, action := range actions {
		if strings.EqualFold(action.ID, id) {
			return action, true
		}
	}
	return catalog.ActionDescriptor{}, false
}

func matchByAlias(actions []catalog.ActionDescriptor, intent string) (catalog.ActionDescriptor, bool) {
	for _, action := range actions {
		for _, alias := range action.Metadata.IntentAliases {
			if strings.EqualFold(alias, intent) {
				return action, true
			}
		}
	}
	return catalog.ActionDescriptor{}, false
}

// keywordRules map label phrasings to fragments expected somewhere in the
// action's identifying text.
var keywordRules = []struct {
	pattern  *regexp.Regexp
	fragment string
	weight   float64
}{
	{regexp.MustCompile(`turn ?on|switch ?on|power ?on`), "turnon", 3},
	{regexp.MustCompile(`turn ?off|switch ?off|power ?off`), "turnoff", 3},
	{regexp.MustCompile(`toggle`), "toggle", 2},
	{regexp.MustCompile(`dim|brightness`), "brightness", 2},
	{regexp.MustCompile(`volume`), "volume", 2},
	{regexp.MustCompile(`open`), "open", 2},
	{regexp.MustCompile(`close`), "close", 2},
}

// typeBonuses give a small edge to actions whose text suggests the same
// control modality as the component.
var typeBonuses = map[ui.Kind][]string{
	ui.KindToggle: {"toggle"},
	ui.KindSlider: {"wheelcontrol", "slider"},
}

func matchByKeywords(actions []catalog.ActionDescriptor, node *ui.Component) (catalog.ActionDescriptor, bool) {
	label := strings.ToLower(componentLabel(node))
	if label == "" {
		return catalog.ActionDescriptor{}, false
	}
	labelTokens := retrieval.Tokenize(label)

	bestIdx := -1
	bestScore := 0.0
	for i, action := range actions {
		score := scoreAction(action, node.Type, label, labelTokens)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return catalog.ActionDescriptor{}, false
	}
	return actions[bestIdx], true
}

func scoreAction(action catalog.ActionDescriptor, kind ui.Kind, label string, labelTokens []string) float64 {
	text := actionText(action)

	var score float64
	for _, rule := range keywordRules {
		if rule.pattern.MatchString(label) && strings.Contains(text, rule.fragment) {
			score += rule.weight
		}
	}

	actionTokens := make(map[string]struct{})
	for _, token := range retrieval.Tokenize(text) {
		actionTokens[token] = struct{}{}
	}
	for _, token := range labelTokens {
		if _, ok := actionTokens[token]; ok {
			score++
		}
	}

	for _, hint := range typeBonuses[kind] {
		if strings.Contains(text, hint) {
			score += 0.5
			break
		}
	}
	return score
}

// actionText is the lowercase haystack keyword matching runs against: id,
// name, title and every intent alias.
func actionText(action catalog.ActionDescriptor) string {
	parts := []string{action.ID, action.Name, action.Title}
	parts = append(parts, action.Metadata.IntentAliases...)
	return strings.ToLower(strings.Join(parts, " "))
}

func componentLabel(node *ui.Component) string {
	if node.Label != "" {
		return node.Label
	}
	return node.Text
}
