package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// WoTProvider discovers actions from a W3C Thing Description document. It
// covers both the "actions" block (invokeaction forms) and properties that
// expose read/write forms, so a plain sensor TD still yields controls.
type WoTProvider struct{}

// NewWoTProvider constructs the Thing-Description provider.
func NewWoTProvider() *WoTProvider {
	return &WoTProvider{}
}

func (p *WoTProvider) Name() string { return "wot" }

// Supports reports true when the description carries actions or properties.
func (p *WoTProvider) Supports(ctx DiscoveryContext) bool {
	if ctx.ThingDescription == nil {
		return false
	}
	if _, ok := ctx.ThingDescription["actions"].(map[string]any); ok {
		return true
	}
	_, ok := ctx.ThingDescription["properties"].(map[string]any)
	return ok
}

func (p *WoTProvider) DiscoverActions(ctx DiscoveryContext) ([]ActionDescriptor, error) {
	td := ctx.ThingDescription
	base, _ := td["base"].(string)

	var descriptors []ActionDescriptor

	if actions, ok := td["actions"].(map[string]any); ok {
		for _, name := range sortedKeys(actions) {
			def, ok := actions[name].(map[string]any)
			if !ok {
				continue
			}
			descriptors = append(descriptors, descriptorFromAffordance(name, def, base, "invokeaction"))
		}
	}

	if properties, ok := td["properties"].(map[string]any); ok {
		for _, name := range sortedKeys(properties) {
			def, ok := properties[name].(map[string]any)
			if !ok {
				continue
			}
			if readOnly, _ := def["readOnly"].(bool); readOnly {
				continue
			}
			descriptors = append(descriptors, descriptorFromAffordance(name, def, base, "writeproperty"))
		}
	}

	return descriptors, nil
}

// descriptorFromAffordance builds a raw descriptor from a TD action or
// property definition. The default op applies to forms that omit one.
func descriptorFromAffordance(name string, def map[string]any, base, defaultOp string) ActionDescriptor {
	descriptor := ActionDescriptor{Name: name}
	if title, ok := def["title"].(string); ok {
		descriptor.Title = title
	}
	if description, ok := def["description"].(string); ok {
		descriptor.Description = description
	}
	descriptor.Metadata.IntentAliases = stringList(def["intentAliases"])
	if capability, ok := def["capability"].(string); ok {
		descriptor.Metadata.Capability = capability
	}

	forms, _ := def["forms"].([]any)
	for _, rawForm := range forms {
		formMap, ok := rawForm.(map[string]any)
		if !ok {
			continue
		}
		form := Form{}
		if href, ok := formMap["href"].(string); ok {
			form.Href = href
			form.URL = resolveHref(base, href)
		}
		if method, ok := formMap["htv:methodName"].(string); ok {
			form.Method = strings.ToUpper(method)
		}
		form.Op = opString(formMap["op"], defaultOp)
		if form.Method == "" {
			form.Method = methodForOp(form.Op)
		}
		if contentType, ok := formMap["contentType"].(string); ok {
			form.ContentType = contentType
		}
		descriptor.Forms = append(descriptor.Forms, form)
	}

	return descriptor
}

// MetadataProvider discovers actions declared inline in a thing's metadata
// under an "actions" list. This covers things registered without a full TD.
type MetadataProvider struct{}

// NewMetadataProvider constructs the inline-metadata provider.
func NewMetadataProvider() *MetadataProvider {
	return &MetadataProvider{}
}

func (p *MetadataProvider) Name() string { return "metadata" }

func (p *MetadataProvider) Supports(ctx DiscoveryContext) bool {
	if ctx.Metadata == nil {
		return false
	}
	list, ok := ctx.Metadata["actions"].([]any)
	return ok && len(list) > 0
}

func (p *MetadataProvider) DiscoverActions(ctx DiscoveryContext) ([]ActionDescriptor, error) {
	list, _ := ctx.Metadata["actions"].([]any)

	var descriptors []ActionDescriptor
	for i, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			name = fmt.Sprintf("action-%d", i)
		}
		descriptor := ActionDescriptor{Name: name}
		if title, ok := entry["title"].(string); ok {
			descriptor.Title = title
		}
		if description, ok := entry["description"].(string); ok {
			descriptor.Description = description
		}
		if capability, ok := entry["capability"].(string); ok {
			descriptor.Metadata.Capability = capability
		}
		descriptor.Metadata.IntentAliases = stringList(entry["intentAliases"])

		if targetURL, ok := entry["url"].(string); ok && targetURL != "" {
			method, _ := entry["method"].(string)
			if method == "" {
				method = "POST"
			}
			descriptor.Transport = &Transport{URL: targetURL, Method: strings.ToUpper(method)}
		}
		descriptors = append(descriptors, descriptor)
	}

	return descriptors, nil
}

func opString(raw any, fallback string) string {
	switch v := raw.(type) {
	case string:
		if v != "" {
			return v
		}
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				return s
			}
		}
	}
	return fallback
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range list {
		if s, ok := entry.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sortedKeys keeps discovery order deterministic so re-discovery for an
// unchanged description yields an identical descriptor sequence.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
