package promptbuild

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/loom-ai/loom/internal/registry"
)

// CapabilitySummary renders a human-readable description of a registered
// capability service: what it provides, how to reach its endpoints, and which
// tools it exposes. A nil record renders as "not registered" so summaries of
// unknown names never fail.
func CapabilitySummary(name string, record *registry.ServiceRecord) string {
	if record == nil {
		return fmt.Sprintf("%s: not registered", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", record.Name, record.URL)
	if len(record.Provides) > 0 {
		fmt.Fprintf(&b, " provides %s", strings.Join(record.Provides, ", "))
	}

	for _, key := range sortedEndpointKeys(record.Endpoints) {
		endpoint := record.Endpoints[key]
		method := endpoint.Method
		if method == "" {
			method = http.MethodGet
		}
		fmt.Fprintf(&b, "\n  %s: %s %s%s", key, strings.ToUpper(method), record.URL, endpoint.Path)
	}

	if len(record.Tools) > 0 {
		names := make([]string, 0, len(record.Tools))
		for toolName := range record.Tools {
			names = append(names, toolName)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "\n  tools: %s", strings.Join(names, ", "))
	}

	return b.String()
}

func sortedEndpointKeys(endpoints map[string]registry.Endpoint) []string {
	keys := make([]string, 0, len(endpoints))
	for key := range endpoints {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
