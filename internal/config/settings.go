package config

import (
	"os"
	"strconv"
	"strings"
)

// Default network settings for the daemon HTTP listener.
const (
	DefaultBinding = "127.0.0.1"
	DefaultPort    = 9180
)

// Settings carries environment-derived daemon configuration. All fields have
// working defaults except the provider endpoints, which stay empty when the
// corresponding variables are unset.
type Settings struct {
	Binding string // HTTP bind address (LOOM_BINDING)
	Port    int    // HTTP port (LOOM_PORT)

	// Primary hosted model provider (OpenAI-compatible chat completions).
	PrimaryEndpoint string // LOOM_PRIMARY_ENDPOINT
	PrimaryAPIKey   string // LOOM_PRIMARY_API_KEY
	PrimaryModel    string // LOOM_PRIMARY_MODEL

	// Secondary self-hosted fallback endpoint.
	SecondaryEndpoint string // LOOM_SECONDARY_ENDPOINT
	SecondaryModel    string // LOOM_SECONDARY_MODEL

	KnowledgeDBPath string // LOOM_KNOWLEDGE_DB override (primarily for tests)
}

// LoadSettings reads daemon settings from the environment.
func LoadSettings() Settings {
	s := Settings{
		Binding:           envString("LOOM_BINDING", DefaultBinding),
		Port:              envInt("LOOM_PORT", DefaultPort),
		PrimaryEndpoint:   envString("LOOM_PRIMARY_ENDPOINT", ""),
		PrimaryAPIKey:     envString("LOOM_PRIMARY_API_KEY", ""),
		PrimaryModel:      envString("LOOM_PRIMARY_MODEL", "gpt-4o-mini"),
		SecondaryEndpoint: envString("LOOM_SECONDARY_ENDPOINT", ""),
		SecondaryModel:    envString("LOOM_SECONDARY_MODEL", ""),
		KnowledgeDBPath:   envString("LOOM_KNOWLEDGE_DB", ""),
	}
	return s
}

func envString(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
