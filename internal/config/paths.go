package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a loom instance.
type InstancePaths struct {
	Home        string // Instance home directory
	KnowledgeDB string // SQLite knowledge store path
	Lock        string // Daemon lock file path
	Logs        string // Logs directory
	TempDir     string // Temporary files directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetLoomHome(), "instances", instanceName)

	return InstancePaths{
		Home:        instanceDir,
		KnowledgeDB: filepath.Join(instanceDir, "knowledge.db"),
		Lock:        filepath.Join(instanceDir, "daemon.lock"),
		Logs:        filepath.Join(instanceDir, "logs"),
		TempDir:     filepath.Join(instanceDir, "tmp"),
	}
}

// GetLoomHome returns the loom home directory (~/.loom), honouring the
// LOOM_HOME override.
func GetLoomHome() string {
	if custom := strings.TrimSpace(os.Getenv("LOOM_HOME")); custom != "" {
		return ExpandPath(custom)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".loom")
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		userHome, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(userHome, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory layout for an instance and
// returns the resolved paths.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)
	for _, dir := range []string{paths.Home, paths.Logs, paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return paths, nil
}
