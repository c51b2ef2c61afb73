// Package identity reports the daemon's hostname and version.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DefaultVersion is the fallback version string when metadata.json is not found.
const DefaultVersion = "0.1.0"

const defaultHostname = "planetradio"

// Info holds system identity information.
type Info struct {
	Hostname string
	Version  string
}

// Get returns the identity for a daemon whose config lives in configDir.
func Get(configDir string) Info {
	return Info{Hostname: Hostname(), Version: VersionFromDir(configDir)}
}

// Hostname returns the system hostname.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return defaultHostname
	}
	return h
}

// VersionFromDir reads the version from metadata.json in dir, written by the
// package installer. Falls back to DefaultVersion if the file is missing or
// unreadable.
func VersionFromDir(dir string) string {
	if dir == "" {
		return DefaultVersion
	}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return DefaultVersion
	}

	var meta struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.Version == "" {
		return DefaultVersion
	}
	return meta.Version
}
