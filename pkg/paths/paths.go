// Package paths resolves where sparkbridge keeps logs, the ledger and
// browser profiles.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvLogDir  = "SPARKAI_LOG_DIR"
	EnvDataDir = "SPARKAI_DATA_DIR"

	dirName = ".sparkbridge"
)

// HomeDir returns ~/.sparkbridge, or a relative .sparkbridge when the home
// directory cannot be resolved.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return dirName
	}
	return filepath.Join(home, dirName)
}

// DataDir is the ledger and profile root. SPARKAI_DATA_DIR overrides it.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvDataDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return HomeDir()
}

// LogsDir is the journal root. SPARKAI_LOG_DIR overrides it.
func LogsDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(DataDir(), "logs")
}

// ProfileDir is the persistent Chrome profile for a browser id.
func ProfileDir(browserID string) string {
	browserID = strings.TrimSpace(browserID)
	if browserID == "" {
		browserID = "default"
	}
	return filepath.Join(DataDir(), "profiles", browserID)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
