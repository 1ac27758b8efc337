package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// appDir is the subdirectory name under the XDG base directories.
const appDir = "clipproof"

// DefaultConfigPath returns the default config file location,
// honoring XDG_CONFIG_HOME.
func DefaultConfigPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving home directory: %w", err)
		}

		base = filepath.Join(home, ".config")
	}

	return filepath.Join(base, appDir, "config.toml"), nil
}

// DefaultDataDir returns the data directory (credentials, transfer
// fingerprints, upload history), honoring XDG_DATA_HOME.
func DefaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving home directory: %w", err)
		}

		base = filepath.Join(home, ".local", "share")
	}

	return filepath.Join(base, appDir), nil
}

// CredentialsPath returns the credential file location within the data dir.
func CredentialsPath(dataDir string) string {
	return filepath.Join(dataDir, "credentials.json")
}

// HistoryDBPath returns the upload history database location.
func HistoryDBPath(dataDir string) string {
	return filepath.Join(dataDir, "history.db")
}
