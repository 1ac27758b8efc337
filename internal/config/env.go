package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "CLIPPROOF_CONFIG"
	EnvAPIURL  = "CLIPPROOF_API_URL"
	EnvProject = "CLIPPROOF_PROJECT"
	EnvDataDir = "CLIPPROOF_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
// These sit between CLI flags and the config file in the override chain.
type EnvOverrides struct {
	ConfigPath string // CLIPPROOF_CONFIG: override config file path
	APIURL     string // CLIPPROOF_API_URL: override API base URL
	Project    string // CLIPPROOF_PROJECT: default project
	DataDir    string // CLIPPROOF_DATA_DIR: override data directory
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		APIURL:     os.Getenv(EnvAPIURL),
		Project:    os.Getenv(EnvProject),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
