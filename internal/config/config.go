// Package config loads and validates clipproof-go configuration from the
// four-layer override chain: CLI flags > environment > config file > defaults.
package config

// Config is the full on-disk configuration shape. TOML keys use snake_case.
type Config struct {
	// APIURL is the base URL of the Clipproof platform API.
	APIURL string `toml:"api_url"`

	// Project is the default project identifier new uploads are attached to.
	// Overridable per invocation with --project.
	Project string `toml:"project"`

	LogLevel string `toml:"log_level"`

	Uploads UploadsConfig `toml:"uploads"`
	Network NetworkConfig `toml:"network"`
}

// UploadsConfig controls the upload queue and transfer sessions.
type UploadsConfig struct {
	// MaxConcurrent bounds how many transfers may be in flight at once.
	MaxConcurrent int `toml:"max_concurrent"`

	// ChunkSize is the resumable-transfer chunk size ("50MiB").
	ChunkSize string `toml:"chunk_size"`

	// BandwidthLimit caps aggregate upload throughput ("5MB/s", "0" = unlimited).
	BandwidthLimit string `toml:"bandwidth_limit"`

	// MaxFileSize rejects files larger than this at enqueue time ("50GB").
	MaxFileSize string `toml:"max_file_size"`

	// AllowedExtensions is the set of permitted file extensions (no dot,
	// case-insensitive). Empty means the built-in media defaults.
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	// ConnectTimeout applies to metadata API calls ("10s"). Transfer
	// requests run without a timeout — a 50 MiB chunk on a slow link can
	// legitimately take minutes.
	ConnectTimeout string `toml:"connect_timeout"`

	// Events enables the websocket feed of server-side processing events.
	Events bool `toml:"events"`
}

// Default values for configuration options. Layer 0 of the override chain,
// chosen so the tool works without any config file.
const (
	DefaultAPIURL         = "https://api.clipproof.com"
	defaultLogLevel       = "info"
	defaultMaxConcurrent  = 3
	defaultChunkSize      = "50MiB"
	defaultBandwidthLimit = "0"
	defaultMaxFileSize    = "50GB"
	defaultConnectTimeout = "10s"
)

// defaultAllowedExtensions covers the media and document types the review
// platform accepts. Matches the web app's drop-zone filter.
var defaultAllowedExtensions = []string{
	"mp4", "mov", "avi", "mkv", "webm", "mxf", "m4v",
	"wav", "mp3", "aif", "aiff", "flac",
	"png", "jpg", "jpeg", "gif", "tif", "tiff", "psd", "exr",
	"pdf",
}

// DefaultConfig returns a Config populated with all default values. Used as
// the starting point for TOML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		APIURL:   DefaultAPIURL,
		LogLevel: defaultLogLevel,
		Uploads: UploadsConfig{
			MaxConcurrent:     defaultMaxConcurrent,
			ChunkSize:         defaultChunkSize,
			BandwidthLimit:    defaultBandwidthLimit,
			MaxFileSize:       defaultMaxFileSize,
			AllowedExtensions: defaultAllowedExtensions,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			Events:         true,
		},
	}
}
