package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values from command-line flags, the highest-priority
// layer of the override chain.
type CLIOverrides struct {
	ConfigPath string
	APIURL     string
	Project    string
}

// Resolved is the effective configuration after all four layers are applied
// and string fields are parsed into usable types.
type Resolved struct {
	APIURL  string
	Project string

	LogLevel string

	MaxConcurrent  int
	ChunkSize      int64
	BandwidthLimit int64 // bytes/sec, 0 = unlimited
	MaxFileSize    int64
	// AllowedExtensions is a lowercase set without leading dots.
	AllowedExtensions map[string]bool

	DataDir string
	Events  bool

	connectTimeout time.Duration
}

// ConnectTimeoutDuration returns the parsed metadata-call timeout.
func (r *Resolved) ConnectTimeoutDuration() time.Duration {
	return r.connectTimeout
}

// Resolve loads the config file (if any), applies environment and CLI
// overrides, validates, and parses size/duration strings.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	cfg := DefaultConfig()

	path, err := configPath(env, cli)
	if err != nil {
		return nil, err
	}

	meta, loadErr := loadFile(path, cfg)
	if loadErr != nil {
		return nil, loadErr
	}

	warnUnknownKeys(meta, path, logger)
	applyOverrides(cfg, env, cli)

	return resolve(cfg, env, logger)
}

// configPath picks the config file path: CLI flag > env > default location.
func configPath(env EnvOverrides, cli CLIOverrides) (string, error) {
	if cli.ConfigPath != "" {
		return cli.ConfigPath, nil
	}

	if env.ConfigPath != "" {
		return env.ConfigPath, nil
	}

	return DefaultConfigPath()
}

// loadFile decodes the TOML file at path into cfg. A missing file is not an
// error — defaults apply. Returns decode metadata for unknown-key warnings.
func loadFile(path string, cfg *Config) (*toml.MetaData, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "no config file"
	}

	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &meta, nil
}

// warnUnknownKeys logs a warning for every config key the decoder did not
// recognize. Typo'd keys silently falling back to defaults is the kind of
// misconfiguration that otherwise goes unnoticed for months.
func warnUnknownKeys(meta *toml.MetaData, path string, logger *slog.Logger) {
	if meta == nil || logger == nil {
		return
	}

	for _, key := range meta.Undecoded() {
		logger.Warn("unknown config key ignored",
			slog.String("key", key.String()),
			slog.String("file", path),
		)
	}
}

// applyOverrides applies environment then CLI values onto cfg.
// CLI wins over environment because flags are the most explicit intent.
func applyOverrides(cfg *Config, env EnvOverrides, cli CLIOverrides) {
	if env.APIURL != "" {
		cfg.APIURL = env.APIURL
	}

	if env.Project != "" {
		cfg.Project = env.Project
	}

	if cli.APIURL != "" {
		cfg.APIURL = cli.APIURL
	}

	if cli.Project != "" {
		cfg.Project = cli.Project
	}
}

// resolve validates cfg and parses its string fields.
func resolve(cfg *Config, env EnvOverrides, logger *slog.Logger) (*Resolved, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	chunkSize, err := ParseSize(cfg.Uploads.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("config: chunk_size: %w", err)
	}

	maxFileSize, err := ParseSize(cfg.Uploads.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("config: max_file_size: %w", err)
	}

	bwLimit, err := ParseRate(cfg.Uploads.BandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("config: bandwidth_limit: %w", err)
	}

	connectTimeout, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("config: connect_timeout %q: %w", cfg.Network.ConnectTimeout, err)
	}

	dataDir := env.DataDir
	if dataDir == "" {
		dataDir, err = DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	exts := make(map[string]bool, len(cfg.Uploads.AllowedExtensions))
	for _, e := range cfg.Uploads.AllowedExtensions {
		exts[normalizeExtension(e)] = true
	}

	if logger != nil {
		logger.Debug("config resolved",
			slog.String("api_url", cfg.APIURL),
			slog.Int("max_concurrent", cfg.Uploads.MaxConcurrent),
			slog.Int64("chunk_size", chunkSize),
			slog.Bool("bandwidth_limited", bwLimit > 0),
		)
	}

	return &Resolved{
		APIURL:            cfg.APIURL,
		Project:           cfg.Project,
		LogLevel:          cfg.LogLevel,
		MaxConcurrent:     cfg.Uploads.MaxConcurrent,
		ChunkSize:         chunkSize,
		BandwidthLimit:    bwLimit,
		MaxFileSize:       maxFileSize,
		AllowedExtensions: exts,
		DataDir:           dataDir,
		Events:            cfg.Network.Events,
		connectTimeout:    connectTimeout,
	}, nil
}
