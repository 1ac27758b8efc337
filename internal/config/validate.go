package config

import (
	"fmt"
	"net/url"
	"strings"
)

// maxConcurrentCeiling guards against configs that would open an absurd
// number of parallel transfers and trip platform rate limits.
const maxConcurrentCeiling = 16

// validate checks semantic constraints that TOML decoding cannot express.
func validate(cfg *Config) error {
	if err := validateAPIURL(cfg.APIURL); err != nil {
		return err
	}

	if cfg.Uploads.MaxConcurrent < 1 {
		return fmt.Errorf("config: uploads.max_concurrent must be at least 1, got %d", cfg.Uploads.MaxConcurrent)
	}

	if cfg.Uploads.MaxConcurrent > maxConcurrentCeiling {
		return fmt.Errorf("config: uploads.max_concurrent must be at most %d, got %d",
			maxConcurrentCeiling, cfg.Uploads.MaxConcurrent)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be one of debug/info/warn/error, got %q", cfg.LogLevel)
	}

	return nil
}

// validateAPIURL rejects URLs that would fail confusingly deep inside the
// HTTP client instead of at startup.
func validateAPIURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: api_url %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: api_url %q: scheme must be http or https", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("config: api_url %q: missing host", raw)
	}

	return nil
}

// normalizeExtension lowercases and strips a leading dot so "MP4", ".mp4"
// and "mp4" all mean the same thing.
func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
