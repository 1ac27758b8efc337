// Package tokenfile handles reading and writing the credential file. The file
// stores the platform access/refresh token pair alongside cached account
// metadata (workspace name, user email). It is a leaf package imported by
// both api/ and the CLI to avoid an import cycle.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// Credentials is the token pair issued by the platform's auth endpoints.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// Valid reports whether the access token is present and not expired.
// A zero expiry means the server did not report one; treat as valid.
func (c *Credentials) Valid() bool {
	if c == nil || c.AccessToken == "" {
		return false
	}

	return c.Expiry.IsZero() || c.Expiry.After(time.Now())
}

// File is the on-disk format. Includes the credentials and optional metadata
// (workspace name, user email) cached from API responses.
type File struct {
	Credentials *Credentials      `json:"credentials"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Load reads a saved credential file from disk. Returns the credentials and
// any cached metadata. Returns (nil, nil, nil) if the file does not exist.
func Load(path string) (*Credentials, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Credentials == nil {
		return nil, nil, fmt.Errorf("tokenfile: %s missing credentials field (re-login required)", path)
	}

	return tf.Credentials, tf.Meta, nil
}

// Save writes a credential file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, creds *Credentials, meta map[string]string) error {
	tf := File{Credentials: creds, Meta: meta}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close and
	// rename cannot leave an empty or partial credential file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the credential file. Returns nil if it does not exist.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// MergeMeta reads the current credential file, merges new metadata keys
// (new keys overwrite existing), and saves. Returns an error if the file
// does not exist or has no credentials.
func MergeMeta(path string, meta map[string]string) error {
	creds, existing, err := Load(path)
	if err != nil {
		return fmt.Errorf("reading credentials for metadata update: %w", err)
	}

	if creds == nil {
		return fmt.Errorf("no credential file at %s", path)
	}

	if existing == nil {
		existing = make(map[string]string, len(meta))
	}

	maps.Copy(existing, meta)

	return Save(path, creds, existing)
}
