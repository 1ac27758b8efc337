package tus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorruptRecord is returned when a fingerprint file cannot be parsed as
// JSON. The corrupt file is deleted automatically.
var ErrCorruptRecord = errors.New("tus: corrupt fingerprint record")

// storeSubdir is the subdirectory within the data dir for fingerprint files.
const storeSubdir = "transfers"

// recordFilePerms restricts fingerprint files to owner-only because they
// contain upload URLs.
const recordFilePerms = 0o600

// recordDirPerms for the fingerprint directory itself.
const recordDirPerms = 0o700

// StaleRecordAge is the default TTL for fingerprint files. The platform
// expires incomplete uploads after 24 hours; 3 days is generous.
const StaleRecordAge = 3 * 24 * time.Hour

// cleanThrottle prevents excessive directory scans. Cleanup is a no-op if
// run again within this interval.
const cleanThrottle = 1 * time.Hour

// StoreRecord is the on-disk JSON format for a persisted transfer.
type StoreRecord struct {
	Fingerprint string    `json:"fingerprint"`
	UploadURL   string    `json:"upload_url"`
	RecordID    string    `json:"record_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists upload URLs keyed by file fingerprint so a transfer
// interrupted by a crash or restart can resume from the server's last
// acknowledged offset. Thread-safe for concurrent Save/Load/Delete.
type Store struct {
	dir    string
	logger *slog.Logger

	cleanMu   sync.Mutex
	lastClean time.Time
}

// NewStore creates a Store rooted at dataDir/transfers.
func NewStore(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dir:    filepath.Join(dataDir, storeSubdir),
		logger: logger,
	}
}

// Load reads the record for the given fingerprint.
// Returns nil, nil if no record exists.
func (s *Store) Load(fingerprint string) (*StoreRecord, error) {
	path := s.filePath(fingerprint)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("tus: reading fingerprint file: %w", err)
	}

	var rec StoreRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt file — delete and treat as absent.
		s.logger.Warn("corrupt fingerprint file, deleting",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove corrupt fingerprint file",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	return &rec, nil
}

// Save persists a record. Creates the store directory if needed.
// Triggers lazy stale-record cleanup (throttled to once per hour).
func (s *Store) Save(fingerprint string, rec *StoreRecord) error {
	if err := os.MkdirAll(s.dir, recordDirPerms); err != nil {
		return fmt.Errorf("tus: creating fingerprint dir: %w", err)
	}

	rec.Fingerprint = fingerprint

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tus: marshaling fingerprint record: %w", err)
	}

	path := s.filePath(fingerprint)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, recordFilePerms); err != nil {
		return fmt.Errorf("tus: writing fingerprint temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // best-effort cleanup
		return fmt.Errorf("tus: renaming fingerprint temp file: %w", err)
	}

	// Lazy cleanup — non-blocking, errors logged but not propagated.
	// Pre-check throttle to avoid spawning a goroutine on every Save.
	s.cleanMu.Lock()
	due := time.Since(s.lastClean) >= cleanThrottle
	s.cleanMu.Unlock()

	if due {
		go s.cleanIfDue()
	}

	return nil
}

// Delete removes the record for the given fingerprint.
// No error if the file doesn't exist.
func (s *Store) Delete(fingerprint string) error {
	path := s.filePath(fingerprint)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tus: deleting fingerprint file: %w", err)
	}

	return nil
}

// List returns all persisted records in directory order.
// Used by the sessions command to show resumable transfers.
func (s *Store) List() ([]StoreRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("tus: reading fingerprint dir: %w", err)
	}

	var records []StoreRecord

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		data, readErr := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if readErr != nil {
			continue
		}

		var rec StoreRecord
		if json.Unmarshal(data, &rec) != nil {
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// CleanStale removes records older than maxAge. Returns the number of files
// deleted. Safe to call concurrently.
func (s *Store) CleanStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("tus: reading fingerprint dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to clean stale fingerprint record",
					slog.String("file", e.Name()),
					slog.String("error", err.Error()),
				)

				continue
			}

			s.logger.Info("deleted stale fingerprint record",
				slog.String("file", e.Name()),
				slog.Duration("age", time.Since(info.ModTime())),
			)

			deleted++
		}
	}

	return deleted, nil
}

// cleanIfDue runs CleanStale if at least cleanThrottle has elapsed since
// the last run. Thread-safe; no-op if throttled. Runs in a goroutine so
// panic recovery prevents crashing the entire process.
func (s *Store) cleanIfDue() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in fingerprint cleanup", slog.Any("panic", r))
		}
	}()

	s.cleanMu.Lock()
	if time.Since(s.lastClean) < cleanThrottle {
		s.cleanMu.Unlock()
		return
	}

	s.lastClean = time.Now()
	s.cleanMu.Unlock()

	n, err := s.CleanStale(StaleRecordAge)
	if err != nil {
		s.logger.Warn("stale fingerprint cleanup failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		s.logger.Info("cleaned stale fingerprint records", slog.Int("count", n))
	}
}

// filePath returns the absolute path to the record file for a fingerprint.
// Fingerprints are hex sha256 strings, safe to use as filenames directly.
func (s *Store) filePath(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+".json")
}
