// Package history persists a local ledger of finished uploads so the status
// command can show what happened in previous runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Entry is one finished upload, successful or not.
type Entry struct {
	ID           int64
	Project      string
	FileName     string
	FileSize     int64
	RecordID     string
	Status       string
	ErrorMessage string
	Duration     time.Duration
	FinishedAt   time.Time
}

// Ledger is the upload history database.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the history database at dbPath and
// applies pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: setting WAL mode: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("history database ready", slog.String("path", dbPath))

	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends one finished upload to the ledger.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO uploads (project, file_name, file_size, record_id, status, error_message, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Project, e.FileName, e.FileSize, e.RecordID, e.Status, e.ErrorMessage,
		e.Duration.Milliseconds(), e.FinishedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("history: recording upload: %w", err)
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, project, file_name, file_size, record_id, status, error_message, duration_ms, finished_at
		FROM uploads ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: querying uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e          Entry
			durationMS int64
			finishedAt string
		)

		if err := rows.Scan(&e.ID, &e.Project, &e.FileName, &e.FileSize, &e.RecordID,
			&e.Status, &e.ErrorMessage, &durationMS, &finishedAt); err != nil {
			return nil, fmt.Errorf("history: scanning upload row: %w", err)
		}

		e.Duration = time.Duration(durationMS) * time.Millisecond

		ts, parseErr := time.Parse(time.RFC3339, finishedAt)
		if parseErr != nil {
			l.logger.Warn("invalid timestamp in history row",
				slog.Int64("id", e.ID),
				slog.String("raw", finishedAt),
			)
		}

		e.FinishedAt = ts

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating upload rows: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than the cutoff. Returns rows removed.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)

	res, err := l.db.ExecContext(ctx, `DELETE FROM uploads WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: pruning uploads: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: counting pruned rows: %w", err)
	}

	return n, nil
}
