// Package queue implements the resumable upload queue: ordered items with a
// bounded number of concurrent transfer sessions, pause/resume/cancel/retry
// lifecycle, server-record bookkeeping, and a single transparent credential
// refresh on mid-transfer auth failure.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued upload.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// FileRef describes the local file backing an upload. It is owned by the
// caller and read-only to the queue.
type FileRef struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
	ModTime  time.Time
}

// Item is one queued upload. All fields are guarded by the owning Queue's
// mutex; callers observe items through ItemSnapshot copies.
type Item struct {
	ID   string
	File FileRef

	Status Status

	// RecordID is the server-side placeholder record. Empty until the
	// platform accepts the begin-upload request; cleared again when the
	// record is deleted (error/cancel) or ownership passes to the server's
	// completion handler (success).
	RecordID string

	// ProgressPercent is 0-100, monotonically non-decreasing while
	// uploading, except it resets to 0 on manual retry.
	ProgressPercent int

	// SpeedMBps is the most recent smoothed throughput estimate.
	// Advisory only: it never affects control flow.
	SpeedMBps float64

	// ErrorMessage is the human-readable failure reason. Set only in the
	// error state, cleared on retry.
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// session is the in-flight transfer handle, exclusively owned by the
	// queue entry. Non-nil only while uploading or paused.
	session *TransferSession

	// resumePending marks a paused item waiting for a free slot after
	// Resume. The admission tick picks these up ahead of queued items, so
	// the concurrency bound holds even when pausing promoted other work.
	resumePending bool
}

// newItem creates an Item in the queued state.
func newItem(file FileRef, now time.Time) *Item {
	return &Item{
		ID:        uuid.NewString(),
		File:      file,
		Status:    StatusQueued,
		CreatedAt: now,
	}
}

// snapshot copies the caller-visible fields. Must be called with the queue
// lock held.
func (it *Item) snapshot() ItemSnapshot {
	return ItemSnapshot{
		ID:              it.ID,
		Name:            it.File.Name,
		Size:            it.File.Size,
		Status:          it.Status,
		RecordID:        it.RecordID,
		ProgressPercent: it.ProgressPercent,
		SpeedMBps:       it.SpeedMBps,
		ErrorMessage:    it.ErrorMessage,
		CreatedAt:       it.CreatedAt,
		StartedAt:       it.StartedAt,
		CompletedAt:     it.CompletedAt,
	}
}

// ItemSnapshot is an immutable copy of an Item's caller-visible state.
type ItemSnapshot struct {
	ID              string
	Name            string
	Size            int64
	Status          Status
	RecordID        string
	ProgressPercent int
	SpeedMBps       float64
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}
