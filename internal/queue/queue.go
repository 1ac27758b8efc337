package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clipproof/clipproof-go/internal/api"
	"github.com/clipproof/clipproof-go/internal/tus"
)

// RecordAPI is the slice of *api.Client the queue uses for placeholder
// record bookkeeping.
type RecordAPI interface {
	CreateUploadRecord(ctx context.Context, projectID, fileName string, fileSize int64, mimeType string) (*api.UploadRecord, error)
	DeleteUploadRecord(ctx context.Context, projectID, recordID string) error
}

// InvalidFile names one file rejected during enqueue validation.
type InvalidFile struct {
	Name   string
	Reason string
}

// ValidationError aggregates every invalid file from an enqueue batch. When
// any file in a batch is invalid, the whole batch is rejected: nothing is
// silently dropped, and nothing is partially admitted.
type ValidationError struct {
	Files []InvalidFile
}

func (e *ValidationError) Error() string {
	reasons := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		reasons = append(reasons, fmt.Sprintf("%s: %s", f.Name, f.Reason))
	}

	return fmt.Sprintf("queue: %d file(s) rejected: %s", len(e.Files), strings.Join(reasons, "; "))
}

// Options configures a Queue.
type Options struct {
	ProjectID     string
	MaxConcurrent int
	ChunkSize     int64

	// MaxFileSize of 0 means unlimited.
	MaxFileSize int64

	// AllowedExtensions is a set of lowercase extensions without the dot.
	// Empty means any extension is accepted.
	AllowedExtensions map[string]bool

	Records   RecordAPI
	Transfers transferClient
	Store     *tus.Store
	Limiter   *BandwidthLimiter
	Refresher Refresher
	Logger    *slog.Logger

	nowFunc func() time.Time
}

// Queue holds ordered upload items and enforces the concurrency bound. All
// mutating operations are synchronous from the caller's perspective; the
// network work happens on per-item goroutines.
type Queue struct {
	projectID     string
	maxConcurrent int
	chunkSize     int64
	maxFileSize   int64
	allowedExts   map[string]bool

	records   RecordAPI
	transfers transferClient
	store     *tus.Store
	limiter   *BandwidthLimiter
	refresher Refresher
	logger    *slog.Logger
	nowFunc   func() time.Time

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	items   []*Item
	hadWork bool

	events chan Event
	wg     sync.WaitGroup
}

// New creates an empty queue. Call Shutdown when done to stop in-flight
// transfers.
func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}

	if opts.nowFunc == nil {
		opts.nowFunc = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		projectID:     opts.ProjectID,
		maxConcurrent: opts.MaxConcurrent,
		chunkSize:     opts.ChunkSize,
		maxFileSize:   opts.MaxFileSize,
		allowedExts:   opts.AllowedExtensions,
		records:       opts.Records,
		transfers:     opts.Transfers,
		store:         opts.Store,
		limiter:       opts.Limiter,
		refresher:     opts.Refresher,
		logger:        opts.Logger,
		nowFunc:       opts.nowFunc,
		ctx:           ctx,
		cancelCtx:     cancel,
		events:        make(chan Event, eventBufSize),
	}

	q.cond = sync.NewCond(&q.mu)

	return q
}

// Events returns the queue's lifecycle event stream. A single consumer is
// expected; progress events are dropped when it lags.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Enqueue validates the batch and adds every file as a queued item. If any
// file is invalid the whole batch is rejected with a *ValidationError and
// nothing is enqueued.
func (q *Queue) Enqueue(files []FileRef) error {
	var invalid []InvalidFile

	for _, f := range files {
		if reason := q.validateFile(f); reason != "" {
			invalid = append(invalid, InvalidFile{Name: f.Name, Reason: reason})
		}
	}

	if len(invalid) > 0 {
		return &ValidationError{Files: invalid}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	for _, f := range files {
		it := newItem(f, now)
		q.items = append(q.items, it)

		q.logger.Info("enqueued file",
			slog.String("id", it.ID),
			slog.String("name", f.Name),
			slog.Int64("size", f.Size),
		)
	}

	q.hadWork = true
	q.tickLocked()

	return nil
}

// validateFile returns a human-readable rejection reason, or "" if the file
// is acceptable.
func (q *Queue) validateFile(f FileRef) string {
	if f.Size <= 0 {
		return "file is empty"
	}

	if q.maxFileSize > 0 && f.Size > q.maxFileSize {
		return fmt.Sprintf("file exceeds the maximum size of %d bytes", q.maxFileSize)
	}

	if len(q.allowedExts) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name), "."))
		if !q.allowedExts[ext] {
			return fmt.Sprintf("file type %q is not supported", ext)
		}
	}

	return ""
}

// Pause moves an uploading item to paused, stopping its transfer after the
// in-flight request. No-op for any other state.
func (q *Queue) Pause(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.findLocked(id)
	if it == nil || it.Status != StatusUploading || it.session == nil {
		// A nil session means the placeholder record is still being
		// registered; there is no transfer to pause yet.
		return
	}

	it.Status = StatusPaused
	it.session.Pause()

	q.logger.Info("paused upload", slog.String("id", id), slog.String("name", it.File.Name))

	// Pausing frees a concurrency slot.
	q.tickLocked()
}

// Resume requests that a paused item continue from the last acknowledged
// offset. No-op for any other state. The item re-enters through the
// admission tick so the concurrency bound holds; a pending resume is
// admitted ahead of queued items as soon as a slot frees.
func (q *Queue) Resume(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.findLocked(id)
	if it == nil || it.Status != StatusPaused || it.resumePending {
		return
	}

	it.resumePending = true

	q.logger.Info("resume requested", slog.String("id", id), slog.String("name", it.File.Name))

	q.tickLocked()
}

// Cancel aborts an item's transfer, discards its resumption state, removes
// it from the queue, and releases its server record. Safe from any state.
// Removal is immediate; the network cleanup is asynchronous and best-effort.
func (q *Queue) Cancel(id string) {
	q.mu.Lock()

	idx := -1
	for i, it := range q.items {
		if it.ID == id {
			idx = i
			break
		}
	}

	if idx == -1 {
		q.mu.Unlock()
		return
	}

	it := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)

	session := it.session
	recordID := it.RecordID

	q.logger.Info("cancelled upload", slog.String("id", id), slog.String("name", it.File.Name))

	q.tickLocked()
	q.mu.Unlock()

	if session != nil {
		session.Cancel()
	}

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		if session != nil {
			session.Discard(context.Background())
		}

		if recordID != "" {
			q.deleteRecord(recordID)
		}
	}()
}

// Retry re-queues an errored item from scratch: progress, speed, error
// message, record, and transfer handle all reset to their initial values.
// No-op for any other state.
func (q *Queue) Retry(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.findLocked(id)
	if it == nil || it.Status != StatusError {
		return
	}

	it.Status = StatusQueued
	it.ProgressPercent = 0
	it.SpeedMBps = 0
	it.ErrorMessage = ""
	it.RecordID = ""
	it.session = nil
	it.StartedAt = time.Time{}
	it.CompletedAt = time.Time{}

	q.logger.Info("retrying upload", slog.String("id", id), slog.String("name", it.File.Name))

	q.hadWork = true
	q.tickLocked()
}

// ClearCompleted removes all completed items. Others are unaffected.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, it := range q.items {
		if it.Status != StatusCompleted {
			kept = append(kept, it)
		}
	}

	q.items = kept
}

// Items returns snapshots of all items in queue order.
func (q *Queue) Items() []ItemSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ItemSnapshot, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.snapshot())
	}

	return out
}

// Wait blocks until no items are queued or uploading. Paused and errored
// items do not block Wait.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.activeLocked() > 0 {
		q.cond.Wait()
	}
}

// Shutdown cancels all in-flight transfers and waits for their goroutines
// to finish. The queue must not be used afterwards.
func (q *Queue) Shutdown() {
	q.cancelCtx()
	q.wg.Wait()
}

// tickLocked is the admission tick: promote the earliest queued items until
// the concurrency bound is reached. Idempotent; must be called with the
// lock held after every state transition.
func (q *Queue) tickLocked() {
	uploading := 0
	for _, it := range q.items {
		if it.Status == StatusUploading {
			uploading++
		}
	}

	// Pending resumes go first: they already hold a record and a session,
	// and a deliberate resume outranks waiting work.
	for _, it := range q.items {
		if uploading >= q.maxConcurrent {
			break
		}

		if it.Status != StatusPaused || !it.resumePending {
			continue
		}

		it.Status = StatusUploading
		it.resumePending = false
		uploading++

		q.logger.Info("resuming upload",
			slog.String("id", it.ID),
			slog.String("name", it.File.Name),
		)

		session := it.session

		q.wg.Add(1)

		go func() {
			defer q.wg.Done()
			q.runSession(it, session)
		}()
	}

	for _, it := range q.items {
		if uploading >= q.maxConcurrent {
			break
		}

		if it.Status != StatusQueued {
			continue
		}

		it.Status = StatusUploading
		it.StartedAt = q.nowFunc()
		uploading++

		q.logger.Info("starting upload",
			slog.String("id", it.ID),
			slog.String("name", it.File.Name),
		)

		q.publish(ItemStarted{Item: it.snapshot()})

		q.wg.Add(1)

		go q.startItem(it)
	}

	if q.hadWork && q.activeLocked() == 0 {
		q.hadWork = false
		q.publish(Drained{})
	}

	q.cond.Broadcast()
}

// activeLocked counts items that still demand work from the queue.
func (q *Queue) activeLocked() int {
	n := 0
	for _, it := range q.items {
		if it.Status == StatusQueued || it.Status == StatusUploading {
			n++
		}
	}

	return n
}

func (q *Queue) findLocked(id string) *Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}

	return nil
}

func (q *Queue) containsLocked(it *Item) bool {
	for _, existing := range q.items {
		if existing == it {
			return true
		}
	}

	return false
}

// startItem runs on its own goroutine for a freshly promoted item: register
// the placeholder record (or adopt one from an interrupted previous run),
// build the transfer session, and drive it.
func (q *Queue) startItem(it *Item) {
	defer q.wg.Done()

	resumeURL, recordID := q.resumeState(it.File)

	if recordID == "" {
		rec, err := q.records.CreateUploadRecord(
			q.ctx, q.projectID, it.File.Name, it.File.Size, it.File.MimeType)
		if err != nil {
			q.failItem(it, wrapRecordError(err), nil)
			return
		}

		recordID = rec.ID
	}

	q.mu.Lock()

	if !q.containsLocked(it) || it.Status != StatusUploading {
		// Cancelled while the record was being registered; release it.
		q.mu.Unlock()
		q.deleteRecord(recordID)

		return
	}

	it.RecordID = recordID

	session := newTransferSession(sessionParams{
		Client:    q.transfers,
		Store:     q.store,
		Limiter:   q.limiter,
		Refresher: q.refresher,
		Logger:    q.logger,
		File:      it.File,
		RecordID:  recordID,
		ChunkSize: q.chunkSize,
		ResumeURL: resumeURL,
		OnProgress: func(uploaded int64, speedMBps float64) {
			q.onProgress(it, uploaded, speedMBps)
		},
		nowFunc: q.nowFunc,
	})

	it.session = session

	q.mu.Unlock()

	q.runSession(it, session)
}

// runSession drives one Run of a transfer session and applies the outcome
// to the owning item.
func (q *Queue) runSession(it *Item, session *TransferSession) {
	err := session.Run(q.ctx)

	switch {
	case err == nil:
		q.completeItem(it)

	case errors.Is(err, errPaused):
		// Item state was already moved to paused; the slot was released
		// by Pause's tick. Nothing further to do.

	case errors.Is(err, context.Canceled):
		// Cancel or Shutdown performs its own cleanup.
		q.mu.Lock()
		q.tickLocked()
		q.mu.Unlock()

	default:
		class := classifyTransferError(err)
		q.failItem(it, failureMessage(class, err), session)
	}
}

// completeItem marks an item completed. The server record is not deleted:
// ownership passes to the platform's completion handler.
func (q *Queue) completeItem(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.containsLocked(it) || it.Status != StatusUploading {
		return
	}

	recordID := it.RecordID

	it.Status = StatusCompleted
	it.ProgressPercent = 100
	it.CompletedAt = q.nowFunc()
	it.RecordID = ""
	it.session = nil

	q.logger.Info("upload completed",
		slog.String("id", it.ID),
		slog.String("name", it.File.Name),
	)

	// The item no longer owns the record, but event consumers (the history
	// ledger) still want to know which record the upload ran under.
	snap := it.snapshot()
	snap.RecordID = recordID

	q.publish(ItemCompleted{Item: snap})
	q.tickLocked()
}

// failItem moves an item to the error state and releases its server-side
// resources. The record delete and session discard are best-effort; their
// failure never blocks the state transition.
func (q *Queue) failItem(it *Item, message string, session *TransferSession) {
	q.mu.Lock()

	if !q.containsLocked(it) {
		// Cancelled concurrently; Cancel owns the cleanup.
		q.mu.Unlock()
		return
	}

	recordID := it.RecordID

	it.Status = StatusError
	it.ErrorMessage = message
	it.RecordID = ""
	it.session = nil

	q.logger.Warn("upload failed",
		slog.String("id", it.ID),
		slog.String("name", it.File.Name),
		slog.String("error", message),
	)

	snap := it.snapshot()
	snap.RecordID = recordID

	q.publish(ItemFailed{Item: snap})
	q.tickLocked()
	q.mu.Unlock()

	if session != nil {
		session.Discard(context.Background())
	}

	if recordID != "" {
		q.deleteRecord(recordID)
	}
}

// onProgress applies a progress callback from a transfer goroutine.
func (q *Queue) onProgress(it *Item, uploaded int64, speedMBps float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.containsLocked(it) || it.Status != StatusUploading {
		return
	}

	pct := int(math.Round(float64(uploaded) / float64(it.File.Size) * 100))

	// Progress never moves backwards while uploading; a retried chunk
	// re-reads bytes the server already saw.
	if pct > it.ProgressPercent {
		it.ProgressPercent = pct
	}

	it.SpeedMBps = speedMBps

	q.publishProgress(ItemProgress{Item: it.snapshot()})
}

// resumeState looks for a persisted fingerprint record matching the file,
// from a transfer interrupted in a previous run. A hit returns the upload
// URL and the record id it was registered under, so no new placeholder is
// created.
func (q *Queue) resumeState(f FileRef) (resumeURL, recordID string) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return "", ""
	}

	rec, err := q.store.Load(tus.Fingerprint(f.Path, info))
	if err != nil || rec == nil {
		return "", ""
	}

	if rec.FileSize != f.Size || rec.RecordID == "" {
		return "", ""
	}

	q.logger.Info("found resumable transfer from previous run",
		slog.String("name", f.Name),
		slog.String("record_id", rec.RecordID),
	)

	return rec.UploadURL, rec.RecordID
}

// deleteRecord is the best-effort placeholder record delete. Failures are
// logged, never propagated.
func (q *Queue) deleteRecord(recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := q.records.DeleteUploadRecord(ctx, q.projectID, recordID); err != nil {
		q.logger.Warn("failed to delete upload record",
			slog.String("record_id", recordID),
			slog.String("error", err.Error()),
		)
	}
}

// SortSnapshots orders snapshots by creation time, then name, for stable
// display.
func SortSnapshots(items []ItemSnapshot) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}

		return items[i].Name < items[j].Name
	})
}
