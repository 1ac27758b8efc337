package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/text/unicode/norm"

	"github.com/clipproof/clipproof-go/internal/tus"
)

// maxAuthRefreshes bounds transparent credential refreshes per session. One
// refresh recovers an expired token; a second auth failure means the
// credentials themselves are bad and retrying would loop forever.
const maxAuthRefreshes = 1

// errPaused marks a Run that ended because Pause was requested, as opposed
// to cancellation or failure.
var errPaused = errors.New("queue: transfer paused")

// chunkRetryDelays is the per-chunk retry schedule for transient failures:
// one immediate retry, then increasing waits. After the schedule is
// exhausted the chunk error becomes terminal for the item.
var chunkRetryDelays = []time.Duration{
	0,
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Refresher refreshes credentials after a mid-transfer auth failure.
// Satisfied by *api.Authenticator.
type Refresher interface {
	// Invalidate marks the cached token expired so the next Token call
	// fetches a fresh one.
	Invalidate()

	// AttemptRefresh exchanges the refresh token for new credentials.
	AttemptRefresh(ctx context.Context) error
}

// transferClient is the slice of *tus.Client the session uses.
type transferClient interface {
	Create(ctx context.Context, size int64, metadata map[string]string) (*tus.Upload, error)
	PatchChunk(ctx context.Context, upload *tus.Upload, chunk io.Reader, offset, length int64) (int64, error)
	Offset(ctx context.Context, upload *tus.Upload) (int64, error)
	Terminate(ctx context.Context, upload *tus.Upload) error
}

// sessionParams collects the dependencies for one transfer session.
type sessionParams struct {
	Client    transferClient
	Store     *tus.Store
	Limiter   *BandwidthLimiter
	Refresher Refresher
	Logger    *slog.Logger

	File      FileRef
	RecordID  string
	ChunkSize int64

	// ResumeURL, when set, is a previously created upload to continue
	// instead of creating a new one.
	ResumeURL string

	// OnProgress is called from the transfer goroutine with the cumulative
	// uploaded byte count and the current throughput estimate.
	OnProgress func(uploaded int64, speedMBps float64)

	nowFunc func() time.Time
}

// TransferSession executes one resumable upload. A session survives
// pause/resume cycles: Run may be called again after it returns errPaused,
// and the upload continues from the server's acknowledged offset. The
// credential refresh budget spans the whole session lifetime.
type TransferSession struct {
	client    transferClient
	store     *tus.Store
	limiter   *BandwidthLimiter
	refresher Refresher
	logger    *slog.Logger

	file       FileRef
	recordID   string
	chunkSize  int64
	onProgress func(uploaded int64, speedMBps float64)

	sampler *speedSampler

	// upload and fingerprint persist across Run calls.
	upload      *tus.Upload
	fingerprint string

	authAttempts int
	recreated    bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	pauseWant bool

	// done is closed when the current Run returns. The next Run waits on
	// it so two runs never touch the transfer state concurrently.
	done chan struct{}
}

func newTransferSession(p sessionParams) *TransferSession {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	s := &TransferSession{
		client:     p.Client,
		store:      p.Store,
		limiter:    p.Limiter,
		refresher:  p.Refresher,
		logger:     p.Logger,
		file:       p.File,
		recordID:   p.RecordID,
		chunkSize:  p.ChunkSize,
		onProgress: p.OnProgress,
		sampler:    newSpeedSampler(p.nowFunc),
	}

	if p.ResumeURL != "" {
		s.upload = &tus.Upload{URL: p.ResumeURL}
	}

	return s
}

// Run transfers the file until completion, pause, cancellation, or a
// terminal error. Returns nil on completion, errPaused if Pause was
// requested, context.Canceled if the run was cancelled.
func (s *TransferSession) Run(parent context.Context) error {
	// A paused run may still be draining its cancelled in-flight request;
	// wait for it to return before taking over the session state.
	s.mu.Lock()
	prev := s.done
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.done = done
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.pauseWant = false
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	err := s.run(ctx)
	if err != nil && ctx.Err() != nil {
		s.mu.Lock()
		paused := s.pauseWant
		s.mu.Unlock()

		if paused {
			return errPaused
		}

		return context.Canceled
	}

	return err
}

// Pause requests that the current Run stop after the in-flight request,
// keeping server-side state for a later Run.
func (s *TransferSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pauseWant = true

	if s.cancel != nil {
		s.cancel()
	}
}

// Cancel stops the current Run without marking it paused.
func (s *TransferSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Discard removes server-side and local state for an abandoned upload:
// terminates the upload resource and deletes the fingerprint record. All
// steps are best-effort.
func (s *TransferSession) Discard(ctx context.Context) {
	if s.upload != nil {
		if err := s.client.Terminate(ctx, s.upload); err != nil {
			s.logger.Warn("failed to terminate abandoned upload",
				slog.String("file", s.file.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.fingerprint != "" {
		if err := s.store.Delete(s.fingerprint); err != nil {
			s.logger.Warn("failed to delete fingerprint record",
				slog.String("file", s.file.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *TransferSession) run(ctx context.Context) error {
	f, err := os.Open(s.file.Path)
	if err != nil {
		return fmt.Errorf("queue: opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("queue: stat file: %w", err)
	}

	if info.Size() != s.file.Size {
		return fmt.Errorf("queue: file changed on disk: size was %d, now %d",
			s.file.Size, info.Size())
	}

	s.fingerprint = tus.Fingerprint(s.file.Path, info)

	offset, err := s.establish(ctx)
	if err != nil {
		return err
	}

	size := s.file.Size

	for offset < size {
		length := min(s.chunkSize, size-offset)

		newOffset, chunkErr := s.sendChunk(ctx, f, offset, length)

		switch {
		case chunkErr == nil:
			offset = newOffset

		case errors.Is(chunkErr, tus.ErrOffsetMismatch):
			// The server's view of the offset wins.
			offset, err = s.queryOffset(ctx)
			if err != nil {
				return err
			}

			s.logger.Info("offset mismatch, resyncing",
				slog.String("file", s.file.Name),
				slog.Int64("offset", offset),
			)

		case errors.Is(chunkErr, tus.ErrUploadGone):
			if s.recreated {
				return fmt.Errorf("queue: upload lost twice: %w", chunkErr)
			}

			s.recreated = true

			s.logger.Warn("upload expired on server, restarting",
				slog.String("file", s.file.Name),
			)

			s.forgetUpload()

			offset, err = s.establish(ctx)
			if err != nil {
				return err
			}

		default:
			return chunkErr
		}
	}

	s.reportProgress(size)

	if err := s.store.Delete(s.fingerprint); err != nil {
		s.logger.Warn("failed to delete fingerprint record after completion",
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("upload complete",
		slog.String("file", s.file.Name),
		slog.Int64("bytes", size),
	)

	return nil
}

// establish ensures s.upload points at a live server-side upload and returns
// the offset to continue from. A known upload URL is probed first; a dead or
// missing one leads to a fresh create.
func (s *TransferSession) establish(ctx context.Context) (int64, error) {
	if s.upload == nil {
		if rec, err := s.store.Load(s.fingerprint); err == nil && rec != nil {
			s.upload = &tus.Upload{URL: rec.UploadURL}
		}
	}

	if s.upload != nil {
		offset, err := s.queryOffset(ctx)
		if err == nil {
			s.logger.Info("resuming upload",
				slog.String("file", s.file.Name),
				slog.Int64("offset", offset),
			)

			return offset, nil
		}

		if !errors.Is(err, tus.ErrUploadGone) {
			return 0, err
		}

		s.forgetUpload()
	}

	if err := s.create(ctx); err != nil {
		return 0, err
	}

	return 0, nil
}

// create registers a fresh upload and persists its fingerprint record.
func (s *TransferSession) create(ctx context.Context) error {
	metadata := map[string]string{
		"record_id": s.recordID,
		"filename":  norm.NFC.String(s.file.Name),
		"mime_type": s.file.MimeType,
	}

	var (
		upload *tus.Upload
		err    error
	)

	for {
		upload, err = s.client.Create(ctx, s.file.Size, metadata)
		if err == nil {
			break
		}

		if s.interceptAuth(ctx, err) {
			continue
		}

		return err
	}

	s.upload = upload

	rec := &tus.StoreRecord{
		UploadURL: upload.URL,
		RecordID:  s.recordID,
		FileName:  s.file.Name,
		FileSize:  s.file.Size,
	}
	if err := s.store.Save(s.fingerprint, rec); err != nil {
		s.logger.Warn("failed to persist fingerprint record",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// queryOffset asks the server for the acknowledged offset, with auth
// interception.
func (s *TransferSession) queryOffset(ctx context.Context) (int64, error) {
	for {
		offset, err := s.client.Offset(ctx, s.upload)
		if err == nil {
			return offset, nil
		}

		if s.interceptAuth(ctx, err) {
			continue
		}

		return 0, err
	}
}

// sendChunk uploads one chunk with the transient-failure retry schedule and
// auth interception. Offset-mismatch and upload-gone sentinels pass through
// to the caller.
func (s *TransferSession) sendChunk(ctx context.Context, f *os.File, offset, length int64) (int64, error) {
	for {
		var newOffset int64

		err := retry.Do(ctx, chunkRetrySchedule(), func(ctx context.Context) error {
			section := io.NewSectionReader(f, offset, length)
			reader := s.limiter.WrapReader(ctx, &progressReader{
				r:       section,
				base:    offset,
				session: s,
			})

			var patchErr error
			newOffset, patchErr = s.client.PatchChunk(ctx, s.upload, reader, offset, length)

			if patchErr != nil && isTransientChunkError(patchErr) {
				s.logger.Warn("chunk failed, retrying",
					slog.String("file", s.file.Name),
					slog.Int64("offset", offset),
					slog.String("error", patchErr.Error()),
				)

				return retry.RetryableError(patchErr)
			}

			return patchErr
		})
		if err == nil {
			if newOffset != offset+length {
				return 0, fmt.Errorf("queue: server acknowledged offset %d, expected %d",
					newOffset, offset+length)
			}

			return newOffset, nil
		}

		if s.interceptAuth(ctx, err) {
			continue
		}

		return 0, err
	}
}

// interceptAuth handles a mid-transfer 401/403 by refreshing credentials,
// at most maxAuthRefreshes times per session. Returns true if the failed
// operation should be attempted again with the fresh token.
func (s *TransferSession) interceptAuth(ctx context.Context, err error) bool {
	var statusErr *tus.StatusError
	if !errors.As(err, &statusErr) || !statusErr.IsAuth() {
		return false
	}

	if s.authAttempts >= maxAuthRefreshes {
		s.logger.Warn("auth failed after refresh, giving up",
			slog.String("file", s.file.Name),
			slog.Int("status", statusErr.Code),
		)

		return false
	}

	s.authAttempts++

	s.logger.Info("auth failure mid-transfer, refreshing credentials",
		slog.String("file", s.file.Name),
		slog.Int("status", statusErr.Code),
	)

	s.refresher.Invalidate()

	if refreshErr := s.refresher.AttemptRefresh(ctx); refreshErr != nil {
		s.logger.Warn("credential refresh failed",
			slog.String("error", refreshErr.Error()),
		)

		return false
	}

	return true
}

// forgetUpload drops the dead upload URL and its fingerprint record.
func (s *TransferSession) forgetUpload() {
	s.upload = nil

	if err := s.store.Delete(s.fingerprint); err != nil {
		s.logger.Warn("failed to delete stale fingerprint record",
			slog.String("error", err.Error()),
		)
	}
}

// reportProgress feeds the sampler and invokes the progress callback.
func (s *TransferSession) reportProgress(uploaded int64) {
	if s.onProgress == nil {
		return
	}

	speed := s.sampler.sample(uploaded)
	s.onProgress(uploaded, speed)
}

// chunkRetrySchedule returns a fresh backoff over chunkRetryDelays.
func chunkRetrySchedule() retry.Backoff {
	i := 0

	return retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(chunkRetryDelays) {
			return 0, true
		}

		d := chunkRetryDelays[i]
		i++

		return d, false
	})
}

// isTransientChunkError reports whether a chunk failure is worth retrying on
// the schedule: transport errors, throttling, and server errors. Auth and
// protocol sentinels are handled elsewhere.
func isTransientChunkError(err error) bool {
	if errors.Is(err, tus.ErrOffsetMismatch) || errors.Is(err, tus.ErrUploadGone) {
		return false
	}

	var statusErr *tus.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests ||
			statusErr.Code >= http.StatusInternalServerError
	}

	// Transport-level failure without a status.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// progressReader reports cumulative uploaded bytes as the HTTP client
// consumes the chunk body.
type progressReader struct {
	r       io.Reader
	base    int64
	read    int64
	session *TransferSession
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.session.reportProgress(p.base + p.read)
	}

	return n, err
}
