package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipproof/clipproof-go/internal/api"
	"github.com/clipproof/clipproof-go/internal/tus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeFile writes a real file and returns its queue reference. Sessions open
// the file from disk, so the bytes have to exist.
func makeFile(t *testing.T, dir, name string, size int) FileRef {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)

	return FileRef{
		Path:     path,
		Name:     name,
		Size:     int64(size),
		MimeType: "video/mp4",
		ModTime:  info.ModTime(),
	}
}

// fakeRecords implements RecordAPI in memory.
type fakeRecords struct {
	mu         sync.Mutex
	nextID     int
	created    []string
	deleted    []string
	failCreate error
}

func (f *fakeRecords) CreateUploadRecord(
	_ context.Context, _, fileName string, _ int64, _ string,
) (*api.UploadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreate != nil {
		return nil, f.failCreate
	}

	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.created = append(f.created, id)

	return &api.UploadRecord{ID: id, FileName: fileName}, nil
}

func (f *fakeRecords) DeleteUploadRecord(_ context.Context, _, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, recordID)

	return nil
}

func (f *fakeRecords) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.deleted...)
}

func (f *fakeRecords) setFailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failCreate = err
}

// fakeTransfers implements transferClient. Upload URLs encode the file name
// so tests can gate and fail individual files.
type fakeTransfers struct {
	mu         sync.Mutex
	gates      map[string]chan struct{}
	patchErrs  map[string][]error
	offsets    map[string]int64
	known      map[string]bool
	terminated []string
}

func newFakeTransfers() *fakeTransfers {
	return &fakeTransfers{
		gates:     make(map[string]chan struct{}),
		patchErrs: make(map[string][]error),
		offsets:   make(map[string]int64),
		known:     make(map[string]bool),
	}
}

// gate makes the named file's chunks block until release is called.
func (f *fakeTransfers) gate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gates[name] = make(chan struct{})
}

func (f *fakeTransfers) release(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.gates[name]; ok {
		close(g)
		delete(f.gates, name)
	}
}

// failNext queues errors returned by upcoming PatchChunk calls for a file.
func (f *fakeTransfers) failNext(name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.patchErrs[name] = append(f.patchErrs[name], errs...)
}

func (f *fakeTransfers) terminatedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.terminated...)
}

func (f *fakeTransfers) Create(_ context.Context, _ int64, metadata map[string]string) (*tus.Upload, error) {
	name := metadata["filename"]

	f.mu.Lock()
	f.known[name] = true
	f.offsets[name] = 0
	f.mu.Unlock()

	return &tus.Upload{URL: "mem://" + name}, nil
}

func (f *fakeTransfers) PatchChunk(
	ctx context.Context, upload *tus.Upload, chunk io.Reader, offset, length int64,
) (int64, error) {
	name := strings.TrimPrefix(upload.URL, "mem://")

	f.mu.Lock()
	if errs := f.patchErrs[name]; len(errs) > 0 {
		err := errs[0]
		f.patchErrs[name] = errs[1:]
		f.mu.Unlock()

		return 0, err
	}

	gateCh := f.gates[name]
	f.mu.Unlock()

	if gateCh != nil {
		select {
		case <-gateCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if _, err := io.Copy(io.Discard, chunk); err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.offsets[name] = offset + length
	f.mu.Unlock()

	return offset + length, nil
}

func (f *fakeTransfers) Offset(_ context.Context, upload *tus.Upload) (int64, error) {
	name := strings.TrimPrefix(upload.URL, "mem://")

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[name] {
		return 0, tus.ErrUploadGone
	}

	return f.offsets[name], nil
}

func (f *fakeTransfers) Terminate(_ context.Context, upload *tus.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.terminated = append(f.terminated, strings.TrimPrefix(upload.URL, "mem://"))

	return nil
}

// authStatusError is what a transfer call returns when the bearer token has
// expired server-side.
func authStatusError() error {
	return &tus.StatusError{Code: 401, Message: "token expired"}
}

func newTestStoreForQueue(t *testing.T) *tus.Store {
	t.Helper()
	return tus.NewStore(t.TempDir(), testLogger())
}

// fakeRefresher implements Refresher.
type fakeRefresher struct {
	calls       atomic.Int32
	invalidated atomic.Int32
	failWith    error
}

func (f *fakeRefresher) Invalidate() {
	f.invalidated.Add(1)
}

func (f *fakeRefresher) AttemptRefresh(_ context.Context) error {
	f.calls.Add(1)
	return f.failWith
}

// newTestQueue wires a queue against the fakes with fast defaults.
func newTestQueue(t *testing.T, transfers *fakeTransfers, records *fakeRecords, refresher *fakeRefresher, maxConcurrent int) *Queue {
	t.Helper()

	q := New(Options{
		ProjectID:     "proj-test",
		MaxConcurrent: maxConcurrent,
		ChunkSize:     1 << 20,
		Records:       records,
		Transfers:     transfers,
		Store:         tus.NewStore(t.TempDir(), testLogger()),
		Refresher:     refresher,
		Logger:        testLogger(),
	})

	t.Cleanup(q.Shutdown)

	return q
}

// statusCounts tallies item statuses from a snapshot.
func statusCounts(items []ItemSnapshot) map[Status]int {
	counts := make(map[Status]int)
	for _, it := range items {
		counts[it.Status]++
	}

	return counts
}

// findByName returns the snapshot for a file name, or false.
func findByName(items []ItemSnapshot, name string) (ItemSnapshot, bool) {
	for _, it := range items {
		if it.Name == name {
			return it, true
		}
	}

	return ItemSnapshot{}, false
}

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)
