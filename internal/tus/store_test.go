package tus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), testLogger())
}

func TestStore_SaveLoadDelete(t *testing.T) {
	s := newTestStore(t)

	rec := &StoreRecord{
		UploadURL: "https://api.example.com/files/u1",
		RecordID:  "rec-1",
		FileName:  "clip.mp4",
		FileSize:  2048,
	}

	require.NoError(t, s.Save("fp-abc", rec))

	loaded, err := s.Load("fp-abc")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, "fp-abc", loaded.Fingerprint)
	assert.Equal(t, rec.UploadURL, loaded.UploadURL)
	assert.Equal(t, rec.RecordID, loaded.RecordID)
	assert.Equal(t, rec.FileSize, loaded.FileSize)
	assert.False(t, loaded.CreatedAt.IsZero())

	require.NoError(t, s.Delete("fp-abc"))

	gone, err := s.Load("fp-abc")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Load("never-saved")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_DeleteMissing(t *testing.T) {
	assert.NoError(t, newTestStore(t).Delete("never-saved"))
}

func TestStore_CorruptRecordDeleted(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testLogger())

	require.NoError(t, s.Save("fp-good", &StoreRecord{UploadURL: "u"}))

	corruptPath := filepath.Join(dir, storeSubdir, "fp-bad.json")
	require.NoError(t, os.WriteFile(corruptPath, []byte("{corrupt"), 0o600))

	_, err := s.Load("fp-bad")
	require.ErrorIs(t, err, ErrCorruptRecord)

	// The corrupt file is removed so the next load starts clean.
	_, statErr := os.Stat(corruptPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("fp-1", &StoreRecord{FileName: "a.mp4"}))
	require.NoError(t, s.Save("fp-2", &StoreRecord{FileName: "b.mp4"}))

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	names := []string{records[0].FileName, records[1].FileName}
	assert.ElementsMatch(t, []string{"a.mp4", "b.mp4"}, names)
}

func TestStore_ListEmptyDir(t *testing.T) {
	records, err := newTestStore(t).List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_CleanStale(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testLogger())

	require.NoError(t, s.Save("fp-old", &StoreRecord{FileName: "old.mp4"}))
	require.NoError(t, s.Save("fp-new", &StoreRecord{FileName: "new.mp4"}))

	// Age the old record's file past the TTL.
	oldPath := filepath.Join(dir, storeSubdir, "fp-old.json")
	past := time.Now().Add(-4 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	deleted, err := s.CleanStale(StaleRecordAge)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	rec, err := s.Load("fp-new")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	gone, err := s.Load("fp-old")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStore_CleanStaleMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nonexistent"), testLogger())

	deleted, err := s.CleanStale(StaleRecordAge)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
