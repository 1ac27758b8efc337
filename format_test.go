package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{int64(2.5 * 1024 * 1024 * 1024), "2.5 GB"},
		{3 * 1024 * 1024 * 1024 * 1024, "3.0 TB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "-", formatSpeed(0))
	assert.Equal(t, "-", formatSpeed(-1))
	assert.Equal(t, "2.5 MB/s", formatSpeed(2.5))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))

	now := time.Now()
	sameYear := time.Date(now.Year(), 3, 5, 14, 30, 0, 0, time.Local)
	assert.Equal(t, sameYear.Format("Jan _2 15:04"), formatTime(sameYear))

	lastYear := time.Date(now.Year()-1, 3, 5, 14, 30, 0, 0, time.Local)
	assert.Equal(t, lastYear.Format("Jan _2  2006"), formatTime(lastYear))
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"NAME", "SIZE"}, [][]string{
		{"clip.mp4", "1.0 MB"},
		{"longer-name.mov", "12 B"},
	})

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 3)

	assert.Equal(t, "NAME             SIZE  ", string(lines[0]))
	assert.Equal(t, "clip.mp4         1.0 MB", string(lines[1]))
	assert.Equal(t, "longer-name.mov  12 B  ", string(lines[2]))
}

func TestFileRefFor(t *testing.T) {
	dir := t.TempDir()
	// .pdf is in Go's builtin MIME table, so the result does not depend on
	// the host's /etc/mime.types.
	path := filepath.Join(dir, "notes.pdf")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	ref, err := fileRefFor(path)
	require.NoError(t, err)

	assert.Equal(t, path, ref.Path)
	assert.Equal(t, "notes.pdf", ref.Name)
	assert.Equal(t, int64(4), ref.Size)
	assert.Equal(t, "application/pdf", ref.MimeType)
	assert.False(t, ref.ModTime.IsZero())
}

func TestFileRefFor_UnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.clipproofdata")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	ref, err := fileRefFor(path)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", ref.MimeType)
}

func TestFileRefFor_Directory(t *testing.T) {
	_, err := fileRefFor(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

func TestFileRefFor_Missing(t *testing.T) {
	_, err := fileRefFor(filepath.Join(t.TempDir(), "nope.mp4"))
	assert.Error(t, err)
}
