package tus

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(server *httptest.Server) *Client {
	return NewClient(server.URL+"/files", server.Client(), staticToken("tok"), testLogger())
}

func TestCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "1.0.0", r.Header.Get("Tus-Resumable"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "2048", r.Header.Get("Upload-Length"))

		meta := r.Header.Get("Upload-Metadata")
		// Keys are sorted, values base64.
		want := fmt.Sprintf("filename %s,record_id %s",
			base64.StdEncoding.EncodeToString([]byte("clip.mp4")),
			base64.StdEncoding.EncodeToString([]byte("rec-1")))
		assert.Equal(t, want, meta)

		w.Header().Set("Location", "/files/upload-abc")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := newClient(server)

	upload, err := c.Create(context.Background(), 2048, map[string]string{
		"record_id": "rec-1",
		"filename":  "clip.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/files/upload-abc", upload.URL)
}

func TestCreate_AbsoluteLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "https://cdn.example.com/files/u1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	upload, err := newClient(server).Create(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/files/u1", upload.URL)
}

func TestCreate_MissingLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	_, err := newClient(server).Create(context.Background(), 1, nil)
	assert.Error(t, err)
}

func TestCreate_ErrorCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte("upload exceeds plan limit"))
	}))
	defer server.Close()

	_, err := newClient(server).Create(context.Background(), 1<<40, nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusErr.Code)
	assert.Equal(t, "upload exceeds plan limit", statusErr.Message)
}

func TestPatchChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/offset+octet-stream", r.Header.Get("Content-Type"))
		assert.Equal(t, "100", r.Header.Get("Upload-Offset"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))

		w.Header().Set("Upload-Offset", strconv.Itoa(100+len(body)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newClient(server)

	newOffset, err := c.PatchChunk(context.Background(), &Upload{URL: server.URL + "/files/u1"},
		strings.NewReader("hello"), 100, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(105), newOffset)
}

func TestPatchChunk_Sentinels(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrOffsetMismatch},
		{http.StatusNotFound, ErrUploadGone},
		{http.StatusGone, ErrUploadGone},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newClient(server).PatchChunk(context.Background(),
				&Upload{URL: server.URL + "/files/u1"}, strings.NewReader("x"), 0, 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPatchChunk_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newClient(server).PatchChunk(context.Background(),
		&Upload{URL: server.URL + "/files/u1"}, strings.NewReader("x"), 0, 1)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.IsAuth())
}

func TestOffset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Upload-Offset", "12345")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	offset, err := newClient(server).Offset(context.Background(), &Upload{URL: server.URL + "/files/u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(12345), offset)
}

func TestOffset_Gone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	_, err := newClient(server).Offset(context.Background(), &Upload{URL: server.URL + "/files/u1"})
	assert.ErrorIs(t, err, ErrUploadGone)
}

func TestTerminate(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound, http.StatusGone} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(status)
			}))
			defer server.Close()

			err := newClient(server).Terminate(context.Background(), &Upload{URL: server.URL + "/files/u1"})
			assert.NoError(t, err)
		})
	}
}

func TestTerminate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := newClient(server).Terminate(context.Background(), &Upload{URL: server.URL + "/files/u1"})
	assert.Error(t, err)
}

func TestResolveLocation(t *testing.T) {
	c := NewClient("https://api.example.com/v1/files", nil, staticToken("t"), testLogger())

	tests := []struct {
		location string
		want     string
	}{
		{"https://cdn.example.com/u1", "https://cdn.example.com/u1"},
		{"/v1/files/u1", "https://api.example.com/v1/files/u1"},
		{"u1", "https://api.example.com/v1/files/u1"},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, c.resolveLocation(tt.location))
		})
	}
}

func TestEncodeMetadata_SortedAndEncoded(t *testing.T) {
	got := EncodeMetadata(map[string]string{
		"zeta":  "last",
		"alpha": "first",
	})

	want := "alpha " + base64.StdEncoding.EncodeToString([]byte("first")) +
		",zeta " + base64.StdEncoding.EncodeToString([]byte("last"))
	assert.Equal(t, want, got)
}

func TestEncodeMetadata_Empty(t *testing.T) {
	assert.Equal(t, "", EncodeMetadata(nil))
}
