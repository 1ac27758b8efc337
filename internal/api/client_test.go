package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a TokenSource returning a fixed token.
type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// newTestClient builds a Client against the given server with sleeps stubbed
// out so retry tests run instantly.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	c := NewClient(server.URL, server.Client(), staticToken("test-token"), testLogger())
	c.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }

	return c
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)

	resp, err := c.Do(context.Background(), http.MethodGet, "/v1/ping", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server)

	resp, err := c.Do(context.Background(), http.MethodGet, "/v1/flaky", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_RewindsBodyOnRetry(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))

		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server)

	resp, err := c.Do(context.Background(), http.MethodPost, "/v1/things", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, `{"a":1}`, lastBody.Load())
}

func TestDo_ClassifiesTerminalErrors(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusRequestEntityTooLarge, ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("x-request-id", "req-123")
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			c := newTestClient(t, server)

			_, err := c.Do(context.Background(), http.MethodGet, "/v1/fail", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "req-123", apiErr.RequestID)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server)

	_, err := c.Do(context.Background(), http.MethodGet, "/v1/broken", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var sleeps []time.Duration

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client(), staticToken("tok"), testLogger())
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/v1/limited", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, sleeps, 1)
	assert.Equal(t, 7*time.Second, sleeps[0])
}

func TestDo_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())

	c := NewClient(server.URL, server.Client(), staticToken("tok"), testLogger())
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Do(ctx, http.MethodGet, "/v1/slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalcBackoff_GrowsAndCaps(t *testing.T) {
	c := NewClient("http://example.com", nil, staticToken("tok"), testLogger())

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		b := c.calcBackoff(attempt)
		assert.Greater(t, b, prev/2, "backoff should grow roughly exponentially")
		prev = b
	}

	// Far attempts stay within the cap plus jitter.
	huge := c.calcBackoff(20)
	assert.LessOrEqual(t, huge, maxBackoff+maxBackoff/4+time.Second)
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(http.StatusOK))
	assert.NoError(t, classifyStatus(http.StatusNoContent))
	assert.ErrorIs(t, classifyStatus(http.StatusBadGateway), ErrServerError)
	assert.ErrorIs(t, classifyStatus(http.StatusTooManyRequests), ErrThrottled)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(http.StatusTooManyRequests))
	assert.True(t, isRetryable(http.StatusBadGateway))
	assert.False(t, isRetryable(http.StatusBadRequest))
	assert.False(t, isRetryable(http.StatusNotFound))
}

func TestAPIError_Messages(t *testing.T) {
	withID := &APIError{StatusCode: 404, RequestID: "r1", Message: "gone", Err: ErrNotFound}
	assert.Contains(t, withID.Error(), "r1")
	assert.Contains(t, withID.Error(), "404")

	withoutID := &APIError{StatusCode: 500, Message: "boom", Err: ErrServerError}
	assert.NotContains(t, withoutID.Error(), "request-id")
	assert.True(t, errors.Is(withoutID, ErrServerError))
}
