// Package tus implements the client side of the tus 1.0.0 resumable upload
// protocol: create an upload, send chunks with offset bookkeeping, query the
// last acknowledged offset after an interruption, and terminate an upload.
package tus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// protocolVersion is sent as Tus-Resumable on every request.
const protocolVersion = "1.0.0"

const userAgent = "clipproof-go/0.1"

// Sentinel errors for protocol-level failures.
var (
	// ErrUploadGone means the server no longer knows the upload URL —
	// the fingerprint is stale and a fresh upload must be created.
	ErrUploadGone = errors.New("tus: upload gone")

	// ErrOffsetMismatch means the client's offset disagrees with the
	// server's. Callers should re-query the offset and continue from there.
	ErrOffsetMismatch = errors.New("tus: offset mismatch")
)

// StatusError reports a non-2xx response from the transfer endpoint.
// The queue classifies transfer failures by Code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tus: HTTP %d: %s", e.Code, e.Message)
}

// IsAuth reports whether the status indicates an authentication failure.
func (e *StatusError) IsAuth() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// TokenSource provides bearer tokens for transfer requests.
// Satisfied by *api.Authenticator.
type TokenSource interface {
	Token() (string, error)
}

// Upload identifies one server-side resumable upload.
type Upload struct {
	// URL is the upload resource created by the server. Treat as a
	// capability: never log it.
	URL string
}

// Client talks to a tus-compatible transfer endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
}

// NewClient creates a transfer client. endpoint is the upload creation URL,
// typically "<api>/files". httpClient should have no timeout — chunk
// requests are bounded by context, not by a global deadline.
func NewClient(endpoint string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// Create registers a new upload of the given total size and returns its
// upload URL. metadata is attached as Upload-Metadata so the server can
// correlate the stream with its bookkeeping (record id, file name).
func (c *Client) Create(ctx context.Context, size int64, metadata map[string]string) (*Upload, error) {
	c.logger.Info("creating resumable upload",
		slog.Int64("size", size),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("tus: creating upload request: %w", err)
	}

	if err := c.setCommonHeaders(req); err != nil {
		return nil, err
	}

	req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))

	if len(metadata) > 0 {
		req.Header.Set("Upload-Metadata", EncodeMetadata(metadata))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tus: create request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp)
	}

	if err := drain(resp.Body); err != nil {
		return nil, err
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("tus: create response missing Location header")
	}

	c.logger.Debug("resumable upload created")

	return &Upload{URL: c.resolveLocation(location)}, nil
}

// PatchChunk sends one chunk starting at offset and returns the server's new
// acknowledged offset. The server must acknowledge exactly offset+length;
// anything else is a protocol violation surfaced as an error.
func (c *Client) PatchChunk(
	ctx context.Context, upload *Upload, chunk io.Reader, offset, length int64,
) (int64, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, upload.URL, chunk)
	if err != nil {
		return 0, fmt.Errorf("tus: creating chunk request: %w", err)
	}

	if err := c.setCommonHeaders(req); err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tus: chunk request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		if drainErr := drain(resp.Body); drainErr != nil {
			return 0, drainErr
		}

		newOffset, parseErr := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("tus: invalid Upload-Offset in chunk response: %w", parseErr)
		}

		return newOffset, nil

	case http.StatusConflict:
		return 0, ErrOffsetMismatch

	case http.StatusNotFound, http.StatusGone:
		return 0, ErrUploadGone

	default:
		return 0, statusError(resp)
	}
}

// Offset queries the server for the last acknowledged byte offset of an
// upload. Used to resume after an interruption or a reported mismatch.
func (c *Client) Offset(ctx context.Context, upload *Upload) (int64, error) {
	c.logger.Debug("querying upload offset")

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, upload.URL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("tus: creating offset request: %w", err)
	}

	if err := c.setCommonHeaders(req); err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tus: offset request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		if drainErr := drain(resp.Body); drainErr != nil {
			return 0, drainErr
		}

		offset, parseErr := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("tus: invalid Upload-Offset in offset response: %w", parseErr)
		}

		c.logger.Debug("upload offset", slog.Int64("offset", offset))

		return offset, nil

	case http.StatusNotFound, http.StatusGone:
		return 0, ErrUploadGone

	default:
		return 0, statusError(resp)
	}
}

// Terminate deletes an upload and its partial data on the server. A 404 is
// success — the upload is gone either way.
func (c *Client) Terminate(ctx context.Context, upload *Upload) error {
	c.logger.Info("terminating resumable upload")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, upload.URL, http.NoBody)
	if err != nil {
		return fmt.Errorf("tus: creating terminate request: %w", err)
	}

	if err := c.setCommonHeaders(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tus: terminate request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return drain(resp.Body)
	default:
		return statusError(resp)
	}
}

// setCommonHeaders applies the protocol version, auth, and user agent.
func (c *Client) setCommonHeaders(req *http.Request) error {
	tok, err := c.token.Token()
	if err != nil {
		return fmt.Errorf("tus: obtaining token: %w", err)
	}

	req.Header.Set("Tus-Resumable", protocolVersion)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	return nil
}

// resolveLocation resolves a possibly-relative Location header against the
// creation endpoint.
func (c *Client) resolveLocation(location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}

	base := strings.TrimRight(c.endpoint, "/")
	if strings.HasPrefix(location, "/") {
		// Absolute path: keep only scheme://host from the endpoint.
		if idx := strings.Index(base, "://"); idx != -1 {
			if slash := strings.Index(base[idx+3:], "/"); slash != -1 {
				base = base[:idx+3+slash]
			}
		}

		return base + location
	}

	return base + "/" + location
}

// maxErrorBody caps how much of an error response body is kept for the message.
const maxErrorBody = 4 << 10

// statusError builds a StatusError from a non-2xx response, consuming the
// body for the error message.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best-effort read for error message

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &StatusError{
		Code:    resp.StatusCode,
		Message: msg,
	}
}

// drain consumes the rest of a response body so the connection can be reused.
func drain(body io.Reader) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("tus: draining response body: %w", err)
	}

	return nil
}

// EncodeMetadata serializes metadata as Upload-Metadata: comma-separated
// "key base64(value)" pairs, keys sorted for deterministic output.
func EncodeMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(metadata[k])))
	}

	return strings.Join(pairs, ",")
}
