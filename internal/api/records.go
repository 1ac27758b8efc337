package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// UploadRecord is the server-side placeholder row for a claimed upload.
// It exists from the moment the platform accepts a "begin upload" request
// until the transfer completes (ownership passes to the server's completion
// handler) or fails (the client deletes it).
type UploadRecord struct {
	ID        string
	ProjectID string
	FileName  string
	FileSize  int64
	MimeType  string
	CreatedAt time.Time
}

// createUploadRecordRequest is the JSON body for record creation.
type createUploadRecordRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

// uploadRecordResponse is the JSON shape returned by the records endpoints.
type uploadRecordResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	MimeType  string `json:"mime_type"`
	CreatedAt string `json:"created_at"`
}

// CreateUploadRecord registers a placeholder record for a file about to be
// uploaded into the given project. The returned record ID is attached to the
// resumable transfer as metadata so the server can correlate the binary
// stream with the placeholder. One call per queued item — the endpoint is
// not idempotent.
func (c *Client) CreateUploadRecord(
	ctx context.Context, projectID, fileName string, fileSize int64, mimeType string,
) (*UploadRecord, error) {
	c.logger.Info("creating upload record",
		slog.String("project_id", projectID),
		slog.String("file_name", fileName),
		slog.Int64("file_size", fileSize),
	)

	body, err := json.Marshal(createUploadRecordRequest{
		FileName: fileName,
		FileSize: fileSize,
		MimeType: mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("api: marshaling upload record request: %w", err)
	}

	path := fmt.Sprintf("/v1/projects/%s/uploads", url.PathEscape(projectID))

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var urr uploadRecordResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&urr); decErr != nil {
		return nil, fmt.Errorf("api: decoding upload record response: %w", decErr)
	}

	rec := urr.toRecord(c.logger)

	c.logger.Debug("upload record created",
		slog.String("record_id", rec.ID),
	)

	return &rec, nil
}

// DeleteUploadRecord removes a placeholder record, typically because the
// transfer errored or was cancelled. A 404 is treated as success — the
// record is gone either way.
func (c *Client) DeleteUploadRecord(ctx context.Context, projectID, recordID string) error {
	c.logger.Info("deleting upload record",
		slog.String("project_id", projectID),
		slog.String("record_id", recordID),
	)

	path := fmt.Sprintf("/v1/projects/%s/uploads/%s", url.PathEscape(projectID), url.PathEscape(recordID))

	resp, err := c.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Debug("upload record already gone",
				slog.String("record_id", recordID),
			)

			return nil
		}

		return err
	}
	defer resp.Body.Close()

	// Drain body to reuse connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("api: draining delete record response body: %w", drainErr)
	}

	return nil
}

// toRecord normalizes the wire shape into an UploadRecord.
func (r *uploadRecordResponse) toRecord(logger *slog.Logger) UploadRecord {
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil && r.CreatedAt != "" {
		logger.Warn("invalid upload record timestamp, using zero time",
			slog.String("raw", r.CreatedAt),
			slog.String("error", err.Error()),
		)
	}

	return UploadRecord{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		FileName:  r.FileName,
		FileSize:  r.FileSize,
		MimeType:  r.MimeType,
		CreatedAt: createdAt,
	}
}

// asAPIError unwraps err into an *APIError if possible.
func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	return nil, false
}
