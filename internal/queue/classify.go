package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/clipproof/clipproof-go/internal/tus"
)

// User-facing failure messages. The web client shows these verbatim, so the
// wording is part of the product surface.
const (
	msgNetworkError    = "Network error — check your connection and retry."
	msgFileTooLarge    = "File is too large."
	msgAuthFailed      = "Authentication failed — please log in again."
	msgUploadFailed    = "Upload failed"
	msgUploadCancelled = "Upload cancelled"
)

// failureClass partitions transfer errors by how the queue reacts to them.
type failureClass int

const (
	// classNetwork covers connection-level failures and server errors that
	// survived the chunk retry schedule.
	classNetwork failureClass = iota

	// classAuth covers 401/403, eligible for one credential refresh.
	classAuth

	// classTooLarge covers transport-level 413.
	classTooLarge

	// classCancelled covers context cancellation from abort/shutdown.
	classCancelled

	// classOther is everything else; the underlying error text passes
	// through to the user.
	classOther
)

// classifyTransferError maps a terminal transfer error to its class.
func classifyTransferError(err error) failureClass {
	if errors.Is(err, context.Canceled) {
		return classCancelled
	}

	var statusErr *tus.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.IsAuth():
			return classAuth
		case statusErr.Code == http.StatusRequestEntityTooLarge:
			return classTooLarge
		case statusErr.Code >= http.StatusInternalServerError:
			return classNetwork
		default:
			return classOther
		}
	}

	// Non-status errors from the transfer client are connection-level.
	if isTransportError(err) {
		return classNetwork
	}

	return classOther
}

// failureMessage renders the user-facing message for a terminal error.
func failureMessage(class failureClass, err error) string {
	switch class {
	case classNetwork:
		return msgNetworkError
	case classTooLarge:
		return msgFileTooLarge
	case classAuth:
		return msgAuthFailed
	case classCancelled:
		return msgUploadCancelled
	default:
		if err == nil || strings.TrimSpace(err.Error()) == "" {
			return msgUploadFailed
		}

		return err.Error()
	}
}

// isTransportError reports whether err originated below HTTP status
// semantics (dial failure, reset, timeout). The tus client wraps those with
// "request failed"; protocol sentinels and parse errors are not transport.
func isTransportError(err error) bool {
	if errors.Is(err, tus.ErrUploadGone) || errors.Is(err, tus.ErrOffsetMismatch) {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "request failed")
}

// wrapRecordError annotates a placeholder-creation failure for the item's
// error message.
func wrapRecordError(err error) string {
	return fmt.Sprintf("Could not register upload: %v", err)
}
