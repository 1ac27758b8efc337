package api

import (
	"io"
	"log/slog"
)

// testLogger discards output; failures assert on behavior, not log lines.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
