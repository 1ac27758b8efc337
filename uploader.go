package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/clipproof/clipproof-go/internal/api"
	"github.com/clipproof/clipproof-go/internal/config"
	"github.com/clipproof/clipproof-go/internal/history"
	"github.com/clipproof/clipproof-go/internal/queue"
	"github.com/clipproof/clipproof-go/internal/tus"
)

// uploadStack bundles everything an uploading command needs: the
// authenticated API client, the transfer queue, and the history ledger.
type uploadStack struct {
	cfg    *config.Resolved
	logger *slog.Logger

	auth   *api.Authenticator
	client *api.Client
	queue  *queue.Queue
	ledger *history.Ledger
}

// buildUploadStack wires the queue against the platform API using the
// resolved configuration. The caller must call close() when done.
func buildUploadStack(ctx context.Context, logger *slog.Logger) (*uploadStack, error) {
	cfg := resolvedCfg

	if cfg.Project == "" {
		return nil, errors.New("no project selected: use --project or set it in the config file")
	}

	auth, err := requireAuth(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	client := api.NewClient(cfg.APIURL, defaultHTTPClient(), auth, logger)
	transfers := tus.NewClient(cfg.APIURL+"/v1/files", transferHTTPClient(), auth, logger)
	store := tus.NewStore(cfg.DataDir, logger)
	limiter := queue.NewBandwidthLimiter(cfg.BandwidthLimit, logger)

	ledger, err := history.Open(ctx, config.HistoryDBPath(cfg.DataDir), logger)
	if err != nil {
		return nil, err
	}

	uq := queue.New(queue.Options{
		ProjectID:         cfg.Project,
		MaxConcurrent:     cfg.MaxConcurrent,
		ChunkSize:         cfg.ChunkSize,
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		Records:           client,
		Transfers:         transfers,
		Store:             store,
		Limiter:           limiter,
		Refresher:         auth,
		Logger:            logger,
	})

	return &uploadStack{
		cfg:    cfg,
		logger: logger,
		auth:   auth,
		client: client,
		queue:  uq,
		ledger: ledger,
	}, nil
}

// close shuts down transfers and the ledger.
func (s *uploadStack) close() {
	s.queue.Shutdown()

	if err := s.ledger.Close(); err != nil {
		s.logger.Warn("failed to close history database", slog.String("error", err.Error()))
	}
}

// fileRefFor stats a local path and builds the queue's file reference.
func fileRefFor(path string) (queue.FileRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return queue.FileRef{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return queue.FileRef{}, fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	// Strip charset parameters; the platform wants the bare media type.
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}

	return queue.FileRef{
		Path:     path,
		Name:     name,
		Size:     info.Size(),
		MimeType: mimeType,
		ModTime:  info.ModTime(),
	}, nil
}

// consumeEvents drives the queue's event stream to the terminal and the
// history ledger until the queue drains or ctx is cancelled. Returns the
// number of failed uploads.
func (s *uploadStack) consumeEvents(ctx context.Context, serverEvents <-chan api.Event) int {
	interactive := isatty.IsTerminal(os.Stderr.Fd()) && !flagQuiet && !flagJSON
	failed := 0
	lineDirty := false

	clearLine := func() {
		if lineDirty {
			fmt.Fprint(os.Stderr, "\r\033[K")
			lineDirty = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			clearLine()
			return failed

		case sev := <-serverEvents:
			clearLine()
			s.reportServerEvent(sev)

		case ev := <-s.queue.Events():
			switch e := ev.(type) {
			case queue.ItemStarted:
				clearLine()
				statusf("Uploading %s (%s)\n", e.Item.Name, formatSize(e.Item.Size))

			case queue.ItemProgress:
				if interactive {
					fmt.Fprintf(os.Stderr, "\r\033[K%s  %3d%%  %s",
						e.Item.Name, e.Item.ProgressPercent, formatSpeed(e.Item.SpeedMBps))
					lineDirty = true
				}

			case queue.ItemCompleted:
				clearLine()
				statusf("Uploaded %s\n", e.Item.Name)
				s.recordOutcome(ctx, e.Item, "completed")

			case queue.ItemFailed:
				clearLine()
				failed++
				statusf("Failed %s: %s\n", e.Item.Name, e.Item.ErrorMessage)
				s.recordOutcome(ctx, e.Item, "error")

			case queue.Drained:
				clearLine()
				return failed
			}
		}
	}
}

// reportServerEvent prints a post-upload server notification.
func (s *uploadStack) reportServerEvent(ev api.Event) {
	switch e := ev.(type) {
	case api.UploadProcessed:
		statusf("Processed %s (asset %s)\n", e.FileName, e.AssetID)
	case api.UploadRejected:
		statusf("Rejected by server: record %s: %s\n", e.RecordID, e.Reason)
	case api.ReviewActivity:
		statusf("Review activity on %s: %s by %s\n", e.AssetID, e.Kind, e.Actor)
	}
}

// recordOutcome appends a finished upload to the history ledger.
func (s *uploadStack) recordOutcome(ctx context.Context, item queue.ItemSnapshot, status string) {
	var duration time.Duration
	if !item.StartedAt.IsZero() && !item.CompletedAt.IsZero() {
		duration = item.CompletedAt.Sub(item.StartedAt)
	}

	err := s.ledger.Record(ctx, history.Entry{
		Project:      s.cfg.Project,
		FileName:     item.Name,
		FileSize:     item.Size,
		RecordID:     item.RecordID,
		Status:       status,
		ErrorMessage: item.ErrorMessage,
		Duration:     duration,
	})
	if err != nil {
		s.logger.Warn("failed to record upload history", slog.String("error", err.Error()))
	}
}
