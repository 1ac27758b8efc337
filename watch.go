package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/clipproof/clipproof-go/internal/api"
	"github.com/clipproof/clipproof-go/internal/queue"
)

// defaultSettleDelay is how long a file must stay unchanged before it is
// considered fully written and safe to upload.
const defaultSettleDelay = 2 * time.Second

// newWatchCmd watches a directory and uploads files as they appear.
func newWatchCmd() *cobra.Command {
	var flagSettle time.Duration

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Watch a folder and upload new files automatically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], flagSettle)
		},
	}

	cmd.Flags().DurationVar(&flagSettle, "settle", defaultSettleDelay,
		"wait for a file to stop changing before uploading it")

	return cmd
}

func runWatch(cmd *cobra.Command, dir string, settle time.Duration) error {
	logger := buildLogger()

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := buildUploadStack(ctx, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	statusf("Watching %s (project %s). Press Ctrl-C to stop.\n", dir, stack.cfg.Project)

	settler := newSettler(settle, func(path string) {
		enqueuePath(stack, logger, path)
	})
	defer settler.stop()

	serverEvents := make(chan api.Event, 16)

	if stack.cfg.Events {
		go func() {
			feed := api.NewEventFeed(stack.cfg.APIURL, stack.cfg.Project, stack.auth, logger)
			if listenErr := feed.Listen(ctx, serverEvents); listenErr != nil && ctx.Err() == nil {
				logger.Warn("event feed disconnected", slog.String("error", listenErr.Error()))
			}
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
					settler.touch(ev.Name)
				}

			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("watcher error", slog.String("error", watchErr.Error()))
			}
		}
	}()

	// Watch mode runs until interrupted; the consumer loop keeps rendering
	// through every drain.
	for ctx.Err() == nil {
		stack.consumeEvents(ctx, serverEvents)
	}

	statusf("\nStopping.\n")

	return nil
}

// enqueuePath validates and enqueues a single settled file.
func enqueuePath(stack *uploadStack, logger *slog.Logger, path string) {
	ref, err := fileRefFor(path)
	if err != nil {
		logger.Warn("skipping file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if err := stack.queue.Enqueue([]queue.FileRef{ref}); err != nil {
		var vErr *queue.ValidationError
		if errors.As(err, &vErr) {
			logger.Info("ignoring file",
				slog.String("path", path),
				slog.String("reason", vErr.Files[0].Reason),
			)

			return
		}

		logger.Warn("failed to enqueue file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// settler delays action on a path until it has stopped changing for the
// configured duration. Every touch resets the path's timer.
type settler struct {
	delay time.Duration
	fire  func(path string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   bool
}

func newSettler(delay time.Duration, fire func(path string)) *settler {
	return &settler{
		delay:  delay,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

func (s *settler) touch(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}

	if t, ok := s.timers[path]; ok {
		t.Reset(s.delay)
		return
	}

	s.timers[path] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.timers, path)
		finished := s.done
		s.mu.Unlock()

		if !finished {
			s.fire(path)
		}
	})
}

func (s *settler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = true

	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}
}
