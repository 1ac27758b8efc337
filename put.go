package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clipproof/clipproof-go/internal/api"
	"github.com/clipproof/clipproof-go/internal/queue"
)

// newPutCmd uploads one or more files to the selected project.
func newPutCmd() *cobra.Command {
	var flagNoEvents bool

	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Upload files to a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd, args, flagNoEvents)
		},
	}

	cmd.Flags().BoolVar(&flagNoEvents, "no-events", false, "skip the post-upload server event feed")

	return cmd
}

func runPut(cmd *cobra.Command, paths []string, noEvents bool) error {
	logger := buildLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := buildUploadStack(ctx, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	files := make([]queue.FileRef, 0, len(paths))
	for _, p := range paths {
		ref, refErr := fileRefFor(p)
		if refErr != nil {
			return refErr
		}

		files = append(files, ref)
	}

	if err := stack.queue.Enqueue(files); err != nil {
		return err
	}

	// The event feed outlives individual uploads; cancel it once the queue
	// drains.
	feedCtx, feedCancel := context.WithCancel(ctx)
	defer feedCancel()

	serverEvents := make(chan api.Event, 16)

	g, _ := errgroup.WithContext(ctx)

	if stack.cfg.Events && !noEvents {
		g.Go(func() error {
			feed := api.NewEventFeed(stack.cfg.APIURL, stack.cfg.Project, stack.auth, logger)
			if listenErr := feed.Listen(feedCtx, serverEvents); listenErr != nil && feedCtx.Err() == nil {
				logger.Warn("event feed disconnected", slog.String("error", listenErr.Error()))
			}

			return nil
		})
	}

	failed := stack.consumeEvents(ctx, serverEvents)

	feedCancel()

	if err := g.Wait(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return fmt.Errorf("interrupted")
	}

	if failed > 0 {
		items := stack.queue.Items()
		queue.SortSnapshots(items)

		statusf("Failed uploads:\n")

		for _, it := range items {
			if it.Status == queue.StatusError {
				statusf("  %s: %s\n", it.Name, it.ErrorMessage)
			}
		}

		return fmt.Errorf("%d upload(s) failed", failed)
	}

	return nil
}
