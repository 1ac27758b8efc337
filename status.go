package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipproof/clipproof-go/internal/config"
	"github.com/clipproof/clipproof-go/internal/history"
)

// defaultHistoryLimit caps how many ledger rows the status command shows.
const defaultHistoryLimit = 50

// historyRetention is how long finished uploads stay in the local ledger.
// Pruning happens opportunistically whenever the ledger is viewed.
const historyRetention = 90 * 24 * time.Hour

// newStatusCmd shows recent upload history from the local ledger.
func newStatusCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent upload history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, flagLimit)
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", defaultHistoryLimit, "maximum entries to show")

	return cmd
}

func runStatus(cmd *cobra.Command, limit int) error {
	logger := buildLogger()
	cfg := resolvedCfg

	ledger, err := history.Open(cmd.Context(), config.HistoryDBPath(cfg.DataDir), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if pruned, pruneErr := ledger.Prune(cmd.Context(), historyRetention); pruneErr != nil {
		logger.Warn("failed to prune upload history", slog.String("error", pruneErr.Error()))
	} else if pruned > 0 {
		logger.Debug("pruned old upload history", slog.Int64("rows", pruned))
	}

	entries, err := ledger.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if flagJSON {
		return printStatusJSON(entries)
	}

	if len(entries) == 0 {
		statusf("No uploads recorded yet.\n")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := ""
		if e.Status == "error" {
			detail = e.ErrorMessage
		}

		rows = append(rows, []string{
			formatTime(e.FinishedAt),
			e.Project,
			e.FileName,
			formatSize(e.FileSize),
			e.Status,
			detail,
		})
	}

	printTable(os.Stdout, []string{"FINISHED", "PROJECT", "FILE", "SIZE", "STATUS", "DETAIL"}, rows)

	return nil
}

// statusJSONEntry is the JSON output shape for one history row.
type statusJSONEntry struct {
	Project      string    `json:"project"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	FinishedAt   time.Time `json:"finished_at"`
}

func printStatusJSON(entries []history.Entry) error {
	out := make([]statusJSONEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, statusJSONEntry{
			Project:      e.Project,
			FileName:     e.FileName,
			FileSize:     e.FileSize,
			Status:       e.Status,
			ErrorMessage: e.ErrorMessage,
			DurationMS:   e.Duration.Milliseconds(),
			FinishedAt:   e.FinishedAt,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding status output: %w", err)
	}

	return nil
}
