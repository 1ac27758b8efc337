package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/clipproof/clipproof-go/internal/tus"
)

// newSessionsCmd manages persisted resumable-transfer state.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage resumable transfer state",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsCleanCmd())

	return cmd
}

// newSessionsListCmd lists interrupted transfers that can still resume.
func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List interrupted transfers that can resume",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store := tus.NewStore(resolvedCfg.DataDir, buildLogger())

			records, err := store.List()
			if err != nil {
				return err
			}

			if len(records) == 0 {
				statusf("No resumable transfers.\n")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					r.FileName,
					formatSize(r.FileSize),
					r.RecordID,
					formatTime(r.CreatedAt),
				})
			}

			printTable(os.Stdout, []string{"FILE", "SIZE", "RECORD", "CREATED"}, rows)

			return nil
		},
	}
}

// newSessionsCleanCmd removes stale fingerprint records.
func newSessionsCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove stale resumable transfer state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store := tus.NewStore(resolvedCfg.DataDir, buildLogger())

			n, err := store.CleanStale(tus.StaleRecordAge)
			if err != nil {
				return err
			}

			statusf("Removed %d stale record(s).\n", n)

			return nil
		},
	}
}
