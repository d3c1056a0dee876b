package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/farmsync/internal/sync"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display operations the backend rejected because the record changed on the
server after the change was queued.

Use --json to see the local and server payloads side by side. Settle each one
with 'farmsync resolve'.`,
		Args: cobra.NoArgs,
		RunE: runConflicts,
	}
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, resolvedCfg, inspectOptions(resolvedCfg), buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	conflicts := a.engine.Conflicts()
	out := cmd.OutOrStdout()

	if flagJSON {
		if conflicts == nil {
			conflicts = []sync.Conflict{}
		}

		return printJSON(out, conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(out, "No unresolved conflicts.")
		return nil
	}

	headers := []string{"ID", "COLLECTION", "KIND", "RECORD", "DETECTED", "ERROR"}
	rows := make([][]string, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]
		rows[i] = []string{
			truncateID(c.OpID),
			c.Collection,
			string(c.Kind),
			c.RecordID,
			c.DetectedAt.UTC().Format(time.RFC3339),
			truncate(c.Error, lastErrorDisplayLen),
		}
	}

	printTable(out, headers, rows)

	return nil
}
