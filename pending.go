package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/farmsync/internal/queue"
)

const lastErrorDisplayLen = 48

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued operations",
		Long: `List every operation in the queue, oldest first, with its status,
retry count and last error. Use --status to show only one status.`,
		Args: cobra.NoArgs,
		RunE: runPending,
	}

	cmd.Flags().String("status", "", "only show operations with this status (pending, in_progress, failed)")

	return cmd
}

func runPending(cmd *cobra.Command, _ []string) error {
	want, err := cmd.Flags().GetString("status")
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := openApp(ctx, resolvedCfg, inspectOptions(resolvedCfg), buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	ops := a.engine.PendingOperations()
	if want != "" {
		filtered := ops[:0]

		for _, op := range ops {
			if string(op.Status) == want {
				filtered = append(filtered, op)
			}
		}

		ops = filtered
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		if ops == nil {
			ops = []queue.Operation{}
		}

		return printJSON(out, ops)
	}

	if len(ops) == 0 {
		fmt.Fprintln(out, "No queued operations.")
		return nil
	}

	headers := []string{"ID", "COLLECTION", "KIND", "RECORD", "STATUS", "RETRIES", "NEXT ATTEMPT", "LAST ERROR"}
	rows := make([][]string, len(ops))

	for i := range ops {
		op := &ops[i]
		rows[i] = []string{
			truncateID(op.ID),
			op.Collection,
			string(op.Kind),
			op.RecordID,
			string(op.Status),
			strconv.Itoa(op.RetryCount),
			formatNanoTimestamp(op.NextAttemptAt),
			truncate(op.LastError, lastErrorDisplayLen),
		}
	}

	printTable(out, headers, rows)

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n-3] + "..."
}
