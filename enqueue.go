package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/farmsync/internal/inbox"
	"github.com/tonimelisma/farmsync/internal/queue"
)

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <collection> <insert|update|delete> [record-id]",
		Short: "Queue a record change for sync",
		Long: `Queue an insert, update, or delete of a record in a collection.

The payload is a JSON object, given inline or read from a file with @path
(@- reads stdin). Update and delete require a record id.

While 'farmsync sync --watch' is running the change is handed to the daemon
through its inbox directory.`,
		Example: `  farmsync enqueue farmers insert --payload '{"firstName":"Juan"}'
  farmsync enqueue crops update 3 --payload @crop.json
  farmsync enqueue transactions delete t-19`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runEnqueue,
	}

	cmd.Flags().String("payload", "", "record fields as a JSON object, or @file")

	return cmd
}

type enqueueResult struct {
	ID  string `json:"id,omitempty"`
	Via string `json:"via"`
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	collection := args[0]

	kind, err := queue.ParseKind(args[1])
	if err != nil {
		return err
	}

	var recordID string
	if len(args) == 3 {
		recordID = args[2]
	}

	if kind.RequiresRecordID() && recordID == "" {
		return fmt.Errorf("%w (%s on %s)", queue.ErrMissingRecordID, kind, collection)
	}

	raw, err := cmd.Flags().GetString("payload")
	if err != nil {
		return err
	}

	payload, err := parsePayload(raw, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := buildLogger()

	var res enqueueResult

	if pid, running := daemonRunning(resolvedCfg.PIDPath()); running {
		path, err := inbox.Write(resolvedCfg.InboxDir(), inbox.Drop{
			Collection: collection,
			Kind:       kind,
			Payload:    payload,
			RecordID:   recordID,
		})
		if err != nil {
			return err
		}

		logger.Debug("handed operation to daemon",
			slog.Int("pid", pid),
			slog.String("file", filepath.Base(path)),
		)
		res = enqueueResult{Via: "inbox"}
	} else {
		a, err := openApp(ctx, resolvedCfg, appOptions{mode: openOwner}, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.engine.Enqueue(ctx, collection, kind, payload, recordID)
		if err != nil {
			return err
		}

		res = enqueueResult{ID: id, Via: "queue"}
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		return printJSON(out, res)
	}

	if res.ID != "" {
		fmt.Fprintln(out, res.ID)
	} else {
		statusf("Handed to the running daemon.\n")
	}

	return nil
}
