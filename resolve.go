package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/farmsync/internal/sync"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <op-id> <server|client|merge>",
		Short: "Settle a sync conflict",
		Long: `Settle the conflict raised by an operation.

  server  keep the server's record and drop the local change
  client  overwrite the server with the local change
  merge   overwrite the server with the payload given by --payload

The operation id may be abbreviated to any unique prefix. client and merge
queue a new operation, whose id is printed.`,
		Example: `  farmsync resolve 3f2a9c1e server
  farmsync resolve 3f2a9c1e merge --payload '{"status":"harvested","notes":"both"}'`,
		Args: cobra.ExactArgs(2),
		RunE: runResolve,
	}

	cmd.Flags().String("payload", "", "merged record fields as a JSON object, or @file (merge only)")

	return cmd
}

// errAmbiguousID is returned when an id prefix matches more than one conflict.
var errAmbiguousID = errors.New("ambiguous id prefix")

type resolveResult struct {
	OpID       string          `json:"op_id"`
	Resolution sync.Resolution `json:"resolution"`
	NewOpID    string          `json:"new_op_id,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolution, err := sync.ParseResolution(args[1])
	if err != nil {
		return err
	}

	raw, err := cmd.Flags().GetString("payload")
	if err != nil {
		return err
	}

	merged, err := parsePayload(raw, cmd.InOrStdin())
	if err != nil {
		return err
	}

	if resolution != sync.ResolveMerge && merged != nil {
		return fmt.Errorf("--payload only applies to the merge resolution")
	}

	if err := requireNoDaemon(resolvedCfg); err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := openApp(ctx, resolvedCfg, appOptions{mode: openOwner}, buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	opID, err := matchConflictID(a.engine.Conflicts(), args[0])
	if err != nil {
		return err
	}

	newID, err := a.engine.ResolveConflict(ctx, opID, resolution, merged)
	if err != nil {
		return err
	}

	res := resolveResult{OpID: opID, Resolution: resolution, NewOpID: newID}
	out := cmd.OutOrStdout()

	if flagJSON {
		return printJSON(out, res)
	}

	if newID != "" {
		fmt.Fprintln(out, newID)
	}

	statusf("Resolved %s (%s).\n", truncateID(opID), resolution)

	return nil
}

// matchConflictID expands an id prefix to the full operation id of exactly
// one conflict. An exact match always wins.
func matchConflictID(conflicts []sync.Conflict, prefix string) (string, error) {
	var matches []string

	for i := range conflicts {
		id := conflicts[i].OpID
		if id == prefix {
			return id, nil
		}

		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", sync.ErrConflictNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w %q matches %d conflicts", errAmbiguousID, prefix, len(matches))
	}
}
