package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		Long: `Remove every operation from the queue without sending it. Unresolved
conflicts are kept. This cannot be undone, so --yes is required.`,
		Args: cobra.NoArgs,
		RunE: runClear,
	}

	cmd.Flags().Bool("yes", false, "confirm discarding the queue")

	return cmd
}

func runClear(cmd *cobra.Command, _ []string) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}

	if !yes {
		return fmt.Errorf("refusing to discard the queue without --yes")
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

	n := a.queue.Len()

	if err := a.engine.Clear(ctx); err != nil {
		return err
	}

	statusf("Discarded %d operation(s).\n", n)

	return nil
}
