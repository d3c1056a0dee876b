package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [op-id]",
		Short: "Return failed operations to the queue",
		Long: `Reset a failed operation to pending with its retry count cleared, so the next
sync attempts it again. Use --all to reset every failed operation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRetry,
	}

	cmd.Flags().Bool("all", false, "retry every failed operation")

	return cmd
}

type retryResult struct {
	Retried int `json:"retried"`
}

func runRetry(cmd *cobra.Command, args []string) error {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}

	if all == (len(args) == 1) {
		return fmt.Errorf("give either an operation id or --all")
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

	var res retryResult

	if all {
		res.Retried = a.engine.RetryAllFailed(ctx)
	} else {
		if err := a.engine.RetryFailed(ctx, args[0]); err != nil {
			return err
		}

		res.Retried = 1
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}

	statusf("Returned %d operation(s) to the queue.\n", res.Retried)

	return nil
}
