package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/farmsync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and sync status",
		Long: `Show the number of pending, failed and conflicted operations, the time of
the last successful sync, and whether the sync daemon is running.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusReport is the status command's output.
type statusReport struct {
	sync.Status
	Daemon    bool   `json:"daemon"`
	DaemonPID int    `json:"daemon_pid,omitempty"`
	Remote    string `json:"remote"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	pid, running := daemonRunning(resolvedCfg.PIDPath())

	opts := appOptions{mode: openOwner}
	if running {
		opts.mode = openInspect
	}

	a, err := openApp(ctx, resolvedCfg, opts, buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	report := statusReport{
		Status:    a.engine.Status(),
		Daemon:    running,
		DaemonPID: pid,
		Remote:    resolvedCfg.Remote.URL,
	}

	// A read-only view cannot persist, so its degraded flag says nothing about
	// the daemon's storage.
	if running {
		report.Degraded = false
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}

	printStatus(cmd.OutOrStdout(), &report)

	return nil
}

func printStatus(w io.Writer, r *statusReport) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	daemon := yellow("not running")
	if r.Daemon {
		daemon = green(fmt.Sprintf("running (PID %d)", r.DaemonPID))
	}

	remote := r.Remote
	if remote == "" {
		remote = yellow("not configured")
	}

	fmt.Fprintf(w, "Daemon:      %s\n", daemon)
	fmt.Fprintf(w, "Remote:      %s\n", remote)
	fmt.Fprintf(w, "Last sync:   %s\n", formatTime(r.LastSync))
	fmt.Fprintf(w, "Pending:     %d\n", r.Pending)

	if r.InProgress > 0 {
		fmt.Fprintf(w, "In progress: %d\n", r.InProgress)
	}

	failed := fmt.Sprint(r.Failed)
	if r.Failed > 0 {
		failed = red(failed)
	}

	conflicts := fmt.Sprint(r.Conflicts)
	if r.Conflicts > 0 {
		conflicts = yellow(conflicts)
	}

	fmt.Fprintf(w, "Failed:      %s\n", failed)
	fmt.Fprintf(w, "Conflicts:   %s\n", conflicts)

	if r.Degraded {
		fmt.Fprintln(w, red("Warning: local storage is failing; queued changes may not survive a restart."))
	}

	if r.Conflicts > 0 {
		fmt.Fprintln(w, "Run 'farmsync conflicts' to review and 'farmsync resolve' to settle them.")
	}
}
