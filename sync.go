package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/farmsync/internal/api"
	"github.com/tonimelisma/farmsync/internal/config"
	"github.com/tonimelisma/farmsync/internal/connectivity"
	"github.com/tonimelisma/farmsync/internal/inbox"
	"github.com/tonimelisma/farmsync/internal/sync"
)

// errShutdownTimeout is returned when components are still running after
// sync.shutdown_timeout has passed since the stop signal.
var errShutdownTimeout = errors.New("shutdown timed out")

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes to the backend",
		Long: `Drain the operation queue against the backend once and report what happened.
Changes waiting out a retry delay are attempted again right away.

With --watch, keep running: drain on every poll interval, whenever connectivity
is restored, and whenever a change arrives through the inbox or the local API.
Only one daemon may run per data directory.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "run continuously until interrupted")
	cmd.Flags().String("listen", "", "serve the local HTTP API on this address (enables api)")
	cmd.Flags().String("connectivity", "", "connectivity mode: websocket, probe, or always")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	logger := buildLogger()

	if watch {
		return runDaemon(cmd.Context(), resolvedCfg, logger)
	}

	if err := requireNoDaemon(resolvedCfg); err != nil {
		return err
	}

	return runOnce(cmd.Context(), cmd.OutOrStdout(), resolvedCfg, logger)
}

// runOnce probes the backend and, if it answers, drains the queue a single
// time.
func runOnce(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger) error {
	a, err := openApp(ctx, cfg, appOptions{mode: openOwner, probe: true}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.engine.SyncNow(ctx)

	if flagJSON {
		return printJSON(out, report)
	}

	printDrainReport(out, &report, a.engine.Status())

	return nil
}

func printDrainReport(w io.Writer, r *sync.DrainReport, st sync.Status) {
	if r.Skipped {
		fmt.Fprintf(w, "Sync skipped: %s. %d operation(s) remain queued.\n", r.SkipReason, st.Pending+st.Failed)
		return
	}

	fmt.Fprintf(w, "Synced in %s: %d completed, %d retrying, %d failed, %d conflicts",
		r.Duration.Round(time.Millisecond), r.Completed, r.Retried, r.Failed, r.Conflicts)

	if r.Waiting > 0 {
		fmt.Fprintf(w, ", %d waiting for backoff", r.Waiting)
	}

	if r.Deferred > 0 {
		fmt.Fprintf(w, ", %d held behind earlier changes", r.Deferred)
	}

	fmt.Fprintln(w, ".")

	if r.Interrupted {
		fmt.Fprintln(w, "Interrupted before the queue was drained.")
	}

	for _, res := range r.Results {
		if res.Error == "" {
			continue
		}

		fmt.Fprintf(w, "  %s %s %s: %s\n", truncateID(res.OpID), res.Collection, res.Outcome, res.Error)
	}

	if st.Conflicts > 0 {
		fmt.Fprintln(w, "Run 'farmsync conflicts' to review conflicts.")
	}
}

// runDaemon owns the queue until ctx is canceled or a signal arrives. The
// engine loop, connectivity monitor, inbox watcher and optional local API run
// under one errgroup; the first to fail stops the others.
func runDaemon(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	cleanup, err := writePIDFile(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(parent, logger)

	a, err := openApp(ctx, cfg, appOptions{mode: openOwner}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor, err := newMonitor(cfg, a, logger)
	if err != nil {
		return err
	}

	removeConflictListener := a.engine.AddConflictListener(func(c sync.Conflict) {
		statusf("Conflict on %s %s: see 'farmsync conflicts'.\n", c.Collection, c.RecordID)
	})
	defer removeConflictListener()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return inbox.New(cfg.InboxDir(), a.engine, logger).Run(gctx) })

	if monitor != nil {
		g.Go(func() error { return monitor.Run(gctx) })
	}

	if cfg.API.Enabled {
		srv := api.New(a.engine, api.Options{
			Listen:          cfg.API.Listen,
			AllowOrigins:    cfg.API.AllowOrigins,
			ShutdownTimeout: cfg.Durations().ShutdownTimeout,
		}, logger)

		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("sync daemon started",
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Bool("api", cfg.API.Enabled),
	)

	err = waitWithTimeout(ctx, g.Wait, cfg.Durations().ShutdownTimeout)
	if err != nil {
		return err
	}

	logger.Info("sync daemon stopped")

	return nil
}

// waitWithTimeout waits for wait to return. Once ctx is canceled, it allows at
// most timeout more before giving up with errShutdownTimeout.
func waitWithTimeout(ctx context.Context, wait func() error, timeout time.Duration) error {
	done := make(chan error, 1)

	go func() { done <- wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", errShutdownTimeout, timeout)
	}
}

// newMonitor builds the connectivity monitor for the configured mode. Without
// a backend there is nothing to reach, so no monitor runs and the engine
// stays offline.
func newMonitor(cfg *config.Config, a *app, logger *slog.Logger) (connectivity.Monitor, error) {
	if a.client == nil {
		logger.Warn("remote.url is not set; queued changes will not be pushed")
		return nil, nil
	}

	mode := cfg.Sync.Connectivity
	if mode == config.ConnectivityWebSocket && cfg.Remote.RealtimeURL == "" {
		logger.Warn("remote.realtime_url is not set; falling back to probe connectivity")
		mode = config.ConnectivityProbe
	}

	d := cfg.Durations()

	header := http.Header{}
	if cfg.Remote.APIKey != "" {
		header.Set("apikey", cfg.Remote.APIKey)
	}

	return connectivity.New(connectivity.Config{
		Mode:        mode,
		RealtimeURL: cfg.Remote.RealtimeURL,
		Header:      header,
		HTTPClient:  newHTTPClient(d),
		Pinger:      a.client,
		Interval:    d.HeartbeatInterval,
		Timeout:     d.ConnectTimeout,
		Report:      a.engine.SetOnline,
		Logger:      logger,
	})
}
