package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// A second signal exits immediately, for when a drain or shutdown hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	return shutdownContextWithExit(parent, logger, func() { os.Exit(1) })
}

func shutdownContextWithExit(parent context.Context, logger *slog.Logger, forceExit func()) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("shutting down, press Ctrl-C again to force",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("forced exit", slog.String("signal", sig.String()))
			forceExit()
		case <-parent.Done():
		}
	}()

	return ctx
}
