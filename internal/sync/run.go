package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonimelisma/farmsync/internal/queue"
)

// Run drives drain passes until ctx is canceled: once at start, on every
// poll interval tick, and whenever a trigger (connectivity restored, enqueue,
// sync-now, resolution) fires. Triggers arriving during a pass coalesce. The
// first pass after a SyncNow is forced past backoff windows. Returns nil on
// clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.logger.Info("sync: engine running", slog.Duration("poll_interval", e.pollInterval))

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.ProcessQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync: engine stopped")
			return nil
		case <-ticker.C:
			e.drain(ctx, e.forceNext.Swap(false))
		case <-e.trigger:
			e.drain(ctx, e.forceNext.Swap(false))
		}
	}
}

// requestDrain asks for a drain pass. While Run is active the request is
// handed to its loop; otherwise the pass runs synchronously on the caller's
// goroutine.
func (e *Engine) requestDrain(ctx context.Context) {
	if e.running.Load() {
		select {
		case e.trigger <- struct{}{}:
		default: // a drain is already queued
		}

		return
	}

	e.ProcessQueue(ctx)
}

// SyncNow requests an immediate drain pass that also retries operations
// still waiting out a backoff delay. Without a running loop it drains
// synchronously and returns that pass's report; otherwise the pass is
// scheduled and a skipped report is returned.
func (e *Engine) SyncNow(ctx context.Context) DrainReport {
	if e.running.Load() {
		e.forceNext.Store(true)
		e.requestDrain(ctx)

		return DrainReport{Skipped: true, SkipReason: skipScheduled}
	}

	return e.drain(ctx, true)
}

// Enqueue adds a mutation to the queue and, when online, triggers a drain.
func (e *Engine) Enqueue(
	ctx context.Context, collection string, kind queue.Kind, payload map[string]any, recordID string,
) (string, error) {
	id, err := e.queue.Enqueue(ctx, collection, kind, payload, recordID)
	if err != nil {
		return "", err
	}

	e.publishStatus()

	if e.isOnline() {
		e.requestDrain(ctx)
	}

	return id, nil
}

// Clear drops every queued operation. Unresolved conflicts are kept.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return err
	}

	e.publishStatus()

	return nil
}

// RetryFailed resets one failed operation to pending and, when online,
// triggers a drain.
func (e *Engine) RetryFailed(ctx context.Context, id string) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return err
	}

	e.publishStatus()

	if e.isOnline() {
		e.requestDrain(ctx)
	}

	return nil
}

// RetryAllFailed resets every failed operation to pending and returns how
// many were reset.
func (e *Engine) RetryAllFailed(ctx context.Context) int {
	n := 0

	for _, op := range e.queue.List() {
		if op.Status != queue.StatusFailed {
			continue
		}

		if err := e.queue.Retry(ctx, op.ID); err != nil {
			e.logger.Warn("sync: retrying failed operation",
				slog.String("id", op.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		n++
	}

	if n > 0 {
		e.publishStatus()

		if e.isOnline() {
			e.requestDrain(ctx)
		}
	}

	return n
}
