package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tonimelisma/farmsync/internal/kvstore"
	"github.com/tonimelisma/farmsync/internal/queue"
)

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	counts := e.queue.Counts()

	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Online:     e.online,
		Syncing:    e.syncing,
		LastSync:   e.lastSync,
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Failed:     counts.Failed,
		Conflicts:  len(e.conflicts),
		Degraded:   e.queue.Degraded() || e.conflictsDegraded,
	}
}

// AddStatusListener registers fn to be called with a fresh Status on every
// change. The returned function unsubscribes; calling it again is a no-op.
func (e *Engine) AddStatusListener(fn func(Status)) func() {
	return e.statusListeners.add(fn)
}

// AddConflictListener registers fn to be called for every newly detected
// conflict. The returned function unsubscribes.
func (e *Engine) AddConflictListener(fn func(Conflict)) func() {
	return e.conflictListeners.add(fn)
}

// PendingOperations returns every queued operation in enqueue order,
// including failed ones.
func (e *Engine) PendingOperations() []queue.Operation {
	return e.queue.List()
}

// SetOnline records a connectivity change. An offline to online transition
// triggers a drain.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if !changed {
		return
	}

	e.logger.Info("sync: connectivity changed", slog.Bool("online", online))
	e.publishStatus()

	if online {
		e.requestDrain(ctx)
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.online
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()

	e.publishStatus()
}

func (e *Engine) publishStatus() {
	if e.statusListeners.len() == 0 {
		return
	}

	e.statusListeners.notify(e.Status())
}

func (e *Engine) loadLastSync(ctx context.Context) {
	raw, err := e.store.Get(ctx, lastSyncKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			e.logger.Warn("sync: loading last sync time", slog.String("error", err.Error()))
		}

		return
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		e.logger.Warn("sync: ignoring unparseable last sync time",
			slog.String("value", raw),
			slog.String("error", err.Error()),
		)

		return
	}

	e.lastSync = t
}

func (e *Engine) recordLastSync(ctx context.Context, t time.Time) {
	e.mu.Lock()
	e.lastSync = t
	e.mu.Unlock()

	if err := e.store.Set(context.WithoutCancel(ctx), lastSyncKey, t.UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("sync: persisting last sync time", slog.String("error", err.Error()))
	}
}
