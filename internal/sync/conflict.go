package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/tonimelisma/farmsync/internal/kvstore"
	"github.com/tonimelisma/farmsync/internal/queue"
)

// Conflicts returns the unresolved conflicts, oldest first.
func (e *Engine) Conflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Conflict, len(e.conflicts))
	for i := range e.conflicts {
		out[i] = cloneConflict(&e.conflicts[i])
	}

	return out
}

// CurrentConflict returns the oldest unresolved conflict.
func (e *Engine) CurrentConflict() (Conflict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.conflicts) == 0 {
		return Conflict{}, false
	}

	return cloneConflict(&e.conflicts[0]), true
}

// ResolveConflict settles the conflict raised by operation opID. server drops
// the local change. client re-queues the local payload and merge re-queues
// merged; both as forced writes that skip the optimistic-concurrency check.
// Returns the id of the new operation, or "" for server.
func (e *Engine) ResolveConflict(
	ctx context.Context, opID string, resolution Resolution, merged map[string]any,
) (string, error) {
	if _, err := ParseResolution(string(resolution)); err != nil {
		return "", err
	}

	if resolution == ResolveMerge && merged == nil {
		return "", ErrMergeNeedsPayload
	}

	e.mu.Lock()
	idx := slices.IndexFunc(e.conflicts, func(c Conflict) bool { return c.OpID == opID })

	var c Conflict
	if idx >= 0 {
		c = cloneConflict(&e.conflicts[idx])
	}
	e.mu.Unlock()

	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrConflictNotFound, opID)
	}

	var newID string

	if resolution != ResolveServer {
		kind, payload := resolvedWrite(&c, resolution, merged)

		if e.versionField != "" {
			delete(payload, e.versionField)
		}

		id, err := e.queue.EnqueueWith(ctx, c.Collection, kind, payload, c.RecordID, queue.EnqueueOptions{Force: true})
		if err != nil {
			return "", fmt.Errorf("sync: re-queuing resolved conflict %s: %w", opID, err)
		}

		newID = id
	}

	e.mu.Lock()
	e.conflicts = slices.DeleteFunc(e.conflicts, func(x Conflict) bool { return x.OpID == opID })
	e.persistConflictsLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("sync: conflict resolved",
		slog.String("op_id", opID),
		slog.String("resolution", string(resolution)),
		slog.String("new_op_id", newID),
	)

	e.publishStatus()

	if newID != "" && e.isOnline() {
		e.requestDrain(ctx)
	}

	return newID, nil
}

// resolvedWrite maps a conflict and resolution to the operation that carries
// the resolution to the server.
func resolvedWrite(c *Conflict, resolution Resolution, merged map[string]any) (queue.Kind, map[string]any) {
	payload := maps.Clone(c.LocalPayload)
	if resolution == ResolveMerge {
		payload = maps.Clone(merged)
	}

	if payload == nil {
		payload = map[string]any{}
	}

	switch c.Kind {
	case queue.KindDelete:
		if resolution == ResolveMerge {
			return queue.KindUpdate, payload
		}

		return queue.KindDelete, payload
	case queue.KindInsert:
		// The record already exists server-side when the conflict names it.
		if c.RecordID != "" {
			return queue.KindUpdate, payload
		}

		return queue.KindInsert, payload
	default:
		return queue.KindUpdate, payload
	}
}

// raiseConflict converts a claimed operation into a Conflict: the operation
// leaves the queue, the conflict is persisted, and listeners are notified.
// An operation superseded while its call was in flight is no longer the
// latest intent for its record; it is dropped without a conflict and false
// is returned.
func (e *Engine) raiseConflict(ctx context.Context, op *queue.Operation, cause error, server map[string]any) bool {
	c := Conflict{
		OpID:          op.ID,
		Collection:    op.Collection,
		Kind:          op.Kind,
		RecordID:      op.RecordID,
		LocalPayload:  maps.Clone(op.Payload),
		ServerPayload: server,
		Error:         cause.Error(),
		DetectedAt:    e.nowFunc().UTC(),
	}

	if err := e.queue.Remove(ctx, op.ID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			e.logger.Info("sync: conflicting operation was superseded, dropping conflict",
				slog.String("id", op.ID),
				slog.String("collection", op.Collection),
				slog.String("record_id", op.RecordID),
			)

			return false
		}

		e.logger.Warn("sync: removing conflicting operation",
			slog.String("id", op.ID),
			slog.String("error", err.Error()),
		)
	}

	e.mu.Lock()
	e.conflicts = append(e.conflicts, c)
	e.persistConflictsLocked(ctx)
	e.mu.Unlock()

	e.logger.Warn("sync: conflict detected",
		slog.String("op_id", op.ID),
		slog.String("collection", op.Collection),
		slog.String("kind", string(op.Kind)),
		slog.String("record_id", op.RecordID),
		slog.Bool("server_record", server != nil),
		slog.String("error", c.Error),
	)

	e.conflictListeners.notify(cloneConflict(&c))

	return true
}

func (e *Engine) loadConflicts(ctx context.Context) error {
	raw, err := e.store.Get(ctx, conflictsKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: loading conflicts: %w", err)
	}

	var conflicts []Conflict
	if err := json.Unmarshal([]byte(raw), &conflicts); err != nil {
		return fmt.Errorf("sync: decoding conflicts: %w", err)
	}

	e.conflicts = conflicts

	if len(conflicts) > 0 {
		e.logger.Info("sync: restored unresolved conflicts", slog.Int("count", len(conflicts)))
	}

	return nil
}

// persistConflictsLocked writes the conflict list. Failures are logged and
// reported through Status.Degraded. Caller holds e.mu.
func (e *Engine) persistConflictsLocked(ctx context.Context) {
	list := e.conflicts
	if list == nil {
		list = []Conflict{}
	}

	data, err := json.Marshal(list)
	if err == nil {
		err = e.store.Set(context.WithoutCancel(ctx), conflictsKey, string(data))
	}

	if err != nil {
		e.logger.Error("sync: persisting conflicts", slog.String("error", err.Error()))
		e.conflictsDegraded = true

		return
	}

	e.conflictsDegraded = false
}

func cloneConflict(c *Conflict) Conflict {
	out := *c
	out.LocalPayload = maps.Clone(c.LocalPayload)
	out.ServerPayload = maps.Clone(c.ServerPayload)

	return out
}
