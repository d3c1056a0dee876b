package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/farmsync/internal/kvstore"
)

// DefaultKey is the store key the queue persists under when none is given.
const DefaultKey = "sync_queue"

// Queue is the single source of truth for writes that have not yet reached
// the server. All methods are safe for concurrent use; every mutation is
// persisted before the method returns.
type Queue struct {
	mu       stdsync.Mutex
	ops      []Operation
	degraded bool

	store   kvstore.Store
	key     string
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
	newID   func() string
}

// New loads the queue persisted under key (DefaultKey when empty). Entries
// left in_progress by an unclean shutdown are reset to pending: whether the
// in-flight call reached the server is unknowable, and inserts carry an
// idempotency key so a replay is safe.
func New(ctx context.Context, store kvstore.Store, key string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if key == "" {
		key = DefaultKey
	}

	q := &Queue{
		store:   store,
		key:     key,
		logger:  logger,
		nowFunc: time.Now,
		newID:   func() string { return uuid.New().String() },
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}

	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, err := q.store.Get(ctx, q.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("queue: loading %q: %w", q.key, err)
	}

	var ops []Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return fmt.Errorf("queue: decoding %q: %w", q.key, err)
	}

	resumed := 0
	now := q.nowFunc().UnixNano()

	for i := range ops {
		if ops[i].Status == StatusInProgress {
			ops[i].Status = StatusPending
			ops[i].UpdatedAt = now
			resumed++
		}
	}

	q.ops = ops

	if resumed > 0 {
		q.logger.Warn("queue: resuming operations interrupted mid-sync",
			slog.Int("count", resumed),
		)
		q.persistLocked(ctx)
	}

	q.logger.Debug("queue loaded",
		slog.String("key", q.key),
		slog.Int("operations", len(ops)),
	)

	return nil
}

// Enqueue appends a mutation and returns its id. See EnqueueWith.
func (q *Queue) Enqueue(
	ctx context.Context, collection string, kind Kind, payload map[string]any, recordID string,
) (string, error) {
	return q.EnqueueWith(ctx, collection, kind, payload, recordID, EnqueueOptions{})
}

// EnqueueWith validates and appends a mutation. Any queued operation with the
// same (collection, recordID, kind) is removed first, including one whose
// call is in flight, so the most recent intent for a logical change wins. Invalid operations are rejected before
// anything is persisted.
func (q *Queue) EnqueueWith(
	ctx context.Context, collection string, kind Kind, payload map[string]any, recordID string,
	opts EnqueueOptions,
) (string, error) {
	collection = normalizeKey(collection)
	recordID = normalizeKey(recordID)

	if collection == "" {
		return "", ErrEmptyCollection
	}

	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}

	if kind.RequiresRecordID() && recordID == "" {
		return "", fmt.Errorf("%w (%s on %s)", ErrMissingRecordID, kind, collection)
	}

	now := q.nowFunc().UnixNano()
	op := Operation{
		ID:         q.newID(),
		Collection: collection,
		Kind:       kind,
		Payload:    copyPayload(payload),
		RecordID:   recordID,
		Force:      opts.Force,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if kind == KindInsert {
		op.IdempotencyKey = q.newID()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if recordID != "" {
		kept := q.ops[:0]

		for i := range q.ops {
			existing := &q.ops[i]
			if existing.Collection == collection && existing.RecordID == recordID && existing.Kind == kind {
				q.logger.Debug("queue: superseding operation",
					slog.String("id", existing.ID),
					slog.String("collection", collection),
					slog.String("record_id", recordID),
					slog.String("kind", string(kind)),
				)

				continue
			}

			kept = append(kept, *existing)
		}

		q.ops = kept
	}

	q.ops = append(q.ops, op)
	q.persistLocked(ctx)

	q.logger.Info("queue: operation enqueued",
		slog.String("id", op.ID),
		slog.String("collection", collection),
		slog.String("kind", string(kind)),
		slog.String("record_id", recordID),
	)

	return op.ID, nil
}

// List returns every queued operation in enqueue order. The result is a copy.
func (q *Queue) List() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Operation, len(q.ops))
	for i := range q.ops {
		out[i] = q.ops[i].clone()
	}

	return out
}

// Get returns a copy of the operation with the given id.
func (q *Queue) Get(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return Operation{}, false
	}

	return q.ops[i].clone(), true
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ops)
}

// Counts aggregates queued operations by status. Pending includes operations
// waiting out a backoff delay.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts

	for i := range q.ops {
		switch q.ops[i].Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusFailed:
			c.Failed++
		case StatusCompleted:
		}
	}

	return c
}

// Degraded reports whether the most recent persist attempt failed. While
// degraded the in-memory queue is authoritative for this process only.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.degraded
}

// Remove deletes an operation regardless of its status. Used when an
// operation completes or is converted into a conflict.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	q.persistLocked(ctx)

	return nil
}

// Clear drops every queued operation. Destructive: intended for explicit
// user-triggered resets only.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.ops)
	q.ops = nil
	q.persistLocked(ctx)

	q.logger.Warn("queue: cleared", slog.Int("dropped", dropped))

	return nil
}

// Claim transitions an operation from pending to in_progress.
func (q *Queue) Claim(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusPending, func(op *Operation) {
		op.Status = StatusInProgress
	})
}

// Release returns an in_progress operation to pending without counting a
// failure. Used when a drain is interrupted by shutdown.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusInProgress, func(op *Operation) {
		op.Status = StatusPending
	})
}

// RecordFailure counts a transient failure of an in_progress operation. The
// operation returns to pending, eligible again at retryAt, until its retry
// count reaches maxRetries; then it is left failed. The updated operation is
// returned.
func (q *Queue) RecordFailure(
	ctx context.Context, id, errMsg string, retryAt time.Time, maxRetries int,
) (Operation, error) {
	var out Operation

	err := q.transition(ctx, id, StatusInProgress, func(op *Operation) {
		op.RetryCount++
		op.LastError = errMsg

		if op.RetryCount >= maxRetries {
			op.Status = StatusFailed
			op.NextAttemptAt = 0
		} else {
			op.Status = StatusPending
			op.NextAttemptAt = retryAt.UnixNano()
		}

		out = op.clone()
	})

	return out, err
}

// MarkFailed records a fatal failure: the operation is left failed and is not
// retried automatically.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	return q.transition(ctx, id, StatusInProgress, func(op *Operation) {
		op.RetryCount++
		op.LastError = errMsg
		op.Status = StatusFailed
		op.NextAttemptAt = 0
	})
}

// Retry resets a failed operation to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusFailed, func(op *Operation) {
		op.Status = StatusPending
		op.RetryCount = 0
		op.NextAttemptAt = 0
	})
}

// transition applies fn to the operation if it is currently in status from,
// then persists.
func (q *Queue) transition(ctx context.Context, id string, from Status, fn func(*Operation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	op := &q.ops[i]
	if op.Status != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, id, op.Status, from)
	}

	fn(op)
	op.UpdatedAt = q.nowFunc().UnixNano()
	q.persistLocked(ctx)

	return nil
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}

	return -1
}

// persistLocked writes the queue to the store. Failures are logged and flip
// the degraded flag; they never fail the caller's mutation.
func (q *Queue) persistLocked(ctx context.Context) {
	ops := q.ops
	if ops == nil {
		ops = []Operation{}
	}

	data, err := json.Marshal(ops)
	if err == nil {
		// Persist even when the caller's context is being canceled, so a
		// shutdown mid-drain still records the latest statuses.
		err = q.store.Set(context.WithoutCancel(ctx), q.key, string(data))
	}

	if err != nil {
		if !q.degraded {
			q.logger.Error("queue: persisting failed, in-memory queue is authoritative until restart",
				slog.String("key", q.key),
				slog.String("error", err.Error()),
			)
		}

		q.degraded = true

		return
	}

	if q.degraded {
		q.logger.Info("queue: persistence recovered", slog.String("key", q.key))
	}

	q.degraded = false
}

// normalizeKey trims and NFC-normalizes collection names and record ids so
// that visually identical keys compare equal.
func normalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}
