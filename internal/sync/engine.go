package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/farmsync/internal/kvstore"
	"github.com/tonimelisma/farmsync/internal/queue"
	"github.com/tonimelisma/farmsync/internal/remote"
)

// Store keys for engine state kept next to the queue.
const (
	lastSyncKey  = "sync_last_success"
	conflictsKey = "sync_conflicts"
)

// EngineConfig holds the options for NewEngine. Zero durations and counts
// fall back to the package defaults.
type EngineConfig struct {
	Queue   *queue.Queue
	Store   kvstore.Store // engine state (last sync, conflicts); usually the queue's store
	Backend Backend       // nil disables draining; satisfied by *remote.Client
	Logger  *slog.Logger

	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration

	IDColumn         string // column used to fetch the server record on conflict (default "id")
	VersionField     string // stripped from forced writes; empty disables stripping
	IdempotencyField string // column holding insert idempotency keys; empty disables replay detection

	Online bool // initial connectivity
}

// Engine drains the queue against the backend. One drain runs at a time;
// remote calls within a pass are sequential.
type Engine struct {
	queue   *queue.Queue
	store   kvstore.Store
	backend Backend
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests

	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	pollInterval     time.Duration
	idColumn         string
	versionField     string
	idempotencyField string

	draining  atomic.Bool
	running   atomic.Bool
	forceNext atomic.Bool   // next Run pass ignores backoff windows
	trigger   chan struct{} // single slot: pending drain requests coalesce

	mu                stdsync.Mutex
	online            bool
	syncing           bool
	lastSync          time.Time
	conflicts         []Conflict
	conflictsDegraded bool

	statusListeners   *registry[Status]
	conflictListeners *registry[Conflict]
}

// NewEngine creates an Engine and restores persisted conflicts and the
// last-sync time. Returns an error if persisted conflicts are unreadable.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errors.New("sync: engine requires a queue")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := cfg.Store
	if store == nil {
		store = kvstore.NewMemoryStore()
	}

	e := &Engine{
		queue:             cfg.Queue,
		store:             store,
		backend:           cfg.Backend,
		logger:            logger,
		nowFunc:           time.Now,
		maxRetries:        orDefault(cfg.MaxRetries, defaultMaxRetries),
		baseDelay:         orDefault(cfg.BaseDelay, defaultBaseDelay),
		maxDelay:          orDefault(cfg.MaxDelay, defaultMaxDelay),
		pollInterval:      orDefault(cfg.PollInterval, defaultPollInterval),
		idColumn:          cfg.IDColumn,
		versionField:      cfg.VersionField,
		idempotencyField:  cfg.IdempotencyField,
		online:            cfg.Online,
		trigger:           make(chan struct{}, 1),
		statusListeners:   newRegistry[Status]("status", logger),
		conflictListeners: newRegistry[Conflict]("conflict", logger),
	}

	if e.idColumn == "" {
		e.idColumn = "id"
	}

	if err := e.loadConflicts(ctx); err != nil {
		return nil, err
	}

	e.loadLastSync(ctx)

	return e, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}

// ProcessQueue runs one drain pass over the operations that are ready now.
// It never returns an error: every per-operation failure is classified and
// recorded in the queue and the report.
func (e *Engine) ProcessQueue(ctx context.Context) DrainReport {
	return e.drain(ctx, false)
}

// drain runs one pass. A forced pass also attempts operations still inside
// their backoff window. A panic anywhere in the pass is recovered: the
// operation being processed goes back to pending and the pass ends as
// interrupted.
func (e *Engine) drain(ctx context.Context, force bool) (report DrainReport) {
	if e.backend == nil {
		return DrainReport{Skipped: true, SkipReason: skipNoBackend}
	}

	if !e.isOnline() {
		return DrainReport{Skipped: true, SkipReason: skipOffline}
	}

	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("sync: drain already in progress, skipping")
		return DrainReport{Skipped: true, SkipReason: skipAlreadyDraining}
	}
	defer e.draining.Store(false)

	start := e.nowFunc()
	current := ""

	e.setSyncing(true)

	defer func() {
		if r := recover(); r != nil {
			e.recoverDrain(ctx, current, r)
			report.Interrupted = true
		}

		report.Duration = e.nowFunc().Sub(start)
		e.finishDrain(ctx, &report)
	}()

	batch, waiting, deferred := e.snapshot(start, force)
	report.Waiting = waiting
	report.Deferred = deferred

	if len(batch) == 0 {
		return report
	}

	e.logger.Info("sync: drain starting",
		slog.Int("ready", len(batch)),
		slog.Bool("forced", force),
	)

	blocked := make(map[recordKey]bool)

	for i := range batch {
		op := &batch[i]

		if ctx.Err() != nil || !e.isOnline() {
			report.Interrupted = true
			break
		}

		key := keyOf(op)
		if key.recordID != "" && blocked[key] {
			report.Deferred++
			continue
		}

		current = op.ID
		res := e.execute(ctx, op)
		current = ""

		report.add(res)

		if (res.Outcome == OutcomeRetry || res.Outcome == OutcomeFailed) && key.recordID != "" {
			blocked[key] = true
		}

		if res.Outcome == OutcomeInterrupted {
			break
		}

		e.publishStatus()
	}

	return report
}

// recoverDrain logs a panic that escaped a drain pass and returns the
// operation being processed, if still claimed, to pending.
func (e *Engine) recoverDrain(ctx context.Context, opID string, r any) {
	e.logger.Error("sync: panic during drain",
		slog.String("id", opID),
		slog.Any("panic", r),
	)

	if opID == "" {
		return
	}

	if err := e.queue.Release(ctx, opID); err != nil && !errors.Is(err, queue.ErrInvalidState) {
		e.logger.Warn("sync: releasing operation after panic",
			slog.String("id", opID),
			slog.String("error", err.Error()),
		)
	}
}

// recordKey identifies the remote record an operation targets.
type recordKey struct {
	collection string
	recordID   string
}

func keyOf(op *queue.Operation) recordKey {
	return recordKey{collection: op.Collection, recordID: op.RecordID}
}

// snapshot returns the pending operations to attempt at now, in enqueue
// order, and counts the rest. waiting is the number still inside their
// backoff window (always zero when force is set). deferred is the number of
// ready operations held back because an earlier operation on the same record
// is waiting or failed, so per-record order is preserved.
func (e *Engine) snapshot(now time.Time, force bool) (ready []queue.Operation, waiting, deferred int) {
	all := e.queue.List()
	held := make(map[recordKey]bool)

	for i := range all {
		op := &all[i]
		key := keyOf(op)

		switch op.Status {
		case queue.StatusPending:
		case queue.StatusFailed:
			if key.recordID != "" {
				held[key] = true
			}

			continue
		default:
			continue
		}

		if !force && !op.Ready(now) {
			waiting++

			if key.recordID != "" {
				held[key] = true
			}

			continue
		}

		if key.recordID != "" && held[key] {
			deferred++
			continue
		}

		ready = append(ready, *op)
	}

	return ready, waiting, deferred
}

// execute claims one operation, performs its remote call, and applies the
// classified outcome to the queue.
func (e *Engine) execute(ctx context.Context, op *queue.Operation) OpResult {
	res := OpResult{OpID: op.ID, Collection: op.Collection}

	// The operation may have been superseded, cleared, or removed since the
	// snapshot was taken.
	if err := e.queue.Claim(ctx, op.ID); err != nil {
		e.logger.Debug("sync: operation no longer claimable",
			slog.String("id", op.ID),
			slog.String("error", err.Error()),
		)

		res.Outcome = OutcomeSkipped

		return res
	}

	e.publishStatus()

	err := e.safeDispatch(ctx, op)
	if err == nil {
		e.complete(ctx, op)
		res.Outcome = OutcomeCompleted

		return res
	}

	res.Error = err.Error()

	// Shutdown or cancellation mid-call: the call may or may not have landed,
	// so the operation goes back to pending without counting a failure.
	if ctx.Err() != nil {
		if relErr := e.queue.Release(ctx, op.ID); relErr != nil {
			e.logger.Warn("sync: releasing interrupted operation",
				slog.String("id", op.ID),
				slog.String("error", relErr.Error()),
			)
		}

		res.Outcome = OutcomeInterrupted

		return res
	}

	res.Outcome = e.safeHandleFailure(ctx, op, err)

	return res
}

// safeDispatch wraps dispatch with panic recovery; a panic is reported as a
// transient failure.
func (e *Engine) safeDispatch(ctx context.Context, op *queue.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync: panic in remote call",
				slog.String("id", op.ID),
				slog.String("collection", op.Collection),
				slog.Any("panic", r),
			)

			err = fmt.Errorf("%w: %v", errPanicInDispatch, r)
		}
	}()

	return e.dispatch(ctx, op)
}

// safeHandleFailure wraps handleFailure with panic recovery. The conflict
// path makes its own remote calls; a panic there is counted as a transient
// failure of the operation.
func (e *Engine) safeHandleFailure(ctx context.Context, op *queue.Operation, cause error) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync: panic while handling failure",
				slog.String("id", op.ID),
				slog.String("collection", op.Collection),
				slog.String("cause", cause.Error()),
				slog.Any("panic", r),
			)

			out = e.retryLater(ctx, op, fmt.Errorf("%w: %v", errPanicInFailure, r))
		}
	}()

	return e.handleFailure(ctx, op, cause)
}

func (e *Engine) dispatch(ctx context.Context, op *queue.Operation) error {
	switch op.Kind {
	case queue.KindInsert:
		if op.IdempotencyKey != "" {
			ctx = remote.WithIdempotencyKey(ctx, op.IdempotencyKey)
		}

		_, err := e.backend.Create(ctx, op.Collection, op.Payload)

		return err
	case queue.KindUpdate:
		if op.RecordID == "" {
			return errNoRecordIDOnUpdate
		}

		_, err := e.backend.UpdateByID(ctx, op.Collection, op.RecordID, op.Payload)

		return err
	case queue.KindDelete:
		return e.backend.DeleteByID(ctx, op.Collection, op.RecordID)
	default:
		return fmt.Errorf("%w: %q", queue.ErrInvalidKind, op.Kind)
	}
}

func (e *Engine) complete(ctx context.Context, op *queue.Operation) {
	if err := e.queue.Remove(ctx, op.ID); err != nil {
		e.logger.Warn("sync: removing completed operation",
			slog.String("id", op.ID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("sync: operation completed",
		slog.String("id", op.ID),
		slog.String("collection", op.Collection),
		slog.String("kind", string(op.Kind)),
	)
}

// handleFailure classifies err and applies it to the claimed operation.
func (e *Engine) handleFailure(ctx context.Context, op *queue.Operation, err error) Outcome {
	switch {
	case errors.Is(err, remote.ErrConflict):
		if op.Kind == queue.KindInsert && e.insertAlreadyApplied(ctx, op) {
			e.logger.Info("sync: insert found on server by idempotency key, treating as completed",
				slog.String("id", op.ID),
				slog.String("collection", op.Collection),
			)
			e.complete(ctx, op)

			return OutcomeCompleted
		}

		if !e.raiseConflict(ctx, op, err, e.fetchServerRecord(ctx, op)) {
			return OutcomeSkipped
		}

		return OutcomeConflict

	case errors.Is(err, remote.ErrNotFound) && op.Kind == queue.KindDelete:
		e.logger.Info("sync: delete target already gone, treating as completed",
			slog.String("id", op.ID),
			slog.String("record_id", op.RecordID),
		)
		e.complete(ctx, op)

		return OutcomeCompleted

	case errors.Is(err, remote.ErrNotFound) && op.Kind == queue.KindUpdate:
		if !e.raiseConflict(ctx, op, err, nil) {
			return OutcomeSkipped
		}

		return OutcomeConflict

	case remote.IsFatal(err) || errors.Is(err, remote.ErrNotFound) || errors.Is(err, errNoRecordIDOnUpdate):
		e.logger.Error("sync: operation rejected by server, not retrying",
			slog.String("id", op.ID),
			slog.String("collection", op.Collection),
			slog.String("error", err.Error()),
		)

		if mfErr := e.queue.MarkFailed(ctx, op.ID, err.Error()); mfErr != nil {
			e.logger.Warn("sync: marking operation failed", slog.String("error", mfErr.Error()))
		}

		return OutcomeFailed

	default:
		return e.retryLater(ctx, op, err)
	}
}

func (e *Engine) retryLater(ctx context.Context, op *queue.Operation, err error) Outcome {
	delay := backoffDelay(op.RetryCount+1, e.baseDelay, e.maxDelay)
	retryAt := e.nowFunc().Add(delay)

	updated, rfErr := e.queue.RecordFailure(ctx, op.ID, err.Error(), retryAt, e.maxRetries)
	if rfErr != nil {
		e.logger.Warn("sync: recording failure", slog.String("error", rfErr.Error()))
		return OutcomeRetry
	}

	if updated.Status == queue.StatusFailed {
		e.logger.Error("sync: operation exhausted retries",
			slog.String("id", op.ID),
			slog.String("collection", op.Collection),
			slog.Int("retries", updated.RetryCount),
			slog.String("error", err.Error()),
		)

		return OutcomeFailed
	}

	e.logger.Warn("sync: transient failure, will retry",
		slog.String("id", op.ID),
		slog.String("collection", op.Collection),
		slog.Int("retry", updated.RetryCount),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)

	return OutcomeRetry
}

// insertAlreadyApplied reports whether a conflicting insert's idempotency key
// is already on the server, meaning an earlier attempt landed.
func (e *Engine) insertAlreadyApplied(ctx context.Context, op *queue.Operation) bool {
	if e.idempotencyField == "" || op.IdempotencyKey == "" {
		return false
	}

	_, err := e.backend.Lookup(ctx, op.Collection, e.idempotencyField, op.IdempotencyKey)

	return err == nil
}

// fetchServerRecord returns the server's current copy of the record the
// operation targets, or nil when it has none or the fetch fails.
func (e *Engine) fetchServerRecord(ctx context.Context, op *queue.Operation) map[string]any {
	if op.RecordID == "" {
		return nil
	}

	rec, err := e.backend.Lookup(ctx, op.Collection, e.idColumn, op.RecordID)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			e.logger.Warn("sync: fetching server record for conflict",
				slog.String("collection", op.Collection),
				slog.String("record_id", op.RecordID),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	return rec
}

func (e *Engine) finishDrain(ctx context.Context, report *DrainReport) {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()

	if report.Completed > 0 || report.Clean() {
		e.recordLastSync(ctx, e.nowFunc())
	}

	if report.Attempted > 0 || report.Interrupted {
		e.logger.Info("sync: drain finished",
			slog.Int("completed", report.Completed),
			slog.Int("retried", report.Retried),
			slog.Int("failed", report.Failed),
			slog.Int("conflicts", report.Conflicts),
			slog.Int("waiting", report.Waiting),
			slog.Int("deferred", report.Deferred),
			slog.Bool("interrupted", report.Interrupted),
			slog.Duration("duration", report.Duration),
		)
	}

	e.publishStatus()
}
