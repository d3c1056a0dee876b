package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/farmsync/internal/kvstore"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestQueue builds a queue over store with deterministic ids and a frozen
// clock at base.
func newTestQueue(t *testing.T, store kvstore.Store, base time.Time) *Queue {
	t.Helper()

	q, err := New(context.Background(), store, "", testLogger(t))
	require.NoError(t, err)

	n := 0
	q.newID = func() string {
		n++
		return fmt.Sprintf("op-%d", n)
	}
	q.nowFunc = func() time.Time { return base }

	return q
}

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestEnqueue_AssignsIDAndPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store, testBase)

	id, err := q.Enqueue(ctx, "farmers", KindInsert, map[string]any{"firstName": "Juan"}, "")
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)

	ops := q.List()
	require.Len(t, ops, 1)
	assert.Equal(t, "farmers", ops[0].Collection)
	assert.Equal(t, KindInsert, ops[0].Kind)
	assert.Equal(t, StatusPending, ops[0].Status)
	assert.Equal(t, "op-2", ops[0].IdempotencyKey, "inserts carry an idempotency key")
	assert.Equal(t, testBase.UnixNano(), ops[0].CreatedAt)

	raw, err := store.Get(ctx, DefaultKey)
	require.NoError(t, err)

	var persisted []Operation
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "Juan", persisted[0].Payload["firstName"])
}

func TestEnqueue_ValidationNeverPersists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		collection string
		kind       Kind
		recordID   string
		want       error
	}{
		{"update without id", "crops", KindUpdate, "", ErrMissingRecordID},
		{"delete without id", "crops", KindDelete, "  ", ErrMissingRecordID},
		{"empty collection", " ", KindInsert, "", ErrEmptyCollection},
		{"unknown kind", "crops", Kind("upsert"), "1", ErrInvalidKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := kvstore.NewMemoryStore()
			q := newTestQueue(t, store, testBase)

			_, err := q.Enqueue(context.Background(), tt.collection, tt.kind, map[string]any{"a": 1}, tt.recordID)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, q.List())

			_, getErr := store.Get(context.Background(), DefaultKey)
			assert.ErrorIs(t, getErr, kvstore.ErrNotFound)
		})
	}
}

func TestEnqueue_SupersedesSameRecordAndKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	_, err := q.Enqueue(ctx, "crops", KindUpdate, map[string]any{"status": "harvested"}, "3")
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "crops", KindUpdate, map[string]any{"actualYield": 10}, "4")
	require.NoError(t, err)

	latest, err := q.Enqueue(ctx, "crops", KindUpdate, map[string]any{"status": "ready"}, "3")
	require.NoError(t, err)

	ops := q.List()
	require.Len(t, ops, 2)
	assert.Equal(t, "4", ops[0].RecordID)
	assert.Equal(t, latest, ops[1].ID)
	assert.Equal(t, map[string]any{"status": "ready"}, ops[1].Payload)
}

func TestEnqueue_DifferentKindsDoNotSupersede(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	_, err := q.Enqueue(ctx, "lands", KindUpdate, map[string]any{"area": 2}, "7")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "lands", KindDelete, nil, "7")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "farmers", KindUpdate, map[string]any{"area": 2}, "7")
	require.NoError(t, err)

	assert.Len(t, q.List(), 3)
}

func TestEnqueue_InsertsWithoutRecordIDAccumulate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	for i := range 3 {
		_, err := q.Enqueue(ctx, "transactions", KindInsert, map[string]any{"amount": i}, "")
		require.NoError(t, err)
	}

	assert.Len(t, q.List(), 3)
}

func TestEnqueue_NormalizesKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	// "é" precomposed vs. "e" + combining acute accent.
	_, err := q.Enqueue(ctx, " farmers ", KindUpdate, map[string]any{"v": 1}, "jos\u00e9")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "farmers", KindUpdate, map[string]any{"v": 2}, "jose\u0301")
	require.NoError(t, err)

	ops := q.List()
	require.Len(t, ops, 1)
	assert.Equal(t, "farmers", ops[0].Collection)
	assert.Equal(t, map[string]any{"v": 2}, ops[0].Payload)
}

func TestList_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	payload := map[string]any{"name": "North field"}
	_, err := q.Enqueue(ctx, "lands", KindInsert, payload, "")
	require.NoError(t, err)

	payload["name"] = "mutated by caller"
	ops := q.List()
	ops[0].Payload["name"] = "mutated by reader"

	assert.Equal(t, "North field", q.List()[0].Payload["name"])
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	a, err := q.Enqueue(ctx, "crops", KindInsert, nil, "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "crops", KindInsert, nil, "")
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, a))
	assert.ErrorIs(t, q.Remove(ctx, a), ErrNotFound)
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Clear(ctx))
	assert.Empty(t, q.List())
}

func TestLifecycle_TransientFailuresUntilBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	id, err := q.Enqueue(ctx, "crops", KindUpdate, map[string]any{"status": "ready"}, "3")
	require.NoError(t, err)

	const maxRetries = 3
	retryAt := testBase.Add(time.Minute)

	for attempt := 1; attempt < maxRetries; attempt++ {
		require.NoError(t, q.Claim(ctx, id))
		assert.Equal(t, Counts{InProgress: 1}, q.Counts())

		op, failErr := q.RecordFailure(ctx, id, "503 service unavailable", retryAt, maxRetries)
		require.NoError(t, failErr)
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, attempt, op.RetryCount)
		assert.Equal(t, retryAt.UnixNano(), op.NextAttemptAt)
		assert.False(t, op.Ready(testBase), "not eligible before backoff elapses")
		assert.True(t, op.Ready(retryAt))
	}

	require.NoError(t, q.Claim(ctx, id))
	op, err := q.RecordFailure(ctx, id, "503 service unavailable", retryAt, maxRetries)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, maxRetries, op.RetryCount)
	assert.Equal(t, Counts{Failed: 1}, q.Counts())

	assert.ErrorIs(t, q.Claim(ctx, id), ErrInvalidState, "failed operations are not claimable")

	require.NoError(t, q.Retry(ctx, id))
	got, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, "503 service unavailable", got.LastError, "last error stays inspectable")
}

func TestMarkFailedAndRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, kvstore.NewMemoryStore(), testBase)

	a, err := q.Enqueue(ctx, "crops", KindInsert, nil, "")
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "crops", KindInsert, nil, "")
	require.NoError(t, err)

	require.NoError(t, q.Claim(ctx, a))
	require.NoError(t, q.MarkFailed(ctx, a, "400 bad request"))

	require.NoError(t, q.Claim(ctx, b))
	require.NoError(t, q.Release(ctx, b))

	opA, _ := q.Get(a)
	opB, _ := q.Get(b)
	assert.Equal(t, StatusFailed, opA.Status)
	assert.Equal(t, 1, opA.RetryCount)
	assert.Equal(t, StatusPending, opB.Status)
	assert.Zero(t, opB.RetryCount, "release does not count as a failure")
}

func TestNew_ResumesInProgressEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	first := newTestQueue(t, store, testBase)

	id, err := first.Enqueue(ctx, "farmers", KindInsert, map[string]any{"firstName": "Juan"}, "")
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, "crops", KindDelete, nil, "9")
	require.NoError(t, err)
	require.NoError(t, first.Claim(ctx, id))

	// Simulate a crash: a new queue reads whatever was persisted.
	second := newTestQueue(t, store, testBase)
	ops := second.List()
	require.Len(t, ops, 2)
	assert.Equal(t, StatusPending, ops[0].Status)
	assert.Equal(t, id, ops[0].ID)
	assert.Equal(t, "9", ops[1].RecordID)
}

func TestNew_CorruptStateIsAnError(t *testing.T) {
	t.Parallel()

	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "custom", "{not json"))

	_, err := New(context.Background(), store, "custom", testLogger(t))
	require.Error(t, err)
}

func TestPersistFailure_DegradesButKeepsMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	q := newTestQueue(t, store, testBase)

	store.FailWrites(errors.New("quota exceeded"))

	id, err := q.Enqueue(ctx, "farmers", KindInsert, map[string]any{"firstName": "Ana"}, "")
	require.NoError(t, err, "persistence failure is not fatal")
	assert.True(t, q.Degraded())

	_, ok := q.Get(id)
	assert.True(t, ok)

	store.FailWrites(nil)
	require.NoError(t, q.Remove(ctx, id))
	assert.False(t, q.Degraded())
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	k, err := ParseKind("delete")
	require.NoError(t, err)
	assert.Equal(t, KindDelete, k)
	assert.True(t, k.RequiresRecordID())
	assert.False(t, KindInsert.RequiresRecordID())

	_, err = ParseKind("truncate")
	assert.ErrorIs(t, err, ErrInvalidKind)
}
