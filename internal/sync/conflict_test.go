package sync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/farmsync/internal/queue"
	"github.com/tonimelisma/farmsync/internal/remote"
)

// raiseTestConflict drives one operation into a conflict and returns its id.
// The engine is left offline.
func raiseTestConflict(t *testing.T, env *testEnv, kind queue.Kind, payload map[string]any, recordID string) string {
	t.Helper()

	ctx := context.Background()
	env.backend.setFail(always(errConflict))

	id, err := env.engine.Enqueue(ctx, "crops", kind, payload, recordID)
	require.NoError(t, err)

	env.engine.SetOnline(ctx, true)
	env.engine.SetOnline(ctx, false)
	env.backend.setFail(nil)

	_, ok := env.queue.Get(id)
	require.False(t, ok, "conflicting operation must leave the queue")

	return id
}

func TestResolveConflict_ServerDiscardsWithoutWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	opID := raiseTestConflict(t, env, queue.KindUpdate, map[string]any{"status": "harvested"}, "3")
	writes := len(env.backend.Calls())

	newID, err := env.engine.ResolveConflict(ctx, opID, ResolveServer, nil)
	require.NoError(t, err)
	assert.Empty(t, newID)
	assert.Empty(t, env.engine.Conflicts())
	assert.Empty(t, env.engine.PendingOperations())

	env.engine.SetOnline(ctx, true)
	assert.Len(t, env.backend.Calls(), writes, "server resolution performs no write")
}

func TestResolveConflict_ClientRequeuesLocalPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	local := map[string]any{"status": "harvested", "updated_at": "2026-02-01T00:00:00Z"}
	opID := raiseTestConflict(t, env, queue.KindUpdate, local, "3")

	newID, err := env.engine.ResolveConflict(ctx, opID, ResolveClient, nil)
	require.NoError(t, err)

	op, ok := env.queue.Get(newID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPending, op.Status)
	assert.Equal(t, map[string]any{"status": "harvested"}, op.Payload)
	assert.Equal(t, "3", op.RecordID)
	assert.True(t, op.Force)
	assert.Zero(t, op.RetryCount)
}

func TestResolveConflict_ResolvingOnlineDrainsImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	opID := raiseTestConflict(t, env, queue.KindUpdate, map[string]any{"status": "harvested"}, "3")
	env.engine.SetOnline(ctx, true)

	_, err := env.engine.ResolveConflict(ctx, opID, ResolveClient, nil)
	require.NoError(t, err)

	assert.Empty(t, env.engine.PendingOperations())

	calls := env.backend.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "update", last.Method)
	assert.Equal(t, "3", last.ID)
}

func TestResolveConflict_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	opID := raiseTestConflict(t, env, queue.KindUpdate, map[string]any{"status": "harvested"}, "3")

	_, err := env.engine.ResolveConflict(ctx, opID, ResolveMerge, nil)
	require.ErrorIs(t, err, ErrMergeNeedsPayload)

	_, err = env.engine.ResolveConflict(ctx, opID, Resolution("mine"), nil)
	require.ErrorIs(t, err, ErrInvalidResolution)

	_, err = env.engine.ResolveConflict(ctx, "unknown", ResolveServer, nil)
	require.ErrorIs(t, err, ErrConflictNotFound)

	assert.Len(t, env.engine.Conflicts(), 1, "failed resolution attempts keep the conflict")
}

func TestResolvedWrite_KindMapping(t *testing.T) {
	t.Parallel()

	merged := map[string]any{"m": true}

	tests := []struct {
		name       string
		kind       queue.Kind
		recordID   string
		resolution Resolution
		wantKind   queue.Kind
		wantMerged bool
	}{
		{"update client", queue.KindUpdate, "1", ResolveClient, queue.KindUpdate, false},
		{"update merge", queue.KindUpdate, "1", ResolveMerge, queue.KindUpdate, true},
		{"delete client", queue.KindDelete, "1", ResolveClient, queue.KindDelete, false},
		{"delete merge", queue.KindDelete, "1", ResolveMerge, queue.KindUpdate, true},
		{"insert with record id", queue.KindInsert, "1", ResolveClient, queue.KindUpdate, false},
		{"insert without record id", queue.KindInsert, "", ResolveMerge, queue.KindInsert, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := Conflict{Kind: tt.kind, RecordID: tt.recordID, LocalPayload: map[string]any{"local": true}}
			kind, payload := resolvedWrite(&c, tt.resolution, merged)

			assert.Equal(t, tt.wantKind, kind)

			if tt.wantMerged {
				assert.Equal(t, merged, payload)
			} else {
				assert.Equal(t, map[string]any{"local": true}, payload)
			}
		})
	}
}

func TestConflicts_PersistAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	env.backend.rows["crops/id=3"] = remote.Record{"id": "3", "status": "growing"}
	opID := raiseTestConflict(t, env, queue.KindUpdate, map[string]any{"status": "harvested"}, "3")

	q, err := queue.New(ctx, env.store, "", testLogger(t))
	require.NoError(t, err)

	restarted, err := NewEngine(ctx, &EngineConfig{Queue: q, Store: env.store, Backend: env.backend, Logger: testLogger(t)})
	require.NoError(t, err)

	c, ok := restarted.CurrentConflict()
	require.True(t, ok)
	assert.Equal(t, opID, c.OpID)
	assert.Equal(t, "growing", c.ServerPayload["status"])
	assert.Equal(t, "harvested", c.LocalPayload["status"])
	assert.WithinDuration(t, env.clock.Now(), c.DetectedAt, time.Second)
	assert.Equal(t, 1, restarted.Status().Conflicts)
}

func TestNewEngine_CorruptConflictsIsAnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.Set(ctx, conflictsKey, "{broken"))

	_, err := NewEngine(ctx, &EngineConfig{Queue: env.queue, Store: env.store})
	require.ErrorContains(t, err, "decoding conflicts")
}

func TestConflict_FetchFailureLeavesServerPayloadNil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	env.backend.setFail(always(&remote.Error{StatusCode: http.StatusPreconditionFailed, Err: remote.ErrConflict}))
	env.engine.SetOnline(ctx, true)

	_, err := env.engine.Enqueue(ctx, "lands", queue.KindUpdate, map[string]any{"area": 3}, "l-1")
	require.NoError(t, err)

	c, ok := env.engine.CurrentConflict()
	require.True(t, ok)
	assert.Nil(t, c.ServerPayload)
	assert.Equal(t, 1, env.backend.lookups)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base, maxDelay := 30*time.Second, 15*time.Minute

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute},
		{60, 15 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.retry, base, maxDelay), "retry %d", tt.retry)
	}
}
