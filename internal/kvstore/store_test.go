package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
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

func newTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	s, err := OpenSQLite(context.Background(), path, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// exerciseStore runs the shared contract against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "sync_queue", `[]`))

	v, err := s.Get(ctx, "sync_queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, v)

	require.NoError(t, s.Set(ctx, "sync_queue", `[{"id":"a"}]`))

	v, err = s.Get(ctx, "sync_queue")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, v)

	require.NoError(t, s.Delete(ctx, "sync_queue"))
	require.NoError(t, s.Delete(ctx, "sync_queue"), "deleting twice is not an error")

	_, err = s.Get(ctx, "sync_queue")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Contract(t *testing.T) {
	t.Parallel()

	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore_Contract(t *testing.T) {
	t.Parallel()

	exerciseStore(t, newTestSQLite(t, filepath.Join(t.TempDir(), "state.db")))
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	first, err := OpenSQLite(ctx, path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "sync_last_success", "2026-01-02T03:04:05Z"))
	require.NoError(t, first.Close())

	second := newTestSQLite(t, path)

	v, err := second.Get(ctx, "sync_last_success")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", v)
}

func TestSQLiteStore_SchemaVersion(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t, filepath.Join(t.TempDir(), "state.db"))
	assert.Equal(t, int64(1), s.SchemaVersion())
}

func TestSQLiteStore_RefusesNewerSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(ctx, path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a later build having migrated the same file.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO goose_db_version (version_id, is_applied) VALUES (99, 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenSQLite(ctx, path, testLogger(t))
	require.ErrorIs(t, err, ErrSchemaTooNew)
	assert.Contains(t, err.Error(), "version 99")
}

func TestMemoryStore_FailWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", "v1"))

	quota := errors.New("quota exceeded")
	s.FailWrites(quota)

	assert.ErrorIs(t, s.Set(ctx, "k", "v2"), quota)
	assert.ErrorIs(t, s.Delete(ctx, "k"), quota)

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "failed writes leave the previous value intact")

	s.FailWrites(nil)
	require.NoError(t, s.Set(ctx, "k", "v3"))
}

func TestReadOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", "v1"))

	ro := ReadOnly(s)

	v, err := ro.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	assert.ErrorIs(t, ro.Set(ctx, "k", "v2"), ErrReadOnly)
	assert.ErrorIs(t, ro.Delete(ctx, "k"), ErrReadOnly)

	_, err = ro.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}
