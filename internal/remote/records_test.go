package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_SendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/farmers", r.URL.Path)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ana", body["name"])
		assert.Equal(t, "key-1", body["client_op_id"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"f-1","name":"Ana"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) { cfg.IdempotencyField = "client_op_id" })
	payload := map[string]any{"name": "Ana"}

	rec, err := c.Create(WithIdempotencyKey(context.Background(), "key-1"), "farmers", payload)
	require.NoError(t, err)
	assert.Equal(t, "f-1", rec["id"])
	assert.NotContains(t, payload, "client_op_id", "caller payload must not be mutated")
}

func TestCreate_UniqueViolationIsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Create(context.Background(), "farmers", map[string]any{"name": "Ana"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateByID_VersionPrecondition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.f-1", r.URL.Query().Get("id"))
		assert.Equal(t, "eq.2026-01-01T00:00:00Z", r.URL.Query().Get("updated_at"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"Ana B"}`, string(body), "version field moves from body to filter")

		_, _ = w.Write([]byte(`[{"id":"f-1","name":"Ana B"}]`))
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv.URL).UpdateByID(context.Background(), "farmers", "f-1",
		map[string]any{"name": "Ana B", "updated_at": "2026-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "Ana B", rec["name"])
}

func TestUpdateByID_StaleVersionIsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			_, _ = w.Write([]byte(`[]`))
		case http.MethodGet:
			assert.Equal(t, "eq.f-1", r.URL.Query().Get("id"))
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[{"id":"f-1","updated_at":"2026-02-01T00:00:00Z"}]`))
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).UpdateByID(context.Background(), "farmers", "f-1",
		map[string]any{"name": "x", "updated_at": "2026-01-01T00:00:00Z"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateByID_MissingRowIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.UpdateByID(context.Background(), "farmers", "gone",
		map[string]any{"name": "x", "updated_at": "2026-01-01T00:00:00Z"})
	require.ErrorIs(t, err, ErrNotFound)

	// Unconditional (forced) update of a missing row.
	_, err = c.UpdateByID(context.Background(), "farmers", "gone", map[string]any{"name": "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByID(t *testing.T) {
	rows := `[{"id":"f-1"}]`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "eq.f-1", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(rows))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.DeleteByID(context.Background(), "farmers", "f-1"))

	rows = `[]`
	require.ErrorIs(t, c.DeleteByID(context.Background(), "farmers", "f-1"), ErrNotFound)
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_op_id") == "eq.known" {
			_, _ = w.Write([]byte(`[{"id":"f-9"}]`))
			return
		}

		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	rec, err := c.Lookup(context.Background(), "farmers", "client_op_id", "known")
	require.NoError(t, err)
	assert.Equal(t, "f-9", rec["id"])

	_, err = c.Lookup(context.Background(), "farmers", "client_op_id", "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionPathEscapes(t *testing.T) {
	assert.Equal(t, "/crop%20logs", collectionPath("crop logs"))
}
