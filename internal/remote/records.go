package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
)

// Record is one row as returned by the backend.
type Record map[string]any

type idempotencyKeyCtx struct{}

// WithIdempotencyKey returns a context that makes Create send key as the
// Idempotency-Key header (and, when configured, store it in the
// idempotency column) so a replayed insert is detectable.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey, or "".
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// IdempotencyField returns the column the client stores insert idempotency
// keys in, or "" when the backend has none.
func (c *Client) IdempotencyField() string {
	return c.idempotencyField
}

// Create inserts payload into collection and returns the stored row.
func (c *Client) Create(ctx context.Context, collection string, payload map[string]any) (Record, error) {
	body := maps.Clone(payload)
	if body == nil {
		body = map[string]any{}
	}

	headers := http.Header{}
	headers.Set("Prefer", "return=representation")

	if key := IdempotencyKeyFrom(ctx); key != "" {
		headers.Set("Idempotency-Key", key)

		if c.idempotencyField != "" {
			body[c.idempotencyField] = key
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("remote: encoding %s payload: %w", collection, err)
	}

	rows, err := c.doRows(ctx, &request{
		method:  http.MethodPost,
		path:    collectionPath(collection),
		body:    raw,
		headers: headers,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("record created", slog.String("collection", collection))

	if len(rows) == 0 {
		return Record{}, nil
	}

	return rows[0], nil
}

// UpdateByID patches the row whose id column equals id. When a version field
// is configured and payload carries it, the update only matches a row still
// at that version; a row that exists at a different version yields
// ErrConflict, a missing row yields ErrNotFound.
func (c *Client) UpdateByID(ctx context.Context, collection, id string, payload map[string]any) (Record, error) {
	body := maps.Clone(payload)
	if body == nil {
		body = map[string]any{}
	}

	query := url.Values{}
	query.Set(c.idColumn, "eq."+id)

	conditional := false

	if c.versionField != "" {
		if v, ok := body[c.versionField]; ok && v != nil {
			query.Set(c.versionField, "eq."+fmt.Sprint(v))
			delete(body, c.versionField)

			conditional = true
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("remote: encoding %s payload: %w", collection, err)
	}

	headers := http.Header{}
	headers.Set("Prefer", "return=representation")

	rows, err := c.doRows(ctx, &request{
		method:  http.MethodPatch,
		path:    collectionPath(collection),
		query:   query,
		body:    raw,
		headers: headers,
	})
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		return rows[0], nil
	}

	// Zero rows matched. Tell a stale version apart from a vanished row.
	if !conditional {
		return nil, &Error{StatusCode: http.StatusNotFound, Message: collection + "/" + id + " matched no rows", Err: ErrNotFound}
	}

	_, lookupErr := c.Lookup(ctx, collection, c.idColumn, id)
	switch {
	case lookupErr == nil:
		return nil, &Error{
			StatusCode: http.StatusPreconditionFailed,
			Message:    collection + "/" + id + " was modified on the server",
			Err:        ErrConflict,
		}
	case errors.Is(lookupErr, ErrNotFound):
		return nil, &Error{StatusCode: http.StatusNotFound, Message: collection + "/" + id + " does not exist", Err: ErrNotFound}
	default:
		return nil, lookupErr
	}
}

// DeleteByID removes the row whose id column equals id. A row that does not
// exist yields ErrNotFound.
func (c *Client) DeleteByID(ctx context.Context, collection, id string) error {
	query := url.Values{}
	query.Set(c.idColumn, "eq."+id)

	headers := http.Header{}
	headers.Set("Prefer", "return=representation")

	rows, err := c.doRows(ctx, &request{
		method:  http.MethodDelete,
		path:    collectionPath(collection),
		query:   query,
		headers: headers,
	})
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		return &Error{StatusCode: http.StatusNotFound, Message: collection + "/" + id + " does not exist", Err: ErrNotFound}
	}

	return nil
}

// Lookup returns the first row of collection whose field equals value.
func (c *Client) Lookup(ctx context.Context, collection, field, value string) (Record, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set(field, "eq."+value)
	query.Set("limit", "1")

	rows, err := c.doRows(ctx, &request{
		method: http.MethodGet,
		path:   collectionPath(collection),
		query:  query,
	})
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, &Error{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("no %s row with %s=%s", collection, field, value),
			Err:        ErrNotFound,
		}
	}

	return rows[0], nil
}

// doRows executes r and decodes a JSON array of rows. An empty body decodes
// to no rows.
func (c *Client) doRows(ctx context.Context, r *request) ([]Record, error) {
	resp, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: reading %s %s response: %w", r.method, r.path, err)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var rows []Record
	if err := json.Unmarshal(raw, &rows); err != nil {
		// Single-object representation (Accept: application/vnd.pgrst.object).
		var row Record
		if objErr := json.Unmarshal(raw, &row); objErr != nil {
			return nil, fmt.Errorf("remote: decoding %s %s response: %w", r.method, r.path, err)
		}

		return []Record{row}, nil
	}

	return rows, nil
}

func collectionPath(collection string) string {
	return "/" + url.PathEscape(collection)
}
