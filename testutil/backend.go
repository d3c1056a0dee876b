package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// Row is one record held by Backend.
type Row = map[string]any

// Backend is an in-memory collection store behind an httptest server. It
// answers HEAD / for reachability and POST, PATCH, DELETE and GET on
// /{collection} with eq. filters in the query string, returning rows as JSON
// arrays. Every write stamps updated_at with a fresh version.
type Backend struct {
	URL string

	srv     *httptest.Server
	offline atomic.Bool

	mu       stdsync.Mutex
	rows     map[string][]Row
	nextID   int
	version  int64
	requests []string
}

// NewBackend starts a Backend. Call Close when done.
func NewBackend() *Backend {
	b := &Backend{rows: make(map[string][]Row)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	b.URL = b.srv.URL

	return b
}

// Close shuts the server down.
func (b *Backend) Close() {
	b.srv.Close()
}

// SetOffline makes every request fail with 503 while true.
func (b *Backend) SetOffline(offline bool) {
	b.offline.Store(offline)
}

// Seed stores row in collection as if another client had written it, and
// returns the stored copy.
func (b *Backend) Seed(collection string, row Row) Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.stampLocked(copyRow(row))
	b.rows[collection] = append(b.rows[collection], stored)

	return copyRow(stored)
}

// Rows returns a copy of every row in collection.
func (b *Backend) Rows(collection string) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Row, 0, len(b.rows[collection]))
	for _, r := range b.rows[collection] {
		out = append(out, copyRow(r))
	}

	return out
}

// Requests returns "METHOD /path" for every request served so far.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.requests...)
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)
	b.mu.Unlock()

	if b.offline.Load() {
		http.Error(w, "backend offline", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodHead || r.URL.Path == "/" {
		w.WriteHeader(http.StatusOK)
		return
	}

	collection := strings.TrimPrefix(r.URL.Path, "/")
	filters := parseFilters(r)

	switch r.Method {
	case http.MethodGet:
		b.writeRows(w, http.StatusOK, b.match(collection, filters))
	case http.MethodPost:
		var row Row
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		b.writeRows(w, http.StatusCreated, []Row{b.Seed(collection, row)})
	case http.MethodPatch:
		var patch Row
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		b.writeRows(w, http.StatusOK, b.update(collection, filters, patch))
	case http.MethodDelete:
		b.writeRows(w, http.StatusOK, b.remove(collection, filters))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *Backend) writeRows(w http.ResponseWriter, status int, rows []Row) {
	if rows == nil {
		rows = []Row{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func (b *Backend) match(collection string, filters map[string]string) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Row

	for _, row := range b.rows[collection] {
		if matches(row, filters) {
			out = append(out, copyRow(row))
		}
	}

	return out
}

func (b *Backend) update(collection string, filters map[string]string, patch Row) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Row

	for _, row := range b.rows[collection] {
		if !matches(row, filters) {
			continue
		}

		for k, v := range patch {
			row[k] = v
		}

		b.stampLocked(row)
		out = append(out, copyRow(row))
	}

	return out
}

func (b *Backend) remove(collection string, filters map[string]string) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()

	var kept, removed []Row

	for _, row := range b.rows[collection] {
		if matches(row, filters) {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}

	b.rows[collection] = kept

	return removed
}

// stampLocked assigns an id when missing and a new updated_at version.
func (b *Backend) stampLocked(row Row) Row {
	if _, ok := row["id"]; !ok {
		b.nextID++
		row["id"] = strconv.Itoa(b.nextID)
	}

	b.version++
	row["updated_at"] = time.Unix(0, b.version).UTC().Format(time.RFC3339Nano)

	return row
}

// parseFilters extracts column=eq.value pairs, ignoring select and limit.
func parseFilters(r *http.Request) map[string]string {
	filters := make(map[string]string)

	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}

		if v, ok := strings.CutPrefix(values[0], "eq."); ok {
			filters[key] = v
		}
	}

	return filters
}

func matches(row Row, filters map[string]string) bool {
	for k, want := range filters {
		if fmt.Sprint(row[k]) != want {
			return false
		}
	}

	return true
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}
