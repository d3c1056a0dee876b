// Package kvstore provides the local key/value string store that backs the
// offline operation queue. Values survive process restarts when the SQLite
// implementation is used; the in-memory implementation is for tests and
// ephemeral sessions.
package kvstore

import (
	"context"
	"errors"
	stdsync "sync"
)

// ErrNotFound is returned by Get when the key has never been written or has
// been deleted.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a flat string-to-string store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   stdsync.RWMutex
	data map[string]string

	// failWrites makes Set and Delete return an error, for exercising the
	// degraded persistence path.
	failWrites error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get returns the value for key or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}

	return v, nil
}

// Set stores value under key, replacing any previous value.
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}

	m.data[key] = value

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}

	delete(m.data, key)

	return nil
}

// FailWrites makes every subsequent Set and Delete return err. Pass nil to
// restore normal behavior.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failWrites = err
}

// ErrReadOnly is returned by writes through a store wrapped with ReadOnly.
var ErrReadOnly = errors.New("kvstore: store is read-only")

// ReadOnly wraps s so reads pass through and writes fail with ErrReadOnly.
// Commands that inspect state owned by a running daemon use it so they can
// never overwrite the daemon's writes.
func ReadOnly(s Store) Store {
	return readOnly{s: s}
}

type readOnly struct {
	s Store
}

func (r readOnly) Get(ctx context.Context, key string) (string, error) {
	return r.s.Get(ctx, key)
}

func (readOnly) Set(context.Context, string, string) error { return ErrReadOnly }

func (readOnly) Delete(context.Context, string) error { return ErrReadOnly }
