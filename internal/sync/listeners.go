package sync

import (
	"log/slog"
	stdsync "sync"
)

// registry holds listener callbacks in subscription order. notify invokes
// them without holding the registry lock, so a listener may subscribe,
// unsubscribe, or call back into the engine.
type registry[T any] struct {
	mu      stdsync.Mutex
	nextID  uint64
	entries []listener[T]
	name    string
	logger  *slog.Logger
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func newRegistry[T any](name string, logger *slog.Logger) *registry[T] {
	return &registry[T]{name: name, logger: logger}
}

// add registers fn and returns its disposer. Calling the disposer more than
// once is a no-op.
func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once stdsync.Once

	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

func (r *registry[T]) notify(v T) {
	r.mu.Lock()
	fns := make([]func(T), len(r.entries))

	for i := range r.entries {
		fns[i] = r.entries[i].fn
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.safeCall(fn, v)
	}
}

// safeCall runs one listener, recovering a panic so a faulty listener can't
// take down a drain pass.
func (r *registry[T]) safeCall(fn func(T), v T) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sync: panic in listener",
				slog.String("listener", r.name),
				slog.Any("panic", p),
			)
		}
	}()

	fn(v)
}
