// Package inbox lets other processes enqueue operations into a running
// daemon. A producer drops a JSON file into the inbox directory; the watcher
// claims it by renaming it with an .ingesting suffix, enqueues it, and
// deletes it. A claimed file is never ingested again, so a failed delete
// cannot enqueue the same drop twice. Files that can never be enqueued are
// renamed with a .rejected suffix and left for inspection.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tonimelisma/farmsync/internal/queue"
)

const (
	dropSuffix      = ".json"
	ingestingSuffix = ".ingesting"
	rejectedSuffix  = ".rejected"
	dirPerms       = 0o700
	filePerms      = 0o600

	defaultRescanInterval = time.Minute
	watchErrInitBackoff   = time.Second
	watchErrMaxBackoff    = 30 * time.Second
)

// Drop is the on-disk format of one inbox file.
type Drop struct {
	Collection string         `json:"collection"`
	Kind       queue.Kind     `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	RecordID   string         `json:"record_id,omitempty"`
}

// Enqueuer accepts operations. Satisfied by *sync.Engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, collection string, kind queue.Kind, payload map[string]any, recordID string) (string, error)
}

// Write atomically places d in dir and returns the file path. File names
// sort in write order, so a rescan preserves enqueue order.
func Write(dir string, d Drop) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("inbox: encoding drop: %w", err)
	}

	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return "", fmt.Errorf("inbox: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".drop-*.tmp")
	if err != nil {
		return "", fmt.Errorf("inbox: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("inbox: writing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("inbox: closing: %w", err)
	}

	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString(), dropSuffix)
	path := filepath.Join(dir, name)

	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("inbox: renaming: %w", err)
	}

	success = true

	return path, nil
}

// Watcher ingests drop files from one directory.
type Watcher struct {
	dir            string
	enq            Enqueuer
	logger         *slog.Logger
	rescanInterval time.Duration

	mu       stdsync.Mutex
	returned map[string]bool // drops put back after a failed enqueue; left for the rescan
}

// New creates a Watcher for dir.
func New(dir string, enq Enqueuer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:            dir,
		enq:            enq,
		logger:         logger,
		rescanInterval: defaultRescanInterval,
		returned:       make(map[string]bool),
	}
}

// Run ingests files already present, then every file that appears, until ctx
// is canceled. A periodic rescan catches files whose events were missed.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, dirPerms); err != nil {
		return fmt.Errorf("inbox: creating %s: %w", w.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("inbox: watching %s: %w", w.dir, err)
	}

	w.logger.Info("inbox: watching", slog.String("dir", w.dir))
	w.reportStranded()

	// Scan after the watch is registered so nothing slips between the two.
	w.Scan(ctx)

	rescan := time.NewTicker(w.rescanInterval)
	defer rescan.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if isDrop(ev.Name) && !w.takeReturned(ev.Name) {
					w.ingest(ctx, ev.Name)
				}
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("inbox: watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := sleepCtx(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff = min(errBackoff*2, watchErrMaxBackoff)

			// An overflow drops events; recover by scanning.
			w.Scan(ctx)

		case <-rescan.C:
			w.Scan(ctx)
		}
	}
}

// Scan ingests every drop file currently in the directory, oldest first, and
// returns how many were enqueued.
func (w *Watcher) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("inbox: listing directory", slog.String("dir", w.dir), slog.String("error", err.Error()))
		return 0
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.Type().IsRegular() && isDrop(e.Name()) {
			names = append(names, e.Name())
		}
	}

	slices.Sort(names)

	n := 0

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}

		if w.ingest(ctx, filepath.Join(w.dir, name)) {
			n++
		}
	}

	return n
}

// ingest enqueues one drop file. Returns true when an operation was enqueued.
func (w *Watcher) ingest(ctx context.Context, path string) bool {
	claimed := path + ingestingSuffix

	if err := os.Rename(path, claimed); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("inbox: claiming drop", slog.String("path", path), slog.String("error", err.Error()))
		}

		// Otherwise already taken by an earlier event.
		return false
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		w.logger.Warn("inbox: reading drop", slog.String("path", path), slog.String("error", err.Error()))
		w.unclaim(claimed, path)

		return false
	}

	var d Drop
	if err := json.Unmarshal(data, &d); err != nil {
		w.reject(claimed, path, fmt.Errorf("decoding: %w", err))
		return false
	}

	id, err := w.enq.Enqueue(ctx, d.Collection, d.Kind, d.Payload, d.RecordID)
	if err != nil {
		if isValidationErr(err) {
			w.reject(claimed, path, err)
		} else {
			w.logger.Warn("inbox: enqueue failed, will retry on rescan",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			w.unclaim(claimed, path)
		}

		return false
	}

	if err := removeFile(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("inbox: removing ingested drop",
			slog.String("path", claimed),
			slog.String("error", err.Error()),
		)
	}

	w.takeReturned(path)

	w.logger.Info("inbox: drop enqueued",
		slog.String("file", filepath.Base(path)),
		slog.String("op_id", id),
		slog.String("collection", d.Collection),
		slog.String("kind", string(d.Kind)),
	)

	return true
}

// removeFile is os.Remove; replaced in tests.
var removeFile = os.Remove

// unclaim puts a drop that could not be enqueued back for the next rescan.
// The create event the rename triggers is ignored so a failing enqueue does
// not spin.
func (w *Watcher) unclaim(claimed, path string) {
	w.mu.Lock()
	w.returned[path] = true
	w.mu.Unlock()

	if err := os.Rename(claimed, path); err != nil {
		w.logger.Error("inbox: returning drop", slog.String("path", claimed), slog.String("error", err.Error()))
	}
}

// takeReturned reports whether path was just put back by unclaim, and
// forgets it.
func (w *Watcher) takeReturned(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.returned[path] {
		return false
	}

	delete(w.returned, path)

	return true
}

func (w *Watcher) reject(claimed, path string, cause error) {
	w.logger.Warn("inbox: rejecting drop",
		slog.String("path", path),
		slog.String("error", cause.Error()),
	)

	if err := os.Rename(claimed, path+rejectedSuffix); err != nil {
		w.logger.Error("inbox: renaming rejected drop", slog.String("path", claimed), slog.String("error", err.Error()))
	}
}

// reportStranded warns about drops claimed by an earlier run that stopped
// before finishing them. Whether they were enqueued is unknown, so they are
// left in place rather than ingested again.
func (w *Watcher) reportStranded() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if strings.HasSuffix(e.Name(), dropSuffix+ingestingSuffix) {
			w.logger.Warn("inbox: drop left mid-ingest by an earlier run, not re-ingesting",
				slog.String("path", filepath.Join(w.dir, e.Name())),
			)
		}
	}
}

func isDrop(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, dropSuffix) && !strings.HasPrefix(base, ".")
}

func isValidationErr(err error) bool {
	return errors.Is(err, queue.ErrEmptyCollection) ||
		errors.Is(err, queue.ErrInvalidKind) ||
		errors.Is(err, queue.ErrMissingRecordID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
