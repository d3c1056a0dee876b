// Package sync drains the operation queue against the remote backend. It
// classifies each failure as transient (retried with backoff), conflict
// (surfaced for resolution), or fatal (left failed), and publishes status
// and conflict events to registered listeners.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/tonimelisma/farmsync/internal/queue"
	"github.com/tonimelisma/farmsync/internal/remote"
)

// Backend is the remote capability the engine drains against. Satisfied by
// *remote.Client. Errors should wrap the remote package sentinels so they
// can be classified.
type Backend interface {
	Create(ctx context.Context, collection string, payload map[string]any) (remote.Record, error)
	UpdateByID(ctx context.Context, collection, id string, payload map[string]any) (remote.Record, error)
	DeleteByID(ctx context.Context, collection, id string) error
	Lookup(ctx context.Context, collection, field, value string) (remote.Record, error)
}

// Errors returned by the engine API.
var (
	ErrConflictNotFound   = errors.New("sync: conflict not found")
	ErrInvalidResolution  = errors.New("sync: resolution must be server, client, or merge")
	ErrMergeNeedsPayload  = errors.New("sync: merge resolution requires a merged payload")
	ErrAlreadyRunning     = errors.New("sync: engine is already running")
	errPanicInDispatch    = errors.New("sync: panic during remote call")
	errPanicInFailure     = errors.New("sync: panic while handling failure")
	errNoRecordIDOnUpdate = errors.New("sync: update has no record id")
)

// Status is a point-in-time view of the engine, derived from queue contents
// and connectivity.
type Status struct {
	Online     bool      `json:"online"`
	Syncing    bool      `json:"syncing"`
	LastSync   time.Time `json:"last_sync,omitzero"`
	Pending    int       `json:"pending"`
	InProgress int       `json:"in_progress"`
	Failed     int       `json:"failed"`
	Conflicts  int       `json:"conflicts"`
	Degraded   bool      `json:"degraded,omitempty"`
}

// Conflict is a queued operation the server rejected because the record
// changed since the operation was formed. ServerPayload is nil when the record
// no longer exists on the server.
type Conflict struct {
	OpID          string         `json:"op_id"`
	Collection    string         `json:"collection"`
	Kind          queue.Kind     `json:"kind"`
	RecordID      string         `json:"record_id,omitempty"`
	LocalPayload  map[string]any `json:"local_payload"`
	ServerPayload map[string]any `json:"server_payload"`
	Error         string         `json:"error"`
	DetectedAt    time.Time      `json:"detected_at"`
}

// Resolution selects how a conflict is settled.
type Resolution string

// Conflict resolutions.
const (
	ResolveServer Resolution = "server" // keep the server record, drop the local change
	ResolveClient Resolution = "client" // overwrite with the local payload
	ResolveMerge  Resolution = "merge"  // overwrite with a caller-supplied merged payload
)

// ParseResolution converts user input to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolveServer, ResolveClient, ResolveMerge:
		return Resolution(s), nil
	default:
		return "", ErrInvalidResolution
	}
}

// Outcome is what happened to one operation during a drain pass.
type Outcome string

// Drain outcomes.
const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeRetry       Outcome = "retry"    // transient failure, back to pending
	OutcomeFailed      Outcome = "failed"   // fatal, or retry bound reached
	OutcomeConflict    Outcome = "conflict" // converted to a Conflict
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeSkipped     Outcome = "skipped" // vanished or changed state before claim
)

// OpResult records the outcome of one operation in a drain pass.
type OpResult struct {
	OpID       string  `json:"op_id"`
	Collection string  `json:"collection"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// DrainReport summarizes a single drain pass.
type DrainReport struct {
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Duration   time.Duration `json:"duration"`

	Attempted   int  `json:"attempted"`
	Completed   int  `json:"completed"`
	Retried     int  `json:"retried"`
	Failed      int  `json:"failed"`
	Conflicts   int  `json:"conflicts"`
	Waiting     int  `json:"waiting"`  // pending but inside their backoff window
	Deferred    int  `json:"deferred"` // held behind an earlier operation on the same record
	Interrupted bool `json:"interrupted,omitempty"`

	Results []OpResult `json:"results,omitempty"`
}

// Clean reports whether the pass left nothing behind: every attempted
// operation completed and none was waiting or held back.
func (r *DrainReport) Clean() bool {
	return !r.Skipped && !r.Interrupted && r.Retried == 0 && r.Failed == 0 && r.Conflicts == 0 &&
		r.Waiting == 0 && r.Deferred == 0
}

func (r *DrainReport) add(res OpResult) {
	r.Results = append(r.Results, res)

	switch res.Outcome {
	case OutcomeCompleted:
		r.Attempted++
		r.Completed++
	case OutcomeRetry:
		r.Attempted++
		r.Retried++
	case OutcomeFailed:
		r.Attempted++
		r.Failed++
	case OutcomeConflict:
		r.Attempted++
		r.Conflicts++
	case OutcomeInterrupted:
		r.Interrupted = true
	case OutcomeSkipped:
	}
}

// Skip reasons.
const (
	skipAlreadyDraining = "already draining"
	skipOffline         = "offline"
	skipNoBackend       = "no backend configured"
	skipScheduled       = "scheduled"
)
