// Package queue implements the durable operation queue: an ordered list of
// pending create/update/delete intents against named remote collections,
// persisted as JSON in a kvstore.Store and reloaded on construction.
//
// Lifecycle of an operation:
//
//	Enqueue → Claim → Remove (completed) | RecordFailure | MarkFailed
//
// RecordFailure returns the operation to pending with a next-attempt time
// until the retry bound is exceeded, after which it stays failed until
// Retry or Clear. Enqueuing a second operation for the same
// (collection, record id, kind) supersedes the first.
package queue

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Kind is the mutation intent an operation carries.
type Kind string

// Operation kinds.
const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ParseKind converts user input to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindInsert, KindUpdate, KindDelete:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// RequiresRecordID reports whether operations of this kind must name the
// record they mutate.
func (k Kind) RequiresRecordID() bool {
	return k == KindUpdate || k == KindDelete
}

// Status is the lifecycle status of a queued operation. Completed operations
// are removed from the queue, so StatusCompleted only appears in reports.
type Status string

// Operation statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Validation and lookup errors.
var (
	ErrMissingRecordID = errors.New("queue: update and delete operations require a record id")
	ErrInvalidKind     = errors.New("queue: invalid operation kind")
	ErrEmptyCollection = errors.New("queue: collection name is required")
	ErrNotFound        = errors.New("queue: operation not found")
	ErrInvalidState    = errors.New("queue: operation is not in the required state")
)

// Operation is one buffered mutation intent. Timestamps are Unix nanoseconds.
type Operation struct {
	ID             string         `json:"id"`
	Collection     string         `json:"collection"`
	Kind           Kind           `json:"kind"`
	Payload        map[string]any `json:"payload,omitempty"`
	RecordID       string         `json:"record_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Force          bool           `json:"force,omitempty"`
	Status         Status         `json:"status"`
	RetryCount     int            `json:"retry_count"`
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  int64          `json:"next_attempt_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Ready reports whether a pending operation may be attempted at now.
func (op *Operation) Ready(now time.Time) bool {
	return op.Status == StatusPending && op.NextAttemptAt <= now.UnixNano()
}

// clone returns a copy whose payload map is not shared with op. Nested
// values are shared; payloads are treated as immutable once enqueued.
func (op *Operation) clone() Operation {
	c := *op
	c.Payload = maps.Clone(op.Payload)

	return c
}

// Counts aggregates queue contents by status.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}

// EnqueueOptions carries the less common enqueue inputs.
type EnqueueOptions struct {
	// Force marks the remote write as unconditional (no optimistic
	// concurrency precondition). Set by conflict resolution.
	Force bool
}
