// Package state defines the durable store for correlation contexts, the
// append-only event log, and keyed pocket facts. Backends implement Store;
// the embedded sqlite backend serves development and the postgres backend
// serves multi-worker production.
package state

import (
	"context"
	"errors"

	"github.com/fieldworks/skillrun/internal/model"
)

// Sentinel errors surfaced by every backend.
var (
	// ErrVersionConflict is returned by PutContext when the expected version
	// no longer matches; the caller must reload and retry.
	ErrVersionConflict = errors.New("context version conflict")
	// ErrDuplicateMessage is returned by RecordMessage when the
	// (correlation_id, message_id) pair was already recorded.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrNotFound is returned when a correlation context does not exist.
	ErrNotFound = errors.New("context not found")
	// ErrBackendUnavailable wraps transient backend failures; retryable.
	ErrBackendUnavailable = errors.New("state backend unavailable")
)

// FactBucketInputs holds partial inputs stashed by paused turns. The executor
// writes it on input_required and the adapter merges it back on resume.
const FactBucketInputs = "inputs"

// Store is the persistence contract for the runtime. Contexts are never
// deleted; events are trimmed at insert; facts are capped per bucket and
// filtered for expiry on read.
type Store interface {
	// GetContext returns the context for a correlation id, or ErrNotFound.
	GetContext(ctx context.Context, correlationID string) (model.Context, error)

	// PutContext writes the context iff its stored version equals
	// expectedVersion, returning the new version. A missing row is created
	// when expectedVersion is 0. Returns ErrVersionConflict on a lost race.
	PutContext(ctx context.Context, c model.Context, expectedVersion int64) (int64, error)

	// AppendEvent appends one event and trims the correlation's log to
	// model.MaxEvents most-recent entries.
	AppendEvent(ctx context.Context, e model.Event) error

	// Events returns the retained events for a correlation id, oldest first.
	Events(ctx context.Context, correlationID string) ([]model.Event, error)

	// RecordMessage registers a message id for dedupe, returning
	// ErrDuplicateMessage if the pair already exists.
	RecordMessage(ctx context.Context, correlationID, messageID string) error

	// PutFact upserts a pocket fact, enforcing the per-bucket cap by evicting
	// the oldest entries. ttlSeconds <= 0 means no expiry.
	PutFact(ctx context.Context, correlationID, bucket, key string, value map[string]any, ttlSeconds int) error

	// GetFacts returns non-expired facts for a bucket and opportunistically
	// garbage-collects expired rows.
	GetFacts(ctx context.Context, correlationID, bucket string) ([]model.Fact, error)

	// PutResult persists the response associated with a message id so a
	// dedupe replay can return it byte-identically.
	PutResult(ctx context.Context, correlationID, messageID string, response model.AgentResponse) error

	// GetResult returns the persisted response for a message id, or
	// ErrNotFound.
	GetResult(ctx context.Context, correlationID, messageID string) (model.AgentResponse, error)

	// Close releases backend resources.
	Close() error
}
