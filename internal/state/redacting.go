package state

import (
	"context"

	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/redact"
)

// redactingStore wraps a backend so every persisted payload passes through the
// redaction scrubber. Reads are untouched.
type redactingStore struct {
	Store
	scrubber *redact.Scrubber
}

// WithRedaction decorates a backend with write-path redaction.
func WithRedaction(inner Store, scrubber *redact.Scrubber) Store {
	return &redactingStore{Store: inner, scrubber: scrubber}
}

func (r *redactingStore) PutContext(ctx context.Context, c model.Context, expectedVersion int64) (int64, error) {
	if c.InputRequestPayload != nil {
		scrubbed := *c.InputRequestPayload
		scrubbed.Prompt, _ = r.scrubber.Scrub(scrubbed.Prompt).(string)
		scrubbed.Schema = r.scrubber.ScrubMap(scrubbed.Schema)
		c.InputRequestPayload = &scrubbed
	}
	c.Summary, _ = r.scrubber.Scrub(c.Summary).(string)
	return r.Store.PutContext(ctx, c, expectedVersion)
}

func (r *redactingStore) AppendEvent(ctx context.Context, e model.Event) error {
	e.Payload = r.scrubber.ScrubMap(e.Payload)
	return r.Store.AppendEvent(ctx, e)
}

func (r *redactingStore) PutFact(ctx context.Context, correlationID, bucket, key string, value map[string]any, ttlSeconds int) error {
	return r.Store.PutFact(ctx, correlationID, bucket, key, r.scrubber.ScrubMap(value), ttlSeconds)
}
