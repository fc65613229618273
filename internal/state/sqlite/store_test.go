package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/redact"
	"github.com/fieldworks/skillrun/internal/state"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "skillrun.db"))
	require.NoError(t, err)
	s := NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutContextCAS(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetContext(ctx, "job-1")
	assert.ErrorIs(t, err, state.ErrNotFound)

	c := model.Context{CorrelationID: "job-1", CurrentTurn: 1, TaskState: model.StatePending}
	v, err := s.PutContext(ctx, c, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Creating again with expected version 0 loses the race.
	_, err = s.PutContext(ctx, c, 0)
	assert.ErrorIs(t, err, state.ErrVersionConflict)

	got, err := s.GetContext(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ContextVersion)
	assert.Equal(t, model.StatePending, got.TaskState)

	got.TaskState = model.StateInProgress
	got.CurrentTurn = 2
	v, err = s.PutContext(ctx, got, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A writer holding the stale version must fail.
	_, err = s.PutContext(ctx, got, 1)
	assert.ErrorIs(t, err, state.ErrVersionConflict)

	// Version monotonicity across successive reads.
	reread, err := s.GetContext(ctx, "job-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reread.ContextVersion, got.ContextVersion)
}

func TestPutContextInputRequestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	c := model.Context{
		CorrelationID: "job-2",
		CurrentTurn:   1,
		TaskState:     model.StateInputRequired,
		InputRequestPayload: &model.InputRequest{
			MissingFields: []string{"parsed_sections", "source_type"},
			Prompt:        "supply the parsed sections",
		},
	}
	_, err := s.PutContext(ctx, c, 0)
	require.NoError(t, err)

	got, err := s.GetContext(ctx, "job-2")
	require.NoError(t, err)
	require.NotNil(t, got.InputRequestPayload)
	assert.Equal(t, []string{"parsed_sections", "source_type"}, got.InputRequestPayload.MissingFields)
}

func TestAppendEventTrims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	for i := 0; i < model.MaxEvents+20; i++ {
		err := s.AppendEvent(ctx, model.Event{
			CorrelationID: "job-3",
			EventType:     "turn_completed",
			Payload:       map[string]any{"seq": i},
			TurnNumber:    1,
		})
		require.NoError(t, err)
	}

	events, err := s.Events(ctx, "job-3")
	require.NoError(t, err)
	require.Len(t, events, model.MaxEvents)
	// The retained window is the most recent.
	assert.EqualValues(t, 20, events[0].Payload["seq"])
	assert.EqualValues(t, model.MaxEvents+19, events[len(events)-1].Payload["seq"])
}

func TestRecordMessageDedupe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.RecordMessage(ctx, "job-4", "msg-1"))
	assert.ErrorIs(t, s.RecordMessage(ctx, "job-4", "msg-1"), state.ErrDuplicateMessage)
	// Same message id under a different correlation is distinct.
	assert.NoError(t, s.RecordMessage(ctx, "job-5", "msg-1"))
}

func TestFactCapAndTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	for i := 0; i < model.MaxFactsPerBucket+10; i++ {
		err := s.PutFact(ctx, "job-6", "schema", fmt.Sprintf("field-%03d", i),
			map[string]any{"i": i}, 0)
		require.NoError(t, err)
	}
	facts, err := s.GetFacts(ctx, "job-6", "schema")
	require.NoError(t, err)
	assert.Len(t, facts, model.MaxFactsPerBucket)

	// Upsert replaces rather than duplicating.
	require.NoError(t, s.PutFact(ctx, "job-6", "notes", "k", map[string]any{"v": 1}, 0))
	require.NoError(t, s.PutFact(ctx, "job-6", "notes", "k", map[string]any{"v": 2}, 0))
	facts, err = s.GetFacts(ctx, "job-6", "notes")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.EqualValues(t, 2, facts[0].Value["v"])

	// An already-expired fact is filtered on read.
	require.NoError(t, s.PutFact(ctx, "job-6", "ttl", "gone", map[string]any{"v": 1}, -1))
	require.NoError(t, s.PutFact(ctx, "job-6", "ttl", "kept", map[string]any{"v": 2}, 3600))
	facts, err = s.GetFacts(ctx, "job-6", "ttl")
	require.NoError(t, err)
	require.Len(t, facts, 2) // ttl<=0 means no expiry

	keys := []string{facts[0].Key, facts[1].Key}
	assert.Contains(t, keys, "gone")
	assert.Contains(t, keys, "kept")
}

func TestResultsRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetResult(ctx, "job-7", "msg-1")
	assert.ErrorIs(t, err, state.ErrNotFound)

	resp := model.AgentResponse{
		State:   model.StateCompleted,
		Outputs: map[string]any{"normalized": "mynode"},
	}
	require.NoError(t, s.PutResult(ctx, "job-7", "msg-1", resp))

	got, err := s.GetResult(ctx, "job-7", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)
	assert.Equal(t, "mynode", got.Outputs["normalized"])
}

func TestRedactionOnWritePath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := state.WithRedaction(openStore(t), redact.New())

	err := s.AppendEvent(ctx, model.Event{
		CorrelationID: "job-8",
		EventType:     "skill_invoked",
		Payload:       map[string]any{"api_key": "sk-secret", "name": "mynode"},
	})
	require.NoError(t, err)

	events, err := s.Events(ctx, "job-8")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, redact.Placeholder, events[0].Payload["api_key"])
	assert.Equal(t, "mynode", events[0].Payload["name"])

	require.NoError(t, s.PutFact(ctx, "job-8", "creds", "k", map[string]any{"password": "x"}, 0))
	facts, err := s.GetFacts(ctx, "job-8", "creds")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, redact.Placeholder, facts[0].Value["password"])
}
