package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatePredicates(t *testing.T) {
	t.Parallel()

	terminal := []TaskState{StateCompleted, StateFailed, StateTimeout, StateBlocked, StateEscalated}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s", s)
		assert.False(t, s.Resumable(), "state %s", s)
	}

	resumable := []TaskState{StateInputRequired, StateDelegating, StatePaused}
	for _, s := range resumable {
		assert.True(t, s.Resumable(), "state %s", s)
		assert.False(t, s.Terminal(), "state %s", s)
	}

	assert.False(t, StatePending.Terminal())
	assert.False(t, StateInProgress.Resumable())
	assert.False(t, TaskState("bogus").Valid())
}

func TestAssumptionRatio(t *testing.T) {
	t.Parallel()

	m := TraceMap{TraceEntries: []TraceEntry{
		{FieldPath: "a", Source: SourceCode},
		{FieldPath: "b", Source: SourceAssumption},
		{FieldPath: "c", Source: SourceAPIDocs},
		{FieldPath: "d", Source: SourceAssumption},
	}}
	assert.InDelta(t, 0.5, m.AssumptionRatio(), 1e-9)
	assert.Zero(t, TraceMap{}.AssumptionRatio())
}

func TestFactExpired(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Fact{}.Expired(now))
	assert.True(t, Fact{ExpiresAt: &past}.Expired(now))
	assert.False(t, Fact{ExpiresAt: &future}.Expired(now))
}
