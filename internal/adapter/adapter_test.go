package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/executor"
	"github.com/fieldworks/skillrun/internal/gate"
	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/redact"
	"github.com/fieldworks/skillrun/internal/state"
	"github.com/fieldworks/skillrun/internal/state/sqlite"
)

func newAdapter(t *testing.T, skills executor.SkillSet, opts Options) (*Adapter, state.Store) {
	t.Helper()
	return newAdapterWith(t, skills, opts, func(s state.Store) state.Store { return s })
}

// newAdapterWith lets a test decorate the store shared by executor and
// adapter.
func newAdapterWith(t *testing.T, skills executor.SkillSet, opts Options, wrap func(state.Store) state.Store) (*Adapter, state.Store) {
	t.Helper()

	root := t.TempDir()
	contractsDir := filepath.Join(root, "contracts")
	require.NoError(t, os.MkdirAll(contractsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(contractsDir, "infer.yaml"), []byte(`
name: schema-infer
version: "1.0"
execution_mode: advisor_only
autonomy_level: suggest
timeout_seconds: 30
interaction_outcomes:
  allowed_intermediate_states: [input_required]
  max_turns: 8
  supports_resume: true
`), 0o644))

	registry, err := contract.Load(contractsDir)
	require.NoError(t, err)

	db, err := sqlite.Open(filepath.Join(root, "skillrun.db"))
	require.NoError(t, err)
	store := wrap(state.WithRedaction(sqlite.NewStore(db), redact.New()))
	t.Cleanup(func() { _ = store.Close() })

	exec := executor.New(registry, store, gate.NewSet(),
		artifact.NewWorkspace(filepath.Join(root, "artifacts")), skills, executor.Options{})
	return New(exec, store, registry, opts), store
}

// pausingSkill asks for parsed_sections on the first turn and completes once
// it is provided.
func pausingSkill() executor.Skill {
	return executor.SkillFunc(func(_ context.Context, req executor.Request) (executor.Response, error) {
		if _, ok := req.Inputs["parsed_sections"]; !ok {
			return executor.Response{InputRequest: &model.InputRequest{
				MissingFields: []string{"parsed_sections"},
			}}, nil
		}
		return executor.Response{Outputs: map[string]any{
			"sections": req.Inputs["parsed_sections"],
		}}, nil
	})
}

func TestInvokePauseAndResume(t *testing.T) {
	t.Parallel()

	a, store := newAdapter(t, executor.SkillSet{"schema-infer": pausingSkill()}, Options{})
	ctx := context.Background()

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-1", InvokeOptions{MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, model.StateInputRequired, resp.State)
	require.NotNil(t, resp.InputRequest)
	require.NotEmpty(t, resp.Metadata.ResumeToken)
	assert.Equal(t, "advisor_only", resp.Metadata.ExecutionMode)

	// Partial inputs remembered as pocket facts between turns.
	require.NoError(t, store.PutFact(ctx, "conv-1", DefaultFactBucket, "partial",
		map[string]any{"parsed_sections": map[string]any{"s": "v"}}, 0))

	resp, err = a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-1", InvokeOptions{
		MessageID:   "m2",
		ResumeToken: resp.Metadata.ResumeToken,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, resp.State)
	assert.Equal(t, map[string]any{"s": "v"}, resp.Outputs["sections"])
}

func TestInvokeCallerInputsWinOverFacts(t *testing.T) {
	t.Parallel()

	a, store := newAdapter(t, executor.SkillSet{"schema-infer": pausingSkill()}, Options{})
	ctx := context.Background()

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-2", InvokeOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StateInputRequired, resp.State)

	require.NoError(t, store.PutFact(ctx, "conv-2", DefaultFactBucket, "partial",
		map[string]any{"parsed_sections": "stale"}, 0))

	resp, err = a.Invoke(ctx, "schema-infer",
		map[string]any{"parsed_sections": "fresh"}, "conv-2",
		InvokeOptions{ResumeToken: resp.Metadata.ResumeToken})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, resp.State)
	assert.Equal(t, "fresh", resp.Outputs["sections"])
}

func TestInvokeStaleResumeTokenBlocked(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t, executor.SkillSet{"schema-infer": pausingSkill()}, Options{})
	ctx := context.Background()

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-3", InvokeOptions{})
	require.NoError(t, err)
	stale := resp.Metadata.ResumeToken
	require.NotEmpty(t, stale)

	// Advancing the context invalidates the issued token.
	resp, err = a.Invoke(ctx, "schema-infer",
		map[string]any{"parsed_sections": "x"}, "conv-3",
		InvokeOptions{ResumeToken: stale})
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, resp.State)

	resp, err = a.Invoke(ctx, "schema-infer", map[string]any{"parsed_sections": "y"},
		"conv-3", InvokeOptions{ResumeToken: stale})
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, resp.State)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, model.ErrKindStateConflict, resp.Errors[0].Kind)
	assert.Equal(t, "invalid_resume_token", resp.Errors[0].Subtype)
}

func TestInvokeTokenFromAnotherContextBlocked(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t, executor.SkillSet{"schema-infer": pausingSkill()}, Options{})
	ctx := context.Background()

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-4a", InvokeOptions{})
	require.NoError(t, err)
	token := resp.Metadata.ResumeToken

	resp, err = a.Invoke(ctx, "schema-infer", map[string]any{"parsed_sections": "x"},
		"conv-4b", InvokeOptions{ResumeToken: token})
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, resp.State)
}

func TestInvokeDuplicateMessageReplays(t *testing.T) {
	t.Parallel()

	calls := 0
	skill := executor.SkillFunc(func(_ context.Context, _ executor.Request) (executor.Response, error) {
		calls++
		return executor.Response{Outputs: map[string]any{"n": calls}}, nil
	})
	a, store := newAdapter(t, executor.SkillSet{"schema-infer": skill}, Options{})
	ctx := context.Background()

	first, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-5", InvokeOptions{MessageID: "m1"})
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, first.State)
	assert.False(t, first.Metadata.Replayed)

	second, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-5", InvokeOptions{MessageID: "m1"})
	require.NoError(t, err)
	assert.True(t, second.Metadata.Replayed)
	assert.Equal(t, 1, calls)

	// The replay is identical to the first delivery apart from the replayed
	// flag. The first delivery already carries the stored (decoded) form, so
	// output value types match too.
	second.Metadata.Replayed = false
	assert.Equal(t, first, second)
	assert.Equal(t, float64(1), first.Outputs["n"])

	// No second turn happened.
	events, err := store.Events(ctx, "conv-5")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	cctx, err := store.GetContext(ctx, "conv-5")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cctx.ContextVersion)
}

func TestInvokeResumeUsesStashedInputs(t *testing.T) {
	t.Parallel()

	skill := executor.SkillFunc(func(_ context.Context, req executor.Request) (executor.Response, error) {
		if _, ok := req.Inputs["parsed_sections"]; !ok {
			return executor.Response{InputRequest: &model.InputRequest{
				MissingFields: []string{"parsed_sections"},
			}}, nil
		}
		return executor.Response{Outputs: map[string]any{
			"sections": req.Inputs["parsed_sections"],
			"source":   req.Inputs["source_type"],
		}}, nil
	})
	a, store := newAdapter(t, executor.SkillSet{"schema-infer": skill}, Options{})
	ctx := context.Background()

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{"source_type": "api"},
		"conv-8", InvokeOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StateInputRequired, resp.State)

	// The pause stashed the partial inputs; the resume message only needs to
	// carry the missing field.
	facts, err := store.GetFacts(ctx, "conv-8", DefaultFactBucket)
	require.NoError(t, err)
	require.NotEmpty(t, facts)

	resp, err = a.Invoke(ctx, "schema-infer", map[string]any{"parsed_sections": "x"},
		"conv-8", InvokeOptions{ResumeToken: resp.Metadata.ResumeToken})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, resp.State)
	assert.Equal(t, "x", resp.Outputs["sections"])
	assert.Equal(t, "api", resp.Outputs["source"])
}

// countingStore tracks context reads hitting the backing store.
type countingStore struct {
	state.Store
	contextReads int
}

func (s *countingStore) GetContext(ctx context.Context, correlationID string) (model.Context, error) {
	s.contextReads++
	return s.Store.GetContext(ctx, correlationID)
}

func TestInvokeFailedTurnServesCachedContext(t *testing.T) {
	t.Parallel()

	skill := executor.SkillFunc(func(_ context.Context, _ executor.Request) (executor.Response, error) {
		return executor.Response{}, errors.New("flaky dependency")
	})
	var counting *countingStore
	a, _ := newAdapterWith(t, executor.SkillSet{"schema-infer": skill}, Options{},
		func(s state.Store) state.Store {
			counting = &countingStore{Store: s}
			return counting
		})
	ctx := context.Background()

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-9", InvokeOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, resp.State)
	afterFirst := counting.contextReads

	// A failed turn leaves the context version untouched, so the second
	// response's metadata comes from the cache: only the executor's own load
	// hits the store again.
	resp, err = a.Invoke(ctx, "schema-infer", map[string]any{}, "conv-9", InvokeOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, resp.State)
	assert.Equal(t, afterFirst+1, counting.contextReads)
}

func TestInvokeDelegatingDemotedWithoutRouter(t *testing.T) {
	t.Parallel()

	resp := model.AgentResponse{State: model.StateDelegating}
	a, _ := newAdapter(t, executor.SkillSet{}, Options{})

	mapped := a.toResponse(context.Background(), &contract.Contract{ExecutionMode: contract.ModeDeterministic},
		"conv-6", model.ExecutionResult{Status: resp.State})
	assert.Equal(t, model.StateBlocked, mapped.State)
	require.NotEmpty(t, mapped.Errors)
	assert.Equal(t, "delegation_unavailable", mapped.Errors[0].Subtype)
}

func TestInvokeDelegatingSurfacesWithRouter(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t, executor.SkillSet{}, Options{RouterEnabled: true})
	mapped := a.toResponse(context.Background(), &contract.Contract{ExecutionMode: contract.ModeDeterministic},
		"conv-7", model.ExecutionResult{Status: model.StateDelegating})
	assert.Equal(t, model.StateDelegating, mapped.State)
	assert.Empty(t, mapped.Errors)
}
