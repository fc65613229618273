package fixloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/advisor"
	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/gate"
	"github.com/fieldworks/skillrun/internal/model"
)

func newLoop(t *testing.T) (*Loop, *artifact.Workspace, *contract.Registry) {
	t.Helper()

	root := t.TempDir()
	contractsDir := filepath.Join(root, "contracts")
	require.NoError(t, os.MkdirAll(contractsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(contractsDir, "implement.yaml"), []byte(`
name: node-implement
version: "1.0"
execution_mode: hybrid
autonomy_level: implement
max_fix_iterations: 3
required_artifacts:
  - name: allowlist.json
    type: json
`), 0o644))
	registry, err := contract.Load(contractsDir)
	require.NoError(t, err)

	workspace := artifact.NewWorkspace(filepath.Join(root, "artifacts"))
	return New(advisor.New(registry, gate.NewSet()), workspace), workspace, registry
}

func seedAllowlist(t *testing.T, workspace *artifact.Workspace, correlationID string, patterns ...string) string {
	t.Helper()
	dir, err := workspace.Dir(correlationID)
	require.NoError(t, err)
	require.NoError(t, artifact.WriteJSON(dir, artifact.AllowlistName, model.Allowlist{Patterns: patterns}))
	return dir
}

func gateErrs() []model.ErrorEntry {
	return []model.ErrorEntry{{Kind: model.ErrKindGate, Subtype: "scope_violation", Message: "out of scope"}}
}

func TestRunConvergesAndCommits(t *testing.T) {
	t.Parallel()

	loop, workspace, registry := newLoop(t)
	c, err := registry.Get("node-implement")
	require.NoError(t, err)
	dir := seedAllowlist(t, workspace, "fix-1", "nodes/**")

	var seen []Request
	fixer := FixerFunc(func(_ context.Context, req Request) (map[string]any, error) {
		seen = append(seen, req)
		if req.Iteration == 1 {
			// Still touching a denied path.
			return map[string]any{
				"patch": "diff --git a/package.json b/package.json\n",
			}, nil
		}
		return map[string]any{
			"patch": "diff --git a/nodes/mynode.py b/nodes/mynode.py\n",
		}, nil
	})

	out, err := loop.Run(context.Background(), c, fixer, "fix-1", nil, gateErrs())
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, out.Status)
	assert.Equal(t, 2, out.Iterations)

	// The second attempt saw the first attempt's violations.
	require.Len(t, seen, 2)
	assert.Equal(t, gateErrs(), seen[0].Errors)
	require.NotEmpty(t, seen[1].Errors)
	assert.Equal(t, "scope_violation", seen[1].Errors[0].Subtype)

	// Repaired patch committed to the main dir; attempts archived per iteration.
	assert.FileExists(t, filepath.Join(dir, artifact.DiffPatchName))
	assert.FileExists(t, filepath.Join(dir, "fix", "1", "violations.json"))
	assert.FileExists(t, filepath.Join(dir, "fix", "2", "attempt.json"))
	assert.NoFileExists(t, filepath.Join(dir, "fix", "3"))
}

func TestRunExhaustsAndEscalates(t *testing.T) {
	t.Parallel()

	loop, workspace, registry := newLoop(t)
	c, err := registry.Get("node-implement")
	require.NoError(t, err)
	dir := seedAllowlist(t, workspace, "fix-2", "nodes/**")

	calls := 0
	fixer := FixerFunc(func(_ context.Context, _ Request) (map[string]any, error) {
		calls++
		return map[string]any{
			"patch": "diff --git a/src/shared/base.py b/src/shared/base.py\n",
		}, nil
	})

	out, err := loop.Run(context.Background(), c, fixer, "fix-2", nil, gateErrs())
	require.NoError(t, err)
	assert.Equal(t, model.StateEscalated, out.Status)
	assert.Equal(t, model.FixLoopMax, out.Iterations)
	assert.Equal(t, model.FixLoopMax, calls)
	require.NotEmpty(t, out.Errors)
	assert.Equal(t, "fix_budget_exhausted", out.Errors[0].Subtype)

	assert.FileExists(t, filepath.Join(dir, artifact.EscalationReportName))
	// The repaired patch never landed in the main dir.
	assert.NoFileExists(t, filepath.Join(dir, artifact.DiffPatchName))
}

func TestRunFixerErrorConsumesIteration(t *testing.T) {
	t.Parallel()

	loop, workspace, registry := newLoop(t)
	c, err := registry.Get("node-implement")
	require.NoError(t, err)
	seedAllowlist(t, workspace, "fix-3", "nodes/**")

	calls := 0
	fixer := FixerFunc(func(_ context.Context, _ Request) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("advisor unavailable")
		}
		return map[string]any{
			"patch": "diff --git a/nodes/mynode.py b/nodes/mynode.py\n",
		}, nil
	})

	out, err := loop.Run(context.Background(), c, fixer, "fix-3", nil, gateErrs())
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, out.Status)
	assert.Equal(t, 2, out.Iterations)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	loop, workspace, registry := newLoop(t)
	c, err := registry.Get("node-implement")
	require.NoError(t, err)
	seedAllowlist(t, workspace, "fix-4", "nodes/**")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loop.Run(ctx, c, FixerFunc(func(_ context.Context, _ Request) (map[string]any, error) {
		t.Fatal("fixer must not run after cancellation")
		return nil, nil
	}), "fix-4", nil, gateErrs())
	assert.ErrorIs(t, err, context.Canceled)
}
