package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/model"
)

func TestWorkspaceLayout(t *testing.T) {
	t.Parallel()

	w := NewWorkspace(filepath.Join(t.TempDir(), "artifacts"))

	dir, err := w.Dir("job-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	iterDir, err := w.IterationDir("job-1", 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fix", "2"), iterDir)

	// Hostile correlation ids stay inside the root.
	dir, err = w.Dir("../escape")
	require.NoError(t, err)
	rel, err := filepath.Rel(w.Root(), dir)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
}

func TestRequestSnapshotHashStable(t *testing.T) {
	t.Parallel()

	w := NewWorkspace(t.TempDir())
	dir, err := w.Dir("job-2")
	require.NoError(t, err)

	inputs := map[string]any{"name": "MyNode", "count": float64(3)}
	h1, err := WriteRequestSnapshot(dir, "job-2", "node-normalize", inputs)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, RequestSnapshotName))

	// Equal inputs hash equally regardless of construction order.
	h2, err := HashInputs(map[string]any{"count": float64(3), "name": "MyNode"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestAllowlistAndTraceMapRoundTrip(t *testing.T) {
	t.Parallel()

	w := NewWorkspace(t.TempDir())
	dir, err := w.Dir("job-3")
	require.NoError(t, err)

	require.NoError(t, WriteJSON(dir, AllowlistName, model.Allowlist{Patterns: []string{"nodes/*.py"}}))
	al, err := ReadAllowlist(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes/*.py"}, al.Patterns)

	tm := model.TraceMap{
		CorrelationID: "job-3",
		NodeType:      "http_request",
		TraceEntries:  []model.TraceEntry{{FieldPath: "url", Source: model.SourceCode, Evidence: "ln 4"}},
	}
	require.NoError(t, WriteJSON(dir, TraceMapName, tm))
	got, err := ReadTraceMap(dir)
	require.NoError(t, err)
	assert.Equal(t, tm, got)
}

func TestValidationLogAppends(t *testing.T) {
	t.Parallel()

	w := NewWorkspace(t.TempDir())
	dir, err := w.Dir("job-4")
	require.NoError(t, err)

	require.NoError(t, AppendValidationLog(dir, "scope gate failed"))
	require.NoError(t, AppendValidationLog(dir, "trace gate passed"))

	data, err := os.ReadFile(filepath.Join(dir, ValidationLogsName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "scope gate failed")
	assert.Contains(t, string(data), "trace gate passed")
}

func TestEmittedSourcesSkipsFixDir(t *testing.T) {
	t.Parallel()

	w := NewWorkspace(t.TempDir())
	dir, err := w.Dir("job-5")
	require.NoError(t, err)
	iterDir, err := w.IterationDir("job-5", 1)
	require.NoError(t, err)

	require.NoError(t, WriteText(dir, "mynode.py", "def run():\n    pass\n"))
	require.NoError(t, WriteText(dir, "notes.txt", "not source"))
	require.NoError(t, WriteText(iterDir, "patched.py", "def run():\n    pass\n"))

	sources, err := EmittedSources(dir)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
	assert.Contains(t, sources, "mynode.py")
}

func TestEscalationReport(t *testing.T) {
	t.Parallel()

	w := NewWorkspace(t.TempDir())
	dir, err := w.Dir("job-6")
	require.NoError(t, err)

	err = WriteEscalationReport(dir, EscalationReport{
		CorrelationID: "job-6",
		Iterations:    3,
		LastErrors:    []model.ErrorEntry{{Kind: model.ErrKindGate, Subtype: "scope_violation", Message: "out of scope"}},
		DiffsTried:    []string{"fix/1/diff.patch"},
		Summary:       "fix loop exhausted",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, EscalationReportName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "job-6")
	assert.Contains(t, content, "scope_violation")
	assert.Contains(t, content, "fix/1/diff.patch")
}
