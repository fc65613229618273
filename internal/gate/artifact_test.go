package gate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/contract"
)

func TestArtifactGate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "allowlist.json"),
		[]byte(`{"patterns":["nodes/mynode.py"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "validation_logs.txt"),
		[]byte("all checks passed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.json"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"),
		[]byte("{not json"), 0o644))

	g := &ArtifactGate{}

	r := g.Check([]contract.RequiredArtifact{
		{Name: "allowlist.json", Type: "json"},
		{Name: "validation_logs.txt", Type: "text"},
	}, dir)
	assert.True(t, r.Passed)

	r = g.Check([]contract.RequiredArtifact{{Name: "missing.json", Type: "json"}}, dir)
	require.False(t, r.Passed)
	assert.Equal(t, "missing_artifact", r.Findings[0].Code)

	r = g.Check([]contract.RequiredArtifact{{Name: "empty.json", Type: "json"}}, dir)
	require.False(t, r.Passed)
	assert.Equal(t, "empty_artifact", r.Findings[0].Code)

	r = g.Check([]contract.RequiredArtifact{{Name: "broken.json", Type: "json"}}, dir)
	require.False(t, r.Passed)
	assert.Equal(t, "artifact_type_mismatch", r.Findings[0].Code)
}
