package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncGateForbidsAsyncConstructs(t *testing.T) {
	t.Parallel()

	src := []byte(`import asyncio

async def fetch(url):
    return await client.get(url)
`)
	g := &SyncGate{}
	r := g.CheckSource("nodes/mynode.py", src)
	require.False(t, r.Passed)

	patterns := make(map[string]bool)
	for _, f := range r.Findings {
		patterns[f.Pattern] = true
		assert.Equal(t, "nodes/mynode.py", f.File)
		assert.NotZero(t, f.Line)
		assert.NotEmpty(t, f.Remediation)
	}
	assert.True(t, patterns["async def"])
	assert.True(t, patterns["await"])
	assert.True(t, patterns["asyncio"])
}

func TestSyncGateFlagsBareAsyncImports(t *testing.T) {
	t.Parallel()

	g := &SyncGate{}

	// The import alone is a forbidden async dependency, with or without a
	// qualified call after it.
	r := g.CheckSource("a.py", []byte(`import asyncio`))
	require.False(t, r.Passed)
	assert.Equal(t, "asyncio", r.Findings[0].Pattern)

	r = g.CheckSource("a.py", []byte(`import aiohttp`))
	require.False(t, r.Passed)
	assert.Equal(t, "aiohttp", r.Findings[0].Pattern)

	r = g.CheckSource("a.py", []byte(`asyncio.run(main())`))
	require.False(t, r.Passed)
}

func TestSyncGateRequiresCallTimeouts(t *testing.T) {
	t.Parallel()

	g := &SyncGate{}

	r := g.CheckSource("a.py", []byte(`resp = requests.get(url)`))
	require.False(t, r.Passed)
	assert.Equal(t, "network call without timeout", r.Findings[0].Pattern)

	r = g.CheckSource("a.py", []byte(`resp = requests.get(url, timeout=30)`))
	assert.True(t, r.Passed)
}

func TestSyncGateThreadJoin(t *testing.T) {
	t.Parallel()

	g := &SyncGate{}

	r := g.CheckSource("a.py", []byte(`t = threading.Thread(target=work)
t.start()`))
	require.False(t, r.Passed)

	r = g.CheckSource("a.py", []byte(`t = threading.Thread(target=work)
t.start()
t.join(timeout=5)`))
	assert.True(t, r.Passed)
}

func TestSyncGateSkipsComments(t *testing.T) {
	t.Parallel()

	g := &SyncGate{}
	r := g.CheckSource("a.py", []byte(`# async def old_version():
x = 1`))
	assert.True(t, r.Passed)
}

func TestSyncGateCleanSourcePasses(t *testing.T) {
	t.Parallel()

	src := []byte(`import requests

def run(params):
    resp = requests.post(params["url"], json=params["body"], timeout=30)
    return resp.json()
`)
	g := &SyncGate{}
	r := g.CheckFiles(map[string][]byte{"nodes/mynode.py": src})
	assert.True(t, r.Passed)
	assert.Empty(t, Findings(r))
}
