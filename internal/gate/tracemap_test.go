package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/model"
)

func entry(field string, source model.TraceSource) model.TraceEntry {
	return model.TraceEntry{FieldPath: field, Source: source, Evidence: "seen in source", Confidence: "high"}
}

func TestTraceGatePasses(t *testing.T) {
	t.Parallel()

	g := &TraceGate{}
	tm := model.TraceMap{TraceEntries: []model.TraceEntry{
		entry("params.url", model.SourceCode),
		entry("params.method", model.SourceAPIDocs),
		entry("params.retries", model.SourceAssumption),
		entry("params.body", model.SourceCode),
	}}
	r := g.Check(tm, []string{"params.url", "params.method", "params.retries", "params.body"})
	assert.True(t, r.Passed)
}

func TestTraceGateAssumptionCeiling(t *testing.T) {
	t.Parallel()

	// 4 of 10 ASSUMPTION entries is 40%, above the 30% ceiling.
	var entries []model.TraceEntry
	for i := 0; i < 6; i++ {
		entries = append(entries, entry("f", model.SourceCode))
	}
	for i := 0; i < 4; i++ {
		entries = append(entries, entry("g", model.SourceAssumption))
	}
	g := &TraceGate{}
	r := g.Check(model.TraceMap{TraceEntries: entries}, nil)
	require.False(t, r.Passed)
	assert.Equal(t, "trace_assumption_ratio", r.Findings[0].Code)

	// Exactly 30% is acceptable.
	entries = entries[:10]
	entries[9] = entry("h", model.SourceCode)
	r = g.Check(model.TraceMap{TraceEntries: entries}, nil)
	assert.True(t, r.Passed)
}

func TestTraceGateRequiresEvidence(t *testing.T) {
	t.Parallel()

	g := &TraceGate{}
	tm := model.TraceMap{TraceEntries: []model.TraceEntry{
		{FieldPath: "params.url", Source: model.SourceCode, Evidence: "   "},
	}}
	r := g.Check(tm, nil)
	require.False(t, r.Passed)
	assert.Equal(t, "missing_evidence", r.Findings[0].Code)
}

func TestTraceGateCoverageAndSources(t *testing.T) {
	t.Parallel()

	g := &TraceGate{}
	tm := model.TraceMap{TraceEntries: []model.TraceEntry{
		{FieldPath: "a", Source: "guess", Evidence: "x"},
	}}
	r := g.Check(tm, []string{"a", "b"})
	require.False(t, r.Passed)

	codes := make(map[string]bool)
	for _, f := range r.Findings {
		codes[f.Code] = true
	}
	assert.True(t, codes["invalid_source"])
	assert.True(t, codes["uncovered_field"])

	r = g.Check(model.TraceMap{}, nil)
	require.False(t, r.Passed)
	assert.Equal(t, "empty_trace_map", r.Findings[0].Code)
}
