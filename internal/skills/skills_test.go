package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/skillrun/internal/executor"
)

func TestNodeNormalize(t *testing.T) {
	t.Parallel()

	resp, err := NodeNormalize(context.Background(), executor.Request{
		Inputs: map[string]any{"name": "MyNode"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mynode", resp.Outputs["normalized"])

	resp, err = NodeNormalize(context.Background(), executor.Request{
		Inputs: map[string]any{"name": "  HTTP Request  "},
	})
	require.NoError(t, err)
	assert.Equal(t, "http_request", resp.Outputs["normalized"])

	_, err = NodeNormalize(context.Background(), executor.Request{Inputs: map[string]any{}})
	assert.Error(t, err)
}

func TestSchemaInferAsksForMissingInputs(t *testing.T) {
	t.Parallel()

	resp, err := SchemaInfer(context.Background(), executor.Request{
		CorrelationID: "X",
		Inputs:        map[string]any{"correlation_id": "X"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.InputRequest)
	assert.Equal(t, []string{"parsed_sections", "source_type"}, resp.InputRequest.MissingFields)
	assert.Empty(t, resp.Outputs)
}

func TestSchemaInferProducesSchemaAndTraceMap(t *testing.T) {
	t.Parallel()

	resp, err := SchemaInfer(context.Background(), executor.Request{
		CorrelationID: "X",
		Inputs: map[string]any{
			"parsed_sections": map[string]any{
				"url":     "https://example.com",
				"retries": float64(3),
				"headers": map[string]any{"a": "b"},
			},
			"source_type": "TYPE1",
		},
	})
	require.NoError(t, err)
	require.Nil(t, resp.InputRequest)

	schema, ok := resp.Outputs["schema"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"type": "string"}, schema["url"])
	assert.Equal(t, map[string]any{"type": "number"}, schema["retries"])
	assert.Equal(t, map[string]any{"type": "object"}, schema["headers"])

	tm, ok := resp.Outputs["trace_map"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "X", tm["correlation_id"])
	entries, ok := tm["trace_entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 3)
	// Every field is evidenced; nothing is assumed.
	for _, e := range entries {
		entry := e.(map[string]any)
		assert.Equal(t, "API_DOCS", entry["source"])
	}
}

func TestBuiltinCoversContractNames(t *testing.T) {
	t.Parallel()

	set := Builtin()
	assert.Contains(t, set, "node-normalize")
	assert.Contains(t, set, "schema-infer")
}
