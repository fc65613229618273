// Package skills ships the built-in deterministic skills used by the CLI and
// as reference implementations of the Skill interface. Domain converters plug
// in the same way; these two exercise the runtime's straight-through and
// multi-turn paths.
package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldworks/skillrun/internal/executor"
	"github.com/fieldworks/skillrun/internal/model"
)

// Builtin returns the skill set registered by default.
func Builtin() executor.SkillSet {
	return executor.SkillSet{
		"node-normalize": executor.SkillFunc(NodeNormalize),
		"schema-infer":   executor.SkillFunc(SchemaInfer),
	}
}

// NodeNormalize lowercases a node name into its canonical registry form.
func NodeNormalize(_ context.Context, req executor.Request) (executor.Response, error) {
	name, ok := req.Inputs["name"].(string)
	if !ok || name == "" {
		return executor.Response{}, fmt.Errorf("input %q must be a non-empty string", "name")
	}
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	return executor.Response{Outputs: map[string]any{
		"normalized": normalized,
	}}, nil
}

// SchemaInfer derives a flat field schema from parsed documentation
// sections. Without its inputs it pauses with an input request rather than
// guessing, so the first turn of a fresh conversation always comes back
// input_required.
func SchemaInfer(_ context.Context, req executor.Request) (executor.Response, error) {
	sections, haveSections := req.Inputs["parsed_sections"].(map[string]any)
	sourceType, haveType := req.Inputs["source_type"].(string)
	if !haveSections || !haveType {
		var missing []string
		if !haveSections {
			missing = append(missing, "parsed_sections")
		}
		if !haveType {
			missing = append(missing, "source_type")
		}
		return executor.Response{InputRequest: &model.InputRequest{
			MissingFields: missing,
			Prompt:        "provide the parsed documentation sections and their source type",
			Schema: map[string]any{
				"parsed_sections": map[string]any{"type": "object"},
				"source_type":     map[string]any{"type": "string"},
			},
		}}, nil
	}

	schema := make(map[string]any, len(sections))
	entries := make([]any, 0, len(sections))
	fields := make([]string, 0, len(sections))
	for field := range sections {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		schema[field] = map[string]any{"type": inferType(sections[field])}
		entries = append(entries, map[string]any{
			"field_path": field,
			"source":     string(model.SourceAPIDocs),
			"evidence":   fmt.Sprintf("documented section %q (%s)", field, sourceType),
			"confidence": "high",
		})
	}
	return executor.Response{Outputs: map[string]any{
		"schema": schema,
		"trace_map": map[string]any{
			"correlation_id": req.CorrelationID,
			"node_type":      sourceType,
			"trace_entries":  entries,
		},
	}}, nil
}

func inferType(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, int:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "string"
	}
}
