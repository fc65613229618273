package gate

import (
	"fmt"
	"strings"

	"github.com/fieldworks/skillrun/internal/model"
)

// MaxAssumptionRatio is the ceiling on ASSUMPTION-sourced trace entries.
const MaxAssumptionRatio = 0.30

// TraceGate validates the evidence trail behind an inferred schema.
type TraceGate struct{}

// Check runs the trace-map gate. declaredFields lists the schema fields the
// skill claims to have inferred; every one must be covered by at least one
// trace entry. Pass nil to skip coverage checking.
func (g *TraceGate) Check(tm model.TraceMap, declaredFields []string) Report {
	var findings []Finding

	if len(tm.TraceEntries) == 0 {
		findings = append(findings, Finding{
			Code:    "empty_trace_map",
			Message: "trace map has no entries",
		})
		return report(NameTrace, findings)
	}

	covered := make(map[string]struct{}, len(tm.TraceEntries))
	for i, entry := range tm.TraceEntries {
		covered[entry.FieldPath] = struct{}{}
		if !entry.Source.Valid() {
			findings = append(findings, Finding{
				Code:    "invalid_source",
				Message: fmt.Sprintf("entry %d (%s): source %q is not SOURCE_CODE, API_DOCS, or ASSUMPTION", i, entry.FieldPath, entry.Source),
			})
		}
		if strings.TrimSpace(entry.Evidence) == "" {
			findings = append(findings, Finding{
				Code:        "missing_evidence",
				Message:     fmt.Sprintf("entry %d (%s) has no evidence text", i, entry.FieldPath),
				Remediation: "every trace entry must quote or cite its source",
			})
		}
	}

	for _, field := range declaredFields {
		if _, ok := covered[field]; !ok {
			findings = append(findings, Finding{
				Code:    "uncovered_field",
				Message: fmt.Sprintf("declared field %q has no trace entry", field),
			})
		}
	}

	if ratio := tm.AssumptionRatio(); ratio > MaxAssumptionRatio {
		findings = append(findings, Finding{
			Code: "trace_assumption_ratio",
			Message: fmt.Sprintf("%.0f%% of entries are ASSUMPTION-sourced, ceiling is %.0f%%",
				ratio*100, MaxAssumptionRatio*100),
			Remediation: "ground more fields in source code or API docs, or drop the speculative ones",
		})
	}

	return report(NameTrace, findings)
}
