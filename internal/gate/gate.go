// Package gate implements the four pre/post checks applied around skill
// invocations: scope, trace-map, sync-compat, and artifact completeness.
// Each gate is a pure function over artifacts and context, callable on its
// own; failures accumulate rather than short-circuit.
package gate

import (
	"fmt"
)

// Gate names used in reports and skip flags.
const (
	NameScope    = "scope"
	NameTrace    = "trace"
	NameSync     = "sync"
	NameArtifact = "artifact"
)

// Finding is one violation located by a gate.
type Finding struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Report is the structured outcome of one gate run.
type Report struct {
	Gate     string    `json:"gate"`
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings,omitempty"`
	Summary  string    `json:"summary"`
}

func report(gate string, findings []Finding) Report {
	r := Report{Gate: gate, Findings: findings, Passed: len(findings) == 0}
	if r.Passed {
		r.Summary = fmt.Sprintf("%s gate passed", gate)
	} else {
		r.Summary = fmt.Sprintf("%s gate failed: %d finding(s)", gate, len(findings))
	}
	return r
}

// Set bundles the four gates for the executor.
type Set struct {
	Scope    *ScopeGate
	Trace    *TraceGate
	Sync     *SyncGate
	Artifact *ArtifactGate
}

// NewSet returns the default gate set.
func NewSet() *Set {
	return &Set{
		Scope:    &ScopeGate{},
		Trace:    &TraceGate{},
		Sync:     &SyncGate{},
		Artifact: &ArtifactGate{},
	}
}
