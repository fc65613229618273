// Package advisor validates output from AI-driven skills before any side
// effect is committed. The advisor layer is stochastic by construction; this
// validator is the deterministic backstop that holds its output to the same
// invariants a handwritten contribution must satisfy.
package advisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/gate"
	"github.com/fieldworks/skillrun/internal/model"
)

// Conventional output keys inspected by the validator.
const (
	KeyCode     = "code"
	KeySchema   = "schema"
	KeyTraceMap = "trace_map"
	KeyPatch    = "patch"
)

// Validator checks advisor output against the declared output schema and the
// gate invariants.
type Validator struct {
	registry *contract.Registry
	gates    *gate.Set
}

// New returns a Validator over the given registry and gates.
func New(registry *contract.Registry, gates *gate.Set) *Validator {
	return &Validator{registry: registry, gates: gates}
}

// Validate runs all applicable checks over the skill's raw output. The
// allowlist constrains any emitted patch; pass a zero Allowlist when the
// skill has no write autonomy.
func (v *Validator) Validate(c *contract.Contract, outputs map[string]any, allowlist model.Allowlist) []model.ErrorEntry {
	if !c.ExecutionMode.AdvisorValidated() {
		return nil
	}
	var errs []model.ErrorEntry

	if err := v.registry.ValidateOutput(c, outputs); err != nil {
		errs = append(errs, model.ErrorEntry{
			Kind:    model.ErrKindGate,
			Subtype: "output_schema",
			Message: err.Error(),
		})
	}

	errs = append(errs, v.checkCode(outputs)...)
	errs = append(errs, v.checkSchema(outputs)...)
	errs = append(errs, v.checkPatch(outputs, allowlist)...)

	if len(errs) > 0 {
		log.Debug().Str("skill", c.Name).Int("violations", len(errs)).Msg("advisor output rejected")
	}
	return errs
}

// checkCode enforces sync safety and basic syntactic sanity on emitted code.
func (v *Validator) checkCode(outputs map[string]any) []model.ErrorEntry {
	files := codeFiles(outputs)
	if len(files) == 0 {
		return nil
	}
	var errs []model.ErrorEntry
	for name, src := range files {
		if err := checkSyntax(src); err != nil {
			errs = append(errs, model.ErrorEntry{
				Kind:    model.ErrKindGate,
				Subtype: "syntax_error",
				Message: fmt.Sprintf("%s: %v", name, err),
			})
		}
	}
	r := v.gates.Sync.CheckFiles(files)
	for _, f := range r.Findings {
		errs = append(errs, model.ErrorEntry{
			Kind:    model.ErrKindGate,
			Subtype: "sync_violation",
			Message: fmt.Sprintf("%s:%d: %s (%s)", f.File, f.Line, f.Message, f.Remediation),
		})
	}
	return errs
}

// checkSchema runs the trace-map gate when the output carries an inferred
// schema. A schema without an accompanying trace map is itself a violation.
func (v *Validator) checkSchema(outputs map[string]any) []model.ErrorEntry {
	rawSchema, hasSchema := outputs[KeySchema].(map[string]any)
	if !hasSchema {
		return nil
	}
	rawTrace, hasTrace := outputs[KeyTraceMap]
	if !hasTrace {
		return []model.ErrorEntry{{
			Kind:    model.ErrKindGate,
			Subtype: "missing_trace_map",
			Message: "output declares a schema but carries no trace map",
		}}
	}
	tm, err := decodeTraceMap(rawTrace)
	if err != nil {
		return []model.ErrorEntry{{
			Kind:    model.ErrKindGate,
			Subtype: "invalid_trace_map",
			Message: err.Error(),
		}}
	}

	fields := make([]string, 0, len(rawSchema))
	for field := range rawSchema {
		fields = append(fields, field)
	}
	r := v.gates.Trace.Check(tm, fields)
	var errs []model.ErrorEntry
	for _, f := range r.Findings {
		errs = append(errs, model.ErrorEntry{
			Kind:    model.ErrKindGate,
			Subtype: f.Code,
			Message: f.Message,
		})
	}
	return errs
}

// checkPatch verifies every path in an emitted patch is allowlisted.
func (v *Validator) checkPatch(outputs map[string]any, allowlist model.Allowlist) []model.ErrorEntry {
	patch, ok := outputs[KeyPatch].(string)
	if !ok || patch == "" {
		return nil
	}
	changed, err := gate.ChangedFilesFromPatch([]byte(patch))
	if err != nil {
		return []model.ErrorEntry{{
			Kind:    model.ErrKindGate,
			Subtype: "invalid_patch",
			Message: err.Error(),
		}}
	}
	r := v.gates.Scope.Check(allowlist, changed)
	var errs []model.ErrorEntry
	for _, f := range r.Findings {
		errs = append(errs, model.ErrorEntry{
			Kind:    model.ErrKindGate,
			Subtype: f.Code,
			Message: f.Message,
		})
	}
	return errs
}

func codeFiles(outputs map[string]any) map[string][]byte {
	raw, ok := outputs[KeyCode].(map[string]any)
	if !ok {
		return nil
	}
	files := make(map[string][]byte, len(raw))
	for name, content := range raw {
		if src, ok := content.(string); ok {
			files[name] = []byte(src)
		}
	}
	return files
}

func decodeTraceMap(raw any) (model.TraceMap, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return model.TraceMap{}, fmt.Errorf("encode trace map: %w", err)
	}
	var tm model.TraceMap
	if err := json.Unmarshal(data, &tm); err != nil {
		return model.TraceMap{}, fmt.Errorf("trace map does not match the expected shape: %w", err)
	}
	return tm, nil
}

// checkSyntax is a cheap structural sanity pass over emitted code: balanced
// brackets and quotes. Full parsing belongs to the target toolchain in CI.
func checkSyntax(src []byte) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	inString := byte(0)
	for _, ch := range src {
		if inString != 0 {
			if ch == inString {
				inString = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inString = ch
		case '(', '[', '{':
			stack = append(stack, ch)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[ch] {
				return fmt.Errorf("unbalanced %q", string(ch))
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", string(stack[len(stack)-1]))
	}
	if inString != 0 && !strings.Contains(string(src), "\"\"\"") {
		return fmt.Errorf("unterminated string literal")
	}
	return nil
}
