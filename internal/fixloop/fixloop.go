// Package fixloop drives the bounded repair cycle for advisor output that
// failed validation. Each iteration hands the previous error set back to a
// fixer, re-validates the revised output, and archives the attempt; when the
// budget is exhausted the loop escalates with a written report instead of
// retrying forever.
package fixloop

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fieldworks/skillrun/internal/advisor"
	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/model"
)

// Fixer produces a revised output set given the errors of the previous
// attempt. Implementations range from deterministic rewriters to a fresh
// advisor call carrying the violation list as feedback.
type Fixer interface {
	Fix(ctx context.Context, req Request) (map[string]any, error)
}

// FixerFunc adapts a function to the Fixer interface.
type FixerFunc func(ctx context.Context, req Request) (map[string]any, error)

// Fix implements Fixer.
func (f FixerFunc) Fix(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Request describes one repair attempt.
type Request struct {
	CorrelationID string
	SkillName     string
	// Iteration counts from 1.
	Iteration int
	Inputs    map[string]any
	// Errors is the violation set the fixer must resolve.
	Errors []model.ErrorEntry
	// ArtifactDir is this iteration's private directory.
	ArtifactDir string
}

// Outcome is the loop's terminal result.
type Outcome struct {
	Status model.TaskState
	// Iterations is how many attempts ran.
	Iterations int
	// Outputs holds the repaired output set when Status is completed.
	Outputs map[string]any
	// Errors is the final unresolved violation set when Status is escalated.
	Errors []model.ErrorEntry
}

// Loop validates fixer output with the same advisor checks that rejected the
// original, so a fix can never pass on weaker grounds.
type Loop struct {
	validator *advisor.Validator
	workspace *artifact.Workspace
}

// New returns a Loop using the given validator and workspace.
func New(validator *advisor.Validator, workspace *artifact.Workspace) *Loop {
	return &Loop{validator: validator, workspace: workspace}
}

// Run executes up to the contract's fix budget of repair attempts. On
// success the repaired artifacts are committed to the correlation's main
// artifact directory; on exhaustion an escalation report is written there.
func (l *Loop) Run(ctx context.Context, c *contract.Contract, fixer Fixer, correlationID string, inputs map[string]any, initial []model.ErrorEntry) (Outcome, error) {
	mainDir, err := l.workspace.Dir(correlationID)
	if err != nil {
		return Outcome{}, err
	}
	allowlist, _ := artifact.ReadAllowlist(mainDir)

	budget := c.FixIterations()
	errs := initial
	for iteration := 1; iteration <= budget; iteration++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		iterDir, err := l.workspace.IterationDir(correlationID, iteration)
		if err != nil {
			return Outcome{}, err
		}

		outputs, fixErr := fixer.Fix(ctx, Request{
			CorrelationID: correlationID,
			SkillName:     c.Name,
			Iteration:     iteration,
			Inputs:        inputs,
			Errors:        errs,
			ArtifactDir:   iterDir,
		})
		if fixErr != nil {
			errs = []model.ErrorEntry{{
				Kind:    model.ErrKindSkillInternal,
				Subtype: "fixer_error",
				Message: fixErr.Error(),
			}}
			l.archive(iterDir, nil, errs)
			_ = artifact.AppendValidationLog(mainDir,
				fmt.Sprintf("fix iteration %d: fixer failed: %v", iteration, fixErr))
			continue
		}

		errs = l.validator.Validate(c, outputs, allowlist)
		l.archive(iterDir, outputs, errs)

		if len(errs) == 0 {
			if err := l.commit(mainDir, outputs); err != nil {
				return Outcome{}, err
			}
			_ = artifact.AppendValidationLog(mainDir,
				fmt.Sprintf("fix iteration %d: clean, committed", iteration))
			log.Info().
				Str("correlation_id", correlationID).
				Str("skill", c.Name).
				Int("iteration", iteration).
				Msg("fix loop converged")
			return Outcome{
				Status:     model.StateCompleted,
				Iterations: iteration,
				Outputs:    outputs,
			}, nil
		}

		for _, e := range errs {
			_ = artifact.AppendValidationLog(mainDir,
				fmt.Sprintf("fix iteration %d: %s[%s]: %s", iteration, e.Kind, e.Subtype, e.Message))
		}
	}

	report := artifact.EscalationReport{
		CorrelationID: correlationID,
		Iterations:    budget,
		LastErrors:    errs,
		Summary: fmt.Sprintf("skill %q output failed validation after %d fix attempts; manual review required",
			c.Name, budget),
	}
	if err := artifact.WriteEscalationReport(mainDir, report); err != nil {
		return Outcome{}, err
	}
	log.Warn().
		Str("correlation_id", correlationID).
		Str("skill", c.Name).
		Int("iterations", budget).
		Msg("fix loop exhausted, escalating")
	return Outcome{
		Status:     model.StateEscalated,
		Iterations: budget,
		Errors: append([]model.ErrorEntry{{
			Kind:    model.ErrKindEscalation,
			Subtype: "fix_budget_exhausted",
			Message: fmt.Sprintf("%d fix iterations did not converge", budget),
		}}, errs...),
	}, nil
}

// archive snapshots an attempt's output and verdict into its iteration dir.
func (l *Loop) archive(iterDir string, outputs map[string]any, errs []model.ErrorEntry) {
	if outputs != nil {
		if err := artifact.WriteJSON(iterDir, "attempt.json", outputs); err != nil {
			log.Warn().Err(err).Msg("fix attempt archive failed")
		}
	}
	if len(errs) > 0 {
		if err := artifact.WriteJSON(iterDir, "violations.json", errs); err != nil {
			log.Warn().Err(err).Msg("fix verdict archive failed")
		}
	}
}

// commit materializes the repaired outputs into the main artifact dir, same
// layout the executor uses for first-pass advisor output.
func (l *Loop) commit(mainDir string, outputs map[string]any) error {
	if raw, ok := outputs[advisor.KeyTraceMap]; ok {
		if err := artifact.WriteJSON(mainDir, artifact.TraceMapName, raw); err != nil {
			return err
		}
	}
	if patch, ok := outputs[advisor.KeyPatch].(string); ok && patch != "" {
		if err := artifact.WriteText(mainDir, artifact.DiffPatchName, patch); err != nil {
			return err
		}
	}
	if files, ok := outputs[advisor.KeyCode].(map[string]any); ok {
		for name, content := range files {
			src, ok := content.(string)
			if !ok {
				continue
			}
			if err := artifact.WriteText(mainDir, name, src); err != nil {
				return err
			}
		}
	}
	return nil
}
