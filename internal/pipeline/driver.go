// Package pipeline runs multi-skill jobs: it resolves contract dependencies
// into an execution order, drives each correlation's skills through the
// executor, and hands validation failures to the fix loop before giving up.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/executor"
	"github.com/fieldworks/skillrun/internal/fixloop"
	"github.com/fieldworks/skillrun/internal/model"
)

// DefaultConcurrency bounds how many correlations run at once.
const DefaultConcurrency = 4

// Job is one correlation's worth of work: the target skills plus shared
// inputs. Dependencies of the targets are scheduled automatically.
type Job struct {
	CorrelationID string
	Skills        []string
	Inputs        map[string]any
}

// StepResult records one skill invocation within a job.
type StepResult struct {
	Skill         string            `json:"skill"`
	Status        model.TaskState   `json:"status"`
	FixIterations int               `json:"fix_iterations,omitempty"`
	Errors        []model.ErrorEntry `json:"errors,omitempty"`
}

// JobResult aggregates a job's step outcomes. Status is the first
// non-completed step status, or completed when every step passed.
type JobResult struct {
	CorrelationID string       `json:"correlation_id"`
	Status        model.TaskState `json:"status"`
	Steps         []StepResult `json:"steps"`
}

// Driver schedules jobs over the executor.
type Driver struct {
	exec        *executor.Executor
	registry    *contract.Registry
	loop        *fixloop.Loop
	fixers      map[string]fixloop.Fixer
	concurrency int
}

// Options configures a Driver.
type Options struct {
	// Concurrency is the worker limit across correlations. Zero means
	// DefaultConcurrency.
	Concurrency int
	// Fixers maps skill names to repair strategies. Skills without a fixer
	// fail terminally on their first validation rejection.
	Fixers map[string]fixloop.Fixer
}

// New returns a Driver.
func New(exec *executor.Executor, registry *contract.Registry, loop *fixloop.Loop, opts Options) *Driver {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Driver{
		exec:        exec,
		registry:    registry,
		loop:        loop,
		fixers:      opts.Fixers,
		concurrency: concurrency,
	}
}

// Order expands the targets into a dependency-respecting execution order:
// every skill appears once, after all of its depends_on entries.
func (d *Driver) Order(targets []string) ([]string, error) {
	var order []string
	seen := make(map[string]bool)
	onPath := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		if onPath[name] {
			return fmt.Errorf("dependency cycle through skill %q", name)
		}
		onPath[name] = true
		c, err := d.registry.Get(name)
		if err != nil {
			return err
		}
		for _, dep := range c.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		onPath[name] = false
		seen[name] = true
		order = append(order, name)
		return nil
	}
	for _, target := range targets {
		if err := visit(target); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Run executes the jobs with bounded parallelism. The returned slice is
// indexed like jobs. An error aborts outstanding work via the group context.
func (d *Driver) Run(ctx context.Context, jobs []Job) ([]JobResult, error) {
	results := make([]JobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			result, err := d.RunJob(gctx, job)
			if err != nil {
				return fmt.Errorf("job %s: %w", job.CorrelationID, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunJob drives one correlation through its skills in dependency order,
// stopping at the first step that does not complete.
func (d *Driver) RunJob(ctx context.Context, job Job) (JobResult, error) {
	order, err := d.Order(job.Skills)
	if err != nil {
		return JobResult{}, err
	}

	result := JobResult{
		CorrelationID: job.CorrelationID,
		Status:        model.StateCompleted,
	}
	for _, skillName := range order {
		step, err := d.runStep(ctx, job, skillName)
		if err != nil {
			return JobResult{}, err
		}
		result.Steps = append(result.Steps, step)
		if step.Status != model.StateCompleted {
			result.Status = step.Status
			log.Warn().
				Str("correlation_id", job.CorrelationID).
				Str("skill", skillName).
				Str("status", string(step.Status)).
				Msg("job stopped early")
			break
		}
	}
	return result, nil
}

func (d *Driver) runStep(ctx context.Context, job Job, skillName string) (StepResult, error) {
	res, err := d.exec.Execute(ctx, skillName, job.Inputs, job.CorrelationID, "")
	if err != nil {
		return StepResult{}, err
	}
	step := StepResult{Skill: skillName, Status: res.Status, Errors: res.Errors}
	if res.Status != model.StateFailed || !allGateErrors(res.Errors) {
		return step, nil
	}
	fixer, ok := d.fixers[skillName]
	if !ok {
		return step, nil
	}

	c, err := d.registry.Get(skillName)
	if err != nil {
		return StepResult{}, err
	}
	outcome, err := d.loop.Run(ctx, c, fixer, job.CorrelationID, job.Inputs, res.Errors)
	if err != nil {
		return StepResult{}, err
	}
	step.Status = outcome.Status
	step.FixIterations = outcome.Iterations
	step.Errors = outcome.Errors
	return step, nil
}

// allGateErrors reports whether every entry is a gate rejection, the only
// failure class the fix loop can act on.
func allGateErrors(errs []model.ErrorEntry) bool {
	if len(errs) == 0 {
		return false
	}
	for _, e := range errs {
		if e.Kind != model.ErrKindGate {
			return false
		}
	}
	return true
}
