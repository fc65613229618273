// Package executor dispatches skill invocations under contract enforcement:
// pre-gates, hard timeout, advisor validation, post-gates, artifact commit,
// and CAS-serialized context advancement.
package executor

import (
	"context"
	"fmt"

	"github.com/fieldworks/skillrun/internal/model"
)

// Request is the normalized request passed to a skill.
type Request struct {
	CorrelationID string         `json:"correlation_id"`
	SkillName     string         `json:"skill_name"`
	Inputs        map[string]any `json:"inputs"`
	ArtifactDir   string         `json:"artifact_dir"`
	Turn          int            `json:"turn"`

	// Handle lets the skill invoke its declared dependencies, nothing else.
	Handle *Handle `json:"-"`
}

// Response is a skill's synchronous result. A non-nil InputRequest means the
// skill needs more input; that is a value, not an error.
type Response struct {
	Outputs      map[string]any
	InputRequest *model.InputRequest
}

// Skill is a contract-declared unit of work. Implementations are plain
// synchronous callables; the runtime suspends at turn boundaries, never
// inside a skill.
type Skill interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// SkillFunc adapts a function to the Skill interface.
type SkillFunc func(ctx context.Context, req Request) (Response, error)

// Run implements Skill.
func (f SkillFunc) Run(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// SkillSet maps contract names to implementations.
type SkillSet map[string]Skill

// Handle is the restricted invoker handed to skills. It resolves the cyclic
// skill-to-registry reference by only allowing calls to skills the caller's
// contract lists in depends_on.
type Handle struct {
	exec   *Executor
	caller string
	deps   map[string]struct{}
}

// Invoke runs a declared dependency under the full executor pipeline.
func (h *Handle) Invoke(ctx context.Context, skillName string, inputs map[string]any, correlationID string) (model.ExecutionResult, error) {
	if _, ok := h.deps[skillName]; !ok {
		return model.ExecutionResult{}, fmt.Errorf("skill %q does not declare a dependency on %q", h.caller, skillName)
	}
	return h.exec.Execute(ctx, skillName, inputs, correlationID, "")
}
