// Package contract loads and validates the declarative per-skill contracts
// that govern dispatch. Contracts are the runtime's ground truth: a skill
// cannot be invoked unless its contract parsed cleanly at startup.
package contract

import (
	"fmt"
	"time"

	"github.com/fieldworks/skillrun/internal/model"
)

// ExecutionMode selects the validation pipeline applied to a skill's output.
type ExecutionMode string

const (
	ModeDeterministic ExecutionMode = "deterministic"
	ModeHybrid        ExecutionMode = "hybrid"
	ModeAdvisorOnly   ExecutionMode = "advisor_only"
)

// Valid reports whether the mode is known.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeDeterministic, ModeHybrid, ModeAdvisorOnly:
		return true
	}
	return false
}

// AdvisorValidated reports whether advisor validation applies to the mode.
func (m ExecutionMode) AdvisorValidated() bool {
	return m == ModeHybrid || m == ModeAdvisorOnly
}

// AutonomyLevel bounds what a skill may do to the workspace.
type AutonomyLevel string

const (
	AutonomyRead      AutonomyLevel = "read"
	AutonomySuggest   AutonomyLevel = "suggest"
	AutonomyImplement AutonomyLevel = "implement"
	AutonomyCommit    AutonomyLevel = "commit"
)

// Valid reports whether the level is known.
func (a AutonomyLevel) Valid() bool {
	switch a {
	case AutonomyRead, AutonomySuggest, AutonomyImplement, AutonomyCommit:
		return true
	}
	return false
}

// Writes reports whether the level permits workspace modification.
func (a AutonomyLevel) Writes() bool {
	return a == AutonomyImplement || a == AutonomyCommit
}

// SideEffect names an external surface a skill declares it touches.
type SideEffect string

const (
	EffectFS  SideEffect = "fs"
	EffectNet SideEffect = "net"
	EffectGit SideEffect = "git"
)

// PersistenceLevel selects how much conversation state a skill records.
type PersistenceLevel string

const (
	PersistNone       PersistenceLevel = "none"
	PersistFactsOnly  PersistenceLevel = "facts_only"
	PersistFullEvents PersistenceLevel = "full_events"
)

// SyncConstraints are the statically enforced sync-safety requirements.
type SyncConstraints struct {
	ForbidAsyncDependencies bool `json:"forbid_async_dependencies" yaml:"forbid_async_dependencies"`
	RequireCallTimeouts     bool `json:"require_call_timeouts"     yaml:"require_call_timeouts"`
	ForbidBackgroundTasks   bool `json:"forbid_background_tasks"   yaml:"forbid_background_tasks"`
}

// RequiredArtifact declares one artifact a skill must produce.
type RequiredArtifact struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// InteractionOutcomes declares the multi-turn behavior a skill supports.
type InteractionOutcomes struct {
	AllowedIntermediateStates []string       `json:"allowed_intermediate_states" yaml:"allowed_intermediate_states"`
	MaxTurns                  int            `json:"max_turns"                   yaml:"max_turns"`
	SupportsResume            bool           `json:"supports_resume"             yaml:"supports_resume"`
	InputRequestJSONSchema    map[string]any `json:"input_request_jsonschema"    yaml:"input_request_jsonschema"`
}

// Contract is the declarative, immutable description of one skill.
type Contract struct {
	Name                string              `json:"name"                 yaml:"name"`
	Version             string              `json:"version"              yaml:"version"`
	ExecutionMode       ExecutionMode       `json:"execution_mode"       yaml:"execution_mode"`
	AutonomyLevel       AutonomyLevel       `json:"autonomy_level"       yaml:"autonomy_level"`
	SideEffects         []SideEffect        `json:"side_effects"         yaml:"side_effects"`
	TimeoutSeconds      int                 `json:"timeout_seconds"      yaml:"timeout_seconds"`
	MaxFixIterations    int                 `json:"max_fix_iterations"   yaml:"max_fix_iterations"`
	IdempotencyRequired bool                `json:"idempotency_required" yaml:"idempotency_required"`
	SyncConstraints     SyncConstraints     `json:"sync_constraints"     yaml:"sync_constraints"`
	InputSchema         map[string]any      `json:"input_schema"         yaml:"input_schema"`
	OutputSchema        map[string]any      `json:"output_schema"        yaml:"output_schema"`
	RequiredArtifacts   []RequiredArtifact  `json:"required_artifacts"   yaml:"required_artifacts"`
	FailureModes        []string            `json:"failure_modes"        yaml:"failure_modes"`
	DependsOn           []string            `json:"depends_on"           yaml:"depends_on"`
	InteractionOutcomes InteractionOutcomes `json:"interaction_outcomes" yaml:"interaction_outcomes"`
	StatePersistence    PersistenceLevel    `json:"state_persistence_level" yaml:"state_persistence_level"`
}

// Timeout returns the contract's hard timeout as a duration.
func (c *Contract) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return model.DefaultSkillTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxTurns returns the effective per-context turn cap.
func (c *Contract) MaxTurns() int {
	n := c.InteractionOutcomes.MaxTurns
	if n <= 0 {
		n = model.DefaultMaxTurns
	}
	if n > model.MaxTurnsCap {
		n = model.MaxTurnsCap
	}
	return n
}

// FixIterations returns the effective fix-loop budget.
func (c *Contract) FixIterations() int {
	if c.MaxFixIterations <= 0 {
		return model.FixLoopMax
	}
	return c.MaxFixIterations
}

// RequiresAllowlist reports whether the contract must declare allowlist.json.
func (c *Contract) RequiresAllowlist() bool {
	return c.AutonomyLevel.Writes()
}

// DeclaresArtifact reports whether the named artifact is required.
func (c *Contract) DeclaresArtifact(name string) bool {
	for _, a := range c.RequiredArtifacts {
		if a.Name == name {
			return true
		}
	}
	return false
}

// DependsOnSkill reports whether the contract declares a dependency on name.
func (c *Contract) DependsOnSkill(name string) bool {
	for _, d := range c.DependsOn {
		if d == name {
			return true
		}
	}
	return false
}

// validate checks the contract in isolation; cross-contract checks live in
// Registry.ValidateAll.
func (c *Contract) validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract missing name")
	}
	if !c.ExecutionMode.Valid() {
		return fmt.Errorf("contract %q: invalid execution_mode %q", c.Name, c.ExecutionMode)
	}
	if !c.AutonomyLevel.Valid() {
		return fmt.Errorf("contract %q: invalid autonomy_level %q", c.Name, c.AutonomyLevel)
	}
	if c.MaxFixIterations < 0 || c.MaxFixIterations > model.FixLoopMax {
		return fmt.Errorf("contract %q: max_fix_iterations %d exceeds cap %d", c.Name, c.MaxFixIterations, model.FixLoopMax)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("contract %q: negative timeout_seconds", c.Name)
	}
	if c.InteractionOutcomes.MaxTurns > model.MaxTurnsCap {
		return fmt.Errorf("contract %q: interaction_outcomes.max_turns %d exceeds cap %d",
			c.Name, c.InteractionOutcomes.MaxTurns, model.MaxTurnsCap)
	}
	for _, e := range c.SideEffects {
		switch e {
		case EffectFS, EffectNet, EffectGit:
		default:
			return fmt.Errorf("contract %q: unknown side effect %q", c.Name, e)
		}
	}
	switch c.StatePersistence {
	case "", PersistNone, PersistFactsOnly, PersistFullEvents:
	default:
		return fmt.Errorf("contract %q: unknown state_persistence_level %q", c.Name, c.StatePersistence)
	}
	if c.RequiresAllowlist() && !c.DeclaresArtifact("allowlist.json") {
		return fmt.Errorf("contract %q: autonomy %q requires allowlist.json in required_artifacts",
			c.Name, c.AutonomyLevel)
	}
	for _, state := range c.InteractionOutcomes.AllowedIntermediateStates {
		if !model.TaskState(state).Resumable() {
			return fmt.Errorf("contract %q: %q is not an intermediate state", c.Name, state)
		}
	}
	return nil
}
