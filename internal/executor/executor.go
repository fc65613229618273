package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldworks/skillrun/internal/advisor"
	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/gate"
	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/state"
)

// casRetries bounds reload-and-retry attempts after a lost CAS race.
const casRetries = 2

// Emitter receives successful output from designated learning producers
// (implementation skills and successful fixes). The executor only knows to
// call it; content is skill-specific.
type Emitter func(correlationID, skillName, artifactDir string, outputs map[string]any) error

// Executor sequences the gate stack around skill invocations. All
// collaborators are injected; there is no ambient registry.
type Executor struct {
	registry  *contract.Registry
	store     state.Store
	gates     *gate.Set
	validator *advisor.Validator
	workspace *artifact.Workspace
	skills    SkillSet
	emitter   Emitter
	producers map[string]struct{}
}

// Options configures optional executor behavior.
type Options struct {
	// Emitter, when set, receives golden-artifact packages from the skills
	// named in LearningProducers.
	Emitter           Emitter
	LearningProducers []string
}

// New constructs an Executor with explicit dependencies.
func New(registry *contract.Registry, store state.Store, gates *gate.Set, workspace *artifact.Workspace, skills SkillSet, opts Options) *Executor {
	producers := make(map[string]struct{}, len(opts.LearningProducers))
	for _, name := range opts.LearningProducers {
		producers[name] = struct{}{}
	}
	return &Executor{
		registry:  registry,
		store:     store,
		gates:     gates,
		validator: advisor.New(registry, gates),
		workspace: workspace,
		skills:    skills,
		emitter:   opts.Emitter,
		producers: producers,
	}
}

// Execute runs one skill invocation end to end and returns the typed result.
// Errors are reserved for defects (unknown skill, store unavailability);
// every expected failure is a status on the result.
func (e *Executor) Execute(ctx context.Context, skillName string, inputs map[string]any, correlationID, messageID string) (model.ExecutionResult, error) {
	c, err := e.registry.Get(skillName)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	skill, ok := e.skills[skillName]
	if !ok {
		return model.ExecutionResult{}, fmt.Errorf("%w: no implementation registered for %q", contract.ErrUnknownSkill, skillName)
	}

	cctx, err := e.loadOrCreateContext(ctx, correlationID)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	if cctx.CurrentTurn > c.MaxTurns() || cctx.StepsTaken >= model.MaxSteps {
		result := model.ExecutionResult{
			Status: model.StateEscalated,
			Errors: []model.ErrorEntry{{
				Kind:    model.ErrKindEscalation,
				Subtype: "turn_budget",
				Message: fmt.Sprintf("turn %d of %d, steps %d of %d", cctx.CurrentTurn, c.MaxTurns(), cctx.StepsTaken, model.MaxSteps),
			}},
		}
		if _, err := e.advanceContext(ctx, cctx, result, c); err != nil {
			return model.ExecutionResult{}, err
		}
		return result, nil
	}

	dir, err := e.workspace.Dir(correlationID)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	inputsHash, err := artifact.WriteRequestSnapshot(dir, correlationID, skillName, inputs)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	if err := e.registry.ValidateInput(c, inputs); err != nil {
		return e.failTurn(ctx, cctx, c, dir, model.ErrorEntry{
			Kind:    model.ErrKindContract,
			Subtype: "parse_error",
			Message: err.Error(),
		})
	}

	if entries := e.preGates(c, dir, inputs); len(entries) > 0 {
		return e.failTurn(ctx, cctx, c, dir, entries...)
	}

	log.Info().
		Str("skill", skillName).
		Str("correlation_id", correlationID).
		Int("turn", cctx.CurrentTurn).
		Str("inputs_sha256", inputsHash).
		Msg("skill start")

	resp, runErr := e.runWithTimeout(ctx, skill, Request{
		CorrelationID: correlationID,
		SkillName:     skillName,
		Inputs:        inputs,
		ArtifactDir:   dir,
		Turn:          cctx.CurrentTurn,
		Handle:        e.handleFor(c),
	}, c.Timeout())
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		// Partial artifact writes stay for forensics; the context does not
		// advance on timeout.
		_ = artifact.AppendValidationLog(dir, fmt.Sprintf("skill %s timed out after %s", skillName, c.Timeout()))
		return model.ExecutionResult{
			Status: model.StateTimeout,
			Errors: []model.ErrorEntry{{
				Kind:    model.ErrKindTimeout,
				Message: fmt.Sprintf("skill %q exceeded its %s timeout", skillName, c.Timeout()),
			}},
		}, nil
	case runErr != nil:
		return e.failTurn(ctx, cctx, c, dir, model.ErrorEntry{
			Kind:    model.ErrKindSkillInternal,
			Message: runErr.Error(),
		})
	}

	if resp.InputRequest != nil {
		return e.pauseForInput(ctx, cctx, c, resp.InputRequest, inputs)
	}

	allowlist, _ := artifact.ReadAllowlist(dir)
	if entries := e.validator.Validate(c, resp.Outputs, allowlist); len(entries) > 0 {
		return e.failTurn(ctx, cctx, c, dir, entries...)
	}

	// Advisor output is committed only after validation passed.
	written, err := e.commitAdvisorArtifacts(c, dir, resp.Outputs)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	if entries := e.postGates(c, dir); len(entries) > 0 {
		return e.failTurn(ctx, cctx, c, dir, entries...)
	}

	result := model.ExecutionResult{
		Status:           model.StateCompleted,
		Outputs:          resp.Outputs,
		ArtifactsWritten: written,
	}
	if _, isProducer := e.producers[skillName]; isProducer && e.emitter != nil {
		if err := e.emitter(correlationID, skillName, dir, resp.Outputs); err != nil {
			log.Warn().Err(err).Str("skill", skillName).Msg("learning emitter failed")
		}
	}

	newCtx, err := e.advanceContext(ctx, cctx, result, c)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	e.recordEvent(ctx, c, newCtx, skillName, messageID, "turn_completed", map[string]any{
		"skill":  skillName,
		"status": string(result.Status),
	})

	log.Info().
		Str("skill", skillName).
		Str("correlation_id", correlationID).
		Int("turn", newCtx.CurrentTurn).
		Str("status", string(result.Status)).
		Msg("skill finished")
	return result, nil
}

func (e *Executor) loadOrCreateContext(ctx context.Context, correlationID string) (model.Context, error) {
	cctx, err := e.store.GetContext(ctx, correlationID)
	if err == nil {
		return cctx, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return model.Context{}, err
	}
	cctx = model.Context{
		CorrelationID: correlationID,
		CurrentTurn:   1,
		TaskState:     model.StatePending,
	}
	version, err := e.store.PutContext(ctx, cctx, 0)
	if errors.Is(err, state.ErrVersionConflict) {
		// Another worker created it first; use theirs.
		return e.store.GetContext(ctx, correlationID)
	}
	if err != nil {
		return model.Context{}, err
	}
	cctx.ContextVersion = version
	return cctx, nil
}

// preGates runs before the skill: scope over an already-present diff when the
// skill has write autonomy, and sync-compat over any source files in inputs.
func (e *Executor) preGates(c *contract.Contract, dir string, inputs map[string]any) []model.ErrorEntry {
	var entries []model.ErrorEntry

	if c.AutonomyLevel.Writes() && artifact.Exists(dir, artifact.AllowlistName) {
		allowlist, err := artifact.ReadAllowlist(dir)
		if err != nil {
			entries = append(entries, gateError("invalid_allowlist", err.Error()))
		} else if patch, _ := artifact.ReadPatch(dir); len(patch) > 0 {
			changed, err := gate.ChangedFilesFromPatch(patch)
			if err != nil {
				entries = append(entries, gateError("invalid_patch", err.Error()))
			} else {
				entries = append(entries, findingsToErrors(e.gates.Scope.Check(allowlist, changed))...)
			}
		}
	}

	if raw, ok := inputs["source_files"].(map[string]any); ok {
		files := make(map[string][]byte, len(raw))
		for name, content := range raw {
			if src, ok := content.(string); ok {
				files[name] = []byte(src)
			}
		}
		entries = append(entries, findingsToErrors(e.gates.Sync.CheckFiles(files))...)
	}
	return entries
}

// postGates runs after the skill over the artifact directory.
func (e *Executor) postGates(c *contract.Contract, dir string) []model.ErrorEntry {
	var entries []model.ErrorEntry

	entries = append(entries, findingsToErrors(e.gates.Artifact.Check(c.RequiredArtifacts, dir))...)

	if artifact.Exists(dir, artifact.TraceMapName) {
		tm, err := artifact.ReadTraceMap(dir)
		if err != nil {
			entries = append(entries, gateError("invalid_trace_map", err.Error()))
		} else {
			entries = append(entries, findingsToErrors(e.gates.Trace.Check(tm, nil))...)
		}
	}

	if c.AutonomyLevel.Writes() {
		if patch, _ := artifact.ReadPatch(dir); len(patch) > 0 {
			allowlist, err := artifact.ReadAllowlist(dir)
			if err != nil {
				entries = append(entries, gateError("missing_allowlist", err.Error()))
			} else {
				changed, err := gate.ChangedFilesFromPatch(patch)
				if err != nil {
					entries = append(entries, gateError("invalid_patch", err.Error()))
				} else {
					entries = append(entries, findingsToErrors(e.gates.Scope.Check(allowlist, changed))...)
				}
			}
		}
	}

	if c.ExecutionMode.AdvisorValidated() || c.AutonomyLevel.Writes() {
		sources, err := artifact.EmittedSources(dir)
		if err != nil {
			entries = append(entries, gateError("unreadable_artifacts", err.Error()))
		} else if len(sources) > 0 {
			entries = append(entries, findingsToErrors(e.gates.Sync.CheckFiles(sources))...)
		}
	}
	return entries
}

// commitAdvisorArtifacts materializes validated advisor output into the
// artifact directory and returns the written names.
func (e *Executor) commitAdvisorArtifacts(c *contract.Contract, dir string, outputs map[string]any) ([]string, error) {
	if !c.ExecutionMode.AdvisorValidated() || outputs == nil {
		return nil, nil
	}
	var written []string
	if raw, ok := outputs[advisor.KeyTraceMap]; ok {
		if err := artifact.WriteJSON(dir, artifact.TraceMapName, raw); err != nil {
			return nil, err
		}
		written = append(written, artifact.TraceMapName)
	}
	if patch, ok := outputs[advisor.KeyPatch].(string); ok && patch != "" {
		if err := artifact.WriteText(dir, artifact.DiffPatchName, patch); err != nil {
			return nil, err
		}
		written = append(written, artifact.DiffPatchName)
	}
	if files, ok := outputs[advisor.KeyCode].(map[string]any); ok {
		for name, content := range files {
			src, ok := content.(string)
			if !ok {
				continue
			}
			if err := artifact.WriteText(dir, name, src); err != nil {
				return nil, err
			}
			written = append(written, name)
		}
	}
	return written, nil
}

// runWithTimeout supervises the skill under the contract's hard timeout. The
// skill runs in its own goroutine; on timeout the context is cancelled and
// the invocation is abandoned.
func (e *Executor) runWithTimeout(ctx context.Context, skill Skill, req Request, timeout time.Duration) (Response, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("skill panic: %v", r)}
			}
		}()
		resp, err := skill.Run(runCtx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-runCtx.Done():
		return Response{}, runCtx.Err()
	}
}

// pauseForInput persists the input request and issues a resume token; the
// caller responds on a later turn. The inputs the caller already supplied are
// stashed as a pocket fact so the resume message only needs the missing
// fields.
func (e *Executor) pauseForInput(ctx context.Context, cctx model.Context, c *contract.Contract, req *model.InputRequest, inputs map[string]any) (model.ExecutionResult, error) {
	result := model.ExecutionResult{
		Status:       model.StateInputRequired,
		InputRequest: req,
	}
	newCtx, err := e.advanceContext(ctx, cctx, result, c)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	if len(inputs) > 0 && c.StatePersistence != contract.PersistNone {
		if err := e.store.PutFact(ctx, cctx.CorrelationID, state.FactBucketInputs, "partial_inputs", inputs, 0); err != nil {
			log.Warn().Err(err).Str("correlation_id", cctx.CorrelationID).Msg("partial input stash failed")
		}
	}
	e.recordEvent(ctx, c, newCtx, c.Name, "", "input_required", map[string]any{
		"missing_fields": req.MissingFields,
	})
	return result, nil
}

// failTurn records the findings in validation_logs.txt and returns a failed
// result. Committed artifact writes are not rolled back, but the context
// version does not advance, so the turn is atomic from the caller's side.
func (e *Executor) failTurn(ctx context.Context, cctx model.Context, c *contract.Contract, dir string, entries ...model.ErrorEntry) (model.ExecutionResult, error) {
	for _, entry := range entries {
		line := fmt.Sprintf("%s: %s", entry.Kind, entry.Message)
		if entry.Subtype != "" {
			line = fmt.Sprintf("%s[%s]: %s", entry.Kind, entry.Subtype, entry.Message)
		}
		_ = artifact.AppendValidationLog(dir, line)
	}
	e.recordEvent(ctx, c, cctx, c.Name, "", "turn_failed", map[string]any{
		"skill":      c.Name,
		"violations": len(entries),
	})
	return model.ExecutionResult{
		Status: model.StateFailed,
		Errors: entries,
	}, nil
}

// advanceContext commits the turn via CAS, retrying after a lost race by
// reloading the current version.
func (e *Executor) advanceContext(ctx context.Context, cctx model.Context, result model.ExecutionResult, c *contract.Contract) (model.Context, error) {
	for attempt := 0; ; attempt++ {
		next := cctx
		next.TaskState = result.Status
		next.CurrentTurn = cctx.CurrentTurn + 1
		next.StepsTaken = cctx.StepsTaken + 1
		next.AgentStateDetail = ""
		next.InputRequestPayload = nil
		next.ResumeToken = ""
		if result.Status.Resumable() {
			next.AgentStateDetail = model.AgentStateDetail(result.Status)
			next.InputRequestPayload = result.InputRequest
			next.ResumeToken = state.GenerateResumeToken(cctx.CorrelationID, cctx.ContextVersion+1, next.CurrentTurn)
		}
		version, err := e.store.PutContext(ctx, next, cctx.ContextVersion)
		if err == nil {
			next.ContextVersion = version
			return next, nil
		}
		if !errors.Is(err, state.ErrVersionConflict) || attempt >= casRetries {
			return model.Context{}, err
		}
		reloaded, loadErr := e.store.GetContext(ctx, cctx.CorrelationID)
		if loadErr != nil {
			return model.Context{}, loadErr
		}
		cctx = reloaded
	}
}

// recordEvent appends a conversation event when the contract's persistence
// level asks for it. Best effort; event loss never fails the turn.
func (e *Executor) recordEvent(ctx context.Context, c *contract.Contract, cctx model.Context, skillName, messageID, eventType string, payload map[string]any) {
	if c.StatePersistence == contract.PersistNone || c.StatePersistence == contract.PersistFactsOnly {
		return
	}
	err := e.store.AppendEvent(ctx, model.Event{
		CorrelationID: cctx.CorrelationID,
		EventType:     eventType,
		Payload:       payload,
		TurnNumber:    cctx.CurrentTurn,
		AgentID:       skillName,
		MessageID:     messageID,
	})
	if err != nil {
		log.Warn().Err(err).Str("correlation_id", cctx.CorrelationID).Msg("event append failed")
	}
}

func (e *Executor) handleFor(c *contract.Contract) *Handle {
	deps := make(map[string]struct{}, len(c.DependsOn))
	for _, d := range c.DependsOn {
		deps[d] = struct{}{}
	}
	return &Handle{exec: e, caller: c.Name, deps: deps}
}

func gateError(subtype, message string) model.ErrorEntry {
	return model.ErrorEntry{Kind: model.ErrKindGate, Subtype: subtype, Message: message}
}

func findingsToErrors(r gate.Report) []model.ErrorEntry {
	if r.Passed {
		return nil
	}
	entries := make([]model.ErrorEntry, 0, len(r.Findings))
	for _, f := range r.Findings {
		msg := f.Message
		if f.File != "" && f.Line > 0 {
			msg = fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Message)
		}
		entries = append(entries, model.ErrorEntry{
			Kind:    model.ErrKindGate,
			Subtype: f.Code,
			Message: msg,
		})
	}
	return entries
}
