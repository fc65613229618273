// Package adapter is the protocol boundary of the runtime: it accepts agent
// messages, enforces delivery semantics (dedupe, resume tokens, fact
// injection), and maps executor results onto the task-state protocol.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/executor"
	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/state"
)

// DefaultFactBucket is where paused turns stash partial inputs for resume.
const DefaultFactBucket = state.FactBucketInputs

const (
	contextCacheTTL   = 30 * time.Second
	contextCacheSweep = time.Minute
)

// Adapter fronts the executor for message-oriented callers.
type Adapter struct {
	exec          *executor.Executor
	store         state.Store
	registry      *contract.Registry
	routerEnabled bool
	contexts      *gocache.Cache
}

// Options configures adapter behavior.
type Options struct {
	// RouterEnabled permits the delegating state to surface. When false,
	// delegation demotes to blocked with an explanatory error.
	RouterEnabled bool
}

// InvokeOptions carries per-message delivery details.
type InvokeOptions struct {
	// MessageID enables exactly-once semantics: a repeated id replays the
	// stored response instead of re-executing.
	MessageID string
	// ResumeToken must be presented when answering an input_required or
	// paused turn. It is validated against the stored context version.
	ResumeToken string
	// FactBuckets names the pocket-fact buckets merged into inputs on
	// resume. Defaults to DefaultFactBucket.
	FactBuckets []string
}

// New returns an Adapter over the given executor and store.
func New(exec *executor.Executor, store state.Store, registry *contract.Registry, opts Options) *Adapter {
	return &Adapter{
		exec:          exec,
		store:         store,
		registry:      registry,
		routerEnabled: opts.RouterEnabled,
		contexts:      gocache.New(contextCacheTTL, contextCacheSweep),
	}
}

// Invoke handles one inbound message end to end. Errors are reserved for
// infrastructure defects; protocol-level failures come back as responses.
func (a *Adapter) Invoke(ctx context.Context, skillName string, inputs map[string]any, correlationID string, opts InvokeOptions) (model.AgentResponse, error) {
	c, err := a.registry.Get(skillName)
	if err != nil {
		return model.AgentResponse{}, err
	}

	if opts.MessageID != "" {
		if err := a.store.RecordMessage(ctx, correlationID, opts.MessageID); err != nil {
			if !errors.Is(err, state.ErrDuplicateMessage) {
				return model.AgentResponse{}, err
			}
			return a.replay(ctx, correlationID, opts.MessageID)
		}
	}

	if opts.ResumeToken != "" {
		token, err := state.ValidateResumeToken(ctx, a.store, opts.ResumeToken)
		if err != nil {
			log.Warn().Err(err).Str("correlation_id", correlationID).Msg("resume token rejected")
			return a.finish(ctx, c, correlationID, opts.MessageID, model.AgentResponse{
				State: model.StateBlocked,
				Errors: []model.ErrorEntry{{
					Kind:    model.ErrKindStateConflict,
					Subtype: "invalid_resume_token",
					Message: err.Error(),
				}},
			})
		}
		if token.CorrelationID != correlationID {
			return a.finish(ctx, c, correlationID, opts.MessageID, model.AgentResponse{
				State: model.StateBlocked,
				Errors: []model.ErrorEntry{{
					Kind:    model.ErrKindStateConflict,
					Subtype: "invalid_resume_token",
					Message: fmt.Sprintf("token belongs to context %q", token.CorrelationID),
				}},
			})
		}
		inputs, err = a.mergeFacts(ctx, correlationID, opts.FactBuckets, inputs)
		if err != nil {
			return model.AgentResponse{}, err
		}
	}

	result, err := a.exec.Execute(ctx, skillName, inputs, correlationID, opts.MessageID)
	if err != nil {
		return model.AgentResponse{}, err
	}
	// Failed and timed-out turns never commit a new context version, so a
	// cached snapshot stays current. Everything else advanced the context.
	if result.Status != model.StateFailed && result.Status != model.StateTimeout {
		a.contexts.Delete(correlationID)
	}

	resp := a.toResponse(ctx, c, correlationID, result)
	return a.finish(ctx, c, correlationID, opts.MessageID, resp)
}

// replay returns the stored response for a duplicate message id, flagged as
// replayed. No execution happens and no event is appended.
func (a *Adapter) replay(ctx context.Context, correlationID, messageID string) (model.AgentResponse, error) {
	stored, err := a.store.GetResult(ctx, correlationID, messageID)
	if errors.Is(err, state.ErrNotFound) {
		// Recorded but never finished: a prior worker died mid-turn.
		return model.AgentResponse{
			State: model.StateFailed,
			Errors: []model.ErrorEntry{{
				Kind:    model.ErrKindDuplicate,
				Message: fmt.Sprintf("message %q was already accepted but has no stored result", messageID),
			}},
		}, nil
	}
	if err != nil {
		return model.AgentResponse{}, err
	}
	stored.Metadata.Replayed = true
	log.Debug().
		Str("correlation_id", correlationID).
		Str("message_id", messageID).
		Msg("duplicate message replayed")
	return stored, nil
}

// mergeFacts injects pocket facts beneath the caller's inputs: explicit
// inputs always win over remembered ones.
func (a *Adapter) mergeFacts(ctx context.Context, correlationID string, buckets []string, inputs map[string]any) (map[string]any, error) {
	if len(buckets) == 0 {
		buckets = []string{DefaultFactBucket}
	}
	merged := make(map[string]any)
	for _, bucket := range buckets {
		facts, err := a.store.GetFacts(ctx, correlationID, bucket)
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			for k, v := range f.Value {
				merged[k] = v
			}
		}
	}
	for k, v := range inputs {
		merged[k] = v
	}
	return merged, nil
}

// toResponse maps an executor result onto the wire protocol, applying the
// delegation policy and attaching context metadata.
func (a *Adapter) toResponse(ctx context.Context, c *contract.Contract, correlationID string, result model.ExecutionResult) model.AgentResponse {
	resp := model.AgentResponse{
		State:        result.Status,
		Outputs:      result.Outputs,
		Errors:       result.Errors,
		InputRequest: result.InputRequest,
		Metadata: model.Metadata{
			ExecutionMode: string(c.ExecutionMode),
			Replayed:      result.Replayed,
		},
	}

	if resp.State == model.StateDelegating && !a.routerEnabled {
		resp.State = model.StateBlocked
		resp.Errors = append(resp.Errors, model.ErrorEntry{
			Kind:    model.ErrKindEscalation,
			Subtype: "delegation_unavailable",
			Message: "delegation requested but no router is enabled",
		})
	}

	if cctx, err := a.getContext(ctx, correlationID); err == nil {
		resp.Metadata.AgentState = cctx.AgentStateDetail
		resp.Metadata.ResumeToken = cctx.ResumeToken
		resp.Metadata.Turn = cctx.CurrentTurn
	}
	return resp
}

// finish persists the response for future replays when the message carried an
// id, then returns it. The persisted and returned forms are the same
// canonical encoding, so a replay is byte-identical to the first delivery.
func (a *Adapter) finish(ctx context.Context, c *contract.Contract, correlationID, messageID string, resp model.AgentResponse) (model.AgentResponse, error) {
	if messageID == "" {
		return resp, nil
	}
	canonical, err := canonicalize(resp)
	if err != nil {
		return model.AgentResponse{}, fmt.Errorf("canonicalize response: %w", err)
	}
	if err := a.store.PutResult(ctx, correlationID, messageID, canonical); err != nil {
		log.Warn().Err(err).
			Str("correlation_id", correlationID).
			Str("message_id", messageID).
			Msg("result persistence failed; duplicates of this message will not replay")
	}
	return canonical, nil
}

// canonicalize round-trips a response through its wire encoding. Skill
// handlers hand back native Go values (ints, typed structs) that would
// otherwise differ from the JSON-decoded form a replay serves.
func canonicalize(resp model.AgentResponse) (model.AgentResponse, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return model.AgentResponse{}, err
	}
	var out model.AgentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.AgentResponse{}, err
	}
	return out, nil
}

func (a *Adapter) getContext(ctx context.Context, correlationID string) (model.Context, error) {
	if cached, ok := a.contexts.Get(correlationID); ok {
		return cached.(model.Context), nil
	}
	cctx, err := a.store.GetContext(ctx, correlationID)
	if err != nil {
		return model.Context{}, err
	}
	a.contexts.SetDefault(correlationID, cctx)
	return cctx, nil
}
