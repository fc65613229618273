// Package model defines the typed records shared across the skillrun runtime.
package model

import (
	"time"
)

// Hard resource bounds for a correlation id over its lifetime.
const (
	MaxSteps          = 50
	FixLoopMax        = 3
	DefaultMaxTurns   = 8
	MaxTurnsCap       = 20
	MaxEvents         = 100
	MaxFactsPerBucket = 50
	MaxChangedFiles   = 20
)

// DefaultSkillTimeout is the hard per-invocation timeout when a contract omits one.
const DefaultSkillTimeout = 300 * time.Second

// TaskState is the lifecycle state of a correlation context.
type TaskState string

const (
	StatePending       TaskState = "pending"
	StateInProgress    TaskState = "in_progress"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateTimeout       TaskState = "timeout"
	StateBlocked       TaskState = "blocked"
	StateEscalated     TaskState = "escalated"
	StateInputRequired TaskState = "input_required"
	StateDelegating    TaskState = "delegating"
	StatePaused        TaskState = "paused"
)

// Terminal reports whether the state ends the context lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateBlocked, StateEscalated:
		return true
	}
	return false
}

// Resumable reports whether the state can be continued on a later turn.
func (s TaskState) Resumable() bool {
	switch s {
	case StateInputRequired, StateDelegating, StatePaused:
		return true
	}
	return false
}

// Valid reports whether the state is one of the known values.
func (s TaskState) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateCompleted, StateFailed, StateTimeout,
		StateBlocked, StateEscalated, StateInputRequired, StateDelegating, StatePaused:
		return true
	}
	return false
}

// AgentStateDetail refines a non-terminal task state.
type AgentStateDetail string

const (
	DetailInputRequired AgentStateDetail = "input_required"
	DetailDelegating    AgentStateDetail = "delegating"
	DetailPaused        AgentStateDetail = "paused"
)

// Context is the durable per-correlation record. Mutations go through the
// state store's compare-and-swap on ContextVersion.
type Context struct {
	CorrelationID       string           `json:"correlation_id"`
	CurrentTurn         int              `json:"current_turn"`
	TaskState           TaskState        `json:"task_state"`
	ContextVersion      int64            `json:"context_version"`
	ResumeToken         string           `json:"resume_token,omitempty"`
	AgentStateDetail    AgentStateDetail `json:"agent_state_detail,omitempty"`
	InputRequestPayload *InputRequest    `json:"input_request_payload,omitempty"`
	Summary             string           `json:"summary,omitempty"`
	StepsTaken          int              `json:"steps_taken"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Event is one append-only record in a correlation's conversation log.
type Event struct {
	EventID       int64          `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	TurnNumber    int            `json:"turn_number"`
	Timestamp     time.Time      `json:"timestamp"`
	AgentID       string         `json:"agent_id,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
}

// Fact is a keyed, optionally expiring datum carried across turns.
type Fact struct {
	CorrelationID string         `json:"correlation_id"`
	Bucket        string         `json:"bucket"`
	Key           string         `json:"key"`
	Value         map[string]any `json:"value"`
	Timestamp     time.Time      `json:"timestamp"`
	TTLSeconds    int            `json:"ttl_seconds,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the fact has passed its expiry at the given instant.
func (f Fact) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// InputRequest describes what the caller must supply to resume a paused turn.
type InputRequest struct {
	MissingFields []string       `json:"missing_fields"`
	Prompt        string         `json:"prompt,omitempty"`
	Schema        map[string]any `json:"schema,omitempty"`
}

// ErrorKind classifies runtime errors attached to responses.
type ErrorKind string

const (
	ErrKindContract      ErrorKind = "contract_error"
	ErrKindGate          ErrorKind = "gate_error"
	ErrKindStateConflict ErrorKind = "state_conflict"
	ErrKindDuplicate     ErrorKind = "duplicate_message"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindEscalation    ErrorKind = "escalation"
	ErrKindSkillInternal ErrorKind = "skill_internal_error"
)

// ErrorEntry is one structured error in an AgentResponse.
type ErrorEntry struct {
	Kind    ErrorKind `json:"kind"`
	Subtype string    `json:"subtype,omitempty"`
	Message string    `json:"message"`
}

// AgentResponse is returned to callers of the agent adapter.
type AgentResponse struct {
	State        TaskState      `json:"state"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Errors       []ErrorEntry   `json:"errors,omitempty"`
	InputRequest *InputRequest  `json:"input_request,omitempty"`
	Metadata     Metadata       `json:"metadata"`
}

// Metadata carries execution details alongside an AgentResponse.
type Metadata struct {
	AgentState    AgentStateDetail `json:"agent_state,omitempty"`
	ResumeToken   string           `json:"resume_token,omitempty"`
	ExecutionMode string           `json:"execution_mode,omitempty"`
	Turn          int              `json:"turn,omitempty"`
	Replayed      bool             `json:"replayed,omitempty"`
}

// ExecutionResult is the executor's typed per-invocation outcome.
type ExecutionResult struct {
	Status           TaskState      `json:"status"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	Errors           []ErrorEntry   `json:"errors,omitempty"`
	ArtifactsWritten []string       `json:"artifacts_written,omitempty"`
	Iterations       int            `json:"iterations,omitempty"`
	InputRequest     *InputRequest  `json:"input_request,omitempty"`
	Replayed         bool           `json:"replayed,omitempty"`
}

// TraceSource identifies where evidence for an inferred field came from.
type TraceSource string

const (
	SourceCode       TraceSource = "SOURCE_CODE"
	SourceAPIDocs    TraceSource = "API_DOCS"
	SourceAssumption TraceSource = "ASSUMPTION"
)

// Valid reports whether the source is one of the canonical values.
func (s TraceSource) Valid() bool {
	switch s {
	case SourceCode, SourceAPIDocs, SourceAssumption:
		return true
	}
	return false
}

// TraceEntry records evidence for one inferred schema field.
type TraceEntry struct {
	FieldPath   string      `json:"field_path"`
	Source      TraceSource `json:"source"`
	Evidence    string      `json:"evidence"`
	Confidence  string      `json:"confidence"`
	SourceFile  string      `json:"source_file,omitempty"`
	LineRange   string      `json:"line_range,omitempty"`
	ExcerptHash string      `json:"excerpt_hash,omitempty"`
}

// TraceMap is the trace_map.json artifact.
type TraceMap struct {
	CorrelationID string       `json:"correlation_id"`
	NodeType      string       `json:"node_type"`
	TraceEntries  []TraceEntry `json:"trace_entries"`
}

// AssumptionRatio returns count(ASSUMPTION)/count(all), or 0 for an empty map.
func (m TraceMap) AssumptionRatio() float64 {
	if len(m.TraceEntries) == 0 {
		return 0
	}
	assumed := 0
	for _, e := range m.TraceEntries {
		if e.Source == SourceAssumption {
			assumed++
		}
	}
	return float64(assumed) / float64(len(m.TraceEntries))
}

// Allowlist is the allowlist.json artifact: file globs a write-capable skill
// may touch.
type Allowlist struct {
	Patterns []string `json:"patterns"`
}

// SyncFinding reports one forbidden construct located by the sync-compat gate.
type SyncFinding struct {
	File        string `json:"file,omitempty"`
	Line        int    `json:"line"`
	Pattern     string `json:"pattern"`
	Remediation string `json:"remediation"`
}
