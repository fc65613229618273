package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/state"
)

const timeLayout = time.RFC3339Nano

// Store implements state.Store over an embedded SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetContext implements state.Store.
func (s *Store) GetContext(ctx context.Context, correlationID string) (model.Context, error) {
	row := s.db.QueryRowContext(ctx, `SELECT correlation_id, current_turn, task_state, context_version,
		resume_token, agent_state_detail, input_request_json, summary, steps_taken, created_at, updated_at
		FROM agent_context_state WHERE correlation_id=?`, correlationID)
	return scanContext(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (model.Context, error) {
	var (
		c                model.Context
		resumeToken      sql.NullString
		stateDetail      sql.NullString
		inputRequestJSON sql.NullString
		createdAt        string
		updatedAt        string
	)
	err := row.Scan(&c.CorrelationID, &c.CurrentTurn, &c.TaskState, &c.ContextVersion,
		&resumeToken, &stateDetail, &inputRequestJSON, &c.Summary, &c.StepsTaken, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Context{}, state.ErrNotFound
	}
	if err != nil {
		return model.Context{}, fmt.Errorf("read context: %w", err)
	}
	c.ResumeToken = resumeToken.String
	c.AgentStateDetail = model.AgentStateDetail(stateDetail.String)
	if inputRequestJSON.Valid && inputRequestJSON.String != "" {
		var req model.InputRequest
		if err := json.Unmarshal([]byte(inputRequestJSON.String), &req); err != nil {
			return model.Context{}, fmt.Errorf("decode input request: %w", err)
		}
		c.InputRequestPayload = &req
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return model.Context{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return model.Context{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return c, nil
}

// PutContext implements the optimistic CAS write. expectedVersion 0 creates
// the row at version 1.
func (s *Store) PutContext(ctx context.Context, c model.Context, expectedVersion int64) (int64, error) {
	now := time.Now().UTC()
	var inputRequestJSON any
	if c.InputRequestPayload != nil {
		data, err := json.Marshal(c.InputRequestPayload)
		if err != nil {
			return 0, fmt.Errorf("encode input request: %w", err)
		}
		inputRequestJSON = string(data)
	}

	if expectedVersion == 0 {
		created := c.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO agent_context_state(correlation_id, current_turn,
			task_state, context_version, resume_token, agent_state_detail, input_request_json, summary,
			steps_taken, created_at, updated_at) VALUES(?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`,
			c.CorrelationID, c.CurrentTurn, string(c.TaskState), nullable(c.ResumeToken),
			nullable(string(c.AgentStateDetail)), inputRequestJSON, c.Summary, c.StepsTaken,
			created.Format(timeLayout), now.Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				return 0, state.ErrVersionConflict
			}
			return 0, fmt.Errorf("insert context: %w", err)
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	res, err := s.db.ExecContext(ctx, `UPDATE agent_context_state SET current_turn=?, task_state=?,
		context_version=?, resume_token=?, agent_state_detail=?, input_request_json=?, summary=?,
		steps_taken=?, updated_at=? WHERE correlation_id=? AND context_version=?`,
		c.CurrentTurn, string(c.TaskState), newVersion, nullable(c.ResumeToken),
		nullable(string(c.AgentStateDetail)), inputRequestJSON, c.Summary, c.StepsTaken,
		now.Format(timeLayout), c.CorrelationID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update context rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetContext(ctx, c.CorrelationID); getErr == state.ErrNotFound {
			return 0, state.ErrNotFound
		}
		return 0, state.ErrVersionConflict
	}
	return newVersion, nil
}

// AppendEvent inserts the event and trims the log to model.MaxEvents.
func (s *Store) AppendEvent(ctx context.Context, e model.Event) error {
	var payloadJSON any
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payloadJSON = string(data)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agent_conversation_events(correlation_id, event_type,
		payload_json, turn_number, ts, agent_id, message_id) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.CorrelationID, e.EventType, payloadJSON, e.TurnNumber, ts.Format(timeLayout),
		nullable(e.AgentID), nullable(e.MessageID)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_conversation_events WHERE correlation_id=?
		AND event_id NOT IN (SELECT event_id FROM agent_conversation_events WHERE correlation_id=?
		ORDER BY event_id DESC LIMIT ?)`, e.CorrelationID, e.CorrelationID, model.MaxEvents); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

// Events returns retained events, oldest first.
func (s *Store) Events(ctx context.Context, correlationID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, correlation_id, event_type, payload_json,
		turn_number, ts, agent_id, message_id FROM agent_conversation_events
		WHERE correlation_id=? ORDER BY event_id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var (
			e           model.Event
			payloadJSON sql.NullString
			ts          string
			agentID     sql.NullString
			messageID   sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.CorrelationID, &e.EventType, &payloadJSON,
			&e.TurnNumber, &ts, &agentID, &messageID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		e.AgentID = agentID.String
		e.MessageID = messageID.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// RecordMessage registers a message id for dedupe.
func (s *Store) RecordMessage(ctx context.Context, correlationID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_messages(correlation_id, message_id, ts)
		VALUES(?, ?, ?)`, correlationID, messageID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrDuplicateMessage
		}
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// PutFact upserts a fact and evicts the oldest entries beyond the bucket cap.
func (s *Store) PutFact(ctx context.Context, correlationID, bucket, key string, value map[string]any, ttlSeconds int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode fact value: %w", err)
	}
	now := time.Now().UTC()
	var expiresAt any
	var ttl any
	if ttlSeconds > 0 {
		ttl = ttlSeconds
		expiresAt = now.Add(time.Duration(ttlSeconds) * time.Second).Format(timeLayout)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin put fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agent_pocket_facts(correlation_id, bucket, key,
		value_json, ts, ttl_seconds, expires_at) VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id, bucket, key) DO UPDATE SET value_json=excluded.value_json,
		ts=excluded.ts, ttl_seconds=excluded.ttl_seconds, expires_at=excluded.expires_at`,
		correlationID, bucket, key, string(data), now.Format(timeLayout), ttl, expiresAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_pocket_facts WHERE correlation_id=? AND bucket=?
		AND key NOT IN (SELECT key FROM agent_pocket_facts WHERE correlation_id=? AND bucket=?
		ORDER BY ts DESC, key ASC LIMIT ?)`,
		correlationID, bucket, correlationID, bucket, model.MaxFactsPerBucket); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("evict facts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put fact: %w", err)
	}
	return nil
}

// GetFacts returns non-expired facts and garbage-collects expired rows.
func (s *Store) GetFacts(ctx context.Context, correlationID, bucket string) ([]model.Fact, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_pocket_facts WHERE correlation_id=? AND bucket=?
		AND expires_at IS NOT NULL AND expires_at <= ?`,
		correlationID, bucket, now.Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("gc facts: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT correlation_id, bucket, key, value_json, ts, ttl_seconds,
		expires_at FROM agent_pocket_facts WHERE correlation_id=? AND bucket=? ORDER BY ts ASC, key ASC`,
		correlationID, bucket)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var facts []model.Fact
	for rows.Next() {
		var (
			f         model.Fact
			valueJSON string
			ts        string
			ttl       sql.NullInt64
			expiresAt sql.NullString
		)
		if err := rows.Scan(&f.CorrelationID, &f.Bucket, &f.Key, &valueJSON, &ts, &ttl, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &f.Value); err != nil {
			return nil, fmt.Errorf("decode fact value: %w", err)
		}
		if f.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse fact ts: %w", err)
		}
		if ttl.Valid {
			f.TTLSeconds = int(ttl.Int64)
		}
		if expiresAt.Valid {
			exp, err := time.Parse(timeLayout, expiresAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse fact expiry: %w", err)
			}
			f.ExpiresAt = &exp
		}
		if f.Expired(now) {
			continue
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// PutResult persists a response for dedupe replay.
func (s *Store) PutResult(ctx context.Context, correlationID, messageID string, response model.AgentResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO agent_results(correlation_id, message_id, response_json, ts)
		VALUES(?, ?, ?, ?) ON CONFLICT(correlation_id, message_id) DO UPDATE SET response_json=excluded.response_json`,
		correlationID, messageID, string(data), time.Now().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("put result: %w", err)
	}
	return nil
}

// GetResult returns the persisted response for a message id.
func (s *Store) GetResult(ctx context.Context, correlationID, messageID string) (model.AgentResponse, error) {
	row := s.db.QueryRowContext(ctx, `SELECT response_json FROM agent_results
		WHERE correlation_id=? AND message_id=?`, correlationID, messageID)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return model.AgentResponse{}, state.ErrNotFound
		}
		return model.AgentResponse{}, fmt.Errorf("read result: %w", err)
	}
	var resp model.AgentResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return model.AgentResponse{}, fmt.Errorf("decode result: %w", err)
	}
	return resp, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed"))
}
