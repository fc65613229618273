// Package postgres provides the client-server state store backend used for
// multi-worker deployments.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/fieldworks/skillrun/internal/model"
	"github.com/fieldworks/skillrun/internal/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Store implements state.Store over a PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, applies migrations, and returns the store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := migrate(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", state.ErrBackendUnavailable, err)
	}
	log.Debug().Msg("postgres state store ready")
	return &Store{pool: pool}, nil
}

func migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// GetContext implements state.Store.
func (s *Store) GetContext(ctx context.Context, correlationID string) (model.Context, error) {
	row := s.pool.QueryRow(ctx, `SELECT correlation_id, current_turn, task_state, context_version,
		COALESCE(resume_token, ''), COALESCE(agent_state_detail, ''), input_request_json, summary,
		steps_taken, created_at, updated_at FROM agent_context_state WHERE correlation_id=$1`, correlationID)

	var (
		c                model.Context
		taskState        string
		stateDetail      string
		inputRequestJSON []byte
	)
	err := row.Scan(&c.CorrelationID, &c.CurrentTurn, &taskState, &c.ContextVersion,
		&c.ResumeToken, &stateDetail, &inputRequestJSON, &c.Summary, &c.StepsTaken,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Context{}, state.ErrNotFound
	}
	if err != nil {
		return model.Context{}, fmt.Errorf("read context: %w", err)
	}
	c.TaskState = model.TaskState(taskState)
	c.AgentStateDetail = model.AgentStateDetail(stateDetail)
	if len(inputRequestJSON) > 0 {
		var req model.InputRequest
		if err := json.Unmarshal(inputRequestJSON, &req); err != nil {
			return model.Context{}, fmt.Errorf("decode input request: %w", err)
		}
		c.InputRequestPayload = &req
	}
	return c, nil
}

// PutContext implements the optimistic CAS write.
func (s *Store) PutContext(ctx context.Context, c model.Context, expectedVersion int64) (int64, error) {
	now := time.Now().UTC()
	var inputRequestJSON []byte
	if c.InputRequestPayload != nil {
		data, err := json.Marshal(c.InputRequestPayload)
		if err != nil {
			return 0, fmt.Errorf("encode input request: %w", err)
		}
		inputRequestJSON = data
	}

	if expectedVersion == 0 {
		created := c.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := s.pool.Exec(ctx, `INSERT INTO agent_context_state(correlation_id, current_turn,
			task_state, context_version, resume_token, agent_state_detail, input_request_json, summary,
			steps_taken, created_at, updated_at) VALUES($1, $2, $3, 1, NULLIF($4, ''), NULLIF($5, ''),
			$6, $7, $8, $9, $10)`,
			c.CorrelationID, c.CurrentTurn, string(c.TaskState), c.ResumeToken,
			string(c.AgentStateDetail), inputRequestJSON, c.Summary, c.StepsTaken, created, now)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, state.ErrVersionConflict
			}
			return 0, fmt.Errorf("insert context: %w", err)
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	tag, err := s.pool.Exec(ctx, `UPDATE agent_context_state SET current_turn=$1, task_state=$2,
		context_version=$3, resume_token=NULLIF($4, ''), agent_state_detail=NULLIF($5, ''),
		input_request_json=$6, summary=$7, steps_taken=$8, updated_at=$9
		WHERE correlation_id=$10 AND context_version=$11`,
		c.CurrentTurn, string(c.TaskState), newVersion, c.ResumeToken, string(c.AgentStateDetail),
		inputRequestJSON, c.Summary, c.StepsTaken, now, c.CorrelationID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetContext(ctx, c.CorrelationID); errors.Is(getErr, state.ErrNotFound) {
			return 0, state.ErrNotFound
		}
		return 0, state.ErrVersionConflict
	}
	return newVersion, nil
}

// AppendEvent inserts the event and trims the log to model.MaxEvents.
func (s *Store) AppendEvent(ctx context.Context, e model.Event) error {
	var payloadJSON []byte
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payloadJSON = data
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO agent_conversation_events(correlation_id, event_type,
		payload_json, turn_number, ts, agent_id, message_id)
		VALUES($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
		e.CorrelationID, e.EventType, payloadJSON, e.TurnNumber, ts, e.AgentID, e.MessageID); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agent_conversation_events WHERE correlation_id=$1
		AND event_id NOT IN (SELECT event_id FROM agent_conversation_events WHERE correlation_id=$1
		ORDER BY event_id DESC LIMIT $2)`, e.CorrelationID, model.MaxEvents); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

// Events returns retained events, oldest first.
func (s *Store) Events(ctx context.Context, correlationID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_id, correlation_id, event_type, payload_json,
		turn_number, ts, COALESCE(agent_id, ''), COALESCE(message_id, '')
		FROM agent_conversation_events WHERE correlation_id=$1 ORDER BY event_id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e           model.Event
			payloadJSON []byte
		)
		if err := rows.Scan(&e.EventID, &e.CorrelationID, &e.EventType, &payloadJSON,
			&e.TurnNumber, &e.Timestamp, &e.AgentID, &e.MessageID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// RecordMessage registers a message id for dedupe.
func (s *Store) RecordMessage(ctx context.Context, correlationID, messageID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO agent_messages(correlation_id, message_id, ts)
		VALUES($1, $2, $3)`, correlationID, messageID, time.Now().UTC())
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
	var ttl *int
	var expiresAt *time.Time
	if ttlSeconds > 0 {
		ttl = &ttlSeconds
		exp := now.Add(time.Duration(ttlSeconds) * time.Second)
		expiresAt = &exp
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put fact: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO agent_pocket_facts(correlation_id, bucket, key, value_json,
		ts, ttl_seconds, expires_at) VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id, bucket, key) DO UPDATE SET value_json=EXCLUDED.value_json,
		ts=EXCLUDED.ts, ttl_seconds=EXCLUDED.ttl_seconds, expires_at=EXCLUDED.expires_at`,
		correlationID, bucket, key, data, now, ttl, expiresAt); err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agent_pocket_facts WHERE correlation_id=$1 AND bucket=$2
		AND key NOT IN (SELECT key FROM agent_pocket_facts WHERE correlation_id=$1 AND bucket=$2
		ORDER BY ts DESC, key ASC LIMIT $3)`, correlationID, bucket, model.MaxFactsPerBucket); err != nil {
		return fmt.Errorf("evict facts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put fact: %w", err)
	}
	return nil
}

// GetFacts returns non-expired facts and garbage-collects expired rows.
func (s *Store) GetFacts(ctx context.Context, correlationID, bucket string) ([]model.Fact, error) {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_pocket_facts WHERE correlation_id=$1 AND bucket=$2
		AND expires_at IS NOT NULL AND expires_at <= $3`, correlationID, bucket, now); err != nil {
		return nil, fmt.Errorf("gc facts: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT correlation_id, bucket, key, value_json, ts,
		COALESCE(ttl_seconds, 0), expires_at FROM agent_pocket_facts
		WHERE correlation_id=$1 AND bucket=$2 ORDER BY ts ASC, key ASC`, correlationID, bucket)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var (
			f         model.Fact
			valueJSON []byte
			expiresAt *time.Time
		)
		if err := rows.Scan(&f.CorrelationID, &f.Bucket, &f.Key, &valueJSON, &f.Timestamp,
			&f.TTLSeconds, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &f.Value); err != nil {
			return nil, fmt.Errorf("decode fact value: %w", err)
		}
		f.ExpiresAt = expiresAt
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
	if _, err := s.pool.Exec(ctx, `INSERT INTO agent_results(correlation_id, message_id, response_json, ts)
		VALUES($1, $2, $3, $4) ON CONFLICT (correlation_id, message_id)
		DO UPDATE SET response_json=EXCLUDED.response_json`,
		correlationID, messageID, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("put result: %w", err)
	}
	return nil
}

// GetResult returns the persisted response for a message id.
func (s *Store) GetResult(ctx context.Context, correlationID, messageID string) (model.AgentResponse, error) {
	row := s.pool.QueryRow(ctx, `SELECT response_json FROM agent_results
		WHERE correlation_id=$1 AND message_id=$2`, correlationID, messageID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentResponse{}, state.ErrNotFound
		}
		return model.AgentResponse{}, fmt.Errorf("read result: %w", err)
	}
	var resp model.AgentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return model.AgentResponse{}, fmt.Errorf("decode result: %w", err)
	}
	return resp, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
