// Package postgres persists calls, analyses, and lead status in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tiger/outreach-voice-engine/api/callengine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements callengine.RecordStore and callengine.ContextLoader over a
// pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and optionally applies embedded migrations.
func Open(ctx context.Context, dsn string, migrate bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadCallContext reads the script and lead referenced by a call start.
func (s *Store) LoadCallContext(ctx context.Context, leadID, scriptID string) (callengine.ScriptContext, callengine.Lead, error) {
	var (
		script callengine.ScriptContext
		lead   callengine.Lead
	)
	if scriptID != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT script_id, opening_line, agent_name, product_name, product_snippets FROM scripts WHERE script_id = $1`,
			scriptID,
		).Scan(&script.ScriptID, &script.OpeningLine, &script.AgentName, &script.ProductName, &script.ProductSnippet)
		if err != nil {
			return callengine.ScriptContext{}, callengine.Lead{}, notFound("script", scriptID, err)
		}
	}
	if leadID != "" {
		err := s.pool.QueryRow(ctx,
			`SELECT id, name, company, email FROM leads WHERE id = $1`,
			leadID,
		).Scan(&lead.ID, &lead.Name, &lead.Company, &lead.Email)
		if err != nil {
			return callengine.ScriptContext{}, callengine.Lead{}, notFound("lead", leadID, err)
		}
	}
	return script, lead, nil
}

// PutScript inserts or replaces a script.
func (s *Store) PutScript(ctx context.Context, script callengine.ScriptContext) error {
	snippets := script.ProductSnippet
	if snippets == nil {
		snippets = []string{}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO scripts (script_id, opening_line, agent_name, product_name, product_snippets)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (script_id) DO UPDATE SET
    opening_line = EXCLUDED.opening_line,
    agent_name = EXCLUDED.agent_name,
    product_name = EXCLUDED.product_name,
    product_snippets = EXCLUDED.product_snippets`,
		script.ScriptID, script.OpeningLine, script.AgentName, script.ProductName, snippets)
	if err != nil {
		return fmt.Errorf("put script %s: %w", script.ScriptID, err)
	}
	return nil
}

// PutLead inserts or replaces a lead's identity fields.
func (s *Store) PutLead(ctx context.Context, lead callengine.Lead) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO leads (id, name, company, email)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    company = EXCLUDED.company,
    email = EXCLUDED.email,
    updated_at = now()`,
		lead.ID, lead.Name, lead.Company, lead.Email)
	if err != nil {
		return fmt.Errorf("put lead %s: %w", lead.ID, err)
	}
	return nil
}

// SaveCall writes the call record. Saving the same call twice overwrites it.
func (s *Store) SaveCall(ctx context.Context, record callengine.CallRecord) error {
	if record.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	persona, transcript, err := encodeCall(record)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO calls (call_id, lead_id, script_id, persona, transcript, started_at, ended_at, duration_ms, disconnect_reason, final_phase)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (call_id) DO UPDATE SET
    transcript = EXCLUDED.transcript,
    ended_at = EXCLUDED.ended_at,
    duration_ms = EXCLUDED.duration_ms,
    disconnect_reason = EXCLUDED.disconnect_reason,
    final_phase = EXCLUDED.final_phase`,
		record.CallID, record.LeadID, record.ScriptID, persona, transcript,
		record.StartedAt.UTC(), record.EndedAt.UTC(), record.Duration.Milliseconds(),
		record.DisconnectReason, string(record.FinalPhase))
	if err != nil {
		return fmt.Errorf("save call %s: %w", record.CallID, err)
	}
	return nil
}

// SaveAnalysis stores the analysis for a previously saved call.
func (s *Store) SaveAnalysis(ctx context.Context, callID string, analysis callengine.CallAnalysis) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO call_analyses (call_id, interest_level, degraded, analysis)
VALUES ($1, $2, $3, $4)
ON CONFLICT (call_id) DO UPDATE SET
    interest_level = EXCLUDED.interest_level,
    degraded = EXCLUDED.degraded,
    analysis = EXCLUDED.analysis,
    created_at = now()`,
		callID, string(analysis.InterestLevel), analysis.Degraded, payload)
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", callID, err)
	}
	return nil
}

// UpdateLead writes the post-call status. Leads supplied inline at call
// start are created on first update.
func (s *Store) UpdateLead(ctx context.Context, leadID string, update callengine.LeadUpdate) error {
	if leadID == "" {
		return fmt.Errorf("lead_id is required")
	}
	var followUp *time.Time
	if update.FollowUpAt != nil {
		t := update.FollowUpAt.UTC()
		followUp = &t
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO leads (id, status, interest_level, follow_up_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    interest_level = EXCLUDED.interest_level,
    follow_up_at = EXCLUDED.follow_up_at,
    updated_at = now()`,
		leadID, string(update.Status), string(update.InterestLevel), followUp)
	if err != nil {
		return fmt.Errorf("update lead %s: %w", leadID, err)
	}
	return nil
}

// Call reads back a saved call record.
func (s *Store) Call(ctx context.Context, callID string) (callengine.CallRecord, error) {
	var (
		record              callengine.CallRecord
		persona, transcript []byte
		durationMS          int64
		finalPhase          string
	)
	err := s.pool.QueryRow(ctx, `
SELECT call_id, lead_id, script_id, persona, transcript, started_at, ended_at, duration_ms, disconnect_reason, final_phase
FROM calls WHERE call_id = $1`, callID).Scan(
		&record.CallID, &record.LeadID, &record.ScriptID, &persona, &transcript,
		&record.StartedAt, &record.EndedAt, &durationMS, &record.DisconnectReason, &finalPhase)
	if err != nil {
		return callengine.CallRecord{}, notFound("call", callID, err)
	}
	if err := json.Unmarshal(persona, &record.Persona); err != nil {
		return callengine.CallRecord{}, fmt.Errorf("decode persona: %w", err)
	}
	if err := json.Unmarshal(transcript, &record.Transcript); err != nil {
		return callengine.CallRecord{}, fmt.Errorf("decode transcript: %w", err)
	}
	record.Duration = time.Duration(durationMS) * time.Millisecond
	record.FinalPhase = callengine.Phase(finalPhase)
	return record, nil
}

// Analysis reads back a saved analysis.
func (s *Store) Analysis(ctx context.Context, callID string) (callengine.CallAnalysis, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT analysis FROM call_analyses WHERE call_id = $1`, callID).Scan(&payload)
	if err != nil {
		return callengine.CallAnalysis{}, notFound("analysis", callID, err)
	}
	var analysis callengine.CallAnalysis
	if err := json.Unmarshal(payload, &analysis); err != nil {
		return callengine.CallAnalysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	return analysis, nil
}

// LeadUpdate reads back the latest status of a lead.
func (s *Store) LeadUpdate(ctx context.Context, leadID string) (callengine.LeadUpdate, error) {
	var (
		status, interest string
		followUp         *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT status, interest_level, follow_up_at FROM leads WHERE id = $1`, leadID).
		Scan(&status, &interest, &followUp)
	if err != nil {
		return callengine.LeadUpdate{}, notFound("lead", leadID, err)
	}
	return callengine.LeadUpdate{
		Status:        callengine.LeadStatus(status),
		InterestLevel: callengine.InterestLevel(interest),
		FollowUpAt:    followUp,
	}, nil
}

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %q: %w", kind, id, err)
}

func encodeCall(record callengine.CallRecord) ([]byte, []byte, error) {
	persona, err := json.Marshal(record.Persona)
	if err != nil {
		return nil, nil, fmt.Errorf("encode persona: %w", err)
	}
	transcript := record.Transcript
	if transcript == nil {
		transcript = callengine.Transcript{}
	}
	encoded, err := json.Marshal(transcript)
	if err != nil {
		return nil, nil, fmt.Errorf("encode transcript: %w", err)
	}
	return persona, encoded, nil
}
