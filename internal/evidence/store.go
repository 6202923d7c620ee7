// Package evidence is the decision log: one signed record for every action
// decision a run logs, including the fallback written when a run ends
// without one.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/database"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/evidence")

var ErrDecisionNotFound = errors.New("decision not found")

// Source says who produced a decision.
type Source string

const (
	SourcePolicy   Source = "policy"
	SourceHuman    Source = "human"
	SourceFallback Source = "fallback"
)

// Decision is one logged action decision.
type Decision struct {
	ID            string           `json:"id"`
	CaseID        string           `json:"case_id"`
	RunID         string           `json:"run_id,omitempty"`
	Iteration     int              `json:"iteration"`
	Trigger       string           `json:"trigger,omitempty"`
	Source        Source           `json:"source"`
	ActionType    cases.ActionType `json:"action_type"`
	Confidence    float64          `json:"confidence"`
	Category      string           `json:"category,omitempty"`
	Justification string           `json:"justification"`
	Reasoning     []string         `json:"reasoning,omitempty"`
	GateOutcome   string           `json:"gate_outcome,omitempty"`
	GateReasons   []string         `json:"gate_reasons,omitempty"`
	PolicyVersion string           `json:"policy_version,omitempty"`
	ProposalID    string           `json:"proposal_id,omitempty"`
	InputHash     string           `json:"input_hash,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	Signature     string           `json:"signature"`
}

// Entry is the input to Record. InputText is hashed, never stored.
type Entry struct {
	CaseID        string
	RunID         string
	Iteration     int
	Trigger       string
	Source        Source
	ActionType    cases.ActionType
	Confidence    float64
	Category      string
	Justification string
	Reasoning     []string
	GateOutcome   string
	GateReasons   []string
	PolicyVersion string
	ProposalID    string
	InputText     string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		run_id TEXT,
		source TEXT NOT NULL,
		action_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		decision_json TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_case ON decisions(case_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id)`,
}

// Store persists signed decisions.
type Store struct {
	db     *database.DB
	signer *Signer
}

// NewStore creates the decisions table.
func NewStore(db *database.DB, signer *Signer) (*Store, error) {
	if err := db.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("creating decisions table: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Record signs and persists one decision.
func (s *Store) Record(ctx context.Context, e Entry) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "evidence.record",
		trace.WithAttributes(
			attribute.String("case.id", e.CaseID),
			attribute.String("decision.action_type", string(e.ActionType)),
			attribute.String("decision.source", string(e.Source)),
		))
	defer span.End()

	d := &Decision{
		ID:            "dec_" + uuid.New().String()[:12],
		CaseID:        e.CaseID,
		RunID:         e.RunID,
		Iteration:     e.Iteration,
		Trigger:       e.Trigger,
		Source:        e.Source,
		ActionType:    e.ActionType,
		Confidence:    e.Confidence,
		Category:      e.Category,
		Justification: e.Justification,
		Reasoning:     e.Reasoning,
		GateOutcome:   e.GateOutcome,
		GateReasons:   e.GateReasons,
		PolicyVersion: e.PolicyVersion,
		ProposalID:    e.ProposalID,
		InputHash:     hashString(e.InputText),
		Timestamp:     time.Now().UTC(),
	}
	unsigned, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling decision: %w", err)
	}
	d.Signature = s.signer.Sign(unsigned)
	signed, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling decision: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, case_id, run_id, source, action_type, confidence, decision_json, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CaseID, nullString(d.RunID), string(d.Source), string(d.ActionType), d.Confidence,
		string(signed), d.Signature, d.Timestamp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("storing decision: %w", err)
	}
	log.Info().
		Str("case_id", d.CaseID).
		Str("run_id", d.RunID).
		Str("decision_id", d.ID).
		Str("action", string(d.ActionType)).
		Str("source", string(d.Source)).
		Float64("confidence", d.Confidence).
		Msg("decision_logged")
	return d, nil
}

// Get returns a decision by id.
func (s *Store) Get(ctx context.Context, id string) (*Decision, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT decision_json FROM decisions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("unmarshaling decision: %w", err)
	}
	return &d, nil
}

// List returns decisions, optionally for one case, newest first.
func (s *Store) List(ctx context.Context, caseID string, limit int) ([]Decision, error) {
	query := `SELECT decision_json FROM decisions WHERE 1=1`
	args := []interface{}{}
	if caseID != "" {
		query += ` AND case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListForRun returns the decisions a run logged, oldest first.
func (s *Store) ListForRun(ctx context.Context, runID string) ([]Decision, error) {
	return s.query(ctx, `SELECT decision_json FROM decisions WHERE run_id = ? ORDER BY created_at ASC`, runID)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		var d Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			log.Warn().Err(err).Msg("decision_unreadable")
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Verify reports whether a stored decision still matches its signature.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify", trace.WithAttributes(attribute.String("decision.id", id)))
	defer span.End()

	d, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	sig := d.Signature
	d.Signature = ""
	unsigned, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, sig), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
