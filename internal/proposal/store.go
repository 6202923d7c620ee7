package proposal

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

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/proposal")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		run_id TEXT,
		action_type TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		reasoning_json TEXT NOT NULL,
		confidence REAL NOT NULL,
		risk_flags_json TEXT NOT NULL,
		warnings_json TEXT NOT NULL,
		can_auto_execute INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		adjustments INTEGER NOT NULL DEFAULT 0,
		decision_json TEXT,
		outbound_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_case ON proposals(case_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_one_active ON proposals(case_id)
		WHERE status IN ('PENDING_APPROVAL', 'BLOCKED', 'DECISION_RECEIVED')`,
}

const proposalColumns = `id, case_id, run_id, action_type, subject, body, reasoning_json, confidence,
	risk_flags_json, warnings_json, can_auto_execute, status, adjustments, decision_json, outbound_id,
	created_at, updated_at`

// Store persists proposals.
type Store struct {
	db *database.DB
}

// NewStore creates the store and its table.
func NewStore(db *database.DB) (*Store, error) {
	if err := db.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("creating proposals table: %w", err)
	}
	return &Store{db: db}, nil
}

// NewID returns a fresh proposal id.
func NewID() string { return "prop_" + uuid.New().String()[:12] }

// Create persists p. A proposal in a non-terminal status is refused when the
// case already has one.
func (s *Store) Create(ctx context.Context, p *Proposal) error {
	ctx, span := tracer.Start(ctx, "proposal.create",
		trace.WithAttributes(
			attribute.String("case.id", p.CaseID),
			attribute.String("proposal.action_type", string(p.ActionType)),
		))
	defer span.End()

	if !p.Status.IsTerminal() {
		if _, err := s.ActiveForCase(ctx, p.CaseID); err == nil {
			return fmt.Errorf("%w: %s", ErrActiveProposal, p.CaseID)
		} else if !errors.Is(err, ErrProposalNotFound) {
			return err
		}
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	reasoning, flags, warnings, err := encodeLists(p)
	if err != nil {
		return err
	}
	decision, err := encodeDecision(p.Decision)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CaseID, nullString(p.RunID), string(p.ActionType), p.Subject, p.Body, reasoning, p.Confidence,
		flags, warnings, boolInt(p.CanAutoExecute), string(p.Status), p.Adjustments, decision,
		nullString(p.OutboundID), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("inserting proposal: %w", err)
	}
	log.Info().
		Str("case_id", p.CaseID).
		Str("proposal_id", p.ID).
		Str("action", string(p.ActionType)).
		Str("status", string(p.Status)).
		Msg("proposal_created")
	return nil
}

// Get returns a proposal by id.
func (s *Store) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading proposal %s: %w", id, err)
	}
	return p, nil
}

// ActiveForCase returns the case's non-terminal proposal, or ErrProposalNotFound.
func (s *Store) ActiveForCase(ctx context.Context, caseID string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE case_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		caseID, string(StatusPendingApproval), string(StatusBlocked), string(StatusDecisionReceived))
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active proposal for %s", ErrProposalNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading active proposal for %s: %w", caseID, err)
	}
	return p, nil
}

// ListPending returns proposals awaiting a human, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		string(StatusPendingApproval), string(StatusBlocked), limit)
}

// ListForCase returns every proposal on a case, oldest first.
func (s *Store) ListForCase(ctx context.Context, caseID string) ([]*Proposal, error) {
	return s.query(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE case_id = ? ORDER BY created_at ASC`, caseID)
}

// CountForCase returns how many proposals of the given action a case has had.
func (s *Store) CountForCase(ctx context.Context, caseID string, action cases.ActionType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals WHERE case_id = ? AND action_type = ?`, caseID, string(action)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting proposals: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordDecision attaches a human decision to a proposal awaiting one and
// moves it to DECISION_RECEIVED.
func (s *Store) RecordDecision(ctx context.Context, id string, d HumanDecision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	raw, err := encodeDecision(&d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = ?, decision_json = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusDecisionReceived), raw, time.Now().UTC(), id,
		string(StatusPendingApproval), string(StatusBlocked),
	)
	if err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrProposalNotPending, id)
	}
	log.Info().Str("proposal_id", id).Str("decision", string(d.Action)).Str("decided_by", d.DecidedBy).Msg("proposal_decided")
	return nil
}

// Redraft replaces the draft after an ADJUST and puts the proposal back in
// front of the reviewer. The decision that asked for it is cleared in the same
// write.
func (s *Store) Redraft(ctx context.Context, id, subject, body, reasoning string, status Status) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusDecisionReceived {
		return fmt.Errorf("%w: %s is %s", ErrProposalNotPending, id, p.Status)
	}
	p.Reasoning = append(p.Reasoning, reasoning)
	raw, err := json.Marshal(p.Reasoning)
	if err != nil {
		return fmt.Errorf("marshaling reasoning: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET subject = ?, body = ?, reasoning_json = ?, adjustments = adjustments + 1,
			status = ?, decision_json = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		subject, body, string(raw), string(status), time.Now().UTC(), id, string(StatusDecisionReceived))
	if err != nil {
		return fmt.Errorf("redrafting proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrProposalNotPending, id)
	}
	return nil
}

// AppendReasoning adds an entry to the proposal's reasoning.
func (s *Store) AppendReasoning(ctx context.Context, id, entry string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(append(p.Reasoning, entry))
	if err != nil {
		return fmt.Errorf("marshaling reasoning: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE proposals SET reasoning_json = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("appending reasoning: %w", err)
	}
	return nil
}

// Finish moves a non-terminal proposal to a terminal status. outboundID is
// recorded for executed sends and may be empty.
func (s *Store) Finish(ctx context.Context, id string, status Status, outboundID string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish proposal %s: %s is not a terminal status", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = ?, outbound_id = COALESCE(?, outbound_id), decision_json = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(status), nullString(outboundID), time.Now().UTC(), id,
		string(StatusPendingApproval), string(StatusBlocked), string(StatusDecisionReceived))
	if err != nil {
		return fmt.Errorf("finishing proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s already terminal", ErrProposalNotPending, id)
	}
	log.Info().Str("proposal_id", id).Str("status", string(status)).Msg("proposal_finished")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p                          Proposal
		runID, decision, outbound  sql.NullString
		action, status             string
		reasoning, flags, warnings string
		canAuto                    int
	)
	err := row.Scan(&p.ID, &p.CaseID, &runID, &action, &p.Subject, &p.Body, &reasoning, &p.Confidence,
		&flags, &warnings, &canAuto, &status, &p.Adjustments, &decision, &outbound, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.RunID = runID.String
	p.ActionType = cases.ActionType(action)
	p.Status = Status(status)
	p.CanAutoExecute = canAuto != 0
	p.OutboundID = outbound.String
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{reasoning, &p.Reasoning}, {flags, &p.RiskFlags}, {warnings, &p.Warnings}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decoding proposal %s: %w", p.ID, err)
		}
	}
	if decision.Valid && decision.String != "" {
		var d HumanDecision
		if err := json.Unmarshal([]byte(decision.String), &d); err != nil {
			return nil, fmt.Errorf("decoding decision on %s: %w", p.ID, err)
		}
		p.Decision = &d
	}
	return &p, nil
}

func encodeLists(p *Proposal) (string, string, string, error) {
	var out [3]string
	for i, list := range [][]string{p.Reasoning, p.RiskFlags, p.Warnings} {
		if list == nil {
			list = []string{}
		}
		b, err := json.Marshal(list)
		if err != nil {
			return "", "", "", fmt.Errorf("marshaling proposal lists: %w", err)
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], nil
}

func encodeDecision(d *HumanDecision) (interface{}, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling decision: %w", err)
	}
	return string(b), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
