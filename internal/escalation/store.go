package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/database"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/escalation")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		urgency TEXT NOT NULL,
		suggested_action TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		resolved_by TEXT,
		resolution_note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escalations_case ON escalations(case_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status, created_at)`,
}

const escalationColumns = `id, case_id, reason, urgency, suggested_action, status, created_at,
	resolved_at, resolved_by, resolution_note`

// Store persists escalation records.
type Store struct {
	db *database.DB
}

// NewStore creates the store and its table.
func NewStore(db *database.DB) (*Store, error) {
	if err := db.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("creating escalations table: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts e as a new pending escalation.
func (s *Store) Create(ctx context.Context, e *Escalation) error {
	ctx, span := tracer.Start(ctx, "escalation.store.create",
		trace.WithAttributes(attribute.String("case.id", e.CaseID)))
	defer span.End()

	if e.ID == "" {
		e.ID = "esc_" + uuid.New().String()[:12]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, case_id, reason, urgency, suggested_action, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, e.Reason, string(e.Urgency), nullString(string(e.SuggestedAction)), string(e.Status), e.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("inserting escalation: %w", err)
	}
	return nil
}

// Get returns one escalation.
func (s *Store) Get(ctx context.Context, id string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEscalationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading escalation %s: %w", id, err)
	}
	return e, nil
}

// List returns escalations, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListForCase returns every escalation of a case, oldest first.
func (s *Store) ListForCase(ctx context.Context, caseID string) ([]*Escalation, error) {
	return s.query(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE case_id = ? ORDER BY created_at ASC`, caseID)
}

// CountPending returns how many unresolved escalations a case has.
func (s *Store) CountPending(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations WHERE case_id = ? AND status = ?`,
		caseID, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting escalations: %w", err)
	}
	return n, nil
}

// Resolve marks a pending escalation resolved.
func (s *Store) Resolve(ctx context.Context, id, by, note string) (*Escalation, error) {
	ctx, span := tracer.Start(ctx, "escalation.store.resolve",
		trace.WithAttributes(attribute.String("escalation.id", id)))
	defer span.End()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = ?, resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE id = ? AND status = ?`,
		string(StatusResolved), now, nullString(by), nullString(note), id, string(StatusPending))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolving escalation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return s.Get(ctx, id)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	var (
		e                   Escalation
		urgency, status     string
		suggested, by, note sql.NullString
		resolvedAt          sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.CaseID, &e.Reason, &urgency, &suggested, &status, &e.CreatedAt,
		&resolvedAt, &by, &note); err != nil {
		return nil, err
	}
	e.Urgency = Urgency(urgency)
	e.Status = Status(status)
	e.SuggestedAction = cases.ActionType(suggested.String)
	e.ResolvedBy = by.String
	e.ResolutionNote = note.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
