package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/database"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/cases")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		agency_name TEXT NOT NULL,
		agency_email TEXT,
		subject TEXT NOT NULL DEFAULT '',
		request_text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		requires_human INTEGER NOT NULL DEFAULT 0,
		autopilot_mode TEXT,
		fee_threshold REAL,
		constraints_json TEXT NOT NULL DEFAULT '[]',
		scope_json TEXT NOT NULL DEFAULT '[]',
		fee_quote_json TEXT,
		deadline_at TIMESTAMP,
		followup_count INTEGER NOT NULL DEFAULT 0,
		next_followup_at TIMESTAMP,
		thread_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		sender TEXT,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_case ON messages(case_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS response_analyses (
		message_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		category TEXT NOT NULL,
		analysis_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_case ON activity_log(case_id, created_at)`,
}

// Store persists cases, their correspondence, analyses and activity.
type Store struct {
	db *database.DB
}

// NewStore creates the store and its tables.
func NewStore(db *database.DB) (*Store, error) {
	if err := db.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("creating case tables: %w", err)
	}
	return &Store{db: db}, nil
}

// NewCaseID returns a fresh case identifier.
func NewCaseID() string {
	return "case_" + uuid.New().String()[:12]
}

// Create inserts a new case. ID, ThreadID, Status and timestamps are filled
// in when empty.
func (s *Store) Create(ctx context.Context, c *Case) error {
	ctx, span := tracer.Start(ctx, "cases.create")
	defer span.End()

	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = NewCaseID()
	}
	if c.ThreadID == "" {
		c.ThreadID = "thread_" + c.ID
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	span.SetAttributes(attribute.String("case_id", c.ID))

	constraintsJSON, scopeJSON, feeJSON, err := encodeConstraintColumns(c.Constraints, c.ScopeItems, c.FeeQuote)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, agency_name, agency_email, subject, request_text, status, requires_human,
			autopilot_mode, fee_threshold, constraints_json, scope_json, fee_quote_json, deadline_at,
			followup_count, next_followup_at, thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgencyName, nullString(c.AgencyEmail), c.Subject, c.RequestText, string(c.Status), boolInt(c.RequiresHuman),
		nullString(string(c.AutopilotMode)), nullFloat(c.FeeThreshold), constraintsJSON, scopeJSON, feeJSON, nullTime(c.DeadlineAt),
		c.FollowupCount, nullTime(c.NextFollowupAt), c.ThreadID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting case: %w", err)
	}
	log.Info().Str("case_id", c.ID).Str("agency", c.AgencyName).Msg("case_created")
	return nil
}

const caseColumns = `id, agency_name, agency_email, subject, request_text, status, requires_human,
	autopilot_mode, fee_threshold, constraints_json, scope_json, fee_quote_json, deadline_at,
	followup_count, next_followup_at, thread_id, created_at, updated_at`

// Get loads a case. Returns ErrCaseNotFound when no such case exists.
func (s *Store) Get(ctx context.Context, id string) (*Case, error) {
	ctx, span := tracer.Start(ctx, "cases.get", trace.WithAttributes(attribute.String("case_id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading case %s: %w", id, err)
	}
	return c, nil
}

// List returns cases, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE 1=1`
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
	return s.queryCases(ctx, query, args...)
}

// ListDueForFollowup returns cases waiting on the agency whose follow-up date has passed.
func (s *Store) ListDueForFollowup(ctx context.Context, now time.Time) ([]*Case, error) {
	return s.queryCases(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE status IN (?, ?, ?) AND requires_human = 0
		AND next_followup_at IS NOT NULL AND next_followup_at <= ?
		ORDER BY next_followup_at ASC`,
		string(StatusSent), string(StatusAwaitingResponse), string(StatusAcknowledged), now.UTC())
}

func (s *Store) queryCases(ctx context.Context, query string, args ...interface{}) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cases: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetStatus changes the case status without touching the human flag.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.exec(ctx, id, `UPDATE cases SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
}

// FlagForHuman sets a human-review status and raises the requires_human flag.
func (s *Store) FlagForHuman(ctx context.Context, id string, status Status) error {
	return s.exec(ctx, id, `UPDATE cases SET status = ?, requires_human = 1, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
}

// ClearHumanFlag lowers the requires_human flag, typically after a human acted.
func (s *Store) ClearHumanFlag(ctx context.Context, id string) error {
	return s.exec(ctx, id, `UPDATE cases SET requires_human = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

// RecordFollowup bumps the follow-up counter and schedules the next one.
func (s *Store) RecordFollowup(ctx context.Context, id string, next time.Time) error {
	return s.exec(ctx, id, `UPDATE cases SET followup_count = followup_count + 1, next_followup_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), time.Now().UTC(), id)
}

// ScheduleFollowup sets when the next follow-up becomes due.
func (s *Store) ScheduleFollowup(ctx context.Context, id string, next time.Time) error {
	return s.exec(ctx, id, `UPDATE cases SET next_followup_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), time.Now().UTC(), id)
}

// UpdateConstraintFields writes only the fields listed in f.Changed.
func (s *Store) UpdateConstraintFields(ctx context.Context, id string, f ConstraintFields) error {
	if len(f.Changed) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "cases.update_constraints", trace.WithAttributes(attribute.String("case_id", id)))
	defer span.End()

	sets := make([]string, 0, len(f.Changed)+1)
	args := make([]interface{}, 0, len(f.Changed)+2)
	for _, field := range f.Changed {
		switch field {
		case FieldConstraints:
			b, err := json.Marshal(nonNilTags(f.Constraints))
			if err != nil {
				return fmt.Errorf("marshaling constraints: %w", err)
			}
			sets = append(sets, "constraints_json = ?")
			args = append(args, string(b))
		case FieldScopeItems:
			b, err := json.Marshal(nonNilScope(f.ScopeItems))
			if err != nil {
				return fmt.Errorf("marshaling scope items: %w", err)
			}
			sets = append(sets, "scope_json = ?")
			args = append(args, string(b))
		case FieldFeeQuote:
			fee, err := encodeFeeQuote(f.FeeQuote)
			if err != nil {
				return err
			}
			sets = append(sets, "fee_quote_json = ?")
			args = append(args, fee)
		default:
			return fmt.Errorf("unknown constraint field %q", field)
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	return s.exec(ctx, id, `UPDATE cases SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *Store) exec(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating case %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*Case, error) {
	var (
		c                                Case
		agencyEmail, mode, feeJSON       sql.NullString
		feeThreshold                     sql.NullFloat64
		deadline, nextFollowup           sql.NullTime
		requiresHuman                    int
		status, constraintsJSON, scopeJS string
	)
	err := row.Scan(&c.ID, &c.AgencyName, &agencyEmail, &c.Subject, &c.RequestText, &status, &requiresHuman,
		&mode, &feeThreshold, &constraintsJSON, &scopeJS, &feeJSON, &deadline,
		&c.FollowupCount, &nextFollowup, &c.ThreadID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.RequiresHuman = requiresHuman != 0
	c.AgencyEmail = agencyEmail.String
	c.AutopilotMode = AutopilotMode(mode.String)
	if feeThreshold.Valid {
		v := feeThreshold.Float64
		c.FeeThreshold = &v
	}
	if deadline.Valid {
		t := deadline.Time
		c.DeadlineAt = &t
	}
	if nextFollowup.Valid {
		t := nextFollowup.Time
		c.NextFollowupAt = &t
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &c.Constraints); err != nil {
		return nil, fmt.Errorf("decoding constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(scopeJS), &c.ScopeItems); err != nil {
		return nil, fmt.Errorf("decoding scope items: %w", err)
	}
	if feeJSON.Valid && feeJSON.String != "" {
		var fq FeeQuote
		if err := json.Unmarshal([]byte(feeJSON.String), &fq); err != nil {
			return nil, fmt.Errorf("decoding fee quote: %w", err)
		}
		c.FeeQuote = &fq
	}
	return &c, nil
}

func encodeConstraintColumns(tags []ConstraintTag, scope []ScopeItem, fee *FeeQuote) (string, string, interface{}, error) {
	tagsJSON, err := json.Marshal(nonNilTags(tags))
	if err != nil {
		return "", "", nil, fmt.Errorf("marshaling constraints: %w", err)
	}
	scopeJSON, err := json.Marshal(nonNilScope(scope))
	if err != nil {
		return "", "", nil, fmt.Errorf("marshaling scope items: %w", err)
	}
	feeJSON, err := encodeFeeQuote(fee)
	if err != nil {
		return "", "", nil, err
	}
	return string(tagsJSON), string(scopeJSON), feeJSON, nil
}

func encodeFeeQuote(fee *FeeQuote) (interface{}, error) {
	if fee == nil {
		return nil, nil
	}
	b, err := json.Marshal(fee)
	if err != nil {
		return nil, fmt.Errorf("marshaling fee quote: %w", err)
	}
	return string(b), nil
}

func nonNilTags(t []ConstraintTag) []ConstraintTag {
	if t == nil {
		return []ConstraintTag{}
	}
	return t
}

func nonNilScope(s []ScopeItem) []ScopeItem {
	if s == nil {
		return []ScopeItem{}
	}
	return s
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
