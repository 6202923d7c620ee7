// Package transport enqueues outbound correspondence. Delivery belongs to a
// separate dispatcher; the engine only needs to know a message was queued.
package transport

import (
	"context"
	"database/sql"
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

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/transport")

var ErrOutboundNotFound = errors.New("outbound message not found")

// Status of a queued message.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
)

// Outbound is a message to send on behalf of a case.
type Outbound struct {
	CaseID     string
	ProposalID string
	ActionType cases.ActionType
	To         string
	Subject    string
	Body       string
	DelayHours float64
}

// Sender enqueues outbound messages and returns an id for the queued send.
type Sender interface {
	Send(ctx context.Context, m Outbound) (string, error)
}

// Queued is a row of the outbox.
type Queued struct {
	ID         string           `json:"id"`
	CaseID     string           `json:"case_id"`
	ProposalID string           `json:"proposal_id,omitempty"`
	ActionType cases.ActionType `json:"action_type"`
	To         string           `json:"to,omitempty"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	DelayHours float64          `json:"delay_hours"`
	SendAfter  time.Time        `json:"send_after"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	SentAt     *time.Time       `json:"sent_at,omitempty"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbound_messages (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		proposal_id TEXT,
		action_type TEXT NOT NULL,
		recipient TEXT,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		delay_hours REAL NOT NULL,
		send_after TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_due ON outbound_messages(status, send_after)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbound_proposal ON outbound_messages(proposal_id) WHERE proposal_id IS NOT NULL`,
}

const outboundColumns = `id, case_id, proposal_id, action_type, recipient, subject, body, delay_hours,
	send_after, status, created_at, sent_at`

// Outbox is a Sender backed by the outbound_messages table.
type Outbox struct {
	db  *database.DB
	now func() time.Time
}

// NewOutbox creates the outbox table.
func NewOutbox(db *database.DB) (*Outbox, error) {
	if err := db.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("creating outbound_messages table: %w", err)
	}
	return &Outbox{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Send queues m to go out DelayHours from now. A proposal is queued at most
// once: sending it again returns the id of the message already queued.
func (o *Outbox) Send(ctx context.Context, m Outbound) (string, error) {
	ctx, span := tracer.Start(ctx, "transport.send",
		trace.WithAttributes(
			attribute.String("case.id", m.CaseID),
			attribute.String("action_type", string(m.ActionType)),
			attribute.Float64("delay_hours", m.DelayHours),
		))
	defer span.End()

	if m.ProposalID != "" {
		var existing string
		err := o.db.QueryRowContext(ctx,
			`SELECT id FROM outbound_messages WHERE proposal_id = ?`, m.ProposalID).Scan(&existing)
		if err == nil {
			log.Info().Str("case_id", m.CaseID).Str("proposal_id", m.ProposalID).Str("outbound_id", existing).Msg("outbound_already_queued")
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			span.RecordError(err)
			return "", fmt.Errorf("checking outbound message for proposal %s: %w", m.ProposalID, err)
		}
	}

	now := o.now()
	id := "out_" + uuid.New().String()[:12]
	sendAfter := now.Add(time.Duration(m.DelayHours * float64(time.Hour)))
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbound_messages (`+outboundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		id, m.CaseID, nullString(m.ProposalID), string(m.ActionType), nullString(m.To), m.Subject, m.Body,
		m.DelayHours, sendAfter, string(StatusQueued), now)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("queueing outbound message: %w", err)
	}
	log.Info().
		Str("case_id", m.CaseID).
		Str("outbound_id", id).
		Str("action", string(m.ActionType)).
		Time("send_after", sendAfter).
		Msg("outbound_queued")
	return id, nil
}

// ListPending returns queued messages, soonest first.
func (o *Outbox) ListPending(ctx context.Context, limit int) ([]Queued, error) {
	query := `SELECT ` + outboundColumns + ` FROM outbound_messages WHERE status = ? ORDER BY send_after ASC`
	args := []interface{}{string(StatusQueued)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return o.query(ctx, query, args...)
}

// ListDue returns queued messages whose delay has elapsed at now.
func (o *Outbox) ListDue(ctx context.Context, now time.Time) ([]Queued, error) {
	return o.query(ctx, `SELECT `+outboundColumns+` FROM outbound_messages
		WHERE status = ? AND send_after <= ? ORDER BY send_after ASC`, string(StatusQueued), now.UTC())
}

// MarkSent records that a dispatcher delivered the message.
func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `UPDATE outbound_messages SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		string(StatusSent), o.now(), id, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("marking outbound %s sent: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrOutboundNotFound, id)
	}
	return nil
}

func (o *Outbox) query(ctx context.Context, query string, args ...interface{}) ([]Queued, error) {
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var out []Queued
	for rows.Next() {
		var (
			q                     Queued
			proposalID, recipient sql.NullString
			action, status        string
			sentAt                sql.NullTime
		)
		if err := rows.Scan(&q.ID, &q.CaseID, &proposalID, &action, &recipient, &q.Subject, &q.Body,
			&q.DelayHours, &q.SendAfter, &status, &q.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning outbound message: %w", err)
		}
		q.ProposalID = proposalID.String
		q.To = recipient.String
		q.ActionType = cases.ActionType(action)
		q.Status = Status(status)
		if sentAt.Valid {
			t := sentAt.Time
			q.SentAt = &t
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
