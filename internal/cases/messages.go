package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddMessage stores a piece of correspondence.
func (s *Store) AddMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = "msg_" + uuid.New().String()[:12]
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	if m.Direction == "" {
		m.Direction = Inbound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, case_id, direction, sender, subject, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CaseID, string(m.Direction), nullString(m.From), m.Subject, m.Body, m.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, direction, sender, subject, body, received_at FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return m, err
}

// LatestInbound returns the most recent inbound message on a case.
func (s *Store) LatestInbound(ctx context.Context, caseID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, direction, sender, subject, body, received_at FROM messages
		WHERE case_id = ? AND direction = ? ORDER BY received_at DESC LIMIT 1`,
		caseID, string(Inbound))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no inbound message for %s", ErrMessageNotFound, caseID)
	}
	return m, err
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var direction string
	var sender sql.NullString
	if err := row.Scan(&m.ID, &m.CaseID, &direction, &sender, &m.Subject, &m.Body, &m.ReceivedAt); err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.From = sender.String
	return &m, nil
}

// SaveAnalysis stores (or replaces) the analysis for a message.
func (s *Store) SaveAnalysis(ctx context.Context, a *Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling analysis: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM response_analyses WHERE message_id = ?`, a.MessageID); err != nil {
		return fmt.Errorf("replacing analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO response_analyses (message_id, case_id, category, analysis_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.MessageID, a.CaseID, a.Category, string(b), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the analysis linked to a message, or ErrAnalysisNotFound.
func (s *Store) GetAnalysis(ctx context.Context, messageID string) (*Analysis, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT analysis_json FROM response_analyses WHERE message_id = ?`, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading analysis: %w", err)
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decoding analysis: %w", err)
	}
	return &a, nil
}
