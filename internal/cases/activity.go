package cases

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Activity event types written by the engine.
const (
	EventCaseStatusChanged = "case_status_changed"
	EventCaseCancelled     = "case_cancelled"
	EventMessageReceived   = "message_received"
	EventInboundFlagged    = "inbound_flagged"
	EventMessageQueued     = "message_queued"
	EventProposalCreated   = "proposal_created"
	EventProposalDecided   = "proposal_decided"
	EventActionExecuted    = "action_executed"
	EventEscalated         = "escalated"
	EventRunDeferred       = "run_deferred"
	EventRunDiscarded      = "run_discarded"
	EventPortalQueued      = "portal_submission_queued"
	EventResearchRequested = "agency_research_requested"
)

// Activity is one append-only entry of a case's history.
type Activity struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogActivity appends an entry to the activity log.
func (s *Store) LogActivity(ctx context.Context, caseID, eventType, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, case_id, event_type, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		"act_"+uuid.New().String()[:12], caseID, eventType, description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing activity: %w", err)
	}
	log.Debug().Str("case_id", caseID).Str("event_type", eventType).Msg("activity_logged")
	return nil
}

// ListActivity returns a case's activity, oldest first.
func (s *Store) ListActivity(ctx context.Context, caseID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, event_type, description, created_at FROM activity_log
		WHERE case_id = ? ORDER BY created_at ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.CaseID, &a.EventType, &a.Description, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
