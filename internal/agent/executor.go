package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/transport"
)

// execute performs the side effects of p on c and returns the outbound id
// when p sends correspondence. Outbound messages are enqueued with the
// clamped pacing delay; nothing is delivered synchronously.
func (r *Runner) execute(ctx context.Context, c *cases.Case, p *proposal.Proposal) (string, error) {
	ctx, span := tracer.Start(ctx, "agent.execute")
	defer span.End()

	var outboundID string
	at := p.ActionType
	switch {
	case at.Sends():
		id, err := r.sender.Send(ctx, transport.Outbound{
			CaseID:     c.ID,
			ProposalID: p.ID,
			ActionType: at,
			To:         c.AgencyEmail,
			Subject:    p.Subject,
			Body:       p.Body,
			DelayHours: r.sendDelay(ctx, c.ID, r.policy.Delays.DefaultHours),
		})
		if err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("enqueueing %s: %w", at, err)
		}
		outboundID = id
		r.activity(ctx, c.ID, cases.EventMessageQueued, fmt.Sprintf("%s queued as %s", at, id))
		if err := r.afterSend(ctx, c, at); err != nil {
			return outboundID, err
		}

	case at == cases.ActionCloseCase:
		if err := r.cases.SetStatus(ctx, c.ID, cases.StatusClosed); err != nil {
			return "", err
		}
	case at == cases.ActionWithdraw:
		if err := r.cases.SetStatus(ctx, c.ID, cases.StatusWithdrawn); err != nil {
			return "", err
		}
	case at == cases.ActionSubmitPortal:
		if err := r.cases.SetStatus(ctx, c.ID, cases.StatusPortalSubmitted); err != nil {
			return "", err
		}
		r.activity(ctx, c.ID, cases.EventPortalQueued, "portal submission queued for an operator")
	case at == cases.ActionResearchAgency:
		r.activity(ctx, c.ID, cases.EventResearchRequested, "research into the correct agency requested")
	case at == cases.ActionEscalate:
		if _, err := r.escalations.Escalate(ctx, c.ID, "escalation approved by reviewer", escalation.UrgencyMedium, at); err != nil {
			return "", err
		}
	case at == cases.ActionNone:
	default:
		return "", fmt.Errorf("no executor for action %q", at)
	}

	r.activity(ctx, c.ID, cases.EventActionExecuted, fmt.Sprintf("%s executed (proposal %s)", at, p.ID))
	log.Info().
		Str("case_id", c.ID).
		Str("proposal_id", p.ID).
		Str("action", string(at)).
		Str("outbound_id", outboundID).
		Msg("action_executed")
	return outboundID, nil
}

// afterSend moves the case to the status that follows a send and schedules
// the next follow-up.
func (r *Runner) afterSend(ctx context.Context, c *cases.Case, at cases.ActionType) error {
	next := r.now().Add(time.Duration(r.policy.Followups.IntervalDays) * 24 * time.Hour)
	switch at {
	case cases.ActionSendFollowup:
		if err := r.cases.RecordFollowup(ctx, c.ID, next); err != nil {
			return err
		}
		return r.cases.SetStatus(ctx, c.ID, cases.StatusAwaitingResponse)
	case cases.ActionAcceptFee:
		return r.cases.SetStatus(ctx, c.ID, cases.StatusFeePaymentSent)
	}
	if err := r.cases.ScheduleFollowup(ctx, c.ID, next); err != nil {
		return err
	}
	return r.cases.SetStatus(ctx, c.ID, cases.StatusSent)
}

func (r *Runner) activity(ctx context.Context, caseID, event, description string) {
	if err := r.cases.LogActivity(ctx, caseID, event, description); err != nil {
		log.Warn().Err(err).Str("case_id", caseID).Str("event_type", event).Msg("activity_log_failed")
	}
}
