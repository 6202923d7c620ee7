package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
)

const notifyTimeout = 15 * time.Second

// CaseFlagger is the part of the case store the manager writes to.
type CaseFlagger interface {
	FlagForHuman(ctx context.Context, id string, status cases.Status) error
	ClearHumanFlag(ctx context.Context, id string) error
	LogActivity(ctx context.Context, caseID, eventType, description string) error
}

// Notifier tells a human about an escalation. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, e *Escalation) error
}

// Manager creates and resolves escalations.
type Manager struct {
	store    *Store
	cases    CaseFlagger
	notifier Notifier
	wg       sync.WaitGroup
}

// NewManager wires the store, the case flagger and an optional notifier.
func NewManager(store *Store, cf CaseFlagger, notifier Notifier) *Manager {
	return &Manager{store: store, cases: cf, notifier: notifier}
}

// Store returns the underlying record store.
func (m *Manager) Store() *Store { return m.store }

// Escalate records that caseID needs a human, flags the case for review and
// notifies in the background. A case that cannot be flagged (for example one
// that no longer exists) is logged, not returned: the record is what matters.
// Notification failures never surface here.
func (m *Manager) Escalate(ctx context.Context, caseID, reason string, urgency Urgency, suggested cases.ActionType) (*Escalation, error) {
	ctx, span := tracer.Start(ctx, "escalation.escalate",
		trace.WithAttributes(
			attribute.String("case.id", caseID),
			attribute.String("escalation.urgency", string(urgency)),
		))
	defer span.End()

	if urgency == "" {
		urgency = UrgencyMedium
	}
	e := &Escalation{
		CaseID:          caseID,
		Reason:          reason,
		Urgency:         urgency,
		SuggestedAction: suggested,
		Status:          StatusPending,
	}
	if err := m.store.Create(ctx, e); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := m.cases.FlagForHuman(ctx, caseID, cases.StatusNeedsHumanReview); err != nil {
		log.Warn().Err(err).Str("case_id", caseID).Msg("escalation_flag_failed")
	}
	if err := m.cases.LogActivity(ctx, caseID, cases.EventEscalated,
		fmt.Sprintf("escalated (%s): %s", urgency, reason)); err != nil {
		log.Warn().Err(err).Str("case_id", caseID).Msg("activity_log_failed")
	}

	log.Info().
		Str("case_id", caseID).
		Str("escalation_id", e.ID).
		Str("urgency", string(urgency)).
		Str("reason", reason).
		Msg("escalation_created")

	if m.notifier != nil {
		m.wg.Add(1)
		go m.notify(context.WithoutCancel(ctx), *e)
	}
	return e, nil
}

func (m *Manager) notify(ctx context.Context, e Escalation) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, &e); err != nil {
		log.Warn().Err(err).Str("case_id", e.CaseID).Str("escalation_id", e.ID).Msg("escalation_notify_failed")
	}
}

// Flush waits for in-flight notifications.
func (m *Manager) Flush() { m.wg.Wait() }

// Close waits for in-flight notifications.
func (m *Manager) Close() error {
	m.Flush()
	return nil
}

// List returns escalations filtered by status (empty for all).
func (m *Manager) List(ctx context.Context, status Status, limit int) ([]*Escalation, error) {
	return m.store.List(ctx, status, limit)
}

// Resolve closes an escalation. When it was the case's last pending one the
// case's human flag is lowered.
func (m *Manager) Resolve(ctx context.Context, id, by, note string) (*Escalation, error) {
	e, err := m.store.Resolve(ctx, id, by, note)
	if err != nil {
		return nil, err
	}
	n, err := m.store.CountPending(ctx, e.CaseID)
	if err != nil {
		return e, err
	}
	if n == 0 {
		if err := m.cases.ClearHumanFlag(ctx, e.CaseID); err != nil && !errors.Is(err, cases.ErrCaseNotFound) {
			return e, err
		}
	}
	log.Info().Str("case_id", e.CaseID).Str("escalation_id", e.ID).Str("resolved_by", by).Msg("escalation_resolved")
	return e, nil
}
