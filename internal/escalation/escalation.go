// Package escalation records cases that need a human and tells someone about
// them.
package escalation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dativo-io/casepilot/internal/cases"
)

var (
	ErrEscalationNotFound = errors.New("escalation not found")
	ErrAlreadyResolved    = errors.New("escalation already resolved")
)

// Urgency ranks how soon a human should look.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ParseUrgency accepts any casing. Empty means medium.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return UrgencyMedium, nil
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return u, nil
	}
	return "", fmt.Errorf("unknown urgency %q (want low, medium or high)", s)
}

// Status of an escalation record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Escalation is a request for human attention on a case. Every call to
// Escalate produces a new record, even for the same case.
type Escalation struct {
	ID              string           `json:"id"`
	CaseID          string           `json:"case_id"`
	Reason          string           `json:"reason"`
	Urgency         Urgency          `json:"urgency"`
	SuggestedAction cases.ActionType `json:"suggested_action,omitempty"`
	Status          Status           `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolutionNote  string           `json:"resolution_note,omitempty"`
}
