// Package cases holds the persisted case record: status, accumulated
// constraints, scope items, fee quote, correspondence and the activity log.
package cases

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCaseNotFound     = errors.New("case not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrAnalysisNotFound = errors.New("analysis not found")
)

// Status is the lifecycle status of a case. The set is open-ended; the
// helpers below classify the statuses the engine reasons about.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusSent                  Status = "sent"
	StatusAwaitingResponse      Status = "awaiting_response"
	StatusAcknowledged          Status = "acknowledged"
	StatusPortalSubmitted       Status = "portal_submitted"
	StatusFeePaymentSent        Status = "fee_payment_sent"
	StatusNeedsHumanReview      Status = "needs_human_review"
	StatusNeedsHumanFeeApproval Status = "needs_human_fee_approval"
	StatusRecordsReceived       Status = "records_received"
	StatusClosed                Status = "closed"
	StatusWithdrawn             Status = "withdrawn"
	StatusCancelled             Status = "cancelled"
)

// IsTerminal reports whether no further automated work may happen on the case.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusWithdrawn, StatusCancelled:
		return true
	}
	return false
}

// NeedsHuman reports whether the status itself flags the case for a human.
func (s Status) NeedsHuman() bool {
	return strings.HasPrefix(string(s), "needs_human")
}

// WaitingOnAgency reports whether the next move belongs to the agency.
func (s Status) WaitingOnAgency() bool {
	switch s {
	case StatusSent, StatusAwaitingResponse, StatusAcknowledged, StatusPortalSubmitted, StatusFeePaymentSent:
		return true
	}
	return false
}

// AutopilotMode controls how much the engine may do without a human.
type AutopilotMode string

const (
	ModeAuto       AutopilotMode = "AUTO"
	ModeSupervised AutopilotMode = "SUPERVISED"
	ModeManual     AutopilotMode = "MANUAL"
)

// ParseAutopilotMode accepts any casing of AUTO, SUPERVISED or MANUAL.
func ParseAutopilotMode(s string) (AutopilotMode, error) {
	switch m := AutopilotMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeAuto, ModeSupervised, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("unknown autopilot mode %q (want AUTO, SUPERVISED or MANUAL)", s)
}

// ConstraintTag is an enumerated fact learned about a case.
type ConstraintTag string

const (
	TagFeeRequired         ConstraintTag = "FEE_REQUIRED"
	TagIDRequired          ConstraintTag = "ID_REQUIRED"
	TagDenialReceived      ConstraintTag = "DENIAL_RECEIVED"
	TagBWCExempt           ConstraintTag = "BWC_EXEMPT"
	TagInvestigationActive ConstraintTag = "INVESTIGATION_ACTIVE"
	TagScopeTooBroad       ConstraintTag = "SCOPE_TOO_BROAD"
	TagPortalRequired      ConstraintTag = "PORTAL_REQUIRED"
	TagPartialRelease      ConstraintTag = "PARTIAL_RELEASE"
	TagRecordsNotHeld      ConstraintTag = "RECORDS_NOT_HELD"
)

var knownTags = map[ConstraintTag]bool{
	TagFeeRequired: true, TagIDRequired: true, TagDenialReceived: true,
	TagBWCExempt: true, TagInvestigationActive: true, TagScopeTooBroad: true,
	TagPortalRequired: true, TagPartialRelease: true, TagRecordsNotHeld: true,
}

// Valid reports whether t is one of the enumerated tags.
func (t ConstraintTag) Valid() bool { return knownTags[t] }

// HasTag reports whether tags contains t.
func HasTag(tags []ConstraintTag, t ConstraintTag) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}

// ScopeStatus tracks what happened to one requested record category.
type ScopeStatus string

const (
	ScopeRequested ScopeStatus = "requested"
	ScopePending   ScopeStatus = "pending"
	ScopeDelivered ScopeStatus = "delivered"
	ScopePartial   ScopeStatus = "partial"
	ScopeDenied    ScopeStatus = "denied"
	ScopeExempt    ScopeStatus = "exempt"
	ScopeNotHeld   ScopeStatus = "not_held"
)

// ScopeItem is one requested record category.
type ScopeItem struct {
	Name       string      `json:"name"`
	Status     ScopeStatus `json:"status,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
}

// FeeLine is one entry of an agency fee breakdown.
type FeeLine struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// FeeQuote is the fee the agency asked for. Optional fields are pointers so a
// later, partial quote never erases what an earlier one established.
type FeeQuote struct {
	Amount          *float64   `json:"amount,omitempty"`
	HourlyRate      *float64   `json:"hourly_rate,omitempty"`
	EstimatedHours  *float64   `json:"estimated_hours,omitempty"`
	Breakdown       []FeeLine  `json:"breakdown,omitempty"`
	DepositRequired *bool      `json:"deposit_required,omitempty"`
	QuotedAt        *time.Time `json:"quoted_at,omitempty"`
	Status          string     `json:"status,omitempty"`
}

// FeeQuoteStatusQuoted marks a quote as received but not yet acted on.
const FeeQuoteStatusQuoted = "quoted"

// Case is the persisted record for one public-records request.
type Case struct {
	ID             string          `json:"id"`
	AgencyName     string          `json:"agency_name"`
	AgencyEmail    string          `json:"agency_email,omitempty"`
	Subject        string          `json:"subject"`
	RequestText    string          `json:"request_text"`
	Status         Status          `json:"status"`
	RequiresHuman  bool            `json:"requires_human"`
	AutopilotMode  AutopilotMode   `json:"autopilot_mode,omitempty"`
	FeeThreshold   *float64        `json:"fee_threshold,omitempty"`
	Constraints    []ConstraintTag `json:"constraints"`
	ScopeItems     []ScopeItem     `json:"scope_items"`
	FeeQuote       *FeeQuote       `json:"fee_quote,omitempty"`
	DeadlineAt     *time.Time      `json:"deadline_at,omitempty"`
	FollowupCount  int             `json:"followup_count"`
	NextFollowupAt *time.Time      `json:"next_followup_at,omitempty"`
	ThreadID       string          `json:"thread_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Direction of a message relative to the requester.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is one piece of correspondence on a case.
type Message struct {
	ID         string    `json:"id"`
	CaseID     string    `json:"case_id"`
	Direction  Direction `json:"direction"`
	From       string    `json:"from,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Analysis is the stored classifier output for one inbound message. The
// constraint store reads it back when merging.
type Analysis struct {
	MessageID        string          `json:"message_id"`
	CaseID           string          `json:"case_id"`
	Category         string          `json:"category"`
	Confidence       float64         `json:"confidence"`
	Sentiment        string          `json:"sentiment,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	ConstraintsToAdd []ConstraintTag `json:"constraints_to_add,omitempty"`
	ScopeUpdates     []ScopeItem     `json:"scope_updates,omitempty"`
	FeeAmount        *float64        `json:"fee_amount,omitempty"`
	FeeQuote         *FeeQuote       `json:"fee_quote,omitempty"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`

	// Category-specific details.
	DenialReason         string   `json:"denial_reason,omitempty"`
	Exemptions           []string `json:"exemptions,omitempty"`
	FeeLegalityAmbiguous bool     `json:"fee_legality_ambiguous,omitempty"`
	Questions            []string `json:"questions,omitempty"`
	PortalURL            string   `json:"portal_url,omitempty"`
	SuggestedAgency      string   `json:"suggested_agency,omitempty"`
	DeliveryError        string   `json:"delivery_error,omitempty"`
}

// Field names a persisted constraint-related column.
type Field string

const (
	FieldConstraints Field = "constraints"
	FieldScopeItems  Field = "scope_items"
	FieldFeeQuote    Field = "fee_quote"
)

// ConstraintFields carries merge output; only fields listed in Changed are written.
type ConstraintFields struct {
	Constraints []ConstraintTag
	ScopeItems  []ScopeItem
	FeeQuote    *FeeQuote
	Changed     []Field
}
