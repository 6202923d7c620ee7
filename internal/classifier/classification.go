// Package classifier turns agency correspondence into a validated
// Classification. Model output is checked at this boundary so the rest of
// the engine only ever sees well-formed values.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/dativo-io/casepilot/internal/cases"
)

// ErrMalformedOutput marks model output that failed validation. The run
// controller turns it into a corrective directive rather than failing.
var ErrMalformedOutput = errors.New("malformed classifier output")

// Category is the kind of agency response.
type Category string

const (
	CategoryDenial               Category = "denial"
	CategoryFeeNotice            Category = "fee_notice"
	CategoryClarificationRequest Category = "clarification_request"
	CategoryNoResponse           Category = "no_response"
	CategoryRecordsReady         Category = "records_ready"
	CategoryAcknowledgment       Category = "acknowledgment"
	CategoryPartialDelivery      Category = "partial_delivery"
	CategoryPortalRedirect       Category = "portal_redirect"
	CategoryWrongAgency          Category = "wrong_agency"
	CategoryDeliveryFailed       Category = "delivery_failed"
	CategoryUnknown              Category = "unknown"
)

// Categories lists every category the classifier may return.
var Categories = []Category{
	CategoryDenial, CategoryFeeNotice, CategoryClarificationRequest, CategoryNoResponse,
	CategoryRecordsReady, CategoryAcknowledgment, CategoryPartialDelivery,
	CategoryPortalRedirect, CategoryWrongAgency, CategoryDeliveryFailed, CategoryUnknown,
}

// Sentiment is the tone of the agency's message.
type Sentiment string

const (
	SentimentCooperative Sentiment = "cooperative"
	SentimentNeutral     Sentiment = "neutral"
	SentimentHostile     Sentiment = "hostile"
)

// DenialReason narrows a denial.
type DenialReason string

const (
	DenialOverlyBroad   DenialReason = "overly_broad"
	DenialExemption     DenialReason = "exemption"
	DenialNoRecords     DenialReason = "no_records"
	DenialInvestigation DenialReason = "ongoing_investigation"
	DenialOther         DenialReason = "other"
)

// Classification is the result of classifying one message. Details carries
// the category-specific payload and is nil for categories that have none.
type Classification struct {
	Category         Category
	Confidence       float64
	Sentiment        Sentiment
	FeeAmount        *float64
	Deadline         *time.Time
	ConstraintsToAdd []cases.ConstraintTag
	ScopeUpdates     []cases.ScopeItem
	Summary          string
	Details          Details
}

// Details is implemented only by the payload types in this package.
type Details interface {
	details()
}

// DenialDetails accompanies CategoryDenial.
type DenialDetails struct {
	Reason     DenialReason
	Exemptions []string
}

// FeeDetails accompanies CategoryFeeNotice.
type FeeDetails struct {
	Quote *cases.FeeQuote
	// LegalityAmbiguous is set when the model could not tell whether the fee
	// is one the agency may lawfully charge.
	LegalityAmbiguous bool
}

// ClarificationDetails accompanies CategoryClarificationRequest.
type ClarificationDetails struct {
	Questions []string
}

// DeliveryDetails accompanies records_ready, partial_delivery and delivery_failed.
type DeliveryDetails struct {
	Error string
}

// RedirectDetails accompanies portal_redirect and wrong_agency.
type RedirectDetails struct {
	PortalURL       string
	SuggestedAgency string
}

func (DenialDetails) details()        {}
func (FeeDetails) details()           {}
func (ClarificationDetails) details() {}
func (DeliveryDetails) details()      {}
func (RedirectDetails) details()      {}

// Denial returns the denial payload, if any.
func (c *Classification) Denial() (DenialDetails, bool) {
	d, ok := c.Details.(DenialDetails)
	return d, ok
}

// Fee returns the fee payload, if any.
func (c *Classification) Fee() (FeeDetails, bool) {
	d, ok := c.Details.(FeeDetails)
	return d, ok
}

// CaseContext is what the classifier knows about the case besides the message.
type CaseContext struct {
	CaseID      string
	AgencyName  string
	Subject     string
	RequestText string
	Constraints []cases.ConstraintTag
	ScopeItems  []cases.ScopeItem
	// Directive is a correction from a previous failed attempt.
	Directive string
}

// Classifier classifies message text. Implementations fail closed: on any
// error the caller treats the message as unclassified.
type Classifier interface {
	Classify(ctx context.Context, text string, cc CaseContext) (*Classification, error)
}

// NoResponse is the classification synthesised for a follow-up trigger,
// where there is no agency message to classify.
func NoResponse() *Classification {
	return &Classification{
		Category:   CategoryNoResponse,
		Confidence: 1,
		Sentiment:  SentimentNeutral,
		Summary:    "no response from the agency since the last message",
	}
}

// ToAnalysis converts c into the stored analysis for a message.
func (c *Classification) ToAnalysis(caseID, messageID string) *cases.Analysis {
	a := &cases.Analysis{
		MessageID:        messageID,
		CaseID:           caseID,
		Category:         string(c.Category),
		Confidence:       c.Confidence,
		Sentiment:        string(c.Sentiment),
		Summary:          c.Summary,
		ConstraintsToAdd: c.ConstraintsToAdd,
		ScopeUpdates:     c.ScopeUpdates,
		FeeAmount:        c.FeeAmount,
		Deadline:         c.Deadline,
	}
	switch d := c.Details.(type) {
	case DenialDetails:
		a.DenialReason = string(d.Reason)
		a.Exemptions = d.Exemptions
	case FeeDetails:
		a.FeeQuote = d.Quote
		a.FeeLegalityAmbiguous = d.LegalityAmbiguous
	case ClarificationDetails:
		a.Questions = d.Questions
	case RedirectDetails:
		a.PortalURL = d.PortalURL
		a.SuggestedAgency = d.SuggestedAgency
	case DeliveryDetails:
		a.DeliveryError = d.Error
	}
	return a
}

// FromAnalysis rebuilds the classification a stored analysis was made from.
func FromAnalysis(a *cases.Analysis) *Classification {
	c := &Classification{
		Category:         Category(a.Category),
		Confidence:       a.Confidence,
		Sentiment:        Sentiment(a.Sentiment),
		FeeAmount:        a.FeeAmount,
		Deadline:         a.Deadline,
		ConstraintsToAdd: a.ConstraintsToAdd,
		ScopeUpdates:     a.ScopeUpdates,
		Summary:          a.Summary,
	}
	c.Details = detailsFor(c.Category, rawDetails{
		DenialReason:         a.DenialReason,
		Exemptions:           a.Exemptions,
		FeeQuote:             a.FeeQuote,
		FeeLegalityAmbiguous: a.FeeLegalityAmbiguous,
		Questions:            a.Questions,
		PortalURL:            a.PortalURL,
		SuggestedAgency:      a.SuggestedAgency,
		DeliveryError:        a.DeliveryError,
	})
	return c
}

// rawDetails is the flat form details take in storage and on the wire.
type rawDetails struct {
	DenialReason         string
	Exemptions           []string
	FeeQuote             *cases.FeeQuote
	FeeLegalityAmbiguous bool
	Questions            []string
	PortalURL            string
	SuggestedAgency      string
	DeliveryError        string
}

func detailsFor(cat Category, r rawDetails) Details {
	switch cat {
	case CategoryDenial:
		reason := DenialReason(r.DenialReason)
		if reason == "" {
			reason = DenialOther
		}
		return DenialDetails{Reason: reason, Exemptions: r.Exemptions}
	case CategoryFeeNotice:
		return FeeDetails{Quote: r.FeeQuote, LegalityAmbiguous: r.FeeLegalityAmbiguous}
	case CategoryClarificationRequest:
		return ClarificationDetails{Questions: r.Questions}
	case CategoryPortalRedirect, CategoryWrongAgency:
		return RedirectDetails{PortalURL: r.PortalURL, SuggestedAgency: r.SuggestedAgency}
	case CategoryRecordsReady, CategoryPartialDelivery, CategoryDeliveryFailed:
		return DeliveryDetails{Error: r.DeliveryError}
	}
	return nil
}
