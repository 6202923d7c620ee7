// Package action selects the next action for a case. Decide is pure and
// deterministic: the same input always yields the same decision.
package action

import (
	"fmt"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/classifier"
)

// History is what the caller knows about previous decisions on the case.
type History struct {
	// LastCategory is the category classified on the previous trigger.
	LastCategory classifier.Category
	// NewInformation is set when the current trigger carries something the
	// previous one did not (a new message, changed constraints or scope).
	NewInformation bool
}

// Input is everything Decide looks at.
type Input struct {
	Classification *classifier.Classification
	Constraints    []cases.ConstraintTag
	Scope          []cases.ScopeItem
	History        History
	// FeeThreshold is the amount up to which a fee is accepted outright.
	FeeThreshold float64
	// NegotiateCeiling is the amount up to which a fee is negotiated;
	// zero disables negotiation.
	NegotiateCeiling float64
}

// Decision is the chosen action and a human-readable justification.
type Decision struct {
	ActionType    cases.ActionType
	Justification string
}

// Decide applies the action rules in order; the first match wins. Every
// input, including a nil classification, yields a decision.
func Decide(in Input) Decision {
	c := in.Classification
	if c == nil {
		return escalate("no classification available")
	}
	if !known(c.Category) {
		return escalate(fmt.Sprintf("unmapped category %q", c.Category))
	}
	if in.History.LastCategory == c.Category && !in.History.NewInformation {
		return escalate(fmt.Sprintf("repeated %s with no new information", c.Category))
	}

	switch c.Category {
	case classifier.CategoryDenial:
		overlyBroad := cases.HasTag(in.Constraints, cases.TagScopeTooBroad)
		if d, ok := c.Denial(); ok && d.Reason == classifier.DenialOverlyBroad {
			overlyBroad = true
		}
		if overlyBroad {
			return Decision{cases.ActionReformulateRequest, "denial cites an over-broad request; narrowing scope"}
		}
		return Decision{cases.ActionSendRebuttal, "denial received; contesting it"}

	case classifier.CategoryFeeNotice:
		return decideFee(c, in.FeeThreshold, in.NegotiateCeiling)

	case classifier.CategoryClarificationRequest:
		return Decision{cases.ActionSendClarification, "agency asked for clarification"}

	case classifier.CategoryNoResponse:
		return Decision{cases.ActionSendFollowup, "no response from the agency; following up"}

	case classifier.CategoryRecordsReady:
		return Decision{cases.ActionCloseCase, "records are ready"}

	case classifier.CategoryAcknowledgment:
		return Decision{cases.ActionNone, "acknowledgment; nothing to do"}

	case classifier.CategoryPartialDelivery:
		return Decision{cases.ActionNone, "partial delivery; waiting for the remainder"}

	case classifier.CategoryPortalRedirect:
		return Decision{cases.ActionSubmitPortal, "agency requires submission through its portal"}

	case classifier.CategoryWrongAgency:
		return Decision{cases.ActionResearchAgency, "request went to the wrong agency"}

	case classifier.CategoryDeliveryFailed:
		return Decision{cases.ActionSendAsAttachment, "delivery failed; resending as an attachment"}
	}
	return escalate(fmt.Sprintf("unmapped category %q", c.Category))
}

func decideFee(c *classifier.Classification, threshold, ceiling float64) Decision {
	fee, _ := c.Fee()
	if fee.LegalityAmbiguous {
		return escalate("fee legality is ambiguous")
	}
	amount := c.FeeAmount
	if amount == nil && fee.Quote != nil {
		amount = fee.Quote.Amount
	}
	if amount == nil {
		return escalate("fee amount unknown")
	}
	switch {
	case *amount <= threshold:
		return Decision{cases.ActionAcceptFee, fmt.Sprintf("fee %.2f within auto-accept threshold %.2f", *amount, threshold)}
	case ceiling > 0 && *amount <= ceiling:
		return Decision{cases.ActionNegotiateFee, fmt.Sprintf("fee %.2f above threshold %.2f but within negotiation ceiling %.2f", *amount, threshold, ceiling)}
	}
	return escalate(fmt.Sprintf("fee %.2f exceeds threshold %.2f", *amount, threshold))
}

func escalate(why string) Decision {
	return Decision{ActionType: cases.ActionEscalate, Justification: why}
}

// mapped lists the categories that have an action. CategoryUnknown has none.
var mapped = map[classifier.Category]bool{
	classifier.CategoryDenial:               true,
	classifier.CategoryFeeNotice:            true,
	classifier.CategoryClarificationRequest: true,
	classifier.CategoryNoResponse:           true,
	classifier.CategoryRecordsReady:         true,
	classifier.CategoryAcknowledgment:       true,
	classifier.CategoryPartialDelivery:      true,
	classifier.CategoryPortalRedirect:       true,
	classifier.CategoryWrongAgency:          true,
	classifier.CategoryDeliveryFailed:       true,
}

func known(c classifier.Category) bool { return mapped[c] }
