// Package drafting produces outbound correspondence for draft-required
// actions.
package drafting

import (
	"context"
	"errors"

	"github.com/dativo-io/casepilot/internal/cases"
)

// ErrMalformedOutput marks model output that is not a usable draft.
var ErrMalformedOutput = errors.New("malformed draft output")

// Draft is a generated message ready for review or sending.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Request describes the draft to produce.
type Request struct {
	ActionType  cases.ActionType
	Case        *cases.Case
	Constraints []cases.ConstraintTag
	Scope       []cases.ScopeItem
	// Summary is the classifier's summary of the message being answered.
	Summary string
	// Directives are extra instructions: human adjustments and corrections
	// after a rejected draft.
	Directives []string
	// Previous is the draft being revised, if any.
	Previous *Draft
}

// Drafter generates a draft.
type Drafter interface {
	Draft(ctx context.Context, req Request) (*Draft, error)
}
