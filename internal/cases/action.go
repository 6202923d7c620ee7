package cases

// ActionType is the canonical next action the engine can take on a case.
type ActionType string

const (
	ActionSendFollowup       ActionType = "send_followup"
	ActionSendRebuttal       ActionType = "send_rebuttal"
	ActionSendClarification  ActionType = "send_clarification"
	ActionAcceptFee          ActionType = "accept_fee"
	ActionNegotiateFee       ActionType = "negotiate_fee"
	ActionDeclineFee         ActionType = "decline_fee"
	ActionReformulateRequest ActionType = "reformulate_request"
	ActionSendAsAttachment   ActionType = "send_as_attachment"
	ActionEscalate           ActionType = "escalate"
	ActionCloseCase          ActionType = "close_case"
	ActionWithdraw           ActionType = "withdraw"
	ActionResearchAgency     ActionType = "research_agency"
	ActionSubmitPortal       ActionType = "submit_portal"
	ActionNone               ActionType = "none"

	// ActionUnknown only appears in fallback decision log entries.
	ActionUnknown ActionType = "unknown"
)

var (
	draftRequired = map[ActionType]bool{
		ActionSendFollowup: true, ActionSendRebuttal: true, ActionSendClarification: true,
		ActionAcceptFee: true, ActionNegotiateFee: true, ActionDeclineFee: true,
		ActionReformulateRequest: true, ActionSendAsAttachment: true,
	}
	alwaysGated = map[ActionType]bool{
		ActionEscalate: true, ActionCloseCase: true, ActionWithdraw: true,
		ActionResearchAgency: true, ActionReformulateRequest: true,
		ActionSubmitPortal: true, ActionSendAsAttachment: true,
	}
	autoEligible = map[ActionType]bool{
		ActionSendFollowup: true, ActionSendRebuttal: true,
		ActionSendClarification: true, ActionAcceptFee: true,
	}
)

// RequiresDraft reports whether a generated draft must exist before a
// proposal for a is created.
func (a ActionType) RequiresDraft() bool { return draftRequired[a] }

// AlwaysGated reports whether a must never execute without a human.
func (a ActionType) AlwaysGated() bool { return alwaysGated[a] }

// AutoEligible reports whether a may auto-execute in AUTO mode.
func (a ActionType) AutoEligible() bool { return autoEligible[a] }

// Sends reports whether executing a produces outbound correspondence.
func (a ActionType) Sends() bool {
	return draftRequired[a]
}

// Valid reports whether a is part of the canonical set.
func (a ActionType) Valid() bool {
	return draftRequired[a] || alwaysGated[a] || a == ActionNone
}
