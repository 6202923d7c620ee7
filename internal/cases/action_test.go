package cases

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionTypeClasses(t *testing.T) {
	tests := []struct {
		action       ActionType
		draft, gated bool
		auto         bool
	}{
		{ActionSendFollowup, true, false, true},
		{ActionSendRebuttal, true, false, true},
		{ActionSendClarification, true, false, true},
		{ActionAcceptFee, true, false, true},
		{ActionNegotiateFee, true, false, false},
		{ActionDeclineFee, true, false, false},
		{ActionReformulateRequest, true, true, false},
		{ActionSendAsAttachment, true, true, false},
		{ActionEscalate, false, true, false},
		{ActionCloseCase, false, true, false},
		{ActionWithdraw, false, true, false},
		{ActionResearchAgency, false, true, false},
		{ActionSubmitPortal, false, true, false},
		{ActionNone, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.draft, tt.action.RequiresDraft())
			assert.Equal(t, tt.gated, tt.action.AlwaysGated())
			assert.Equal(t, tt.auto, tt.action.AutoEligible())
			assert.True(t, tt.action.Valid())
			if tt.gated {
				assert.False(t, tt.action.AutoEligible(), "always-gated action must not be auto-eligible")
			}
		})
	}
	assert.False(t, ActionUnknown.Valid())
	assert.False(t, ActionType("teleport").Valid())
}
