package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskEvaluator_DefaultRules(t *testing.T) {
	ev, err := NewRiskEvaluator(DefaultRiskRules())
	require.NoError(t, err)

	tests := []struct {
		name string
		in   RiskInput
		want []string
	}{
		{
			name: "quiet followup",
			in:   RiskInput{ActionType: "send_followup", Sentiment: "neutral", FeeRiskThreshold: 100},
		},
		{
			name: "fee above risk threshold",
			in:   RiskInput{ActionType: "negotiate_fee", FeeAmount: 180, FeeRiskThreshold: 100},
			want: []string{"fee_over_threshold"},
		},
		{
			name: "hostile agency",
			in:   RiskInput{ActionType: "send_rebuttal", Sentiment: "hostile", FeeRiskThreshold: 100},
			want: []string{"hostile_sentiment"},
		},
		{
			name: "third denial",
			in: RiskInput{
				ActionType:       "send_rebuttal",
				Constraints:      []string{"DENIAL_RECEIVED", "BWC_EXEMPT"},
				Attempt:          3,
				Sentiment:        "hostile",
				FeeRiskThreshold: 100,
			},
			want: []string{"hostile_sentiment", "repeated_denial"},
		},
		{
			name: "second denial is not repeated",
			in:   RiskInput{ActionType: "send_rebuttal", Constraints: []string{"DENIAL_RECEIVED"}, Attempt: 2, FeeRiskThreshold: 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, err := ev.Flags(tt.in)
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, flags)
				return
			}
			assert.Equal(t, tt.want, flags)
		})
	}
}

func TestNewRiskEvaluator_RejectsBadRules(t *testing.T) {
	_, err := NewRiskEvaluator([]RiskRule{{Name: "broken", Expr: "fee_amount >"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, err = NewRiskEvaluator([]RiskRule{{Name: "not_bool", Expr: "fee_amount + 1.0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_bool")
}
