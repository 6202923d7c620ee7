package constraints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/cases"
)

func TestDefaultRules_InferTags(t *testing.T) {
	rules := DefaultRules()
	assert.Equal(t, "fallback_v1", rules.Version)

	tests := []struct {
		name    string
		summary string
		fee     *float64
		want    []cases.ConstraintTag
	}{
		{
			name:    "body camera exemption",
			summary: "The agency says body camera footage is exempt under the investigative records exemption.",
			want:    []cases.ConstraintTag{cases.TagBWCExempt},
		},
		{
			name:    "fee language with amount",
			summary: "Estimated cost for search and redaction.",
			fee:     f64(85),
			want:    []cases.ConstraintTag{cases.TagFeeRequired},
		},
		{
			name:    "fee language without amount",
			summary: "There may be a fee.",
		},
		{
			name:    "fee language with zero amount",
			summary: "No fee will be charged.",
			fee:     f64(0),
		},
		{
			name:    "identity verification",
			summary: "Requester must provide a notarized proof of identity.",
			want:    []cases.ConstraintTag{cases.TagIDRequired},
		},
		{
			name:    "active investigation with body cam",
			summary: "BWC video withheld due to an ongoing investigation.",
			want:    []cases.ConstraintTag{cases.TagBWCExempt, cases.TagInvestigationActive},
		},
		{
			name:    "body camera without exemption language",
			summary: "Body camera footage is attached.",
		},
		{
			name:    "empty summary",
			summary: "   ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules.InferTags(tt.summary, tt.fee)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name, yaml, wantErr string
	}{
		{"missing version", "rules: []\n", "version is required"},
		{"unknown tag", "version: x\nrules:\n  - tag: NOPE\n    all_of: [[a]]\n", "unknown tag"},
		{"no groups", "version: x\nrules:\n  - tag: FEE_REQUIRED\n", "all_of is empty"},
		{"empty group", "version: x\nrules:\n  - tag: FEE_REQUIRED\n    all_of: [[]]\n", "group 0 is empty"},
		{"bad yaml", "version: [", "parsing fallback rules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRules_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: county_v2
rules:
  - tag: PORTAL_REQUIRED
    all_of:
      - ["Records Center"]
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "county_v2", rules.Version)
	assert.Equal(t, []cases.ConstraintTag{cases.TagPortalRequired}, rules.InferTags("Please use the records center.", nil))

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
