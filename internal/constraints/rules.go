package constraints

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/casepilot/internal/cases"
)

//go:embed rules/fallback_v1.yaml
var fallbackV1 []byte

// Rule infers one tag from free text.
type Rule struct {
	Tag         cases.ConstraintTag `yaml:"tag"`
	AllOf       [][]string          `yaml:"all_of"`
	RequiresFee bool                `yaml:"requires_fee"`
}

// RuleTable is a versioned set of fallback rules.
type RuleTable struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

var defaultTable = mustParseRules(fallbackV1)

// DefaultRules returns the embedded rule table.
func DefaultRules() *RuleTable { return defaultTable }

// LoadRules reads a rule table from path.
func LoadRules(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fallback rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a rule table.
func ParseRules(data []byte) (*RuleTable, error) {
	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing fallback rules: %w", err)
	}
	if t.Version == "" {
		return nil, fmt.Errorf("fallback rules: version is required")
	}
	for i, r := range t.Rules {
		if !r.Tag.Valid() {
			return nil, fmt.Errorf("fallback rules: rule %d: unknown tag %q", i, r.Tag)
		}
		if len(r.AllOf) == 0 {
			return nil, fmt.Errorf("fallback rules: rule %d (%s): all_of is empty", i, r.Tag)
		}
		for j, group := range r.AllOf {
			if len(group) == 0 {
				return nil, fmt.Errorf("fallback rules: rule %d (%s): group %d is empty", i, r.Tag, j)
			}
			for k := range group {
				group[k] = strings.ToLower(strings.TrimSpace(group[k]))
			}
		}
	}
	return &t, nil
}

func mustParseRules(data []byte) *RuleTable {
	t, err := ParseRules(data)
	if err != nil {
		panic(err)
	}
	return t
}

// InferTags runs the table over text. feeAmount gates rules marked
// requires_fee: they fire only for a positive extracted amount.
func (t *RuleTable) InferTags(text string, feeAmount *float64) []cases.ConstraintTag {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return nil
	}
	var tags []cases.ConstraintTag
	for _, r := range t.Rules {
		if r.RequiresFee && (feeAmount == nil || *feeAmount <= 0) {
			continue
		}
		if matchesAll(lower, r.AllOf) {
			tags = append(tags, r.Tag)
		}
	}
	return MergeTags(nil, tags)
}

func matchesAll(text string, groups [][]string) bool {
	for _, group := range groups {
		hit := false
		for _, phrase := range group {
			if strings.Contains(text, phrase) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}
