// Package constraints accumulates what the engine has learned about a case:
// constraint tags, scope items and the current fee quote.
package constraints

import (
	"regexp"
	"strings"

	"github.com/dativo-io/casepilot/internal/cases"
)

// leadingOrdinal matches a list marker such as "1.", "2)", "(3)", "a." or "#4"
// followed by whitespace.
var leadingOrdinal = regexp.MustCompile(`^\s*(?:\(?\d+[.):]|\(?[a-zA-Z][.)]|#\d+\.?|[-*•])\s+`)

// CleanScopeName strips a leading ordinal and collapses whitespace, keeping
// the original casing.
func CleanScopeName(name string) string {
	name = leadingOrdinal.ReplaceAllString(name, "")
	return strings.Join(strings.Fields(name), " ")
}

// NormalizeScopeName is the merge key for scope items: case-insensitive with
// the leading ordinal stripped, so "1. Body camera footage" and
// "body camera footage" are the same item.
func NormalizeScopeName(name string) string {
	return strings.ToLower(CleanScopeName(name))
}

// MergeTags returns existing followed by every tag in add it does not already
// contain. Empty tags are dropped and the result never has duplicates.
func MergeTags(existing, add []cases.ConstraintTag) []cases.ConstraintTag {
	out := make([]cases.ConstraintTag, 0, len(existing)+len(add))
	seen := make(map[cases.ConstraintTag]bool, len(existing)+len(add))
	for _, group := range [][]cases.ConstraintTag{existing, add} {
		for _, t := range group {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// MergeScope folds updates into existing by normalized name. A matched item
// takes the update's status, reason and confidence only where those are
// present. Unmatched updates are appended with their ordinal removed.
// Existing items are never dropped or reordered.
func MergeScope(existing, updates []cases.ScopeItem) []cases.ScopeItem {
	out := make([]cases.ScopeItem, len(existing), len(existing)+len(updates))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, item := range out {
		key := NormalizeScopeName(item.Name)
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}

	for _, u := range updates {
		key := NormalizeScopeName(u.Name)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			out = append(out, cases.ScopeItem{
				Name:       CleanScopeName(u.Name),
				Status:     u.Status,
				Reason:     u.Reason,
				Confidence: copyFloat(u.Confidence),
			})
			index[key] = len(out) - 1
			continue
		}
		if u.Status != "" {
			out[i].Status = u.Status
		}
		if u.Reason != "" {
			out[i].Reason = u.Reason
		}
		if u.Confidence != nil {
			out[i].Confidence = copyFloat(u.Confidence)
		}
	}
	return out
}

// MergeFeeQuote combines the quote on record with a newly extracted one.
// Fields present in next win; fields missing from next keep prev's value.
// The merged quote is always marked quoted. A nil next leaves prev as is.
func MergeFeeQuote(prev, next *cases.FeeQuote) *cases.FeeQuote {
	if next == nil {
		return copyFeeQuote(prev)
	}
	out := copyFeeQuote(prev)
	if out == nil {
		out = &cases.FeeQuote{}
	}
	if next.Amount != nil {
		out.Amount = copyFloat(next.Amount)
	}
	if next.HourlyRate != nil {
		out.HourlyRate = copyFloat(next.HourlyRate)
	}
	if next.EstimatedHours != nil {
		out.EstimatedHours = copyFloat(next.EstimatedHours)
	}
	if len(next.Breakdown) > 0 {
		out.Breakdown = append([]cases.FeeLine(nil), next.Breakdown...)
	}
	if next.DepositRequired != nil {
		v := *next.DepositRequired
		out.DepositRequired = &v
	}
	if next.QuotedAt != nil {
		v := next.QuotedAt.UTC()
		out.QuotedAt = &v
	}
	out.Status = cases.FeeQuoteStatusQuoted
	return out
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyFeeQuote(q *cases.FeeQuote) *cases.FeeQuote {
	if q == nil {
		return nil
	}
	out := *q
	out.Amount = copyFloat(q.Amount)
	out.HourlyRate = copyFloat(q.HourlyRate)
	out.EstimatedHours = copyFloat(q.EstimatedHours)
	if q.Breakdown != nil {
		out.Breakdown = append([]cases.FeeLine(nil), q.Breakdown...)
	}
	if q.DepositRequired != nil {
		v := *q.DepositRequired
		out.DepositRequired = &v
	}
	if q.QuotedAt != nil {
		v := *q.QuotedAt
		out.QuotedAt = &v
	}
	return &out
}
