package constraints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/constraints")

// CategoryDenial is the classification category that always records a denial.
const CategoryDenial = "denial"

// AnalysisSource returns the stored analysis for an inbound message.
type AnalysisSource interface {
	GetAnalysis(ctx context.Context, messageID string) (*cases.Analysis, error)
}

// CaseUpdater persists merged fields. Only fields named in Changed are written.
type CaseUpdater interface {
	UpdateConstraintFields(ctx context.Context, caseID string, f cases.ConstraintFields) error
}

// MergeInput is the current constraint state of a case plus the trigger
// that may extend it.
type MergeInput struct {
	CaseID      string
	MessageID   string
	Category    string
	FeeAmount   *float64
	Constraints []cases.ConstraintTag
	Scope       []cases.ScopeItem
	FeeQuote    *cases.FeeQuote
}

// MergeResult is the merged state and the fields that differ from the input.
type MergeResult struct {
	Constraints []cases.ConstraintTag
	ScopeItems  []cases.ScopeItem
	FeeQuote    *cases.FeeQuote
	Changed     []cases.Field
}

// Store merges analyses into case constraint state.
type Store struct {
	analyses AnalysisSource
	updater  CaseUpdater
	rules    *RuleTable
}

// NewStore returns a Store. A nil rules table selects the embedded default.
func NewStore(analyses AnalysisSource, updater CaseUpdater, rules *RuleTable) *Store {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Store{analyses: analyses, updater: updater, rules: rules}
}

// Merge folds the analysis stored for in.MessageID into the case state and
// persists whatever changed. Without a message id, or when no analysis was
// stored for it, the current state is returned unchanged. Merge is
// idempotent: repeating it with the same input changes nothing.
func (s *Store) Merge(ctx context.Context, in MergeInput) (*MergeResult, error) {
	ctx, span := tracer.Start(ctx, "constraints.merge",
		trace.WithAttributes(
			attribute.String("case.id", in.CaseID),
			attribute.String("message.id", in.MessageID),
		))
	defer span.End()

	current := &MergeResult{
		Constraints: in.Constraints,
		ScopeItems:  in.Scope,
		FeeQuote:    in.FeeQuote,
	}
	if in.MessageID == "" {
		return current, nil
	}

	analysis, err := s.analyses.GetAnalysis(ctx, in.MessageID)
	if errors.Is(err, cases.ErrAnalysisNotFound) {
		span.SetAttributes(attribute.Bool("constraints.analysis_missing", true))
		return current, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading analysis for %s: %w", in.MessageID, err)
	}

	feeAmount := in.FeeAmount
	if feeAmount == nil {
		feeAmount = analysis.FeeAmount
	}

	tags := MergeTags(in.Constraints, analysis.ConstraintsToAdd)
	scope := MergeScope(in.Scope, analysis.ScopeUpdates)
	if len(analysis.ConstraintsToAdd) == 0 && len(analysis.ScopeUpdates) == 0 {
		inferred := s.rules.InferTags(analysis.Summary, feeAmount)
		if len(inferred) > 0 {
			log.Debug().
				Str("case_id", in.CaseID).
				Str("rules_version", s.rules.Version).
				Interface("tags", inferred).
				Msg("fallback_constraints_inferred")
		}
		tags = MergeTags(tags, inferred)
	}
	if in.Category == CategoryDenial || analysis.Category == CategoryDenial {
		tags = MergeTags(tags, []cases.ConstraintTag{cases.TagDenialReceived})
	}

	quote := in.FeeQuote
	if incoming := incomingQuote(analysis, feeAmount); incoming != nil {
		quote = MergeFeeQuote(in.FeeQuote, incoming)
	}

	result := &MergeResult{Constraints: tags, ScopeItems: scope, FeeQuote: quote}
	if !tagsEqual(in.Constraints, tags) {
		result.Changed = append(result.Changed, cases.FieldConstraints)
	}
	if !scopeEqual(in.Scope, scope) {
		result.Changed = append(result.Changed, cases.FieldScopeItems)
	}
	if !feeQuoteEqual(in.FeeQuote, quote) {
		result.Changed = append(result.Changed, cases.FieldFeeQuote)
	}
	span.SetAttributes(attribute.Int("constraints.changed_fields", len(result.Changed)))

	if len(result.Changed) == 0 || s.updater == nil {
		return result, nil
	}
	err = s.updater.UpdateConstraintFields(ctx, in.CaseID, cases.ConstraintFields{
		Constraints: result.Constraints,
		ScopeItems:  result.ScopeItems,
		FeeQuote:    result.FeeQuote,
		Changed:     result.Changed,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting merged constraints: %w", err)
	}
	log.Debug().
		Str("case_id", in.CaseID).
		Interface("changed", result.Changed).
		Msg("constraints_merged")
	return result, nil
}

// incomingQuote builds the quote extracted from one analysis. The analysis
// timestamp stands in for a missing quoted-at so re-merging stays stable.
func incomingQuote(a *cases.Analysis, amount *float64) *cases.FeeQuote {
	if a.FeeQuote == nil && amount == nil {
		return nil
	}
	q := &cases.FeeQuote{}
	if a.FeeQuote != nil {
		q = copyFeeQuote(a.FeeQuote)
	}
	if amount != nil {
		q.Amount = copyFloat(amount)
	}
	if q.QuotedAt == nil && !a.CreatedAt.IsZero() {
		at := a.CreatedAt.UTC()
		q.QuotedAt = &at
	}
	return q
}

func tagsEqual(a, b []cases.ConstraintTag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func scopeEqual(a, b []cases.ScopeItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Status != b[i].Status || a[i].Reason != b[i].Reason ||
			!floatPtrEqual(a[i].Confidence, b[i].Confidence) {
			return false
		}
	}
	return true
}

func feeQuoteEqual(a, b *cases.FeeQuote) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !floatPtrEqual(a.Amount, b.Amount) || !floatPtrEqual(a.HourlyRate, b.HourlyRate) ||
		!floatPtrEqual(a.EstimatedHours, b.EstimatedHours) || a.Status != b.Status {
		return false
	}
	if (a.DepositRequired == nil) != (b.DepositRequired == nil) ||
		(a.DepositRequired != nil && *a.DepositRequired != *b.DepositRequired) {
		return false
	}
	if !timePtrEqual(a.QuotedAt, b.QuotedAt) || len(a.Breakdown) != len(b.Breakdown) {
		return false
	}
	for i := range a.Breakdown {
		if a.Breakdown[i] != b.Breakdown[i] {
			return false
		}
	}
	return true
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
