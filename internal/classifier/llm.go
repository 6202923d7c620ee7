package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/llm"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
	"github.com/dativo-io/casepilot/internal/screen"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/classifier")

const systemPrompt = `You classify replies from government agencies to public-records (FOIA) requests.
Return exactly one JSON object and nothing else, with these fields:
  category: one of denial, fee_notice, clarification_request, no_response, records_ready,
            acknowledgment, partial_delivery, portal_redirect, wrong_agency, delivery_failed, unknown
  confidence: number between 0 and 1
  sentiment: cooperative, neutral or hostile
  summary: one or two sentences
  fee_amount: total fee in dollars, or null
  deadline: YYYY-MM-DD response deadline the agency set, or null
  constraints_to_add: facts learned, from FEE_REQUIRED, ID_REQUIRED, DENIAL_RECEIVED, BWC_EXEMPT,
            INVESTIGATION_ACTIVE, SCOPE_TOO_BROAD, PORTAL_REQUIRED, PARTIAL_RELEASE, RECORDS_NOT_HELD
  scope_updates: [{name, status, reason, confidence}] for individual requested record types
Category-specific fields, when relevant: denial_reason (overly_broad, exemption, no_records,
ongoing_investigation, other), exemptions, fee_legality_ambiguous, hourly_rate, estimated_hours,
deposit_required, fee_breakdown [{description, amount}], questions, portal_url, suggested_agency,
delivery_error.`

// LLMClassifier classifies messages with a chat model.
type LLMClassifier struct {
	provider llm.Provider
	model    string
}

// NewLLMClassifier returns a classifier backed by provider and model.
func NewLLMClassifier(provider llm.Provider, model string) *LLMClassifier {
	return &LLMClassifier{provider: provider, model: model}
}

// Classify implements Classifier. Provider failures are returned wrapped;
// output that does not match the schema yields ErrMalformedOutput.
func (c *LLMClassifier) Classify(ctx context.Context, text string, cc CaseContext) (*Classification, error) {
	ctx, span := tracer.Start(ctx, "classifier.classify",
		trace.WithAttributes(
			attribute.String("case.id", cc.CaseID),
			cpotel.GenAIOperationName.String("classify"),
		))
	defer span.End()

	token, err := screen.NewToken()
	if err != nil {
		return nil, err
	}
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt + "\n" + screen.FenceInstruction(token)},
		{Role: "user", Content: userPrompt(text, cc, token)},
	}
	if cc.Directive != "" {
		messages = append(messages, llm.Message{Role: "system", Content: cc.Directive})
	}

	resp, err := c.provider.Generate(ctx, &llm.Request{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: 1024,
		JSONMode:  true,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("classifying message: %w", err)
	}
	llm.RecordUsage(ctx, c.provider, "classify", resp)

	result, err := Parse(resp.Content)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("case_id", cc.CaseID).Msg("classifier_output_rejected")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("classification.category", string(result.Category)),
		attribute.Float64("classification.confidence", result.Confidence),
	)
	return result, nil
}

func userPrompt(text string, cc CaseContext, token string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agency: %s\nRequest subject: %s\n", cc.AgencyName, cc.Subject)
	if cc.RequestText != "" {
		fmt.Fprintf(&b, "Original request:\n%s\n", cc.RequestText)
	}
	if len(cc.Constraints) > 0 {
		tags := make([]string, len(cc.Constraints))
		for i, t := range cc.Constraints {
			tags[i] = string(t)
		}
		fmt.Fprintf(&b, "Known constraints: %s\n", strings.Join(tags, ", "))
	}
	if len(cc.ScopeItems) > 0 {
		b.WriteString("Requested records:\n")
		for _, s := range cc.ScopeItems {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Name, s.Status)
		}
	}
	fmt.Fprintf(&b, "\nAgency reply:\n%s\n", screen.Fence(token, "agency reply", text))
	return b.String()
}

type wireScope struct {
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

type wireOutput struct {
	Category             string          `json:"category"`
	Confidence           float64         `json:"confidence"`
	Sentiment            string          `json:"sentiment"`
	Summary              string          `json:"summary"`
	FeeAmount            *float64        `json:"fee_amount"`
	Deadline             *string         `json:"deadline"`
	ConstraintsToAdd     []string        `json:"constraints_to_add"`
	ScopeUpdates         []wireScope     `json:"scope_updates"`
	DenialReason         string          `json:"denial_reason"`
	Exemptions           []string        `json:"exemptions"`
	FeeLegalityAmbiguous bool            `json:"fee_legality_ambiguous"`
	HourlyRate           *float64        `json:"hourly_rate"`
	EstimatedHours       *float64        `json:"estimated_hours"`
	DepositRequired      *bool           `json:"deposit_required"`
	FeeBreakdown         []cases.FeeLine `json:"fee_breakdown"`
	Questions            []string        `json:"questions"`
	PortalURL            string          `json:"portal_url"`
	SuggestedAgency      string          `json:"suggested_agency"`
	DeliveryError        string          `json:"delivery_error"`
}

// Parse validates raw model output and converts it to a Classification.
func Parse(content string) (*Classification, error) {
	raw := llm.ExtractJSON(content)
	if err := validateOutput(raw); err != nil {
		return nil, err
	}
	var w wireOutput
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	c := &Classification{
		Category:   Category(w.Category),
		Confidence: w.Confidence,
		Sentiment:  Sentiment(w.Sentiment),
		Summary:    w.Summary,
		FeeAmount:  w.FeeAmount,
	}
	if c.Sentiment == "" {
		c.Sentiment = SentimentNeutral
	}
	if w.Deadline != nil && *w.Deadline != "" {
		d, err := time.Parse("2006-01-02", *w.Deadline)
		if err != nil {
			return nil, fmt.Errorf("%w: deadline: %v", ErrMalformedOutput, err)
		}
		c.Deadline = &d
	}
	for _, t := range w.ConstraintsToAdd {
		c.ConstraintsToAdd = append(c.ConstraintsToAdd, cases.ConstraintTag(t))
	}
	for _, s := range w.ScopeUpdates {
		c.ScopeUpdates = append(c.ScopeUpdates, cases.ScopeItem{
			Name:       s.Name,
			Status:     cases.ScopeStatus(s.Status),
			Reason:     s.Reason,
			Confidence: s.Confidence,
		})
	}

	var quote *cases.FeeQuote
	if c.Category == CategoryFeeNotice {
		quote = &cases.FeeQuote{
			Amount:          w.FeeAmount,
			HourlyRate:      w.HourlyRate,
			EstimatedHours:  w.EstimatedHours,
			Breakdown:       w.FeeBreakdown,
			DepositRequired: w.DepositRequired,
			Status:          cases.FeeQuoteStatusQuoted,
		}
	}
	c.Details = detailsFor(c.Category, rawDetails{
		DenialReason:         w.DenialReason,
		Exemptions:           w.Exemptions,
		FeeQuote:             quote,
		FeeLegalityAmbiguous: w.FeeLegalityAmbiguous,
		Questions:            w.Questions,
		PortalURL:            w.PortalURL,
		SuggestedAgency:      w.SuggestedAgency,
		DeliveryError:        w.DeliveryError,
	})
	return c, nil
}
