package drafting

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/llm"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/drafting")

var draftSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["subject", "body"],
  "properties": {
    "subject": {"type": "string", "minLength": 1, "maxLength": 200},
    "body": {"type": "string", "minLength": 1}
  }
}`)

// LLMDrafter drafts correspondence with a chat model.
type LLMDrafter struct {
	provider llm.Provider
	model    string
	policy   *bluemonday.Policy
}

// NewLLMDrafter returns a drafter backed by provider and model.
func NewLLMDrafter(provider llm.Provider, model string) *LLMDrafter {
	return &LLMDrafter{provider: provider, model: model, policy: bluemonday.StrictPolicy()}
}

// Draft implements Drafter.
func (d *LLMDrafter) Draft(ctx context.Context, req Request) (*Draft, error) {
	ctx, span := tracer.Start(ctx, "drafting.draft",
		trace.WithAttributes(
			attribute.String("action.type", string(req.ActionType)),
			cpotel.GenAIOperationName.String("draft"),
		))
	defer span.End()

	if req.Case == nil {
		return nil, fmt.Errorf("drafting %s: case is required", req.ActionType)
	}
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := d.provider.Generate(ctx, &llm.Request{
		Model: d.model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   1500,
		JSONMode:    true,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("drafting %s: %w", req.ActionType, err)
	}
	llm.RecordUsage(ctx, d.provider, "draft", resp)

	draft, err := d.parse(resp.Content)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("case_id", req.Case.ID).Str("action", string(req.ActionType)).Msg("draft_output_rejected")
		return nil, err
	}
	return draft, nil
}

func (d *LLMDrafter) parse(content string) (*Draft, error) {
	raw := llm.ExtractJSON(content)
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrMalformedOutput)
	}
	result, err := gojsonschema.Validate(draftSchema, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(msgs, "; "))
	}

	var draft Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	draft.Subject = strings.TrimSpace(d.sanitize(draft.Subject))
	draft.Body = strings.TrimSpace(d.sanitize(draft.Body))
	if draft.Subject == "" || draft.Body == "" {
		return nil, fmt.Errorf("%w: empty after sanitizing", ErrMalformedOutput)
	}
	return &draft, nil
}

// sanitize strips markup; StrictPolicy escapes entities, which plain-text
// email must not carry.
func (d *LLMDrafter) sanitize(s string) string {
	return html.UnescapeString(d.policy.Sanitize(s))
}
