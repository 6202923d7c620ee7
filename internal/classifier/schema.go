package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// outputSchema is the contract model output must satisfy.
const outputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["category", "confidence", "summary"],
  "properties": {
    "category": {"type": "string", "enum": [
      "denial", "fee_notice", "clarification_request", "no_response", "records_ready",
      "acknowledgment", "partial_delivery", "portal_redirect", "wrong_agency",
      "delivery_failed", "unknown"
    ]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "sentiment": {"type": "string", "enum": ["cooperative", "neutral", "hostile"]},
    "summary": {"type": "string"},
    "fee_amount": {"type": ["number", "null"], "minimum": 0},
    "deadline": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "constraints_to_add": {"type": "array", "items": {"type": "string", "enum": [
      "FEE_REQUIRED", "ID_REQUIRED", "DENIAL_RECEIVED", "BWC_EXEMPT", "INVESTIGATION_ACTIVE",
      "SCOPE_TOO_BROAD", "PORTAL_REQUIRED", "PARTIAL_RELEASE", "RECORDS_NOT_HELD"
    ]}},
    "scope_updates": {"type": "array", "items": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "status": {"type": "string", "enum": ["requested", "pending", "delivered", "partial", "denied", "exempt", "not_held"]},
        "reason": {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }},
    "denial_reason": {"type": "string", "enum": ["overly_broad", "exemption", "no_records", "ongoing_investigation", "other"]},
    "exemptions": {"type": "array", "items": {"type": "string"}},
    "fee_legality_ambiguous": {"type": "boolean"},
    "hourly_rate": {"type": ["number", "null"], "minimum": 0},
    "estimated_hours": {"type": ["number", "null"], "minimum": 0},
    "deposit_required": {"type": ["boolean", "null"]},
    "fee_breakdown": {"type": "array", "items": {
      "type": "object",
      "required": ["description", "amount"],
      "properties": {
        "description": {"type": "string"},
        "amount": {"type": "number"}
      }
    }},
    "questions": {"type": "array", "items": {"type": "string"}},
    "portal_url": {"type": "string"},
    "suggested_agency": {"type": "string"},
    "delivery_error": {"type": "string"}
  }
}`

var outputSchemaLoader = gojsonschema.NewStringLoader(outputSchema)

// validateOutput checks raw model output against outputSchema. The returned
// error lists every violation so it can be fed back to the model.
func validateOutput(raw string) error {
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("%w: response is not valid JSON", ErrMalformedOutput)
	}
	result, err := gojsonschema.Validate(outputSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(msgs, "; "))
}
