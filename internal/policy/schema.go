package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for casepilot.yaml.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "casepilot.yaml",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "enum": ["1"]},
    "name": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
    "autopilot": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mode": {"type": "string", "enum": ["AUTO", "SUPERVISED", "MANUAL", "auto", "supervised", "manual"]}
      }
    },
    "thresholds": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "fee_auto_accept": {"type": "number", "minimum": 0},
        "fee_negotiate_max": {"type": "number", "minimum": 0},
        "fee_risk": {"type": "number", "minimum": 0},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "risky_confidence_floor": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "run": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_iterations": {"type": "integer", "minimum": 1, "maximum": 20},
        "max_adjustments": {"type": "integer", "minimum": 0},
        "max_drafts_per_run": {"type": "integer", "minimum": 1},
        "failure_threshold": {"type": "integer", "minimum": 1},
        "failure_window_minutes": {"type": "integer", "minimum": 1},
        "context_timeout_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "delays": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "min_hours": {"type": "number", "minimum": 0},
        "max_hours": {"type": "number", "minimum": 0},
        "default_hours": {"type": "number", "minimum": 0}
      }
    },
    "rate_limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "drafts_per_minute": {"type": "integer", "minimum": 1},
        "drafts_per_case_per_minute": {"type": "integer", "minimum": 1}
      }
    },
    "followups": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "cron": {"type": "string", "minLength": 1},
        "interval_days": {"type": "integer", "minimum": 1},
        "max_followups": {"type": "integer", "minimum": 0}
      }
    },
    "risk_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9_]+$"},
          "expr": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    },
    "constraints": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "fallback_rules_path": {"type": "string"}
      }
    },
    "notifications": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "webhook_url": {"type": "string", "pattern": "^https?://"}
      }
    },
    "models": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string", "enum": ["openai", "anthropic"]},
        "classifier": {"type": "string"},
        "drafter": {"type": "string"}
      }
    }
  }
}`

// ValidateSchema checks raw casepilot.yaml content against schemaV1.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaV1), gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", b.String())
	}
	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
