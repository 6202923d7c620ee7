package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dativo-io/casepilot/internal/cases"
)

// Policy is a complete casepilot.yaml: how far the engine may act alone and
// the numbers that bound it.
type Policy struct {
	Version       string              `yaml:"version" json:"version"`
	Name          string              `yaml:"name" json:"name"`
	Autopilot     AutopilotConfig     `yaml:"autopilot" json:"autopilot"`
	Thresholds    ThresholdConfig     `yaml:"thresholds" json:"thresholds"`
	Run           RunConfig           `yaml:"run" json:"run"`
	Delays        DelayConfig         `yaml:"delays" json:"delays"`
	RateLimits    RateLimitConfig     `yaml:"rate_limits" json:"rate_limits"`
	Followups     FollowupConfig      `yaml:"followups" json:"followups"`
	RiskRules     []RiskRule          `yaml:"risk_rules,omitempty" json:"risk_rules,omitempty"`
	Constraints   ConstraintsConfig   `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty" json:"notifications,omitempty"`
	Models        ModelsConfig        `yaml:"models,omitempty" json:"models,omitempty"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// AutopilotConfig holds the default autopilot mode. Cases may override it.
type AutopilotConfig struct {
	Mode string `yaml:"mode" json:"mode"`
}

// ThresholdConfig holds the monetary and confidence limits.
type ThresholdConfig struct {
	FeeAutoAccept        float64 `yaml:"fee_auto_accept" json:"fee_auto_accept"`
	FeeNegotiateMax      float64 `yaml:"fee_negotiate_max,omitempty" json:"fee_negotiate_max,omitempty"`
	FeeRisk              float64 `yaml:"fee_risk" json:"fee_risk"`
	Confidence           float64 `yaml:"confidence" json:"confidence"`
	RiskyConfidenceFloor float64 `yaml:"risky_confidence_floor" json:"risky_confidence_floor"`
}

// RunConfig bounds a single run of the decision loop.
type RunConfig struct {
	MaxIterations         int `yaml:"max_iterations" json:"max_iterations"`
	MaxAdjustments        int `yaml:"max_adjustments" json:"max_adjustments"`
	MaxDraftsPerRun       int `yaml:"max_drafts_per_run" json:"max_drafts_per_run"`
	FailureThreshold      int `yaml:"failure_threshold" json:"failure_threshold"`
	FailureWindowMinutes  int `yaml:"failure_window_minutes" json:"failure_window_minutes"`
	ContextTimeoutSeconds int `yaml:"context_timeout_seconds,omitempty" json:"context_timeout_seconds,omitempty"`
}

// DelayConfig is the pacing applied to outbound sends.
type DelayConfig struct {
	MinHours     float64 `yaml:"min_hours" json:"min_hours"`
	MaxHours     float64 `yaml:"max_hours" json:"max_hours"`
	DefaultHours float64 `yaml:"default_hours" json:"default_hours"`
}

// RateLimitConfig throttles expensive drafting calls.
type RateLimitConfig struct {
	DraftsPerMinute        int `yaml:"drafts_per_minute" json:"drafts_per_minute"`
	DraftsPerCasePerMinute int `yaml:"drafts_per_case_per_minute" json:"drafts_per_case_per_minute"`
}

// FollowupConfig drives time-based follow-up triggers.
type FollowupConfig struct {
	Cron         string `yaml:"cron" json:"cron"`
	IntervalDays int    `yaml:"interval_days" json:"interval_days"`
	MaxFollowups int    `yaml:"max_followups" json:"max_followups"`
}

// RiskRule is a named CEL expression that raises a risk flag when true.
type RiskRule struct {
	Name        string `yaml:"name" json:"name"`
	Expr        string `yaml:"expr" json:"expr"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ConstraintsConfig points at an operator-supplied fallback rule table.
type ConstraintsConfig struct {
	FallbackRulesPath string `yaml:"fallback_rules_path,omitempty" json:"fallback_rules_path,omitempty"`
}

// NotificationsConfig configures escalation notifications.
type NotificationsConfig struct {
	WebhookURL string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
}

// ModelsConfig selects the models used by the classifier and drafter.
type ModelsConfig struct {
	Provider   string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Classifier string `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	Drafter    string `yaml:"drafter,omitempty" json:"drafter,omitempty"`
}

// Default returns the policy used when no casepilot.yaml is present.
func Default() *Policy {
	p := baseline()
	p.Name = "default"
	applyDefaults(p)
	p.ComputeHash([]byte("default"))
	return p
}

// Mode returns the configured autopilot mode, SUPERVISED if unset or invalid.
func (p *Policy) Mode() cases.AutopilotMode {
	m, err := cases.ParseAutopilotMode(p.Autopilot.Mode)
	if err != nil {
		return cases.ModeSupervised
	}
	return m
}

// ComputeHash generates SHA-256 hash of policy content and sets
// the VersionTag to "{version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

// Validate applies business rules the schema cannot express.
func (p *Policy) Validate() error {
	if _, err := cases.ParseAutopilotMode(p.Autopilot.Mode); err != nil {
		return fmt.Errorf("autopilot.mode: %w", err)
	}
	if p.Delays.MinHours > p.Delays.MaxHours {
		return fmt.Errorf("delays.min_hours (%v) must not exceed delays.max_hours (%v)", p.Delays.MinHours, p.Delays.MaxHours)
	}
	if p.Thresholds.FeeNegotiateMax > 0 && p.Thresholds.FeeNegotiateMax < p.Thresholds.FeeAutoAccept {
		return fmt.Errorf("thresholds.fee_negotiate_max must be at least fee_auto_accept")
	}
	seen := make(map[string]bool, len(p.RiskRules))
	for _, r := range p.RiskRules {
		if seen[r.Name] {
			return fmt.Errorf("risk_rules: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// baseline returns a policy holding the defaults of every setting for which
// zero is a meaningful value. A file is decoded over it, so an explicit
// fee_auto_accept: 0 or max_adjustments: 0 survives.
func baseline() *Policy {
	return &Policy{
		Thresholds: ThresholdConfig{
			FeeAutoAccept:        50,
			FeeRisk:              100,
			Confidence:           0.85,
			RiskyConfidenceFloor: 0.5,
		},
		Run:       RunConfig{MaxAdjustments: 3},
		Delays:    DelayConfig{MinHours: 2, MaxHours: 10, DefaultHours: 4},
		Followups: FollowupConfig{MaxFollowups: 3},
	}
}

// applyDefaults fills settings whose zero value means "unset".
func applyDefaults(p *Policy) {
	if p.Version == "" {
		p.Version = "1"
	}
	if p.Autopilot.Mode == "" {
		p.Autopilot.Mode = string(cases.ModeSupervised)
	}
	r := &p.Run
	if r.MaxIterations == 0 {
		r.MaxIterations = 5
	}
	if r.MaxDraftsPerRun == 0 {
		r.MaxDraftsPerRun = 2
	}
	if r.FailureThreshold == 0 {
		r.FailureThreshold = 3
	}
	if r.FailureWindowMinutes == 0 {
		r.FailureWindowMinutes = 60
	}
	if r.ContextTimeoutSeconds == 0 {
		r.ContextTimeoutSeconds = 30
	}
	if p.RateLimits.DraftsPerMinute == 0 {
		p.RateLimits.DraftsPerMinute = 30
	}
	if p.RateLimits.DraftsPerCasePerMinute == 0 {
		p.RateLimits.DraftsPerCasePerMinute = 5
	}
	f := &p.Followups
	if f.Cron == "" {
		f.Cron = "0 9 * * 1-5"
	}
	if f.IntervalDays == 0 {
		f.IntervalDays = 10
	}
	p.RiskRules = withDefaultRiskRules(p.RiskRules)
	if p.Models.Classifier == "" {
		p.Models.Classifier = "gpt-4o-mini"
	}
	if p.Models.Drafter == "" {
		p.Models.Drafter = "gpt-4o"
	}
}

// withDefaultRiskRules prepends the built-in rules that the file does not
// redefine by name.
func withDefaultRiskRules(rules []RiskRule) []RiskRule {
	defined := make(map[string]bool, len(rules))
	for _, r := range rules {
		defined[r.Name] = true
	}
	out := make([]RiskRule, 0, len(rules)+3)
	for _, r := range DefaultRiskRules() {
		if !defined[r.Name] {
			out = append(out, r)
		}
	}
	return append(out, rules...)
}
