// Package config holds OPERATOR-LEVEL configuration for a casepilot installation.
//
// This is infrastructure config set by whoever deploys casepilot: where state
// lives, which LLM backend to call, the decision-log signing key, the Redis
// lock and the escalation webhook. Set via env vars (CASEPILOT_*) or a config
// file (casepilot.config.yaml).
//
// Case-handling rules (thresholds, autopilot, run limits, follow-up cadence)
// live in the policy file instead (internal/policy, casepilot.yaml).
// AutopilotMode here only overrides the policy file's mode at load time.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/casepilot/internal/cases"
)

// Viper keys. Each maps to an env var with the CASEPILOT_ prefix
// (e.g. "signing_key" → CASEPILOT_SIGNING_KEY) and to a YAML field
// in casepilot.config.yaml (e.g. signing_key: "...").
const (
	KeyDataDir       = "data_dir"
	KeyDatabaseURL   = "database_url"
	KeySigningKey    = "signing_key"
	KeyDefaultPolicy = "default_policy"
	KeyLLMProvider   = "llm_provider"
	KeyLLMModel      = "llm_model"
	KeyOpenAIBaseURL = "openai_base_url"
	KeyRedisAddr     = "redis_addr"
	KeyRedisPassword = "redis_password"
	KeyNotifyWebhook = "notify_webhook"
	KeyAutopilotMode = "autopilot_mode"
	KeyAPIKeys       = "api_keys"
)

// Defaults that do NOT involve crypto material. The signing key intentionally
// has no baked-in default: when unset we derive a per-machine fallback and
// warn loudly.
const (
	DefaultPolicy = "casepilot.yaml"
)

// Config holds resolved operator-level configuration for a casepilot process.
type Config struct {
	DataDir       string // Base directory for all state (~/.casepilot)
	DatabaseURL   string // postgres:// DSN; empty means SQLite under DataDir
	SigningKey    string // HMAC-SHA256 key for the decision log (≥32 bytes)
	DefaultPolicy string // Default policy filename
	LLMProvider   string // openai or anthropic; empty defers to the policy file
	LLMModel      string // Overrides the policy's drafter model when set
	OpenAIBaseURL string // OpenAI-compatible endpoint
	RedisAddr     string // Enables the Redis run lock when set
	RedisPassword string
	NotifyWebhook string              // Escalation webhook; overrides the policy's
	AutopilotMode cases.AutopilotMode // Empty means the policy decides
	APIKeys       map[string]string   // API key -> operator name

	usingDefaultSigningKey bool
}

// UsingDefaultKeys returns true if the signing key fell back to a derived
// default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey
}

// DatabaseDSN returns DatabaseURL or the SQLite file under DataDir.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDir, "casepilot.db")
}

// LLMAPIKey returns the provider's API key from the environment.
func (c *Config) LLMAPIKey() string {
	return APIKeyFor(c.LLMProvider)
}

// APIKeyFor reads the API key environment variable of the named provider.
func APIKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
// Suppressed when CASEPILOT_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default CASEPILOT_SIGNING_KEY; set it via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("CASEPILOT_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	SetDefaults()
}

// SetDefaults binds the CASEPILOT_ env prefix and the built-in defaults.
func SetDefaults() {
	viper.SetEnvPrefix("CASEPILOT")
	viper.AutomaticEnv()
	viper.SetDefault(KeyDefaultPolicy, DefaultPolicy)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:       resolveDataDir(),
		DatabaseURL:   viper.GetString(KeyDatabaseURL),
		SigningKey:    viper.GetString(KeySigningKey),
		DefaultPolicy: viper.GetString(KeyDefaultPolicy),
		LLMProvider:   strings.ToLower(viper.GetString(KeyLLMProvider)),
		LLMModel:      viper.GetString(KeyLLMModel),
		OpenAIBaseURL: viper.GetString(KeyOpenAIBaseURL),
		RedisAddr:     viper.GetString(KeyRedisAddr),
		RedisPassword: viper.GetString(KeyRedisPassword),
		NotifyWebhook: viper.GetString(KeyNotifyWebhook),
	}

	if mode := viper.GetString(KeyAutopilotMode); mode != "" {
		m, err := cases.ParseAutopilotMode(mode)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		cfg.AutopilotMode = m
	}

	keys, err := parseAPIKeys(viper.GetString(KeyAPIKeys))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.APIKeys = keys

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "decision-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".casepilot"
	}
	return filepath.Join(home, ".casepilot")
}

// parseAPIKeys reads "key:operator,key2:operator2". A key without an
// operator maps to "operator".
func parseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, operator, _ := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("api_keys entry %q has an empty key", part)
		}
		operator = strings.TrimSpace(operator)
		if operator == "" {
			operator = "operator"
		}
		out[key] = operator
	}
	return out, nil
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong; it
// lets `casepilot serve` sign decisions out of the box with a per-machine key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("casepilot:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	switch c.LLMProvider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("llm_provider must be openai or anthropic (got %q)", c.LLMProvider)
	}
	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("database_url must be a postgres:// DSN; leave it empty for SQLite")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters (decoded length ≥32 for HMAC-SHA256).
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 {
		if decoded, err := hex.DecodeString(key); err == nil {
			if len(decoded) < 32 {
				return fmt.Errorf("signing_key hex must decode to at least 32 bytes")
			}
			return nil
		}
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set CASEPILOT_SIGNING_KEY", n)
}
