// Package doctor runs preflight checks over the casepilot configuration and
// the services it depends on. Used by `casepilot doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/config"
	"github.com/dativo-io/casepilot/internal/constraints"
	"github.com/dativo-io/casepilot/internal/database"
	"github.com/dativo-io/casepilot/internal/policy"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which checks run.
type Options struct {
	SkipNetwork bool // skip Redis, webhook and LLM endpoint probes (CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = []CheckResult{{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check CASEPILOT_* variables and casepilot.config.yaml",
		}}
	} else {
		report.Checks = append(report.Checks, checkDataDir(cfg))
		report.Checks = append(report.Checks, checkSigningKey(cfg))
		report.Checks = append(report.Checks, checkAPIKeys(cfg))
		pol, polChecks := checkPolicy(ctx, cfg)
		report.Checks = append(report.Checks, polChecks...)
		report.Checks = append(report.Checks, checkLLMKey(cfg, pol))
		report.Checks = append(report.Checks, checkDatabase(ctx, cfg))
		if !opts.SkipNetwork {
			report.Checks = append(report.Checks, checkServices(ctx, cfg, pol)...)
		}
	}
	report.tally()
	return report
}

func (r *Report) tally() {
	r.Summary = Summary{}
	for _, c := range r.Checks {
		switch c.Status {
		case "pass":
			r.Summary.Pass++
		case "warn":
			r.Summary.Warn++
		case "fail":
			r.Summary.Fail++
		}
	}
	r.Status = "pass"
	if r.Summary.Warn > 0 {
		r.Status = "warn"
	}
	if r.Summary.Fail > 0 {
		r.Status = "fail"
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkSigningKey(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultKeys() {
		return CheckResult{
			Name: "signing_key", Category: "config", Status: "warn",
			Message: "Using derived default", Fix: "Set CASEPILOT_SIGNING_KEY for production",
		}
	}
	return CheckResult{Name: "signing_key", Category: "config", Status: "pass", Message: "Configured"}
}

func checkAPIKeys(cfg *config.Config) CheckResult {
	if len(cfg.APIKeys) == 0 {
		return CheckResult{
			Name: "api_keys", Category: "config", Status: "warn",
			Message: "No API keys; the HTTP API will reject every request",
			Fix:     "Set CASEPILOT_API_KEYS=key:operator[,key2:operator2]",
		}
	}
	return CheckResult{
		Name: "api_keys", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%d operator key(s)", len(cfg.APIKeys)),
	}
}

// checkPolicy loads the policy and compiles what the runner compiles at
// startup. A missing file is a warning: the built-in policy applies.
func checkPolicy(ctx context.Context, cfg *config.Config) (*policy.Policy, []CheckResult) {
	path := cfg.DefaultPolicy
	pol, err := policy.LoadPolicy(ctx, path, ".")
	switch {
	case errors.Is(err, os.ErrNotExist):
		pol = policy.Default()
		return applyOverrides(pol, cfg), []CheckResult{{
			Name: "policy_valid", Category: "policy", Status: "warn",
			Message: fmt.Sprintf("%s not found, using built-in defaults", path),
			Fix:     "Write a casepilot.yaml to tune thresholds and autopilot mode",
		}}
	case err != nil:
		return applyOverrides(policy.Default(), cfg), []CheckResult{{
			Name: "policy_valid", Category: "policy", Status: "fail",
			Message: fmt.Sprintf("%s: %v", path, err),
			Fix:     "Run 'casepilot validate' for details",
		}}
	}
	results := []CheckResult{{
		Name: "policy_valid", Category: "policy", Status: "pass",
		Message: fmt.Sprintf("%s (%s, mode %s)", path, pol.VersionTag, pol.Mode()),
	}}

	if _, err := policy.NewEngine(ctx, pol); err != nil {
		results = append(results, CheckResult{
			Name: "gate_policy", Category: "policy", Status: "fail",
			Message: err.Error(),
		})
	} else {
		results = append(results, CheckResult{Name: "gate_policy", Category: "policy", Status: "pass", Message: "Compiled"})
	}

	if p := pol.Constraints.FallbackRulesPath; p != "" {
		safe, err := policy.ResolvePathUnderBase(".", p)
		if err == nil {
			_, err = constraints.LoadRules(safe)
		}
		if err != nil {
			results = append(results, CheckResult{
				Name: "fallback_rules", Category: "policy", Status: "fail",
				Message: fmt.Sprintf("%s: %v", p, err),
			})
		} else {
			results = append(results, CheckResult{Name: "fallback_rules", Category: "policy", Status: "pass", Message: p})
		}
	}
	return applyOverrides(pol, cfg), results
}

func applyOverrides(pol *policy.Policy, cfg *config.Config) *policy.Policy {
	if cfg.LLMProvider != "" {
		pol.Models.Provider = cfg.LLMProvider
	}
	if cfg.NotifyWebhook != "" {
		pol.Notifications.WebhookURL = cfg.NotifyWebhook
	}
	return pol
}

func checkLLMKey(cfg *config.Config, pol *policy.Policy) CheckResult {
	provider := pol.Models.Provider
	if provider == "" {
		provider = "openai"
	}
	if config.APIKeyFor(provider) != "" {
		return CheckResult{
			Name: "llm_key", Category: "config", Status: "pass",
			Message: fmt.Sprintf("%s (env)", provider),
		}
	}
	// Local OpenAI-compatible servers often accept any key.
	if provider == "openai" && cfg.OpenAIBaseURL != "" {
		return CheckResult{
			Name: "llm_key", Category: "config", Status: "warn",
			Message: "No OPENAI_API_KEY; relying on " + cfg.OpenAIBaseURL,
		}
	}
	env := "OPENAI_API_KEY"
	if provider == "anthropic" {
		env = "ANTHROPIC_API_KEY"
	}
	return CheckResult{
		Name: "llm_key", Category: "config", Status: "fail",
		Message: fmt.Sprintf("No %s for provider %s", env, provider),
		Fix:     "Export " + env + " before running the decision loop",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	dsn := cfg.DatabaseDSN()
	db, err := database.Open(dsn)
	if err != nil {
		return CheckResult{
			Name: "database", Category: "storage", Status: "fail",
			Message: err.Error(),
			Fix:     "Check CASEPILOT_DATABASE_URL or the data directory",
		}
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return CheckResult{
			Name: "database", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	var cases int
	// The table is absent until the first command migrates it.
	if err := db.QueryRowContext(pingCtx, `SELECT COUNT(*) FROM cases`).Scan(&cases); err != nil {
		return CheckResult{
			Name: "database", Category: "storage", Status: "pass",
			Message: fmt.Sprintf("%s (%s, not yet initialised)", db.Dialect, redactDSN(dsn)),
		}
	}
	return CheckResult{
		Name: "database", Category: "storage", Status: "pass",
		Message: fmt.Sprintf("%s (%s, %d cases)", db.Dialect, redactDSN(dsn), cases),
	}
}

func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at > 0 && strings.Contains(dsn, "://") {
		return dsn[:strings.Index(dsn, "://")+3] + "****" + dsn[at:]
	}
	return dsn
}

func checkServices(ctx context.Context, cfg *config.Config, pol *policy.Policy) []CheckResult {
	var results []CheckResult
	if cfg.RedisAddr != "" {
		results = append(results, checkRedis(ctx, cfg))
	}
	if url := pol.Notifications.WebhookURL; url != "" {
		results = append(results, checkEndpoint(ctx, "notify_webhook", url))
	}
	if cfg.OpenAIBaseURL != "" {
		results = append(results, checkEndpoint(ctx, "llm_endpoint", strings.TrimRight(cfg.OpenAIBaseURL, "/")+"/models"))
	}
	return results
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	lock := agent.NewRedisLock(cfg.RedisAddr, cfg.RedisPassword, 0, 0)
	defer lock.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lock.Ping(pingCtx); err != nil {
		return CheckResult{
			Name: "redis_lock", Category: "services", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.RedisAddr, err),
			Fix:     "Start Redis or unset CASEPILOT_REDIS_ADDR to use the in-process lock",
		}
	}
	return CheckResult{Name: "redis_lock", Category: "services", Status: "pass", Message: cfg.RedisAddr}
}

// checkEndpoint probes url with HEAD. Any answer below 500 counts as reachable.
func checkEndpoint(ctx context.Context, name, url string) CheckResult {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return CheckResult{
			Name: name, Category: "services", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", err),
		}
	}
	start := time.Now()
	resp, err := client.Do(req) //nolint:gosec // URL from operator config
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: name, Category: "services", Status: "fail",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and the configured URL",
		}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return CheckResult{
			Name: name, Category: "services", Status: "warn",
			Message: fmt.Sprintf("HTTP %d in %dms", resp.StatusCode, latency.Milliseconds()),
		}
	}
	status := "pass"
	if latency > 2*time.Second {
		status = "warn"
	}
	return CheckResult{
		Name: name, Category: "services", Status: status,
		Message: fmt.Sprintf("HTTP %d in %dms", resp.StatusCode, latency.Milliseconds()),
	}
}
