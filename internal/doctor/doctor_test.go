package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CASEPILOT_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("CASEPILOT_DATABASE_URL", "")
	t.Setenv("CASEPILOT_SIGNING_KEY", "")
	t.Setenv("CASEPILOT_API_KEYS", "")
	t.Setenv("CASEPILOT_LLM_PROVIDER", "")
	t.Setenv("CASEPILOT_OPENAI_BASE_URL", "")
	t.Setenv("CASEPILOT_REDIS_ADDR", "")
	t.Setenv("CASEPILOT_NOTIFY_WEBHOOK", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	return dir
}

func find(t *testing.T, r *Report, name string) CheckResult {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report", name)
	return CheckResult{}
}

func TestRun_AllPassWithPolicyAndKeys(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CASEPILOT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("CASEPILOT_API_KEYS", "k1:ana")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "casepilot.yaml"),
		[]byte("name: county\nautopilot:\n  mode: manual\n"), 0o600))

	r := Run(context.Background(), Options{SkipNetwork: true})
	assert.Equal(t, "pass", r.Status, "%+v", r.Checks)
	assert.Equal(t, 0, r.Summary.Fail)
	assert.Contains(t, find(t, r, "policy_valid").Message, "mode MANUAL")
	assert.Equal(t, "pass", find(t, r, "gate_policy").Status)
	assert.Contains(t, find(t, r, "database").Message, "sqlite3")
	assert.Equal(t, "pass", find(t, r, "llm_key").Status)
}

func TestRun_MissingPolicyAndDefaultsWarn(t *testing.T) {
	setupEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	r := Run(context.Background(), Options{SkipNetwork: true})
	assert.Equal(t, "warn", r.Status)
	assert.Equal(t, "warn", find(t, r, "policy_valid").Status)
	assert.Equal(t, "warn", find(t, r, "signing_key").Status)
	assert.Equal(t, "warn", find(t, r, "api_keys").Status)
}

func TestRun_InvalidPolicyFails(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "casepilot.yaml"),
		[]byte("autopilot:\n  mode: [not, a, string]\n"), 0o600))

	r := Run(context.Background(), Options{SkipNetwork: true})
	assert.Equal(t, "fail", r.Status)
	assert.Equal(t, "fail", find(t, r, "policy_valid").Status)
}

func TestRun_LLMKeyFollowsProvider(t *testing.T) {
	setupEnv(t)
	t.Setenv("CASEPILOT_LLM_PROVIDER", "anthropic")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	c := find(t, Run(context.Background(), Options{SkipNetwork: true}), "llm_key")
	assert.Equal(t, "fail", c.Status)
	assert.Contains(t, c.Message, "ANTHROPIC_API_KEY")

	t.Setenv("ANTHROPIC_API_KEY", "ant-test")
	c = find(t, Run(context.Background(), Options{SkipNetwork: true}), "llm_key")
	assert.Equal(t, "pass", c.Status)
}

func TestRun_LocalEndpointWithoutKeyWarns(t *testing.T) {
	setupEnv(t)
	t.Setenv("CASEPILOT_OPENAI_BASE_URL", "http://localhost:11434/v1")

	c := find(t, Run(context.Background(), Options{SkipNetwork: true}), "llm_key")
	assert.Equal(t, "warn", c.Status)
}

func TestRun_SkipNetworkOmitsServiceChecks(t *testing.T) {
	setupEnv(t)
	t.Setenv("CASEPILOT_REDIS_ADDR", "127.0.0.1:1")

	r := Run(context.Background(), Options{SkipNetwork: true})
	for _, c := range r.Checks {
		assert.NotEqual(t, "services", c.Category)
	}
}

func TestRun_UnreachableRedisFails(t *testing.T) {
	setupEnv(t)
	t.Setenv("CASEPILOT_REDIS_ADDR", "127.0.0.1:1")

	c := find(t, Run(context.Background(), Options{}), "redis_lock")
	assert.Equal(t, "fail", c.Status)
}

func TestReport_Tally(t *testing.T) {
	r := &Report{Checks: []CheckResult{
		{Status: "pass", Name: "a"},
		{Status: "pass", Name: "b"},
		{Status: "warn", Name: "c"},
	}}
	r.tally()
	assert.Equal(t, Summary{Pass: 2, Warn: 1}, r.Summary)
	assert.Equal(t, "warn", r.Status)

	r.Checks = append(r.Checks, CheckResult{Status: "fail", Name: "d"})
	r.tally()
	assert.Equal(t, 1, r.Summary.Fail)
	assert.Equal(t, "fail", r.Status)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://****@db:5432/cp", redactDSN("postgres://u:secret@db:5432/cp"))
	assert.Equal(t, "/tmp/casepilot.db", redactDSN("/tmp/casepilot.db"))
}
