package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTestPolicyFile writes a valid casepilot.yaml with the given autopilot
// mode into dir and returns its path.
func WriteTestPolicyFile(t *testing.T, dir, mode string) string {
	t.Helper()
	content := `version: "1"
name: test
autopilot:
  mode: ` + mode + `
thresholds:
  fee_auto_accept: 100
  fee_risk: 250
  confidence: 0.8
run:
  max_iterations: 5
  max_adjustments: 2
delays:
  min_hours: 2
  max_hours: 10
  default_hours: 4
followups:
  cron: "0 9 * * 1-5"
  interval_days: 7
  max_followups: 3
`
	path := filepath.Join(dir, "casepilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteInvalidPolicyFile writes a casepilot.yaml that fails schema validation.
func WriteInvalidPolicyFile(t *testing.T, dir string) string {
	t.Helper()
	content := `version: "1"
name: test
thresholds:
  confidence: 4.2
unknown_section: true
`
	path := filepath.Join(dir, "casepilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
