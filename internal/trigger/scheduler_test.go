package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/policy"
	"github.com/dativo-io/casepilot/internal/testutil"
)

type mockRunner struct {
	mu    sync.Mutex
	calls []agent.Trigger
	fail  map[string]error
}

func (m *mockRunner) Run(_ context.Context, t agent.Trigger) (*agent.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, t)
	if err := m.fail[t.CaseID]; err != nil {
		return nil, err
	}
	return &agent.Result{RunID: "run_test", CaseID: t.CaseID, Status: agent.RunPaused, ProposalID: "prop_test"}, nil
}

var _ CaseRunner = (*mockRunner)(nil)

func TestRegisterFollowups_AddsEntry(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, testutil.NewStores(t).Cases)
	pol := policy.Default()
	pol.Followups.Cron = "0 9 * * 1-5"

	require.NoError(t, sched.RegisterFollowups(pol))
	assert.Equal(t, 1, sched.Entries())
}

func TestRegisterFollowups_InvalidCron(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, testutil.NewStores(t).Cases)
	pol := policy.Default()
	pol.Followups.Cron = "not a valid cron"

	assert.Error(t, sched.RegisterFollowups(pol))
}

func TestRunDue_TriggersOnlyDueCases(t *testing.T) {
	s := testutil.NewStores(t)
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(48 * time.Hour)
	due := s.CreateCase(t, func(c *cases.Case) { c.NextFollowupAt = &past })
	s.CreateCase(t, func(c *cases.Case) { c.NextFollowupAt = &future })
	s.CreateCase(t, func(c *cases.Case) {
		c.NextFollowupAt = &past
		c.Status = cases.StatusClosed
	})

	runner := &mockRunner{}
	sched := NewScheduler(runner, s.Cases)
	n, err := sched.RunDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, due.ID, runner.calls[0].CaseID)
	assert.Equal(t, agent.TriggerFollowup, runner.calls[0].Type)
}

func TestRunDue_ContinuesPastFailures(t *testing.T) {
	s := testutil.NewStores(t)
	past := time.Now().UTC().Add(-time.Hour)
	first := s.CreateCase(t, func(c *cases.Case) { c.NextFollowupAt = &past })
	s.CreateCase(t, func(c *cases.Case) { c.NextFollowupAt = &past })

	runner := &mockRunner{fail: map[string]error{first.ID: errors.New("classifier down")}}
	n, err := NewScheduler(runner, s.Cases).RunDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, runner.calls, 2)
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, testutil.NewStores(t).Cases)
	sched.Start()
	sched.Stop()
}
