// Package trigger turns cron ticks and inbound agency mail into agent runs.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/policy"
)

// CaseRunner executes one agent run for a trigger.
type CaseRunner interface {
	Run(ctx context.Context, t agent.Trigger) (*agent.Result, error)
}

// DueSource lists cases whose follow-up is due.
type DueSource interface {
	ListDueForFollowup(ctx context.Context, now time.Time) ([]*cases.Case, error)
}

// Scheduler fires follow-up runs on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	runner CaseRunner
	due    DueSource
	now    func() time.Time
}

// NewScheduler creates a scheduler backed by the given runner.
// Cron expressions use the standard 5-field format: minute hour day-of-month month day-of-week
// (e.g. "0 9 * * 1-5" for 09:00 on weekdays).
func NewScheduler(runner CaseRunner, due DueSource) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		due:    due,
		now:    time.Now,
	}
}

// RegisterFollowups adds the policy's follow-up sweep.
func (s *Scheduler) RegisterFollowups(pol *policy.Policy) error {
	spec := pol.Followups.Cron
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		log.Info().Str("cron", spec).Msg("followup_sweep_fired")
		if _, err := s.RunDue(ctx); err != nil {
			log.Error().Err(err).Msg("followup_sweep_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering follow-up cron %q: %w", spec, err)
	}
	return nil
}

// RunDue runs a follow-up trigger for every case that is due and returns how
// many runs were started. A failing case does not stop the sweep.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	due, err := s.due.ListDueForFollowup(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing due follow-ups: %w", err)
	}
	started := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		res, err := s.runner.Run(ctx, agent.Trigger{CaseID: c.ID, Type: agent.TriggerFollowup})
		if err != nil {
			log.Error().Err(err).Str("case_id", c.ID).Msg("followup_run_failed")
			continue
		}
		started++
		log.Info().
			Str("case_id", c.ID).
			Str("run_id", res.RunID).
			Str("status", string(res.Status)).
			Msg("followup_run_finished")
	}
	return started, nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
