package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/gate"
	"github.com/dativo-io/casepilot/internal/policy"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/testutil"
)

type harness struct {
	*testutil.Stores
	runs       *Store
	classifier *testutil.FakeClassifier
	drafter    *testutil.FakeDrafter
	sender     *testutil.FakeSender
	lock       *MemoryLock
	runner     *Runner
}

func newHarness(t *testing.T, mode cases.AutopilotMode, tune func(*policy.Policy)) *harness {
	t.Helper()
	s := testutil.NewStores(t)
	runs, err := NewStore(s.DB)
	require.NoError(t, err)

	pol := policy.Default()
	if tune != nil {
		tune(pol)
	}
	h := &harness{
		Stores:     s,
		runs:       runs,
		classifier: &testutil.FakeClassifier{},
		drafter:    &testutil.FakeDrafter{},
		sender:     &testutil.FakeSender{},
		lock:       NewMemoryLock(),
	}
	h.runner, err = NewRunner(context.Background(), RunnerConfig{
		Cases:       s.Cases,
		Proposals:   s.Proposals,
		Decisions:   s.Decisions,
		Escalations: s.Escalations,
		Runs:        runs,
		Classifier:  h.classifier,
		Drafter:     h.drafter,
		Sender:      h.sender,
		Policy:      pol,
		Mode:        mode,
		Lock:        h.lock,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) reply(t *testing.T, c *cases.Case, body string) Trigger {
	t.Helper()
	m := h.AddInbound(t, c.ID, body)
	return Trigger{CaseID: c.ID, Type: TriggerAgencyReply, MessageID: m.ID}
}

func TestRun_DenialInSupervisedModeProposesRebuttal(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Denial(0.9))

	res, err := h.runner.Run(ctx, h.reply(t, c, "Your request is denied under the law enforcement exemption."))
	require.NoError(t, err)
	assert.Equal(t, RunPaused, res.Status)
	assert.Equal(t, cases.ActionSendRebuttal, res.ActionType)
	assert.Equal(t, gate.OutcomePendingApproval, res.Outcome)
	assert.Equal(t, 1, res.Iterations)

	p, err := h.Proposals.ActiveForCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ProposalID, p.ID)
	assert.Equal(t, proposal.StatusPendingApproval, p.Status)
	assert.NotEmpty(t, p.Body)
	assert.False(t, p.CanAutoExecute)
	assert.Equal(t, 0, h.sender.Count(), "nothing is sent while a proposal awaits review")

	cont, err := h.runs.LoadContinuation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, cont.ProposalID)
	assert.Equal(t, c.ThreadID, cont.ThreadID)
	assert.Equal(t, 1, cont.DraftCount)

	decisions, err := h.Decisions.ListForRun(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, evidence.SourcePolicy, decisions[0].Source)
	assert.Equal(t, string(gate.OutcomePendingApproval), decisions[0].GateOutcome)
	assert.Equal(t, p.ID, decisions[0].ProposalID)

	running, err := h.runs.IsRunning(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRun_FeeAboveCaseThresholdEscalates(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	threshold := 100.0
	c := h.CreateCase(t, func(c *cases.Case) { c.FeeThreshold = &threshold })
	h.classifier.Returns(testutil.FeeNotice(500, 0.92))

	res, err := h.runner.Run(ctx, h.reply(t, c, "Processing will cost $500."))
	require.NoError(t, err)
	assert.Equal(t, RunEscalated, res.Status)
	assert.Equal(t, cases.ActionEscalate, res.ActionType)
	require.NotEmpty(t, res.EscalationID)

	e, err := h.Escalations.Store().Get(ctx, res.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, escalation.UrgencyHigh, e.Urgency)
	assert.Contains(t, e.Reason, "exceeds threshold")

	got, err := h.Cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, cases.StatusNeedsHumanReview, got.Status)
	assert.True(t, got.RequiresHuman)

	_, err = h.Proposals.ActiveForCase(ctx, c.ID)
	assert.ErrorIs(t, err, proposal.ErrProposalNotFound)
	assert.Equal(t, 0, h.drafter.Calls())
}

func TestRun_MissingCaseEscalatesOnceWithHighUrgency(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()

	res, err := h.runner.Run(ctx, Trigger{CaseID: "case_missing", Type: TriggerFollowup})
	require.NoError(t, err)
	assert.Equal(t, RunEscalated, res.Status)

	list, err := h.Escalations.Store().ListForCase(ctx, "case_missing")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, escalation.UrgencyHigh, list[0].Urgency)
	assert.Contains(t, list[0].Reason, "unable to load case context")
	assert.Equal(t, 0, h.classifier.Calls())
}

func TestRun_ExhaustedLoopLogsOneFallbackDecision(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, func(p *policy.Policy) { p.Run.MaxIterations = 2 })
	ctx := context.Background()
	c := h.CreateCase(t, nil)

	// No canned classification: every call is malformed output.
	res, err := h.runner.Run(ctx, h.reply(t, c, "???"))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, h.classifier.Calls())

	decisions, err := h.Decisions.ListForRun(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, evidence.SourceFallback, decisions[0].Source)
	assert.Equal(t, cases.ActionUnknown, decisions[0].ActionType)
	assert.Equal(t, 0.0, decisions[0].Confidence)

	// The corrective directive reaches the second attempt.
	require.Len(t, h.classifier.Contexts, 2)
	assert.Empty(t, h.classifier.Contexts[0].Directive)
	assert.NotEmpty(t, h.classifier.Contexts[1].Directive)
}

func TestRun_TransientClassifierFailureIsReturnedForRetry(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Fails(testutil.ErrTransient)

	// A transient failure below the threshold is handed back for retry.
	_, err := h.runner.Run(ctx, h.reply(t, c, "We need clarification."))
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrTransient)

	h.classifier.Returns(testutil.Clarification(0.9))
	res, err := h.runner.Run(ctx, Trigger{CaseID: c.ID, Type: TriggerAgencyReply})
	require.NoError(t, err)
	assert.Equal(t, RunPaused, res.Status)
	assert.Equal(t, cases.ActionSendClarification, res.ActionType)
}

func TestRun_RepeatedClassifierFailureEscalates(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, func(p *policy.Policy) { p.Run.FailureThreshold = 2 })
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Fails(testutil.ErrTransient).Fails(testutil.ErrTransient)
	trig := h.reply(t, c, "Letter attached.")

	_, err := h.runner.Run(ctx, trig)
	require.Error(t, err)

	res, err := h.runner.Run(ctx, trig)
	require.NoError(t, err)
	assert.Equal(t, RunEscalated, res.Status)
	e, err := h.Escalations.Store().Get(ctx, res.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, escalation.UrgencyHigh, e.Urgency)
}

func TestRunner_ContextLoadIsBounded(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, func(p *policy.Policy) { p.Run.ContextTimeoutSeconds = 7 })
	ctx, cancel := h.runner.contextDeadline(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(7*time.Second), deadline, time.Second)

	unbounded := newHarness(t, cases.ModeSupervised, func(p *policy.Policy) { p.Run.ContextTimeoutSeconds = 0 })
	ctx, cancel = unbounded.runner.contextDeadline(context.Background())
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}

func TestRun_AutoModeExecutesFollowup(t *testing.T) {
	h := newHarness(t, cases.ModeAuto, nil)
	ctx := context.Background()
	c := h.CreateCase(t, func(c *cases.Case) { c.Status = cases.StatusAwaitingResponse })

	res, err := h.runner.Run(ctx, Trigger{CaseID: c.ID, Type: TriggerFollowup})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, gate.OutcomeAutoExecute, res.Outcome)
	assert.Equal(t, cases.ActionSendFollowup, res.ActionType)
	require.Equal(t, 1, h.sender.Count())
	assert.Equal(t, 4.0, h.sender.Sent[0].DelayHours)
	assert.Equal(t, c.AgencyEmail, h.sender.Sent[0].To)
	assert.Equal(t, "out_fake0001", res.OutboundID)

	p, err := h.Proposals.Get(ctx, res.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, p.Status)
	assert.Equal(t, res.OutboundID, p.OutboundID)

	got, err := h.Cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FollowupCount)
	assert.Equal(t, cases.StatusAwaitingResponse, got.Status)
	require.NotNil(t, got.NextFollowupAt)
	assert.Equal(t, 0, h.classifier.Calls(), "follow-ups are not classified")
}

func TestRun_RepeatedAutoExecutionFailureEscalates(t *testing.T) {
	h := newHarness(t, cases.ModeAuto, func(p *policy.Policy) { p.Run.FailureThreshold = 2 })
	ctx := context.Background()
	c := h.CreateCase(t, func(c *cases.Case) { c.Status = cases.StatusAwaitingResponse })
	h.sender.Err = testutil.ErrTransient
	trig := Trigger{CaseID: c.ID, Type: TriggerFollowup}

	res, err := h.runner.Run(ctx, trig)
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrTransient)
	p, err := h.Proposals.Get(ctx, res.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusFailed, p.Status)

	res, err = h.runner.Run(ctx, trig)
	require.NoError(t, err)
	assert.Equal(t, RunEscalated, res.Status)
	e, err := h.Escalations.Store().Get(ctx, res.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, escalation.UrgencyHigh, e.Urgency)
	assert.Contains(t, e.Reason, "send_followup could not be executed")
	assert.Equal(t, 0, h.sender.Count())
}

func TestRun_ManualModeBlocks(t *testing.T) {
	h := newHarness(t, cases.ModeAuto, nil)
	ctx := context.Background()
	c := h.CreateCase(t, func(c *cases.Case) { c.AutopilotMode = cases.ModeManual })

	res, err := h.runner.Run(ctx, Trigger{CaseID: c.ID, Type: TriggerFollowup})
	require.NoError(t, err)
	assert.Equal(t, RunPaused, res.Status)
	assert.Equal(t, gate.OutcomeBlocked, res.Outcome)
	assert.Equal(t, 0, h.sender.Count())
}

func TestRun_AcknowledgmentIsLoggedNoop(t *testing.T) {
	h := newHarness(t, cases.ModeAuto, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Acknowledgment())

	res, err := h.runner.Run(ctx, h.reply(t, c, "We received your request."))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, cases.ActionNone, res.ActionType)

	decisions, err := h.Decisions.List(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, cases.ActionNone, decisions[0].ActionType)
	assert.Equal(t, 0, h.drafter.Calls())
}

func TestRun_StoredAnalysisIsReused(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	trig := h.reply(t, c, "We received your request.")
	h.classifier.Returns(testutil.Acknowledgment())

	_, err := h.runner.Run(ctx, trig)
	require.NoError(t, err)
	res, err := h.runner.Run(ctx, trig)
	require.NoError(t, err)
	assert.Equal(t, 1, h.classifier.Calls())
	// Same category, nothing new: the policy refuses to repeat itself.
	assert.Equal(t, RunEscalated, res.Status)
}

func TestRun_ClosedCaseIsDiscarded(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, func(c *cases.Case) { c.Status = cases.StatusClosed })

	res, err := h.runner.Run(ctx, Trigger{CaseID: c.ID, Type: TriggerFollowup})
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, res.Status)

	acts, err := h.Cases.ListActivity(ctx, c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	assert.Equal(t, cases.EventRunDiscarded, acts[len(acts)-1].EventType)
}

func TestRun_NewReplySupersedesPendingProposal(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Denial(0.9)).Returns(testutil.Clarification(0.9))

	first, err := h.runner.Run(ctx, h.reply(t, c, "Denied."))
	require.NoError(t, err)
	second, err := h.runner.Run(ctx, h.reply(t, c, "Which officers do you mean?"))
	require.NoError(t, err)
	assert.Equal(t, RunPaused, second.Status)

	old, err := h.Proposals.Get(ctx, first.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusDismissed, old.Status)
	assert.Contains(t, old.Reasoning, "superseded by a new agency reply")

	active, err := h.Proposals.ActiveForCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ProposalID, active.ID)
	assert.Equal(t, cases.ActionSendClarification, active.ActionType)
}

func TestRun_FollowupSkippedWhileProposalPending(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Denial(0.9))

	first, err := h.runner.Run(ctx, h.reply(t, c, "Denied."))
	require.NoError(t, err)

	res, err := h.runner.Run(ctx, Trigger{CaseID: c.ID, Type: TriggerFollowup})
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, res.Status)
	assert.Equal(t, first.ProposalID, res.ProposalID)
}

func TestRun_DefersWhileCaseIsLocked(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)

	release, ok, err := h.lock.Acquire(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.runner.Run(ctx, Trigger{CaseID: c.ID, Type: TriggerFollowup})
	require.NoError(t, err)
	assert.Equal(t, RunDeferred, res.Status)
	release()

	d, err := h.runs.TakeDeferred(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, string(TriggerFollowup), d.Type)

	acts, err := h.Cases.ListActivity(ctx, c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	assert.Equal(t, cases.EventRunDeferred, acts[len(acts)-1].EventType)
}

func TestRun_DrainsDeferredTriggerAfterRun(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	ctx := context.Background()
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Acknowledgment()).Returns(testutil.Acknowledgment())
	m := h.AddInbound(t, c.ID, "Second acknowledgment.")
	_, err := h.runs.Defer(ctx, DeferredTrigger{CaseID: c.ID, Type: string(TriggerAgencyReply), MessageID: m.ID})
	require.NoError(t, err)

	_, err = h.runner.Run(ctx, h.reply(t, c, "First acknowledgment."))
	require.NoError(t, err)

	d, err := h.runs.TakeDeferred(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, d, "deferred trigger consumed")

	runs, err := h.runs.ListRuns(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_RejectsUnknownTrigger(t *testing.T) {
	h := newHarness(t, cases.ModeSupervised, nil)
	_, err := h.runner.Run(context.Background(), Trigger{CaseID: "case_x", Type: "nudge"})
	require.Error(t, err)

	_, err = h.runner.Run(context.Background(), Trigger{Type: TriggerFollowup})
	require.Error(t, err)
}

func TestParseTriggerType(t *testing.T) {
	for _, s := range []string{"agency_reply", "followup", "manual_review", "human_resume"} {
		got, err := ParseTriggerType(s)
		require.NoError(t, err)
		assert.Equal(t, TriggerType(s), got)
	}
	_, err := ParseTriggerType("")
	assert.Error(t, err)
}
