package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/drafting"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/gate"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
	"github.com/dativo-io/casepilot/internal/proposal"
)

// Resume applies the reviewer's decision on the case's active proposal. The
// run is rebuilt from the persisted continuation. The decision stays on the
// proposal until the write that settles it, so a Resume that fails part way
// can be retried; once settled, a second Resume finds nothing to apply.
func (r *Runner) Resume(ctx context.Context, caseID string) (*Result, error) {
	release, ok, err := r.lock.Acquire(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, caseID)
	}
	res, err := r.resumeLocked(ctx, caseID)
	release()

	if err == nil {
		r.drainDeferred(ctx, caseID)
	}
	return res, err
}

func (r *Runner) resumeLocked(ctx context.Context, caseID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.resume",
		trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	p, err := r.proposals.ActiveForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusDecisionReceived || p.Decision == nil {
		return nil, fmt.Errorf("%w: proposal %s is %s", proposal.ErrNoDecision, p.ID, p.Status)
	}
	cont, err := r.runs.LoadContinuation(ctx, caseID)
	if errors.Is(err, ErrNoContinuation) {
		log.Warn().Str("case_id", caseID).Str("proposal_id", p.ID).Msg("continuation_missing_rebuilding")
		cont = &Continuation{CaseID: caseID, ProposalID: p.ID, Reasoning: p.Reasoning}
	} else if err != nil {
		return nil, err
	}

	resolution, err := gate.Resolve(p, *p.Decision, r.policy.Run.MaxAdjustments)
	if err != nil {
		return nil, err
	}

	rec, err := r.runs.StartRun(ctx, caseID, string(TriggerHumanResume))
	if err != nil {
		return nil, err
	}
	st := &runState{
		run:        rec,
		trigger:    Trigger{CaseID: caseID, Type: TriggerHumanResume},
		iteration:  cont.Iteration + 1,
		reasoning:  cont.Reasoning,
		draftCount: cont.DraftCount,
	}
	res := &Result{RunID: rec.ID, CaseID: caseID, ProposalID: p.ID, ActionType: p.ActionType}

	out, err := r.applyResolution(ctx, st, res, p, cont, resolution)
	if out == nil {
		out = res
	}
	if err != nil {
		out.Status = RunFailed
		span.RecordError(err)
	}
	out.Iterations = st.iteration
	if ferr := r.runs.FinishRun(context.WithoutCancel(ctx), rec.ID, out.Status, st.iteration, err); ferr != nil {
		log.Error().Err(ferr).Str("run_id", rec.ID).Msg("run_finish_failed")
	}
	recordRun(ctx, TriggerHumanResume, out.Status)
	log.Info().
		Str("case_id", caseID).
		Str("run_id", rec.ID).
		Str("proposal_id", p.ID).
		Str("step", string(resolution.Step)).
		Str("status", string(out.Status)).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("run_resumed")
	return out, err
}

func (r *Runner) applyResolution(ctx context.Context, st *runState, res *Result, p *proposal.Proposal, cont *Continuation, rs gate.Resolution) (*Result, error) {
	c, err := r.cases.Get(ctx, p.CaseID)
	if err != nil {
		return res, err
	}

	// Redrafting talks to the drafter before the decision is consumed so a
	// transient failure leaves the decision in place for a retry.
	var draft *drafting.Draft
	if rs.Step == gate.StepRedraft && !c.Status.IsTerminal() {
		draft, err = r.redraft(ctx, st, c, p, rs.Instruction)
		if err != nil {
			return res, err
		}
	}

	// The decision stays on the proposal until the status write that settles
	// it, so any failure before that point leaves it in place for a retry.
	d := p.Decision
	entry := evidence.Entry{
		Source:        evidence.SourceHuman,
		ActionType:    p.ActionType,
		Confidence:    p.Confidence,
		Category:      cont.Category,
		Justification: rs.Reason,
		Reasoning:     append(append([]string{}, p.Reasoning...), rs.Reason),
		ProposalID:    p.ID,
		InputText:     d.Instruction,
	}

	out, err := r.settle(ctx, st, res, c, p, cont, rs, draft, entry)
	if err == nil {
		r.activity(ctx, c.ID, cases.EventProposalDecided,
			fmt.Sprintf("%s on proposal %s by %s", d.Action, p.ID, decidedBy(d.DecidedBy)))
	}
	return out, err
}

// settle carries out the resolved step. Each branch ends with the proposal
// write that clears the decision.
func (r *Runner) settle(ctx context.Context, st *runState, res *Result, c *cases.Case, p *proposal.Proposal, cont *Continuation, rs gate.Resolution, draft *drafting.Draft, entry evidence.Entry) (*Result, error) {
	if c.Status.IsTerminal() {
		final := proposal.StatusDismissed
		if rs.Step == gate.StepWithdraw && c.Status == cases.StatusWithdrawn {
			// A withdrawal whose proposal write failed after the case was closed.
			final = proposal.StatusWithdrawn
		}
		if err := r.proposals.Finish(ctx, p.ID, final, ""); err != nil {
			return res, err
		}
		if err := r.runs.DeleteContinuation(ctx, c.ID); err != nil {
			return res, err
		}
		return r.discard(ctx, st, res, c)
	}

	switch rs.Step {
	case gate.StepExecute:
		outboundID, execErr := r.execute(ctx, c, p)
		if execErr != nil {
			if !r.failures.Record(c.ID, "executor", execErr) {
				return res, fmt.Errorf("executing %s: %w", p.ActionType, execErr)
			}
			return r.executionExhausted(ctx, st, res, c.ID, p, entry, execErr)
		}
		r.failures.Reset(c.ID)
		if err := r.proposals.Finish(ctx, p.ID, proposal.StatusExecuted, outboundID); err != nil {
			return res, err
		}
		r.logDecision(ctx, st, entry)
		res.OutboundID = outboundID
		res.Status = RunCompleted
		res.Reason = rs.Reason
		return res, r.closeOut(ctx, c.ID)

	case gate.StepRedraft:
		if draft == nil {
			reason := fmt.Sprintf("no usable redraft of %s", p.ActionType)
			return r.escalateDecided(ctx, st, res, c.ID, p, proposal.StatusDismissed, entry, reason, escalation.UrgencyMedium)
		}
		status := proposal.StatusPendingApproval
		if r.modeFor(c) == cases.ModeManual {
			status = proposal.StatusBlocked
		}
		note := "redrafted: " + rs.Instruction
		if err := r.proposals.Redraft(ctx, p.ID, draft.Subject, draft.Body, note, status); err != nil {
			return res, err
		}
		entry.GateOutcome = string(status)
		r.logDecision(ctx, st, entry)

		cont.RunID = st.run.ID
		cont.Iteration = st.iteration
		cont.Reasoning = append(append([]string{}, p.Reasoning...), note)
		cont.DraftCount = st.draftCount
		cont.Adjustments = p.Adjustments + 1
		if err := r.runs.SaveContinuation(ctx, cont); err != nil {
			return res, err
		}
		res.Status = RunPaused
		res.Reason = rs.Reason
		return res, nil

	case gate.StepDismiss:
		if err := r.proposals.Finish(ctx, p.ID, proposal.StatusDismissed, ""); err != nil {
			return res, err
		}
		r.logDecision(ctx, st, entry)
		res.Status = RunCompleted
		res.Reason = rs.Reason
		return res, r.closeOut(ctx, c.ID)

	case gate.StepWithdraw:
		if err := r.cases.SetStatus(ctx, c.ID, cases.StatusWithdrawn); err != nil {
			return res, err
		}
		if err := r.proposals.Finish(ctx, p.ID, proposal.StatusWithdrawn, ""); err != nil {
			return res, err
		}
		entry.ActionType = cases.ActionWithdraw
		r.logDecision(ctx, st, entry)
		r.activity(ctx, c.ID, cases.EventCaseStatusChanged, "case withdrawn by reviewer")
		res.ActionType = cases.ActionWithdraw
		res.Status = RunCompleted
		res.Reason = rs.Reason
		return res, r.closeOut(ctx, c.ID)

	case gate.StepEscalate:
		return r.escalateDecided(ctx, st, res, c.ID, p, proposal.StatusDismissed, entry, rs.Reason, escalation.UrgencyMedium)
	}
	return res, fmt.Errorf("unhandled resolution step %q", rs.Step)
}

// executionExhausted gives up on an approved proposal whose execution kept
// failing: the proposal fails and the case goes to a human.
func (r *Runner) executionExhausted(ctx context.Context, st *runState, res *Result, caseID string, p *proposal.Proposal, entry evidence.Entry, cause error) (*Result, error) {
	reason := fmt.Sprintf("approved %s could not be executed: %v", p.ActionType, cause)
	out, err := r.escalateDecided(ctx, st, res, caseID, p, proposal.StatusFailed, entry, reason, escalation.UrgencyHigh)
	if err == nil {
		r.failures.Reset(caseID)
	}
	return out, err
}

// escalateDecided hands a decided proposal to a human. The escalation is
// raised before the proposal is settled so a failed settle still leaves the
// case in front of someone.
func (r *Runner) escalateDecided(ctx context.Context, st *runState, res *Result, caseID string, p *proposal.Proposal, final proposal.Status, entry evidence.Entry, reason string, urgency escalation.Urgency) (*Result, error) {
	out, err := r.escalate(ctx, res, caseID, reason, urgency, p.ActionType)
	if err != nil {
		return out, err
	}
	if err := r.proposals.Finish(ctx, p.ID, final, ""); err != nil {
		return out, err
	}
	entry.ActionType = cases.ActionEscalate
	entry.Justification = reason
	r.logDecision(ctx, st, entry)
	if err := r.runs.DeleteContinuation(ctx, caseID); err != nil {
		return out, err
	}
	return out, nil
}

// redraft asks the drafter for a revision of p that follows instruction.
// Malformed output is retried with a corrective directive until the per-run
// drafting budget is spent; nil means no usable draft came back.
func (r *Runner) redraft(ctx context.Context, st *runState, c *cases.Case, p *proposal.Proposal, instruction string) (*drafting.Draft, error) {
	prev := &drafting.Draft{Subject: p.Subject, Body: p.Body}
	directives := []string{instruction}
	for attempt := 0; attempt < r.policy.Run.MaxDraftsPerRun; attempt++ {
		if !r.limiter.Allow(c.ID) {
			return nil, fmt.Errorf("%w: redrafting for %s", gate.ErrRateLimited, c.ID)
		}
		d, err := r.drafter.Draft(ctx, drafting.Request{
			ActionType:  p.ActionType,
			Case:        c,
			Constraints: c.Constraints,
			Scope:       c.ScopeItems,
			Directives:  directives,
			Previous:    prev,
		})
		if errors.Is(err, drafting.ErrMalformedOutput) {
			directives = append(directives, "The previous draft was rejected: "+err.Error()+".")
			log.Warn().Err(err).Str("case_id", c.ID).Int("attempt", attempt+1).Msg("redraft_output_malformed")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redrafting %s: %w", p.ActionType, err)
		}
		st.draftCount++
		return d, nil
	}
	return nil, nil
}

// closeOut clears the human flag once nothing else needs a reviewer and
// drops the continuation of the finished proposal.
func (r *Runner) closeOut(ctx context.Context, caseID string) error {
	if err := r.runs.DeleteContinuation(ctx, caseID); err != nil {
		return err
	}
	pending, err := r.escalations.Store().CountPending(ctx, caseID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	if err := r.cases.ClearHumanFlag(ctx, caseID); err != nil && !errors.Is(err, cases.ErrCaseNotFound) {
		return err
	}
	return nil
}

func decidedBy(who string) string {
	if who == "" {
		return "reviewer"
	}
	return who
}
