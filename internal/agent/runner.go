// Package agent drives the decision loop for one case trigger.
//
// A run executes a bounded sequence of iterations: load the case, classify
// the triggering message, merge constraints, pick an action, draft it, gate
// it, then either execute it or persist a proposal and pause. Pausing stores
// a continuation record; Resume rebuilds the run from that record and the
// reviewer's decision, never from retained in-memory state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/action"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/classifier"
	"github.com/dativo-io/casepilot/internal/constraints"
	"github.com/dativo-io/casepilot/internal/drafting"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/gate"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
	"github.com/dativo-io/casepilot/internal/policy"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/transport"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/agent")

// ErrRunInProgress is returned when a caller needs the case exclusively and
// another run holds it.
var ErrRunInProgress = errors.New("a run is already active for the case")

// maxDrain bounds how many deferred triggers one finished run replays.
const maxDrain = 3

// TriggerType is what started a run.
type TriggerType string

const (
	TriggerAgencyReply  TriggerType = "agency_reply"
	TriggerFollowup     TriggerType = "followup"
	TriggerManualReview TriggerType = "manual_review"
	TriggerHumanResume  TriggerType = "human_resume"
)

// ParseTriggerType validates a trigger name.
func ParseTriggerType(s string) (TriggerType, error) {
	switch t := TriggerType(s); t {
	case TriggerAgencyReply, TriggerFollowup, TriggerManualReview, TriggerHumanResume:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q (want agency_reply, followup, manual_review or human_resume)", s)
}

// triggerRank orders trigger types when deferred triggers are merged.
func triggerRank(t string) int {
	switch TriggerType(t) {
	case TriggerAgencyReply:
		return 3
	case TriggerManualReview:
		return 2
	case TriggerFollowup:
		return 1
	}
	return 0
}

// Trigger is one request to run the loop for a case.
type Trigger struct {
	CaseID    string      `json:"case_id"`
	Type      TriggerType `json:"trigger"`
	MessageID string      `json:"message_id,omitempty"`
	// Instruction is an operator note passed to the drafter on manual review.
	Instruction string `json:"instruction,omitempty"`
}

// Result summarises a run.
type Result struct {
	RunID        string           `json:"run_id,omitempty"`
	CaseID       string           `json:"case_id"`
	Status       RunStatus        `json:"status"`
	ActionType   cases.ActionType `json:"action_type,omitempty"`
	Outcome      gate.Outcome     `json:"outcome,omitempty"`
	ProposalID   string           `json:"proposal_id,omitempty"`
	EscalationID string           `json:"escalation_id,omitempty"`
	OutboundID   string           `json:"outbound_id,omitempty"`
	Iterations   int              `json:"iterations"`
	Reason       string           `json:"reason,omitempty"`
}

// Runner executes decision runs.
type Runner struct {
	cases       *cases.Store
	proposals   *proposal.Store
	constraints *constraints.Store
	decisions   *evidence.Store
	escalations *escalation.Manager
	runs        *Store
	classifier  classifier.Classifier
	drafter     drafting.Drafter
	sender      transport.Sender
	gate        *gate.Gate
	policy      *policy.Policy
	risk        *policy.RiskEvaluator
	lock        RunLock
	limiter     *gate.RateLimiter
	failures    *FailureTracker
	mode        cases.AutopilotMode
	now         func() time.Time
}

// RunnerConfig holds the dependencies for constructing a Runner.
type RunnerConfig struct {
	Cases       *cases.Store
	Proposals   *proposal.Store
	Decisions   *evidence.Store
	Escalations *escalation.Manager
	Runs        *Store
	Classifier  classifier.Classifier
	Drafter     drafting.Drafter
	Sender      transport.Sender
	Policy      *policy.Policy

	Mode        cases.AutopilotMode // optional; empty = policy mode
	Gate        *gate.Gate          // optional; nil = OPA engine built from Policy
	Constraints *constraints.Store  // optional; nil = built from Cases and the policy's rule table
	Lock        RunLock             // optional; nil = in-process lock
	Limiter     *gate.RateLimiter   // optional; nil = built from Policy rate limits
	Failures    *FailureTracker     // optional; nil = built from Policy run limits
}

// NewRunner validates cfg and fills in the optional collaborators.
func NewRunner(ctx context.Context, cfg RunnerConfig) (*Runner, error) {
	switch {
	case cfg.Cases == nil, cfg.Proposals == nil, cfg.Decisions == nil, cfg.Escalations == nil, cfg.Runs == nil:
		return nil, errors.New("runner: stores are required")
	case cfg.Classifier == nil || cfg.Drafter == nil || cfg.Sender == nil:
		return nil, errors.New("runner: classifier, drafter and sender are required")
	}
	pol := cfg.Policy
	if pol == nil {
		pol = policy.Default()
	}

	risk, err := policy.NewRiskEvaluator(pol.RiskRules)
	if err != nil {
		return nil, fmt.Errorf("compiling risk rules: %w", err)
	}

	g := cfg.Gate
	if g == nil {
		engine, err := policy.NewEngine(ctx, pol)
		if err != nil {
			return nil, fmt.Errorf("creating policy engine: %w", err)
		}
		g = gate.New(engine, pol.Thresholds.Confidence)
	}

	cs := cfg.Constraints
	if cs == nil {
		rules := constraints.DefaultRules()
		if path := pol.Constraints.FallbackRulesPath; path != "" {
			rules, err = constraints.LoadRules(path)
			if err != nil {
				return nil, fmt.Errorf("loading fallback rules: %w", err)
			}
		}
		cs = constraints.NewStore(cfg.Cases, cfg.Cases, rules)
	}

	mode := cfg.Mode
	if mode == "" {
		mode = pol.Mode()
	}

	r := &Runner{
		cases:       cfg.Cases,
		proposals:   cfg.Proposals,
		constraints: cs,
		decisions:   cfg.Decisions,
		escalations: cfg.Escalations,
		runs:        cfg.Runs,
		classifier:  cfg.Classifier,
		drafter:     cfg.Drafter,
		sender:      cfg.Sender,
		gate:        g,
		policy:      pol,
		risk:        risk,
		lock:        cfg.Lock,
		limiter:     cfg.Limiter,
		failures:    cfg.Failures,
		mode:        mode,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if r.lock == nil {
		r.lock = NewMemoryLock()
	}
	if r.limiter == nil {
		r.limiter = gate.NewRateLimiter(pol.RateLimits.DraftsPerMinute, pol.RateLimits.DraftsPerCasePerMinute)
	}
	if r.failures == nil {
		r.failures = NewFailureTracker(pol.Run.FailureThreshold, time.Duration(pol.Run.FailureWindowMinutes)*time.Minute)
	}
	return r, nil
}

// Policy returns the policy the runner enforces.
func (r *Runner) Policy() *policy.Policy { return r.policy }

// Runs returns the run store.
func (r *Runner) Runs() *Store { return r.runs }

// Run executes the loop for t. A trigger for a case that already has a run
// in flight is deferred and replayed when that run finishes. Transient
// adapter failures are returned for the caller to retry; everything else
// resolves to a proposal, an execution, an escalation or a logged no-op.
func (r *Runner) Run(ctx context.Context, t Trigger) (*Result, error) {
	if t.CaseID == "" {
		return nil, errors.New("trigger has no case id")
	}
	if t.Type == "" {
		t.Type = TriggerManualReview
	}
	if _, err := ParseTriggerType(string(t.Type)); err != nil {
		return nil, err
	}
	if t.Type == TriggerHumanResume {
		return r.Resume(ctx, t.CaseID)
	}

	release, ok, err := r.lock.Acquire(ctx, t.CaseID)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return r.deferTrigger(ctx, t)
	}
	res, err := r.runLocked(ctx, t)
	release()

	r.drainDeferred(ctx, t.CaseID)
	return res, err
}

func (r *Runner) deferTrigger(ctx context.Context, t Trigger) (*Result, error) {
	d, err := r.runs.Defer(ctx, DeferredTrigger{CaseID: t.CaseID, Type: string(t.Type), MessageID: t.MessageID})
	if err != nil {
		return nil, err
	}
	r.activity(ctx, t.CaseID, cases.EventRunDeferred,
		fmt.Sprintf("%s trigger deferred behind an active run", t.Type))
	recordRun(ctx, t.Type, RunDeferred)
	log.Info().
		Str("case_id", t.CaseID).
		Str("trigger", string(t.Type)).
		Int("merged", d.Merged).
		Msg("run_deferred")
	return &Result{CaseID: t.CaseID, Status: RunDeferred, Reason: "another run is active for this case"}, nil
}

// drainDeferred replays triggers that arrived while the case was locked.
func (r *Runner) drainDeferred(ctx context.Context, caseID string) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < maxDrain; i++ {
		d, err := r.runs.TakeDeferred(ctx, caseID)
		if err != nil {
			log.Error().Err(err).Str("case_id", caseID).Msg("deferred_trigger_load_failed")
			return
		}
		if d == nil {
			return
		}
		t := Trigger{CaseID: caseID, Type: TriggerType(d.Type), MessageID: d.MessageID}
		release, ok, err := r.lock.Acquire(ctx, caseID)
		if err != nil || !ok {
			// Someone else holds the case now; they drain it.
			if _, derr := r.runs.Defer(ctx, *d); derr != nil {
				log.Error().Err(derr).Str("case_id", caseID).Msg("deferred_trigger_requeue_failed")
			}
			return
		}
		res, err := r.runLocked(ctx, t)
		release()
		if err != nil {
			log.Error().Err(err).Str("case_id", caseID).Str("trigger", d.Type).Msg("deferred_run_failed")
			return
		}
		log.Info().Str("case_id", caseID).Str("status", string(res.Status)).Msg("deferred_run_finished")
	}
}

// runState is the in-memory state of one run. Everything that must outlive
// a pause is copied into a Continuation.
type runState struct {
	run        *RunRecord
	trigger    Trigger
	iteration  int
	directives []string
	reasoning  []string
	draft      *drafting.Draft
	draftCount int
	logged     bool
}

func (r *Runner) runLocked(ctx context.Context, t Trigger) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("case.id", t.CaseID),
			attribute.String("run.trigger", string(t.Type)),
		))
	defer span.End()

	rec, err := r.runs.StartRun(ctx, t.CaseID, string(t.Type))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("run.id", rec.ID))
	log.Info().
		Str("case_id", t.CaseID).
		Str("run_id", rec.ID).
		Str("trigger", string(t.Type)).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("run_started")

	st := &runState{run: rec, trigger: t}
	if t.Instruction != "" {
		st.directives = append(st.directives, t.Instruction)
	}
	res, err := r.loop(ctx, st)
	if res == nil {
		res = &Result{RunID: rec.ID, CaseID: t.CaseID}
	}
	if err != nil {
		res.Status = RunFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	res.Iterations = st.iteration

	if ferr := r.runs.FinishRun(context.WithoutCancel(ctx), rec.ID, res.Status, st.iteration, err); ferr != nil {
		log.Error().Err(ferr).Str("run_id", rec.ID).Msg("run_finish_failed")
	}
	recordRun(ctx, t.Type, res.Status)
	span.SetAttributes(
		attribute.String("run.status", string(res.Status)),
		attribute.Int("run.iterations", st.iteration),
	)
	log.Info().
		Str("case_id", t.CaseID).
		Str("run_id", rec.ID).
		Str("status", string(res.Status)).
		Str("action", string(res.ActionType)).
		Int("iterations", st.iteration).
		Func(cpotel.LogTraceFields(ctx)).
		Msg("run_finished")
	return res, err
}

// loop runs the bounded iterations. Only malformed adapter output sends it
// round again; every other path returns from inside the first iteration
// that reaches a decision.
func (r *Runner) loop(ctx context.Context, st *runState) (*Result, error) {
	caseID := st.trigger.CaseID
	res := &Result{RunID: st.run.ID, CaseID: caseID}

	maxIter := r.policy.Run.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}

	var (
		msg    *cases.Message
		loaded bool
	)
	for st.iteration = 1; st.iteration <= maxIter; st.iteration++ {
		iterCtx, iterSpan := tracer.Start(ctx, "agent.iteration",
			trace.WithAttributes(attribute.Int("run.iteration", st.iteration)))

		loadCtx, cancel := r.contextDeadline(ctx)
		c, err := r.cases.Get(loadCtx, caseID)
		if err != nil {
			cancel()
			iterSpan.End()
			if !loaded {
				return r.contextFailure(ctx, st, res, err)
			}
			return res, fmt.Errorf("reloading case: %w", err)
		}
		if c.Status.IsTerminal() {
			cancel()
			iterSpan.End()
			return r.discard(ctx, st, res, c)
		}
		if !loaded {
			msg, err = r.triggerMessage(loadCtx, c, st.trigger)
		}
		cancel()
		if !loaded {
			if err != nil {
				iterSpan.End()
				return r.contextFailure(ctx, st, res, err)
			}
			loaded = true
			if done, out, err := r.supersede(ctx, st, res, c); done {
				iterSpan.End()
				return out, err
			}
		}

		out, again, err := r.iterate(iterCtx, st, res, c, msg)
		iterSpan.End()
		if !again {
			return out, err
		}
	}
	st.iteration = maxIter

	if !st.logged {
		r.logDecision(ctx, st, evidence.Entry{
			Source:        evidence.SourceFallback,
			ActionType:    cases.ActionUnknown,
			Confidence:    0,
			Justification: fmt.Sprintf("iteration limit %d reached without a decision", maxIter),
		})
	}
	res.Status = RunCompleted
	res.ActionType = cases.ActionUnknown
	res.Reason = "iteration limit reached without a decision"
	log.Warn().
		Str("case_id", caseID).
		Str("run_id", st.run.ID).
		Int("iterations", maxIter).
		Msg("run_exhausted")
	return res, nil
}

// contextDeadline bounds loading the case context by the policy's
// context_timeout_seconds.
func (r *Runner) contextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if secs := r.policy.Run.ContextTimeoutSeconds; secs > 0 {
		return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
	}
	return ctx, func() {}
}

// triggerMessage loads the message the trigger refers to. Follow-ups have
// none; manual review falls back to the latest inbound message if any.
func (r *Runner) triggerMessage(ctx context.Context, c *cases.Case, t Trigger) (*cases.Message, error) {
	if t.Type == TriggerFollowup {
		return nil, nil
	}
	if t.MessageID != "" {
		m, err := r.cases.GetMessage(ctx, t.MessageID)
		if err != nil {
			return nil, err
		}
		if m.CaseID != c.ID {
			return nil, fmt.Errorf("%w: %s does not belong to case %s", cases.ErrMessageNotFound, m.ID, c.ID)
		}
		return m, nil
	}
	m, err := r.cases.LatestInbound(ctx, c.ID)
	if errors.Is(err, cases.ErrMessageNotFound) {
		if t.Type == TriggerAgencyReply {
			return nil, err
		}
		return nil, nil
	}
	return m, err
}

// supersede handles a proposal left over from an earlier run. A new agency
// reply replaces a proposal still awaiting review; anything else leaves it
// for the reviewer.
func (r *Runner) supersede(ctx context.Context, st *runState, res *Result, c *cases.Case) (bool, *Result, error) {
	active, err := r.proposals.ActiveForCase(ctx, c.ID)
	if errors.Is(err, proposal.ErrProposalNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return true, res, err
	}

	if active.Status == proposal.StatusDecisionReceived || st.trigger.Type != TriggerAgencyReply {
		res.Status = RunSkipped
		res.ProposalID = active.ID
		res.Reason = fmt.Sprintf("proposal %s is %s", active.ID, active.Status)
		log.Info().
			Str("case_id", c.ID).
			Str("proposal_id", active.ID).
			Str("trigger", string(st.trigger.Type)).
			Msg("run_skipped_active_proposal")
		return true, res, nil
	}

	if err := r.proposals.AppendReasoning(ctx, active.ID, "superseded by a new agency reply"); err != nil {
		return true, res, err
	}
	if err := r.proposals.Finish(ctx, active.ID, proposal.StatusDismissed, ""); err != nil {
		return true, res, err
	}
	if err := r.runs.DeleteContinuation(ctx, c.ID); err != nil {
		return true, res, err
	}
	r.activity(ctx, c.ID, cases.EventProposalDecided,
		fmt.Sprintf("proposal %s superseded by a new agency reply", active.ID))
	log.Info().Str("case_id", c.ID).Str("proposal_id", active.ID).Msg("proposal_superseded")
	return false, nil, nil
}

// iterate performs one pass. again reports that the loop should go round
// with a corrective directive.
func (r *Runner) iterate(ctx context.Context, st *runState, res *Result, c *cases.Case, msg *cases.Message) (*Result, bool, error) {
	cls, again, err := r.classify(ctx, st, c, msg)
	if again || err != nil {
		return res, again, err
	}

	merged, err := r.merge(ctx, c, msg, cls)
	if err != nil {
		return res, false, err
	}

	decision := action.Decide(action.Input{
		Classification:   cls,
		Constraints:      merged.Constraints,
		Scope:            merged.ScopeItems,
		History:          r.history(ctx, c, msg, merged),
		FeeThreshold:     r.feeThreshold(c),
		NegotiateCeiling: r.policy.Thresholds.FeeNegotiateMax,
	})
	st.reasoning = append(st.reasoning, fmt.Sprintf("iteration %d: %s (%s)", st.iteration, decision.ActionType, decision.Justification))
	res.ActionType = decision.ActionType

	category, confidence := "", 0.0
	if cls != nil {
		category, confidence = string(cls.Category), cls.Confidence
	}

	switch {
	case decision.ActionType == cases.ActionNone:
		r.logDecision(ctx, st, evidence.Entry{
			Source:        evidence.SourcePolicy,
			ActionType:    decision.ActionType,
			Confidence:    confidence,
			Category:      category,
			Justification: decision.Justification,
			InputText:     messageText(msg),
		})
		res.Status = RunCompleted
		res.Reason = decision.Justification
		return res, false, nil

	case decision.ActionType == cases.ActionEscalate:
		r.logDecision(ctx, st, evidence.Entry{
			Source:        evidence.SourcePolicy,
			ActionType:    decision.ActionType,
			Confidence:    confidence,
			Category:      category,
			Justification: decision.Justification,
			InputText:     messageText(msg),
		})
		out, err := r.escalate(ctx, res, c.ID, decision.Justification, r.urgencyFor(cls), cases.ActionEscalate)
		return out, false, err
	}

	if decision.ActionType.RequiresDraft() {
		d, again, err := r.draftFor(ctx, st, c, merged, cls, decision.ActionType)
		if again || err != nil {
			return res, again, err
		}
		if d == nil {
			reason := fmt.Sprintf("no usable %s draft after %d attempts", decision.ActionType, st.draftCount)
			r.logDecision(ctx, st, evidence.Entry{
				Source:        evidence.SourcePolicy,
				ActionType:    cases.ActionEscalate,
				Confidence:    confidence,
				Category:      category,
				Justification: reason,
				InputText:     messageText(msg),
			})
			out, err := r.escalate(ctx, res, c.ID, reason, escalation.UrgencyMedium, decision.ActionType)
			return out, false, err
		}
	}

	out, err := r.propose(ctx, st, res, c, msg, cls, merged, decision)
	return out, false, err
}

// classify returns the classification for this iteration. A nil
// classification with a nil error means the classifier has failed often
// enough that the run proceeds unclassified and the policy escalates.
func (r *Runner) classify(ctx context.Context, st *runState, c *cases.Case, msg *cases.Message) (*classifier.Classification, bool, error) {
	if msg == nil {
		return classifier.NoResponse(), false, nil
	}
	if len(st.directives) == 0 {
		if a, err := r.cases.GetAnalysis(ctx, msg.ID); err == nil {
			return classifier.FromAnalysis(a), false, nil
		} else if !errors.Is(err, cases.ErrAnalysisNotFound) {
			return nil, false, err
		}
	}

	cc := classifier.CaseContext{
		CaseID:      c.ID,
		AgencyName:  c.AgencyName,
		Subject:     c.Subject,
		RequestText: c.RequestText,
		Constraints: c.Constraints,
		ScopeItems:  c.ScopeItems,
	}
	if n := len(st.directives); n > 0 {
		cc.Directive = st.directives[n-1]
	}
	cls, err := r.classifier.Classify(ctx, msg.Body, cc)
	switch {
	case errors.Is(err, classifier.ErrMalformedOutput):
		st.directives = append(st.directives,
			"The previous classification was rejected: "+err.Error()+". Answer again with a single JSON object matching the schema.")
		log.Warn().Err(err).Str("case_id", c.ID).Int("iteration", st.iteration).Msg("classifier_output_malformed")
		return nil, true, nil
	case err != nil:
		if !r.failures.Record(c.ID, "classifier", err) {
			return nil, false, fmt.Errorf("classifying message %s: %w", msg.ID, err)
		}
		log.Warn().Err(err).Str("case_id", c.ID).Msg("classifier_failing_proceeding_unclassified")
		return nil, false, nil
	}
	r.failures.Reset(c.ID)

	if err := r.cases.SaveAnalysis(ctx, cls.ToAnalysis(c.ID, msg.ID)); err != nil {
		return nil, false, err
	}
	return cls, false, nil
}

func (r *Runner) merge(ctx context.Context, c *cases.Case, msg *cases.Message, cls *classifier.Classification) (*constraints.MergeResult, error) {
	in := constraints.MergeInput{
		CaseID:      c.ID,
		Constraints: c.Constraints,
		Scope:       c.ScopeItems,
		FeeQuote:    c.FeeQuote,
	}
	if msg != nil {
		in.MessageID = msg.ID
	}
	if cls != nil {
		in.Category = string(cls.Category)
		in.FeeAmount = cls.FeeAmount
	}
	out, err := r.constraints.Merge(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("merging constraints: %w", err)
	}
	return out, nil
}

// historyDepth is how many recent decisions history looks through for the
// last classification.
const historyDepth = 20

// history derives what the action policy needs to know about the previous
// decision on the case.
func (r *Runner) history(ctx context.Context, c *cases.Case, msg *cases.Message, merged *constraints.MergeResult) action.History {
	h := action.History{NewInformation: len(merged.Changed) > 0}
	prev, err := r.decisions.List(ctx, c.ID, historyDepth)
	if err != nil {
		log.Warn().Err(err).Str("case_id", c.ID).Msg("decision_history_unavailable")
	}
	// Escalations and fallbacks carry no category; look past them.
	for _, d := range prev {
		if d.Category != "" {
			h.LastCategory = classifier.Category(d.Category)
			break
		}
	}

	switch {
	case msg == nil:
		// Each follow-up is news until the follow-up budget is spent.
		if c.FollowupCount < r.policy.Followups.MaxFollowups {
			h.NewInformation = true
		}
	case len(prev) == 0 || msg.ReceivedAt.After(prev[0].Timestamp):
		h.NewInformation = true
	}
	return h
}

func (r *Runner) feeThreshold(c *cases.Case) float64 {
	if c.FeeThreshold != nil {
		return *c.FeeThreshold
	}
	return r.policy.Thresholds.FeeAutoAccept
}

func (r *Runner) modeFor(c *cases.Case) cases.AutopilotMode {
	if c.AutopilotMode != "" {
		return c.AutopilotMode
	}
	return r.mode
}

func (r *Runner) urgencyFor(cls *classifier.Classification) escalation.Urgency {
	switch {
	case cls == nil, cls.Sentiment == classifier.SentimentHostile:
		return escalation.UrgencyHigh
	case cls.FeeAmount != nil && *cls.FeeAmount > r.policy.Thresholds.FeeRisk:
		return escalation.UrgencyHigh
	}
	return escalation.UrgencyMedium
}

// draftFor produces the draft for at. Once the per-run drafting budget is
// spent the existing draft is reused; nil means there is none to reuse.
func (r *Runner) draftFor(ctx context.Context, st *runState, c *cases.Case, merged *constraints.MergeResult, cls *classifier.Classification, at cases.ActionType) (*drafting.Draft, bool, error) {
	if st.draftCount >= r.policy.Run.MaxDraftsPerRun {
		log.Warn().
			Str("case_id", c.ID).
			Int("drafts", st.draftCount).
			Bool("reusing_draft", st.draft != nil).
			Msg("draft_limit_reached")
		return st.draft, false, nil
	}
	if !r.limiter.Allow(c.ID) {
		return nil, false, fmt.Errorf("%w: drafting for %s", gate.ErrRateLimited, c.ID)
	}

	req := drafting.Request{
		ActionType:  at,
		Case:        c,
		Constraints: merged.Constraints,
		Scope:       merged.ScopeItems,
		Directives:  st.directives,
		Previous:    st.draft,
	}
	if cls != nil {
		req.Summary = cls.Summary
	}
	st.draftCount++
	if st.draftCount == r.policy.Run.MaxDraftsPerRun {
		req.Directives = append(append([]string{}, req.Directives...),
			"This is the final drafting attempt for this run: produce a message that can be sent as is.")
	}

	d, err := r.drafter.Draft(ctx, req)
	switch {
	case errors.Is(err, drafting.ErrMalformedOutput):
		st.directives = append(st.directives,
			"The previous draft was rejected: "+err.Error()+". Return a JSON object with a non-empty subject and body.")
		log.Warn().Err(err).Str("case_id", c.ID).Int("iteration", st.iteration).Msg("draft_output_malformed")
		return nil, true, nil
	case err != nil:
		if !r.failures.Record(c.ID, "drafter", err) {
			return nil, false, fmt.Errorf("drafting %s: %w", at, err)
		}
		log.Warn().Err(err).Str("case_id", c.ID).Msg("drafter_failing_escalating")
		return st.draft, false, nil
	}
	st.draft = d
	return d, false, nil
}

// propose builds the proposal, gates it and acts on the outcome.
func (r *Runner) propose(ctx context.Context, st *runState, res *Result, c *cases.Case, msg *cases.Message,
	cls *classifier.Classification, merged *constraints.MergeResult, decision action.Decision) (*Result, error) {
	attempts, err := r.proposals.CountForCase(ctx, c.ID, decision.ActionType)
	if err != nil {
		return res, err
	}
	var fee *float64
	if cls != nil {
		fee = cls.FeeAmount
	}
	p, err := proposal.Build(proposal.BuildInput{
		CaseID:               c.ID,
		RunID:                st.run.ID,
		Decision:             decision,
		Classification:       cls,
		Draft:                st.draft,
		Constraints:          merged.Constraints,
		FeeAmount:            fee,
		Attempt:              attempts + 1,
		FeeRiskThreshold:     r.policy.Thresholds.FeeRisk,
		RiskyConfidenceFloor: r.policy.Thresholds.RiskyConfidenceFloor,
		Risk:                 r.risk,
	})
	if err != nil {
		return res, err
	}
	p.Reasoning = append(append([]string{}, st.reasoning...), p.Reasoning...)

	mode := r.modeFor(c)
	gr, err := r.gate.Evaluate(ctx, p, mode)
	if errors.Is(err, gate.ErrPolicyViolation) {
		reason := fmt.Sprintf("policy violation gating %s: %v", p.ActionType, err)
		r.logDecision(ctx, st, evidence.Entry{
			Source:        evidence.SourcePolicy,
			ActionType:    cases.ActionEscalate,
			Confidence:    p.Confidence,
			Category:      categoryOf(cls),
			Justification: reason,
			Reasoning:     p.Reasoning,
			InputText:     messageText(msg),
		})
		out, eerr := r.escalate(ctx, res, c.ID, reason, escalation.UrgencyHigh, p.ActionType)
		if eerr != nil {
			return out, eerr
		}
		out.Status = RunFailed
		return out, err
	}
	if err != nil {
		return res, err
	}
	res.Outcome = gr.Outcome
	p.CanAutoExecute = gr.Outcome == gate.OutcomeAutoExecute
	for _, reason := range gr.Reasons {
		p.Reasoning = append(p.Reasoning, "gate: "+reason)
	}
	recordProposal(ctx, string(p.ActionType), string(gr.Outcome))

	entry := evidence.Entry{
		Source:        evidence.SourcePolicy,
		ActionType:    p.ActionType,
		Confidence:    p.Confidence,
		Category:      categoryOf(cls),
		Justification: decision.Justification,
		Reasoning:     p.Reasoning,
		GateOutcome:   string(gr.Outcome),
		GateReasons:   gr.Reasons,
		PolicyVersion: gr.PolicyVersion,
		InputText:     messageText(msg),
	}

	if gr.Outcome == gate.OutcomeAutoExecute {
		return r.autoExecute(ctx, st, res, p, entry)
	}

	p.Status = gr.Outcome.ProposalStatus()
	if err := r.proposals.Create(ctx, p); err != nil {
		return res, err
	}
	entry.ProposalID = p.ID
	r.logDecision(ctx, st, entry)

	if err := r.runs.SaveContinuation(ctx, &Continuation{
		CaseID:     c.ID,
		ThreadID:   c.ThreadID,
		RunID:      st.run.ID,
		Trigger:    string(st.trigger.Type),
		Iteration:  st.iteration,
		Reasoning:  p.Reasoning,
		ProposalID: p.ID,
		Category:   entry.Category,
		DraftCount: st.draftCount,
	}); err != nil {
		return res, err
	}
	r.activity(ctx, c.ID, cases.EventProposalCreated,
		fmt.Sprintf("%s proposal %s is %s", p.ActionType, p.ID, p.Status))

	res.Status = RunPaused
	res.ProposalID = p.ID
	res.Reason = "awaiting human decision"
	return res, nil
}

// autoExecute performs p without review. The case is re-read first so a
// cancellation that landed while the adapters were busy discards the work.
func (r *Runner) autoExecute(ctx context.Context, st *runState, res *Result, p *proposal.Proposal, entry evidence.Entry) (*Result, error) {
	c, err := r.cases.Get(ctx, p.CaseID)
	if err != nil {
		return res, fmt.Errorf("reloading case before execution: %w", err)
	}
	if c.Status.IsTerminal() {
		return r.discard(ctx, st, res, c)
	}

	p.ID = proposal.NewID()
	outboundID, execErr := r.execute(ctx, c, p)
	p.Status = proposal.StatusExecuted
	p.OutboundID = outboundID
	if execErr != nil {
		p.Status = proposal.StatusFailed
		p.Warnings = append(p.Warnings, "execution failed: "+execErr.Error())
	}
	if err := r.proposals.Create(ctx, p); err != nil {
		return res, err
	}
	entry.ProposalID = p.ID
	r.logDecision(ctx, st, entry)

	res.ProposalID = p.ID
	res.OutboundID = outboundID
	if execErr != nil {
		if !r.failures.Record(c.ID, "executor", execErr) {
			return res, fmt.Errorf("executing %s: %w", p.ActionType, execErr)
		}
		r.failures.Reset(c.ID)
		reason := fmt.Sprintf("%s could not be executed: %v", p.ActionType, execErr)
		log.Warn().Err(execErr).Str("case_id", c.ID).Msg("executor_failing_escalating")
		return r.escalate(ctx, res, c.ID, reason, escalation.UrgencyHigh, p.ActionType)
	}
	autoExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", string(p.ActionType))))
	res.Status = RunCompleted
	res.Reason = "executed automatically"
	return res, nil
}

// contextFailure escalates a run that could not load its case context.
func (r *Runner) contextFailure(ctx context.Context, st *runState, res *Result, cause error) (*Result, error) {
	reason := fmt.Sprintf("unable to load case context: %v", cause)
	log.Error().Err(cause).Str("case_id", st.trigger.CaseID).Str("run_id", st.run.ID).Msg("case_context_unavailable")
	r.logDecision(ctx, st, evidence.Entry{
		Source:        evidence.SourcePolicy,
		ActionType:    cases.ActionEscalate,
		Justification: reason,
	})
	return r.escalate(ctx, res, st.trigger.CaseID, reason, escalation.UrgencyHigh, cases.ActionEscalate)
}

// discard stops a run whose case was closed underneath it.
func (r *Runner) discard(ctx context.Context, st *runState, res *Result, c *cases.Case) (*Result, error) {
	r.activity(ctx, c.ID, cases.EventRunDiscarded,
		fmt.Sprintf("run %s discarded: case is %s", st.run.ID, c.Status))
	log.Info().Str("case_id", c.ID).Str("run_id", st.run.ID).Str("case_status", string(c.Status)).Msg("run_discarded")
	res.Status = RunCancelled
	res.Reason = "case is " + string(c.Status)
	return res, nil
}

func (r *Runner) escalate(ctx context.Context, res *Result, caseID, reason string, urgency escalation.Urgency, suggested cases.ActionType) (*Result, error) {
	e, err := r.escalations.Escalate(ctx, caseID, reason, urgency, suggested)
	if err != nil {
		return res, fmt.Errorf("escalating case %s: %w", caseID, err)
	}
	escalationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("urgency", string(urgency))))
	res.Status = RunEscalated
	res.ActionType = cases.ActionEscalate
	res.EscalationID = e.ID
	res.Reason = reason
	return res, nil
}

// logDecision writes a signed decision entry. A failed write is logged; the
// action it describes has already happened.
func (r *Runner) logDecision(ctx context.Context, st *runState, e evidence.Entry) {
	e.CaseID = st.trigger.CaseID
	e.RunID = st.run.ID
	e.Iteration = st.iteration
	e.Trigger = string(st.trigger.Type)
	if _, err := r.decisions.Record(context.WithoutCancel(ctx), e); err != nil {
		log.Error().Err(err).Str("case_id", e.CaseID).Str("run_id", e.RunID).Msg("decision_log_failed")
		return
	}
	st.logged = true
}

func categoryOf(c *classifier.Classification) string {
	if c == nil {
		return ""
	}
	return string(c.Category)
}

func messageText(m *cases.Message) string {
	if m == nil {
		return ""
	}
	return m.Subject + "\n" + m.Body
}
