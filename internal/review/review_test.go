package review

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/proposal"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name         string
		snap         Snapshot
		want         State
		inconsistent bool
	}{
		{"pending proposal", Snapshot{ProposalStatus: proposal.StatusPendingApproval}, StateDecisionRequired, false},
		{"blocked proposal beats running run", Snapshot{ProposalStatus: proposal.StatusBlocked, RunActive: true, CaseStatus: cases.StatusSent}, StateDecisionRequired, false},
		{"decision being applied", Snapshot{ProposalStatus: proposal.StatusDecisionReceived, RunActive: true}, StateDecisionApplying, false},
		{"processing", Snapshot{RunActive: true, CaseStatus: cases.StatusAwaitingResponse}, StateProcessing, false},
		{"running but flagged", Snapshot{RunActive: true, RequiresHuman: true}, StateDecisionRequired, false},
		{"status prefix flags", Snapshot{CaseStatus: cases.StatusNeedsHumanFeeApproval}, StateDecisionRequired, false},
		{"stale decision", Snapshot{ProposalStatus: proposal.StatusDecisionReceived, RequiresHuman: true}, StateDecisionRequired, true},
		{"waiting on agency", Snapshot{CaseStatus: cases.StatusPortalSubmitted}, StateWaitingAgency, false},
		{"fee payment sent", Snapshot{CaseStatus: cases.StatusFeePaymentSent}, StateWaitingAgency, false},
		{"draft case", Snapshot{CaseStatus: cases.StatusDraft}, StateIdle, false},
		{"stale decision, unflagged", Snapshot{ProposalStatus: proposal.StatusDecisionReceived, CaseStatus: cases.StatusSent}, StateWaitingAgency, false},
		{"empty", Snapshot{}, StateIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Resolve(tt.snap)
			assert.Equal(t, tt.want, r.State)
			assert.Equal(t, tt.inconsistent, r.Inconsistent)
		})
	}
}

var (
	caseStatuses = []cases.Status{
		"", cases.StatusDraft, cases.StatusSent, cases.StatusAwaitingResponse, cases.StatusAcknowledged,
		cases.StatusPortalSubmitted, cases.StatusFeePaymentSent, cases.StatusNeedsHumanReview,
		cases.StatusNeedsHumanFeeApproval, cases.StatusRecordsReceived, cases.StatusClosed,
		cases.StatusWithdrawn, cases.StatusCancelled, "something_new",
	}
	proposalStatuses = []proposal.Status{
		"", proposal.StatusPendingApproval, proposal.StatusBlocked, proposal.StatusDecisionReceived,
		proposal.StatusExecuted, proposal.StatusDismissed, proposal.StatusWithdrawn, proposal.StatusFailed,
	}
	allStates = map[State]bool{
		StateDecisionRequired: true, StateDecisionApplying: true, StateProcessing: true,
		StateWaitingAgency: true, StateIdle: true,
	}
)

func TestResolveProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	snapshot := func(ci, pi int, flag, running bool) Snapshot {
		return Snapshot{
			CaseStatus:     caseStatuses[ci],
			RequiresHuman:  flag,
			ProposalStatus: proposalStatuses[pi],
			RunActive:      running,
		}
	}
	gens := []gopter.Gen{
		gen.IntRange(0, len(caseStatuses)-1),
		gen.IntRange(0, len(proposalStatuses)-1),
		gen.Bool(),
		gen.Bool(),
	}

	properties.Property("every snapshot maps to one known state", prop.ForAll(
		func(ci, pi int, flag, running bool) bool {
			return allStates[Resolve(snapshot(ci, pi, flag, running)).State]
		}, gens...))

	properties.Property("a proposal awaiting a human always requires a decision", prop.ForAll(
		func(ci, pi int, flag, running bool) bool {
			s := snapshot(ci, pi, flag, running)
			if !s.ProposalStatus.AwaitsHuman() {
				return true
			}
			return Resolve(s).State == StateDecisionRequired
		}, gens...))

	properties.Property("resolve is deterministic", prop.ForAll(
		func(ci, pi int, flag, running bool) bool {
			s := snapshot(ci, pi, flag, running)
			return Resolve(s) == Resolve(s)
		}, gens...))

	properties.TestingRun(t)
}

type fakeCases map[string]*cases.Case

func (f fakeCases) Get(_ context.Context, id string) (*cases.Case, error) {
	if c, ok := f[id]; ok {
		return c, nil
	}
	return nil, cases.ErrCaseNotFound
}

type fakeProposals struct {
	p   *proposal.Proposal
	err error
}

func (f fakeProposals) ActiveForCase(context.Context, string) (*proposal.Proposal, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.p == nil {
		return nil, proposal.ErrProposalNotFound
	}
	return f.p, nil
}

type fakeRuns bool

func (f fakeRuns) IsRunning(context.Context, string) (bool, error) { return bool(f), nil }

func TestServiceState(t *testing.T) {
	ctx := context.Background()
	cs := fakeCases{"case_1": {ID: "case_1", Status: cases.StatusAwaitingResponse}}

	svc := NewService(cs, fakeProposals{}, fakeRuns(false))
	r, err := svc.State(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, StateWaitingAgency, r.State)

	svc = NewService(cs, fakeProposals{p: &proposal.Proposal{Status: proposal.StatusPendingApproval}}, fakeRuns(true))
	r, err = svc.State(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, StateDecisionRequired, r.State)

	svc = NewService(cs, fakeProposals{}, fakeRuns(true))
	r, err = svc.State(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, r.State)

	_, err = svc.State(ctx, "case_missing")
	assert.ErrorIs(t, err, cases.ErrCaseNotFound)

	svc = NewService(cs, fakeProposals{err: errors.New("db down")}, fakeRuns(false))
	_, err = svc.State(ctx, "case_1")
	assert.Error(t, err)
}
