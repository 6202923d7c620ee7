package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/proposal"
)

// CaseSource loads case records.
type CaseSource interface {
	Get(ctx context.Context, id string) (*cases.Case, error)
}

// ProposalSource finds a case's active proposal.
type ProposalSource interface {
	ActiveForCase(ctx context.Context, caseID string) (*proposal.Proposal, error)
}

// RunSource reports whether a run is executing for a case.
type RunSource interface {
	IsRunning(ctx context.Context, caseID string) (bool, error)
}

// Service loads a snapshot and resolves it.
type Service struct {
	cases     CaseSource
	proposals ProposalSource
	runs      RunSource
}

// NewService wires the sources.
func NewService(c CaseSource, p ProposalSource, r RunSource) *Service {
	return &Service{cases: c, proposals: p, runs: r}
}

// Snapshot reads the current state of a case.
func (s *Service) Snapshot(ctx context.Context, caseID string) (Snapshot, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{CaseStatus: c.Status, RequiresHuman: c.RequiresHuman}

	p, err := s.proposals.ActiveForCase(ctx, caseID)
	switch {
	case err == nil:
		snap.ProposalStatus = p.Status
	case !errors.Is(err, proposal.ErrProposalNotFound):
		return Snapshot{}, fmt.Errorf("loading active proposal: %w", err)
	}

	running, err := s.runs.IsRunning(ctx, caseID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checking active run: %w", err)
	}
	snap.RunActive = running
	return snap, nil
}

// State returns the review state of a case, logging any inconsistency.
func (s *Service) State(ctx context.Context, caseID string) (Result, error) {
	snap, err := s.Snapshot(ctx, caseID)
	if err != nil {
		return Result{}, err
	}
	r := Resolve(snap)
	if r.Inconsistent {
		log.Warn().
			Str("case_id", caseID).
			Str("proposal_status", string(snap.ProposalStatus)).
			Msg("review_state_inconsistent")
	}
	return r, nil
}
