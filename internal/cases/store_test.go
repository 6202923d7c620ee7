package cases

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "cases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func float(v float64) *float64 { return &v }

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deadline := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	c := &Case{
		AgencyName:   "Springfield Police Department",
		AgencyEmail:  "records@springfield.gov",
		Subject:      "Body camera footage, 2024-03-02",
		RequestText:  "All body-worn camera footage of the incident.",
		FeeThreshold: float(75),
		Constraints:  []ConstraintTag{TagFeeRequired},
		ScopeItems:   []ScopeItem{{Name: "Body camera footage", Status: ScopeRequested}},
		DeadlineAt:   &deadline,
	}
	require.NoError(t, s.Create(ctx, c))
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatusDraft, c.Status)
	assert.Equal(t, "thread_"+c.ID, c.ThreadID)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.AgencyName, got.AgencyName)
	assert.Equal(t, []ConstraintTag{TagFeeRequired}, got.Constraints)
	require.Len(t, got.ScopeItems, 1)
	assert.Equal(t, ScopeRequested, got.ScopeItems[0].Status)
	require.NotNil(t, got.FeeThreshold)
	assert.InDelta(t, 75.0, *got.FeeThreshold, 0.0001)
	require.NotNil(t, got.DeadlineAt)
	assert.True(t, deadline.Equal(*got.DeadlineAt))
	assert.Nil(t, got.FeeQuote)
	assert.False(t, got.RequiresHuman)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "case_missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestFlagForHumanAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Case{AgencyName: "County Clerk", Status: StatusAwaitingResponse}
	require.NoError(t, s.Create(ctx, c))

	require.NoError(t, s.FlagForHuman(ctx, c.ID, StatusNeedsHumanReview))
	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.RequiresHuman)
	assert.Equal(t, StatusNeedsHumanReview, got.Status)

	require.NoError(t, s.ClearHumanFlag(ctx, c.ID))
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.RequiresHuman)

	assert.ErrorIs(t, s.SetStatus(ctx, "case_missing", StatusClosed), ErrCaseNotFound)
}

func TestUpdateConstraintFields_OnlyChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Case{
		AgencyName:  "State DOT",
		Constraints: []ConstraintTag{TagIDRequired},
		ScopeItems:  []ScopeItem{{Name: "Emails", Status: ScopeRequested}},
	}
	require.NoError(t, s.Create(ctx, c))

	err := s.UpdateConstraintFields(ctx, c.ID, ConstraintFields{
		Constraints: []ConstraintTag{TagIDRequired, TagDenialReceived},
		ScopeItems:  nil,
		Changed:     []Field{FieldConstraints},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []ConstraintTag{TagIDRequired, TagDenialReceived}, got.Constraints)
	require.Len(t, got.ScopeItems, 1, "scope items were not in Changed and must be untouched")

	amount := 42.5
	err = s.UpdateConstraintFields(ctx, c.ID, ConstraintFields{
		FeeQuote: &FeeQuote{Amount: &amount, Status: FeeQuoteStatusQuoted},
		Changed:  []Field{FieldFeeQuote},
	})
	require.NoError(t, err)
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FeeQuote)
	assert.InDelta(t, 42.5, *got.FeeQuote.Amount, 0.0001)

	assert.NoError(t, s.UpdateConstraintFields(ctx, c.ID, ConstraintFields{}), "no changes is a no-op")
}

func TestListDueForFollowup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(48 * time.Hour).UTC()

	due := &Case{AgencyName: "A", Status: StatusAwaitingResponse, NextFollowupAt: &past}
	notYet := &Case{AgencyName: "B", Status: StatusAwaitingResponse, NextFollowupAt: &future}
	flagged := &Case{AgencyName: "C", Status: StatusAwaitingResponse, NextFollowupAt: &past, RequiresHuman: true}
	closed := &Case{AgencyName: "D", Status: StatusClosed, NextFollowupAt: &past}
	for _, c := range []*Case{due, notYet, flagged, closed} {
		require.NoError(t, s.Create(ctx, c))
	}

	got, err := s.ListDueForFollowup(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	require.NoError(t, s.RecordFollowup(ctx, due.ID, future))
	reloaded, err := s.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.FollowupCount)
}

func TestMessagesAndAnalyses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Case{AgencyName: "City Hall"}
	require.NoError(t, s.Create(ctx, c))

	older := &Message{CaseID: c.ID, Subject: "Re: request", Body: "We received it.", ReceivedAt: time.Now().Add(-time.Hour)}
	newer := &Message{CaseID: c.ID, Subject: "Re: request", Body: "Denied under exemption 7(A)."}
	require.NoError(t, s.AddMessage(ctx, older))
	require.NoError(t, s.AddMessage(ctx, newer))

	latest, err := s.LatestInbound(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	_, err = s.GetAnalysis(ctx, newer.ID)
	assert.ErrorIs(t, err, ErrAnalysisNotFound)

	a := &Analysis{MessageID: newer.ID, CaseID: c.ID, Category: "denial", Confidence: 0.9,
		ConstraintsToAdd: []ConstraintTag{TagInvestigationActive}}
	require.NoError(t, s.SaveAnalysis(ctx, a))
	a.Confidence = 0.95
	require.NoError(t, s.SaveAnalysis(ctx, a), "saving twice replaces the analysis")

	got, err := s.GetAnalysis(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "denial", got.Category)
	assert.InDelta(t, 0.95, got.Confidence, 0.0001)
	assert.Equal(t, []ConstraintTag{TagInvestigationActive}, got.ConstraintsToAdd)
}

func TestActivityLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.LogActivity(ctx, "case_1", EventCaseCancelled, "Cancelled by requester"))
	require.NoError(t, s.LogActivity(ctx, "case_1", EventEscalated, "Fee above threshold"))

	got, err := s.ListActivity(ctx, "case_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, EventCaseCancelled, got[0].EventType)
}

func TestGet_DatabaseError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	s := &Store{db: database.New(raw, database.SQLite)}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM cases WHERE id = ?`)).
		WithArgs("case_1").
		WillReturnError(errors.New("disk I/O error"))

	_, err = s.Get(context.Background(), "case_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCaseNotFound)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusClosed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusAwaitingResponse.IsTerminal())
	assert.True(t, StatusNeedsHumanFeeApproval.NeedsHuman())
	assert.False(t, StatusSent.NeedsHuman())
	assert.True(t, StatusPortalSubmitted.WaitingOnAgency())
	assert.False(t, StatusDraft.WaitingOnAgency())

	m, err := ParseAutopilotMode("supervised")
	require.NoError(t, err)
	assert.Equal(t, ModeSupervised, m)
	_, err = ParseAutopilotMode("yolo")
	assert.Error(t, err)
}
