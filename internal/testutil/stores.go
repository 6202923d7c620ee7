package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/database"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/transport"
)

// NewTestDB opens a SQLite database in a temp dir and closes it on cleanup.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "casepilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Stores bundles every persistent store on one test database.
type Stores struct {
	DB          *database.DB
	Cases       *cases.Store
	Proposals   *proposal.Store
	Decisions   *evidence.Store
	Escalations *escalation.Manager
	Outbox      *transport.Outbox
	Notifier    *RecordingNotifier
}

// NewStores creates all stores on a fresh database. Escalation notifications
// go to a RecordingNotifier; the manager is flushed on cleanup.
func NewStores(t *testing.T) *Stores {
	t.Helper()
	db := NewTestDB(t)

	cs, err := cases.NewStore(db)
	require.NoError(t, err)
	ps, err := proposal.NewStore(db)
	require.NoError(t, err)
	signer, err := evidence.NewSigner(TestSigningKey)
	require.NoError(t, err)
	ds, err := evidence.NewStore(db, signer)
	require.NoError(t, err)
	es, err := escalation.NewStore(db)
	require.NoError(t, err)
	ob, err := transport.NewOutbox(db)
	require.NoError(t, err)

	n := &RecordingNotifier{}
	m := escalation.NewManager(es, cs, n)
	t.Cleanup(m.Flush)

	return &Stores{
		DB:          db,
		Cases:       cs,
		Proposals:   ps,
		Decisions:   ds,
		Escalations: m,
		Outbox:      ob,
		Notifier:    n,
	}
}

// CreateCase inserts a sent case with sensible defaults; mutate may adjust
// it before insertion.
func (s *Stores) CreateCase(t *testing.T, mutate func(*cases.Case)) *cases.Case {
	t.Helper()
	c := &cases.Case{
		AgencyName:  "Springfield Police Department",
		AgencyEmail: "records@springfield.example",
		Subject:     "Body camera footage, 12 March",
		RequestText: "All body camera footage recorded on 12 March at Main St.",
		Status:      cases.StatusSent,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, s.Cases.Create(context.Background(), c))
	return c
}

// AddInbound stores an agency reply on c and returns it.
func (s *Stores) AddInbound(t *testing.T, caseID, body string) *cases.Message {
	t.Helper()
	m := &cases.Message{
		CaseID:    caseID,
		Direction: cases.Inbound,
		From:      "records@springfield.example",
		Subject:   "RE: records request",
		Body:      body,
	}
	require.NoError(t, s.Cases.AddMessage(context.Background(), m))
	return m
}
