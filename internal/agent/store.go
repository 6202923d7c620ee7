package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dativo-io/casepilot/internal/database"
)

var ErrNoContinuation = errors.New("no paused run for case")

// RunStatus is the lifecycle of one run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunEscalated RunStatus = "escalated"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunDeferred  RunStatus = "deferred"
	RunSkipped   RunStatus = "skipped"
)

// RunRecord is a row of agent_runs.
type RunRecord struct {
	ID         string     `json:"id"`
	CaseID     string     `json:"case_id"`
	Trigger    string     `json:"trigger"`
	Status     RunStatus  `json:"status"`
	Iterations int        `json:"iterations"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Continuation is what a paused run leaves behind so a later Resume can pick
// up without any in-memory state.
type Continuation struct {
	CaseID      string    `json:"case_id"`
	ThreadID    string    `json:"thread_id"`
	RunID       string    `json:"run_id"`
	Trigger     string    `json:"trigger"`
	Iteration   int       `json:"iteration"`
	Reasoning   []string  `json:"reasoning"`
	ProposalID  string    `json:"proposal_id"`
	Category    string    `json:"category,omitempty"`
	DraftCount  int       `json:"draft_count"`
	Adjustments int       `json:"adjustments"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeferredTrigger is a trigger that arrived while the case had a run active.
type DeferredTrigger struct {
	CaseID    string    `json:"case_id"`
	Type      string    `json:"trigger"`
	MessageID string    `json:"message_id,omitempty"`
	Merged    int       `json:"merged"`
	CreatedAt time.Time `json:"created_at"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_case ON agent_runs(case_id, status)`,
	`CREATE TABLE IF NOT EXISTS run_continuations (
		case_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		continuation_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deferred_triggers (
		case_id TEXT PRIMARY KEY,
		trigger_type TEXT NOT NULL,
		message_id TEXT,
		merged INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Store persists runs, continuations and deferred triggers.
type Store struct {
	db *database.DB
	// staleAfter bounds how long a "running" row counts as live; a crashed
	// worker never finishes its row.
	staleAfter time.Duration
}

// NewStore creates the run tables.
func NewStore(db *database.DB) (*Store, error) {
	if err := db.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("creating run tables: %w", err)
	}
	return &Store{db: db, staleAfter: 30 * time.Minute}, nil
}

// StartRun records a new running run.
func (s *Store) StartRun(ctx context.Context, caseID, trigger string) (*RunRecord, error) {
	r := &RunRecord{
		ID:        "run_" + uuid.New().String()[:12],
		CaseID:    caseID,
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, case_id, trigger_type, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.CaseID, r.Trigger, string(r.Status), r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	return r, nil
}

// FinishRun stores the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, iterations int, runErr error) error {
	var errText interface{}
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, iterations = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), iterations, errText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	return nil
}

// IsRunning reports whether a live run exists for the case.
func (s *Store) IsRunning(ctx context.Context, caseID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_runs WHERE case_id = ? AND status = ? AND started_at > ?`,
		caseID, string(RunRunning), time.Now().UTC().Add(-s.staleAfter)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking running runs: %w", err)
	}
	return n > 0, nil
}

// ListRuns returns a case's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, caseID string, limit int) ([]RunRecord, error) {
	query := `SELECT id, case_id, trigger_type, status, iterations, error, started_at, finished_at
		FROM agent_runs WHERE case_id = ? ORDER BY started_at DESC`
	args := []interface{}{caseID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			status   string
			errText  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CaseID, &r.Trigger, &status, &r.Iterations, &errText, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Status = RunStatus(status)
		r.Error = errText.String
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveContinuation replaces the case's continuation.
func (s *Store) SaveContinuation(ctx context.Context, c *Continuation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling continuation: %w", err)
	}
	if err := s.DeleteContinuation(ctx, c.CaseID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_continuations (case_id, run_id, proposal_id, continuation_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.CaseID, c.RunID, c.ProposalID, string(raw), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving continuation: %w", err)
	}
	return nil
}

// LoadContinuation returns the paused state of a case.
func (s *Store) LoadContinuation(ctx context.Context, caseID string) (*Continuation, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT continuation_json FROM run_continuations WHERE case_id = ?`, caseID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoContinuation, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading continuation: %w", err)
	}
	var c Continuation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshaling continuation: %w", err)
	}
	return &c, nil
}

// DeleteContinuation removes the case's continuation, if any.
func (s *Store) DeleteContinuation(ctx context.Context, caseID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_continuations WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("deleting continuation: %w", err)
	}
	return nil
}

// Defer stores a trigger for later. A case keeps at most one deferred
// trigger: a later one is merged into it, an agency reply outranking the
// other trigger types and the newest message id winning.
func (s *Store) Defer(ctx context.Context, t DeferredTrigger) (*DeferredTrigger, error) {
	existing, err := s.peekDeferred(ctx, t.CaseID)
	if err != nil {
		return nil, err
	}
	merged := t
	if existing != nil {
		merged = mergeDeferred(*existing, t)
		_, err = s.db.ExecContext(ctx, `
			UPDATE deferred_triggers SET trigger_type = ?, message_id = ?, merged = ? WHERE case_id = ?`,
			merged.Type, nullString(merged.MessageID), merged.Merged, merged.CaseID)
	} else {
		merged.CreatedAt = time.Now().UTC()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO deferred_triggers (case_id, trigger_type, message_id, merged, created_at) VALUES (?, ?, ?, 0, ?)`,
			merged.CaseID, merged.Type, nullString(merged.MessageID), merged.CreatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("deferring trigger: %w", err)
	}
	return &merged, nil
}

func mergeDeferred(prev, next DeferredTrigger) DeferredTrigger {
	out := prev
	out.Merged = prev.Merged + 1
	if triggerRank(next.Type) >= triggerRank(prev.Type) {
		out.Type = next.Type
	}
	if next.MessageID != "" {
		out.MessageID = next.MessageID
	}
	return out
}

// TakeDeferred removes and returns the case's deferred trigger, or nil.
func (s *Store) TakeDeferred(ctx context.Context, caseID string) (*DeferredTrigger, error) {
	t, err := s.peekDeferred(ctx, caseID)
	if err != nil || t == nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM deferred_triggers WHERE case_id = ?`, caseID)
	if err != nil {
		return nil, fmt.Errorf("taking deferred trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return t, nil
}

func (s *Store) peekDeferred(ctx context.Context, caseID string) (*DeferredTrigger, error) {
	var (
		t   DeferredTrigger
		msg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT case_id, trigger_type, message_id, merged, created_at FROM deferred_triggers WHERE case_id = ?`, caseID).
		Scan(&t.CaseID, &t.Type, &msg, &t.Merged, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading deferred trigger: %w", err)
	}
	t.MessageID = msg.String
	return &t, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
