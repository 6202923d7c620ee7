package agent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FailureTracker counts adapter failures (classifier, drafter, executor)
// per case in a sliding window. Below the threshold a failure is returned to
// the caller for retry; once a case crosses it the run escalates instead.
type FailureTracker struct {
	mu        sync.Mutex
	cases     map[string][]time.Time
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewFailureTracker creates a tracker. threshold <= 0 defaults to 3;
// window <= 0 defaults to one hour.
func NewFailureTracker(threshold int, window time.Duration) *FailureTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Hour
	}
	return &FailureTracker{
		cases:     make(map[string][]time.Time),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Record notes one failure and reports whether the case has now reached the
// threshold within the window.
func (t *FailureTracker) Record(caseID, adapter string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	failures := append(filterAfter(t.cases[caseID], now.Add(-t.window)), now)
	t.cases[caseID] = failures

	exhausted := len(failures) >= t.threshold
	ev := log.Warn().
		Str("case_id", caseID).
		Str("adapter", adapter).
		Int("failure_count", len(failures)).
		Int("threshold", t.threshold)
	if err != nil {
		ev = ev.Err(err)
	}
	if exhausted {
		ev.Msg("adapter_failures_exhausted")
	} else {
		ev.Msg("adapter_failure")
	}
	return exhausted
}

// Count returns the failures within the window for a case.
func (t *FailureTracker) Count(caseID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(filterAfter(t.cases[caseID], t.now().Add(-t.window)))
}

// Reset forgets a case's failures, typically after a successful run.
func (t *FailureTracker) Reset(caseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cases, caseID)
}

func filterAfter(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
