package gate

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned for a drafting call over budget. It is
// transient: the caller retries the run later.
var ErrRateLimited = errors.New("drafting rate limit exceeded")

// RateLimiter enforces global and per-case limits on drafting calls with
// token buckets.
type RateLimiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	cases   map[string]*rate.Limiter
	perCase rate.Limit
	burst   int
}

// NewRateLimiter takes limits in calls per minute. Zero or negative means
// unlimited.
func NewRateLimiter(globalPerMinute, perCasePerMinute int) *RateLimiter {
	return &RateLimiter{
		global:  newLimiter(globalPerMinute),
		cases:   make(map[string]*rate.Limiter),
		perCase: perMinute(perCasePerMinute),
		burst:   max(perCasePerMinute, 1),
	}
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

func newLimiter(n int) *rate.Limiter {
	return rate.NewLimiter(perMinute(n), max(n, 1))
}

// Allow reports whether a drafting call for caseID may proceed now.
func (rl *RateLimiter) Allow(caseID string) bool {
	if !rl.global.Allow() {
		return false
	}
	rl.mu.Lock()
	limiter, ok := rl.cases[caseID]
	if !ok {
		limiter = rate.NewLimiter(rl.perCase, rl.burst)
		rl.cases[caseID] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}
