package agent

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ClampDelay forces a send delay into [min, max] hours and reports whether
// the requested value had to change.
func ClampDelay(hours, min, max float64) (float64, bool) {
	if max < min {
		max = min
	}
	switch {
	case hours < min:
		return min, true
	case hours > max:
		return max, true
	}
	return hours, false
}

func (r *Runner) sendDelay(ctx context.Context, caseID string, requested float64) float64 {
	d := r.policy.Delays
	hours, clamped := ClampDelay(requested, d.MinHours, d.MaxHours)
	if clamped {
		delaysClamped.Add(ctx, 1)
		log.Warn().
			Str("case_id", caseID).
			Float64("requested_hours", requested).
			Float64("applied_hours", hours).
			Msg("send_delay_clamped")
	}
	return hours
}
