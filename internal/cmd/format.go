package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dativo-io/casepilot/internal/cases"
)

// formatFee renders a fee quote for display. Missing figures print as "-".
func formatFee(q *cases.FeeQuote) string {
	if q == nil {
		return "-"
	}
	switch {
	case q.Amount != nil:
		s := fmt.Sprintf("$%.2f", *q.Amount)
		if q.DepositRequired != nil && *q.DepositRequired {
			s += " (deposit required)"
		}
		return s
	case q.HourlyRate != nil && q.EstimatedHours != nil:
		return fmt.Sprintf("$%.2f/h x %.1fh = $%.2f", *q.HourlyRate, *q.EstimatedHours, *q.HourlyRate**q.EstimatedHours)
	case q.HourlyRate != nil:
		return fmt.Sprintf("$%.2f/h", *q.HourlyRate)
	}
	return "-"
}

// formatTime renders t in UTC, or "-" when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// truncate shortens s to n runes on a single line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
