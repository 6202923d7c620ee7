// Package screen prepares untrusted agency replies for the model: HTML is
// reduced to text, known prompt-injection phrasing is flagged, and the text
// is fenced off from the instructions around it.
package screen

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/screen")

// Finding is one pattern match in scanned text.
type Finding struct {
	Pattern  string `json:"pattern"`
	Position int    `json:"position"`
	Severity int    `json:"severity"`
	Context  string `json:"context"`
}

// Result summarises a scan.
type Result struct {
	Findings    []Finding `json:"findings"`
	MaxSeverity int       `json:"max_severity"`
	Safe        bool      `json:"safe"`
}

// Scanner matches text against injection patterns.
type Scanner struct {
	patterns []Pattern
}

// NewScanner returns a scanner over DefaultPatterns.
func NewScanner() *Scanner {
	return &Scanner{patterns: DefaultPatterns}
}

// NewScannerWith returns a scanner over a custom pattern set.
func NewScannerWith(patterns []Pattern) *Scanner {
	return &Scanner{patterns: patterns}
}

// Scan reports every pattern match in text.
func (s *Scanner) Scan(ctx context.Context, text string) *Result {
	_, span := tracer.Start(ctx, "screen.scan")
	defer span.End()

	res := &Result{Findings: []Finding{}, Safe: true}
	for _, p := range s.patterns {
		for _, m := range p.Regex.FindAllStringIndex(text, -1) {
			start := max(0, m[0]-50)
			end := min(len(text), m[1]+50)
			res.Findings = append(res.Findings, Finding{
				Pattern:  p.Name,
				Position: m[0],
				Severity: p.Severity,
				Context:  text[start:end],
			})
			res.MaxSeverity = max(res.MaxSeverity, p.Severity)
			res.Safe = false
		}
	}

	span.SetAttributes(
		attribute.Int("injection.count", len(res.Findings)),
		attribute.Int("injection.max_severity", res.MaxSeverity),
		attribute.Bool("injection.safe", res.Safe),
	)
	return res
}

// Patterns returns the distinct pattern names that matched, in match order.
func (r *Result) Patterns() []string {
	seen := make(map[string]bool, len(r.Findings))
	var out []string
	for _, f := range r.Findings {
		if !seen[f.Pattern] {
			seen[f.Pattern] = true
			out = append(out, f.Pattern)
		}
	}
	return out
}
