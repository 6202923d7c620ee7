package screen

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed injection.yaml
var injectionYAML []byte

// Pattern is one compiled injection recognizer.
type Pattern struct {
	Name     string
	Regex    *regexp.Regexp
	Severity int // 1-3
}

type patternFile struct {
	Patterns []struct {
		Name     string `yaml:"name"`
		Severity int    `yaml:"severity"`
		Regex    string `yaml:"regex"`
		Enabled  *bool  `yaml:"enabled"`
	} `yaml:"patterns"`
}

// ParsePatterns compiles a YAML pattern file. Disabled entries are skipped.
func ParsePatterns(data []byte) ([]Pattern, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing injection patterns: %w", err)
	}
	out := make([]Pattern, 0, len(f.Patterns))
	for _, p := range f.Patterns {
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		if p.Severity < 1 || p.Severity > 3 {
			return nil, fmt.Errorf("injection pattern %q: severity %d out of range 1-3", p.Name, p.Severity)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling injection pattern %q: %w", p.Name, err)
		}
		out = append(out, Pattern{Name: p.Name, Regex: re, Severity: p.Severity})
	}
	return out, nil
}

// DefaultPatterns is the built-in set, compiled at init.
var DefaultPatterns []Pattern

func init() {
	p, err := ParsePatterns(injectionYAML)
	if err != nil {
		panic(fmt.Sprintf("loading embedded injection patterns: %v", err))
	}
	DefaultPatterns = p
}
