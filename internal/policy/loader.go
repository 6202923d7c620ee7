package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an absolute
// path guaranteed to be under baseDir. Absolute paths must also be under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("policy path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// LoadPolicy loads and validates a casepilot.yaml file resolved under baseDir
// (the working directory when empty).
func LoadPolicy(ctx context.Context, path, baseDir string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}
	pol, err := Parse(content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("policy.name", pol.Name),
		attribute.String("policy.version_tag", pol.VersionTag),
		attribute.String("policy.autopilot_mode", pol.Autopilot.Mode),
	)
	return pol, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, path, baseDir string) (*Policy, error) {
	pol, err := LoadPolicy(ctx, path, baseDir)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("policy file not found, using built-in defaults")
		return Default(), nil
	}
	return pol, err
}

// Parse validates raw YAML against the schema and returns the policy with
// defaults applied.
func Parse(content []byte) (*Policy, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	pol := baseline()
	if err := yaml.Unmarshal(content, pol); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(pol)
	pol.ComputeHash(content)
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation: %w", err)
	}
	return pol, nil
}
