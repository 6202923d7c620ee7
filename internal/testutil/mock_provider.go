// Package testutil provides shared test helpers, fakes, and fixtures for casepilot tests.
package testutil

import (
	"context"
	"sync"

	"github.com/dativo-io/casepilot/internal/llm"
)

// MockProvider implements llm.Provider for tests without live API calls.
// When Content is empty, Generate returns "mock response from " + ProviderName; otherwise uses Content.
// Set Err to simulate LLM errors.
type MockProvider struct {
	ProviderName string // provider identifier, e.g. "openai"
	Content      string // canned response; empty = "mock response from " + ProviderName
	Err          error  // if set, Generate returns this error
}

// Name returns the provider identifier (implements llm.Provider).
func (m *MockProvider) Name() string { return m.ProviderName }

// Generate returns a canned response or the configured error.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "mock response from " + m.ProviderName
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// EstimateCost returns a fixed cost for tests.
func (m *MockProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// SequenceProvider implements llm.Provider returning a configurable sequence
// of contents (e.g. a malformed answer followed by a valid one). It records
// every request for assertions.
// Set ErrOnCall (1-based) and Err to make Generate fail on that call.
type SequenceProvider struct {
	mu        sync.Mutex
	Contents  []string // call N gets Contents[N] or the last one if N >= len
	CallCount int
	Requests  []llm.Request
	ErrOnCall int
	Err       error
}

// Name returns "openai".
func (p *SequenceProvider) Name() string { return "openai" }

// Generate returns the next content in the sequence and records the request.
func (p *SequenceProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CallCount++
	idx := p.CallCount - 1
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.Requests = append(p.Requests, cp)
	contents := p.Contents
	callCount := p.CallCount
	p.mu.Unlock()

	if p.ErrOnCall > 0 && callCount == p.ErrOnCall && p.Err != nil {
		return nil, p.Err
	}
	content := "no responses configured"
	if len(contents) > 0 {
		if idx >= len(contents) {
			idx = len(contents) - 1
		}
		content = contents[idx]
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// EstimateCost returns a fixed cost for tests.
func (p *SequenceProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// Calls returns how many times Generate ran.
func (p *SequenceProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCount
}
