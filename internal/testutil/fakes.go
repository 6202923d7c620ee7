package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dativo-io/casepilot/internal/classifier"
	"github.com/dativo-io/casepilot/internal/drafting"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/transport"
)

// ErrTransient is a stand-in for an unreachable adapter.
var ErrTransient = errors.New("adapter unavailable")

// FakeClassifier returns queued results in order; once the queue is drained
// it keeps returning Default (or ErrMalformedOutput when Default is nil).
type FakeClassifier struct {
	mu       sync.Mutex
	queue    []classifyResult
	Default  *classifier.Classification
	Contexts []classifier.CaseContext
	Texts    []string
}

type classifyResult struct {
	c   *classifier.Classification
	err error
}

// Returns queues a successful classification.
func (f *FakeClassifier) Returns(c *classifier.Classification) *FakeClassifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, classifyResult{c: c})
	return f
}

// Fails queues an error.
func (f *FakeClassifier) Fails(err error) *FakeClassifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, classifyResult{err: err})
	return f
}

// Classify implements classifier.Classifier.
func (f *FakeClassifier) Classify(_ context.Context, text string, cc classifier.CaseContext) (*classifier.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Texts = append(f.Texts, text)
	f.Contexts = append(f.Contexts, cc)
	if len(f.queue) > 0 {
		r := f.queue[0]
		f.queue = f.queue[1:]
		return r.c, r.err
	}
	if f.Default != nil {
		return f.Default, nil
	}
	return nil, fmt.Errorf("%w: no canned classification", classifier.ErrMalformedOutput)
}

// Calls returns how many times Classify ran.
func (f *FakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Texts)
}

// FakeDrafter echoes the action type into a canned draft unless Err is set.
type FakeDrafter struct {
	mu       sync.Mutex
	Err      error
	Requests []drafting.Request
}

// Draft implements drafting.Drafter.
func (f *FakeDrafter) Draft(_ context.Context, req drafting.Request) (*drafting.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	subject := "Re: public records request"
	if req.Case != nil && req.Case.Subject != "" {
		subject = "Re: " + req.Case.Subject
	}
	body := fmt.Sprintf("Draft %d for %s.", len(f.Requests), req.ActionType)
	for _, d := range req.Directives {
		body += "\n" + d
	}
	return &drafting.Draft{Subject: subject, Body: body}, nil
}

// Calls returns how many drafts were requested.
func (f *FakeDrafter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakeSender records outbound messages instead of queueing them.
type FakeSender struct {
	mu   sync.Mutex
	Err  error
	Sent []transport.Outbound
}

// Send implements transport.Sender.
func (f *FakeSender) Send(_ context.Context, m transport.Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.Sent = append(f.Sent, m)
	return fmt.Sprintf("out_fake%04d", len(f.Sent)), nil
}

// Count returns how many messages were sent.
func (f *FakeSender) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// RecordingNotifier captures escalation notifications.
type RecordingNotifier struct {
	mu       sync.Mutex
	Err      error
	Received []escalation.Escalation
}

// Notify implements escalation.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, e *escalation.Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Received = append(n.Received, *e)
	return n.Err
}

// Count returns how many notifications arrived.
func (n *RecordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Received)
}
