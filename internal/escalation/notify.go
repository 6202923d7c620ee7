package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WebhookNotifier POSTs escalations as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Event      string      `json:"event"`
	Escalation *Escalation `json:"escalation"`
}

// Notify sends e. A non-2xx answer is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, e *Escalation) error {
	if n.url == "" {
		return nil
	}
	body, err := json.Marshal(webhookPayload{Event: "case_escalated", Escalation: e})
	if err != nil {
		return fmt.Errorf("marshaling escalation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Casepilot-Event", "case_escalated")

	// #nosec G107 -- URL comes from operator config.
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering escalation webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("escalation webhook returned %d", resp.StatusCode)
	}
	log.Debug().Int("status", resp.StatusCode).Str("url", n.url).Msg("webhook_delivered")
	return nil
}

// LogNotifier writes escalations to the log. Used when no webhook is set.
type LogNotifier struct{}

// Notify logs e at warn level.
func (LogNotifier) Notify(_ context.Context, e *Escalation) error {
	log.Warn().
		Str("case_id", e.CaseID).
		Str("escalation_id", e.ID).
		Str("urgency", string(e.Urgency)).
		Str("suggested_action", string(e.SuggestedAction)).
		Str("reason", e.Reason).
		Msg("human_attention_required")
	return nil
}
