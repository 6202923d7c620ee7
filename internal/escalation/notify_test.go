package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_Delivers(t *testing.T) {
	var got webhookPayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Casepilot-Event")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Notify(context.Background(), &Escalation{ID: "esc_1", CaseID: "case_1", Reason: "fee", Urgency: UrgencyHigh})
	require.NoError(t, err)
	assert.Equal(t, "case_escalated", header)
	assert.Equal(t, "case_escalated", got.Event)
	require.NotNil(t, got.Escalation)
	assert.Equal(t, "case_1", got.Escalation.CaseID)
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), &Escalation{ID: "esc_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookNotifier_EmptyURL(t *testing.T) {
	assert.NoError(t, NewWebhookNotifier("").Notify(context.Background(), &Escalation{}))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), &Escalation{CaseID: "case_1"}))
}
