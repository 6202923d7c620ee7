package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/policy"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/review"
	"github.com/dativo-io/casepilot/internal/testutil"
	"github.com/dativo-io/casepilot/internal/trigger"
)

const testKey = "test-key"

type apiHarness struct {
	*testutil.Stores
	classifier *testutil.FakeClassifier
	handler    http.Handler
}

func newAPI(t *testing.T, opts ...Option) *apiHarness {
	t.Helper()
	s := testutil.NewStores(t)
	runs, err := agent.NewStore(s.DB)
	require.NoError(t, err)

	h := &apiHarness{Stores: s, classifier: &testutil.FakeClassifier{}}
	runner, err := agent.NewRunner(context.Background(), agent.RunnerConfig{
		Cases:       s.Cases,
		Proposals:   s.Proposals,
		Decisions:   s.Decisions,
		Escalations: s.Escalations,
		Runs:        runs,
		Classifier:  h.classifier,
		Drafter:     &testutil.FakeDrafter{},
		Sender:      s.Outbox,
		Policy:      policy.Default(),
		Mode:        cases.ModeSupervised,
	})
	require.NoError(t, err)

	srv := NewServer(Services{
		Runner:      runner,
		Cases:       s.Cases,
		Proposals:   s.Proposals,
		Decisions:   s.Decisions,
		Escalations: s.Escalations,
		Review:      review.NewService(s.Cases, s.Proposals, runs),
		Inbound:     trigger.NewInboundHandler(runner, s.Cases),
	}, map[string]string{testKey: "ana"}, opts...)
	h.handler = srv.Routes()
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Casepilot-Key", testKey)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestHealthDetail(t *testing.T) {
	h := newAPI(t, WithOutbox(testutil.NewStores(t).Outbox))
	req := httptest.NewRequest(http.MethodGet, "/v1/health?detail=true", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	comp, _ := decodeBody(t, rec)["components"].(map[string]interface{})
	require.NotNil(t, comp)
	assert.Equal(t, "ok", comp["outbox"])
	assert.Equal(t, "disabled", comp["rate_limit"])
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	h := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/proposals/pending", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
}

func TestAuthMiddlewareAcceptsBearerKey(t *testing.T) {
	h := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/proposals/pending", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerOperator(t *testing.T) {
	h := newAPI(t, WithRateLimit(1))
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/proposals/pending", nil).Code)
	rec := h.do(t, http.MethodGet, "/v1/proposals/pending", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCaseCreate(t *testing.T) {
	h := newAPI(t)

	rec := h.do(t, http.MethodPost, "/v1/cases", map[string]interface{}{
		"agency_name":    "Shelbyville Clerk",
		"request_text":   "Council meeting minutes for 2025.",
		"autopilot_mode": "auto",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var c cases.Case
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.Equal(t, cases.StatusSent, c.Status)
	assert.Equal(t, cases.ModeAuto, c.AutopilotMode)
	assert.NotNil(t, c.NextFollowupAt)

	got := h.do(t, http.MethodGet, "/v1/cases/"+c.ID, nil)
	assert.Equal(t, http.StatusOK, got.Code)

	bad := h.do(t, http.MethodPost, "/v1/cases", map[string]string{"agency_name": "x", "request_text": "y", "autopilot_mode": "yolo"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	missing := h.do(t, http.MethodPost, "/v1/cases", map[string]string{"agency_name": "x"})
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestInboundToApprovedSend(t *testing.T) {
	h := newAPI(t)
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Denial(0.9))

	rec := h.do(t, http.MethodPost, "/v1/inbound", trigger.InboundMessage{CaseID: c.ID, Body: "Denied under exemption 7(A)."})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	proposalID, _ := decodeBody(t, rec)["proposal_id"].(string)
	require.NotEmpty(t, proposalID)

	state := decodeBody(t, h.do(t, http.MethodGet, "/v1/cases/"+c.ID+"/review-state", nil))
	assert.Equal(t, string(review.StateDecisionRequired), state["state"])

	pending := decodeBody(t, h.do(t, http.MethodGet, "/v1/proposals/pending", nil))
	assert.EqualValues(t, 1, pending["count"])

	rec = h.do(t, http.MethodPost, "/v1/proposals/"+proposalID+"/decision", map[string]string{"action": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.Equal(t, "applied", out["status"])

	p, err := h.Proposals.Get(context.Background(), proposalID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, p.Status)
	assert.NotEmpty(t, p.OutboundID)

	queued, err := h.Outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, proposalID, queued[0].ProposalID)

	state = decodeBody(t, h.do(t, http.MethodGet, "/v1/cases/"+c.ID+"/review-state", nil))
	assert.Equal(t, string(review.StateWaitingAgency), state["state"])

	again := h.do(t, http.MethodPost, "/v1/proposals/"+proposalID+"/decision", map[string]string{"action": "approve"})
	assert.Equal(t, http.StatusConflict, again.Code)

	decisions := decodeBody(t, h.do(t, http.MethodGet, "/v1/decisions?case_id="+c.ID, nil))
	assert.EqualValues(t, 2, decisions["count"])
	list, _ := decisions["decisions"].([]interface{})
	require.NotEmpty(t, list)
	first, _ := list[0].(map[string]interface{})
	id, _ := first["id"].(string)
	verify := decodeBody(t, h.do(t, http.MethodGet, "/v1/decisions/"+id+"/verify", nil))
	assert.Equal(t, true, verify["valid"])
}

func TestDecisionWithoutResumeThenResume(t *testing.T) {
	h := newAPI(t)
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Denial(0.9))
	rec := h.do(t, http.MethodPost, "/v1/inbound", trigger.InboundMessage{CaseID: c.ID, Body: "Denied."})
	require.Equal(t, http.StatusAccepted, rec.Code)
	proposalID, _ := decodeBody(t, rec)["proposal_id"].(string)

	rec = h.do(t, http.MethodPost, "/v1/proposals/"+proposalID+"/decision", map[string]interface{}{
		"action": "DISMISS", "resume": false,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	p, err := h.Proposals.Get(context.Background(), proposalID)
	require.NoError(t, err)
	require.NotNil(t, p.Decision)
	assert.Equal(t, "ana", p.Decision.DecidedBy, "operator from the API key")

	rec = h.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(agent.RunCompleted), decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no active proposal left")
}

func TestDecisionValidation(t *testing.T) {
	h := newAPI(t)
	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown action", "/v1/proposals/prop_x/decision", map[string]string{"action": "SHRUG"}, http.StatusBadRequest},
		{"adjust without instruction", "/v1/proposals/prop_x/decision", map[string]string{"action": "ADJUST"}, http.StatusBadRequest},
		{"unknown proposal", "/v1/proposals/prop_x/decision", map[string]string{"action": "APPROVE"}, http.StatusNotFound},
		{"unknown case run", "/v1/cases/case_missing/run", nil, http.StatusNotFound},
		{"bad trigger", "/v1/cases/case_missing/run", map[string]string{"trigger": "telepathy"}, http.StatusBadRequest},
		{"resume unknown case", "/v1/cases/case_missing/resume", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestEscalationListAndResolve(t *testing.T) {
	h := newAPI(t)
	threshold := 100.0
	c := h.CreateCase(t, func(c *cases.Case) { c.FeeThreshold = &threshold })
	h.classifier.Returns(testutil.FeeNotice(500, 0.95))
	h.AddInbound(t, c.ID, "Processing will cost $500.")

	rec := h.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/run", map[string]string{"trigger": "manual_review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decodeBody(t, h.do(t, http.MethodGet, "/v1/escalations?status=pending", nil))
	require.EqualValues(t, 1, list["count"])
	items, _ := list["escalations"].([]interface{})
	esc, _ := items[0].(map[string]interface{})
	id, _ := esc["id"].(string)
	assert.Equal(t, c.ID, esc["case_id"])

	rec = h.do(t, http.MethodPost, "/v1/escalations/"+id+"/resolve", map[string]string{"note": "fee approved by finance"})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decodeBody(t, rec)
	assert.Equal(t, "ana", resolved["resolved_by"])

	again := h.do(t, http.MethodPost, "/v1/escalations/"+id+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	got, err := h.Cases.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, got.RequiresHuman)
}

func TestCaseActivityAndRuns(t *testing.T) {
	h := newAPI(t)
	c := h.CreateCase(t, nil)
	h.classifier.Returns(testutil.Acknowledgment())
	h.AddInbound(t, c.ID, "We received your request.")

	rec := h.do(t, http.MethodPost, "/v1/cases/"+c.ID+"/run", map[string]string{"trigger": "agency_reply"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	runs := decodeBody(t, h.do(t, http.MethodGet, "/v1/cases/"+c.ID+"/runs", nil))
	assert.EqualValues(t, 1, runs["count"])

	activity := h.do(t, http.MethodGet, "/v1/cases/"+c.ID+"/activity", nil)
	assert.Equal(t, http.StatusOK, activity.Code)
	missing := h.do(t, http.MethodGet, "/v1/cases/case_missing/activity", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestOutboxDisabled(t *testing.T) {
	h := newAPI(t)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/outbox", nil).Code)
}
