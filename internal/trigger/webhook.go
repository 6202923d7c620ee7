package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/screen"
)

// ErrEmptyBody is returned when an inbound body has no text once markup is
// stripped.
var ErrEmptyBody = errors.New("inbound body has no text")

// MessageStore is the part of the case store the inbound handler writes to.
type MessageStore interface {
	Get(ctx context.Context, id string) (*cases.Case, error)
	AddMessage(ctx context.Context, m *cases.Message) error
	LogActivity(ctx context.Context, caseID, eventType, description string) error
}

// InboundHandler accepts agency replies, stores them and runs the agent.
type InboundHandler struct {
	runner   CaseRunner
	messages MessageStore
	scanner  *screen.Scanner
}

// NewInboundHandler creates the handler.
func NewInboundHandler(runner CaseRunner, messages MessageStore) *InboundHandler {
	return &InboundHandler{runner: runner, messages: messages, scanner: screen.NewScanner()}
}

// InboundMessage is the JSON body of POST /v1/inbound.
type InboundMessage struct {
	CaseID     string    `json:"case_id"`
	From       string    `json:"from,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// inboundResponse is the JSON response for an inbound message.
type inboundResponse struct {
	Status     string `json:"status"`
	MessageID  string `json:"message_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	RunStatus  string `json:"run_status,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Accept stores msg and runs the agent for it. The message is kept even when
// the run fails so a retry can pick it up as the latest inbound. HTML bodies
// are reduced to text first; suspected prompt injection is logged on the case
// and the run proceeds, since the classifier fences the reply.
func (h *InboundHandler) Accept(ctx context.Context, in InboundMessage) (*cases.Message, *agent.Result, error) {
	if _, err := h.messages.Get(ctx, in.CaseID); err != nil {
		return nil, nil, err
	}
	m := &cases.Message{
		CaseID:     in.CaseID,
		Direction:  cases.Inbound,
		From:       in.From,
		Subject:    in.Subject,
		Body:       screen.Normalize(in.Body),
		ReceivedAt: in.ReceivedAt,
	}
	if m.Body == "" {
		return nil, nil, ErrEmptyBody
	}
	// A receipt time in the future would outrank every later decision.
	if now := time.Now().UTC(); m.ReceivedAt.IsZero() || m.ReceivedAt.After(now) {
		m.ReceivedAt = now
	}
	if err := h.messages.AddMessage(ctx, m); err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("case_id", in.CaseID).
		Str("message_id", m.ID).
		Msg("inbound_message_stored")

	if scan := h.scanner.Scan(ctx, m.Body); !scan.Safe {
		names := strings.Join(scan.Patterns(), ", ")
		log.Warn().
			Str("case_id", in.CaseID).
			Str("message_id", m.ID).
			Int("max_severity", scan.MaxSeverity).
			Str("patterns", names).
			Msg("inbound_injection_suspected")
		if err := h.messages.LogActivity(ctx, in.CaseID, cases.EventInboundFlagged,
			fmt.Sprintf("message %s matched %s", m.ID, names)); err != nil {
			log.Warn().Err(err).Str("case_id", in.CaseID).Msg("activity_log_failed")
		}
	}

	res, err := h.runner.Run(ctx, agent.Trigger{CaseID: in.CaseID, Type: agent.TriggerAgencyReply, MessageID: m.ID})
	return m, res, err
}

// HandleInbound processes POST /v1/inbound.
func (h *InboundHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var in InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(inboundResponse{Status: "error", Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(in.CaseID) == "" || strings.TrimSpace(in.Body) == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(inboundResponse{Status: "error", Error: "case_id and body are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	m, res, err := h.Accept(ctx, in)
	if errors.Is(err, ErrEmptyBody) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(inboundResponse{Status: "error", Error: err.Error()})
		return
	}
	if errors.Is(err, cases.ErrCaseNotFound) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(inboundResponse{Status: "error", Error: err.Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("case_id", in.CaseID).Msg("inbound_run_failed")
		resp := inboundResponse{Status: "error", Error: err.Error()}
		if m != nil {
			resp.MessageID = m.ID
		}
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	resp := inboundResponse{Status: "ok", MessageID: m.ID}
	if res != nil {
		resp.RunID = res.RunID
		resp.RunStatus = string(res.Status)
		resp.ProposalID = res.ProposalID
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}
