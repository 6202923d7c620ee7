package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/gate"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/transport"
)

const runTimeout = 30 * time.Minute

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeStoreError maps package sentinels to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cases.ErrCaseNotFound),
		errors.Is(err, cases.ErrMessageNotFound),
		errors.Is(err, proposal.ErrProposalNotFound),
		errors.Is(err, escalation.ErrEscalationNotFound),
		errors.Is(err, evidence.ErrDecisionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, proposal.ErrProposalNotPending),
		errors.Is(err, proposal.ErrNoDecision),
		errors.Is(err, proposal.ErrActiveProposal),
		errors.Is(err, escalation.ErrAlreadyResolved),
		errors.Is(err, agent.ErrRunInProgress):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, gate.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"case_store":   "ok",
			"decision_log": "ok",
		}
		if s.outbox == nil {
			components["outbox"] = "disabled"
		} else {
			components["outbox"] = "ok"
		}
		if s.limiter == nil {
			components["rate_limit"] = "disabled"
		} else {
			components["rate_limit"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type caseCreateRequest struct {
	AgencyName    string     `json:"agency_name"`
	AgencyEmail   string     `json:"agency_email"`
	Subject       string     `json:"subject"`
	RequestText   string     `json:"request_text"`
	AutopilotMode string     `json:"autopilot_mode"`
	FeeThreshold  *float64   `json:"fee_threshold"`
	DeadlineAt    *time.Time `json:"deadline_at"`
}

func (s *Server) handleCaseCreate(w http.ResponseWriter, r *http.Request) {
	var req caseCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.AgencyName) == "" || strings.TrimSpace(req.RequestText) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agency_name and request_text are required")
		return
	}
	c := &cases.Case{
		AgencyName:   req.AgencyName,
		AgencyEmail:  req.AgencyEmail,
		Subject:      req.Subject,
		RequestText:  req.RequestText,
		Status:       cases.StatusSent,
		FeeThreshold: req.FeeThreshold,
		DeadlineAt:   req.DeadlineAt,
	}
	if req.AutopilotMode != "" {
		mode, err := cases.ParseAutopilotMode(req.AutopilotMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		c.AutopilotMode = mode
	}
	next := time.Now().UTC().AddDate(0, 0, s.svc.Runner.Policy().Followups.IntervalDays)
	c.NextFollowupAt = &next

	if err := s.svc.Cases.Create(r.Context(), c); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleCaseList(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Cases.List(r.Context(), cases.Status(r.URL.Query().Get("status")), queryLimit(r, 50))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": list, "count": len(list)})
}

func (s *Server) handleCaseGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Cases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCaseActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Cases.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := s.svc.Cases.ListActivity(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": entries, "count": len(entries)})
}

func (s *Server) handleCaseRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.Runner.Runs().ListRuns(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 20))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (s *Server) handleReviewState(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Review.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type caseRunRequest struct {
	Trigger     string `json:"trigger"`
	MessageID   string `json:"message_id"`
	Instruction string `json:"instruction"`
}

func (s *Server) handleCaseRun(w http.ResponseWriter, r *http.Request) {
	var req caseRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
			return
		}
	}
	t := agent.Trigger{CaseID: chi.URLParam(r, "id"), Type: agent.TriggerManualReview, MessageID: req.MessageID, Instruction: req.Instruction}
	if req.Trigger != "" {
		tt, err := agent.ParseTriggerType(req.Trigger)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		t.Type = tt
	}
	if _, err := s.svc.Cases.Get(r.Context(), t.CaseID); err != nil {
		writeStoreError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()
	res, err := s.svc.Runner.Run(ctx, t)
	if err != nil {
		log.Error().Err(err).Str("case_id", t.CaseID).Str("trigger", string(t.Type)).Msg("api_run_failed")
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCaseResume(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()
	res, err := s.svc.Runner.Resume(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProposalsPending(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Proposals.ListPending(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": list, "count": len(list)})
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Proposals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	Action      string `json:"action"`
	Instruction string `json:"instruction"`
	DecidedBy   string `json:"decided_by"`
	// Resume applies the decision right away; defaults to true.
	Resume *bool `json:"resume"`
}

func (s *Server) handleProposalDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	action, err := proposal.ParseDecisionAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if action == proposal.DecisionAdjust && strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ADJUST requires an instruction")
		return
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = OperatorFromContext(r.Context())
	}

	p, err := s.svc.Proposals.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	err = s.svc.Proposals.RecordDecision(r.Context(), id, proposal.HumanDecision{
		Action:      action,
		Instruction: req.Instruction,
		DecidedBy:   decidedBy,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := map[string]interface{}{"proposal_id": id, "case_id": p.CaseID, "decision": action}
	if req.Resume != nil && !*req.Resume {
		resp["status"] = "decision_recorded"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()
	res, err := s.svc.Runner.Resume(ctx, p.CaseID)
	if errors.Is(err, agent.ErrRunInProgress) {
		// The decision stays recorded; POST /v1/cases/{id}/resume applies it later.
		resp["status"] = "decision_recorded"
		resp["message"] = err.Error()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("proposal_id", id).Str("case_id", p.CaseID).Msg("api_resume_failed")
		writeStoreError(w, err)
		return
	}
	resp["status"] = "applied"
	resp["result"] = res
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscalationsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		list []*escalation.Escalation
		err  error
	)
	if caseID := r.URL.Query().Get("case_id"); caseID != "" {
		list, err = s.svc.Escalations.Store().ListForCase(ctx, caseID)
	} else {
		list, err = s.svc.Escalations.List(ctx, escalation.Status(r.URL.Query().Get("status")), queryLimit(r, 100))
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": list, "count": len(list)})
}

type resolveRequest struct {
	Note       string `json:"note"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleEscalationResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
			return
		}
	}
	by := req.ResolvedBy
	if by == "" {
		by = OperatorFromContext(r.Context())
	}
	e, err := s.svc.Escalations.Resolve(r.Context(), chi.URLParam(r, "id"), by, req.Note)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDecisionsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		list []evidence.Decision
		err  error
	)
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		list, err = s.svc.Decisions.ListForRun(ctx, runID)
	} else {
		list, err = s.svc.Decisions.List(ctx, r.URL.Query().Get("case_id"), queryLimit(r, 50))
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": list, "count": len(list)})
}

func (s *Server) handleDecisionGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Decisions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDecisionVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.svc.Decisions.Verify(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleOutboxList(w http.ResponseWriter, r *http.Request) {
	if s.outbox == nil {
		writeError(w, http.StatusNotFound, "not_found", "outbox is not enabled")
		return
	}
	var (
		list []transport.Queued
		err  error
	)
	if r.URL.Query().Get("due") == "true" {
		list, err = s.outbox.ListDue(r.Context(), time.Now().UTC())
	} else {
		list, err = s.outbox.ListPending(r.Context(), queryLimit(r, 100))
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": list, "count": len(list)})
}
