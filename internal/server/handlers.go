package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/rules"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 1 << 20
)

// handleEvaluate
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.svc.Evaluate(r.Context(), req)
	if err != nil {
		if errors.Is(err, compliance.ErrEmptyRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("evaluate failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIJSON(w, http.StatusOK, v)
}

// handleOverride
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EvaluationID) == "" {
		writeError(w, http.StatusBadRequest, "evaluationId is required")
		return
	}
	res, err := s.svc.Override(r.Context(), req.EvaluationID, req.Reason)
	switch {
	case err == nil:
		writeAPIJSON(w, http.StatusOK, res)
	case errors.Is(err, gate.ErrOverrideReason):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gate.ErrEvaluationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gate.ErrNotBlocked), errors.Is(err, gate.ErrAlreadyOverridden):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("override failed", "evaluation", req.EvaluationID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleListRules filters by ?status=, ?level= and ?flag=.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := rules.Status(q.Get("status"))
	level := rules.AlertLevel(strings.ToUpper(q.Get("level")))
	flag := q.Get("flag")

	out := []*rules.Rule{}
	for _, rule := range s.rules.List() {
		if status != "" && rule.Status != status {
			continue
		}
		if level != "" && rule.AlertLevel != level {
			continue
		}
		if flag != "" && !rule.HasFlag(flag) {
			continue
		}
		out = append(out, rule)
	}
	writeAPIJSON(w, http.StatusOK, RulesResponse{Total: len(out), Rules: out})
}

// handleGetRule
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	rule, ok := s.rules.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeAPIJSON(w, http.StatusOK, rule)
}

// handleMaintenance computes the report without applying flags.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.maintenance.Analyze(r.Context())
	if err != nil {
		s.logger.Error("maintenance report failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIJSON(w, http.StatusOK, report)
}

// handleAuditEvents
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		RuleID:       q.Get("rule"),
		SessionID:    q.Get("session"),
		EvaluationID: q.Get("evaluation"),
		Verdict:      audit.Verdict(strings.ToUpper(q.Get("verdict"))),
		Limit:        defaultEventLimit,
	}
	if f.Verdict != "" && !f.Verdict.Valid() {
		writeError(w, http.StatusBadRequest, "unknown verdict "+string(f.Verdict))
		return
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxEventLimit {
			f.Limit = l
		}
	}

	events, err := s.events.Events(r.Context(), f)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeAPIJSON(w, http.StatusOK, events)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeAPIJSON(w, status, ErrorResponse{Error: msg})
}

func writeAPIJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
