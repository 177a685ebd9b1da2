package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/maintenance"
	"github.com/josephgoksu/rulegate/internal/metrics"
	"github.com/josephgoksu/rulegate/internal/rules"
)

type fakeService struct {
	lastReq     compliance.Request
	overrideErr error
}

func (f *fakeService) Evaluate(_ context.Context, req compliance.Request) (*gate.Verdict, error) {
	f.lastReq = req
	if req.Tool == "" && req.Target == "" && req.Command == "" {
		return nil, compliance.ErrEmptyRequest
	}
	return &gate.Verdict{EvaluationID: "ev-1", Decision: gate.DecisionBlock, State: gate.StateBlock}, nil
}

func (f *fakeService) Override(_ context.Context, id, reason string) (*gate.OverrideResult, error) {
	if f.overrideErr != nil {
		return nil, f.overrideErr
	}
	return &gate.OverrideResult{EvaluationID: id, Decision: gate.DecisionAllow, Reason: reason}, nil
}

type fakeRules []*rules.Rule

func (f fakeRules) List() []*rules.Rule { return f }

func (f fakeRules) Get(id string) (*rules.Rule, bool) {
	for _, r := range f {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

type fakeReporter struct{}

func (fakeReporter) Analyze(context.Context) (*maintenance.Report, error) {
	return &maintenance.Report{Rules: 2}, nil
}

type fakeEvents struct {
	got audit.Filter
}

func (f *fakeEvents) Events(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	f.got = filter
	return []audit.Event{{ID: "e1", RuleID: "R-0001", Verdict: audit.VerdictViolated}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeService, *fakeEvents) {
	t.Helper()
	svc := &fakeService{}
	events := &fakeEvents{}
	s := New(Config{
		Host:    "127.0.0.1",
		Port:    0,
		Service: svc,
		Rules: fakeRules{
			{ID: "R-0001", AlertLevel: rules.LevelCritical, Status: rules.StatusActive},
			{ID: "R-0002", AlertLevel: rules.LevelAdvisory, Status: rules.StatusActive, Flags: []string{rules.FlagStale}},
			{ID: "R-0003", AlertLevel: rules.LevelInfo, Status: rules.StatusArchived},
		},
		Maintenance: fakeReporter{},
		Events:      events,
		Metrics:     metrics.NewRegistry().Handler(),
		Origins:     []string{"http://localhost:3000"},
	})
	return s, svc, events
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleEvaluate(t *testing.T) {
	s, svc, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/evaluate", `{"tool":"Edit","target":"src/app.go","sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var v gate.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, gate.DecisionBlock, v.Decision)
	assert.Equal(t, "src/app.go", svc.lastReq.Target)
	assert.Equal(t, "s1", svc.lastReq.SessionID)

	rec = do(t, s, http.MethodPost, "/api/evaluate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/evaluate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")
}

func TestHandleOverride(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"ok", `{"evaluationId":"ev-1","reason":"spike"}`, nil, http.StatusOK},
		{"missing id", `{"reason":"spike"}`, nil, http.StatusBadRequest},
		{"missing reason", `{"evaluationId":"ev-1"}`, gate.ErrOverrideReason, http.StatusBadRequest},
		{"unknown evaluation", `{"evaluationId":"nope","reason":"x"}`, gate.ErrEvaluationNotFound, http.StatusNotFound},
		{"not blocked", `{"evaluationId":"ev-1","reason":"x"}`, gate.ErrNotBlocked, http.StatusConflict},
		{"already overridden", `{"evaluationId":"ev-1","reason":"x"}`, gate.ErrAlreadyOverridden, http.StatusConflict},
		{"storage", `{"evaluationId":"ev-1","reason":"x"}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, svc, _ := newTestServer(t)
			svc.overrideErr = tt.err
			rec := do(t, s, http.MethodPost, "/api/override", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				var e ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
				assert.NotEmpty(t, e.Error)
			}
		})
	}
}

func TestHandleRules(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"R-0001", "R-0002", "R-0003"}},
		{"?status=active", []string{"R-0001", "R-0002"}},
		{"?level=critical", []string{"R-0001"}},
		{"?flag=stale", []string{"R-0002"}},
		{"?status=stale", []string{}},
	}
	for _, tt := range tests {
		rec := do(t, s, http.MethodGet, "/api/rules"+tt.query, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp RulesResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		ids := []string{}
		for _, r := range resp.Rules {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, tt.want, ids, tt.query)
		assert.Equal(t, len(tt.want), resp.Total)
	}

	rec := do(t, s, http.MethodGet, "/api/rules/R-0002", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"R-0002"`)

	rec = do(t, s, http.MethodGet, "/api/rules/R-9999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMaintenance(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/maintenance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rules":2`)
}

func TestHandleAuditEvents(t *testing.T) {
	s, _, events := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/audit/events?rule=R-0001&verdict=violated&since=2026-03-01T00:00:00Z&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "R-0001", events.got.RuleID)
	assert.Equal(t, audit.VerdictViolated, events.got.Verdict)
	assert.Equal(t, 5, events.got.Limit)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), events.got.Since.UTC())

	var got []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 1)

	rec = do(t, s, http.MethodGet, "/api/audit/events?limit=100000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultEventLimit, events.got.Limit)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/audit/events?verdict=maybe", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/audit/events?since=yesterday", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/rules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/rules", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAddr(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 7777})
	assert.Equal(t, "127.0.0.1:7777", s.Addr())
}
