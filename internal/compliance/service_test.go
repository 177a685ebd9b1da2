package compliance

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

type recordingExtractor struct {
	got []session.Signals
}

func (e *recordingExtractor) Extract(_ context.Context, sig session.Signals) session.Context {
	e.got = append(e.got, sig)
	return session.Context{
		SessionID: sig.SessionID,
		Tool:      session.NormalizeTool(sig.ToolName),
		Target:    sig.TargetPath,
		Command:   sig.Command,
		Phase:     "foundation",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type stubGate struct {
	delay     time.Duration
	overrides []string
}

func (g *stubGate) Evaluate(_ context.Context, sc session.Context) (*gate.Verdict, error) {
	time.Sleep(g.delay)
	return &gate.Verdict{EvaluationID: "ev-1", Decision: gate.DecisionAllow, Context: sc}, nil
}

func (g *stubGate) Override(_ context.Context, id, reason string) (*gate.OverrideResult, error) {
	g.overrides = append(g.overrides, id+"|"+reason)
	return &gate.OverrideResult{EvaluationID: id, Decision: gate.DecisionAllow, Reason: reason}, nil
}

type staticRules []*rules.Rule

func (s staticRules) Live() []*rules.Rule { return s }

func TestRequestSignals(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want session.Signals
	}{
		{
			name: "explicit fields win",
			req: Request{
				Tool: "Edit", Target: "src/a.go", SessionID: "s1",
				Signals: session.Signals{ToolName: "Read", TargetPath: "b.go", Messages: []string{"hi"}},
			},
			want: session.Signals{ToolName: "Edit", TargetPath: "src/a.go", SessionID: "s1", Messages: []string{"hi"}},
		},
		{
			name: "shell target becomes the command",
			req:  Request{Tool: "Bash", Target: "rm -rf build"},
			want: session.Signals{ToolName: "Bash", Command: "rm -rf build"},
		},
		{
			name: "shell command kept",
			req:  Request{Tool: "Bash", Command: "go test ./...", WorkDir: "/proj"},
			want: session.Signals{ToolName: "Bash", Command: "go test ./...", WorkDir: "/proj"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.signals())
		})
	}
}

func TestServiceEvaluate(t *testing.T) {
	ext := &recordingExtractor{}
	svc := NewService(ServiceConfig{Extractor: ext, Gate: &stubGate{}, Rules: staticRules{}})

	v, err := svc.Evaluate(context.Background(), Request{Tool: "Write", Target: "main.go", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, gate.DecisionAllow, v.Decision)
	assert.Equal(t, session.ToolWrite, v.Context.Tool)
	require.Len(t, ext.got, 1)
	assert.Equal(t, "main.go", ext.got[0].TargetPath)

	_, err = svc.Evaluate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyRequest)
	assert.Len(t, ext.got, 1, "empty request is not extracted")
}

func TestServiceEvaluateLogsBudgetOverrun(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc := NewService(ServiceConfig{
		Extractor: &recordingExtractor{},
		Gate:      &stubGate{delay: 5 * time.Millisecond},
		Rules:     staticRules{},
		Budget:    time.Millisecond,
		Logger:    logger,
	})

	_, err := svc.Evaluate(context.Background(), Request{Tool: "Edit", Target: "a.go"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "evaluation exceeded budget")
}

func TestServiceOverrideTrimsInput(t *testing.T) {
	g := &stubGate{}
	svc := NewService(ServiceConfig{Extractor: &recordingExtractor{}, Gate: g, Rules: staticRules{}})

	res, err := svc.Override(context.Background(), " ev-1 ", "  hotfix approved  ")
	require.NoError(t, err)
	assert.Equal(t, "hotfix approved", res.Reason)
	assert.Equal(t, []string{"ev-1|hotfix approved"}, g.overrides)
}

func TestServiceRelevantRules(t *testing.T) {
	rs := staticRules{
		{ID: "R-0001", AlertLevel: rules.LevelCritical, Phases: []string{"foundation"}, Status: rules.StatusActive},
		{ID: "R-0002", AlertLevel: rules.LevelAdvisory, Phases: []string{"release"}, Status: rules.StatusActive},
		{ID: "R-0003", AlertLevel: rules.LevelInfo, Phases: []string{"foundation"}, Status: rules.StatusArchived},
	}
	svc := NewService(ServiceConfig{Extractor: &recordingExtractor{}, Gate: &stubGate{}, Rules: rs})

	sc, got, err := svc.RelevantRules(context.Background(), Request{Tool: "Edit", Target: "a.go"})
	require.NoError(t, err)
	assert.Equal(t, "foundation", sc.Phase)
	require.Len(t, got, 1)
	assert.Equal(t, "R-0001", got[0].Rule.ID)
	assert.InDelta(t, 0.6, got[0].Score, 1e-9)
	assert.Zero(t, rs[0].UsageCount, "listing does not record usage")
}
