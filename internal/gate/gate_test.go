package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/metrics"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/scoring"
	"github.com/josephgoksu/rulegate/internal/session"
	"github.com/josephgoksu/rulegate/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memRules is an in-memory RuleSource applying the registry's EMA update.
type memRules struct {
	mu    sync.Mutex
	rules []*rules.Rule
	calls int
	fail  bool
}

func (m *memRules) Live() []*rules.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rules.Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Clone()
	}
	return out
}

func (m *memRules) UpdateComplianceScores(_ context.Context, outcomes []rules.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return store.NewStorageError("registry", "save", errors.New("database is locked"))
	}
	for _, o := range outcomes {
		for _, r := range m.rules {
			if r.ID == o.RuleID {
				r.ComplianceScore = r.ComplianceScore*0.8 + float64(o.Value)*0.2
			}
		}
	}
	return nil
}

func (m *memRules) score(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			return r.ComplianceScore
		}
	}
	return -1
}

// memAudit is an in-memory AuditSink with the store's uniqueness rules.
type memAudit struct {
	mu      sync.Mutex
	records map[string]*audit.Record
	fail    bool
}

func newMemAudit() *memAudit {
	return &memAudit{records: make(map[string]*audit.Record)}
}

func (m *memAudit) Append(_ context.Context, b audit.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := b.Validate(); err != nil {
		return err
	}
	if m.fail {
		return store.NewStorageError("audit", "append", errors.New("disk full"))
	}
	rec := m.records[b.Summary.EvaluationID]
	s := b.Summary
	switch s.Kind {
	case audit.KindEvaluation:
		if rec != nil {
			return audit.ErrDuplicate
		}
		rec = &audit.Record{Evaluation: &s}
		m.records[s.EvaluationID] = rec
	case audit.KindOverride:
		if rec == nil {
			rec = &audit.Record{}
			m.records[s.EvaluationID] = rec
		}
		if rec.Override != nil {
			return audit.ErrDuplicate
		}
		rec.Override = &s
	}
	rec.Events = append(rec.Events, b.Events...)
	return nil
}

func (m *memAudit) Lookup(_ context.Context, id string) (*audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, audit.ErrNotFound
	}
	cp := *rec
	cp.Events = append([]audit.Event(nil), rec.Events...)
	return &cp, nil
}

type failingRecorder struct{}

func (failingRecorder) RecordUsage(context.Context, []string, time.Time) error {
	return store.NewStorageError("registry", "record usage", errors.New("database is locked"))
}

type testGate struct {
	gate  *Gate
	rules *memRules
	audit *memAudit
	fs    afero.Fs
}

type gateOption func(*Config)

func newTestGate(t *testing.T, rs []*rules.Rule, opts ...gateOption) *testGate {
	t.Helper()
	fs := afero.NewMemMapFs()
	checks, err := DefaultChecks(ChecksConfig{})
	require.NoError(t, err)
	tg := &testGate{rules: &memRules{rules: rs}, audit: newMemAudit(), fs: fs}
	cfg := Config{
		Rules:        tg.rules,
		Ranker:       scoring.NewScorer(scoring.Config{}),
		Audit:        tg.audit,
		Checks:       checks,
		Fs:           fs,
		Root:         root,
		CheckTimeout: time.Second,
		Metrics:      metrics.NewRegistry(),
		Clock:        func() time.Time { return t0 },
	}
	for _, o := range opts {
		o(&cfg)
	}
	tg.gate = New(cfg)
	return tg
}

func foundationRule(id string, level rules.AlertLevel, check string, args ...string) *rules.Rule {
	return &rules.Rule{
		ID:         id,
		Content:    "rule " + id,
		Section:    "Rules",
		AlertLevel: level,
		Tags:       []string{"testing"},
		Phases:     []string{"foundation"},
		Check:      check,
		CheckArgs:  args,
		Status:     rules.StatusActive,
	}
}

func editContext(target string) session.Context {
	return session.Context{
		SessionID:  "s-1",
		Tool:       session.ToolEdit,
		Target:     target,
		IntentTags: []string{"testing"},
		Phase:      "foundation",
		Timestamp:  t0,
	}
}

func TestEvaluateBlockThenOverride(t *testing.T) {
	rule := foundationRule("R-0001", rules.LevelCritical, rules.CheckTestsExist)
	rule.Content = "Tests must exist before implementation."
	tg := newTestGate(t, []*rules.Rule{rule})
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))
	ctx := context.Background()

	v, err := tg.gate.Evaluate(ctx, editContext("pkg/widget.go"))
	require.NoError(t, err)

	require.Len(t, v.Lines, 1)
	line := v.Lines[0]
	assert.InDelta(t, 0.8, line.Score, 1e-9)
	assert.Equal(t, DecisionBlock, v.Decision)
	assert.Equal(t, StateBlock, v.State)
	assert.Equal(t, TierBlock, line.Tier)
	assert.Equal(t, audit.VerdictViolated, line.Outcome)
	assert.Equal(t, "add pkg/widget_test.go", line.SuggestedAction)
	assert.Empty(t, v.Warnings)

	rec, err := tg.audit.Lookup(ctx, v.EvaluationID)
	require.NoError(t, err)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, "R-0001", rec.Events[0].RuleID)
	assert.Equal(t, audit.VerdictViolated, rec.Events[0].Verdict)
	assert.Equal(t, "BLOCK", rec.Evaluation.Decision)
	assert.Equal(t, 1, rec.Evaluation.ViolationCount)

	scoreAfterBlock := tg.rules.score("R-0001")
	assert.InDelta(t, 0.0, scoreAfterBlock, 1e-9)

	res, err := tg.gate.Override(ctx, v.EvaluationID, "prototype spike, tests follow")
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Equal(t, []string{"R-0001"}, res.Overridden)

	rec, err = tg.audit.Lookup(ctx, v.EvaluationID)
	require.NoError(t, err)
	require.NotNil(t, rec.Override)
	assert.Equal(t, "ALLOW", rec.Override.Decision)
	var overridden []audit.Event
	for _, e := range rec.Events {
		if e.Verdict == audit.VerdictOverridden {
			overridden = append(overridden, e)
		}
	}
	require.Len(t, overridden, 1)
	assert.Equal(t, "R-0001", overridden[0].RuleID)
	assert.Equal(t, "prototype spike, tests follow", overridden[0].Note)
	assert.Equal(t, scoreAfterBlock, tg.rules.score("R-0001"))
	assert.Equal(t, 1, tg.rules.calls, "override must not touch compliance scores")

	_, err = tg.gate.Override(ctx, v.EvaluationID, "again")
	assert.ErrorIs(t, err, ErrAlreadyOverridden)
}

func TestEvaluateAllowsWhenChecksPass(t *testing.T) {
	tg := newTestGate(t, []*rules.Rule{foundationRule("R-0001", rules.LevelCritical, rules.CheckTestsExist)})
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget_test.go", []byte("package pkg\n"), 0o644))

	v, err := tg.gate.Evaluate(context.Background(), editContext("pkg/widget.go"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, v.Decision)
	assert.Equal(t, StateAllow, v.State)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, audit.VerdictFollowed, v.Lines[0].Outcome)
	assert.Equal(t, TierInform, v.Lines[0].Tier)
	assert.InDelta(t, 0.2, tg.rules.score("R-0001"), 1e-9)
}

func TestEvaluateTiers(t *testing.T) {
	below := foundationRule("R-0005", rules.LevelCritical, rules.CheckTestsExist)
	below.Phases = nil
	below.Tags = nil
	tg := newTestGate(t, []*rules.Rule{
		foundationRule("R-0001", rules.LevelAdvisory, rules.CheckTestsExist),
		foundationRule("R-0002", rules.LevelInfo, ""),
		foundationRule("R-0003", rules.LevelCritical, ""),
		foundationRule("R-0004", rules.LevelCritical, rules.CheckBackupExists),
		below,
	})
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go.bak", []byte("package pkg\n"), 0o644))

	v, err := tg.gate.Evaluate(context.Background(), editContext("pkg/widget.go"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, v.Decision, "advisory violations never block")

	got := map[string]Line{}
	for _, l := range v.Lines {
		got[l.RuleID] = l
	}
	require.Len(t, got, 4, "rule below the floor is not evaluated")
	assert.Equal(t, TierWarn, got["R-0001"].Tier)
	assert.Equal(t, audit.VerdictViolated, got["R-0001"].Outcome)
	assert.Equal(t, TierInform, got["R-0002"].Tier)
	assert.Equal(t, audit.VerdictFollowed, got["R-0002"].Outcome)
	assert.Equal(t, audit.VerdictSkipped, got["R-0003"].Outcome)
	assert.Equal(t, audit.VerdictFollowed, got["R-0004"].Outcome)

	// Critical lines come first.
	assert.Equal(t, rules.LevelCritical, rules.AlertLevel(v.Lines[0].AlertLevel))
	assert.Equal(t, rules.LevelInfo, rules.AlertLevel(v.Lines[len(v.Lines)-1].AlertLevel))

	// SKIPPED carries no compliance signal.
	assert.InDelta(t, 0.0, tg.rules.score("R-0003"), 1e-9)
	assert.InDelta(t, 0.2, tg.rules.score("R-0002"), 1e-9)
	assert.InDelta(t, 0.0, tg.rules.score("R-0001"), 1e-9)
	assert.InDelta(t, 0.2, tg.rules.score("R-0004"), 1e-9)
}

func TestEvaluateBlocksIffCriticalViolated(t *testing.T) {
	levels := []rules.AlertLevel{rules.LevelCritical, rules.LevelAdvisory, rules.LevelInfo}
	outcomes := []bool{true, false}

	// Every combination of two rules, each with a level and a pass/fail check.
	for _, l1 := range levels {
		for _, l2 := range levels {
			for _, p1 := range outcomes {
				for _, p2 := range outcomes {
					name := fmt.Sprintf("%s-%t/%s-%t", l1, p1, l2, p2)
					t.Run(name, func(t *testing.T) {
						r1 := foundationRule("R-0001", l1, "fixed_a")
						r2 := foundationRule("R-0002", l2, "fixed_b")
						tg := newTestGate(t, []*rules.Rule{r1, r2})
						tg.gate.checks.Register("fixed_a", fixedCheck(p1))
						tg.gate.checks.Register("fixed_b", fixedCheck(p2))

						v, err := tg.gate.Evaluate(context.Background(), editContext("a.go"))
						require.NoError(t, err)

						want := (l1 == rules.LevelCritical && !p1) || (l2 == rules.LevelCritical && !p2)
						assert.Equal(t, want, v.Blocked())

						rec, err := tg.audit.Lookup(context.Background(), v.EvaluationID)
						require.NoError(t, err)
						assert.Len(t, rec.Events, 2, "one event per evaluated rule")
						assert.Equal(t, 2, rec.Evaluation.RuleCount)
					})
				}
			}
		}
	}
}

func fixedCheck(pass bool) Check {
	return CheckFunc(func(context.Context, CheckInput) (CheckResult, error) {
		if pass {
			return passed("ok"), nil
		}
		return failed("nope", "fix it"), nil
	})
}

func TestEvaluateCheckFailures(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tests := []struct {
		name     string
		level    rules.AlertLevel
		check    Check
		category string
		wantNote string
		wantTier Tier
		block    bool
	}{
		{
			name:     "critical timeout blocks",
			level:    rules.LevelCritical,
			category: "slow",
			check: CheckFunc(func(context.Context, CheckInput) (CheckResult, error) {
				<-release
				return passed("late"), nil
			}),
			wantNote: "timed out",
			wantTier: TierBlock,
			block:    true,
		},
		{
			name:     "critical error blocks",
			level:    rules.LevelCritical,
			category: "broken",
			check: CheckFunc(func(context.Context, CheckInput) (CheckResult, error) {
				return CheckResult{}, errors.New("linter crashed")
			}),
			wantNote: "linter crashed",
			wantTier: TierBlock,
			block:    true,
		},
		{
			name:     "advisory error warns",
			level:    rules.LevelAdvisory,
			category: "broken",
			check: CheckFunc(func(context.Context, CheckInput) (CheckResult, error) {
				return CheckResult{}, errors.New("linter crashed")
			}),
			wantNote: "unavailable",
			wantTier: TierWarn,
		},
		{
			name:     "unknown category blocks",
			level:    rules.LevelCritical,
			category: "lint_clean",
			wantNote: "unknown check category",
			wantTier: TierBlock,
			block:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGate(t, []*rules.Rule{foundationRule("R-0001", tt.level, tt.category)},
				func(c *Config) { c.CheckTimeout = 20 * time.Millisecond })
			if tt.check != nil {
				tg.gate.checks.Register(tt.category, tt.check)
			}

			v, err := tg.gate.Evaluate(context.Background(), editContext("a.go"))
			require.NoError(t, err)
			require.Len(t, v.Lines, 1)
			assert.Equal(t, audit.VerdictViolated, v.Lines[0].Outcome)
			assert.Equal(t, tt.wantTier, v.Lines[0].Tier)
			assert.Contains(t, v.Lines[0].Note, tt.wantNote)
			assert.Equal(t, tt.block, v.Blocked())
		})
	}
}

func TestEvaluateStorageFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(tg *testGate)
		opts  []gateOption
	}{
		{
			name:  "audit unavailable",
			setup: func(tg *testGate) { tg.audit.fail = true },
		},
		{
			name:  "registry unavailable",
			setup: func(tg *testGate) { tg.rules.fail = true },
		},
		{
			name: "usage not recorded",
			opts: []gateOption{func(c *Config) {
				c.Ranker = scoring.NewScorer(scoring.Config{Recorder: failingRecorder{}})
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGate(t, []*rules.Rule{foundationRule("R-0001", rules.LevelCritical, rules.CheckTestsExist)}, tt.opts...)
			require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))
			if tt.setup != nil {
				tt.setup(tg)
			}

			v, err := tg.gate.Evaluate(context.Background(), editContext("pkg/widget.go"))
			require.NoError(t, err)
			assert.Equal(t, DecisionBlock, v.Decision, "decision is enforced even when history is lost")
			assert.Equal(t, []string{BannerNotPersisted}, v.Warnings)
		})
	}
}

func TestOverrideErrors(t *testing.T) {
	tg := newTestGate(t, []*rules.Rule{foundationRule("R-0001", rules.LevelAdvisory, rules.CheckTestsExist)})
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))
	ctx := context.Background()

	v, err := tg.gate.Evaluate(ctx, editContext("pkg/widget.go"))
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, v.Decision)

	_, err = tg.gate.Override(ctx, v.EvaluationID, "")
	assert.ErrorIs(t, err, ErrOverrideReason)

	_, err = tg.gate.Override(ctx, v.EvaluationID, "just because")
	assert.ErrorIs(t, err, ErrNotBlocked)

	_, err = tg.gate.Override(ctx, "no-such-evaluation", "just because")
	assert.ErrorIs(t, err, ErrEvaluationNotFound)
}

func TestOverrideConcurrentCallsRecordOnce(t *testing.T) {
	tg := newTestGate(t, []*rules.Rule{foundationRule("R-0001", rules.LevelCritical, rules.CheckTestsExist)})
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))
	ctx := context.Background()
	v, err := tg.gate.Evaluate(ctx, editContext("pkg/widget.go"))
	require.NoError(t, err)
	require.True(t, v.Blocked())

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tg.gate.Override(ctx, v.EvaluationID, "hotfix"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyOverridden)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestEvaluateConcurrent(t *testing.T) {
	tg := newTestGate(t, []*rules.Rule{
		foundationRule("R-0001", rules.LevelCritical, rules.CheckTestsExist),
		foundationRule("R-0002", rules.LevelAdvisory, rules.CheckBackupExists),
		foundationRule("R-0003", rules.LevelInfo, ""),
	}, func(c *Config) { c.Parallelism = 2 })
	require.NoError(t, afero.WriteFile(tg.fs, "/proj/pkg/widget.go", []byte("package pkg\n"), 0o644))

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := tg.gate.Evaluate(context.Background(), editContext("pkg/widget.go"))
			if assert.NoError(t, err) {
				ids[i] = v.EvaluationID
				assert.True(t, v.Blocked())
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "evaluation ids are unique")
		seen[id] = true
		rec, err := tg.audit.Lookup(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, rec.Events, 3)
	}
}

func TestEvaluateCanceledContext(t *testing.T) {
	tg := newTestGate(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tg.gate.Evaluate(ctx, editContext("a.go"))
	assert.ErrorIs(t, err, context.Canceled)
}
