package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/metrics"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/scoring"
	"github.com/josephgoksu/rulegate/internal/session"
	"github.com/josephgoksu/rulegate/internal/store"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultCheckTimeout = 2 * time.Second
	DefaultParallelism  = 4
)

// RuleSource is the registry as seen by the gate. *rules.Registry implements it.
type RuleSource interface {
	Live() []*rules.Rule
	UpdateComplianceScores(ctx context.Context, outcomes []rules.Outcome) error
}

// Ranker scores rules against a context and records usage. *scoring.Scorer
// implements it.
type Ranker interface {
	Rank(ctx context.Context, rs []*rules.Rule, sc session.Context) ([]scoring.Scored, error)
}

// AuditSink receives evaluation and override batches. *audit.Logger implements it.
type AuditSink interface {
	Append(ctx context.Context, b audit.Batch) error
	Lookup(ctx context.Context, evaluationID string) (*audit.Record, error)
}

// Config configures a Gate.
type Config struct {
	Rules  RuleSource
	Ranker Ranker
	Audit  AuditSink
	Checks *CheckRegistry
	Fs     afero.Fs
	// Root is the project root relative targets resolve against.
	Root string
	// CheckTimeout bounds each check.
	CheckTimeout time.Duration
	// Parallelism bounds concurrently running checks.
	Parallelism int
	Metrics     *metrics.Registry
	Clock       func() time.Time
	Logger      *slog.Logger
	NewID       func() string
}

// Gate renders verdicts. It is safe for concurrent use.
type Gate struct {
	rules        RuleSource
	ranker       Ranker
	audit        AuditSink
	checks       *CheckRegistry
	fs           afero.Fs
	root         string
	checkTimeout time.Duration
	parallelism  int
	metrics      *metrics.Registry
	clock        func() time.Time
	logger       *slog.Logger
	newID        func() string

	// overrideMu serializes overrides so one evaluation is overridden once.
	overrideMu sync.Mutex
}

// New creates a Gate.
func New(cfg Config) *Gate {
	g := &Gate{
		rules:        cfg.Rules,
		ranker:       cfg.Ranker,
		audit:        cfg.Audit,
		checks:       cfg.Checks,
		fs:           cfg.Fs,
		root:         cfg.Root,
		checkTimeout: cfg.CheckTimeout,
		parallelism:  cfg.Parallelism,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		newID:        cfg.NewID,
	}
	if g.ranker == nil {
		g.ranker = scoring.NewScorer(scoring.Config{})
	}
	if g.checks == nil {
		g.checks = NewCheckRegistry()
	}
	if g.fs == nil {
		g.fs = afero.NewOsFs()
	}
	if g.checkTimeout <= 0 {
		g.checkTimeout = DefaultCheckTimeout
	}
	if g.parallelism <= 0 {
		g.parallelism = DefaultParallelism
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.newID == nil {
		g.newID = func() string { return uuid.New().String() }
	}
	return g
}

// outcome is one rule's evaluated result before it becomes a line and an event.
type outcome struct {
	verdict    audit.Verdict
	note       string
	suggestion string
}

// Evaluate runs the relevant rules' checks against sc and returns the
// verdict. Storage failures degrade to a warning banner; the decision is
// still returned and enforced. The only error is a context that is already
// done before checking starts.
func (g *Gate) Evaluate(ctx context.Context, sc session.Context) (*Verdict, error) {
	started := time.Now()
	if sc.Timestamp.IsZero() {
		sc.Timestamp = g.clock().UTC()
	}
	m := newMachine()
	v := &Verdict{
		EvaluationID: g.newID(),
		SessionID:    sc.SessionID,
		Context:      sc,
		EvaluatedAt:  sc.Timestamp,
		Lines:        []Line{},
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var live []*rules.Rule
	if g.rules != nil {
		live = g.rules.Live()
	}
	ranked, err := g.ranker.Rank(ctx, live, sc)
	if err != nil {
		g.storageFailure(v, "registry", "record rule usage", err)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ranked[i].Rule.AlertLevel.Severity(), ranked[j].Rule.AlertLevel.Severity()
		if si != sj {
			return si > sj
		}
		return ranked[i].Score > ranked[j].Score
	})

	m.advance(StateChecking)
	results := g.runChecks(ctx, ranked, sc)

	decision := DecisionAllow
	var outcomes []rules.Outcome
	batch := audit.Batch{Summary: audit.Summary{
		EvaluationID: v.EvaluationID,
		Kind:         audit.KindEvaluation,
		SessionID:    sc.SessionID,
		Timestamp:    sc.Timestamp,
		Tool:         string(sc.Tool),
		Target:       sc.Target,
		RuleCount:    len(ranked),
	}}
	for i, sr := range ranked {
		r, res := sr.Rule, results[i]
		line := Line{
			RuleID:          r.ID,
			Section:         r.Section,
			AlertLevel:      string(r.AlertLevel),
			Tier:            TierInform,
			Message:         r.Content,
			SuggestedAction: res.suggestion,
			Outcome:         res.verdict,
			Score:           sr.Score,
			Check:           r.Check,
			Note:            res.note,
		}
		switch res.verdict {
		case audit.VerdictViolated:
			batch.Summary.ViolationCount++
			outcomes = append(outcomes, rules.Outcome{RuleID: r.ID, Value: 0})
			if r.AlertLevel == rules.LevelCritical {
				line.Tier = TierBlock
				decision = DecisionBlock
				if line.SuggestedAction == "" {
					line.SuggestedAction = "resolve the violation or request an override"
				}
			} else {
				line.Tier = TierWarn
			}
		case audit.VerdictFollowed:
			outcomes = append(outcomes, rules.Outcome{RuleID: r.ID, Value: 1})
		}
		v.Lines = append(v.Lines, line)
		batch.Events = append(batch.Events, audit.Event{
			ID:           g.newID(),
			EvaluationID: v.EvaluationID,
			RuleID:       r.ID,
			AlertLevel:   string(r.AlertLevel),
			SessionID:    sc.SessionID,
			Timestamp:    sc.Timestamp,
			Tool:         string(sc.Tool),
			Verdict:      res.verdict,
			Score:        sr.Score,
			Note:         res.note,
		})
		g.metrics.RuleEvent(string(res.verdict))
	}

	if decision == DecisionBlock {
		m.advance(StateBlock)
	} else {
		m.advance(StateAllow)
	}
	v.Decision = decision
	v.State = m.state
	batch.Summary.Decision = string(decision)

	if g.rules != nil && len(outcomes) > 0 {
		if err := g.rules.UpdateComplianceScores(ctx, outcomes); err != nil {
			g.storageFailure(v, "registry", "update compliance scores", err)
		}
	}
	if g.audit != nil {
		if err := g.audit.Append(ctx, batch); err != nil {
			g.storageFailure(v, "audit", "append evaluation", err)
		}
	} else {
		v.Warnings = appendOnce(v.Warnings, BannerNotPersisted)
	}

	v.Duration = time.Since(started)
	g.metrics.Evaluation(string(decision))
	g.logger.Debug("evaluation complete",
		"evaluation", v.EvaluationID, "tool", sc.Tool, "target", sc.Target,
		"decision", decision, "rules", len(ranked), "violations", batch.Summary.ViolationCount,
		"duration", v.Duration)
	return v, nil
}

// runChecks evaluates every ranked rule. Checks run concurrently up to the
// parallelism limit; results are stored by index so order is stable.
func (g *Gate) runChecks(ctx context.Context, ranked []scoring.Scored, sc session.Context) []outcome {
	results := make([]outcome, len(ranked))
	var eg errgroup.Group
	eg.SetLimit(g.parallelism)
	for i, sr := range ranked {
		r := sr.Rule
		if r.AlertLevel == rules.LevelInfo {
			results[i] = outcome{verdict: audit.VerdictFollowed, note: "informational"}
			continue
		}
		if r.Check == rules.CheckNone {
			results[i] = outcome{verdict: audit.VerdictSkipped, note: "no check for this rule"}
			continue
		}
		eg.Go(func() error {
			results[i] = g.runCheck(ctx, r, sc)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// runCheck runs one rule's check under the check timeout. Errors and
// timeouts become VIOLATED with the error as the note.
func (g *Gate) runCheck(ctx context.Context, r *rules.Rule, sc session.Context) outcome {
	check, ok := g.checks.Lookup(r.Check)
	if !ok {
		err := &CheckUnavailableError{Category: r.Check, RuleID: r.ID, Err: ErrUnknownCheck}
		return g.checkError(r, err)
	}

	cctx, cancel := context.WithTimeout(ctx, g.checkTimeout)
	defer cancel()

	type answer struct {
		res CheckResult
		err error
	}
	done := make(chan answer, 1)
	start := time.Now()
	go func() {
		res, err := check.Run(cctx, CheckInput{Rule: r, Context: sc, Root: g.root, Fs: g.fs})
		done <- answer{res, err}
	}()

	var ans answer
	select {
	case ans = <-done:
	case <-cctx.Done():
		ans.err = cctx.Err()
	}
	g.metrics.CheckDuration(r.Check, time.Since(start))

	if ans.err != nil {
		var err error
		switch {
		case errors.Is(ans.err, context.DeadlineExceeded):
			err = &CheckTimeoutError{Category: r.Check, RuleID: r.ID, Timeout: g.checkTimeout}
		default:
			var unavailable *CheckUnavailableError
			if errors.As(ans.err, &unavailable) {
				err = unavailable
			} else {
				err = &CheckUnavailableError{Category: r.Check, RuleID: r.ID, Err: ans.err}
			}
		}
		return g.checkError(r, err)
	}
	if !ans.res.Applicable {
		return outcome{verdict: audit.VerdictSkipped, note: ans.res.Note}
	}
	if ans.res.Passed {
		return outcome{verdict: audit.VerdictFollowed, note: ans.res.Note}
	}
	return outcome{verdict: audit.VerdictViolated, note: ans.res.Note, suggestion: ans.res.Suggestion}
}

func (g *Gate) checkError(r *rules.Rule, err error) outcome {
	g.logger.Warn("check could not complete", "rule", r.ID, "check", r.Check, "error", err)
	return outcome{
		verdict:    audit.VerdictViolated,
		note:       err.Error(),
		suggestion: "fix the check configuration or environment and retry",
	}
}

func (g *Gate) storageFailure(v *Verdict, component, op string, err error) {
	g.metrics.StorageError(component)
	g.logger.Error("compliance history not persisted", "component", component, "op", op, "error", err)
	v.Warnings = appendOnce(v.Warnings, BannerNotPersisted)
}

func appendOnce(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// Override converts a blocked evaluation to ALLOW. It records one OVERRIDDEN
// event per critical rule that was violated and an override summary; no
// compliance score changes. An evaluation can be overridden once.
func (g *Gate) Override(ctx context.Context, evaluationID, reason string) (*OverrideResult, error) {
	if reason == "" {
		return nil, ErrOverrideReason
	}
	if g.audit == nil {
		return nil, fmt.Errorf("%w: %s", ErrEvaluationNotFound, evaluationID)
	}

	g.overrideMu.Lock()
	defer g.overrideMu.Unlock()

	rec, err := g.audit.Lookup(ctx, evaluationID)
	if errors.Is(err, audit.ErrNotFound) || (err == nil && rec.Evaluation == nil) {
		return nil, fmt.Errorf("%w: %s", ErrEvaluationNotFound, evaluationID)
	}
	if err != nil {
		return nil, store.NewStorageError("audit", "lookup evaluation", err)
	}
	if rec.Override != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOverridden, evaluationID)
	}
	if rec.Evaluation.Decision != string(DecisionBlock) {
		return nil, fmt.Errorf("%w: %s decided %s", ErrNotBlocked, evaluationID, rec.Evaluation.Decision)
	}

	now := g.clock().UTC()
	res := &OverrideResult{
		EvaluationID: evaluationID,
		Decision:     DecisionAllow,
		Overridden:   []string{},
		Reason:       reason,
		OverriddenAt: now,
	}
	batch := audit.Batch{Summary: audit.Summary{
		EvaluationID: evaluationID,
		Kind:         audit.KindOverride,
		SessionID:    rec.Evaluation.SessionID,
		Timestamp:    now,
		Tool:         rec.Evaluation.Tool,
		Target:       rec.Evaluation.Target,
		Decision:     string(DecisionAllow),
		Note:         reason,
	}}
	for _, e := range rec.Events {
		if e.Verdict != audit.VerdictViolated || e.AlertLevel != string(rules.LevelCritical) {
			continue
		}
		batch.Events = append(batch.Events, audit.Event{
			ID:           g.newID(),
			EvaluationID: evaluationID,
			RuleID:       e.RuleID,
			AlertLevel:   e.AlertLevel,
			SessionID:    e.SessionID,
			Timestamp:    now,
			Tool:         e.Tool,
			Verdict:      audit.VerdictOverridden,
			Score:        e.Score,
			Note:         reason,
		})
		res.Overridden = append(res.Overridden, e.RuleID)
	}
	batch.Summary.RuleCount = len(batch.Events)

	if err := g.audit.Append(ctx, batch); err != nil {
		if errors.Is(err, audit.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOverridden, evaluationID)
		}
		if !store.IsStorageError(err) {
			return nil, err
		}
		g.metrics.StorageError("audit")
		res.Warnings = append(res.Warnings, BannerNotPersisted)
	}
	for range res.Overridden {
		g.metrics.RuleEvent(string(audit.VerdictOverridden))
	}
	g.metrics.Override()
	g.logger.Info("evaluation overridden", "evaluation", evaluationID, "rules", res.Overridden, "reason", reason)
	return res, nil
}
