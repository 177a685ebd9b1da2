// Package compliance composes the rulegate pipeline: the context extractor,
// the relevance scorer and the compliance gate. The CLI hook, the HTTP API
// and the MCP server are thin adapters over Service.
package compliance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/scoring"
	"github.com/josephgoksu/rulegate/internal/session"
)

// ErrEmptyRequest is returned when a request names neither a tool, a target
// nor a command.
var ErrEmptyRequest = errors.New("request names no action")

// Request is one pending agent action. Tool, Target, Command, SessionID and
// WorkDir take precedence over the same fields in Signals.
type Request struct {
	Tool      string          `json:"tool"`
	Target    string          `json:"target,omitempty"`
	Command   string          `json:"command,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	WorkDir   string          `json:"workDir,omitempty"`
	Signals   session.Signals `json:"signals,omitzero"`
}

// signals merges the request's explicit fields into its Signals.
func (r Request) signals() session.Signals {
	sig := r.Signals
	if r.Tool != "" {
		sig.ToolName = r.Tool
	}
	if r.Target != "" {
		sig.TargetPath = r.Target
	}
	if r.Command != "" {
		sig.Command = r.Command
	}
	if r.SessionID != "" {
		sig.SessionID = r.SessionID
	}
	if r.WorkDir != "" {
		sig.WorkDir = r.WorkDir
	}
	// Shell tools carry their command in the target slot.
	if sig.Command == "" && session.NormalizeTool(sig.ToolName) == session.ToolExecute {
		sig.Command, sig.TargetPath = sig.TargetPath, ""
	}
	return sig
}

// Extractor builds a session context. *session.Extractor implements it.
type Extractor interface {
	Extract(ctx context.Context, sig session.Signals) session.Context
}

// Evaluator renders and overrides verdicts. *gate.Gate implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, sc session.Context) (*gate.Verdict, error)
	Override(ctx context.Context, evaluationID, reason string) (*gate.OverrideResult, error)
}

// RuleLister lists the live rules. *rules.Registry implements it.
type RuleLister interface {
	Live() []*rules.Rule
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Extractor Extractor
	Gate      Evaluator
	Rules     RuleLister
	// Scorer lists relevant rules; ScoreAll never records usage.
	Scorer *scoring.Scorer
	// Budget is the soft latency target of one evaluation.
	Budget time.Duration
	Logger *slog.Logger
}

// Service is the single entry point for evaluations.
type Service struct {
	extractor Extractor
	gate      Evaluator
	rules     RuleLister
	scorer    *scoring.Scorer
	budget    time.Duration
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		extractor: cfg.Extractor,
		gate:      cfg.Gate,
		rules:     cfg.Rules,
		scorer:    cfg.Scorer,
		budget:    cfg.Budget,
		logger:    cfg.Logger,
	}
	if s.scorer == nil {
		s.scorer = scoring.NewScorer(scoring.Config{})
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Context extracts the session context for req without evaluating it.
func (s *Service) Context(ctx context.Context, req Request) (session.Context, error) {
	sig := req.signals()
	if strings.TrimSpace(sig.ToolName) == "" && strings.TrimSpace(sig.TargetPath) == "" && strings.TrimSpace(sig.Command) == "" {
		return session.Context{}, ErrEmptyRequest
	}
	return s.extractor.Extract(ctx, sig), nil
}

// Evaluate extracts the context for req and runs it through the gate.
func (s *Service) Evaluate(ctx context.Context, req Request) (*gate.Verdict, error) {
	start := time.Now()
	sc, err := s.Context(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := s.gate.Evaluate(ctx, sc)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	if s.budget > 0 && elapsed > s.budget {
		s.logger.Warn("evaluation exceeded budget",
			"evaluation", v.EvaluationID, "elapsed", elapsed, "budget", s.budget, "rules", len(v.Lines))
	}
	s.logger.Debug("evaluation complete",
		"evaluation", v.EvaluationID, "decision", v.Decision, "tool", sc.Tool, "target", sc.Target, "elapsed", elapsed)
	return v, nil
}

// Override records a human override of a blocked evaluation.
func (s *Service) Override(ctx context.Context, evaluationID, reason string) (*gate.OverrideResult, error) {
	return s.gate.Override(ctx, strings.TrimSpace(evaluationID), strings.TrimSpace(reason))
}

// RelevantRules returns the rules at or above the relevance floor for req in
// rank order. Usage is not recorded.
func (s *Service) RelevantRules(ctx context.Context, req Request) (session.Context, []scoring.Scored, error) {
	sc, err := s.Context(ctx, req)
	if err != nil {
		return session.Context{}, nil, err
	}
	var out []scoring.Scored
	for _, sr := range s.scorer.ScoreAll(s.rules.Live(), sc) {
		if sr.Score >= s.scorer.Floor() {
			out = append(out, sr)
		}
	}
	return sc, out, nil
}
