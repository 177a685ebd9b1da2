// Package audit is the append-only compliance log: one event per rule per
// evaluation, one summary per evaluation and per override, hash-chained so
// tampering is detectable.
package audit

import (
	"errors"
	"time"
)

// Verdict is the outcome recorded for one rule in one evaluation.
type Verdict string

const (
	VerdictFollowed   Verdict = "FOLLOWED"
	VerdictViolated   Verdict = "VIOLATED"
	VerdictOverridden Verdict = "OVERRIDDEN"
	VerdictSkipped    Verdict = "SKIPPED"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictFollowed, VerdictViolated, VerdictOverridden, VerdictSkipped:
		return true
	}
	return false
}

// Kind distinguishes evaluation summaries from override summaries.
type Kind string

const (
	KindEvaluation Kind = "evaluation"
	KindOverride   Kind = "override"
)

// Common audit errors.
var (
	ErrNotFound  = errors.New("evaluation not found")
	ErrDuplicate = errors.New("summary already recorded")
	ErrInvalid   = errors.New("invalid audit record")
)

// Event is one rule outcome. Seq is assigned by the store; PrevHash and Hash
// form the event chain.
type Event struct {
	Seq          int64     `json:"seq,omitempty"`
	ID           string    `json:"id"`
	EvaluationID string    `json:"evaluationId"`
	RuleID       string    `json:"ruleId"`
	AlertLevel   string    `json:"alertLevel"`
	SessionID    string    `json:"sessionId"`
	Timestamp    time.Time `json:"timestamp"`
	Tool         string    `json:"tool"`
	Verdict      Verdict   `json:"verdict"`
	Score        float64   `json:"score"`
	Note         string    `json:"note,omitempty"`
	PrevHash     string    `json:"prevHash"`
	Hash         string    `json:"hash,omitempty"`
}

// Summary is the record of one evaluation or one override.
type Summary struct {
	Seq            int64     `json:"seq,omitempty"`
	EvaluationID   string    `json:"evaluationId"`
	Kind           Kind      `json:"kind"`
	SessionID      string    `json:"sessionId"`
	Timestamp      time.Time `json:"timestamp"`
	Tool           string    `json:"tool"`
	Target         string    `json:"target"`
	Decision       string    `json:"decision"`
	RuleCount      int       `json:"ruleCount"`
	ViolationCount int       `json:"violationCount"`
	Note           string    `json:"note,omitempty"`
	PrevHash       string    `json:"prevHash"`
	Hash           string    `json:"hash,omitempty"`
}

// Batch is one summary and its events, written in a single transaction.
type Batch struct {
	Summary Summary `json:"summary"`
	Events  []Event `json:"events"`
}

// Validate checks that every event belongs to the summary's evaluation.
func (b *Batch) Validate() error {
	if b.Summary.EvaluationID == "" {
		return errors.Join(ErrInvalid, errors.New("missing evaluation id"))
	}
	if b.Summary.Kind != KindEvaluation && b.Summary.Kind != KindOverride {
		return errors.Join(ErrInvalid, errors.New("unknown summary kind "+string(b.Summary.Kind)))
	}
	for _, e := range b.Events {
		if e.EvaluationID != b.Summary.EvaluationID {
			return errors.Join(ErrInvalid, errors.New("event "+e.ID+" belongs to another evaluation"))
		}
		if e.ID == "" || e.RuleID == "" || !e.Verdict.Valid() {
			return errors.Join(ErrInvalid, errors.New("incomplete event for rule "+e.RuleID))
		}
	}
	return nil
}

// Record is everything logged for one evaluation id.
type Record struct {
	Evaluation *Summary `json:"evaluation"`
	Override   *Summary `json:"override,omitempty"`
	Events     []Event  `json:"events"`
}

// Filter narrows event and summary queries. Zero fields match everything.
type Filter struct {
	Since        time.Time
	Until        time.Time
	RuleID       string
	SessionID    string
	EvaluationID string
	Verdict      Verdict
	Kind         Kind
	Limit        int
}
