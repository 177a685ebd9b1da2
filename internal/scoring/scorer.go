// Package scoring ranks rules by relevance to a session context.
package scoring

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

// Weights of the relevance formula.
const (
	BaseWeight       = 0.3
	PhaseWeight      = 0.3
	TagWeight        = 0.2
	UsageWeight      = 0.1
	RecencyWeight    = 0.1
	ComplianceWeight = 0.1
)

// Defaults used when Config leaves a field zero.
const (
	DefaultFloor           = 0.5
	DefaultStalenessWindow = 30 * 24 * time.Hour
	DefaultUsageSaturation = 100
)

// UsageRecorder records that rules were considered relevant.
// *rules.Registry implements it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ids []string, at time.Time) error
}

// Config configures a Scorer.
type Config struct {
	Floor           float64
	StalenessWindow time.Duration
	UsageSaturation int64
	Recorder        UsageRecorder
}

// Scored pairs a rule with its relevance score.
type Scored struct {
	Rule  *rules.Rule `json:"rule"`
	Score float64     `json:"score"`
}

// Scorer computes relevance scores.
type Scorer struct {
	floor      float64
	window     time.Duration
	saturation int64
	recorder   UsageRecorder
}

// NewScorer creates a Scorer. A nil Recorder disables usage recording.
func NewScorer(cfg Config) *Scorer {
	s := &Scorer{
		floor:      cfg.Floor,
		window:     cfg.StalenessWindow,
		saturation: cfg.UsageSaturation,
		recorder:   cfg.Recorder,
	}
	if s.floor <= 0 {
		s.floor = DefaultFloor
	}
	if s.window <= 0 {
		s.window = DefaultStalenessWindow
	}
	if s.saturation <= 0 {
		s.saturation = DefaultUsageSaturation
	}
	return s
}

// Floor returns the relevance floor.
func (s *Scorer) Floor() float64 { return s.floor }

// Score computes the relevance of rule to sc. It is a pure function of its
// inputs; the reference time is sc.Timestamp.
func (s *Scorer) Score(rule *rules.Rule, sc session.Context) float64 {
	score := BaseWeight
	if containsToken(rule.Phases, sc.Phase) {
		score += PhaseWeight
	}
	score += TagWeight * tagOverlap(rule.Tags, sc.IntentTags)
	score += UsageWeight * s.usageNorm(rule.UsageCount)
	score += RecencyWeight * s.recency(rule.LastUsed, sc.Timestamp)
	score += ComplianceWeight * clamp01(rule.ComplianceScore)
	return clamp01(score)
}

// ScoreAll scores every non-archived rule and returns them in rank order
// without applying the floor or recording usage.
func (s *Scorer) ScoreAll(rs []*rules.Rule, sc session.Context) []Scored {
	out := make([]Scored, 0, len(rs))
	for _, r := range rs {
		if r.IsArchived() {
			continue
		}
		out = append(out, Scored{Rule: r, Score: s.Score(r, sc)})
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Rank returns the rules scoring at or above the floor in rank order and
// records usage for each of them. A recording failure is returned with the
// ranking intact.
func (s *Scorer) Rank(ctx context.Context, rs []*rules.Rule, sc session.Context) ([]Scored, error) {
	all := s.ScoreAll(rs, sc)
	relevant := all[:0:0]
	for _, sr := range all {
		if sr.Score >= s.floor {
			relevant = append(relevant, sr)
		}
	}
	if s.recorder == nil || len(relevant) == 0 {
		return relevant, nil
	}
	ids := make([]string, len(relevant))
	for i, sr := range relevant {
		ids[i] = sr.Rule.ID
	}
	return relevant, s.recorder.RecordUsage(ctx, ids, sc.Timestamp)
}

// less orders by score desc, severity desc, usage desc, id asc.
func less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if sa, sb := a.Rule.AlertLevel.Severity(), b.Rule.AlertLevel.Severity(); sa != sb {
		return sa > sb
	}
	if a.Rule.UsageCount != b.Rule.UsageCount {
		return a.Rule.UsageCount > b.Rule.UsageCount
	}
	return a.Rule.ID < b.Rule.ID
}

// usageNorm is log1p(n)/log1p(saturation), capped at 1.
func (s *Scorer) usageNorm(n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(n))/math.Log1p(float64(s.saturation)))
}

// recency decays linearly from 1 at now to 0 at the end of the window.
func (s *Scorer) recency(lastUsed, now time.Time) float64 {
	if lastUsed.IsZero() {
		return 0
	}
	age := now.Sub(lastUsed)
	if age < 0 {
		age = 0
	}
	if age >= s.window {
		return 0
	}
	return 1 - float64(age)/float64(s.window)
}

// tagOverlap is min(1, |ruleTags ∩ intent| / max(1, |ruleTags|)).
func tagOverlap(ruleTags, intent []string) float64 {
	if len(ruleTags) == 0 || len(intent) == 0 {
		return 0
	}
	matches := 0
	for _, t := range ruleTags {
		if containsToken(intent, t) {
			matches++
		}
	}
	return math.Min(1, float64(matches)/float64(len(ruleTags)))
}

func containsToken(list []string, tok string) bool {
	if tok == "" {
		return false
	}
	for _, v := range list {
		if v == tok {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
