// Package maintenance keeps the rule set healthy: it flags stale rules, rules
// that are rarely followed and rule pairs that look contradictory. It only
// sets review flags; alert levels and rule text change only by human action.
package maintenance

import (
	"slices"
	"sort"
	"time"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/rules"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultStaleWindow         = 30 * 24 * time.Hour
	DefaultEffectivenessWindow = 30 * 24 * time.Hour
	DefaultEffectivenessFloor  = 0.6
	DefaultMinEvents           = 5
	DefaultConflictSimilarity  = 0.5
)

// RelevantToPhase returns the non-archived rules whose phase relevance
// includes phase.
func RelevantToPhase(rs []*rules.Rule, phase string) []*rules.Rule {
	var out []*rules.Rule
	for _, r := range rs {
		if !r.IsArchived() && slices.Contains(r.Phases, phase) {
			out = append(out, r)
		}
	}
	return out
}

// StaleRules returns the non-archived rules not used within window of now.
// A rule that was never used ages from its creation time.
func StaleRules(rs []*rules.Rule, now time.Time, window time.Duration) []*rules.Rule {
	var out []*rules.Rule
	for _, r := range rs {
		if !r.IsArchived() && isStale(r, now, window) {
			out = append(out, r)
		}
	}
	return out
}

func isStale(r *rules.Rule, now time.Time, window time.Duration) bool {
	last := r.LastUsed
	if last.IsZero() {
		last = r.CreatedAt
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > window
}

// Stats summarizes the audit events of one rule.
type Stats struct {
	RuleID     string  `json:"ruleId" yaml:"rule_id"`
	Followed   int     `json:"followed" yaml:"followed"`
	Violated   int     `json:"violated" yaml:"violated"`
	Skipped    int     `json:"skipped" yaml:"skipped"`
	Overridden int     `json:"overridden" yaml:"overridden"`
	Rate       float64 `json:"rate" yaml:"rate"`
}

// Decided is the number of events with a compliance signal.
func (s Stats) Decided() int {
	return s.Followed + s.Violated
}

// Effectiveness computes per-rule stats. Rate is FOLLOWED over FOLLOWED plus
// VIOLATED; SKIPPED carries no signal and an OVERRIDDEN event always shadows a
// VIOLATED one already counted.
func Effectiveness(events []audit.Event) map[string]Stats {
	out := make(map[string]Stats)
	for _, e := range events {
		s := out[e.RuleID]
		s.RuleID = e.RuleID
		switch e.Verdict {
		case audit.VerdictFollowed:
			s.Followed++
		case audit.VerdictViolated:
			s.Violated++
		case audit.VerdictSkipped:
			s.Skipped++
		case audit.VerdictOverridden:
			s.Overridden++
		}
		out[e.RuleID] = s
	}
	for id, s := range out {
		if n := s.Decided(); n > 0 {
			s.Rate = float64(s.Followed) / float64(n)
		}
		out[id] = s
	}
	return out
}

// BelowEffectivenessFloor returns the stats with at least minEvents decided
// events and a rate under floor, ordered by rate then id.
func BelowEffectivenessFloor(stats map[string]Stats, floor float64, minEvents int) []Stats {
	var out []Stats
	for _, s := range stats {
		if s.Decided() >= minEvents && s.Rate < floor {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rate != out[j].Rate {
			return out[i].Rate < out[j].Rate
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// Conflict is a pair of rules that may contradict each other.
type Conflict struct {
	A          string   `json:"a" yaml:"a"`
	B          string   `json:"b" yaml:"b"`
	LevelA     string   `json:"levelA" yaml:"level_a"`
	LevelB     string   `json:"levelB" yaml:"level_b"`
	SharedTags []string `json:"sharedTags" yaml:"shared_tags"`
	Similarity float64  `json:"similarity" yaml:"similarity"`
	Reason     string   `json:"reason" yaml:"reason"`
}

// DetectConflicts pairs non-archived rules that disagree on alert level while
// covering the same ground: tag similarity of at least minSimilarity, or the
// same section with a shared tag. Pairs are ordered by (A, B).
func DetectConflicts(rs []*rules.Rule, minSimilarity float64) []Conflict {
	live := make([]*rules.Rule, 0, len(rs))
	for _, r := range rs {
		if !r.IsArchived() {
			live = append(live, r)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	var out []Conflict
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := live[i], live[j]
			if a.AlertLevel == b.AlertLevel {
				continue
			}
			shared := intersect(a.Tags, b.Tags)
			if len(shared) == 0 {
				continue
			}
			sim := float64(len(shared)) / float64(len(union(a.Tags, b.Tags)))
			var reason string
			switch {
			case sim >= minSimilarity:
				reason = "overlapping tags with different alert levels"
			case a.Section != "" && a.Section == b.Section:
				reason = "same section and shared tag with different alert levels"
			default:
				continue
			}
			out = append(out, Conflict{
				A: a.ID, B: b.ID,
				LevelA: string(a.AlertLevel), LevelB: string(b.AlertLevel),
				SharedTags: shared,
				Similarity: sim,
				Reason:     reason,
			})
		}
	}
	return out
}

func intersect(a, b []string) []string {
	var out []string
	for _, t := range a {
		if slices.Contains(b, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, t := range b {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return slices.Compact(sortedCopy(out))
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	sort.Strings(out)
	return out
}
