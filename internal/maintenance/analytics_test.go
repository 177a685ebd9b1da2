package maintenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/rules"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func rule(id string, level rules.AlertLevel, section string, tags ...string) *rules.Rule {
	return &rules.Rule{ID: id, AlertLevel: level, Section: section, Tags: tags, Status: rules.StatusActive, CreatedAt: t0}
}

func ids(rs []*rules.Rule) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestRelevantToPhase(t *testing.T) {
	a := rule("R-0001", rules.LevelCritical, "")
	a.Phases = []string{"foundation", "testing"}
	b := rule("R-0002", rules.LevelAdvisory, "")
	b.Phases = []string{"deployment"}
	c := rule("R-0003", rules.LevelInfo, "")
	c.Phases = []string{"testing"}
	c.Status = rules.StatusArchived

	assert.Equal(t, []string{"R-0001"}, ids(RelevantToPhase([]*rules.Rule{a, b, c}, "testing")))
	assert.Empty(t, RelevantToPhase([]*rules.Rule{a, b, c}, "refactor"))
}

func TestStaleRules(t *testing.T) {
	window := 30 * 24 * time.Hour
	now := t0.Add(60 * 24 * time.Hour)

	used45 := rule("R-0001", rules.LevelCritical, "")
	used45.LastUsed = now.Add(-45 * 24 * time.Hour)
	usedRecently := rule("R-0002", rules.LevelCritical, "")
	usedRecently.LastUsed = now.Add(-time.Hour)
	neverUsedOld := rule("R-0003", rules.LevelAdvisory, "")
	neverUsedNew := rule("R-0004", rules.LevelAdvisory, "")
	neverUsedNew.CreatedAt = now.Add(-24 * time.Hour)
	archived := rule("R-0005", rules.LevelInfo, "")
	archived.Status = rules.StatusArchived
	exactlyWindow := rule("R-0006", rules.LevelInfo, "")
	exactlyWindow.LastUsed = now.Add(-window)

	got := StaleRules([]*rules.Rule{used45, usedRecently, neverUsedOld, neverUsedNew, archived, exactlyWindow}, now, window)
	assert.Equal(t, []string{"R-0001", "R-0003"}, ids(got))
}

func events(ruleID string, verdicts ...audit.Verdict) []audit.Event {
	var out []audit.Event
	for _, v := range verdicts {
		out = append(out, audit.Event{RuleID: ruleID, Verdict: v})
	}
	return out
}

func TestEffectiveness(t *testing.T) {
	var all []audit.Event
	all = append(all, events("R-0001", audit.VerdictFollowed, audit.VerdictFollowed, audit.VerdictViolated, audit.VerdictSkipped)...)
	all = append(all, events("R-0002", audit.VerdictViolated, audit.VerdictOverridden)...)
	all = append(all, events("R-0003", audit.VerdictSkipped)...)

	stats := Effectiveness(all)
	assert.Equal(t, Stats{RuleID: "R-0001", Followed: 2, Violated: 1, Skipped: 1, Rate: 2.0 / 3.0}, stats["R-0001"])
	assert.Equal(t, Stats{RuleID: "R-0002", Violated: 1, Overridden: 1, Rate: 0}, stats["R-0002"])
	assert.Equal(t, 0, stats["R-0003"].Decided())
}

func TestBelowEffectivenessFloor(t *testing.T) {
	stats := map[string]Stats{
		"R-0001": {RuleID: "R-0001", Followed: 2, Violated: 4, Rate: 2.0 / 6.0},
		"R-0002": {RuleID: "R-0002", Followed: 1, Violated: 2, Rate: 1.0 / 3.0},
		"R-0003": {RuleID: "R-0003", Followed: 5, Violated: 1, Rate: 5.0 / 6.0},
		"R-0004": {RuleID: "R-0004", Followed: 0, Violated: 5, Rate: 0},
		"R-0005": {RuleID: "R-0005", Followed: 3, Violated: 2, Rate: 0.6},
	}
	got := BelowEffectivenessFloor(stats, 0.6, 5)
	var gotIDs []string
	for _, s := range got {
		gotIDs = append(gotIDs, s.RuleID)
	}
	assert.Equal(t, []string{"R-0004", "R-0001"}, gotIDs, "too few events and rate at the floor are excluded")
}

func TestDetectConflicts(t *testing.T) {
	tests := []struct {
		name  string
		rules []*rules.Rule
		want  [][2]string
	}{
		{
			name: "overlapping tags with different levels",
			rules: []*rules.Rule{
				rule("R-0001", rules.LevelCritical, "A", "testing", "quality"),
				rule("R-0002", rules.LevelAdvisory, "B", "testing", "quality"),
			},
			want: [][2]string{{"R-0001", "R-0002"}},
		},
		{
			name: "same level never conflicts",
			rules: []*rules.Rule{
				rule("R-0001", rules.LevelCritical, "A", "testing"),
				rule("R-0002", rules.LevelCritical, "A", "testing"),
			},
		},
		{
			name: "weak overlap in the same section",
			rules: []*rules.Rule{
				rule("R-0001", rules.LevelCritical, "Data", "backup", "database", "safety"),
				rule("R-0002", rules.LevelInfo, "Data", "backup", "docs", "style"),
			},
			want: [][2]string{{"R-0001", "R-0002"}},
		},
		{
			name: "weak overlap across sections",
			rules: []*rules.Rule{
				rule("R-0001", rules.LevelCritical, "Data", "backup", "database", "safety"),
				rule("R-0002", rules.LevelInfo, "Docs", "backup", "docs", "style"),
			},
		},
		{
			name: "archived rules are ignored",
			rules: func() []*rules.Rule {
				b := rule("R-0002", rules.LevelAdvisory, "A", "testing")
				b.Status = rules.StatusArchived
				return []*rules.Rule{rule("R-0001", rules.LevelCritical, "A", "testing"), b}
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got [][2]string
			for _, c := range DetectConflicts(tt.rules, 0.5) {
				got = append(got, [2]string{c.A, c.B})
				assert.NotEmpty(t, c.SharedTags)
				assert.NotEmpty(t, c.Reason)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
