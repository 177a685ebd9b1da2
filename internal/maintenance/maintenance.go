package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/rules"
)

// RuleSet is the registry as seen by maintenance. *rules.Registry implements it.
type RuleSet interface {
	List() []*rules.Rule
	ApplyFlags(ctx context.Context, updates []rules.FlagUpdate) error
}

// EventSource reads compliance events. *audit.Store implements it.
type EventSource interface {
	Events(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// Config configures an Analyzer.
type Config struct {
	Rules               RuleSet
	Events              EventSource
	StaleWindow         time.Duration
	EffectivenessWindow time.Duration
	EffectivenessFloor  float64
	MinEvents           int
	ConflictSimilarity  float64
	Clock               func() time.Time
	Logger              *slog.Logger
}

// Analyzer computes the maintenance report and applies review flags.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an Analyzer, filling zero fields with defaults.
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = DefaultStaleWindow
	}
	if cfg.EffectivenessWindow <= 0 {
		cfg.EffectivenessWindow = DefaultEffectivenessWindow
	}
	if cfg.EffectivenessFloor <= 0 {
		cfg.EffectivenessFloor = DefaultEffectivenessFloor
	}
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = DefaultMinEvents
	}
	if cfg.ConflictSimilarity <= 0 {
		cfg.ConflictSimilarity = DefaultConflictSimilarity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Analyzer{cfg: cfg}
}

// RuleRef identifies a flagged rule in a report.
type RuleRef struct {
	ID         string    `json:"id" yaml:"id"`
	Section    string    `json:"section" yaml:"section"`
	AlertLevel string    `json:"alertLevel" yaml:"alert_level"`
	LastUsed   time.Time `json:"lastUsed,omitzero" yaml:"last_used,omitempty"`
	Content    string    `json:"content" yaml:"content"`
}

// Report is the outcome of one maintenance pass.
type Report struct {
	GeneratedAt      time.Time          `json:"generatedAt" yaml:"generated_at"`
	Rules            int                `json:"rules" yaml:"rules"`
	Stale            []RuleRef          `json:"stale" yaml:"stale"`
	LowEffectiveness []Stats            `json:"lowEffectiveness" yaml:"low_effectiveness"`
	Conflicts        []Conflict         `json:"conflicts" yaml:"conflicts"`
	Effectiveness    map[string]Stats   `json:"effectiveness" yaml:"effectiveness"`
	Updates          []rules.FlagUpdate `json:"-" yaml:"-"`
	Applied          bool               `json:"applied" yaml:"applied"`
}

// YAML renders the report.
func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Analyze computes the report and the flag updates without writing them.
func (a *Analyzer) Analyze(ctx context.Context) (*Report, error) {
	now := a.cfg.Clock().UTC()
	rs := a.cfg.Rules.List()

	var events []audit.Event
	if a.cfg.Events != nil {
		var err error
		events, err = a.cfg.Events.Events(ctx, audit.Filter{Since: now.Add(-a.cfg.EffectivenessWindow)})
		if err != nil {
			return nil, fmt.Errorf("read compliance events: %w", err)
		}
	}

	stats := Effectiveness(events)
	rep := &Report{
		GeneratedAt:      now,
		Stale:            []RuleRef{},
		LowEffectiveness: BelowEffectivenessFloor(stats, a.cfg.EffectivenessFloor, a.cfg.MinEvents),
		Conflicts:        DetectConflicts(rs, a.cfg.ConflictSimilarity),
		Effectiveness:    stats,
	}
	if rep.LowEffectiveness == nil {
		rep.LowEffectiveness = []Stats{}
	}
	if rep.Conflicts == nil {
		rep.Conflicts = []Conflict{}
	}

	want := make(map[string]map[string]bool)
	mark := func(id, flag string) {
		if want[id] == nil {
			want[id] = make(map[string]bool)
		}
		want[id][flag] = true
	}
	for _, r := range StaleRules(rs, now, a.cfg.StaleWindow) {
		mark(r.ID, rules.FlagStale)
		rep.Stale = append(rep.Stale, RuleRef{
			ID: r.ID, Section: r.Section, AlertLevel: string(r.AlertLevel),
			LastUsed: r.LastUsed, Content: r.Content,
		})
	}
	for _, s := range rep.LowEffectiveness {
		mark(s.RuleID, rules.FlagLowEffectiveness)
	}
	for _, c := range rep.Conflicts {
		mark(c.A, rules.FlagConflict)
		mark(c.B, rules.FlagConflict)
	}

	for _, r := range rs {
		if r.IsArchived() {
			continue
		}
		rep.Rules++
		var u rules.FlagUpdate
		for _, flag := range []string{rules.FlagStale, rules.FlagLowEffectiveness, rules.FlagConflict} {
			has := r.HasFlag(flag)
			switch {
			case want[r.ID][flag] && !has:
				u.Set = append(u.Set, flag)
			case !want[r.ID][flag] && has:
				u.Clear = append(u.Clear, flag)
			}
		}
		if len(u.Set) > 0 || len(u.Clear) > 0 {
			u.RuleID = r.ID
			rep.Updates = append(rep.Updates, u)
		}
	}
	return rep, nil
}

// Run analyzes and writes the changed flags in a single registry update.
func (a *Analyzer) Run(ctx context.Context) (*Report, error) {
	rep, err := a.Analyze(ctx)
	if err != nil {
		return nil, err
	}
	if len(rep.Updates) > 0 {
		if err := a.cfg.Rules.ApplyFlags(ctx, rep.Updates); err != nil {
			return rep, fmt.Errorf("apply review flags: %w", err)
		}
	}
	rep.Applied = true
	a.cfg.Logger.Info("maintenance run complete",
		"rules", rep.Rules,
		"stale", len(rep.Stale),
		"low_effectiveness", len(rep.LowEffectiveness),
		"conflicts", len(rep.Conflicts),
		"updates", len(rep.Updates))
	return rep, nil
}

// FlaggedIDs returns the ids with any update, sorted.
func (r *Report) FlaggedIDs() []string {
	var ids []string
	for _, u := range r.Updates {
		ids = append(ids, u.RuleID)
	}
	slices.Sort(ids)
	return ids
}
