// Package rules holds the rule registry: parsing the policy document into
// rules, diffing re-parses, and persisting rule metadata.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// AlertLevel is the severity tier of a rule.
type AlertLevel string

const (
	LevelCritical AlertLevel = "CRITICAL"
	LevelAdvisory AlertLevel = "ADVISORY"
	LevelInfo     AlertLevel = "INFO"
)

// Severity orders alert levels; higher is more severe.
func (l AlertLevel) Severity() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelAdvisory:
		return 1
	default:
		return 0
	}
}

// Valid reports whether l is a known level.
func (l AlertLevel) Valid() bool {
	return l == LevelCritical || l == LevelAdvisory || l == LevelInfo
}

// ParseAlertLevel accepts any case ("critical", "CRITICAL").
func ParseAlertLevel(s string) (AlertLevel, bool) {
	l := AlertLevel(strings.ToUpper(strings.TrimSpace(s)))
	return l, l.Valid()
}

// Status is the lifecycle state of a rule.
type Status string

const (
	StatusActive   Status = "active"
	StatusStale    Status = "stale"
	StatusArchived Status = "archived"
)

// Review flags set by maintenance analytics.
const (
	FlagStale            = "stale"
	FlagLowEffectiveness = "low_effectiveness"
	FlagConflict         = "conflict"
)

// Rule is one governing directive extracted from the policy document.
type Rule struct {
	ID              string     `json:"id" yaml:"id"`
	Content         string     `json:"content" yaml:"content"`
	Section         string     `json:"section" yaml:"section"`
	Position        int        `json:"position" yaml:"position"`
	AlertLevel      AlertLevel `json:"alertLevel" yaml:"alert_level"`
	Tags            []string   `json:"tags" yaml:"tags"`
	Phases          []string   `json:"phaseRelevance" yaml:"phase_relevance"`
	Check           string     `json:"check,omitempty" yaml:"check,omitempty"`
	CheckArgs       []string   `json:"checkArgs,omitempty" yaml:"check_args,omitempty"`
	Status          Status     `json:"status" yaml:"status"`
	Flags           []string   `json:"flags,omitempty" yaml:"flags,omitempty"`
	Fingerprint     string     `json:"contentFingerprint" yaml:"content_fingerprint"`
	CreatedAt       time.Time  `json:"createdAt" yaml:"created_at"`
	LastUpdated     time.Time  `json:"lastUpdated" yaml:"last_updated"`
	LastUsed        time.Time  `json:"lastUsed,omitzero" yaml:"last_used,omitempty"`
	UsageCount      int64      `json:"usageCount" yaml:"usage_count"`
	ComplianceScore float64    `json:"complianceScore" yaml:"compliance_score"`
}

// IsArchived reports whether the rule has been retired.
func (r *Rule) IsArchived() bool {
	return r.Status == StatusArchived
}

// HasFlag reports whether a review flag is set.
func (r *Rule) HasFlag(flag string) bool {
	return slices.Contains(r.Flags, flag)
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Tags = slices.Clone(r.Tags)
	c.Phases = slices.Clone(r.Phases)
	c.CheckArgs = slices.Clone(r.CheckArgs)
	c.Flags = slices.Clone(r.Flags)
	return &c
}

// Fingerprint returns the content fingerprint of a (section, content) pair.
func Fingerprint(section, content string) string {
	sum := sha256.Sum256([]byte(section + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// DocumentFingerprint hashes a whole policy document.
func DocumentFingerprint(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Snapshot is the persisted state of the registry.
type Snapshot struct {
	Rules      []*Rule
	NextSeq    int
	Document   string
	DocumentFP string
	ParsedAt   time.Time
}
