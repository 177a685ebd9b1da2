package rules

import (
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Check categories understood by the gate.
const (
	CheckNone          = ""
	CheckTestsExist    = "tests_exist"
	CheckBackupExists  = "backup_exists"
	CheckToolAvailable = "tool_available"
	CheckPathProtected = "path_protected"
	CheckExpr          = "expr"
	CheckPolicyPrefix  = "policy:"
)

// Classification is what a Classifier derives from one rule.
type Classification struct {
	AlertLevel AlertLevel
	Tags       []string
	Phases     []string
	Check      string
	CheckArgs  []string
}

// Classifier assigns alert level, tags, phases and check category to a rule.
// Implementations must be deterministic.
type Classifier interface {
	Classify(section, content string) Classification
}

// KeywordRule maps a lower-case keyword to a value.
type KeywordRule struct {
	Keyword string
	Value   string
}

// TableClassifier is the default Classifier: a fixed mapping table, no inference.
type TableClassifier struct {
	// SectionLevels maps section keywords to a level; checked before content.
	SectionLevels []KeywordRule
	// ContentLevels maps content keywords to a level; first match wins.
	ContentLevels []KeywordRule
	// TagVocabulary maps keywords to tags.
	TagVocabulary []KeywordRule
	// PhaseVocabulary maps keywords to lifecycle phases.
	PhaseVocabulary []KeywordRule
}

// DefaultClassifier returns the built-in mapping table.
func DefaultClassifier() *TableClassifier {
	return &TableClassifier{
		SectionLevels: []KeywordRule{
			{"critical", string(LevelCritical)},
			{"security", string(LevelCritical)},
			{"mandatory", string(LevelCritical)},
			{"non-negotiable", string(LevelCritical)},
			{"guideline", string(LevelAdvisory)},
			{"recommend", string(LevelAdvisory)},
			{"best practice", string(LevelAdvisory)},
			{"style", string(LevelAdvisory)},
			{"note", string(LevelInfo)},
			{"reference", string(LevelInfo)},
		},
		ContentLevels: []KeywordRule{
			{"must not", string(LevelCritical)},
			{"must", string(LevelCritical)},
			{"never", string(LevelCritical)},
			{"always", string(LevelCritical)},
			{"required", string(LevelCritical)},
			{"mandatory", string(LevelCritical)},
			{"critical", string(LevelCritical)},
			{"should", string(LevelAdvisory)},
			{"prefer", string(LevelAdvisory)},
			{"avoid", string(LevelAdvisory)},
			{"recommended", string(LevelAdvisory)},
			{"consider", string(LevelAdvisory)},
		},
		TagVocabulary: []KeywordRule{
			{"test", "testing"},
			{"spec", "testing"},
			{"coverage", "testing"},
			{"backup", "backup"},
			{"delete", "destructive"},
			{"remove", "destructive"},
			{"overwrite", "destructive"},
			{"migration", "database"},
			{"schema", "database"},
			{"database", "database"},
			{"sql", "database"},
			{"secret", "security"},
			{"credential", "security"},
			{"password", "security"},
			{".env", "security"},
			{"token", "security"},
			{"doc", "documentation"},
			{"readme", "documentation"},
			{"commit", "git"},
			{"branch", "git"},
			{"git", "git"},
			{"dependenc", "dependencies"},
			{"install", "tooling"},
			{"tool", "tooling"},
			{"cli", "tooling"},
			{"api", "api"},
			{"endpoint", "api"},
			{"performance", "performance"},
			{"deploy", "deployment"},
			{"release", "deployment"},
			{"refactor", "refactoring"},
			{"agent", "delegation"},
			{"sub-task", "delegation"},
			{"subtask", "delegation"},
		},
		PhaseVocabulary: []KeywordRule{
			{"foundation", "foundation"},
			{"setup", "foundation"},
			{"scaffold", "foundation"},
			{"implement", "implementation"},
			{"feature", "implementation"},
			{"test", "testing"},
			{"review", "review"},
			{"deploy", "release"},
			{"release", "release"},
			{"maintenance", "maintenance"},
		},
	}
}

var (
	annotationRe = regexp.MustCompile(`\[(level|check|phase|tag):\s*([^\]]+)\]`)
	hashtagRe    = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_-]+)`)
	backtickRe   = regexp.MustCompile("`([^`]+)`")
)

// Classify implements Classifier.
func (c *TableClassifier) Classify(section, content string) Classification {
	lowerSection := strings.ToLower(section)
	lowerContent := strings.ToLower(content)

	var out Classification
	var explicitLevel AlertLevel
	for _, m := range annotationRe.FindAllStringSubmatch(content, -1) {
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "level":
			if l, ok := ParseAlertLevel(value); ok {
				explicitLevel = l
			}
		case "check":
			out.Check = strings.ToLower(value)
		case "phase":
			out.Phases = append(out.Phases, value)
		case "tag":
			out.Tags = append(out.Tags, value)
		}
	}

	switch {
	case explicitLevel != "":
		out.AlertLevel = explicitLevel
	default:
		out.AlertLevel = matchLevel(c.SectionLevels, lowerSection, HasWordPrefix)
		if out.AlertLevel == "" {
			out.AlertLevel = matchLevel(c.ContentLevels, lowerContent, containsWord)
		}
		if out.AlertLevel == "" {
			out.AlertLevel = LevelInfo
		}
	}

	for _, m := range hashtagRe.FindAllStringSubmatch(content, -1) {
		out.Tags = append(out.Tags, m[1])
	}
	for _, kw := range c.TagVocabulary {
		if HasWordPrefix(lowerContent, kw.Keyword) || HasWordPrefix(lowerSection, kw.Keyword) {
			out.Tags = append(out.Tags, kw.Value)
		}
	}
	for _, kw := range c.PhaseVocabulary {
		if HasWordPrefix(lowerSection, kw.Keyword) {
			out.Phases = append(out.Phases, kw.Value)
		}
	}

	quoted := backticked(content)
	if out.Check == CheckNone {
		out.Check = inferCheck(lowerContent, quoted)
	}
	switch out.Check {
	case CheckToolAvailable, CheckPathProtected, CheckExpr:
		out.CheckArgs = quoted
	}

	out.Tags = NormalizeTokens(out.Tags)
	out.Phases = NormalizeTokens(out.Phases)
	return out
}

func matchLevel(table []KeywordRule, text string, match func(text, kw string) bool) AlertLevel {
	for _, kw := range table {
		if match(text, kw.Keyword) {
			return AlertLevel(kw.Value)
		}
	}
	return ""
}

// inferCheck picks a check category from content keywords.
func inferCheck(lower string, quoted []string) string {
	switch {
	case HasWordPrefix(lower, "test") && (strings.Contains(lower, "exist") ||
		strings.Contains(lower, "must have") || strings.Contains(lower, "require")):
		return CheckTestsExist
	case strings.Contains(lower, "backup"):
		return CheckBackupExists
	case len(quoted) > 0 && (strings.Contains(lower, "installed") ||
		strings.Contains(lower, "available") || strings.Contains(lower, "reachable")):
		return CheckToolAvailable
	case len(quoted) > 0 && (strings.Contains(lower, "protected") ||
		strings.Contains(lower, "do not edit") || strings.Contains(lower, "never modify") ||
		strings.Contains(lower, "never edit")):
		return CheckPathProtected
	}
	return CheckNone
}

func backticked(content string) []string {
	var out []string
	for _, m := range backtickRe.FindAllStringSubmatch(content, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// containsWord matches kw at word boundaries.
func containsWord(text, kw string) bool {
	return findWord(text, kw, true)
}

// HasWordPrefix reports whether kw occurs at the start of a word in text
// ("test" matches "tests", not "latest"). text must be lower case.
func HasWordPrefix(text, kw string) bool {
	return findWord(text, kw, false)
}

func findWord(text, kw string, whole bool) bool {
	for idx := 0; idx < len(text); {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		if (start == 0 || !isWordByte(text[start-1])) && (!whole || end == len(text) || !isWordByte(text[end])) {
			return true
		}
		idx = start + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// NormalizeToken folds a tag or phase into its canonical form.
func NormalizeToken(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "#")
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), "-")
}

// NormalizeTokens normalizes, sorts and de-duplicates tokens. Never returns nil.
func NormalizeTokens(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if n := NormalizeToken(t); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
