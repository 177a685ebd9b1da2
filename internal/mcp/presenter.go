package mcp

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/scoring"
	"github.com/josephgoksu/rulegate/internal/session"
)

// FormatVerdict converts a verdict into token-efficient Markdown.
// Structure: Decision -> Blocking -> Warnings -> Notes -> override hint.
func FormatVerdict(v *gate.Verdict) string {
	if v == nil {
		return "No verdict."
	}

	var sb strings.Builder
	icon := "✅"
	if v.Blocked() {
		icon = "⛔"
	}
	sb.WriteString(fmt.Sprintf("## %s %s: %s", icon, v.Decision, v.Context.Tool))
	if t := actionTarget(v.Context); t != "" {
		sb.WriteString(" `" + t + "`")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Evaluation `%s` · phase %s · %d rules checked\n", v.EvaluationID, v.Context.Phase, len(v.Lines)))

	for _, w := range v.Warnings {
		sb.WriteString("\n> **Warning**: " + w + "\n")
	}

	sections := []struct {
		tier  gate.Tier
		title string
	}{
		{gate.TierBlock, "Blocking"},
		{gate.TierWarn, "Warnings"},
		{gate.TierInform, "Notes"},
	}
	for _, sec := range sections {
		var lines []gate.Line
		for _, l := range v.Lines {
			if l.Tier == sec.tier {
				lines = append(lines, l)
			}
		}
		if len(lines) == 0 {
			continue
		}
		sb.WriteString("\n### " + sec.title + "\n")
		for _, l := range lines {
			sb.WriteString(formatLine(l))
		}
	}

	if v.Blocked() {
		sb.WriteString(fmt.Sprintf("\nTo proceed anyway, call `%s` with evaluation_id `%s` and a reason.\n", ToolOverrideBlock, v.EvaluationID))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatLine(l gate.Line) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("- **%s** [%s] %s: %s", l.RuleID, l.AlertLevel, sectionTitle(l.Section), l.Message))
	if l.Outcome != "" {
		sb.WriteString(fmt.Sprintf(" (%s", l.Outcome))
		if l.Note != "" {
			sb.WriteString(": " + l.Note)
		}
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	if l.SuggestedAction != "" {
		sb.WriteString("  → " + l.SuggestedAction + "\n")
	}
	return sb.String()
}

// FormatOverride confirms an override.
func FormatOverride(res *gate.OverrideResult) string {
	if res == nil {
		return "No override recorded."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Override recorded for `%s`\n", res.EvaluationID))
	sb.WriteString(fmt.Sprintf("Decision is now **%s**. Reason: %s\n", res.Decision, res.Reason))
	if len(res.Overridden) > 0 {
		sb.WriteString("Overridden rules: " + strings.Join(res.Overridden, ", ") + "\n")
	}
	for _, w := range res.Warnings {
		sb.WriteString("\n> **Warning**: " + w + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatRelevantRules lists the rules that apply to an action, most relevant
// first.
func FormatRelevantRules(sc session.Context, scored []scoring.Scored, limit int) string {
	if len(scored) == 0 {
		return fmt.Sprintf("No rules apply to %s in phase %s.", sc.Tool, sc.Phase)
	}
	if limit <= 0 {
		limit = DefaultRelevantLimit
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Rules for %s", sc.Tool))
	if t := actionTarget(sc); t != "" {
		sb.WriteString(" `" + t + "`")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Phase %s", sc.Phase))
	if len(sc.IntentTags) > 0 {
		sb.WriteString(" · tags " + strings.Join(sc.IntentTags, ", "))
	}
	sb.WriteString("\n\n")

	for i, s := range scored {
		if i == limit {
			sb.WriteString(fmt.Sprintf("\n_%d more not shown._\n", len(scored)-limit))
			break
		}
		r := s.Rule
		sb.WriteString(fmt.Sprintf("%d. **%s** [%s] %s (score %.2f)\n", i+1, r.ID, r.AlertLevel, r.Content, s.Score))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func actionTarget(sc session.Context) string {
	if sc.Tool == session.ToolExecute && sc.Command != "" {
		return sc.Command
	}
	return sc.Target
}

func sectionTitle(section string) string {
	if strings.TrimSpace(section) == "" {
		return "General"
	}
	return cases.Title(language.English).String(section)
}

// FormatError returns a Markdown error message.
func FormatError(message string) string {
	return fmt.Sprintf("## ❌ Error\n\n**Details**: %s", message)
}

// FormatValidationError returns a Markdown error for validation failures.
func FormatValidationError(field, message string) string {
	return fmt.Sprintf("## ❌ Validation Error\n\n**Field**: `%s`\n**Details**: %s", field, message)
}
