package ui

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/josephgoksu/rulegate/internal/gate"
)

// SectionTitle title-cases a policy document section for display.
func SectionTitle(section string) string {
	if section == "" {
		return "General"
	}
	return cases.Title(language.English).String(strings.ToLower(section))
}

// RenderVerdict renders a verdict: the decision header, then block, warn
// and inform lines in that order, then warnings.
func RenderVerdict(p *Printer, v *gate.Verdict) string {
	var sb strings.Builder

	decision := p.Render(StyleAllow, string(v.Decision))
	if v.Blocked() {
		decision = p.Render(StyleBlock, string(v.Decision))
	}
	action := strings.TrimSpace(string(v.Context.Tool) + " " + v.Context.Target)
	fmt.Fprintf(&sb, "%s  %s\n", decision, action)
	fmt.Fprintf(&sb, "%s\n", p.Render(StyleSubtle,
		fmt.Sprintf("evaluation %s · phase %s · %d rules", v.EvaluationID, v.Context.Phase, len(v.Lines))))

	for _, tier := range []gate.Tier{gate.TierBlock, gate.TierWarn, gate.TierInform} {
		for _, l := range v.Lines {
			if l.Tier != tier {
				continue
			}
			sb.WriteString(renderLine(p, l))
		}
	}

	if len(v.Warnings) > 0 {
		sb.WriteString("\n")
		body := strings.Join(v.Warnings, "\n")
		if p.Styled() {
			sb.WriteString(StyleBanner.Render("⚠ "+body) + "\n")
		} else {
			for _, w := range v.Warnings {
				sb.WriteString("WARNING: " + w + "\n")
			}
		}
	}

	if v.Blocked() {
		fmt.Fprintf(&sb, "\n%s\n", p.Render(StyleSubtle,
			fmt.Sprintf("override with: rulegate hook override %s --reason \"...\"", v.EvaluationID)))
	}
	return sb.String()
}

func renderLine(p *Printer, l gate.Line) string {
	var sb strings.Builder
	style := TierStyle(l.Tier)
	head := fmt.Sprintf("%s [%s] %s", tierIcon(l.Tier), l.AlertLevel, l.RuleID)
	fmt.Fprintf(&sb, "  %s %s %s\n", p.Render(style, head),
		p.Render(StyleSubtle, SectionTitle(l.Section)+":"), l.Message)

	detail := string(l.Outcome)
	if l.Note != "" {
		detail += ": " + l.Note
	}
	fmt.Fprintf(&sb, "      %s\n", p.Render(StyleSubtle, detail))
	if l.SuggestedAction != "" {
		fmt.Fprintf(&sb, "      → %s\n", l.SuggestedAction)
	}
	return sb.String()
}

// RenderOverride renders the result of an override.
func RenderOverride(p *Printer, res *gate.OverrideResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  evaluation %s overridden\n", p.Render(StyleAllow, string(res.Decision)), res.EvaluationID)
	if len(res.Overridden) > 0 {
		fmt.Fprintf(&sb, "  rules: %s\n", strings.Join(res.Overridden, ", "))
	}
	fmt.Fprintf(&sb, "  reason: %s\n", res.Reason)
	for _, w := range res.Warnings {
		fmt.Fprintf(&sb, "%s\n", p.Render(StyleWarning, "WARNING: "+w))
	}
	return sb.String()
}
