package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/josephgoksu/rulegate/internal/gate"
)

var (
	// Colors
	ColorPrimary   = lipgloss.Color("205") // Pink
	ColorSecondary = lipgloss.Color("241") // Gray
	ColorSuccess   = lipgloss.Color("42")  // Green
	ColorError     = lipgloss.Color("160") // Red
	ColorWarning   = lipgloss.Color("214") // Orange/Yellow
	ColorText      = lipgloss.Color("252") // White/Gray
	ColorCyan      = lipgloss.Color("87")  // Cyan for informational rules

	// Base Styles
	StyleTitle   = lipgloss.NewStyle().Foreground(ColorText).Bold(true)
	StyleSubtle  = lipgloss.NewStyle().Foreground(ColorSecondary)
	StylePrimary = lipgloss.NewStyle().Foreground(ColorPrimary)
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorSuccess)
	StyleError   = lipgloss.NewStyle().Foreground(ColorError)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleText    = lipgloss.NewStyle().Foreground(ColorText)

	// Decisions
	StyleAllow = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	StyleBlock = lipgloss.NewStyle().Foreground(ColorError).Bold(true)

	// Verdict line tiers
	StyleTierBlock  = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	StyleTierWarn   = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleTierInform = lipgloss.NewStyle().Foreground(ColorCyan)

	StyleSectionTitle = lipgloss.NewStyle().
				Foreground(ColorPrimary).
				Bold(true).
				Underline(true)

	// Banner for storage and parse warnings
	StyleBanner = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorWarning).
			Foreground(ColorWarning).
			Padding(0, 1)
)

// Icon returns a styled icon string
func Icon(icon string, style lipgloss.Style) string {
	return style.Render(icon)
}

// TierStyle returns the style of a verdict line tier.
func TierStyle(t gate.Tier) lipgloss.Style {
	switch t {
	case gate.TierBlock:
		return StyleTierBlock
	case gate.TierWarn:
		return StyleTierWarn
	default:
		return StyleTierInform
	}
}

// tierIcon is the plain-text marker of a tier.
func tierIcon(t gate.Tier) string {
	switch t {
	case gate.TierBlock:
		return "✗"
	case gate.TierWarn:
		return "!"
	default:
		return "i"
	}
}
