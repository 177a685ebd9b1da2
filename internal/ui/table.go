package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders rows with fixed-width columns. Widths are measured in
// terminal cells so section names with accents and icons line up.
type Table struct {
	Headers  []string
	Rows     [][]string
	MaxWidth int // Max width per column (0 = auto)
}

// ColumnWidths calculates column widths from headers and content.
func (t *Table) ColumnWidths() []int {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	if t.MaxWidth > 0 {
		for i := range widths {
			widths[i] = min(widths[i], t.MaxWidth)
		}
	}
	return widths
}

// Render outputs the table through p.
func (t *Table) Render(p *Printer) string {
	if len(t.Headers) == 0 {
		return ""
	}

	widths := t.ColumnWidths()
	var sb strings.Builder

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)

	var headerCells []string
	for i, h := range t.Headers {
		headerCells = append(headerCells, p.Render(headerStyle, padRight(h, widths[i])))
	}
	sb.WriteString(" " + strings.TrimRight(strings.Join(headerCells, "  "), " ") + "\n")

	var sepParts []string
	for _, w := range widths {
		sepParts = append(sepParts, strings.Repeat("─", w))
	}
	sb.WriteString(" " + p.Render(StyleSubtle, strings.Join(sepParts, "──")) + "\n")

	for _, row := range t.Rows {
		var cells []string
		for i := range t.Headers {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			cells = append(cells, padRight(Truncate(val, widths[i]), widths[i]))
		}
		sb.WriteString(" " + strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	}
	return sb.String()
}

// padRight pads s with spaces to width cells.
func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// Truncate shortens s to at most maxLen runes, ending in "…" when cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen == 1 {
		return "…"
	}
	return string(r[:maxLen-1]) + "…"
}

// FirstLine returns the first line of s.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
