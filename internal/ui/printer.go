package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Printer writes styled text to terminals and plain text everywhere else.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter styles output when w is a terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Printer{w: w, styled: styled}
}

// NewPlainPrinter never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// NewStyledPrinter always styles.
func NewStyledPrinter(w io.Writer) *Printer {
	return &Printer{w: w, styled: true}
}

// Styled reports whether output is styled.
func (p *Printer) Styled() bool {
	return p.styled
}

// Render applies style when styled output is enabled.
func (p *Printer) Render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *Printer) Println(a ...any) {
	_, _ = fmt.Fprintln(p.w, a...)
}

func (p *Printer) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(p.w, format, a...)
}

// Print writes s unchanged.
func (p *Printer) Print(s string) {
	_, _ = io.WriteString(p.w, s)
}
