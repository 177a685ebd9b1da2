package cmd

import (
	"fmt"
	"os"

	"github.com/josephgoksu/rulegate/internal/ui"
)

// PrintError prints an error message to stderr without exiting. By default
// the user-friendly message is shown; with --verbose the technical error is
// printed instead.
func PrintError(userMsg string, technicalErr error) {
	p := ui.NewPrinter(os.Stderr)
	msg := userMsg
	if isVerbose() && technicalErr != nil {
		msg = fmt.Sprintf("Error: %v", technicalErr)
	}
	p.Println(p.Render(ui.StyleError, msg))
}

// PrintWarning prints a non-fatal problem, such as a policy document that
// was not applied, to stderr.
func PrintWarning(msg string) {
	if isJSON() {
		return
	}
	p := ui.NewPrinter(os.Stderr)
	p.Println(p.Render(ui.StyleWarning, "! "+msg))
}

// LogError prints a debug line to stderr when verbose mode is on.
func LogError(msg string, err error) {
	if !isVerbose() {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[DEBUG] %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "[DEBUG] %s\n", msg)
	}
}
