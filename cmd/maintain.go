package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/maintenance"
	"github.com/josephgoksu/rulegate/internal/ui"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Find stale, ineffective and conflicting rules",
	Long: `Maintenance reads the registry and the audit log and flags rules for review:

  stale              not used within the stale window
  low_effectiveness  followed too rarely once enough events exist
  conflict           overlapping rules with different alert levels

Flags never archive a rule; review them and run "rulegate rules archive".`,
}

var maintainRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze and write review flags to the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMaintenance(cmd, true)
	},
}

var maintainReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the maintenance report without changing flags",
	Long: `Prints the report as YAML, or JSON with --json. Nothing is written.
Use --summary for a short human-readable digest.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMaintenance(cmd, false)
	},
}

var maintainSummary bool

func init() {
	rootCmd.AddCommand(maintainCmd)
	maintainCmd.AddCommand(maintainRunCmd, maintainReportCmd)
	maintainReportCmd.Flags().BoolVar(&maintainSummary, "summary", false, "print a short digest instead of YAML")
}

func runMaintenance(cmd *cobra.Command, apply bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	return withRuntime(ctx, func(rt *compliance.Runtime) error {
		var (
			report *maintenance.Report
			err    error
		)
		if apply {
			report, err = rt.Analyzer.Run(ctx)
		} else {
			report, err = rt.Analyzer.Analyze(ctx)
		}
		if err != nil {
			return err
		}
		if isJSON() {
			return printJSON(out, report)
		}
		if apply || maintainSummary {
			p := newPrinter(out)
			p.Print(renderMaintenance(p, report))
			return nil
		}
		data, err := report.YAML()
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = out.Write(data)
		return err
	})
}

func renderMaintenance(p *ui.Printer, r *maintenance.Report) string {
	var sb strings.Builder
	title := "Maintenance report"
	if r.Applied {
		title = "Maintenance applied"
	}
	fmt.Fprintf(&sb, "%s %s\n", p.Render(ui.StyleTitle, title), p.Render(ui.StyleSubtle, fmt.Sprintf("· %d rules", r.Rules)))

	flagged := r.FlaggedIDs()
	if len(flagged) == 0 {
		sb.WriteString(p.Render(ui.StyleSuccess, "  no rules need review") + "\n")
		return sb.String()
	}
	if len(r.Stale) > 0 {
		sb.WriteString(p.Render(ui.StyleWarning, "  stale") + "\n")
		for _, ref := range r.Stale {
			last := "never used"
			if !ref.LastUsed.IsZero() {
				last = "last used " + ref.LastUsed.Format("2006-01-02")
			}
			fmt.Fprintf(&sb, "    %s  %s (%s)\n", ref.ID, ui.Truncate(ui.FirstLine(ref.Content), 60), last)
		}
	}
	if len(r.LowEffectiveness) > 0 {
		sb.WriteString(p.Render(ui.StyleWarning, "  low effectiveness") + "\n")
		for _, s := range r.LowEffectiveness {
			fmt.Fprintf(&sb, "    %s  followed %d of %d (%s)\n", s.RuleID, s.Followed, s.Decided(), formatScore(s.Rate))
		}
	}
	if len(r.Conflicts) > 0 {
		sb.WriteString(p.Render(ui.StyleWarning, "  conflicts") + "\n")
		for _, c := range r.Conflicts {
			fmt.Fprintf(&sb, "    %s (%s) vs %s (%s): %s\n", c.A, c.LevelA, c.B, c.LevelB, c.Reason)
		}
	}
	if !r.Applied {
		sb.WriteString(p.Render(ui.StyleSubtle, "  run \"rulegate maintain run\" to write these flags") + "\n")
	}
	return sb.String()
}
