package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/ui"
)

var errChainBroken = errors.New("audit chain verification failed")

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the compliance audit log",
	Long: `Every evaluation and override is written to an append-only, hash-chained
audit log. Use list to query it and verify to check the chain.

Examples:
  rulegate audit list --since 24h
  rulegate audit list --events --rule R-0003 --verdict VIOLATED
  rulegate audit list --evaluation 6f1c...
  rulegate audit verify`,
}

var (
	auditRule       string
	auditSession    string
	auditEvaluation string
	auditVerdict    string
	auditSince      string
	auditLimit      int
	auditEvents     bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List evaluations, or rule events with --events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := auditFilter(time.Now())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		return withRuntime(ctx, func(rt *compliance.Runtime) error {
			p := newPrinter(out)
			if auditEvents || f.RuleID != "" || f.Verdict != "" {
				events, err := rt.AuditStore.Events(ctx, f)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(out, events)
				}
				if len(events) == 0 {
					p.Println("No audit events match.")
					return nil
				}
				t := &ui.Table{Headers: []string{"TIME", "EVALUATION", "RULE", "TOOL", "VERDICT", "NOTE"}, MaxWidth: 48}
				for _, e := range events {
					t.Rows = append(t.Rows, []string{
						e.Timestamp.Local().Format(time.DateTime), shortID(e.EvaluationID),
						e.RuleID, e.Tool, string(e.Verdict), e.Note,
					})
				}
				p.Print(t.Render(p))
				return nil
			}

			sums, err := rt.AuditStore.Summaries(ctx, f)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(out, sums)
			}
			if len(sums) == 0 {
				p.Println("No evaluations recorded.")
				return nil
			}
			t := &ui.Table{Headers: []string{"TIME", "EVALUATION", "KIND", "TOOL", "TARGET", "DECISION", "RULES"}, MaxWidth: 40}
			for _, s := range sums {
				decision := s.Decision
				if s.Decision == string(gate.DecisionBlock) {
					decision = p.Render(ui.StyleBlock, decision)
				}
				t.Rows = append(t.Rows, []string{
					s.Timestamp.Local().Format(time.DateTime), s.EvaluationID, string(s.Kind),
					s.Tool, s.Target, decision, fmt.Sprintf("%d/%d", s.ViolationCount, s.RuleCount),
				})
			}
			p.Print(t.Render(p))
			if !isQuiet() {
				p.Println(p.Render(ui.StyleSubtle, "RULES shows violations/evaluated. Use --events for per-rule outcomes."))
			}
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit hash chain",
	Long: `Recomputes every event and summary hash and checks each link to the
previous record. Exits non-zero when the chain is broken.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withRuntime(ctx, func(rt *compliance.Runtime) error {
			report, err := rt.AuditStore.VerifyChain(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				p := newPrinter(out)
				if report.Valid {
					p.Println(p.Render(ui.StyleSuccess, "✓ audit chain intact") +
						fmt.Sprintf(" · %d events · %d summaries", report.Events, report.Summaries))
				} else {
					p.Println(p.Render(ui.StyleError, "✗ audit chain broken"))
					for _, problem := range report.Problems {
						p.Println("  - " + problem)
					}
				}
			}
			if !report.Valid {
				return errChainBroken
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	f := auditListCmd.Flags()
	f.StringVar(&auditRule, "rule", "", "only events for this rule id")
	f.StringVar(&auditSession, "session", "", "only this session")
	f.StringVar(&auditEvaluation, "evaluation", "", "only this evaluation id")
	f.StringVar(&auditVerdict, "verdict", "", "only events with this verdict: FOLLOWED, VIOLATED, OVERRIDDEN, SKIPPED")
	f.StringVar(&auditSince, "since", "", "only records newer than a duration (24h) or timestamp (RFC 3339)")
	f.IntVarP(&auditLimit, "limit", "n", 50, "maximum records, newest first (0 for all)")
	f.BoolVar(&auditEvents, "events", false, "list per-rule events instead of evaluations")
}

func auditFilter(now time.Time) (audit.Filter, error) {
	f := audit.Filter{
		RuleID:       auditRule,
		SessionID:    auditSession,
		EvaluationID: auditEvaluation,
		Limit:        auditLimit,
	}
	if auditLimit < 0 {
		return f, errors.New("--limit must be >= 0")
	}
	if auditVerdict != "" {
		v := audit.Verdict(strings.ToUpper(auditVerdict))
		if !v.Valid() {
			return f, fmt.Errorf("unknown verdict %q", auditVerdict)
		}
		f.Verdict = v
	}
	if auditSince != "" {
		since, err := parseSince(auditSince, now)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	return f, nil
}

// parseSince accepts a duration back from now or an RFC 3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: use a duration like 24h or a timestamp", s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
