package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/store"
	"github.com/josephgoksu/rulegate/internal/ui"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and maintain the rule registry",
	Long: `The rule registry is built from the policy document. Reparse after editing
the document; rules are matched by content, so edits keep their ids, removed
rules are archived and restored rules come back with their history.

Examples:
  rulegate rules reparse
  rulegate rules list --level critical
  rulegate rules show R-0003
  rulegate rules set-level R-0003 advisory
  rulegate rules archive R-0007
  rulegate rules export > rules.yaml`,
}

var rulesReparseCmd = &cobra.Command{
	Use:   "reparse",
	Short: "Re-read the policy document and update the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withRuntime(ctx, func(rt *compliance.Runtime) error {
			res, err := rt.Registry.ReparseFromDisk(ctx)
			if err != nil && (res == nil || !store.IsStorageError(err)) {
				return err
			}
			if err != nil {
				PrintWarning("rules updated in memory but not persisted: " + err.Error())
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			p := newPrinter(cmd.OutOrStdout())
			p.Print(renderReparse(p, res, rt.Registry.Len()))
			return nil
		})
	},
}

var (
	rulesListStatus string
	rulesListLevel  string
	rulesListFlag   string
	rulesListAll    bool
)

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var level rules.AlertLevel
		if rulesListLevel != "" {
			l, ok := rules.ParseAlertLevel(rulesListLevel)
			if !ok {
				return fmt.Errorf("unknown level %q (want critical, advisory or info)", rulesListLevel)
			}
			level = l
		}
		return withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
			var out []*rules.Rule
			for _, r := range rt.Registry.List() {
				if r.IsArchived() && !rulesListAll && rulesListStatus != string(rules.StatusArchived) {
					continue
				}
				if rulesListStatus != "" && string(r.Status) != rulesListStatus {
					continue
				}
				if level != "" && r.AlertLevel != level {
					continue
				}
				if rulesListFlag != "" && !r.HasFlag(rulesListFlag) {
					continue
				}
				out = append(out, r)
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"total": len(out), "rules": out})
			}
			p := newPrinter(cmd.OutOrStdout())
			if len(out) == 0 {
				p.Println("No rules match.")
				return nil
			}
			t := &ui.Table{Headers: []string{"ID", "LEVEL", "STATUS", "SECTION", "USES", "RULE"}, MaxWidth: 60}
			for _, r := range out {
				status := string(r.Status)
				if len(r.Flags) > 0 {
					status += " (" + strings.Join(r.Flags, ",") + ")"
				}
				t.Rows = append(t.Rows, []string{
					r.ID, string(r.AlertLevel), status, ui.SectionTitle(r.Section),
					strconv.FormatInt(r.UsageCount, 10), ui.FirstLine(r.Content),
				})
			}
			p.Print(t.Render(p))
			if !isQuiet() {
				p.Println(p.Render(ui.StyleSubtle, fmt.Sprintf("%d rules · registry version %d", len(out), rt.Registry.Version())))
			}
			return nil
		})
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <rule-id>",
	Short: "Show one rule with its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
			r, ok := rt.Registry.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", rules.ErrRuleNotFound, args[0])
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), r)
			}
			p := newPrinter(cmd.OutOrStdout())
			p.Print(renderRule(p, r))
			return nil
		})
	},
}

var rulesArchiveCmd = &cobra.Command{
	Use:   "archive <rule-id>",
	Short: "Archive a rule after review",
	Long: `Archives a rule so it is no longer scored or checked. Archived rules keep
their history and can be restored by re-adding them to the policy document.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
			if err := rt.Registry.Archive(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !isQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", args[0])
			}
			return nil
		})
	},
}

var rulesSetLevelCmd = &cobra.Command{
	Use:   "set-level <rule-id> <critical|advisory|info>",
	Short: "Change a rule's alert level",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, ok := rules.ParseAlertLevel(args[1])
		if !ok {
			return fmt.Errorf("unknown level %q (want critical, advisory or info)", args[1])
		}
		return withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
			if err := rt.Registry.SetAlertLevel(cmd.Context(), args[0], level); err != nil {
				return err
			}
			if !isQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], level)
			}
			return nil
		})
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the registry as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
			snap := rt.Registry.Snapshot()
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), snap.Rules)
			}
			return exportRules(cmd.OutOrStdout(), snap)
		})
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesReparseCmd, rulesListCmd, rulesShowCmd, rulesArchiveCmd, rulesSetLevelCmd, rulesExportCmd)

	rulesListCmd.Flags().StringVar(&rulesListStatus, "status", "", "filter by status: active, stale, archived")
	rulesListCmd.Flags().StringVar(&rulesListLevel, "level", "", "filter by alert level: critical, advisory, info")
	rulesListCmd.Flags().StringVar(&rulesListFlag, "flag", "", "filter by review flag: stale, low_effectiveness, conflict")
	rulesListCmd.Flags().BoolVarP(&rulesListAll, "all", "a", false, "include archived rules")
}

// ruleExport is the YAML document written by rules export.
type ruleExport struct {
	ExportedAt time.Time     `yaml:"exported_at"`
	Document   string        `yaml:"document_fingerprint"`
	ParsedAt   time.Time     `yaml:"parsed_at,omitempty"`
	Rules      []*rules.Rule `yaml:"rules"`
}

func exportRules(w io.Writer, snap *rules.Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	doc := ruleExport{
		ExportedAt: time.Now().UTC(),
		Document:   snap.DocumentFP,
		ParsedAt:   snap.ParsedAt,
		Rules:      snap.Rules,
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return enc.Close()
}

func renderReparse(p *ui.Printer, res *rules.ReparseResult, total int) string {
	var sb strings.Builder
	if res.NoChange {
		sb.WriteString(p.Render(ui.StyleSuccess, "Policy document unchanged") + fmt.Sprintf(" · %d rules\n", total))
		return sb.String()
	}
	sb.WriteString(p.Render(ui.StyleSuccess, "Registry updated") + fmt.Sprintf(" · %d rules\n", total))
	for _, row := range []struct {
		label string
		ids   []string
	}{
		{"added", res.Added},
		{"updated", res.Updated},
		{"archived", res.Archived},
		{"restored", res.Restored},
	} {
		if len(row.ids) > 0 {
			fmt.Fprintf(&sb, "  %-9s %s\n", row.label, strings.Join(row.ids, ", "))
		}
	}
	fmt.Fprintf(&sb, "  %-9s %d\n", "unchanged", res.Unchanged)
	if res.BackupPath != "" {
		sb.WriteString(p.Render(ui.StyleSubtle, "  backup "+res.BackupPath) + "\n")
	}
	return sb.String()
}

func renderRule(p *ui.Printer, r *rules.Rule) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s\n", p.Render(ui.StyleTitle, r.ID), p.Render(ui.TierStyle(tierOf(r.AlertLevel)), string(r.AlertLevel)))
	sb.WriteString(r.Content + "\n\n")
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "  %-12s %s\n", p.Render(ui.StyleSubtle, name), value)
		}
	}
	field("section", ui.SectionTitle(r.Section))
	field("status", string(r.Status))
	field("flags", strings.Join(r.Flags, ", "))
	field("tags", strings.Join(r.Tags, ", "))
	field("phases", strings.Join(r.Phases, ", "))
	if r.Check != "" {
		field("check", strings.TrimSpace(r.Check+" "+strings.Join(r.CheckArgs, " ")))
	}
	field("uses", strconv.FormatInt(r.UsageCount, 10))
	if !r.LastUsed.IsZero() {
		field("last used", r.LastUsed.Format(time.RFC3339))
	}
	field("compliance", formatScore(r.ComplianceScore))
	field("updated", r.LastUpdated.Format(time.RFC3339))
	return sb.String()
}

// tierOf maps an alert level to the tier a violation surfaces at.
func tierOf(l rules.AlertLevel) gate.Tier {
	switch l {
	case rules.LevelCritical:
		return gate.TierBlock
	case rules.LevelAdvisory:
		return gate.TierWarn
	}
	return gate.TierInform
}
