package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/logger"
	"github.com/josephgoksu/rulegate/internal/ui"
)

var (
	checkTool      string
	checkTarget    string
	checkCommand   string
	checkSession   string
	checkPhase     string
	checkTaskType  string
	checkMessages  []string
	checkRelevant  bool
	checkNoExitErr bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a pending action against the rules",
	Long: `Evaluate one action the way the hook does and print the verdict.

The exit status is 0 for ALLOW and 2 for BLOCK, so check can guard scripts.

Examples:
  rulegate check --tool Edit --target src/app.go
  rulegate check --tool Bash --command "rm -rf migrations"
  rulegate check --tool Edit --target src/app.go --relevant   # list rules only
  rulegate check --tool Write --target db/schema.sql --json`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkTool, "tool", "t", "", "agent tool name: Edit, Write, Bash, Task, Read, ... (required)")
	checkCmd.Flags().StringVar(&checkTarget, "target", "", "file the action touches")
	checkCmd.Flags().StringVar(&checkCommand, "command", "", "shell command for execute tools")
	checkCmd.Flags().StringVar(&checkSession, "session", "", "session id (default: a new session)")
	checkCmd.Flags().StringVar(&checkPhase, "phase", "", "development phase, overriding detection")
	checkCmd.Flags().StringVar(&checkTaskType, "task-type", "", "task type hint such as bugfix or feature")
	checkCmd.Flags().StringArrayVarP(&checkMessages, "message", "m", nil, "recent conversation line used for intent tags (repeatable)")
	checkCmd.Flags().BoolVar(&checkRelevant, "relevant", false, "list the relevant rules without evaluating them")
	checkCmd.Flags().BoolVar(&checkNoExitErr, "no-exit-code", false, "exit 0 even when the action is blocked")
	_ = checkCmd.MarkFlagRequired("tool")
}

func checkRequest() (compliance.Request, error) {
	wd, err := os.Getwd()
	if err != nil {
		return compliance.Request{}, err
	}
	req := compliance.Request{
		Tool:      checkTool,
		Target:    checkTarget,
		Command:   checkCommand,
		SessionID: checkSession,
		WorkDir:   wd,
	}
	req.Signals.PhaseHint = checkPhase
	req.Signals.TaskHint = checkTaskType
	req.Signals.Messages = checkMessages
	return req, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	req, err := checkRequest()
	if err != nil {
		return err
	}
	logger.SetLastAction(req.SessionID, req.Tool, req.Target+req.Command)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	return withRuntime(ctx, func(rt *compliance.Runtime) error {
		if checkRelevant {
			sc, scored, err := rt.Service.RelevantRules(ctx, req)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(out, map[string]any{"context": sc, "rules": scored})
			}
			p := newPrinter(out)
			p.Println(p.Render(ui.StyleTitle, "Relevant rules") + p.Render(ui.StyleSubtle, " · phase "+sc.Phase))
			t := &ui.Table{Headers: []string{"ID", "LEVEL", "SCORE", "RULE"}, MaxWidth: 60}
			for _, s := range scored {
				t.Rows = append(t.Rows, []string{s.Rule.ID, string(s.Rule.AlertLevel), formatScore(s.Score), s.Rule.Content})
			}
			p.Print(t.Render(p))
			return nil
		}

		v, err := rt.Service.Evaluate(ctx, req)
		if err != nil {
			return err
		}
		if isJSON() {
			if err := printJSON(out, v); err != nil {
				return err
			}
		} else if !isQuiet() || v.Blocked() {
			p := newPrinter(out)
			p.Print(ui.RenderVerdict(p, v))
		}
		if v.Blocked() && !checkNoExitErr {
			return errBlocked
		}
		return nil
	})
}
