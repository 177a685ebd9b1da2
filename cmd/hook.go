package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/logger"
	"github.com/josephgoksu/rulegate/internal/ui"
)

// maxHookPayload bounds what pre-tool reads from stdin.
const maxHookPayload = 1 << 20

// HookPayload is the JSON an agent's PreToolUse hook writes to stdin.
type HookPayload struct {
	SessionID string        `json:"session_id"`
	HookEvent string        `json:"hook_event_name,omitempty"`
	ToolName  string        `json:"tool_name"`
	ToolInput HookToolInput `json:"tool_input"`
	Cwd       string        `json:"cwd,omitempty"`
}

// HookToolInput holds the tool_input fields rulegate understands.
type HookToolInput struct {
	FilePath     string `json:"file_path,omitempty"`
	NotebookPath string `json:"notebook_path,omitempty"`
	Path         string `json:"path,omitempty"`
	Command      string `json:"command,omitempty"`
	Description  string `json:"description,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// Request converts the payload into a compliance request.
func (p HookPayload) Request() compliance.Request {
	in := p.ToolInput
	target := in.FilePath
	if target == "" {
		target = in.NotebookPath
	}
	if target == "" {
		target = in.Path
	}
	req := compliance.Request{
		Tool:      p.ToolName,
		Target:    target,
		Command:   in.Command,
		SessionID: p.SessionID,
		WorkDir:   p.Cwd,
	}
	if msg := strings.TrimSpace(in.Description + " " + in.Prompt); msg != "" {
		req.Signals.Messages = []string{msg}
		if req.Target == "" && req.Command == "" {
			req.Target = truncateTarget(msg)
		}
	}
	return req
}

func truncateTarget(s string) string {
	s = ui.FirstLine(s)
	return ui.Truncate(s, 120)
}

// HookResponse is the JSON answer written to stdout.
type HookResponse struct {
	Decision string `json:"decision"` // "approve" or "block"
	Reason   string `json:"reason,omitempty"`
}

const (
	hookApprove = "approve"
	hookBlock   = "block"
)

// hookResponseFor turns a verdict into the hook answer. Blocking lines are
// listed with their suggested actions; on approve, warn lines are passed on
// so the agent still sees them.
func hookResponseFor(v *gate.Verdict) HookResponse {
	var sb strings.Builder
	if v.Blocked() {
		sb.WriteString(fmt.Sprintf("rulegate blocked this action (evaluation %s):", v.EvaluationID))
		for _, l := range v.Lines {
			if l.Tier != gate.TierBlock {
				continue
			}
			sb.WriteString(fmt.Sprintf("\n- [%s] %s", l.RuleID, l.Message))
			if l.Note != "" {
				sb.WriteString(" (" + l.Note + ")")
			}
			if l.SuggestedAction != "" {
				sb.WriteString("\n  fix: " + l.SuggestedAction)
			}
		}
		sb.WriteString(fmt.Sprintf("\nTo proceed anyway: rulegate hook override %s --reason \"...\"", v.EvaluationID))
		return HookResponse{Decision: hookBlock, Reason: sb.String()}
	}

	for _, l := range v.Lines {
		if l.Tier == gate.TierWarn {
			sb.WriteString(fmt.Sprintf("[%s] %s\n", l.RuleID, l.Message))
		}
	}
	for _, w := range v.Warnings {
		sb.WriteString("WARNING: " + w + "\n")
	}
	return HookResponse{Decision: hookApprove, Reason: strings.TrimSpace(sb.String())}
}

func readHookPayload(r io.Reader) (HookPayload, error) {
	var p HookPayload
	data, err := io.ReadAll(io.LimitReader(r, maxHookPayload))
	if err != nil {
		return p, fmt.Errorf("read hook payload: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, errors.New("empty hook payload")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode hook payload: %w", err)
	}
	if strings.TrimSpace(p.ToolName) == "" {
		return p, errors.New("hook payload has no tool_name")
	}
	return p, nil
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Agent hook integration",
	Long: `Commands designed to be called by agent hooks.

Example .claude/settings.json configuration:
{
  "hooks": {
    "PreToolUse": [{
      "matcher": "Edit|Write|MultiEdit|Bash|Task",
      "hooks": [{
        "type": "command",
        "command": "rulegate hook pre-tool",
        "timeout": 10
      }]
    }]
  }
}`,
}

var hookPreToolCmd = &cobra.Command{
	Use:   "pre-tool",
	Short: "Evaluate a pending tool call (for PreToolUse hooks)",
	Long: `Reads the hook payload from stdin, evaluates the action against the
relevant rules and writes {"decision":"approve"|"block","reason":"..."}.

If rulegate itself fails, the action is approved and the reason says why, so a
broken installation never wedges the agent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp := runPreTool(cmd.Context(), cmd.InOrStdin())
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var hookOverrideReason string

var hookOverrideCmd = &cobra.Command{
	Use:   "override <evaluation-id>",
	Short: "Override a blocked evaluation",
	Long: `Records an explicit override of a BLOCK verdict. The reason is required and
is written to the audit log; the blocking rules are logged as OVERRIDDEN.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
			res, err := rt.Service.Override(cmd.Context(), args[0], hookOverrideReason)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			p := newPrinter(cmd.OutOrStdout())
			p.Print(ui.RenderOverride(p, res))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
	hookCmd.AddCommand(hookPreToolCmd)
	hookCmd.AddCommand(hookOverrideCmd)

	hookOverrideCmd.Flags().StringVarP(&hookOverrideReason, "reason", "r", "", "why the block is overridden (required)")
	_ = hookOverrideCmd.MarkFlagRequired("reason")
}

// runPreTool evaluates one hook payload. Failures approve with a reason.
func runPreTool(ctx context.Context, stdin io.Reader) HookResponse {
	payload, err := readHookPayload(stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rulegate: %v\n", err)
		return HookResponse{Decision: hookApprove, Reason: "rulegate could not read the hook payload: " + err.Error()}
	}
	req := payload.Request()
	logger.SetLastAction(req.SessionID, req.Tool, req.Target+req.Command)

	var resp *HookResponse
	err = withRuntime(ctx, func(rt *compliance.Runtime) error {
		v, err := rt.Service.Evaluate(ctx, req)
		if err != nil {
			return err
		}
		r := hookResponseFor(v)
		resp = &r
		return nil
	})
	if resp != nil {
		// The verdict stands even if closing the runtime failed.
		if err != nil {
			fmt.Fprintf(os.Stderr, "rulegate: %v\n", err)
		}
		return *resp
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rulegate: %v\n", err)
		return HookResponse{Decision: hookApprove, Reason: "rulegate could not evaluate this action: " + err.Error()}
	}
	return HookResponse{Decision: hookApprove}
}
