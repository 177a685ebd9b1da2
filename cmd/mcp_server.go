package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	mcppresenter "github.com/josephgoksu/rulegate/internal/mcp"
)

var mcpNoWatch bool

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio so agents can consult
rulegate before acting.

Tools:
  evaluate_action   evaluate a pending action and get ALLOW or BLOCK
  override_block    override a blocked evaluation with a reason
  relevant_rules    list the rules that apply to an action

The policy document is watched while the server runs, so edits take effect
without a restart.

The server will run until the client disconnects.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpNoWatch, "no-watch", false, "don't reparse the policy document on change")
}

// mcpMarkdownResponse wraps Markdown content in an MCP tool result.
func mcpMarkdownResponse(markdown string) (*mcpsdk.CallToolResultFor[any], error) {
	return &mcpsdk.CallToolResultFor[any]{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: markdown}},
	}, nil
}

// mcpErrorResponse wraps an error in an MCP tool result with IsError=true.
// Tool errors go in the result, not the protocol, so the agent can see them
// and correct its call.
func mcpErrorResponse(err error) (*mcpsdk.CallToolResultFor[any], error) {
	return mcpFormattedErrorResponse(mcppresenter.FormatError(err.Error()))
}

// mcpFormattedErrorResponse wraps pre-formatted error text with IsError=true.
func mcpFormattedErrorResponse(formattedError string) (*mcpsdk.CallToolResultFor[any], error) {
	return &mcpsdk.CallToolResultFor[any]{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: formattedError}},
		IsError: true,
	}, nil
}

// mcpToolResponse converts a handler result into an MCP tool result.
func mcpToolResponse(result *mcppresenter.ToolResult, err error) (*mcpsdk.CallToolResultFor[any], error) {
	if err != nil {
		return mcpErrorResponse(err)
	}
	if result.Error != "" {
		return mcpFormattedErrorResponse(result.Error)
	}
	return mcpMarkdownResponse(result.Content)
}

// sessionIDFor prefers the MCP session id and falls back to the server's.
func sessionIDFor(session *mcpsdk.ServerSession, fallback string) string {
	if session != nil {
		if sid := strings.TrimSpace(session.ID()); sid != "" {
			return sid
		}
	}
	return fallback
}

func runMCPServer(ctx context.Context) error {
	// stdout carries JSON-RPC; status output goes to stderr only.
	fmt.Fprintln(os.Stderr, "rulegate MCP server starting...")

	return withRuntime(ctx, func(rt *compliance.Runtime) error {
		if !mcpNoWatch {
			stop, err := startBackground(ctx, rt, false)
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠  policy document not watched: %v\n", err)
			} else {
				defer stop()
			}
		}

		serverSessionID := uuid.NewString()
		impl := &mcpsdk.Implementation{
			Name:    "rulegate-mcp",
			Version: version,
		}
		serverOpts := &mcpsdk.ServerOptions{
			InitializedHandler: func(ctx context.Context, session *mcpsdk.ServerSession, params *mcpsdk.InitializedParams) {
				fmt.Fprintf(os.Stderr, "✓ MCP connection established\n")
				if isVerbose() {
					fmt.Fprintf(os.Stderr, "[DEBUG] Client initialized, %d rules loaded\n", rt.Registry.Len())
				}
			},
		}
		server := mcpsdk.NewServer(impl, serverOpts)

		mcpsdk.AddTool(server, &mcpsdk.Tool{
			Name: mcppresenter.ToolEvaluateAction,
			Description: `Evaluate a pending action against the project's rules BEFORE performing it.
Returns ALLOW or BLOCK with the rules that apply. On BLOCK, fix the listed
violations or call override_block with the evaluation id and a reason.
Provide tool (edit, write, execute, delegate, read) and a target file or a command.`,
		}, func(ctx context.Context, session *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[mcppresenter.EvaluateActionParams]) (*mcpsdk.CallToolResultFor[any], error) {
			return mcpToolResponse(mcppresenter.HandleEvaluateAction(ctx, rt.Service, params.Arguments, sessionIDFor(session, serverSessionID)))
		})

		mcpsdk.AddTool(server, &mcpsdk.Tool{
			Name: mcppresenter.ToolOverrideBlock,
			Description: `Override a BLOCK verdict. Requires evaluation_id from evaluate_action and a
non-empty reason explaining why proceeding is justified. The override is
recorded in the audit log.`,
		}, func(ctx context.Context, session *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[mcppresenter.OverrideBlockParams]) (*mcpsdk.CallToolResultFor[any], error) {
			return mcpToolResponse(mcppresenter.HandleOverrideBlock(ctx, rt.Service, params.Arguments))
		})

		mcpsdk.AddTool(server, &mcpsdk.Tool{
			Name: mcppresenter.ToolRelevantRules,
			Description: `List the rules that apply to an action, ranked by relevance, without
evaluating checks or recording anything. Use it to plan work that follows the rules.`,
		}, func(ctx context.Context, session *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[mcppresenter.RelevantRulesParams]) (*mcpsdk.CallToolResultFor[any], error) {
			return mcpToolResponse(mcppresenter.HandleRelevantRules(ctx, rt.Service, params.Arguments, sessionIDFor(session, serverSessionID)))
		})

		if err := server.Run(ctx, mcpsdk.NewStdioTransport()); err != nil {
			return fmt.Errorf("MCP server failed: %w", err)
		}
		return nil
	})
}
