package mcp

import (
	"context"
	"errors"
	"strings"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/scoring"
	"github.com/josephgoksu/rulegate/internal/session"
)

// Service is the compliance pipeline as seen by the MCP tools.
// *compliance.Service implements it.
type Service interface {
	Evaluate(ctx context.Context, req compliance.Request) (*gate.Verdict, error)
	Override(ctx context.Context, evaluationID, reason string) (*gate.OverrideResult, error)
	RelevantRules(ctx context.Context, req compliance.Request) (session.Context, []scoring.Scored, error)
}

// HandleEvaluateAction runs the gate for one pending action. A BLOCK verdict
// is a normal result with Blocked set, not an error.
func HandleEvaluateAction(ctx context.Context, svc Service, params EvaluateActionParams, defaultSessionID string) (*ToolResult, error) {
	if strings.TrimSpace(params.Tool) == "" {
		return &ToolResult{
			Tool:  ToolEvaluateAction,
			Error: FormatValidationError("tool", "tool is required (Edit, Write, Bash, Task, ...)"),
		}, nil
	}

	v, err := svc.Evaluate(ctx, params.Request(defaultSessionID))
	if err != nil {
		return errorResult(ToolEvaluateAction, err)
	}
	return &ToolResult{
		Tool:    ToolEvaluateAction,
		Content: FormatVerdict(v),
		Blocked: v.Blocked(),
	}, nil
}

// HandleOverrideBlock records an explicit override of a blocked evaluation.
func HandleOverrideBlock(ctx context.Context, svc Service, params OverrideBlockParams) (*ToolResult, error) {
	if strings.TrimSpace(params.EvaluationID) == "" {
		return &ToolResult{
			Tool:  ToolOverrideBlock,
			Error: FormatValidationError("evaluation_id", "evaluation_id is required"),
		}, nil
	}
	if strings.TrimSpace(params.Reason) == "" {
		return &ToolResult{
			Tool:  ToolOverrideBlock,
			Error: FormatValidationError("reason", "an override needs a reason for the audit log"),
		}, nil
	}

	res, err := svc.Override(ctx, params.EvaluationID, params.Reason)
	if err != nil {
		return errorResult(ToolOverrideBlock, err)
	}
	return &ToolResult{Tool: ToolOverrideBlock, Content: FormatOverride(res)}, nil
}

// HandleRelevantRules lists the rules above the relevance floor for an action
// without evaluating them.
func HandleRelevantRules(ctx context.Context, svc Service, params RelevantRulesParams, defaultSessionID string) (*ToolResult, error) {
	if params.Limit < 0 {
		return &ToolResult{
			Tool:  ToolRelevantRules,
			Error: FormatValidationError("limit", "limit must not be negative"),
		}, nil
	}

	sc, scored, err := svc.RelevantRules(ctx, params.Action().Request(defaultSessionID))
	if err != nil {
		return errorResult(ToolRelevantRules, err)
	}
	return &ToolResult{
		Tool:    ToolRelevantRules,
		Content: FormatRelevantRules(sc, scored, params.Limit),
	}, nil
}

// errorResult turns caller mistakes into tool errors the agent can act on.
// Anything else is returned as an error.
func errorResult(tool string, err error) (*ToolResult, error) {
	switch {
	case errors.Is(err, compliance.ErrEmptyRequest):
		return &ToolResult{Tool: tool, Error: FormatValidationError("target", "name a target file or a command")}, nil
	case errors.Is(err, gate.ErrOverrideReason):
		return &ToolResult{Tool: tool, Error: FormatValidationError("reason", err.Error())}, nil
	case errors.Is(err, gate.ErrEvaluationNotFound),
		errors.Is(err, gate.ErrNotBlocked),
		errors.Is(err, gate.ErrAlreadyOverridden):
		return &ToolResult{Tool: tool, Error: FormatError(err.Error())}, nil
	}
	return nil, err
}
