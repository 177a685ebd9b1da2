// Package mcp provides the tool parameters, handlers and Markdown presenters
// of the rulegate MCP server.
package mcp

import "github.com/josephgoksu/rulegate/internal/compliance"

// Tool names registered by the server.
const (
	ToolEvaluateAction = "evaluate_action"
	ToolOverrideBlock  = "override_block"
	ToolRelevantRules  = "relevant_rules"
)

// DefaultRelevantLimit caps relevant_rules output when no limit is given.
const DefaultRelevantLimit = 10

// ActionParams describes the pending action. It is shared by evaluate_action
// and relevant_rules.
type ActionParams struct {
	// Tool is the agent tool about to run (Edit, Write, Bash, Task, ...).
	// Required.
	Tool string `json:"tool"`

	// Target is the file the tool touches.
	// Optional for execute tools, which use Command instead.
	Target string `json:"target,omitempty"`

	// Command is the shell command for execute tools.
	Command string `json:"command,omitempty"`

	// SessionID groups evaluations of one agent session.
	// Optional. Defaults to the server's session.
	SessionID string `json:"session_id,omitempty"`

	// Cwd is the directory relative targets resolve against.
	Cwd string `json:"cwd,omitempty"`

	// Phase overrides the detected development phase.
	Phase string `json:"phase,omitempty"`

	// TaskType is a free-form hint such as "bugfix" or "feature".
	TaskType string `json:"task_type,omitempty"`

	// Messages are recent conversation lines used for intent tags.
	Messages []string `json:"messages,omitempty"`
}

// Request converts the parameters into a compliance request.
func (p ActionParams) Request(defaultSessionID string) compliance.Request {
	req := compliance.Request{
		Tool:      p.Tool,
		Target:    p.Target,
		Command:   p.Command,
		SessionID: p.SessionID,
		WorkDir:   p.Cwd,
	}
	if req.SessionID == "" {
		req.SessionID = defaultSessionID
	}
	req.Signals.PhaseHint = p.Phase
	req.Signals.TaskHint = p.TaskType
	req.Signals.Messages = p.Messages
	return req
}

// EvaluateActionParams are the evaluate_action arguments.
type EvaluateActionParams = ActionParams

// OverrideBlockParams are the override_block arguments.
type OverrideBlockParams struct {
	// EvaluationID is the id printed with a BLOCK verdict. Required.
	EvaluationID string `json:"evaluation_id"`
	// Reason is recorded in the audit log. Required.
	Reason string `json:"reason"`
}

// RelevantRulesParams are the relevant_rules arguments.
type RelevantRulesParams struct {
	Tool      string `json:"tool"`
	Target    string `json:"target,omitempty"`
	Command   string `json:"command,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Phase     string `json:"phase,omitempty"`

	// Limit is the maximum number of rules returned (default: 10).
	Limit int `json:"limit,omitempty"`
}

// Action returns the action part of the parameters.
func (p RelevantRulesParams) Action() ActionParams {
	return ActionParams{
		Tool:      p.Tool,
		Target:    p.Target,
		Command:   p.Command,
		SessionID: p.SessionID,
		Cwd:       p.Cwd,
		Phase:     p.Phase,
	}
}

// ToolResult is a handler's answer. Error is set for failures the caller can
// correct; the server returns it with IsError.
type ToolResult struct {
	Tool    string `json:"tool"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
}
