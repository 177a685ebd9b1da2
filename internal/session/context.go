// Package session derives the SessionContext of a pending agent action from
// whatever signals are available: the tool call itself, recently touched
// paths, commit history and an optional phase file.
package session

import (
	"strings"
	"time"
)

// Tool is the normalized kind of action an agent is about to take.
type Tool string

const (
	ToolEdit     Tool = "edit"
	ToolWrite    Tool = "write"
	ToolExecute  Tool = "execute"
	ToolDelegate Tool = "delegate"
	ToolRead     Tool = "read"
	ToolOther    Tool = "other"
)

// Mutating reports whether the tool changes files or runs commands.
func (t Tool) Mutating() bool {
	return t == ToolEdit || t == ToolWrite || t == ToolExecute
}

var toolAliases = map[string]Tool{
	"edit":         ToolEdit,
	"multiedit":    ToolEdit,
	"notebookedit": ToolEdit,
	"str_replace":  ToolEdit,
	"patch":        ToolEdit,
	"write":        ToolWrite,
	"create":       ToolWrite,
	"bash":         ToolExecute,
	"shell":        ToolExecute,
	"exec":         ToolExecute,
	"execute":      ToolExecute,
	"run":          ToolExecute,
	"task":         ToolDelegate,
	"agent":        ToolDelegate,
	"delegate":     ToolDelegate,
	"read":         ToolRead,
	"grep":         ToolRead,
	"glob":         ToolRead,
	"ls":           ToolRead,
	"webfetch":     ToolRead,
	"websearch":    ToolRead,
}

// NormalizeTool maps agent tool names (Edit, Write, Bash, Task, ...) onto the
// fixed Tool set. Unknown names map to ToolOther.
func NormalizeTool(name string) Tool {
	key := strings.ToLower(strings.TrimSpace(name))
	// MCP tools arrive as mcp__server__tool; the last segment carries the verb.
	if i := strings.LastIndex(key, "__"); i >= 0 {
		key = key[i+2:]
	}
	if t, ok := toolAliases[key]; ok {
		return t
	}
	return ToolOther
}

// Context describes one pending action. It is built per evaluation and
// passed explicitly; there is no process-wide current session.
type Context struct {
	SessionID  string    `json:"sessionId"`
	Tool       Tool      `json:"tool"`
	Target     string    `json:"target"`
	Command    string    `json:"command,omitempty"`
	WorkDir    string    `json:"workDir,omitempty"`
	IntentTags []string  `json:"intentTags"`
	Phase      string    `json:"phase"`
	TaskType   string    `json:"taskType,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TargetPath returns the target when it names a file, or "" for commands.
func (c Context) TargetPath() string {
	if c.Tool == ToolExecute || c.Tool == ToolDelegate {
		return ""
	}
	return c.Target
}

// Signals is the raw input to the extractor. Every field is optional.
type Signals struct {
	SessionID    string    `json:"sessionId,omitempty"`
	ToolName     string    `json:"tool,omitempty"`
	TargetPath   string    `json:"targetPath,omitempty"`
	Command      string    `json:"command,omitempty"`
	WorkDir      string    `json:"workDir,omitempty"`
	TouchedPaths []string  `json:"touchedPaths,omitempty"`
	Messages     []string  `json:"messages,omitempty"`
	PhaseHint    string    `json:"phase,omitempty"`
	TaskHint     string    `json:"taskType,omitempty"`
	Now          time.Time `json:"now,omitzero"`
}
