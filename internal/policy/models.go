// Package policy evaluates Rego policies (Open Policy Agent) as gate checks.
// A rule annotated [check: policy:<name>] is checked by querying the deny and
// warn sets of package rulegate.<name> with the pending action as input.
package policy

import (
	"errors"
	"time"
)

// PackagePrefix is the Rego package namespace rulegate policies live under.
const PackagePrefix = "rulegate"

// ErrPolicyNotFound is returned when no loaded module declares the requested package.
var ErrPolicyNotFound = errors.New("policy not found")

// Decision is the outcome of evaluating one policy package.
type Decision struct {
	Policy      string    `json:"policy"`
	Package     string    `json:"package"`
	Denied      []string  `json:"denied,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Allowed reports whether no deny message fired.
func (d *Decision) Allowed() bool {
	return len(d.Denied) == 0
}

// Input is what Rego policies receive as `input`.
type Input struct {
	SessionID   string     `json:"session_id,omitempty"`
	Tool        string     `json:"tool"`
	Target      string     `json:"target,omitempty"`
	Command     string     `json:"command,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	TaskType    string     `json:"task_type,omitempty"`
	Tags        []string   `json:"tags"`
	ProjectType string     `json:"project_type,omitempty"`
	Rule        *RuleInput `json:"rule,omitempty"`
}

// RuleInput describes the rule being checked.
type RuleInput struct {
	ID         string   `json:"id"`
	Section    string   `json:"section"`
	Content    string   `json:"content"`
	AlertLevel string   `json:"alert_level"`
	Args       []string `json:"args,omitempty"`
}
