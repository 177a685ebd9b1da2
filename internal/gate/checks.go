package gate

import (
	"context"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/policy"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

// CheckInput is what a check sees: the rule, the pending action and the
// project filesystem.
type CheckInput struct {
	Rule    *rules.Rule
	Context session.Context
	// Root is the project root; relative targets resolve against it.
	Root string
	Fs   afero.Fs
}

// root returns the directory relative targets resolve against.
func (in CheckInput) root() string {
	if in.Context.WorkDir != "" {
		return in.Context.WorkDir
	}
	return in.Root
}

// target returns the absolute and root-relative forms of the target path, or
// empty strings when the action has no file target.
func (in CheckInput) target() (abs, rel string) {
	p := in.Context.TargetPath()
	if p == "" {
		return "", ""
	}
	root := in.root()
	abs = p
	if !filepath.IsAbs(abs) && root != "" {
		abs = filepath.Join(root, p)
	}
	return abs, policy.RelativePath(root, abs)
}

// CheckResult is a check's answer. A result that is not Applicable is
// recorded as SKIPPED.
type CheckResult struct {
	Applicable bool
	Passed     bool
	Note       string
	Suggestion string
}

func notApplicable(note string) CheckResult {
	return CheckResult{Note: note}
}

func passed(note string) CheckResult {
	return CheckResult{Applicable: true, Passed: true, Note: note}
}

func failed(note, suggestion string) CheckResult {
	return CheckResult{Applicable: true, Note: note, Suggestion: suggestion}
}

// Check is a deterministic predicate keyed by rule category. An error means
// the check could not decide; the gate treats that as a failure.
type Check interface {
	Run(ctx context.Context, in CheckInput) (CheckResult, error)
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context, in CheckInput) (CheckResult, error)

// Run implements Check.
func (f CheckFunc) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	return f(ctx, in)
}

// PolicyEvaluator evaluates a named Rego policy. *policy.Engine implements it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, name string, input policy.Input) (*policy.Decision, error)
}

// CheckRegistry maps check categories to checks. Categories of the form
// "policy:<name>" resolve to the configured PolicyEvaluator.
type CheckRegistry struct {
	mu       sync.RWMutex
	checks   map[string]Check
	policies PolicyEvaluator
}

// NewCheckRegistry returns an empty registry.
func NewCheckRegistry() *CheckRegistry {
	return &CheckRegistry{checks: make(map[string]Check)}
}

// Register adds or replaces the check for category.
func (r *CheckRegistry) Register(category string, c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[category] = c
}

// SetPolicyEvaluator enables policy:<name> checks.
func (r *CheckRegistry) SetPolicyEvaluator(p PolicyEvaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = p
}

// Lookup returns the check for category.
func (r *CheckRegistry) Lookup(category string) (Check, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := strings.CutPrefix(category, rules.CheckPolicyPrefix); ok {
		if r.policies == nil || name == "" {
			return nil, false
		}
		return &policyCheck{name: name, eval: r.policies}, true
	}
	c, ok := r.checks[category]
	return c, ok
}

// Categories lists the registered categories, sorted.
func (r *CheckRegistry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.checks))
	for k := range r.checks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ChecksConfig configures the built-in checks.
type ChecksConfig struct {
	// TestGlobs are extra doublestar patterns for test artifacts. {name},
	// {dir} and {ext} expand to the edited file's base name, directory and
	// extension.
	TestGlobs []string
	// BackupDir is searched, relative to the project root, for backups.
	BackupDir string
	// LookPath resolves executables; defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// Expressions are named CEL expressions usable by expr checks.
	Expressions map[string]string
	// Policies enables policy:<name> checks when set.
	Policies PolicyEvaluator
}

// DefaultChecks builds the registry of built-in checks.
func DefaultChecks(cfg ChecksConfig) (*CheckRegistry, error) {
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	expr, err := NewExprCheck(cfg.Expressions)
	if err != nil {
		return nil, err
	}
	r := NewCheckRegistry()
	r.Register(rules.CheckTestsExist, &testsExist{globs: cfg.TestGlobs})
	r.Register(rules.CheckBackupExists, &backupExists{dir: cfg.BackupDir})
	r.Register(rules.CheckToolAvailable, &toolAvailable{lookPath: cfg.LookPath})
	r.Register(rules.CheckPathProtected, pathProtected{})
	r.Register(rules.CheckExpr, expr)
	if cfg.Policies != nil {
		r.SetPolicyEvaluator(cfg.Policies)
	}
	return r, nil
}
