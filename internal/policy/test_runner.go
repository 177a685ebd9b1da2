package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/tester"
	"github.com/open-policy-agent/opa/v1/topdown"
	"github.com/spf13/afero"
)

// TestResult is the outcome of one Rego test rule.
type TestResult struct {
	Name     string        `json:"name"`
	Package  string        `json:"package"`
	Passed   bool          `json:"passed"`
	Failed   bool          `json:"failed"`
	Skipped  bool          `json:"skipped"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Output   []string      `json:"output,omitempty"`
}

// TestSummary aggregates a policy test run.
type TestSummary struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Errored  int           `json:"errored"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
	Results  []*TestResult `json:"results"`
}

// TestRunner runs the test_* rules found in the policies directory, so
// policy authors can check their deny/warn logic before the gate uses it.
type TestRunner struct {
	fs          afero.Fs
	policiesDir string
	workDir     string
}

// NewTestRunner creates a runner. A nil fs uses the OS filesystem.
func NewTestRunner(fs afero.Fs, policiesDir, workDir string) *TestRunner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &TestRunner{fs: fs, policiesDir: policiesDir, workDir: workDir}
}

// Run compiles every module and runs its tests.
func (r *TestRunner) Run(ctx context.Context) (*TestSummary, error) {
	start := time.Now()
	RegisterBuiltins(&BuiltinContext{WorkDir: r.workDir, Fs: r.fs})

	modules, err := r.loadModules()
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	if len(modules) == 0 {
		return &TestSummary{Duration: time.Since(start), Results: []*TestResult{}}, nil
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		var msgs []string
		for _, err := range compiler.Errors {
			msgs = append(msgs, err.Error())
		}
		return nil, fmt.Errorf("compile policies: %s", strings.Join(msgs, "; "))
	}

	runner := tester.NewRunner().
		SetCompiler(compiler).
		SetModules(modules).
		EnableTracing(true).
		SetTimeout(30 * time.Second)
	ch, err := runner.RunTests(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}

	summary := &TestSummary{Results: []*TestResult{}}
	for tr := range ch {
		res := &TestResult{Name: tr.Name, Package: tr.Package, Duration: tr.Duration}
		switch {
		case tr.Skip:
			res.Skipped = true
			summary.Skipped++
		case tr.Error != nil:
			res.Error = tr.Error.Error()
			summary.Errored++
		case tr.Fail:
			res.Failed = true
			summary.Failed++
		default:
			res.Passed = true
			summary.Passed++
		}
		for _, evt := range tr.Trace {
			if evt.Op == topdown.NoteOp && evt.Message != "" {
				res.Output = append(res.Output, evt.Message)
			}
		}
		summary.Total++
		summary.Results = append(summary.Results, res)
	}
	summary.Duration = time.Since(start)
	return summary, nil
}

func (r *TestRunner) loadModules() (map[string]*ast.Module, error) {
	files, err := NewLoader(r.fs, r.policiesDir).LoadAll()
	if err != nil {
		return nil, err
	}
	modules := make(map[string]*ast.Module, len(files))
	for _, f := range files {
		mod, err := ast.ParseModule(f.Path, f.Content)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Path, err)
		}
		name, err := filepath.Rel(r.policiesDir, f.Path)
		if err != nil || name == "" {
			name = f.Path
		}
		modules[name] = mod
	}
	return modules, nil
}

// HasTests reports whether any *_test.rego file exists.
func (r *TestRunner) HasTests() (bool, error) {
	files, err := NewLoader(r.fs, r.policiesDir).LoadAll()
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f.Test {
			return true, nil
		}
	}
	return false, nil
}

// FormatSummary renders a one-line summary.
func (s *TestSummary) FormatSummary() string {
	if s.Total == 0 {
		return "No tests found.\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n%d tests, %d passed", s.Total, s.Passed)
	if s.Failed > 0 {
		fmt.Fprintf(&sb, ", %d failed", s.Failed)
	}
	if s.Errored > 0 {
		fmt.Fprintf(&sb, ", %d errored", s.Errored)
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&sb, ", %d skipped", s.Skipped)
	}
	fmt.Fprintf(&sb, " in %s\n", s.Duration.Round(time.Millisecond))
	return sb.String()
}

// AllPassed reports whether nothing failed or errored.
func (s *TestSummary) AllPassed() bool {
	return s.Failed == 0 && s.Errored == 0
}
