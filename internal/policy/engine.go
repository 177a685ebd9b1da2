package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/spf13/afero"
)

// Engine evaluates the loaded Rego policies locally. Prepared queries are
// cached per policy name and dropped on Reload.
type Engine struct {
	mu       sync.RWMutex
	policies []*PolicyFile
	prepared map[string]*preparedPolicy

	fs          afero.Fs
	policiesDir string
	workDir     string
	clock       func() time.Time
}

type preparedPolicy struct {
	deny rego.PreparedEvalQuery
	warn rego.PreparedEvalQuery
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// WorkDir resolves relative paths in built-ins.
	WorkDir string
	// PoliciesDir defaults to {WorkDir}/.rulegate/policies.
	PoliciesDir string
	// Fs defaults to the OS filesystem.
	Fs    afero.Fs
	Clock func() time.Time
}

// NewEngine loads every policy from the configured directory.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.PoliciesDir == "" && cfg.WorkDir != "" {
		cfg.PoliciesDir = GetPoliciesPath(cfg.WorkDir)
	}
	e := &Engine{
		fs:          cfg.Fs,
		policiesDir: cfg.PoliciesDir,
		workDir:     cfg.WorkDir,
		clock:       cfg.Clock,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	RegisterBuiltins(&BuiltinContext{WorkDir: cfg.WorkDir, Fs: cfg.Fs})
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEngineWithPolicies creates an engine over explicit policies.
func NewEngineWithPolicies(workDir string, fs afero.Fs, policies []*PolicyFile) *Engine {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	RegisterBuiltins(&BuiltinContext{WorkDir: workDir, Fs: fs})
	return &Engine{
		policies: policies,
		prepared: make(map[string]*preparedPolicy),
		fs:       fs,
		workDir:  workDir,
		clock:    time.Now,
	}
}

// Reload re-reads the policies directory.
func (e *Engine) Reload() error {
	policies, err := NewLoader(e.fs, e.policiesDir).LoadAll()
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = policies
	e.prepared = make(map[string]*preparedPolicy)
	return nil
}

// Policies returns the loaded policy files.
func (e *Engine) Policies() []*PolicyFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*PolicyFile(nil), e.policies...)
}

// Names returns the policy names usable as [check: policy:<name>], sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for _, p := range e.policies {
		name, ok := strings.CutPrefix(p.Package, PackagePrefix+".")
		if !ok || p.Test || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var policyNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Evaluate queries data.rulegate.<name>.deny and .warn with input.
func (e *Engine) Evaluate(ctx context.Context, name string, input Input) (*Decision, error) {
	if !policyNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid policy name %q", ErrPolicyNotFound, name)
	}
	pq, err := e.prepare(ctx, name)
	if err != nil {
		return nil, err
	}

	value, err := toValue(input)
	if err != nil {
		return nil, err
	}
	denied, err := querySet(ctx, pq.deny, value)
	if err != nil {
		return nil, fmt.Errorf("query deny rules of %s: %w", name, err)
	}
	warnings, err := querySet(ctx, pq.warn, value)
	if err != nil {
		// warn is optional
		warnings = nil
	}
	return &Decision{
		Policy:      name,
		Package:     PackagePrefix + "." + name,
		Denied:      denied,
		Warnings:    warnings,
		EvaluatedAt: e.clock().UTC(),
	}, nil
}

func (e *Engine) prepare(ctx context.Context, name string) (*preparedPolicy, error) {
	e.mu.RLock()
	pq, ok := e.prepared[name]
	policies := e.policies
	e.mu.RUnlock()
	if ok {
		return pq, nil
	}

	pkg := PackagePrefix + "." + name
	found := false
	modules := make([]func(*rego.Rego), 0, len(policies))
	for _, p := range policies {
		if p.Package == pkg && !p.Test {
			found = true
		}
		modules = append(modules, rego.Module(p.Path, p.Content))
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, pkg)
	}

	build := func(rule string) (rego.PreparedEvalQuery, error) {
		opts := append([]func(*rego.Rego){rego.Query("data." + pkg + "." + rule)}, modules...)
		return rego.New(opts...).PrepareForEval(ctx)
	}
	deny, err := build("deny")
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	warn, err := build("warn")
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	pq = &preparedPolicy{deny: deny, warn: warn}

	e.mu.Lock()
	if e.prepared != nil {
		e.prepared[name] = pq
	}
	e.mu.Unlock()
	return pq, nil
}

// querySet evaluates a set-generating rule and returns its string members.
func querySet(ctx context.Context, pq rego.PreparedEvalQuery, input any) ([]string, error) {
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if strings.Contains(err.Error(), "undefined") {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, item := range set {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// toValue converts input to the plain JSON shape OPA expects.
func toValue(input Input) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode policy input: %w", err)
	}
	return v, nil
}

// ValidatePolicy reports whether content compiles as Rego.
func ValidatePolicy(ctx context.Context, content string) error {
	_, err := rego.New(
		rego.Query("data"),
		rego.Module("validation.rego", content),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}
