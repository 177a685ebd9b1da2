package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExprCheck evaluates CEL expressions over the pending action. Each rule
// argument is either the name of a configured expression or an inline
// expression; all must evaluate to true.
type ExprCheck struct {
	env   *cel.Env
	named map[string]string

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewExprCheck creates the CEL environment and compiles the named expressions.
func NewExprCheck(named map[string]string) (*ExprCheck, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("command", cel.StringType),
		cel.Variable("phase", cel.StringType),
		cel.Variable("task_type", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	c := &ExprCheck{env: env, named: make(map[string]string), programs: make(map[string]cel.Program)}
	for name, src := range named {
		if _, err := c.program(src); err != nil {
			return nil, fmt.Errorf("expression %q: %w", name, err)
		}
		c.named[name] = src
	}
	return c, nil
}

// Names returns the configured expression names, sorted.
func (c *ExprCheck) Names() []string {
	out := make([]string, 0, len(c.named))
	for k := range c.named {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run implements Check.
func (c *ExprCheck) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	if len(in.Rule.CheckArgs) == 0 {
		return CheckResult{}, ErrCheckArgs
	}
	_, rel := in.target()
	target := rel
	if target == "" {
		target = in.Context.Target
	}
	tags := in.Context.IntentTags
	if tags == nil {
		tags = []string{}
	}
	vars := map[string]any{
		"tool":       string(in.Context.Tool),
		"target":     target,
		"command":    in.Context.Command,
		"phase":      in.Context.Phase,
		"task_type":  in.Context.TaskType,
		"session_id": in.Context.SessionID,
		"tags":       tags,
	}

	var failedExprs []string
	for _, arg := range in.Rule.CheckArgs {
		src := arg
		if named, ok := c.named[arg]; ok {
			src = named
		}
		ok, err := c.eval(ctx, src, vars)
		if err != nil {
			return CheckResult{}, fmt.Errorf("expression %q: %w", arg, err)
		}
		if !ok {
			failedExprs = append(failedExprs, arg)
		}
	}
	if len(failedExprs) > 0 {
		return failed("expression false: "+strings.Join(failedExprs, "; "), ""), nil
	}
	return passed("all expressions hold"), nil
}

func (c *ExprCheck) eval(ctx context.Context, src string, vars map[string]any) (bool, error) {
	prg, err := c.program(src)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %s, not bool", out.Type())
	}
	return v, nil
}

func (c *ExprCheck) program(src string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ot)
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	c.mu.Lock()
	c.programs[src] = prg
	c.mu.Unlock()
	return prg, nil
}
