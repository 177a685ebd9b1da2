package gate

import (
	"context"
	"strings"

	"github.com/josephgoksu/rulegate/internal/policy"
)

// policyCheck runs data.rulegate.<name>: any deny message fails the check,
// warn messages become the note.
type policyCheck struct {
	name string
	eval PolicyEvaluator
}

func (c *policyCheck) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	d, err := c.eval.Evaluate(ctx, c.name, policy.BuildInput(in.Context, in.Rule, in.root(), in.Fs))
	if err != nil {
		return CheckResult{}, err
	}
	if !d.Allowed() {
		return failed(strings.Join(d.Denied, "; "), strings.Join(d.Warnings, "; ")), nil
	}
	if len(d.Warnings) > 0 {
		return passed("warnings: " + strings.Join(d.Warnings, "; ")), nil
	}
	return passed("policy " + c.name + " allows the action"), nil
}
