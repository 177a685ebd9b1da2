package gate

import (
	"errors"
	"fmt"
	"time"
)

// Gate errors.
var (
	ErrUnknownCheck       = errors.New("unknown check category")
	ErrCheckArgs          = errors.New("check has no arguments")
	ErrEvaluationNotFound = errors.New("evaluation not found")
	ErrNotBlocked         = errors.New("evaluation was not blocked")
	ErrAlreadyOverridden  = errors.New("evaluation already overridden")
	ErrOverrideReason     = errors.New("override requires a reason")
)

// CheckTimeoutError means a check did not finish within its budget.
type CheckTimeoutError struct {
	Category string
	RuleID   string
	Timeout  time.Duration
}

func (e *CheckTimeoutError) Error() string {
	return fmt.Sprintf("check %s for rule %s timed out after %s", e.Category, e.RuleID, e.Timeout)
}

// CheckUnavailableError means a check could not determine its result.
type CheckUnavailableError struct {
	Category string
	RuleID   string
	Err      error
}

func (e *CheckUnavailableError) Error() string {
	return fmt.Sprintf("check %s for rule %s unavailable: %v", e.Category, e.RuleID, e.Err)
}

func (e *CheckUnavailableError) Unwrap() error {
	return e.Err
}
