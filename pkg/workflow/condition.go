package workflow

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/example/gantry/internal/domain"
)

// ConditionContext carries the variables visible to if: expressions.
// Conditions are evaluated at planning time, so only event, run, and
// environment facts are available, never outputs of earlier steps.
type ConditionContext struct {
	Event   *domain.Event
	RunID   string
	Attempt int
	JobName string
	Env     map[string]string
}

func (c *ConditionContext) vars() map[string]any {
	event := map[string]any{}
	if c != nil && c.Event != nil {
		event = map[string]any{
			"type":        string(c.Event.Type),
			"repo":        c.Event.Repo,
			"ref":         c.Event.Ref,
			"branch":      c.Event.Branch,
			"base_branch": c.Event.BaseBranch,
			"sha":         c.Event.HeadSHA,
			"actor":       c.Event.Actor,
		}
	}
	env := map[string]string{}
	if c != nil && c.Env != nil {
		env = c.Env
	}
	run := map[string]any{}
	job := map[string]any{}
	if c != nil {
		run["id"] = c.RunID
		run["attempt"] = c.Attempt
		job["name"] = c.JobName
	}
	return map[string]any{
		"event": event,
		"run":   run,
		"job":   job,
		"env":   env,
	}
}

// CompileCondition checks that an if: expression is well-formed without
// evaluating it. An empty expression is valid.
func CompileCondition(src string) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	_, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("invalid condition %q: %w", src, err)
	}
	return nil
}

// EvalCondition evaluates an if: expression against the planning context.
// An empty expression is true.
func EvalCondition(src string, ctx *ConditionContext) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return true, nil
	}

	vars := ctx.vars()
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables(), expr.Env(vars))
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", src, err)
	}

	out, err := expr.Run(program, vars)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", src, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", src)
	}
	return result, nil
}
