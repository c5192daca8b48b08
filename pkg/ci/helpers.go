// Package ci builds and runs workflows from Go instead of YAML files.
//
// The package offers three abstraction levels:
//   - Level 1 (helpers.go): Step constructors - RunStep, UsesStep, Checkout
//   - Level 2 (plan.go): Fluent builders - Plan, JobBuilder
//   - Level 3 (execution.go): Run handles - RunExecution with polling waits
//
// All levels are composable. A plan renders to the same definition a
// YAML file would parse to, so anything built here validates, registers,
// and runs exactly like a checked-in workflow. The Orchestrator interface
// accepts either an in-process service (LocalOrchestrator) or a live
// server (RemoteOrchestrator); plans run unchanged against both.
//
// A minimal build-and-wait:
//
//	exec, err := ci.NewPlan("quick").
//		OnPush("main").
//		Job("build").
//		Step("Compile", "go build ./...").
//		Execute(ctx, orch)
//	if err != nil {
//		return err
//	}
//	detail, err := exec.WaitForCompletion(ctx)
package ci

import "github.com/example/gantry/pkg/workflow"

// Ptr returns a pointer to the value. Generic helper to avoid inline
// address-of temporaries.
func Ptr[T any](v T) *T {
	return &v
}

// StepOption adjusts a step produced by one of the constructors.
type StepOption func(*workflow.Step)

// WithCondition guards the step with a planning-time expression. Steps
// whose condition is false are planned skipped.
func WithCondition(condition string) StepOption {
	return func(s *workflow.Step) { s.If = condition }
}

// WithShell overrides the shell a script step runs under.
func WithShell(shell string) StepOption {
	return func(s *workflow.Step) { s.Shell = shell }
}

// WithWorkingDir runs the step in dir, relative to the job workspace.
func WithWorkingDir(dir string) StepOption {
	return func(s *workflow.Step) { s.WorkingDir = dir }
}

// WithStepEnv adds one environment variable to the step.
func WithStepEnv(key, value string) StepOption {
	return func(s *workflow.Step) {
		if s.Env == nil {
			s.Env = make(map[string]string)
		}
		s.Env[key] = value
	}
}

// WithInput sets one with: input on an action step.
func WithInput(key, value string) StepOption {
	return func(s *workflow.Step) {
		if s.With == nil {
			s.With = make(map[string]string)
		}
		s.With[key] = value
	}
}

// RunStep builds a step that runs script through the shell.
func RunStep(name, script string, opts ...StepOption) workflow.Step {
	if script == "" {
		panic("ci: RunStep() called with empty script")
	}
	s := workflow.Step{Name: name, Run: script}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// UsesStep builds a step that invokes a built-in action. The reference
// must carry a version pin, e.g. "checkout@v4"; unpinned references are
// rejected at validation.
func UsesStep(name, ref string, opts ...StepOption) workflow.Step {
	if ref == "" {
		panic("ci: UsesStep() called with empty action reference")
	}
	s := workflow.Step{Name: name, Uses: ref}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Checkout builds a checkout step for the given repository and ref.
func Checkout(repository, ref string) workflow.Step {
	return UsesStep("Checkout", "checkout@v4",
		WithInput("repository", repository),
		WithInput("ref", ref))
}
