// Package ci is a stub for testing the ci linter.
// This package provides minimal type stubs so the linter can analyze
// code that imports the real ci package.
package ci

// Plan builds a workflow definition.
type Plan struct{}

// JobBuilder builds one job of a plan.
type JobBuilder struct{}

// Step is a stub step value.
type Step struct{}

// NewPlan creates a new plan builder. Panics if name is empty.
func NewPlan(name string) *Plan { return &Plan{} }

// Job opens a job builder. Panics if name is empty.
func (p *Plan) Job(name string) *JobBuilder { return &JobBuilder{} }

// Env sets a workflow-level environment variable.
func (p *Plan) Env(key, value string) *Plan { return p }

// RunsOn sets the runner label.
func (b *JobBuilder) RunsOn(label string) *JobBuilder { return b }

// Needs declares prerequisite jobs.
func (b *JobBuilder) Needs(names ...string) *JobBuilder { return b }

// Step appends a command step.
func (b *JobBuilder) Step(name, script string) *JobBuilder { return b }

// Uses appends an action step.
func (b *JobBuilder) Uses(name, ref string) *JobBuilder { return b }

// Job opens a sibling job builder.
func (b *JobBuilder) Job(name string) *JobBuilder { return b }

// RunStep builds a command step.
func RunStep(name, script string) Step { return Step{} }

// UsesStep builds an action step.
func UsesStep(name, ref string) Step { return Step{} }
