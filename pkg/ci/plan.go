package ci

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/example/gantry/pkg/workflow"
)

// Plan provides a fluent API for constructing workflow definitions.
// A plan renders to YAML and registers like a checked-in file; Execute
// registers the definition and submits a run in one call.
type Plan struct {
	def *workflow.Definition
}

// NewPlan creates a new Plan with the given workflow name.
// Panics if name is empty.
func NewPlan(name string) *Plan {
	if name == "" {
		panic("ci: NewPlan() called with empty name")
	}
	return &Plan{
		def: &workflow.Definition{
			Name: name,
			Env:  make(map[string]string),
			Jobs: make(map[string]*workflow.Job),
		},
	}
}

// OnPush declares a push trigger. With no branches the workflow runs on
// a push to any branch; branch arguments are glob filters.
func (p *Plan) OnPush(branches ...string) *Plan {
	p.def.On.Push = &workflow.PushTrigger{Branches: workflow.StringList(branches)}
	return p
}

// OnPullRequest declares a pull request trigger filtered by target branch.
func (p *Plan) OnPullRequest(branches ...string) *Plan {
	p.def.On.PullRequest = &workflow.PullRequestTrigger{Branches: workflow.StringList(branches)}
	return p
}

// OnSchedule adds a cron schedule trigger.
// Panics if spec is empty.
func (p *Plan) OnSchedule(spec string) *Plan {
	if spec == "" {
		panic("ci: Plan.OnSchedule() called with empty cron spec")
	}
	p.def.On.Schedule = append(p.def.On.Schedule, workflow.ScheduleTrigger{Cron: spec})
	return p
}

// Env sets one workflow-level environment variable. Workflow env merges
// into every step, below job and step env.
func (p *Plan) Env(key, value string) *Plan {
	if key == "" {
		panic("ci: Plan.Env() called with empty key")
	}
	p.def.Env[key] = value
	return p
}

// Job opens a builder for a named job. Calling Job again with the same
// name returns a builder over the existing job.
// Panics if name is empty.
func (p *Plan) Job(name string) *JobBuilder {
	if name == "" {
		panic("ci: Plan.Job() called with empty name")
	}
	job, ok := p.def.Jobs[name]
	if !ok {
		job = &workflow.Job{}
		p.def.Jobs[name] = job
	}
	return &JobBuilder{plan: p, name: name, job: job}
}

// Definition returns the definition built so far. The plan retains
// ownership; further builder calls keep mutating it.
func (p *Plan) Definition() *workflow.Definition {
	return p.def
}

// Render marshals the plan to YAML. The output parses back to an
// equivalent definition.
func (p *Plan) Render() ([]byte, error) {
	data, err := yaml.Marshal(p.def)
	if err != nil {
		return nil, fmt.Errorf("failed to render plan: %w", err)
	}
	return data, nil
}

// Validate runs full definition validation on the plan.
func (p *Plan) Validate() error {
	return p.def.Validate()
}

// Execute registers the plan's definition with the orchestrator and
// submits a run. The returned execution polls the same orchestrator.
func (p *Plan) Execute(ctx context.Context, orch Orchestrator) (*RunExecution, error) {
	return p.ExecuteWithEnv(ctx, orch, nil)
}

// ExecuteWithEnv is Execute with per-run env overrides layered over the
// workflow env.
func (p *Plan) ExecuteWithEnv(ctx context.Context, orch Orchestrator, env map[string]string) (*RunExecution, error) {
	if err := p.def.Validate(); err != nil {
		return nil, fmt.Errorf("plan %q does not validate: %w", p.def.Name, err)
	}
	data, err := p.Render()
	if err != nil {
		return nil, err
	}
	if _, err := orch.RegisterWorkflow(ctx, p.def.Name+".yml", data); err != nil {
		return nil, fmt.Errorf("failed to register workflow %q: %w", p.def.Name, err)
	}
	run, err := orch.SubmitRun(ctx, p.def.Name, env)
	if err != nil {
		return nil, fmt.Errorf("failed to submit run of %q: %w", p.def.Name, err)
	}
	return newRunExecution(orch, run), nil
}

// JobBuilder provides a fluent API for one job of a plan.
type JobBuilder struct {
	plan *Plan
	name string
	job  *workflow.Job
}

// Name returns the job name.
func (b *JobBuilder) Name() string { return b.name }

// RunsOn sets the runner label this job requires.
// Panics if label is empty.
func (b *JobBuilder) RunsOn(label string) *JobBuilder {
	if label == "" {
		panic("ci: JobBuilder.RunsOn() called with empty label")
	}
	b.job.RunsOn = label
	return b
}

// Needs declares jobs that must succeed before this one runs.
// Panics if any name is empty.
func (b *JobBuilder) Needs(names ...string) *JobBuilder {
	for _, name := range names {
		if name == "" {
			panic("ci: JobBuilder.Needs() called with empty job name")
		}
	}
	b.job.Needs = append(b.job.Needs, names...)
	return b
}

// If guards the job with a planning-time condition expression.
func (b *JobBuilder) If(condition string) *JobBuilder {
	b.job.If = condition
	return b
}

// Env sets one job-level environment variable.
func (b *JobBuilder) Env(key, value string) *JobBuilder {
	if key == "" {
		panic("ci: JobBuilder.Env() called with empty key")
	}
	if b.job.Env == nil {
		b.job.Env = make(map[string]string)
	}
	b.job.Env[key] = value
	return b
}

// Timeout bounds the job's execution in minutes.
func (b *JobBuilder) Timeout(minutes int) *JobBuilder {
	b.job.TimeoutMinutes = minutes
	return b
}

// Step appends a command step that runs script through the shell.
func (b *JobBuilder) Step(name, script string, opts ...StepOption) *JobBuilder {
	b.job.Steps = append(b.job.Steps, RunStep(name, script, opts...))
	return b
}

// Uses appends an action step. The reference must carry a version pin.
func (b *JobBuilder) Uses(name, ref string, opts ...StepOption) *JobBuilder {
	b.job.Steps = append(b.job.Steps, UsesStep(name, ref, opts...))
	return b
}

// Add appends pre-built steps, e.g. from the step constructors.
func (b *JobBuilder) Add(steps ...workflow.Step) *JobBuilder {
	b.job.Steps = append(b.job.Steps, steps...)
	return b
}

// Job closes this job and opens a builder for a sibling.
func (b *JobBuilder) Job(name string) *JobBuilder {
	return b.plan.Job(name)
}

// Done returns to the plan.
func (b *JobBuilder) Done() *Plan {
	return b.plan
}

// Execute finishes the plan and executes it. See Plan.Execute.
func (b *JobBuilder) Execute(ctx context.Context, orch Orchestrator) (*RunExecution, error) {
	return b.plan.Execute(ctx, orch)
}
