// Package localrun executes a workflow definition in-process, without a
// server or registered runners. It plans jobs the same way the
// orchestrator does, runs independent jobs concurrently in topological
// levels, and applies the same verdict semantics: a non-zero step exit
// fails the step, skips the rest of the job, and fails the run; jobs
// needing a failed job are skipped, never run.
//
// The CLI's `gantry run` is built on this package.
package localrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/gantry/agent"
	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/pkg/actions"
	"github.com/example/gantry/pkg/id"
	"github.com/example/gantry/pkg/workflow"
)

// Reporter receives progress callbacks while a run executes. Callbacks
// arrive from multiple goroutines; implementations synchronize
// themselves. All methods are optional via NopReporter embedding.
type Reporter interface {
	JobStarted(job *domain.Job)
	StepStarted(job *domain.Job, step *domain.Step)
	StepCompleted(job *domain.Job, step *domain.Step)
	JobCompleted(job *domain.Job)
}

// NopReporter ignores all progress callbacks.
type NopReporter struct{}

func (NopReporter) JobStarted(*domain.Job)                  {}
func (NopReporter) StepStarted(*domain.Job, *domain.Step)   {}
func (NopReporter) StepCompleted(*domain.Job, *domain.Step) {}
func (NopReporter) JobCompleted(*domain.Job)                {}

// Options configures a local run.
type Options struct {
	// Event is the synthetic triggering event used for condition
	// evaluation. Nil plans a manual event.
	Event *domain.Event

	// Env overlays the workflow-level env for this run.
	Env map[string]string

	// MaxParallel bounds how many jobs run concurrently within a
	// topological level. Zero means no bound.
	MaxParallel int

	// Workspace is the base directory for per-job workspaces. Empty
	// uses a temporary directory removed after the run.
	Workspace string

	// OutputTailBytes bounds retained output per step.
	OutputTailBytes int

	// Executor runs materialized commands. Nil uses the os/exec
	// executor; tests substitute fakes.
	Executor agent.Executor

	// Reporter receives progress callbacks. Nil means no reporting.
	Reporter Reporter
}

// Result is the outcome of a local run.
type Result struct {
	Run  *domain.Run
	Jobs []*domain.Job
}

// Passed reports whether the run concluded successfully.
func (r *Result) Passed() bool {
	return r.Run.Conclusion == domain.ConclusionSuccess
}

// Job returns the named job, or nil.
func (r *Result) Job(name string) *domain.Job {
	for _, job := range r.Jobs {
		if job.Name == name {
			return job
		}
	}
	return nil
}

// Runner executes one workflow definition locally.
type Runner struct {
	def  *workflow.Definition
	opts Options

	mu         sync.Mutex
	conclusion map[string]domain.Conclusion // job name -> verdict
}

// New creates a local runner for a definition. The definition is
// validated at Run time.
func New(def *workflow.Definition, opts Options) *Runner {
	if opts.Executor == nil {
		opts.Executor = agent.NewExecutor(opts.OutputTailBytes)
	}
	if opts.Reporter == nil {
		opts.Reporter = NopReporter{}
	}
	return &Runner{
		def:        def,
		opts:       opts,
		conclusion: make(map[string]domain.Conclusion),
	}
}

// Run plans and executes the workflow. The error is non-nil only for
// infrastructure problems (invalid definition, workspace failures); a
// failing job is a verdict, reported through Result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	levels, err := r.def.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	ev := r.opts.Event
	if ev == nil {
		ev = domain.NewEvent(id.Generate(), domain.EventManual)
	}

	run := domain.NewRun(id.Generate(), r.def.Name)
	run.EventID = ev.ID
	run.Env = mergedEnv(r.def.Env, r.opts.Env)

	jobs, err := r.planJobs(run, ev)
	if err != nil {
		return nil, err
	}

	workspace := r.opts.Workspace
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "gantry-run-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
		defer os.RemoveAll(workspace)
	}

	if err := run.SetState(domain.RunStateRunning); err != nil {
		return nil, err
	}

	byName := make(map[string]*domain.Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name] = job
	}

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		if r.opts.MaxParallel > 0 {
			g.SetLimit(r.opts.MaxParallel)
		}

		for _, name := range level {
			job := byName[name]
			if job.State.IsFinal() {
				// Planned skipped by its condition
				r.record(job.Name, job.Conclusion)
				continue
			}
			if !r.needsSatisfied(job) {
				if err := r.skipJob(job); err != nil {
					return nil, err
				}
				continue
			}

			g.Go(func() error {
				return r.runJob(gctx, run, job, workspace)
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if err := run.Finalize(runConclusion(jobs)); err != nil {
		return nil, err
	}
	return &Result{Run: run, Jobs: jobs}, nil
}

// planJobs materializes jobs the way the orchestrator's planner does,
// evaluating job and step conditions once, up front.
func (r *Runner) planJobs(run *domain.Run, ev *domain.Event) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(r.def.Jobs))
	for _, name := range r.def.JobNames() {
		jdef := r.def.Jobs[name]

		job := domain.NewJob(run.ID, id.Prefixed("job"), name)
		job.RunsOn = jdef.RunsOn
		job.Needs = []string(jdef.Needs)
		job.Env = mergedEnv(jdef.Env)
		job.TimeoutMinutes = jdef.TimeoutMinutes

		for _, sdef := range jdef.Steps {
			job.AddStep(domain.Step{
				Name:       sdef.Name,
				Uses:       sdef.Uses,
				Run:        sdef.Run,
				Shell:      sdef.Shell,
				WorkingDir: sdef.WorkingDir,
				With:       sdef.With,
				Env:        sdef.Env,
				If:         sdef.If,
			})
		}

		cctx := &workflow.ConditionContext{
			Event:   ev,
			RunID:   run.ID,
			Attempt: run.Attempt,
			JobName: name,
			Env:     mergedEnv(run.Env, jdef.Env),
		}

		ok, err := workflow.EvalCondition(jdef.If, cctx)
		if err != nil {
			return nil, fmt.Errorf("%w: job %q condition: %v", domain.ErrInvalidArgument, name, err)
		}
		if !ok {
			if err := job.Skip(); err != nil {
				return nil, err
			}
		} else {
			for i := range job.Steps {
				step := &job.Steps[i]
				if step.If == "" {
					continue
				}
				ok, err := workflow.EvalCondition(step.If, cctx)
				if err != nil {
					return nil, fmt.Errorf("%w: job %q step %d condition: %v",
						domain.ErrInvalidArgument, name, step.Idx, err)
				}
				if !ok {
					step.Skip()
				}
			}
		}

		jobs = append(jobs, job)
	}
	return jobs, nil
}

// runJob executes one job's steps sequentially in its own workspace.
func (r *Runner) runJob(ctx context.Context, run *domain.Run, job *domain.Job, workspace string) error {
	if err := job.SetState(domain.JobStateQueued); err != nil {
		return err
	}
	if err := job.SetState(domain.JobStateRunning); err != nil {
		return err
	}
	r.opts.Reporter.JobStarted(job)

	jobDir := filepath.Join(workspace, job.Name)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace for job %s: %w", job.Name, err)
	}

	failed := false
	for i := range job.Steps {
		step := &job.Steps[i]
		if step.State.IsFinal() {
			continue
		}
		if failed || ctx.Err() != nil {
			break
		}

		if err := job.StartStep(step.Idx); err != nil {
			return err
		}
		r.opts.Reporter.StepStarted(job, step)

		exitCode, output := r.executeStep(ctx, run, job, step, jobDir)
		conclusion := domain.ConclusionSuccess
		if exitCode != 0 {
			conclusion = domain.ConclusionFailure
			failed = true
		}
		if err := job.CompleteStep(step.Idx, conclusion, exitCode, output); err != nil {
			return err
		}
		r.opts.Reporter.StepCompleted(job, step)
	}

	job.SkipRemainingSteps(1)

	conclusion := domain.ConclusionSuccess
	if failed {
		conclusion = domain.ConclusionFailure
	} else if ctx.Err() != nil {
		conclusion = domain.ConclusionCancelled
	}
	if err := job.Finalize(conclusion); err != nil {
		return err
	}
	r.record(job.Name, conclusion)
	r.opts.Reporter.JobCompleted(job)
	return nil
}

// executeStep materializes and runs one step. Failures to materialize
// report as exit -1 with the reason as output, like the agent does.
func (r *Runner) executeStep(ctx context.Context, run *domain.Run, job *domain.Job, step *domain.Step, jobDir string) (int, string) {
	var argv []string
	var err error
	if step.Uses != "" {
		var ref actions.Ref
		ref, err = actions.ParseUses(step.Uses)
		if err == nil {
			argv, err = actions.Command(ref, step.With)
		}
	} else {
		argv = actions.ShellCommand(step.Shell, step.Run)
	}
	if err != nil {
		return -1, fmt.Sprintf("invalid step: %v", err)
	}

	dir := jobDir
	if step.WorkingDir != "" {
		dir = filepath.Join(jobDir, step.WorkingDir)
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return -1, fmt.Sprintf("failed to create working directory: %v", mkErr)
		}
	}

	env := actions.MergeEnv(os.Environ(), run.Env, job.Env, step.Env, map[string]string{
		"GANTRY_RUN_ID": run.ID,
		"GANTRY_JOB":    job.Name,
		"GANTRY_STEP":   step.Name,
	})

	res, err := r.opts.Executor.Execute(ctx, agent.Command{Argv: argv, Dir: dir, Env: env})
	if err != nil {
		output := res.Output
		if output != "" {
			output += "\n"
		}
		return -1, output + err.Error()
	}
	return res.ExitCode, res.Output
}

// skipJob concludes a job as skipped because a prerequisite failed.
func (r *Runner) skipJob(job *domain.Job) error {
	if err := job.Skip(); err != nil {
		return err
	}
	r.record(job.Name, domain.ConclusionSkipped)
	r.opts.Reporter.JobCompleted(job)
	return nil
}

// needsSatisfied reports whether every prerequisite passed.
// Prerequisites always belong to earlier levels, so their verdicts are
// recorded by the time dependents are considered. A skipped
// prerequisite counts as passed, the same way the orchestrator resolves
// needs edges.
func (r *Runner) needsSatisfied(job *domain.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, need := range job.Needs {
		if !r.conclusion[need].Passed() {
			return false
		}
	}
	return true
}

func (r *Runner) record(name string, c domain.Conclusion) {
	r.mu.Lock()
	r.conclusion[name] = c
	r.mu.Unlock()
}

// runConclusion derives the run verdict. Skipped jobs never ran and do
// not fail the run on their own; a failed or cancelled job does.
func runConclusion(jobs []*domain.Job) domain.Conclusion {
	conclusion := domain.ConclusionSuccess
	for _, job := range jobs {
		if job.Conclusion == domain.ConclusionFailure {
			return domain.ConclusionFailure
		}
		if job.Conclusion == domain.ConclusionCancelled {
			conclusion = domain.ConclusionCancelled
		}
	}
	return conclusion
}

// mergedEnv overlays maps left to right; later keys win.
func mergedEnv(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
