package workflow

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/dominikbraun/graph"
	"github.com/robfig/cron/v3"

	"github.com/example/gantry/pkg/actions"
)

var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks a parsed definition: triggers declared, jobs
// well-formed, every step exactly one of uses/run, action references
// pinned consistently, needs edges acyclic, and conditions compilable.
// All findings are reported together, not just the first.
func (d *Definition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("workflow has no name"))
	}
	if d.On.Empty() {
		errs = append(errs, errors.New("workflow declares no trigger"))
	}
	for _, s := range d.On.Schedule {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", s.Cron, err))
		}
	}
	errs = append(errs, validateEnv("workflow", d.Env)...)

	if len(d.Jobs) == 0 {
		errs = append(errs, errors.New("workflow declares no jobs"))
	}

	// The same action pinned to two versions in one file is almost
	// always a mistake; reject it.
	pins := make(map[string]string)

	for _, name := range d.JobNames() {
		errs = append(errs, d.validateJob(name, d.Jobs[name], pins)...)
	}

	errs = append(errs, d.validateNeeds()...)

	return errors.Join(errs...)
}

func (d *Definition) validateJob(name string, job *Job, pins map[string]string) []error {
	var errs []error

	if job == nil {
		return []error{fmt.Errorf("job %q is empty", name)}
	}
	if job.RunsOn == "" {
		errs = append(errs, fmt.Errorf("job %q has no runs-on label", name))
	}
	if len(job.Steps) == 0 {
		errs = append(errs, fmt.Errorf("job %q has no steps", name))
	}
	if job.TimeoutMinutes < 0 {
		errs = append(errs, fmt.Errorf("job %q has a negative timeout", name))
	}
	if err := CompileCondition(job.If); err != nil {
		errs = append(errs, fmt.Errorf("job %q: %w", name, err))
	}
	errs = append(errs, validateEnv(fmt.Sprintf("job %q", name), job.Env)...)

	for i, step := range job.Steps {
		where := fmt.Sprintf("job %q step %d", name, i+1)
		if step.Name != "" {
			where = fmt.Sprintf("job %q step %q", name, step.Name)
		}

		switch {
		case step.Uses == "" && step.Run == "":
			errs = append(errs, fmt.Errorf("%s: neither uses nor run is set", where))
		case step.Uses != "" && step.Run != "":
			errs = append(errs, fmt.Errorf("%s: both uses and run are set", where))
		case step.Uses != "":
			ref, err := actions.ParseUses(step.Uses)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
				break
			}
			if _, ok := actions.Lookup(ref.Name); !ok {
				errs = append(errs, fmt.Errorf("%s: unknown action %q", where, ref.Name))
			}
			if err := ref.ValidatePin(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			if prev, ok := pins[ref.Name]; ok && prev != ref.Version {
				errs = append(errs, fmt.Errorf("%s: action %q pinned to %q here but %q elsewhere",
					where, ref.Name, ref.Version, prev))
			} else {
				pins[ref.Name] = ref.Version
			}
		}

		if err := CompileCondition(step.If); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		errs = append(errs, validateEnv(where, step.Env)...)
	}

	return errs
}

// validateNeeds checks that every needs edge points at a declared job
// and that the edges form no cycle.
func (d *Definition) validateNeeds() []error {
	var errs []error

	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, name := range d.JobNames() {
		_ = g.AddVertex(name)
	}

	for _, name := range d.JobNames() {
		job := d.Jobs[name]
		if job == nil {
			continue
		}
		for _, need := range job.Needs {
			if need == name {
				errs = append(errs, fmt.Errorf("job %q needs itself", name))
				continue
			}
			if _, ok := d.Jobs[need]; !ok {
				errs = append(errs, fmt.Errorf("job %q needs unknown job %q", name, need))
				continue
			}
			if err := g.AddEdge(need, name); err != nil {
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					errs = append(errs, fmt.Errorf("needs cycle through %q and %q", need, name))
				} else if !errors.Is(err, graph.ErrEdgeAlreadyExists) {
					errs = append(errs, fmt.Errorf("job %q needs %q: %w", name, need, err))
				}
			}
		}
	}

	return errs
}

func validateEnv(where string, env map[string]string) []error {
	var errs []error
	for k := range env {
		if !envNameRE.MatchString(k) {
			errs = append(errs, fmt.Errorf("%s: invalid environment variable name %q", where, k))
		}
	}
	return errs
}

// ExecutionOrder returns job names in topological levels: every job in
// level N only needs jobs from earlier levels. Jobs inside a level are
// independent and may run concurrently.
func (d *Definition) ExecutionOrder() ([][]string, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	remaining := make(map[string][]string, len(d.Jobs))
	for _, name := range d.JobNames() {
		remaining[name] = append([]string(nil), d.Jobs[name].Needs...)
	}

	var levels [][]string
	done := make(map[string]bool, len(remaining))
	for len(done) < len(remaining) {
		var level []string
		for _, name := range d.JobNames() {
			if done[name] {
				continue
			}
			ready := true
			for _, need := range remaining[name] {
				if !done[need] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, errors.New("needs graph is not schedulable")
		}
		for _, name := range level {
			done[name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}
