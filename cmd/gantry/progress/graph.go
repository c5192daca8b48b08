// Package progress renders a run's job graph and results for terminal
// output. It works from a RunDetail snapshot, so the same rendering
// serves local runs and runs polled from a server.
package progress

import (
	"sort"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// NodeStatus is the display-friendly status of a job.
type NodeStatus int

const (
	NodeStatusUnknown NodeStatus = iota
	NodeStatusPending
	NodeStatusRunning
	NodeStatusPassed
	NodeStatusFailed
	NodeStatusSkipped
)

// JobNode is a single job in the rendered graph.
type JobNode struct {
	Name       string
	State      domain.JobState
	Conclusion domain.Conclusion
	Status     NodeStatus
	Needs      []string

	StepsTotal int
	StepsDone  int
	// CurrentStep names the step in flight, when the job is running.
	CurrentStep string
	// Error carries the first failed step's tail output.
	Error string
}

// RunGraph is the renderable view of one run.
type RunGraph struct {
	Run         *domain.Run
	NodesByName map[string]*JobNode
	Dependents  map[string][]string // job -> jobs that need it
	Levels      [][]string
}

// BuildGraph converts a run snapshot into a renderable graph.
func BuildGraph(detail *service.RunDetail) *RunGraph {
	g := &RunGraph{
		Run:         detail.Run,
		NodesByName: make(map[string]*JobNode, len(detail.Jobs)),
		Dependents:  make(map[string][]string),
	}

	for _, job := range detail.Jobs {
		node := &JobNode{
			Name:       job.Name,
			State:      job.State,
			Conclusion: job.Conclusion,
			Status:     computeStatus(job),
			Needs:      job.Needs,
			StepsTotal: len(job.Steps),
		}
		for i := range job.Steps {
			step := &job.Steps[i]
			switch {
			case step.State.IsFinal():
				node.StepsDone++
				if step.Conclusion == domain.ConclusionFailure && node.Error == "" {
					node.Error = lastLine(step.Output)
				}
			case step.State == domain.StepStateRunning:
				node.CurrentStep = step.Name
			}
		}
		g.NodesByName[job.Name] = node

		for _, need := range job.Needs {
			g.Dependents[need] = append(g.Dependents[need], job.Name)
		}
	}
	for _, deps := range g.Dependents {
		sort.Strings(deps)
	}

	g.Levels = computeLevels(g)
	return g
}

func computeStatus(job *domain.Job) NodeStatus {
	switch job.State {
	case domain.JobStatePending, domain.JobStateQueued:
		return NodeStatusPending
	case domain.JobStateRunning:
		return NodeStatusRunning
	case domain.JobStateComplete:
		switch job.Conclusion {
		case domain.ConclusionSuccess:
			return NodeStatusPassed
		case domain.ConclusionSkipped:
			return NodeStatusSkipped
		default:
			return NodeStatusFailed
		}
	default:
		return NodeStatusUnknown
	}
}

// computeLevels assigns jobs to topological levels for layout. Jobs
// whose needs are all in earlier levels land in level N; anything a bad
// snapshot leaves unplaceable lands in a final catch-all level.
func computeLevels(g *RunGraph) [][]string {
	if len(g.NodesByName) == 0 {
		return nil
	}

	names := make([]string, 0, len(g.NodesByName))
	for name := range g.NodesByName {
		names = append(names, name)
	}
	sort.Strings(names)

	var levels [][]string
	placed := make(map[string]bool, len(names))
	for len(placed) < len(names) {
		var level []string
		for _, name := range names {
			if placed[name] {
				continue
			}
			ready := true
			for _, need := range g.NodesByName[name].Needs {
				if _, known := g.NodesByName[need]; known && !placed[need] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			var rest []string
			for _, name := range names {
				if !placed[name] {
					rest = append(rest, name)
				}
			}
			levels = append(levels, rest)
			break
		}
		for _, name := range level {
			placed[name] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// Roots returns jobs with no needs, sorted.
func (g *RunGraph) Roots() []string {
	var roots []string
	for name, node := range g.NodesByName {
		if len(node.Needs) == 0 {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	return roots
}
