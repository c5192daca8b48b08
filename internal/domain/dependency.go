package domain

import "time"

// PredicateType for dependency logic.
type PredicateType string

const (
	PredicateAND PredicateType = "AND" // All prerequisites must pass
	PredicateOR  PredicateType = "OR"  // Any prerequisite passing is enough
)

// Dependency is a needs edge between two jobs in a run: JobName cannot
// start until NeedsJob has concluded.
type Dependency struct {
	ID         int64
	RunID      string
	JobName    string
	NeedsJob   string
	Resolved   bool
	Satisfied  *bool
	ResolvedAt *time.Time
}

// NewDependency creates a new needs edge.
func NewDependency(runID, jobName, needsJob string) *Dependency {
	return &Dependency{
		RunID:    runID,
		JobName:  jobName,
		NeedsJob: needsJob,
		Resolved: false,
	}
}

// Resolve marks the edge as resolved. Satisfied means the prerequisite
// passed; an unsatisfied edge skips the dependent job.
func (d *Dependency) Resolve(satisfied bool) {
	d.Resolved = true
	d.Satisfied = &satisfied
	now := time.Now().UTC()
	d.ResolvedAt = &now
}

// DependencyGroup represents a job's prerequisites with a predicate.
type DependencyGroup struct {
	Predicate PredicateType
	Needs     []string // Prerequisite job names
}

// NewDependencyGroup creates a new dependency group.
func NewDependencyGroup(predicate PredicateType, needs ...string) *DependencyGroup {
	return &DependencyGroup{
		Predicate: predicate,
		Needs:     needs,
	}
}

// IsSatisfied checks if the group is satisfied given resolved prerequisites,
// keyed by job name.
func (g *DependencyGroup) IsSatisfied(resolved map[string]bool) bool {
	if g == nil || len(g.Needs) == 0 {
		return true // No prerequisites = satisfied
	}

	switch g.Predicate {
	case PredicateAND:
		for _, name := range g.Needs {
			satisfied, ok := resolved[name]
			if !ok || !satisfied {
				return false
			}
		}
		return true

	case PredicateOR:
		for _, name := range g.Needs {
			if satisfied, ok := resolved[name]; ok && satisfied {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// AllResolved checks if every prerequisite has concluded, passed or not.
func (g *DependencyGroup) AllResolved(resolved map[string]bool) bool {
	if g == nil || len(g.Needs) == 0 {
		return true
	}

	for _, name := range g.Needs {
		if _, ok := resolved[name]; !ok {
			return false
		}
	}
	return true
}
