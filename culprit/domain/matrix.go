package domain

import "fmt"

// Group is one row of the test matrix: a subset of the commit range
// that is materialized and tested together.
type Group struct {
	// ID is the stable group identifier, "group-<index>".
	ID string

	// Index is the row number in the matrix.
	Index int

	// Members are the range indices of the commits in this group.
	Members []int
}

// Matrix is the d-disjunct test plan for a search. Rows are groups,
// columns are commits; a commit may appear in many groups, and the
// disjunct property guarantees that up to MaxCulprits culprits leave
// distinguishable failure patterns.
type Matrix struct {
	// ID identifies the matrix.
	ID string

	// CommitCount is the number of columns.
	CommitCount int

	// Groups are the rows.
	Groups []Group

	// Repetitions is how many trials each group gets.
	Repetitions int

	// Config is the search configuration the matrix was built for.
	Config SearchConfig
}

// GroupCount returns the number of rows.
func (m *Matrix) GroupCount() int { return len(m.Groups) }

// TrialCount returns the total number of trials: rows times
// repetitions.
func (m *Matrix) TrialCount() int { return len(m.Groups) * m.Repetitions }

// GroupAt returns the group at the given row index, or nil when the
// index is out of bounds.
func (m *Matrix) GroupAt(idx int) *Group {
	if idx < 0 || idx >= len(m.Groups) {
		return nil
	}
	return &m.Groups[idx]
}

// Contains reports whether the commit at commitIdx is a member of the
// group at groupIdx.
func (m *Matrix) Contains(commitIdx, groupIdx int) bool {
	g := m.GroupAt(groupIdx)
	if g == nil {
		return false
	}
	for _, member := range g.Members {
		if member == commitIdx {
			return true
		}
	}
	return false
}

// GroupsWith returns the row indices of every group containing the
// commit at commitIdx.
func (m *Matrix) GroupsWith(commitIdx int) []int {
	var rows []int
	for _, g := range m.Groups {
		for _, member := range g.Members {
			if member == commitIdx {
				rows = append(rows, g.Index)
				break
			}
		}
	}
	return rows
}

// Density returns the mean group size divided by the commit count, a
// rough measure of how much of the range each trial exercises.
func (m *Matrix) Density() float64 {
	if m.CommitCount == 0 || len(m.Groups) == 0 {
		return 0
	}
	total := 0
	for _, g := range m.Groups {
		total += len(g.Members)
	}
	return float64(total) / float64(len(m.Groups)) / float64(m.CommitCount)
}

// Trials enumerates every trial in the matrix: each group repeated
// Repetitions times, repetitions numbered from 1.
func (m *Matrix) Trials() []Trial {
	trials := make([]Trial, 0, m.TrialCount())
	for _, g := range m.Groups {
		for rep := 1; rep <= m.Repetitions; rep++ {
			trials = append(trials, Trial{
				GroupID:    g.ID,
				GroupIndex: g.Index,
				Rep:        rep,
				Members:    g.Members,
			})
		}
	}
	return trials
}

// Trial is a single materialize-and-test execution of one group.
type Trial struct {
	GroupID    string
	GroupIndex int
	Rep        int
	Members    []int
}

// Name returns the unique trial name, "group-<index>-r<rep>". Trial
// names double as workflow job names.
func (t Trial) Name() string {
	return fmt.Sprintf("%s-r%d", t.GroupID, t.Rep)
}
