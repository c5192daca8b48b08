package matrix

import (
	"errors"
	"fmt"
	"testing"

	"github.com/example/gantry/culprit/domain"
)

func testCommits(n int) []domain.Commit {
	commits := make([]domain.Commit, n)
	for i := range commits {
		commits[i] = domain.Commit{SHA: fmt.Sprintf("sha-%d", i), Index: i}
	}
	return commits
}

func buildMatrix(t *testing.T, n int, cfg domain.SearchConfig) *domain.Matrix {
	t.Helper()
	b := NewBuilder(func() string { return "matrix-1" })
	m, err := b.Build(testCommits(n), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return m
}

func TestBuildRejectsShortRanges(t *testing.T) {
	b := NewBuilder(func() string { return "m" })
	for _, n := range []int{0, 1} {
		if _, err := b.Build(testCommits(n), domain.DefaultSearchConfig()); !errors.Is(err, domain.ErrTooFewCommits) {
			t.Errorf("Build with %d commits: err = %v, want ErrTooFewCommits", n, err)
		}
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	b := NewBuilder(func() string { return "m" })
	cfg := domain.SearchConfig{MaxCulprits: 99}
	if _, err := b.Build(testCommits(10), cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("Build err = %v, want ErrInvalidConfig", err)
	}
}

func TestGroupCountScaling(t *testing.T) {
	// More commits and larger d both demand more rows, up to the
	// individual-testing ceiling of n.
	if got := groupCount(1, 2); got != 0 {
		t.Errorf("groupCount(1, 2) = %d, want 0", got)
	}
	small := groupCount(16, 1)
	large := groupCount(4096, 1)
	if large <= small {
		t.Errorf("rows should grow with n: n=16 gives %d, n=4096 gives %d", small, large)
	}
	d1 := groupCount(4096, 1)
	d2 := groupCount(4096, 2)
	if d2 <= d1 {
		t.Errorf("rows should grow with d: d=1 gives %d, d=2 gives %d", d1, d2)
	}
	for _, n := range []int{2, 3, 5, 8} {
		if got := groupCount(n, 3); got > n {
			t.Errorf("groupCount(%d, 3) = %d, exceeds n", n, got)
		}
	}
}

func TestColumnWeightBounds(t *testing.T) {
	rows := groupCount(100, 2)
	w := columnWeight(100, 2, rows)
	if w < 3 {
		t.Errorf("weight = %d, want at least d+1 = 3", w)
	}
	if w > rows {
		t.Errorf("weight = %d exceeds row count %d", w, rows)
	}
}

func TestBuildEveryCommitCovered(t *testing.T) {
	m := buildMatrix(t, 50, domain.SearchConfig{MaxCulprits: 2, Repetitions: 3, Seed: 11})
	for c := 0; c < m.CommitCount; c++ {
		if len(m.GroupsWith(c)) == 0 {
			t.Errorf("commit %d appears in no group", c)
		}
	}
	if m.Density() <= 0 {
		t.Errorf("density = %f, want positive", m.Density())
	}
}

func TestBuildMembersSortedAndBounded(t *testing.T) {
	m := buildMatrix(t, 30, domain.SearchConfig{MaxCulprits: 2, Seed: 5})
	for _, g := range m.Groups {
		for i, member := range g.Members {
			if member < 0 || member >= m.CommitCount {
				t.Fatalf("group %s member %d out of range", g.ID, member)
			}
			if i > 0 && g.Members[i-1] >= member {
				t.Fatalf("group %s members not strictly increasing: %v", g.ID, g.Members)
			}
		}
	}
}

func TestBuildSeedDeterminism(t *testing.T) {
	cfg := domain.SearchConfig{MaxCulprits: 2, Repetitions: 2, Seed: 42}
	a := buildMatrix(t, 40, cfg)
	b := buildMatrix(t, 40, cfg)

	if a.GroupCount() != b.GroupCount() {
		t.Fatalf("group counts differ: %d vs %d", a.GroupCount(), b.GroupCount())
	}
	for i := range a.Groups {
		ga, gb := a.Groups[i], b.Groups[i]
		if len(ga.Members) != len(gb.Members) {
			t.Fatalf("group %d sizes differ", i)
		}
		for j := range ga.Members {
			if ga.Members[j] != gb.Members[j] {
				t.Fatalf("group %d differs at member %d", i, j)
			}
		}
	}

	cfg.Seed = 43
	c := buildMatrix(t, 40, cfg)
	same := true
	for i := range a.Groups {
		if len(a.Groups[i].Members) != len(c.Groups[i].Members) {
			same = false
			break
		}
		for j := range a.Groups[i].Members {
			if a.Groups[i].Members[j] != c.Groups[i].Members[j] {
				same = false
				break
			}
		}
	}
	if same {
		t.Error("different seeds produced identical matrices")
	}
}

func TestBuildTrialEnumeration(t *testing.T) {
	m := buildMatrix(t, 20, domain.SearchConfig{MaxCulprits: 1, Repetitions: 3, Seed: 9})
	trials := m.Trials()
	if len(trials) != m.GroupCount()*3 {
		t.Fatalf("enumerated %d trials, want %d", len(trials), m.GroupCount()*3)
	}
	seen := make(map[string]bool, len(trials))
	for _, trial := range trials {
		name := trial.Name()
		if seen[name] {
			t.Fatalf("duplicate trial name %s", name)
		}
		seen[name] = true
		if trial.Rep < 1 || trial.Rep > 3 {
			t.Fatalf("trial %s rep %d outside 1..3", name, trial.Rep)
		}
	}
}

// covered reports whether column c's rows are a subset of the union
// of the other columns' rows.
func covered(m *domain.Matrix, c int, others []int) bool {
	union := make(map[int]bool)
	for _, o := range others {
		for _, row := range m.GroupsWith(o) {
			union[row] = true
		}
	}
	for _, row := range m.GroupsWith(c) {
		if !union[row] {
			return false
		}
	}
	return true
}

func TestBuildOneDisjunct(t *testing.T) {
	// For d=1 the property is cheap to verify exhaustively: no commit
	// may be covered by any single other commit.
	m := buildMatrix(t, 64, domain.SearchConfig{MaxCulprits: 1, Seed: 77})
	for c := 0; c < m.CommitCount; c++ {
		for o := 0; o < m.CommitCount; o++ {
			if o == c {
				continue
			}
			if covered(m, c, []int{o}) {
				t.Fatalf("commit %d is covered by commit %d alone", c, o)
			}
		}
	}
}
