package decoder

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/example/gantry/culprit/domain"
	"github.com/example/gantry/culprit/matrix"
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
	m, err := matrix.NewBuilder(func() string { return "m" }).Build(testCommits(n), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return m
}

// simulate produces one result per trial: FAIL when the trial's group
// contains any guilty commit, PASS otherwise.
func simulate(m *domain.Matrix, guilty map[int]bool) []domain.TrialResult {
	var results []domain.TrialResult
	for _, trial := range m.Trials() {
		outcome := domain.OutcomePass
		for _, member := range trial.Members {
			if guilty[member] {
				outcome = domain.OutcomeFail
				break
			}
		}
		results = append(results, domain.TrialResult{
			GroupID:    trial.GroupID,
			GroupIndex: trial.GroupIndex,
			Rep:        trial.Rep,
			Outcome:    outcome,
		})
	}
	return results
}

func culpritSHAs(v *domain.Verdict) map[string]bool {
	shas := make(map[string]bool, len(v.Culprits))
	for _, c := range v.Culprits {
		shas[c.Commit.SHA] = true
	}
	return shas
}

func TestDecodeNoResults(t *testing.T) {
	m := buildMatrix(t, 10, domain.SearchConfig{Seed: 1})
	_, err := New(domain.DefaultSearchConfig()).Decode(testCommits(10), m, nil)
	if !errors.Is(err, domain.ErrNoResults) {
		t.Fatalf("Decode err = %v, want ErrNoResults", err)
	}
}

func TestDecodeSingleCulprit(t *testing.T) {
	cfg := domain.SearchConfig{MaxCulprits: 1, Repetitions: 3, Seed: 42}
	m := buildMatrix(t, 15, cfg)
	commits := testCommits(15)

	verdict, err := New(cfg).Decode(commits, m, simulate(m, map[int]bool{7: true}))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(verdict.Culprits) == 0 {
		t.Fatal("no culprits identified")
	}
	// The guilty commit fails every one of its groups, so it must
	// rank first.
	if top := verdict.Culprits[0]; top.Commit.SHA != "sha-7" {
		t.Errorf("top culprit = %s (confidence %.2f), want sha-7", top.Commit.SHA, top.Confidence)
	}
	if len(verdict.Culprits[0].Evidence) == 0 {
		t.Error("culprit carries no evidence")
	}
	for _, sha := range verdict.Cleared {
		if sha == "sha-7" {
			t.Error("guilty commit listed as cleared")
		}
	}
	if verdict.Confidence < 0.8 {
		t.Errorf("overall confidence %.2f, want at least 0.8", verdict.Confidence)
	}
}

func TestDecodeTwoCulprits(t *testing.T) {
	cfg := domain.SearchConfig{MaxCulprits: 2, Repetitions: 3, ConfidenceThreshold: 0.7, Seed: 42}
	m := buildMatrix(t, 20, cfg)

	verdict, err := New(cfg).Decode(testCommits(20), m, simulate(m, map[int]bool{3: true, 12: true}))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	found := culpritSHAs(verdict)
	if !found["sha-3"] {
		t.Error("sha-3 not identified")
	}
	if !found["sha-12"] {
		t.Error("sha-12 not identified")
	}
}

func TestDecodeAllPassing(t *testing.T) {
	cfg := domain.SearchConfig{MaxCulprits: 1, Repetitions: 2, Seed: 7}
	m := buildMatrix(t, 12, cfg)

	verdict, err := New(cfg).Decode(testCommits(12), m, simulate(m, nil))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(verdict.Culprits) != 0 {
		t.Errorf("got %d culprits from an all-pass run", len(verdict.Culprits))
	}
	if len(verdict.Cleared) != 12 {
		t.Errorf("cleared %d commits, want all 12", len(verdict.Cleared))
	}
	if verdict.Confidence != 0.95 {
		t.Errorf("confidence = %.2f, want 0.95 for a clean range", verdict.Confidence)
	}
}

func TestDecodeMajorityOverridesFlakes(t *testing.T) {
	cfg := domain.SearchConfig{MaxCulprits: 1, Repetitions: 5, Seed: 13}
	m := buildMatrix(t, 15, cfg)
	commits := testCommits(15)
	guilty := map[int]bool{4: true}

	clean, err := New(cfg).Decode(commits, m, simulate(m, guilty))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Flip two of five repetitions in every group. The 3-2 majority
	// still votes the true outcome, so the verdict is unchanged.
	flaky := simulate(m, guilty)
	for i := range flaky {
		if flaky[i].Rep <= 2 {
			if flaky[i].Outcome == domain.OutcomePass {
				flaky[i].Outcome = domain.OutcomeFail
			} else {
				flaky[i].Outcome = domain.OutcomePass
			}
		}
	}

	noisy, err := New(cfg).Decode(commits, m, flaky)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	want := culpritSHAs(clean)
	got := culpritSHAs(noisy)
	if len(got) != len(want) {
		t.Fatalf("noisy run found %d culprits, clean run found %d", len(got), len(want))
	}
	for sha := range want {
		if !got[sha] {
			t.Errorf("noisy run missed culprit %s", sha)
		}
	}
	if !got["sha-4"] {
		t.Error("sha-4 not identified under flaky repetitions")
	}
}

// handMatrix gives precise control over membership for classification
// tests: commit 1 is in two groups, commits 0 and 2 share one group
// with it and have one solo group each, commit 3 has two solo groups.
func handMatrix() *domain.Matrix {
	return &domain.Matrix{
		ID:          "hand",
		CommitCount: 4,
		Repetitions: 1,
		Groups: []domain.Group{
			{ID: "group-0", Index: 0, Members: []int{0, 1}},
			{ID: "group-1", Index: 1, Members: []int{1, 2}},
			{ID: "group-2", Index: 2, Members: []int{0}},
			{ID: "group-3", Index: 3, Members: []int{2}},
			{ID: "group-4", Index: 4, Members: []int{3}},
			{ID: "group-5", Index: 5, Members: []int{3}},
		},
	}
}

func handResults(outcomes ...domain.Outcome) []domain.TrialResult {
	results := make([]domain.TrialResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = domain.TrialResult{
			GroupID:    fmt.Sprintf("group-%d", i),
			GroupIndex: i,
			Rep:        1,
			Outcome:    o,
		}
	}
	return results
}

func TestDecodeClassification(t *testing.T) {
	// Commit 1 guilty: its groups 0 and 1 fail, the solo groups pass.
	// Commits 0 and 2 each see one fail and one pass, which under the
	// default flake model lands between the thresholds. Commit 3 sees
	// two passes and clears.
	m := handMatrix()
	results := handResults(
		domain.OutcomeFail, domain.OutcomeFail,
		domain.OutcomePass, domain.OutcomePass,
		domain.OutcomePass, domain.OutcomePass,
	)

	verdict, err := New(domain.DefaultSearchConfig()).Decode(testCommits(4), m, results)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(verdict.Culprits) != 1 || verdict.Culprits[0].Commit.SHA != "sha-1" {
		t.Fatalf("culprits = %v, want exactly sha-1", culpritSHAs(verdict))
	}
	if len(verdict.Cleared) != 1 || verdict.Cleared[0] != "sha-3" {
		t.Errorf("cleared = %v, want exactly sha-3", verdict.Cleared)
	}
	if len(verdict.Unresolved) != 2 {
		t.Errorf("unresolved = %v, want sha-0 and sha-2", verdict.Unresolved)
	}
}

func TestDecodeInfraVotesCarryNoWeight(t *testing.T) {
	// Group 0 is all infra; commit 0's only remaining signal is its
	// solo passing group, so the infra group must not appear in any
	// evidence and commit 0 must not gain a failure contribution.
	m := handMatrix()
	results := handResults(
		domain.OutcomeInfra, domain.OutcomeFail,
		domain.OutcomePass, domain.OutcomePass,
		domain.OutcomePass, domain.OutcomePass,
	)

	verdict, err := New(domain.DefaultSearchConfig()).Decode(testCommits(4), m, results)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if verdict.Votes[0].Outcome != domain.OutcomeInfra {
		t.Errorf("group 0 vote = %s, want INFRA", verdict.Votes[0].Outcome)
	}
	for _, c := range verdict.Culprits {
		for _, ev := range c.Evidence {
			if ev.GroupIndex == 0 {
				t.Errorf("culprit %s cites infra group 0 as evidence", c.Commit.SHA)
			}
		}
	}
}

func TestTallyMajority(t *testing.T) {
	results := []domain.TrialResult{
		{GroupID: "group-0", GroupIndex: 0, Rep: 1, Outcome: domain.OutcomeFail},
		{GroupID: "group-0", GroupIndex: 0, Rep: 2, Outcome: domain.OutcomeFail},
		{GroupID: "group-0", GroupIndex: 0, Rep: 3, Outcome: domain.OutcomePass},
		{GroupID: "group-1", GroupIndex: 1, Rep: 1, Outcome: domain.OutcomePass},
		{GroupID: "group-1", GroupIndex: 1, Rep: 2, Outcome: domain.OutcomePass},
		{GroupID: "group-1", GroupIndex: 1, Rep: 3, Outcome: domain.OutcomeInfra},
	}

	votes := Tally(results, 2)
	if votes[0].Outcome != domain.OutcomeFail {
		t.Errorf("group 0 = %s, want FAIL from a 2-1 vote", votes[0].Outcome)
	}
	if votes[1].Outcome != domain.OutcomePass {
		t.Errorf("group 1 = %s, want PASS with infra excluded", votes[1].Outcome)
	}
	if votes[1].Usable() != 2 || votes[1].Infra != 1 {
		t.Errorf("group 1 counts: usable %d infra %d, want 2 and 1", votes[1].Usable(), votes[1].Infra)
	}
}

func TestTallyTieBreaksToFail(t *testing.T) {
	results := []domain.TrialResult{
		{GroupID: "group-0", GroupIndex: 0, Rep: 1, Outcome: domain.OutcomePass},
		{GroupID: "group-0", GroupIndex: 0, Rep: 2, Outcome: domain.OutcomeFail},
	}
	if votes := Tally(results, 1); votes[0].Outcome != domain.OutcomeFail {
		t.Errorf("tied vote = %s, want FAIL", votes[0].Outcome)
	}
}

func TestTallyEmptyGroups(t *testing.T) {
	results := []domain.TrialResult{
		{GroupID: "group-1", GroupIndex: 1, Rep: 1, Outcome: domain.OutcomeInfra},
		{GroupIndex: 5, Rep: 1, Outcome: domain.OutcomeFail}, // out of range, dropped
	}
	votes := Tally(results, 2)
	if votes[0].Outcome != domain.OutcomeUnknown {
		t.Errorf("group 0 = %s, want UNKNOWN with no results", votes[0].Outcome)
	}
	if votes[1].Outcome != domain.OutcomeInfra {
		t.Errorf("group 1 = %s, want INFRA", votes[1].Outcome)
	}
}

func TestSigmoid(t *testing.T) {
	if got := sigmoid(0); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("sigmoid(0) = %f, want 0.5", got)
	}
	if got := sigmoid(100); got >= 1 || got < 0.999 {
		t.Errorf("sigmoid(100) = %f, want saturated below 1", got)
	}
	if got := sigmoid(-100); got <= 0 || got > 0.001 {
		t.Errorf("sigmoid(-100) = %f, want saturated above 0", got)
	}
}

func TestScorerClampsRates(t *testing.T) {
	s := newScorer(0, 1)
	if math.IsInf(s.failWeight, 0) || math.IsNaN(s.failWeight) {
		t.Errorf("failWeight = %f, want finite", s.failWeight)
	}
	if math.IsInf(s.passWeight, 0) || math.IsNaN(s.passWeight) {
		t.Errorf("passWeight = %f, want finite", s.passWeight)
	}
}
