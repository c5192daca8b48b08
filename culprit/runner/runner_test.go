package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/gantry/culprit/domain"
	orchDomain "github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage/sqlite"
)

func newSearchStorage(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "culprit.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store
}

func sequentialIDs() func() string {
	counter := 0
	return func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}
}

func makeCommits(n int) []domain.Commit {
	commits := make([]domain.Commit, n)
	for i := 0; i < n; i++ {
		commits[i] = domain.Commit{
			SHA:     fmt.Sprintf("commit-%d", i),
			Index:   i,
			Subject: fmt.Sprintf("Commit message %d", i),
			Author:  "test@example.com",
		}
	}
	return commits
}

func TestSearchFindsSingleCulprit(t *testing.T) {
	ctx := context.Background()

	materializer := NewFakeMaterializer()
	tester := NewFakeTester().
		WithCulprits("commit-7").
		WithSeed(42)

	search := NewSearchRunner(newSearchStorage(t), materializer, tester, sequentialIDs())

	req := &SearchRequest{
		Range: domain.Range{
			Repo:    "test-repo",
			BaseRef: "base-ref",
			Commits: makeCommits(15),
		},
		TestCommand: "make test",
		TestTimeout: 5 * time.Minute,
		Config: domain.SearchConfig{
			MaxCulprits:         2,
			Repetitions:         3,
			ConfidenceThreshold: 0.7,
			Seed:                42,
		},
	}

	verdict, err := search.RunSearch(ctx, req)
	if err != nil {
		t.Fatalf("RunSearch failed: %v", err)
	}

	found := false
	for _, c := range verdict.Culprits {
		if c.Commit.SHA == "commit-7" {
			found = true
			t.Logf("found culprit commit-7 with confidence %.2f", c.Confidence)
			break
		}
	}
	if !found {
		t.Errorf("culprit commit-7 not identified; got %d candidates", len(verdict.Culprits))
		for _, c := range verdict.Culprits {
			t.Logf("  - %s (confidence %.2f)", c.Commit.SHA, c.Confidence)
		}
	}

	if len(materializer.Workspaces()) == 0 {
		t.Error("no workspaces recorded")
	}
	if len(tester.Results()) == 0 {
		t.Error("no trial results recorded")
	}
}

func TestSearchFindsTwoCulprits(t *testing.T) {
	ctx := context.Background()

	search := NewSearchRunner(newSearchStorage(t), NewFakeMaterializer(),
		NewFakeTester().WithCulprits("commit-3", "commit-12").WithSeed(42), sequentialIDs())

	req := &SearchRequest{
		Range: domain.Range{
			Repo:    "test-repo",
			BaseRef: "base-ref",
			Commits: makeCommits(20),
		},
		TestCommand: "make test",
		TestTimeout: 5 * time.Minute,
		Config: domain.SearchConfig{
			MaxCulprits:         2,
			Repetitions:         3,
			ConfidenceThreshold: 0.6,
			Seed:                42,
		},
	}

	verdict, err := search.RunSearch(ctx, req)
	if err != nil {
		t.Fatalf("RunSearch failed: %v", err)
	}

	found := make(map[string]bool)
	for _, c := range verdict.Culprits {
		found[c.Commit.SHA] = true
	}
	if !found["commit-3"] {
		t.Error("did not identify culprit commit-3")
	}
	if !found["commit-12"] {
		t.Error("did not identify culprit commit-12")
	}
}

func TestSearchNoCulprits(t *testing.T) {
	ctx := context.Background()

	search := NewSearchRunner(newSearchStorage(t), NewFakeMaterializer(),
		NewFakeTester().WithSeed(42), sequentialIDs())

	req := &SearchRequest{
		Range: domain.Range{
			Repo:    "test-repo",
			BaseRef: "base-ref",
			Commits: makeCommits(10),
		},
		TestCommand: "make test",
		TestTimeout: 5 * time.Minute,
		Config: domain.SearchConfig{
			MaxCulprits: 1,
			Repetitions: 3,
			Seed:        42,
		},
	}

	verdict, err := search.RunSearch(ctx, req)
	if err != nil {
		t.Fatalf("RunSearch failed: %v", err)
	}

	if len(verdict.Culprits) != 0 {
		t.Errorf("expected 0 culprits, got %d", len(verdict.Culprits))
	}
	if len(verdict.Cleared) != 10 {
		t.Errorf("expected 10 cleared commits, got %d", len(verdict.Cleared))
	}
}

func TestSearchWithFlakes(t *testing.T) {
	ctx := context.Background()

	// Single-trial execution keeps the fake's RNG consumption order
	// stable across runs.
	tester := NewFakeTester().
		WithCulprits("commit-5").
		WithFlakeRate(0.1).
		WithSeed(42)

	search := NewSearchRunner(newSearchStorage(t), NewFakeMaterializer(), tester, sequentialIDs()).
		WithParallelism(1)

	req := &SearchRequest{
		Range: domain.Range{
			Repo:    "test-repo",
			BaseRef: "base-ref",
			Commits: makeCommits(15),
		},
		TestCommand: "make test",
		TestTimeout: 5 * time.Minute,
		Config: domain.SearchConfig{
			MaxCulprits:         2,
			Repetitions:         5,
			ConfidenceThreshold: 0.6,
			FlakePassRate:       0.1,
			FlakeFailRate:       0.1,
			Seed:                42,
		},
	}

	verdict, err := search.RunSearch(ctx, req)
	if err != nil {
		t.Fatalf("RunSearch failed: %v", err)
	}

	found := false
	for _, c := range verdict.Culprits {
		if c.Commit.SHA == "commit-5" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("culprit commit-5 not identified despite repetitions; got %d candidates",
			len(verdict.Culprits))
	}
}

func TestSearchSurvivesMaterializationFailures(t *testing.T) {
	ctx := context.Background()

	materializer := NewFakeMaterializer()
	materializer.FailOn["commit-5"] = fmt.Errorf("simulated materialization failure")

	search := NewSearchRunner(newSearchStorage(t), materializer,
		NewFakeTester().WithSeed(42), sequentialIDs())

	req := &SearchRequest{
		Range: domain.Range{
			Commits: makeCommits(10),
		},
		TestCommand: "make test",
		Config: domain.SearchConfig{
			Seed: 42,
		},
	}

	session, err := search.StartSearch(ctx, req)
	if err != nil {
		t.Fatalf("StartSearch failed: %v", err)
	}
	if err := search.RunLoop(ctx, session.ID); err != nil {
		t.Fatalf("RunLoop failed: %v", err)
	}

	// Trials containing commit-5 become infra outcomes; the rest
	// still decode.
	if session.Progress.Infra == 0 {
		t.Error("expected infra trial outcomes recorded")
	}
	if session.State != domain.SessionComplete {
		t.Errorf("session state = %s, want complete", session.State)
	}
	if session.Verdict == nil {
		t.Fatal("session has no verdict")
	}
}

func TestStartSearchPlansWorkflowRun(t *testing.T) {
	ctx := context.Background()

	search := NewSearchRunner(newSearchStorage(t), NewFakeMaterializer(),
		NewFakeTester().WithSeed(42), sequentialIDs())

	req := &SearchRequest{
		Range: domain.Range{
			Repo:    "test-repo",
			BaseRef: "base-ref",
			Commits: makeCommits(8),
		},
		TestCommand: "go test ./...",
		TestTimeout: time.Minute,
		Config: domain.SearchConfig{
			MaxCulprits: 1,
			Repetitions: 2,
			Seed:        7,
		},
	}

	session, err := search.StartSearch(ctx, req)
	if err != nil {
		t.Fatalf("StartSearch failed: %v", err)
	}
	if session.RunID == "" {
		t.Fatal("session has no run ID")
	}
	if session.State != domain.SessionRunning {
		t.Errorf("session state = %s, want running", session.State)
	}

	detail, err := search.Orchestrator().GetRunDetail(ctx, session.RunID)
	if err != nil {
		t.Fatalf("GetRunDetail failed: %v", err)
	}

	wantJobs := session.Matrix.TrialCount() + 1 // trials plus decode
	if len(detail.Jobs) != wantJobs {
		t.Errorf("run has %d jobs, want %d", len(detail.Jobs), wantJobs)
	}

	var decode *orchDomain.Job
	queuedTrials := 0
	for _, job := range detail.Jobs {
		if job.Name == "decode" {
			decode = job
			continue
		}
		if job.State == orchDomain.JobStateQueued {
			queuedTrials++
		}
		if job.Steps[0].Run != "go test ./..." {
			t.Errorf("job %s step runs %q, want the test command", job.Name, job.Steps[0].Run)
		}
	}
	if decode == nil {
		t.Fatal("run has no decode job")
	}
	if decode.State != orchDomain.JobStatePending {
		t.Errorf("decode job state = %s, want PENDING until trials conclude", decode.State)
	}
	if len(decode.Needs) != session.Matrix.TrialCount() {
		t.Errorf("decode job needs %d jobs, want %d", len(decode.Needs), session.Matrix.TrialCount())
	}
	if queuedTrials != session.Matrix.TrialCount() {
		t.Errorf("%d trial jobs queued, want all %d", queuedTrials, session.Matrix.TrialCount())
	}
}

func TestRunLoopConcludesRun(t *testing.T) {
	ctx := context.Background()

	search := NewSearchRunner(newSearchStorage(t), NewFakeMaterializer(),
		NewFakeTester().WithCulprits("commit-2").WithSeed(42), sequentialIDs())

	req := &SearchRequest{
		Range: domain.Range{
			Repo:    "test-repo",
			BaseRef: "base-ref",
			Commits: makeCommits(8),
		},
		TestCommand: "make test",
		TestTimeout: time.Minute,
		Config: domain.SearchConfig{
			MaxCulprits: 1,
			Repetitions: 2,
			Seed:        7,
		},
	}

	session, err := search.StartSearch(ctx, req)
	if err != nil {
		t.Fatalf("StartSearch failed: %v", err)
	}
	if err := search.RunLoop(ctx, session.ID); err != nil {
		t.Fatalf("RunLoop failed: %v", err)
	}

	run, err := search.Orchestrator().GetRun(ctx, session.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.State != orchDomain.RunStateComplete {
		t.Errorf("run state = %s, want COMPLETE", run.State)
	}
	if run.Conclusion != orchDomain.ConclusionSuccess {
		t.Errorf("run conclusion = %s, want success", run.Conclusion)
	}

	// Every job reported a verdict, failing trials included: a
	// failing test is decoder signal, not a pipeline failure.
	jobs, err := search.Orchestrator().QueryJobs(ctx, &service.QueryJobsRequest{RunID: session.RunID})
	if err != nil {
		t.Fatalf("QueryJobs failed: %v", err)
	}
	for _, job := range jobs {
		if job.Conclusion != orchDomain.ConclusionSuccess {
			t.Errorf("job %s concluded %s, want success", job.Name, job.Conclusion)
		}
	}

	if session.Progress.Done != session.Progress.Trials {
		t.Errorf("completed %d of %d trials", session.Progress.Done, session.Progress.Trials)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	search := NewSearchRunner(newSearchStorage(t), NewFakeMaterializer(),
		NewFakeTester(), sequentialIDs())

	if _, err := search.GetSession(context.Background(), "no-such-session"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetSession error = %v, want ErrSessionNotFound", err)
	}
	if _, err := search.GetVerdict(context.Background(), "no-such-session"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetVerdict error = %v, want ErrSessionNotFound", err)
	}
}

func TestSearchRequestValidation(t *testing.T) {
	valid := func() *SearchRequest {
		return &SearchRequest{
			Range:       domain.Range{Commits: makeCommits(5)},
			TestCommand: "make test",
			TestTimeout: time.Minute,
			Config:      domain.DefaultSearchConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*SearchRequest)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*SearchRequest) {},
		},
		{
			name:    "too few commits",
			mutate:  func(r *SearchRequest) { r.Range.Commits = makeCommits(1) },
			wantErr: domain.ErrTooFewCommits,
		},
		{
			name:    "missing test command",
			mutate:  func(r *SearchRequest) { r.TestCommand = "" },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "invalid config",
			mutate:  func(r *SearchRequest) { r.Config.MaxCulprits = -1 },
			wantErr: domain.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSearchRequestValidateDefaultsTimeout(t *testing.T) {
	req := &SearchRequest{
		Range:       domain.Range{Commits: makeCommits(5)},
		TestCommand: "make test",
		Config:      domain.DefaultSearchConfig(),
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if req.TestTimeout != 10*time.Minute {
		t.Errorf("TestTimeout = %s, want the 10m default", req.TestTimeout)
	}
}

func TestFakeMaterializerFailOn(t *testing.T) {
	ctx := context.Background()
	m := NewFakeMaterializer()
	wantErr := fmt.Errorf("boom")
	m.FailOn["bad-sha"] = wantErr

	_, err := m.Materialize(ctx, "base", []domain.Commit{{SHA: "bad-sha"}})
	if err != wantErr {
		t.Fatalf("Materialize error = %v, want %v", err, wantErr)
	}

	ws, err := m.Materialize(ctx, "base", []domain.Commit{{SHA: "good-sha"}})
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if ws.BaseRef != "base" {
		t.Errorf("BaseRef = %q, want %q", ws.BaseRef, "base")
	}
	if got := len(m.Workspaces()); got != 1 {
		t.Errorf("recorded %d workspaces, want 1", got)
	}
}

func TestFakeTesterCulpritDetection(t *testing.T) {
	ctx := context.Background()
	tester := NewFakeTester().WithCulprits("culprit-sha").WithSeed(1)

	ws := &Workspace{
		ID:      "ws-1",
		Commits: []domain.Commit{{SHA: "clean-sha"}, {SHA: "culprit-sha"}},
	}
	result, err := tester.Run(ctx, ws, TestSpec{Command: "make test"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != domain.OutcomeFail {
		t.Errorf("outcome = %s, want FAIL for a workspace containing the culprit", result.Outcome)
	}

	ws = &Workspace{
		ID:      "ws-2",
		Commits: []domain.Commit{{SHA: "clean-sha"}},
	}
	result, err = tester.Run(ctx, ws, TestSpec{Command: "make test"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != domain.OutcomePass {
		t.Errorf("outcome = %s, want PASS for a clean workspace", result.Outcome)
	}
}
