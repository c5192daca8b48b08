package runner

import (
	"context"
	"time"

	"github.com/example/gantry/culprit/domain"
)

// Materializer prepares a checkout with a group's commits applied.
// Implementations hide how commits land on disk; the production one
// uses git worktrees.
type Materializer interface {
	// Materialize applies the commits on top of baseRef and returns
	// the resulting workspace.
	Materialize(ctx context.Context, baseRef string, commits []domain.Commit) (*Workspace, error)

	// Cleanup releases the workspace.
	Cleanup(ctx context.Context, ws *Workspace) error
}

// Workspace is a checkout prepared for one trial.
type Workspace struct {
	// ID uniquely names the workspace.
	ID string

	// Dir is the checkout directory.
	Dir string

	// BaseRef is the ref the commits were applied onto.
	BaseRef string

	// Commits are the applied commits.
	Commits []domain.Commit

	CreatedAt time.Time
}

// Tester runs the test command against a workspace.
type Tester interface {
	Run(ctx context.Context, ws *Workspace, spec TestSpec) (*domain.TrialResult, error)
}

// TestSpec describes one test execution.
type TestSpec struct {
	// Command is the shell command to run.
	Command string

	// Timeout bounds the execution. Zero means no limit.
	Timeout time.Duration

	// Env holds extra environment variables.
	Env map[string]string

	// Dir overrides the working directory; empty uses the workspace.
	Dir string
}

// SearchRequest carries everything needed to start a search.
type SearchRequest struct {
	// Range is the commit span to search.
	Range domain.Range

	// TestCommand is run for every trial.
	TestCommand string

	// TestTimeout bounds each trial; zero defaults to ten minutes.
	TestTimeout time.Duration

	// Config tunes the matrix and decoder.
	Config domain.SearchConfig
}

// Validate checks the request and fills the timeout default.
func (r *SearchRequest) Validate() error {
	if r.Range.Len() < 2 {
		return domain.ErrTooFewCommits
	}
	if r.TestCommand == "" {
		return domain.ErrInvalidConfig
	}
	if r.TestTimeout <= 0 {
		r.TestTimeout = 10 * time.Minute
	}
	return r.Config.Validate()
}
