// Package matrix builds randomized d-disjunct test matrices. A matrix
// is d-disjunct when no column is covered by the union of any d other
// columns, which lets the decoder separate up to d culprits from trial
// outcomes without adaptive bisection.
package matrix

import (
	"fmt"

	"github.com/example/gantry/culprit/domain"
)

// Builder constructs test matrices for commit ranges.
type Builder struct {
	newID func() string
}

// NewBuilder creates a Builder using newID for matrix identifiers.
func NewBuilder(newID func() string) *Builder {
	return &Builder{newID: newID}
}

// Build constructs a matrix over the given commits. The configuration
// is normalized and validated first; ranges shorter than two commits
// are rejected.
func (b *Builder) Build(commits []domain.Commit, cfg domain.SearchConfig) (*domain.Matrix, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := len(commits)
	if n < 2 {
		return nil, fmt.Errorf("%w: got %d commits", domain.ErrTooFewCommits, n)
	}

	rows := randomMembership(n, cfg.MaxCulprits, groupCount(n, cfg.MaxCulprits), cfg.Seed)

	groups := make([]domain.Group, len(rows))
	for i, members := range rows {
		groups[i] = domain.Group{
			ID:      fmt.Sprintf("group-%d", i),
			Index:   i,
			Members: members,
		}
	}

	return &domain.Matrix{
		ID:          b.newID(),
		CommitCount: n,
		Groups:      groups,
		Repetitions: cfg.Repetitions,
		Config:      cfg,
	}, nil
}
