package domain

// Commit is one candidate change in the searched range.
type Commit struct {
	// SHA identifies the commit in the repository.
	SHA string

	// Index is the commit's position in the range, oldest first.
	// Matrix columns are addressed by this index.
	Index int

	// Subject is the first line of the commit message.
	Subject string

	// Author is the commit author.
	Author string
}

// Range is the ordered span of commits under suspicion. Commits[0] is
// the oldest commit after BaseRef; the last element is the newest.
type Range struct {
	// Repo names the repository the range belongs to.
	Repo string

	// BaseRef is the known-good ref the commits apply onto.
	BaseRef string

	// Commits are the suspects, ordered oldest first.
	Commits []Commit
}

// Len returns the number of commits in the range.
func (r Range) Len() int { return len(r.Commits) }

// At returns the commit at the given range index, or nil when the
// index is out of bounds.
func (r Range) At(idx int) *Commit {
	if idx < 0 || idx >= len(r.Commits) {
		return nil
	}
	return &r.Commits[idx]
}

// BySHA returns the commit with the given SHA, or nil when the range
// does not contain it.
func (r Range) BySHA(sha string) *Commit {
	for i := range r.Commits {
		if r.Commits[i].SHA == sha {
			return &r.Commits[i]
		}
	}
	return nil
}

// Pick returns the commits at the given range indices, preserving the
// order of indices. Out-of-bounds indices are skipped.
func (r Range) Pick(indices []int) []Commit {
	picked := make([]Commit, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(r.Commits) {
			picked = append(picked, r.Commits[idx])
		}
	}
	return picked
}
