package domain

import "time"

// Outcome is the observed result of one trial.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePass
	OutcomeFail

	// OutcomeInfra marks a trial that never produced a real test
	// result: worktree setup failed, timeout, cancellation. Infra
	// outcomes carry no signal and the decoder ignores them.
	OutcomeInfra
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "PASS"
	case OutcomeFail:
		return "FAIL"
	case OutcomeInfra:
		return "INFRA"
	default:
		return "UNKNOWN"
	}
}

// TrialResult records the outcome of one trial.
type TrialResult struct {
	GroupID    string
	GroupIndex int
	Rep        int
	Outcome    Outcome
	Duration   time.Duration
	Logs       string
	At         time.Time
}

// Name returns the trial name this result belongs to.
func (r TrialResult) Name() string {
	return Trial{GroupID: r.GroupID, Rep: r.Rep}.Name()
}

// Usable reports whether the result carries decoding signal.
func (r TrialResult) Usable() bool {
	return r.Outcome == OutcomePass || r.Outcome == OutcomeFail
}

// GroupVote is the aggregated outcome of one group across its
// repetitions, produced by majority voting.
type GroupVote struct {
	GroupIndex int
	GroupID    string

	// Outcome is the majority verdict. Ties break toward FAIL.
	Outcome Outcome

	Pass  int
	Fail  int
	Infra int
}

// Usable returns the number of trials that contributed to the vote.
func (v GroupVote) Usable() int { return v.Pass + v.Fail }

// Evidence is one group's contribution to a commit's culprit score.
type Evidence struct {
	GroupIndex int
	GroupID    string

	// Observed is the group's majority outcome.
	Observed Outcome

	// Weight is the log-likelihood contribution. Positive weight
	// points toward guilt.
	Weight float64
}

// Culprit is a commit the decoder holds responsible for the failure.
type Culprit struct {
	Commit     Commit
	Score      float64
	Confidence float64
	Evidence   []Evidence
}

// Verdict is the decoder's conclusion over a full set of trial
// results.
type Verdict struct {
	// Culprits are the identified commits, most confident first.
	Culprits []Culprit

	// Confidence is the overall confidence in the verdict.
	Confidence float64

	// Cleared lists SHAs the decoder is confident are innocent.
	Cleared []string

	// Unresolved lists SHAs the evidence could not settle either way.
	Unresolved []string

	// Votes are the per-group majority outcomes the verdict was
	// decoded from.
	Votes []GroupVote

	DecodedAt time.Time
}
