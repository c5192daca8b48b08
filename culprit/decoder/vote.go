package decoder

import "github.com/example/gantry/culprit/domain"

// Tally collapses trial results into one vote per group by majority.
// Infra outcomes are counted but never vote; a group with only infra
// results keeps OutcomeInfra, a group with no results at all keeps
// OutcomeUnknown. Ties break toward FAIL: for culprit finding a
// missed failure costs more than a spurious one.
func Tally(results []domain.TrialResult, groups int) []domain.GroupVote {
	votes := make([]domain.GroupVote, groups)
	for i := range votes {
		votes[i].GroupIndex = i
	}

	for _, r := range results {
		if r.GroupIndex < 0 || r.GroupIndex >= groups {
			continue
		}
		v := &votes[r.GroupIndex]
		if v.GroupID == "" {
			v.GroupID = r.GroupID
		}
		switch r.Outcome {
		case domain.OutcomePass:
			v.Pass++
		case domain.OutcomeFail:
			v.Fail++
		case domain.OutcomeInfra:
			v.Infra++
		}
	}

	for i := range votes {
		v := &votes[i]
		switch {
		case v.Usable() == 0 && v.Infra > 0:
			v.Outcome = domain.OutcomeInfra
		case v.Usable() == 0:
			v.Outcome = domain.OutcomeUnknown
		case v.Fail >= v.Pass:
			v.Outcome = domain.OutcomeFail
		default:
			v.Outcome = domain.OutcomePass
		}
	}
	return votes
}

// countVotes returns how many votes landed PASS and FAIL.
func countVotes(votes []domain.GroupVote) (passes, fails int) {
	for _, v := range votes {
		switch v.Outcome {
		case domain.OutcomePass:
			passes++
		case domain.OutcomeFail:
			fails++
		}
	}
	return
}
