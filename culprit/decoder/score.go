package decoder

import (
	"math"

	"github.com/example/gantry/culprit/domain"
)

// scorer turns group votes into per-commit log-likelihood ratios.
//
// For each group containing commit c the vote contributes
// log(P(vote | c guilty) / P(vote | c innocent)) under the configured
// flake model: a FAIL vote pushes the score up, a PASS vote pushes it
// down. Summing over groups gives the commit's score.
type scorer struct {
	// failWeight is the contribution of a failing group that contains
	// the commit.
	failWeight float64

	// passWeight is the (negative) contribution of a passing group
	// that contains the commit.
	passWeight float64
}

// clampRate keeps flake rates strictly inside (0, 1) so the log
// ratios stay finite.
func clampRate(r float64) float64 {
	if r <= 0 {
		return 0.001
	}
	if r >= 1 {
		return 0.999
	}
	return r
}

func newScorer(flakePass, flakeFail float64) scorer {
	fp := clampRate(flakePass)
	fn := clampRate(flakeFail)
	return scorer{
		failWeight: math.Log((1 - fp) / fn),
		passWeight: math.Log(fp / (1 - fn)),
	}
}

// scores returns one log-likelihood score per commit column.
func (s scorer) scores(m *domain.Matrix, votes []domain.GroupVote) []float64 {
	out := make([]float64, m.CommitCount)
	for commit := 0; commit < m.CommitCount; commit++ {
		for _, v := range votes {
			if v.GroupIndex < 0 || v.GroupIndex >= m.GroupCount() {
				continue
			}
			if !m.Contains(commit, v.GroupIndex) {
				continue
			}
			switch v.Outcome {
			case domain.OutcomeFail:
				out[commit] += s.failWeight
			case domain.OutcomePass:
				out[commit] += s.passWeight
			}
		}
	}
	return out
}

// evidence itemizes the vote contributions behind one commit's score.
func (s scorer) evidence(commit int, m *domain.Matrix, votes []domain.GroupVote) []domain.Evidence {
	var items []domain.Evidence
	for _, v := range votes {
		if !m.Contains(commit, v.GroupIndex) {
			continue
		}
		var weight float64
		switch v.Outcome {
		case domain.OutcomeFail:
			weight = s.failWeight
		case domain.OutcomePass:
			weight = s.passWeight
		default:
			continue
		}
		items = append(items, domain.Evidence{
			GroupIndex: v.GroupIndex,
			GroupID:    v.GroupID,
			Observed:   v.Outcome,
			Weight:     weight,
		})
	}
	return items
}

// sigmoid maps a log-likelihood score onto (0, 1). Scores beyond
// +/-20 saturate to avoid exp overflow.
func sigmoid(score float64) float64 {
	if score > 20 {
		return 0.9999999
	}
	if score < -20 {
		return 0.0000001
	}
	return 1 / (1 + math.Exp(-score))
}
