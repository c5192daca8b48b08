// Package decoder recovers culprit commits from group trial outcomes.
// It tallies repetitions into per-group majority votes, scores each
// commit by log-likelihood under a flake model, and classifies
// commits as culprit, cleared, or unresolved against the configured
// confidence threshold.
package decoder

import (
	"fmt"
	"sort"
	"time"

	"github.com/example/gantry/culprit/domain"
)

// Decoder decodes trial results into a verdict.
type Decoder struct {
	cfg    domain.SearchConfig
	scorer scorer
}

// New creates a Decoder for the given search configuration.
func New(cfg domain.SearchConfig) *Decoder {
	cfg = cfg.Normalized()
	return &Decoder{
		cfg:    cfg,
		scorer: newScorer(cfg.FlakePassRate, cfg.FlakeFailRate),
	}
}

// Decode identifies culprits among the commits from the trial
// results. Fails with ErrNoResults when there is nothing to decode.
func (d *Decoder) Decode(commits []domain.Commit, m *domain.Matrix, results []domain.TrialResult) (*domain.Verdict, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: session produced no trials", domain.ErrNoResults)
	}

	votes := Tally(results, m.GroupCount())
	scores := d.scorer.scores(m, votes)

	var culprits []domain.Culprit
	var cleared, unresolved []string
	for i, commit := range commits {
		conf := sigmoid(scores[i])
		switch {
		case conf >= d.cfg.ConfidenceThreshold:
			culprits = append(culprits, domain.Culprit{
				Commit:     commit,
				Score:      scores[i],
				Confidence: conf,
				Evidence:   d.scorer.evidence(i, m, votes),
			})
		case conf <= 1-d.cfg.ConfidenceThreshold:
			cleared = append(cleared, commit.SHA)
		default:
			unresolved = append(unresolved, commit.SHA)
		}
	}

	sort.Slice(culprits, func(i, j int) bool {
		return culprits[i].Confidence > culprits[j].Confidence
	})

	return &domain.Verdict{
		Culprits:   culprits,
		Confidence: overallConfidence(culprits, votes),
		Cleared:    cleared,
		Unresolved: unresolved,
		Votes:      votes,
		DecodedAt:  time.Now().UTC(),
	}, nil
}

// overallConfidence summarizes the verdict. With culprits it is their
// mean confidence. Without culprits an all-pass vote set means a
// confident "nothing is broken"; failing votes with no identified
// culprit mean the evidence was too noisy, so confidence drops with
// the failure share.
func overallConfidence(culprits []domain.Culprit, votes []domain.GroupVote) float64 {
	if len(culprits) == 0 {
		passes, fails := countVotes(votes)
		if fails == 0 {
			return 0.95
		}
		return float64(passes) / float64(passes+fails) * 0.5
	}
	total := 0.0
	for _, c := range culprits {
		total += c.Confidence
	}
	return total / float64(len(culprits))
}
