package domain

import "fmt"

// SearchConfig tunes the group-testing search. The zero value is not
// usable directly; call Normalized to fill in defaults.
type SearchConfig struct {
	// MaxCulprits is d, the largest number of simultaneous culprits
	// the matrix is built to separate. Range 1..10.
	MaxCulprits int

	// Repetitions is how many times each group is tested. More
	// repetitions buy flake robustness at the cost of more trials.
	// Range 1..20.
	Repetitions int

	// ConfidenceThreshold is the minimum posterior confidence at which
	// a commit is reported as a culprit. Commits below the mirrored
	// threshold are reported cleared; the rest stay unresolved.
	ConfidenceThreshold float64

	// FlakePassRate is the assumed probability that a group containing
	// a culprit still passes.
	FlakePassRate float64

	// FlakeFailRate is the assumed probability that a clean group
	// fails anyway.
	FlakeFailRate float64

	// Seed fixes the random matrix construction. Zero picks a fresh
	// seed per search.
	Seed int64
}

// DefaultSearchConfig returns the configuration used when the caller
// has no opinion: up to two culprits, three repetitions, a 5%/10%
// flake model.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxCulprits:         2,
		Repetitions:         3,
		ConfidenceThreshold: 0.8,
		FlakePassRate:       0.05,
		FlakeFailRate:       0.10,
	}
}

// Normalized returns a copy with zero-valued fields replaced by their
// defaults. Negative or otherwise invalid values are left as is for
// Validate to reject.
func (c SearchConfig) Normalized() SearchConfig {
	def := DefaultSearchConfig()
	if c.MaxCulprits == 0 {
		c.MaxCulprits = def.MaxCulprits
	}
	if c.Repetitions == 0 {
		c.Repetitions = def.Repetitions
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.FlakePassRate == 0 {
		c.FlakePassRate = def.FlakePassRate
	}
	if c.FlakeFailRate == 0 {
		c.FlakeFailRate = def.FlakeFailRate
	}
	return c
}

// Validate checks the configuration against its accepted ranges.
// Zero values are allowed; they mean "use the default".
func (c SearchConfig) Validate() error {
	if c.MaxCulprits < 0 || c.MaxCulprits > 10 {
		return fmt.Errorf("%w: max culprits %d outside 0..10", ErrInvalidConfig, c.MaxCulprits)
	}
	if c.Repetitions < 0 || c.Repetitions > 20 {
		return fmt.Errorf("%w: repetitions %d outside 0..20", ErrInvalidConfig, c.Repetitions)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %.2f outside 0..1", ErrInvalidConfig, c.ConfidenceThreshold)
	}
	if c.FlakePassRate < 0 || c.FlakePassRate >= 1 {
		return fmt.Errorf("%w: flake pass rate %.2f outside [0,1)", ErrInvalidConfig, c.FlakePassRate)
	}
	if c.FlakeFailRate < 0 || c.FlakeFailRate >= 1 {
		return fmt.Errorf("%w: flake fail rate %.2f outside [0,1)", ErrInvalidConfig, c.FlakeFailRate)
	}
	return nil
}
