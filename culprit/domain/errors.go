package domain

import "errors"

var (
	// ErrInvalidConfig indicates a search configuration outside its
	// accepted ranges.
	ErrInvalidConfig = errors.New("invalid search configuration")

	// ErrTooFewCommits indicates a range with fewer than two commits.
	ErrTooFewCommits = errors.New("commit range too small to search")

	// ErrNoResults indicates a decode attempt with no trial results.
	ErrNoResults = errors.New("no trial results to decode")

	// ErrMaterializationFailed indicates the workspace for a trial
	// could not be prepared, e.g. a cherry-pick conflict.
	ErrMaterializationFailed = errors.New("workspace materialization failed")

	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("search session not found")

	// ErrInvalidTransition indicates a session state change that the
	// lifecycle does not allow, e.g. leaving a final state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
