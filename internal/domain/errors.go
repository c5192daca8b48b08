package domain

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a state transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrConcurrentModify is returned when optimistic locking fails.
	ErrConcurrentModify = errors.New("concurrent modification")

	// ErrInvalidDependency is returned when a needs edge is malformed.
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrCyclicDependency is returned when a needs cycle is detected.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned when trying to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRunnerNotFound is returned when a runner registration doesn't exist.
	ErrRunnerNotFound = errors.New("runner not found")

	// ErrRunnerUnavailable is returned when no runner can take a job.
	ErrRunnerUnavailable = errors.New("no runner available")

	// ErrStepOrder is returned when a step is started out of sequence.
	ErrStepOrder = errors.New("step out of sequence")
)
