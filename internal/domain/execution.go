package domain

import (
	"time"

	"github.com/example/gantry/pkg/id"
)

// ExecutionMode specifies how a job dispatch behaves.
type ExecutionMode int

const (
	ExecutionModeUnknown ExecutionMode = 0
	ExecutionModeSync    ExecutionMode = 1 // Dispatch blocks until the runner returns the verdict
	ExecutionModeAsync   ExecutionMode = 2 // Dispatch returns immediately, callbacks report progress
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecutionModeSync:
		return "SYNC"
	case ExecutionModeAsync:
		return "ASYNC"
	default:
		return "UNKNOWN"
	}
}

// ExecutionState tracks the state of a dispatched execution.
type ExecutionState int

const (
	ExecutionStatePending    ExecutionState = 10 // Queued, not yet dispatched
	ExecutionStateDispatched ExecutionState = 20 // Sent to runner
	ExecutionStateRunning    ExecutionState = 30 // Confirmed running by runner
	ExecutionStateComplete   ExecutionState = 40 // Job concluded successfully
	ExecutionStateFailed     ExecutionState = 50 // Failed/timed out
	ExecutionStateCancelled  ExecutionState = 60 // Cancelled before completion
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionStatePending:
		return "PENDING"
	case ExecutionStateDispatched:
		return "DISPATCHED"
	case ExecutionStateRunning:
		return "RUNNING"
	case ExecutionStateComplete:
		return "COMPLETE"
	case ExecutionStateFailed:
		return "FAILED"
	case ExecutionStateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the execution is in a terminal state.
func (s ExecutionState) IsFinal() bool {
	return s == ExecutionStateComplete || s == ExecutionStateFailed || s == ExecutionStateCancelled
}

// JobExecution represents a single dispatch of a job to a runner.
type JobExecution struct {
	ID             string
	RunID          string
	JobID          string
	Label          string // Runner label the job requires
	ExecutionMode  ExecutionMode
	State          ExecutionState
	RunnerID       string     // ID of runner handling this execution
	DispatchedAt   *time.Time // When dispatched to runner
	StartedAt      *time.Time // When runner confirmed start
	CompletedAt    *time.Time // When execution completed
	Deadline       *time.Time // Execution deadline
	LastProgressAt *time.Time // Last progress update
	CurrentStep    int        // 1-based index of the step in flight
	CurrentStepID  string     // Name of the step in flight
	ErrorMessage   string     // Error message if failed
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewJobExecution creates a new pending execution.
func NewJobExecution(runID, jobID, label string, mode ExecutionMode) *JobExecution {
	now := time.Now().UTC()
	return &JobExecution{
		ID:            id.Generate(),
		RunID:         runID,
		JobID:         jobID,
		Label:         label,
		ExecutionMode: mode,
		State:         ExecutionStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MarkDispatched transitions to dispatched state.
func (e *JobExecution) MarkDispatched(runnerID string) error {
	if e.State != ExecutionStatePending {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	e.State = ExecutionStateDispatched
	e.RunnerID = runnerID
	e.DispatchedAt = &now
	e.UpdatedAt = now
	return nil
}

// MarkRunning transitions to running state.
func (e *JobExecution) MarkRunning() error {
	if e.State != ExecutionStateDispatched && e.State != ExecutionStatePending {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	e.State = ExecutionStateRunning
	e.StartedAt = &now
	e.UpdatedAt = now
	return nil
}

// MarkComplete transitions to complete state.
func (e *JobExecution) MarkComplete() error {
	if e.State.IsFinal() {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	e.State = ExecutionStateComplete
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// MarkFailed transitions to failed state.
func (e *JobExecution) MarkFailed(errorMsg string) error {
	if e.State.IsFinal() {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	e.State = ExecutionStateFailed
	e.ErrorMessage = errorMsg
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// MarkCancelled transitions to cancelled state.
func (e *JobExecution) MarkCancelled() error {
	if e.State.IsFinal() {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	e.State = ExecutionStateCancelled
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// UpdateProgress records which step the runner is on.
func (e *JobExecution) UpdateProgress(stepIdx int, stepName string) {
	now := time.Now().UTC()
	e.CurrentStep = stepIdx
	e.CurrentStepID = stepName
	e.LastProgressAt = &now
	e.UpdatedAt = now
}

// IsExpired returns true if the execution has passed its deadline.
func (e *JobExecution) IsExpired() bool {
	if e.Deadline == nil {
		return false
	}
	return time.Now().UTC().After(*e.Deadline)
}

// SetDeadline sets the execution deadline.
func (e *JobExecution) SetDeadline(deadline time.Time) {
	e.Deadline = &deadline
	e.UpdatedAt = time.Now().UTC()
}
