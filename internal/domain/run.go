package domain

import (
	"fmt"
	"time"
)

// RunState describes the current state of a Run.
type RunState int

const (
	RunStateUnknown  RunState = 0
	RunStatePending  RunState = 10 // Planned, no job has started
	RunStateRunning  RunState = 20 // At least one job has started
	RunStateComplete RunState = 30 // All jobs concluded, verdict recorded
)

func (s RunState) String() string {
	switch s {
	case RunStatePending:
		return "PENDING"
	case RunStateRunning:
		return "RUNNING"
	case RunStateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the run is in a terminal state.
func (s RunState) IsFinal() bool {
	return s == RunStateComplete
}

// ValidRunStateTransition checks if a state transition is valid.
// Valid transitions: PENDING -> RUNNING -> COMPLETE
func ValidRunStateTransition(from, to RunState) bool {
	switch from {
	case RunStatePending:
		return to == RunStateRunning || to == RunStateComplete
	case RunStateRunning:
		return to == RunStateComplete
	case RunStateComplete:
		return false // No transitions from COMPLETE
	default:
		return to == RunStatePending // Allow setting initial state
	}
}

// Conclusion is the verdict of a completed run, job, or step.
// Exit status is binary: anything but success propagates as failure.
type Conclusion string

const (
	ConclusionNone      Conclusion = ""
	ConclusionSuccess   Conclusion = "success"
	ConclusionFailure   Conclusion = "failure"
	ConclusionCancelled Conclusion = "cancelled"
	ConclusionSkipped   Conclusion = "skipped"
)

// Passed returns true if the conclusion does not fail a parent.
// Skipped nodes never ran, so they do not fail the run.
func (c Conclusion) Passed() bool {
	return c == ConclusionSuccess || c == ConclusionSkipped
}

// Run is a single triggered execution of a workflow.
type Run struct {
	ID           string
	WorkflowName string
	Revision     string // Content hash of the definition that planned this run
	EventID      string
	Attempt      int // 1-based; manual reruns increment
	State        RunState
	Conclusion   Conclusion
	Env          map[string]string // Workflow-level env merged into every step
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
	Version      int64
}

// NewRun creates a new Run for a workflow.
func NewRun(id, workflowName string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:           id,
		WorkflowName: workflowName,
		Attempt:      1,
		State:        RunStatePending,
		Env:          make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

// SetState transitions the run to a new state.
func (r *Run) SetState(newState RunState) error {
	if !ValidRunStateTransition(r.State, newState) {
		return fmt.Errorf("%w: cannot transition run from %s to %s",
			ErrInvalidState, r.State, newState)
	}
	r.State = newState
	now := time.Now().UTC()
	if newState == RunStateRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.UpdatedAt = now
	// Note: Version is managed by the storage layer, not here
	return nil
}

// Finalize completes the run with a verdict.
func (r *Run) Finalize(conclusion Conclusion) error {
	if conclusion == ConclusionNone {
		return fmt.Errorf("%w: run verdict required", ErrInvalidArgument)
	}
	if err := r.SetState(RunStateComplete); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.Conclusion = conclusion
	r.CompletedAt = &now
	return nil
}
