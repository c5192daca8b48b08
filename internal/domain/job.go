package domain

import (
	"fmt"
	"time"
)

// JobState describes the current state of a Job.
type JobState int

const (
	JobStateUnknown  JobState = 0
	JobStatePending  JobState = 10 // Planned but needs unresolved
	JobStateQueued   JobState = 20 // Needs satisfied, waiting for a runner
	JobStateRunning  JobState = 30 // A runner is executing its steps
	JobStateComplete JobState = 40 // Concluded, immutable
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "PENDING"
	case JobStateQueued:
		return "QUEUED"
	case JobStateRunning:
		return "RUNNING"
	case JobStateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the job is in a terminal state.
func (s JobState) IsFinal() bool {
	return s == JobStateComplete
}

// ValidJobStateTransition checks if a state transition is valid.
// Valid transitions: PENDING -> QUEUED -> RUNNING -> COMPLETE
func ValidJobStateTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateQueued || to == JobStateComplete
	case JobStateQueued:
		return to == JobStateRunning || to == JobStateComplete
	case JobStateRunning:
		return to == JobStateComplete
	case JobStateComplete:
		return false // No transitions from COMPLETE
	default:
		return to == JobStatePending // Allow setting initial state
	}
}

// Job is an independently scheduled group of sequential steps.
type Job struct {
	ID             string
	RunID          string
	Name           string
	RunsOn         string   // Runner label this job requires
	Needs          []string // Names of jobs that must succeed first
	Env            map[string]string
	TimeoutMinutes int // Overrides the dispatcher's default deadline when > 0
	State          JobState
	Conclusion     Conclusion
	Steps          []Step
	Dependencies   *DependencyGroup
	ExecutionMode  ExecutionMode
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
	Version        int64
}

// NewJob creates a new Job within a run.
func NewJob(runID, id, name string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            id,
		RunID:         runID,
		Name:          name,
		State:         JobStatePending,
		Env:           make(map[string]string),
		ExecutionMode: ExecutionModeSync, // Default to sync execution
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
}

// SetState transitions the job to a new state.
func (j *Job) SetState(newState JobState) error {
	if !ValidJobStateTransition(j.State, newState) {
		return fmt.Errorf("%w: cannot transition job %s from %s to %s",
			ErrInvalidState, j.Name, j.State, newState)
	}
	j.State = newState
	now := time.Now().UTC()
	if newState == JobStateRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	// Note: Version is managed by the storage layer, not here
	return nil
}

// AddStep appends a step to the job. Steps execute in append order.
func (j *Job) AddStep(step Step) {
	step.Idx = len(j.Steps) + 1
	if step.State == StepStateUnknown {
		step.State = StepStatePending
	}
	j.Steps = append(j.Steps, step)
	j.UpdatedAt = time.Now().UTC()
}

// Step returns the step at the given 1-based index.
func (j *Job) Step(idx int) *Step {
	if idx < 1 || idx > len(j.Steps) {
		return nil
	}
	return &j.Steps[idx-1]
}

// CurrentStep returns the first step that has not concluded, if any.
func (j *Job) CurrentStep() *Step {
	for i := range j.Steps {
		if !j.Steps[i].State.IsFinal() {
			return &j.Steps[i]
		}
	}
	return nil
}

// StartStep marks the step at idx running. Every earlier step must have
// concluded first: step N completes before step N+1 begins.
func (j *Job) StartStep(idx int) error {
	step := j.Step(idx)
	if step == nil {
		return fmt.Errorf("%w: job %s has no step %d", ErrNotFound, j.Name, idx)
	}
	for i := 0; i < idx-1; i++ {
		if !j.Steps[i].State.IsFinal() {
			return fmt.Errorf("%w: step %d of job %s started before step %d concluded",
				ErrStepOrder, idx, j.Name, i+1)
		}
	}
	return step.Start()
}

// CompleteStep records a step's verdict. A failed step skips every
// remaining step; there is no retry and no partial recovery.
func (j *Job) CompleteStep(idx int, conclusion Conclusion, exitCode int, output string) error {
	step := j.Step(idx)
	if step == nil {
		return fmt.Errorf("%w: job %s has no step %d", ErrNotFound, j.Name, idx)
	}
	if err := step.Conclude(conclusion, exitCode, output); err != nil {
		return err
	}
	if conclusion == ConclusionFailure || conclusion == ConclusionCancelled {
		j.SkipRemainingSteps(idx + 1)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SkipRemainingSteps concludes every unconcluded step from idx on as skipped.
func (j *Job) SkipRemainingSteps(idx int) {
	for i := idx - 1; i >= 0 && i < len(j.Steps); i++ {
		if !j.Steps[i].State.IsFinal() {
			j.Steps[i].Skip()
		}
	}
}

// StepsConcluded returns true once every step is terminal.
func (j *Job) StepsConcluded() bool {
	for i := range j.Steps {
		if !j.Steps[i].State.IsFinal() {
			return false
		}
	}
	return true
}

// Finalize completes the job with a verdict.
func (j *Job) Finalize(conclusion Conclusion) error {
	if conclusion == ConclusionNone {
		return fmt.Errorf("%w: job verdict required", ErrInvalidArgument)
	}
	if err := j.SetState(JobStateComplete); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Conclusion = conclusion
	j.CompletedAt = &now
	return nil
}

// Skip concludes a job that never ran (unsatisfied needs or false condition).
func (j *Job) Skip() error {
	j.SkipRemainingSteps(1)
	return j.Finalize(ConclusionSkipped)
}

// StepState describes the state of a single step.
type StepState int

const (
	StepStateUnknown  StepState = 0
	StepStatePending  StepState = 10 // Waiting for its turn
	StepStateRunning  StepState = 20 // Process started
	StepStateComplete StepState = 30 // Concluded
)

func (s StepState) String() string {
	switch s {
	case StepStatePending:
		return "PENDING"
	case StepStateRunning:
		return "RUNNING"
	case StepStateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the step is in a terminal state.
func (s StepState) IsFinal() bool {
	return s == StepStateComplete
}

// ValidStepStateTransition checks if a state transition is valid.
func ValidStepStateTransition(from, to StepState) bool {
	switch from {
	case StepStatePending:
		return to == StepStateRunning || to == StepStateComplete
	case StepStateRunning:
		return to == StepStateComplete
	case StepStateComplete:
		return false // Terminal state
	default:
		return to == StepStatePending // Allow setting initial state
	}
}

// Step is a single named action or command invocation within a job.
// Exactly one of Uses and Run is set.
type Step struct {
	Idx         int    // 1-based position within the job
	Name        string
	Uses        string // Action reference, e.g. "checkout@v4"
	Run         string // Opaque command line
	Shell       string
	WorkingDir  string
	With        map[string]string
	Env         map[string]string
	If          string // Planning-time condition; false plans the step skipped
	State       StepState
	Conclusion  Conclusion
	ExitCode    *int
	Output      string // Tail of combined stdout/stderr
	StartedAt   *time.Time
	CompletedAt *time.Time
	Failure     *Failure
}

// Start marks the step running.
func (s *Step) Start() error {
	if !ValidStepStateTransition(s.State, StepStateRunning) {
		return fmt.Errorf("%w: cannot start step %d in state %s",
			ErrInvalidState, s.Idx, s.State)
	}
	now := time.Now().UTC()
	s.State = StepStateRunning
	s.StartedAt = &now
	return nil
}

// Conclude records the step's verdict and exit status.
func (s *Step) Conclude(conclusion Conclusion, exitCode int, output string) error {
	if !ValidStepStateTransition(s.State, StepStateComplete) {
		return fmt.Errorf("%w: cannot conclude step %d in state %s",
			ErrInvalidState, s.Idx, s.State)
	}
	now := time.Now().UTC()
	s.State = StepStateComplete
	s.Conclusion = conclusion
	s.ExitCode = &exitCode
	s.Output = output
	s.CompletedAt = &now
	if conclusion == ConclusionFailure {
		s.Failure = &Failure{
			Message:    fmt.Sprintf("step %q exited with status %d", s.Name, exitCode),
			OccurredAt: now,
		}
	}
	return nil
}

// Skip concludes the step without running it.
func (s *Step) Skip() {
	now := time.Now().UTC()
	s.State = StepStateComplete
	s.Conclusion = ConclusionSkipped
	s.CompletedAt = &now
}

// Failure contains information about a failure.
type Failure struct {
	Message    string
	OccurredAt time.Time
}
