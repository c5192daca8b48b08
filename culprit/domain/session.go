package domain

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a search session.
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionRunning  SessionState = "running"
	SessionDecoding SessionState = "decoding"
	SessionComplete SessionState = "complete"
	SessionFailed   SessionState = "failed"
)

// Final reports whether the state admits no further transitions.
func (s SessionState) Final() bool {
	return s == SessionComplete || s == SessionFailed
}

// Progress counts trial completions for a session.
type Progress struct {
	// Trials is the total number of trials in the matrix.
	Trials int

	// Done is how many trials have reported a result.
	Done int

	Passed int
	Failed int
	Infra  int
}

// Remaining returns the number of trials still outstanding.
func (p Progress) Remaining() int { return p.Trials - p.Done }

// Percent returns completion as a 0..100 percentage.
func (p Progress) Percent() float64 {
	if p.Trials == 0 {
		return 0
	}
	return float64(p.Done) / float64(p.Trials) * 100
}

// Session is one culprit search from submission to verdict.
type Session struct {
	// ID identifies the session.
	ID string

	// Range is the commit span under search.
	Range Range

	// TestCommand is the shell command run for every trial.
	TestCommand string

	// TestTimeout bounds each trial execution.
	TestTimeout time.Duration

	// Config is the normalized search configuration.
	Config SearchConfig

	// Matrix is the test plan, attached once built.
	Matrix *Matrix

	// State is the lifecycle state.
	State SessionState

	// Progress tracks trial completions.
	Progress Progress

	// Verdict is the decoded result, set on completion.
	Verdict *Verdict

	// FailureReason explains a SessionFailed state.
	FailureReason string

	// RunID is the workflow run driving this search.
	RunID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewSession creates a pending session with a normalized config.
func NewSession(id string, rng Range, testCommand string, testTimeout time.Duration, cfg SearchConfig) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		Range:       rng,
		TestCommand: testCommand,
		TestTimeout: testTimeout,
		Config:      cfg.Normalized(),
		State:       SessionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AttachMatrix binds the built test plan and sizes Progress to it.
func (s *Session) AttachMatrix(m *Matrix) {
	s.Matrix = m
	s.Progress = Progress{Trials: m.TrialCount()}
	s.touch()
}

// Transition moves the session to the next lifecycle state. Leaving a
// final state is rejected.
func (s *Session) Transition(next SessionState) error {
	if s.State.Final() {
		return fmt.Errorf("%w: %s is final, cannot move to %s", ErrInvalidTransition, s.State, next)
	}
	s.State = next
	if next.Final() {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	s.touch()
	return nil
}

// Record counts one trial result into Progress.
func (s *Session) Record(r TrialResult) {
	s.Progress.Done++
	switch r.Outcome {
	case OutcomePass:
		s.Progress.Passed++
	case OutcomeFail:
		s.Progress.Failed++
	case OutcomeInfra:
		s.Progress.Infra++
	}
	s.touch()
}

// AllTrialsDone reports whether every trial has reported.
func (s *Session) AllTrialsDone() bool {
	return s.Matrix != nil && s.Progress.Done >= s.Progress.Trials
}

// Finish stores the verdict and completes the session.
func (s *Session) Finish(v *Verdict) error {
	s.Verdict = v
	return s.Transition(SessionComplete)
}

// Fail marks the session failed with the given reason.
func (s *Session) Fail(reason string) error {
	s.FailureReason = reason
	return s.Transition(SessionFailed)
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}
