package service

import (
	"context"
	"log"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/storage"
)

// CallbackService handles progress callbacks from job runners. Async
// runners report their whole lifecycle here; sync runners post step
// progress so long jobs are not mistaken for stale ones, but return the
// final verdict inline.
type CallbackService struct {
	storage      storage.Storage
	orchestrator *OrchestratorService
}

// NewCallbackService creates a new callback service.
func NewCallbackService(store storage.Storage, orchestrator *OrchestratorService) *CallbackService {
	return &CallbackService{
		storage:      store,
		orchestrator: orchestrator,
	}
}

// JobStartedRequest is the request for JobStarted.
type JobStartedRequest struct {
	ExecutionID string `json:"executionId"`
}

// JobStarted records that a runner picked up a dispatched job.
func (s *CallbackService) JobStarted(ctx context.Context, req *JobStartedRequest) error {
	if req.ExecutionID == "" {
		return domain.ErrInvalidArgument
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	exec, err := uow.Executions().Get(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.IsFinal() {
		return domain.ErrInvalidState
	}

	if exec.State != domain.ExecutionStateRunning {
		if err := uow.Executions().MarkRunning(ctx, exec.ID); err != nil {
			return err
		}
	}

	job, err := uow.Jobs().Get(ctx, exec.RunID, exec.JobID)
	if err != nil {
		return err
	}
	if job.State == domain.JobStateQueued {
		if err := job.SetState(domain.JobStateRunning); err != nil {
			return err
		}
		if err := uow.Jobs().Update(ctx, job); err != nil {
			return err
		}
	}

	if err := s.markRunRunning(ctx, uow, exec.RunID); err != nil {
		return err
	}

	return uow.Commit()
}

// StepStartedRequest is the request for StepStarted.
type StepStartedRequest struct {
	ExecutionID string `json:"executionId"`
	StepIdx     int    `json:"stepIdx"`
}

// StepStarted records that a runner began executing a step. Steps run
// strictly in order; an out-of-order start is rejected.
func (s *CallbackService) StepStarted(ctx context.Context, req *StepStartedRequest) error {
	if req.ExecutionID == "" || req.StepIdx < 1 {
		return domain.ErrInvalidArgument
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	exec, err := uow.Executions().Get(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.IsFinal() {
		return domain.ErrInvalidState
	}

	// Runners may post step progress before an explicit started callback
	if exec.State == domain.ExecutionStateDispatched {
		if err := uow.Executions().MarkRunning(ctx, exec.ID); err != nil {
			return err
		}
	}

	job, err := uow.Jobs().Get(ctx, exec.RunID, exec.JobID)
	if err != nil {
		return err
	}
	if job.State.IsFinal() {
		return domain.ErrInvalidState
	}
	if job.State == domain.JobStateQueued {
		if err := job.SetState(domain.JobStateRunning); err != nil {
			return err
		}
	}

	step := job.Step(req.StepIdx)
	if step == nil {
		return domain.ErrInvalidArgument
	}
	if err := job.StartStep(req.StepIdx); err != nil {
		return err
	}

	if err := uow.Jobs().UpdateStep(ctx, exec.RunID, exec.JobID, step); err != nil {
		return err
	}
	if err := uow.Jobs().Update(ctx, job); err != nil {
		return err
	}
	if err := uow.Executions().UpdateProgress(ctx, exec.ID, req.StepIdx, step.Name); err != nil {
		return err
	}

	if err := s.markRunRunning(ctx, uow, exec.RunID); err != nil {
		return err
	}

	return uow.Commit()
}

// StepCompletedRequest is the request for StepCompleted.
type StepCompletedRequest struct {
	ExecutionID string `json:"executionId"`
	StepIdx     int    `json:"stepIdx"`
	ExitCode    int    `json:"exitCode"`
	Output      string `json:"output,omitempty"`
}

// StepCompleted records a step's exit status. Exit status zero passes,
// anything else fails and the job's remaining steps skip.
func (s *CallbackService) StepCompleted(ctx context.Context, req *StepCompletedRequest) error {
	if req.ExecutionID == "" || req.StepIdx < 1 {
		return domain.ErrInvalidArgument
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	exec, err := uow.Executions().Get(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.IsFinal() {
		return domain.ErrInvalidState
	}
	if exec.State == domain.ExecutionStateDispatched {
		if err := uow.Executions().MarkRunning(ctx, exec.ID); err != nil {
			return err
		}
	}

	job, err := uow.Jobs().Get(ctx, exec.RunID, exec.JobID)
	if err != nil {
		return err
	}
	if job.State.IsFinal() {
		return domain.ErrInvalidState
	}

	step := job.Step(req.StepIdx)
	if step == nil {
		return domain.ErrInvalidArgument
	}
	if step.State.IsFinal() {
		return domain.ErrInvalidState
	}

	// A failing step skips the rest of the job, so snapshot which steps
	// are still open before applying the result.
	wasOpen := make(map[int]bool, len(job.Steps))
	for i := range job.Steps {
		if !job.Steps[i].State.IsFinal() {
			wasOpen[job.Steps[i].Idx] = true
		}
	}

	conclusion := domain.ConclusionSuccess
	if req.ExitCode != 0 {
		conclusion = domain.ConclusionFailure
	}
	if err := job.CompleteStep(req.StepIdx, conclusion, req.ExitCode, req.Output); err != nil {
		return err
	}

	for i := range job.Steps {
		st := &job.Steps[i]
		if wasOpen[st.Idx] && st.State.IsFinal() {
			if err := uow.Jobs().UpdateStep(ctx, exec.RunID, exec.JobID, st); err != nil {
				return err
			}
		}
	}
	if err := uow.Jobs().Update(ctx, job); err != nil {
		return err
	}
	if err := uow.Executions().UpdateProgress(ctx, exec.ID, req.StepIdx, step.Name); err != nil {
		return err
	}

	return uow.Commit()
}

// JobCompletedRequest is the request for JobCompleted.
type JobCompletedRequest struct {
	ExecutionID  string `json:"executionId"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// JobCompleted closes out an async execution. The job concludes from
// the step results already reported; an error message forces failure.
// Dependent jobs queue or skip and the run settles in the same
// transaction.
func (s *CallbackService) JobCompleted(ctx context.Context, req *JobCompletedRequest) error {
	if req.ExecutionID == "" {
		return domain.ErrInvalidArgument
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	exec, err := uow.Executions().Get(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	if exec.State.IsFinal() {
		return domain.ErrInvalidState
	}

	if req.ErrorMessage != "" {
		if err := uow.Executions().MarkFailed(ctx, exec.ID, req.ErrorMessage); err != nil {
			return err
		}
	} else {
		if err := uow.Executions().MarkComplete(ctx, exec.ID); err != nil {
			return err
		}
	}

	// Release runner capacity
	if exec.RunnerID != "" {
		if err := uow.Runners().DecrementLoad(ctx, exec.RunnerID); err != nil {
			log.Printf("callback: error decrementing load for runner %s: %v", exec.RunnerID, err)
		}
	}

	run, err := uow.Runs().Get(ctx, exec.RunID)
	if err != nil {
		return err
	}
	job, err := uow.Jobs().Get(ctx, exec.RunID, exec.JobID)
	if err != nil {
		return err
	}

	if err := s.orchestrator.concludeJob(ctx, uow, job, nil, req.ErrorMessage); err != nil {
		return err
	}
	if err := s.orchestrator.advanceRun(ctx, uow, run); err != nil {
		return err
	}

	return uow.Commit()
}

// markRunRunning moves a pending run into running state once any of its
// jobs has started.
func (s *CallbackService) markRunRunning(ctx context.Context, uow storage.UnitOfWork, runID string) error {
	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != domain.RunStatePending {
		return nil
	}
	if err := run.SetState(domain.RunStateRunning); err != nil {
		return err
	}
	return uow.Runs().Update(ctx, run)
}

// GetExecution retrieves an execution by ID.
func (s *CallbackService) GetExecution(ctx context.Context, executionID string) (*domain.JobExecution, error) {
	if executionID == "" {
		return nil, domain.ErrInvalidArgument
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	return uow.Executions().Get(ctx, executionID)
}
