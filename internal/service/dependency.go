package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/storage"
)

// advanceRun moves a run forward after anything concludes: it resolves
// needs edges against concluded jobs, queues pending jobs whose needs
// are satisfied, skips pending jobs whose needs can no longer be
// satisfied, and finalizes the run once every job has concluded.
//
// Skipping cascades within one call: when a job skips because a
// prerequisite failed, its own dependents' edges resolve unsatisfied,
// so a broken chain settles in a single pass.
func (s *OrchestratorService) advanceRun(ctx context.Context, uow storage.UnitOfWork, run *domain.Run) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.DependencyResolutionTime().Observe(time.Since(start))
		}
	}()

	jobs, err := uow.Jobs().List(ctx, run.ID, storage.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	// Resolve edges blocked on jobs that have concluded normally. A
	// passing conclusion satisfies the edge; failure does not. Jobs
	// skipped over a failed need resolve their dependents' edges as
	// unsatisfied in skipJob instead, so the failure propagates.
	for _, job := range jobs {
		if !job.State.IsFinal() {
			continue
		}
		if err := s.resolveEdgesFor(ctx, uow, run.ID, job.Name, job.Conclusion.Passed()); err != nil {
			return err
		}
	}

	queued, skipped := 0, 0
	settled := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, job := range jobs {
			if job.State != domain.JobStatePending || settled[job.ID] {
				continue
			}

			deps, err := uow.Dependencies().GetForJob(ctx, run.ID, job.Name)
			if err != nil {
				return fmt.Errorf("failed to get dependencies for job %s: %w", job.Name, err)
			}
			resolved := make(map[string]bool, len(deps))
			for _, dep := range deps {
				if dep.Resolved && dep.Satisfied != nil {
					resolved[dep.NeedsJob] = *dep.Satisfied
				}
			}

			switch {
			case job.Dependencies.IsSatisfied(resolved):
				if err := s.queueJob(ctx, uow, job); err != nil {
					return err
				}
				settled[job.ID] = true
				changed = true
				queued++

			case job.Dependencies.AllResolved(resolved):
				if err := s.skipJob(ctx, uow, job); err != nil {
					return err
				}
				settled[job.ID] = true
				changed = true
				skipped++
			}
		}
	}

	if s.metrics != nil {
		if queued > 0 {
			s.metrics.JobsEvaluated().WithLabels("queued").Add(int64(queued))
		}
		if skipped > 0 {
			s.metrics.JobsEvaluated().WithLabels("skipped").Add(int64(skipped))
		}
	}

	return s.settleRunState(ctx, uow, run, jobs)
}

// resolveEdgesFor resolves every still-open edge blocked on a concluded
// prerequisite.
func (s *OrchestratorService) resolveEdgesFor(ctx context.Context, uow storage.UnitOfWork, runID, needsJob string, satisfied bool) error {
	deps, err := uow.Dependencies().GetUnresolvedByPrerequisite(ctx, runID, needsJob)
	if err != nil {
		return fmt.Errorf("failed to get dependents of job %s: %w", needsJob, err)
	}
	for _, dep := range deps {
		if err := uow.Dependencies().MarkResolved(ctx, dep.ID, satisfied); err != nil {
			return fmt.Errorf("failed to resolve dependency %d: %w", dep.ID, err)
		}
	}
	return nil
}

// queueJob transitions a pending job to queued and creates the
// execution the dispatcher will pick up.
func (s *OrchestratorService) queueJob(ctx context.Context, uow storage.UnitOfWork, job *domain.Job) error {
	if err := job.SetState(domain.JobStateQueued); err != nil {
		return err
	}
	if err := uow.Jobs().Update(ctx, job); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.Name, err)
	}

	mode := job.ExecutionMode
	if mode == domain.ExecutionModeUnknown {
		mode = domain.ExecutionModeSync
	}
	exec := domain.NewJobExecution(job.RunID, job.ID, job.RunsOn, mode)
	if err := uow.Executions().Create(ctx, exec); err != nil {
		return fmt.Errorf("failed to create execution for job %s: %w", job.Name, err)
	}

	log.Printf("orchestrator: job %s of run %s queued for label %s", job.Name, job.RunID, job.RunsOn)
	if s.dispatcher != nil {
		s.dispatcher.NotifyWorkAvailable()
	}
	return nil
}

// skipJob concludes a pending job whose needs cannot be satisfied and
// propagates the skip to its dependents' edges.
func (s *OrchestratorService) skipJob(ctx context.Context, uow storage.UnitOfWork, job *domain.Job) error {
	if err := job.Skip(); err != nil {
		return err
	}
	for i := range job.Steps {
		if err := uow.Jobs().UpdateStep(ctx, job.RunID, job.ID, &job.Steps[i]); err != nil {
			return fmt.Errorf("failed to update step %d: %w", job.Steps[i].Idx, err)
		}
	}
	if err := uow.Jobs().Update(ctx, job); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.Name, err)
	}
	log.Printf("orchestrator: job %s of run %s skipped, needs unsatisfied", job.Name, job.RunID)

	// An unmet need is not a pass: dependents of this job skip too.
	return s.resolveEdgesFor(ctx, uow, job.RunID, job.Name, false)
}

// settleRunState finalizes the run once all jobs concluded, or marks it
// running once any job has started. Any failed job fails the run; a
// cancelled job cancels it; skipped jobs never fail a run.
func (s *OrchestratorService) settleRunState(ctx context.Context, uow storage.UnitOfWork, run *domain.Run, jobs []*domain.Job) error {
	if run.State.IsFinal() {
		return nil
	}

	allDone := true
	anyStarted, anyFailed, anyCancelled := false, false, false
	for _, job := range jobs {
		if job.State == domain.JobStateRunning || job.StartedAt != nil {
			anyStarted = true
		}
		if !job.State.IsFinal() {
			allDone = false
			continue
		}
		switch job.Conclusion {
		case domain.ConclusionFailure:
			anyFailed = true
		case domain.ConclusionCancelled:
			anyCancelled = true
		}
	}

	if allDone && len(jobs) > 0 {
		conclusion := domain.ConclusionSuccess
		switch {
		case anyFailed:
			conclusion = domain.ConclusionFailure
		case anyCancelled:
			conclusion = domain.ConclusionCancelled
		}
		if err := run.Finalize(conclusion); err != nil {
			return err
		}
		if err := uow.Runs().Update(ctx, run); err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		if s.metrics != nil {
			s.metrics.RunsCompleted().WithLabels(string(conclusion)).Inc()
		}
		log.Printf("orchestrator: run %s concluded %s", run.ID, conclusion)
		return nil
	}

	if anyStarted && run.State == domain.RunStatePending {
		if err := run.SetState(domain.RunStateRunning); err != nil {
			return err
		}
		if err := uow.Runs().Update(ctx, run); err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
	}
	return nil
}
