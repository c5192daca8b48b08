package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/observability"
	"github.com/example/gantry/internal/storage"
	"github.com/example/gantry/pkg/id"
	"github.com/example/gantry/pkg/workflow"
)

// workNotifier wakes the dispatcher when new executions are queued.
type workNotifier interface {
	NotifyWorkAvailable()
}

// OrchestratorService implements the core orchestration logic: workflow
// registration, event ingestion, run planning, and run lifecycle.
type OrchestratorService struct {
	storage    storage.Storage
	metrics    *observability.Metrics
	dispatcher workNotifier
}

// NewOrchestrator creates a new OrchestratorService.
func NewOrchestrator(store storage.Storage) *OrchestratorService {
	return &OrchestratorService{storage: store}
}

// NewOrchestratorWithMetrics creates a new OrchestratorService that
// records planning and outcome metrics.
func NewOrchestratorWithMetrics(store storage.Storage, metrics *observability.Metrics) *OrchestratorService {
	return &OrchestratorService{storage: store, metrics: metrics}
}

// SetMetrics sets the metrics instance.
func (s *OrchestratorService) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// SetDispatcher wires the dispatcher so freshly queued executions are
// picked up without waiting for the next poll tick.
func (s *OrchestratorService) SetDispatcher(d workNotifier) {
	s.dispatcher = d
}

// RegisterWorkflowRequest is the request for RegisterWorkflow.
type RegisterWorkflowRequest struct {
	Path   string // Optional source path; defaults the name for unnamed definitions
	Source []byte
}

// RegisterWorkflow parses, validates, and stores a workflow definition.
// Registering the same name again replaces the stored definition; if the
// content is unchanged the stored workflow is returned as-is.
func (s *OrchestratorService) RegisterWorkflow(ctx context.Context, req *RegisterWorkflowRequest) (*domain.Workflow, error) {
	if req == nil || len(req.Source) == 0 {
		return nil, fmt.Errorf("%w: workflow source is required", domain.ErrInvalidArgument)
	}

	def, err := workflow.Parse(req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if def.Name == "" && req.Path != "" {
		def.Name = nameFromPath(req.Path)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	revision := workflow.Revision(req.Source)

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	existing, err := uow.Workflows().Get(ctx, def.Name)
	switch {
	case err == nil:
		if existing.Revision == revision {
			return existing, nil
		}
		existing.Path = req.Path
		existing.Revision = revision
		existing.Raw = req.Source
		existing.UpdatedAt = time.Now().UTC()
		if err := uow.Workflows().Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update workflow: %w", err)
		}
		if err := uow.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		log.Printf("orchestrator: workflow %s updated to revision %s", existing.Name, revision)
		return existing, nil

	case errors.Is(err, domain.ErrNotFound):
		wf := domain.NewWorkflow(id.Generate(), def.Name, req.Source)
		wf.Path = req.Path
		wf.Revision = revision
		if err := uow.Workflows().Create(ctx, wf); err != nil {
			return nil, fmt.Errorf("failed to create workflow: %w", err)
		}
		if err := uow.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		log.Printf("orchestrator: workflow %s registered at revision %s", wf.Name, revision)
		return wf, nil

	default:
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
}

// GetWorkflow retrieves a registered workflow by name.
func (s *OrchestratorService) GetWorkflow(ctx context.Context, name string) (*domain.Workflow, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Workflows().Get(ctx, name)
}

// ListWorkflows returns all registered workflows ordered by name.
func (s *OrchestratorService) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Workflows().List(ctx)
}

// RemoveWorkflow deletes a registered workflow. Existing runs keep
// their planned jobs; only future triggering stops.
func (s *OrchestratorService) RemoveWorkflow(ctx context.Context, name string) error {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.Workflows().Delete(ctx, name); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	log.Printf("orchestrator: workflow %s removed", name)
	return nil
}

// IngestEventRequest describes a repository event to ingest.
type IngestEventRequest struct {
	Type       domain.EventType
	Repo       string
	Ref        string
	Branch     string
	BaseBranch string
	HeadSHA    string
	Actor      string
	Payload    map[string]any
}

// IngestEventResponse reports the stored event and the runs it triggered.
type IngestEventResponse struct {
	Event *domain.Event
	Runs  []*domain.Run
}

// IngestEvent stores a repository event and plans a run for every
// registered workflow whose triggers match it. A workflow whose
// planning fails is logged and skipped; it does not block the others.
func (s *OrchestratorService) IngestEvent(ctx context.Context, req *IngestEventRequest) (*IngestEventResponse, error) {
	if req == nil || !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown event type", domain.ErrInvalidArgument)
	}

	ev := domain.NewEvent(id.Generate(), req.Type)
	ev.Repo = req.Repo
	ev.Ref = req.Ref
	ev.Branch = req.Branch
	ev.BaseBranch = req.BaseBranch
	ev.HeadSHA = req.HeadSHA
	ev.Actor = req.Actor
	if req.Payload != nil {
		ev.Payload = req.Payload
	}
	if ev.Branch == "" {
		ev.Branch = strings.TrimPrefix(ev.Ref, "refs/heads/")
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.Events().Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	workflows, err := uow.Workflows().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsIngested().WithLabels(string(ev.Type)).Inc()
	}

	resp := &IngestEventResponse{Event: ev}
	for _, wf := range workflows {
		def, err := workflow.Parse(wf.Raw)
		if err != nil {
			// Stored definitions were validated at registration
			log.Printf("orchestrator: workflow %s: stored definition does not parse: %v", wf.Name, err)
			continue
		}
		if !def.On.Matches(ev) {
			continue
		}

		run, err := s.planInNewTx(ctx, wf, def, ev, 1, nil)
		if err != nil {
			log.Printf("orchestrator: failed to plan run for workflow %s: %v", wf.Name, err)
			continue
		}
		log.Printf("orchestrator: event %s (%s) triggered run %s of workflow %s",
			ev.ID, ev.Type, run.ID, wf.Name)
		resp.Runs = append(resp.Runs, run)
	}

	return resp, nil
}

// GetEvent retrieves a stored event by ID.
func (s *OrchestratorService) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Events().Get(ctx, eventID)
}

// ListEvents returns the most recently received events.
func (s *OrchestratorService) ListEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Events().ListRecent(ctx, limit)
}

// SubmitRunRequest is the request for SubmitRun.
type SubmitRunRequest struct {
	WorkflowName string
	Env          map[string]string // Overrides workflow-level env keys
}

// SubmitRun plans a run of a named workflow on behalf of an operator.
// A manual event is recorded for the audit trail; trigger filters do
// not apply because the workflow is named explicitly.
func (s *OrchestratorService) SubmitRun(ctx context.Context, req *SubmitRunRequest) (*domain.Run, error) {
	if req == nil || req.WorkflowName == "" {
		return nil, fmt.Errorf("%w: workflow name is required", domain.ErrInvalidArgument)
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	wf, err := uow.Workflows().Get(ctx, req.WorkflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	def, err := workflow.Parse(wf.Raw)
	if err != nil {
		return nil, fmt.Errorf("stored definition does not parse: %w", err)
	}

	ev := domain.NewEvent(id.Generate(), domain.EventManual)
	if err := uow.Events().Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	run, err := s.planRun(ctx, uow, wf, def, ev, 1, req.Env)
	if err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsIngested().WithLabels(string(ev.Type)).Inc()
	}
	log.Printf("orchestrator: run %s of workflow %s submitted", run.ID, wf.Name)
	return run, nil
}

// TriggerScheduled plans a run of a named workflow from its cron
// schedule, recording a schedule event.
func (s *OrchestratorService) TriggerScheduled(ctx context.Context, workflowName string) (*domain.Run, error) {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	wf, err := uow.Workflows().Get(ctx, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	def, err := workflow.Parse(wf.Raw)
	if err != nil {
		return nil, fmt.Errorf("stored definition does not parse: %w", err)
	}

	ev := domain.NewEvent(id.Generate(), domain.EventSchedule)
	if err := uow.Events().Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	run, err := s.planRun(ctx, uow, wf, def, ev, 1, nil)
	if err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsIngested().WithLabels(string(ev.Type)).Inc()
	}
	return run, nil
}

// planInNewTx plans a run in its own transaction so one workflow's
// planning failure cannot poison another's.
func (s *OrchestratorService) planInNewTx(ctx context.Context, wf *domain.Workflow, def *workflow.Definition, ev *domain.Event, attempt int, extraEnv map[string]string) (*domain.Run, error) {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := s.planRun(ctx, uow, wf, def, ev, attempt, extraEnv)
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return run, nil
}

// planRun materializes a run of def: one Job row per defined job with
// its steps, one dependency edge per needs entry. Conditions evaluate
// once, here at planning time; a job or step whose condition is false
// is planned already concluded as skipped. Jobs whose needs are
// satisfied immediately are queued before the transaction commits.
func (s *OrchestratorService) planRun(ctx context.Context, uow storage.UnitOfWork, wf *domain.Workflow, def *workflow.Definition, ev *domain.Event, attempt int, extraEnv map[string]string) (*domain.Run, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.PlanDuration().Observe(time.Since(start))
		}
	}()

	run := domain.NewRun(id.Generate(), wf.Name)
	run.Revision = wf.Revision
	run.Attempt = attempt
	if ev != nil {
		run.EventID = ev.ID
	}
	run.Env = mergedEnv(def.Env, extraEnv)

	if err := uow.Runs().Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	// Sorted job names keep planning deterministic across runs.
	for _, name := range def.JobNames() {
		jdef := def.Jobs[name]

		job := domain.NewJob(run.ID, id.Prefixed("job"), name)
		job.RunsOn = jdef.RunsOn
		job.Needs = []string(jdef.Needs)
		job.Env = mergedEnv(jdef.Env)
		job.TimeoutMinutes = jdef.TimeoutMinutes
		if len(jdef.Needs) > 0 {
			job.Dependencies = domain.NewDependencyGroup(domain.PredicateAND, jdef.Needs...)
		}

		for _, sdef := range jdef.Steps {
			job.AddStep(domain.Step{
				Name:       sdef.Name,
				Uses:       sdef.Uses,
				Run:        sdef.Run,
				Shell:      sdef.Shell,
				WorkingDir: sdef.WorkingDir,
				With:       sdef.With,
				Env:        sdef.Env,
				If:         sdef.If,
			})
		}

		cctx := &workflow.ConditionContext{
			Event:   ev,
			RunID:   run.ID,
			Attempt: attempt,
			JobName: name,
			Env:     mergedEnv(run.Env, jdef.Env),
		}

		ok, err := workflow.EvalCondition(jdef.If, cctx)
		if err != nil {
			return nil, fmt.Errorf("%w: job %q condition: %v", domain.ErrInvalidArgument, name, err)
		}
		if !ok {
			if err := job.Skip(); err != nil {
				return nil, err
			}
		} else {
			for i := range job.Steps {
				step := &job.Steps[i]
				if step.If == "" {
					continue
				}
				ok, err := workflow.EvalCondition(step.If, cctx)
				if err != nil {
					return nil, fmt.Errorf("%w: job %q step %d condition: %v",
						domain.ErrInvalidArgument, name, step.Idx, err)
				}
				if !ok {
					step.Skip()
				}
			}
		}

		if err := uow.Jobs().Create(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to create job %s: %w", name, err)
		}

		deps := make([]*domain.Dependency, 0, len(jdef.Needs))
		for _, need := range jdef.Needs {
			deps = append(deps, domain.NewDependency(run.ID, name, need))
		}
		if len(deps) > 0 {
			if err := uow.Dependencies().CreateBatch(ctx, deps); err != nil {
				return nil, fmt.Errorf("failed to create dependencies for job %s: %w", name, err)
			}
		}
	}

	// Queue jobs with no unresolved needs; an all-skipped plan
	// finalizes the run right away.
	if err := s.advanceRun(ctx, uow, run); err != nil {
		return nil, err
	}

	return run, nil
}

// ApplyJobResultRequest carries a runner's verdict for a dispatched job.
type ApplyJobResultRequest struct {
	RunID string
	JobID string
	Steps []StepResult
	// ErrorMessage reports an infrastructure failure: the job concludes
	// failed regardless of step results.
	ErrorMessage string
}

// ApplyJobResult records step verdicts, concludes the job, and advances
// the run.
func (s *OrchestratorService) ApplyJobResult(ctx context.Context, req *ApplyJobResultRequest) error {
	if req == nil || req.RunID == "" || req.JobID == "" {
		return fmt.Errorf("%w: run and job IDs are required", domain.ErrInvalidArgument)
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, req.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	job, err := uow.Jobs().Get(ctx, req.RunID, req.JobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	if err := s.concludeJob(ctx, uow, job, req.Steps, req.ErrorMessage); err != nil {
		return err
	}
	if err := s.advanceRun(ctx, uow, run); err != nil {
		return err
	}

	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// concludeJob applies step results to a job and finalizes it. Steps the
// runner never reported conclude as skipped. Newly concluded steps are
// persisted individually; the job row updates last.
func (s *OrchestratorService) concludeJob(ctx context.Context, uow storage.UnitOfWork, job *domain.Job, steps []StepResult, errorMessage string) error {
	if job.State.IsFinal() {
		return fmt.Errorf("%w: job %s already concluded", domain.ErrInvalidState, job.Name)
	}
	// Sync results can land before any started callback.
	if job.State == domain.JobStateQueued {
		if err := job.SetState(domain.JobStateRunning); err != nil {
			return err
		}
	}

	wasOpen := make(map[int]bool, len(job.Steps))
	for i := range job.Steps {
		if !job.Steps[i].State.IsFinal() {
			wasOpen[job.Steps[i].Idx] = true
		}
	}

	for _, sr := range steps {
		step := job.Step(sr.Idx)
		if step == nil {
			return fmt.Errorf("%w: job %s has no step %d", domain.ErrInvalidArgument, job.Name, sr.Idx)
		}
		if step.State.IsFinal() {
			// Result for a step the plan already skipped
			continue
		}
		if err := job.CompleteStep(sr.Idx, sr.Conclusion, sr.ExitCode, sr.Output); err != nil {
			return err
		}
	}

	job.SkipRemainingSteps(1)

	conclusion := jobConclusion(job)
	if errorMessage != "" {
		conclusion = domain.ConclusionFailure
	}
	if err := job.Finalize(conclusion); err != nil {
		return err
	}

	for i := range job.Steps {
		step := &job.Steps[i]
		if wasOpen[step.Idx] {
			if err := uow.Jobs().UpdateStep(ctx, job.RunID, job.ID, step); err != nil {
				return fmt.Errorf("failed to update step %d: %w", step.Idx, err)
			}
		}
	}
	if err := uow.Jobs().Update(ctx, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.JobsCompleted().WithLabels(string(conclusion)).Inc()
		for _, sr := range steps {
			s.metrics.StepsCompleted().WithLabels(string(sr.Conclusion)).Inc()
		}
	}
	log.Printf("orchestrator: job %s of run %s concluded %s", job.Name, job.RunID, conclusion)
	return nil
}

// jobConclusion derives a job's verdict from its steps. Any failed step
// fails the job; skipped steps never ran and do not.
func jobConclusion(job *domain.Job) domain.Conclusion {
	conclusion := domain.ConclusionSuccess
	for i := range job.Steps {
		switch job.Steps[i].Conclusion {
		case domain.ConclusionFailure:
			return domain.ConclusionFailure
		case domain.ConclusionCancelled:
			conclusion = domain.ConclusionCancelled
		}
	}
	return conclusion
}

// CancelRun cancels a run that has not concluded. In-flight executions
// are marked cancelled and unconcluded jobs conclude as cancelled; the
// dispatcher stops considering them.
func (s *OrchestratorService) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.State.IsFinal() {
		return nil, fmt.Errorf("%w: run %s already concluded", domain.ErrInvalidState, runID)
	}

	jobs, err := uow.Jobs().List(ctx, runID, storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State.IsFinal() {
			continue
		}
		wasOpen := make(map[int]bool, len(job.Steps))
		for i := range job.Steps {
			if !job.Steps[i].State.IsFinal() {
				wasOpen[job.Steps[i].Idx] = true
			}
		}
		job.SkipRemainingSteps(1)
		if err := job.Finalize(domain.ConclusionCancelled); err != nil {
			return nil, err
		}
		for i := range job.Steps {
			step := &job.Steps[i]
			if wasOpen[step.Idx] {
				if err := uow.Jobs().UpdateStep(ctx, runID, job.ID, step); err != nil {
					return nil, fmt.Errorf("failed to update step: %w", err)
				}
			}
		}
		if err := uow.Jobs().Update(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to update job: %w", err)
		}
	}

	executions, err := uow.Executions().ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	for _, exec := range executions {
		if exec.State.IsFinal() {
			continue
		}
		if err := exec.MarkCancelled(); err != nil {
			return nil, err
		}
		if err := uow.Executions().Update(ctx, exec); err != nil {
			return nil, fmt.Errorf("failed to update execution: %w", err)
		}
		if exec.RunnerID != "" {
			if err := uow.Runners().DecrementLoad(ctx, exec.RunnerID); err != nil {
				return nil, fmt.Errorf("failed to decrement runner load: %w", err)
			}
		}
	}

	if err := run.Finalize(domain.ConclusionCancelled); err != nil {
		return nil, err
	}
	if err := uow.Runs().Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RunsCompleted().WithLabels(string(domain.ConclusionCancelled)).Inc()
	}
	log.Printf("orchestrator: run %s cancelled", runID)
	return run, nil
}

// RerunRun plans a fresh run of a concluded run's workflow, reusing its
// triggering event and env. The attempt counter increments; nothing of
// the original run is mutated.
func (s *OrchestratorService) RerunRun(ctx context.Context, runID string) (*domain.Run, error) {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	orig, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if !orig.State.IsFinal() {
		return nil, fmt.Errorf("%w: run %s has not concluded", domain.ErrInvalidState, runID)
	}

	wf, err := uow.Workflows().Get(ctx, orig.WorkflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	def, err := workflow.Parse(wf.Raw)
	if err != nil {
		return nil, fmt.Errorf("stored definition does not parse: %w", err)
	}

	// The triggering event may have been pruned; plan without it then.
	var ev *domain.Event
	if orig.EventID != "" {
		ev, err = uow.Events().Get(ctx, orig.EventID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to get event: %w", err)
		}
	}

	run, err := s.planRun(ctx, uow, wf, def, ev, orig.Attempt+1, orig.Env)
	if err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	log.Printf("orchestrator: run %s rerun as %s (attempt %d)", runID, run.ID, run.Attempt)
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *OrchestratorService) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Runs().Get(ctx, runID)
}

// RunDetail is a run with its jobs and steps.
type RunDetail struct {
	Run  *domain.Run
	Jobs []*domain.Job
}

// GetRunDetail retrieves a run with all its jobs and steps.
func (s *OrchestratorService) GetRunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	run, err := uow.Runs().Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := uow.Jobs().List(ctx, runID, storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return &RunDetail{Run: run, Jobs: jobs}, nil
}

// ListRunsRequest filters ListRuns.
type ListRunsRequest struct {
	WorkflowNames []string
	States        []domain.RunState
	Conclusions   []domain.Conclusion
	Limit         int
	Offset        int
}

// ListRuns returns runs matching the filter, newest first.
func (s *OrchestratorService) ListRuns(ctx context.Context, req *ListRunsRequest) ([]*domain.Run, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	opts := storage.ListOptions{}
	if req != nil {
		opts.WorkflowNames = req.WorkflowNames
		opts.RunStates = req.States
		opts.Conclusions = req.Conclusions
		opts.Limit = req.Limit
		opts.Offset = req.Offset
	}
	return uow.Runs().List(ctx, opts)
}

// QueryJobsRequest filters QueryJobs within one run.
type QueryJobsRequest struct {
	RunID       string
	Names       []string
	States      []domain.JobState
	Conclusions []domain.Conclusion
}

// QueryJobs returns a run's jobs matching the filter, with steps.
func (s *OrchestratorService) QueryJobs(ctx context.Context, req *QueryJobsRequest) ([]*domain.Job, error) {
	if req == nil || req.RunID == "" {
		return nil, fmt.Errorf("%w: run ID is required", domain.ErrInvalidArgument)
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Jobs().List(ctx, req.RunID, storage.ListOptions{
		Names:       req.Names,
		JobStates:   req.States,
		Conclusions: req.Conclusions,
	})
}

// GetJob retrieves a single job with its steps.
func (s *OrchestratorService) GetJob(ctx context.Context, runID, jobID string) (*domain.Job, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Jobs().Get(ctx, runID, jobID)
}

// DeleteRun removes a run and everything under it.
func (s *OrchestratorService) DeleteRun(ctx context.Context, runID string) error {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.Runs().Delete(ctx, runID); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// mergedEnv overlays maps left to right; later keys win. The result is
// always a fresh map.
func mergedEnv(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// nameFromPath derives a workflow name from its file name.
func nameFromPath(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
