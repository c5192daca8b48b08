package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/gantry/culprit/decoder"
	"github.com/example/gantry/culprit/domain"
	"github.com/example/gantry/culprit/matrix"
	orchDomain "github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage"
	"github.com/example/gantry/pkg/ci"
)

const (
	// decodeJobName is the job that runs the decoder once every trial
	// job has concluded.
	decodeJobName = "decode"

	// runnerLabel is the runs-on label of generated jobs. No dispatcher
	// is attached to the orchestrator; this runner claims the jobs
	// itself.
	runnerLabel = "culprit"

	pollInterval = 25 * time.Millisecond

	defaultParallelism = 4
)

// SearchRunner coordinates culprit finding through the workflow
// orchestrator. StartSearch renders the test matrix as a workflow: one
// job per trial, plus a decode job that needs them all. RunLoop then
// polls the run for queued jobs, executes each locally (materialize
// commits, run the test command), and reports the verdict back. The
// orchestrator owns scheduling and the run record; this runner owns
// git worktrees and test processes.
type SearchRunner struct {
	orchestrator *service.OrchestratorService
	materializer Materializer
	tester       Tester
	newID        func() string
	parallelism  int

	mu       sync.RWMutex
	sessions map[string]*domain.Session
	trials   map[string]map[string]domain.Trial // session ID -> job name -> trial
	results  map[string][]domain.TrialResult    // session ID -> results
}

// NewSearchRunner creates a SearchRunner backed by the given storage.
func NewSearchRunner(
	store storage.Storage,
	materializer Materializer,
	tester Tester,
	newID func() string,
) *SearchRunner {
	return &SearchRunner{
		orchestrator: service.NewOrchestrator(store),
		materializer: materializer,
		tester:       tester,
		newID:        newID,
		parallelism:  defaultParallelism,
		sessions:     make(map[string]*domain.Session),
		trials:       make(map[string]map[string]domain.Trial),
		results:      make(map[string][]domain.TrialResult),
	}
}

// WithParallelism sets the number of trials executed concurrently.
func (r *SearchRunner) WithParallelism(n int) *SearchRunner {
	if n > 0 {
		r.parallelism = n
	}
	return r
}

// Orchestrator returns the underlying orchestrator service, e.g. for
// inspecting the generated run.
func (r *SearchRunner) Orchestrator() *service.OrchestratorService {
	return r.orchestrator
}

// StartSearch builds the test matrix, registers the generated workflow,
// and submits its run. The returned session is running; call RunLoop
// to execute it.
func (r *SearchRunner) StartSearch(ctx context.Context, req *SearchRequest) (*domain.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	session := domain.NewSession(r.newID(), req.Range, req.TestCommand, req.TestTimeout, req.Config)

	m, err := matrix.NewBuilder(r.newID).Build(req.Range.Commits, req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to build test matrix: %w", err)
	}
	session.AttachMatrix(m)

	plan, trials := buildSearchPlan(session.ID, m, req.TestCommand)
	source, err := plan.Render()
	if err != nil {
		return nil, fmt.Errorf("failed to render search workflow: %w", err)
	}

	wf, err := r.orchestrator.RegisterWorkflow(ctx, &service.RegisterWorkflowRequest{
		Source: source,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register search workflow: %w", err)
	}
	run, err := r.orchestrator.SubmitRun(ctx, &service.SubmitRunRequest{
		WorkflowName: wf.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit search run: %w", err)
	}
	session.RunID = run.ID

	if err := session.Transition(domain.SessionRunning); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.trials[session.ID] = trials
	r.results[session.ID] = make([]domain.TrialResult, 0, m.TrialCount())
	r.mu.Unlock()

	return session, nil
}

// buildSearchPlan renders a test matrix as a workflow definition.
// Every trial becomes an independent job named after the trial; the
// decode job needs them all, so the orchestrator queues it exactly
// when the last trial concludes.
func buildSearchPlan(sessionID string, m *domain.Matrix, testCommand string) (*ci.Plan, map[string]domain.Trial) {
	plan := ci.NewPlan("culprit-" + sessionID).OnPush()

	trials := make(map[string]domain.Trial, m.TrialCount())
	trialJobs := make([]string, 0, m.TrialCount())
	for _, trial := range m.Trials() {
		name := trial.Name()
		trials[name] = trial
		trialJobs = append(trialJobs, name)
		plan.Job(name).
			RunsOn(runnerLabel).
			Step("run tests", testCommand)
	}

	// The decode step script is never executed; the runner concludes
	// the job itself once the decoder has run.
	plan.Job(decodeJobName).
		RunsOn(runnerLabel).
		Needs(trialJobs...).
		Step("decode results", "true")

	return plan, trials
}

// RunLoop executes queued jobs of the session's run until the run
// concludes. It can be interrupted via ctx and called again to resume.
func (r *SearchRunner) RunLoop(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	session, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if !exists {
		return domain.ErrSessionNotFound
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		run, err := r.orchestrator.GetRun(ctx, session.RunID)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", session.RunID, err)
		}
		if run.State.IsFinal() {
			r.mu.RLock()
			complete := session.State == domain.SessionComplete
			r.mu.RUnlock()
			if !complete {
				return fmt.Errorf("run %s concluded %s without a decode verdict",
					session.RunID, run.Conclusion)
			}
			return nil
		}

		jobs, err := r.orchestrator.QueryJobs(ctx, &service.QueryJobsRequest{
			RunID:  session.RunID,
			States: []orchDomain.JobState{orchDomain.JobStateQueued},
		})
		if err != nil {
			return fmt.Errorf("failed to query queued jobs: %w", err)
		}
		if len(jobs) == 0 {
			time.Sleep(pollInterval)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.parallelism)
		for _, job := range jobs {
			if job.Name == decodeJobName {
				continue
			}
			job := job
			g.Go(func() error {
				return r.executeTrialJob(gctx, session, job)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// The decode job only queues after every trial job concluded,
		// so it never races the trial executions above.
		for _, job := range jobs {
			if job.Name == decodeJobName {
				if err := r.executeDecodeJob(ctx, session, job); err != nil {
					return err
				}
			}
		}
	}
}

// executeTrialJob runs one trial and reports its verdict. A failing
// test is signal for the decoder, not a pipeline failure: the job
// concludes success either way so the decode job still runs.
// Materializer and tester errors are recorded as infra outcomes,
// which the decoder excludes.
func (r *SearchRunner) executeTrialJob(ctx context.Context, session *domain.Session, job *orchDomain.Job) error {
	r.mu.RLock()
	trial, ok := r.trials[session.ID][job.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q has no trial", job.Name)
	}

	result := r.runTrial(ctx, session, trial)

	r.mu.Lock()
	r.results[session.ID] = append(r.results[session.ID], result)
	session.Record(result)
	r.mu.Unlock()

	return r.orchestrator.ApplyJobResult(ctx, &service.ApplyJobResultRequest{
		RunID: session.RunID,
		JobID: job.ID,
		Steps: []service.StepResult{{
			Idx:        1,
			Conclusion: orchDomain.ConclusionSuccess,
			ExitCode:   exitCodeFor(result.Outcome),
			Output:     fmt.Sprintf("%s\n%s", result.Outcome, result.Logs),
		}},
	})
}

func exitCodeFor(outcome domain.Outcome) int {
	switch outcome {
	case domain.OutcomePass:
		return 0
	case domain.OutcomeFail:
		return 1
	default:
		return -1
	}
}

// runTrial materializes the trial's commits and runs the test command.
// Infrastructure errors become infra outcomes rather than errors so
// one broken worktree does not sink the whole search.
func (r *SearchRunner) runTrial(ctx context.Context, session *domain.Session, trial domain.Trial) domain.TrialResult {
	result := domain.TrialResult{
		GroupID:    trial.GroupID,
		GroupIndex: trial.GroupIndex,
		Rep:        trial.Rep,
		At:         time.Now().UTC(),
	}

	commits := session.Range.Pick(trial.Members)
	ws, err := r.materializer.Materialize(ctx, session.Range.BaseRef, commits)
	if err != nil {
		result.Outcome = domain.OutcomeInfra
		result.Logs = fmt.Sprintf("materialization failed: %v", err)
		return result
	}
	defer r.materializer.Cleanup(ctx, ws)

	trialResult, err := r.tester.Run(ctx, ws, TestSpec{
		Command: session.TestCommand,
		Timeout: session.TestTimeout,
	})
	if err != nil {
		result.Outcome = domain.OutcomeInfra
		result.Logs = fmt.Sprintf("test execution failed: %v", err)
		return result
	}

	trialResult.GroupID = trial.GroupID
	trialResult.GroupIndex = trial.GroupIndex
	trialResult.Rep = trial.Rep
	return *trialResult
}

// executeDecodeJob runs the decoder over all collected results and
// concludes the decode job, which finalizes the run.
func (r *SearchRunner) executeDecodeJob(ctx context.Context, session *domain.Session, job *orchDomain.Job) error {
	r.mu.Lock()
	session.Transition(domain.SessionDecoding)
	results := make([]domain.TrialResult, len(r.results[session.ID]))
	copy(results, r.results[session.ID])
	r.mu.Unlock()

	verdict, err := decoder.New(session.Config).Decode(session.Range.Commits, session.Matrix, results)
	if err != nil {
		r.mu.Lock()
		session.Fail(err.Error())
		r.mu.Unlock()
		if applyErr := r.orchestrator.ApplyJobResult(ctx, &service.ApplyJobResultRequest{
			RunID:        session.RunID,
			JobID:        job.ID,
			ErrorMessage: err.Error(),
		}); applyErr != nil {
			return applyErr
		}
		return fmt.Errorf("decoding failed: %w", err)
	}

	r.mu.Lock()
	session.Finish(verdict)
	r.mu.Unlock()

	return r.orchestrator.ApplyJobResult(ctx, &service.ApplyJobResultRequest{
		RunID: session.RunID,
		JobID: job.ID,
		Steps: []service.StepResult{{
			Idx:        1,
			Conclusion: orchDomain.ConclusionSuccess,
			Output: fmt.Sprintf("%d culprit(s), confidence %.2f",
				len(verdict.Culprits), verdict.Confidence),
		}},
	})
}

// GetSession retrieves an existing search session.
func (r *SearchRunner) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// GetVerdict retrieves the decoded verdict for a session. Returns nil
// while the search is still running.
func (r *SearchRunner) GetVerdict(ctx context.Context, sessionID string) (*domain.Verdict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Verdict, nil
}

// WaitForCompletion runs the search and waits for completion.
func (r *SearchRunner) WaitForCompletion(ctx context.Context, sessionID string) (*domain.Verdict, error) {
	if err := r.RunLoop(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.GetVerdict(ctx, sessionID)
}

// RunSearch starts a search and runs it to completion.
func (r *SearchRunner) RunSearch(ctx context.Context, req *SearchRequest) (*domain.Verdict, error) {
	session, err := r.StartSearch(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.WaitForCompletion(ctx, session.ID)
}
