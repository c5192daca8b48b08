package e2e

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage/sqlite"
)

// TestEnv wires the full service stack against a temp database, with
// mock runner clients injected into the dispatcher.
type TestEnv struct {
	Storage      *sqlite.SQLiteStorage
	Orchestrator *service.OrchestratorService
	RunnerSvc    *service.RunnerService
	CallbackSvc  *service.CallbackService
	Dispatcher   *service.Dispatcher

	// MockRunners indexes mock runners by registered address.
	MockRunners map[string]*MockRunner
	mu          sync.Mutex

	t      *testing.T
	dbPath string
}

// NewTestEnv creates a new test environment with a temp database.
// The dispatcher is configured but not started; call Start once the
// scenario's runners are registered.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	ctx := context.Background()

	// A real file with WAL mode handles the dispatcher's concurrent
	// background writers better than shared memory.
	dbPath := filepath.Join(t.TempDir(), "gantry_e2e.db")

	store, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	orchestrator := service.NewOrchestrator(store)
	runnerSvc := service.NewRunnerService(store)
	callbackSvc := service.NewCallbackService(store, orchestrator)

	dispatcher := service.NewDispatcher(store, runnerSvc, orchestrator, service.DispatcherConfig{
		PollInterval:       50 * time.Millisecond,
		CleanupInterval:    time.Second,
		StaleCheckInterval: 500 * time.Millisecond,
		StaleDuration:      2 * time.Second,
		DefaultTimeout:     30 * time.Second,
		CallbackAddress:    "localhost:0",
	})
	orchestrator.SetDispatcher(dispatcher)

	env := &TestEnv{
		Storage:      store,
		Orchestrator: orchestrator,
		RunnerSvc:    runnerSvc,
		CallbackSvc:  callbackSvc,
		Dispatcher:   dispatcher,
		MockRunners:  make(map[string]*MockRunner),
		t:            t,
		dbPath:       dbPath,
	}
	dispatcher.SetClientFactory(env.mockClientFactory)

	return env
}

// Start starts the dispatcher loops.
func (e *TestEnv) Start() {
	e.Dispatcher.Start()
}

// Stop stops the dispatcher and closes storage.
func (e *TestEnv) Stop() {
	e.Dispatcher.Stop()
	e.Storage.Close()
}

// RegisterMockRunner creates a mock runner and registers it for the
// given labels.
func (e *TestEnv) RegisterMockRunner(ctx context.Context, runnerID, address string, labels []string) *MockRunner {
	e.t.Helper()

	mock := NewMockRunner(runnerID, address)
	mock.CallbackSvc = e.CallbackSvc

	e.mu.Lock()
	e.MockRunners[address] = mock
	e.mu.Unlock()

	_, err := e.RunnerSvc.RegisterRunner(ctx, &service.RegisterRunnerRequest{
		RunnerID:       runnerID,
		Labels:         labels,
		Address:        address,
		SupportedModes: []string{"sync", "async"},
		MaxConcurrent:  10,
		TTLSeconds:     300,
	})
	if err != nil {
		e.t.Fatalf("failed to register mock runner: %v", err)
	}
	return mock
}

// mockClientFactory returns mock clients for registered runners.
func (e *TestEnv) mockClientFactory(address string) (service.RunnerClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mock, ok := e.MockRunners[address]; ok {
		return mock, nil
	}
	return nil, domain.ErrRunnerUnavailable
}

// RegisterWorkflow registers a workflow definition from YAML source.
func (e *TestEnv) RegisterWorkflow(ctx context.Context, source string) *domain.Workflow {
	e.t.Helper()

	wf, err := e.Orchestrator.RegisterWorkflow(ctx, &service.RegisterWorkflowRequest{
		Source: []byte(source),
	})
	if err != nil {
		e.t.Fatalf("failed to register workflow: %v", err)
	}
	return wf
}

// Push ingests a push event on the given branch.
func (e *TestEnv) Push(ctx context.Context, branch string) *service.IngestEventResponse {
	e.t.Helper()

	resp, err := e.Orchestrator.IngestEvent(ctx, &service.IngestEventRequest{
		Type:    domain.EventPush,
		Repo:    "example/app",
		Ref:     "refs/heads/" + branch,
		Branch:  branch,
		HeadSHA: "abc1234",
		Actor:   "dev",
	})
	if err != nil {
		e.t.Fatalf("failed to ingest push event: %v", err)
	}
	return resp
}

// PullRequest ingests a pull_request event targeting the given base branch.
func (e *TestEnv) PullRequest(ctx context.Context, base, head string) *service.IngestEventResponse {
	e.t.Helper()

	resp, err := e.Orchestrator.IngestEvent(ctx, &service.IngestEventRequest{
		Type:       domain.EventPullRequest,
		Repo:       "example/app",
		Ref:        "refs/pull/7/merge",
		Branch:     head,
		BaseBranch: base,
		HeadSHA:    "def5678",
		Actor:      "dev",
	})
	if err != nil {
		e.t.Fatalf("failed to ingest pull_request event: %v", err)
	}
	return resp
}

// WaitForRunFinal polls until the run concludes and returns it. Fails
// the test on timeout.
func (e *TestEnv) WaitForRunFinal(ctx context.Context, runID string, timeout time.Duration) *domain.Run {
	e.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := e.Orchestrator.GetRun(ctx, runID)
		if err != nil {
			e.t.Fatalf("failed to get run %s: %v", runID, err)
		}
		if run.State.IsFinal() {
			return run
		}
		time.Sleep(25 * time.Millisecond)
	}
	e.t.Fatalf("run %s did not conclude within %v", runID, timeout)
	return nil
}

// WaitForRunState polls until the run reaches the expected state.
func (e *TestEnv) WaitForRunState(ctx context.Context, runID string, state domain.RunState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := e.Orchestrator.GetRun(ctx, runID)
		if err == nil && run.State == state {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

// WaitForJobState polls until the named job reaches the expected state.
func (e *TestEnv) WaitForJobState(ctx context.Context, runID, jobName string, state domain.JobState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if job := e.JobNamed(ctx, runID, jobName); job != nil && job.State == state {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

// waitUntil polls a condition until it holds or the timeout passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// JobNamed returns the named job of a run, or nil.
func (e *TestEnv) JobNamed(ctx context.Context, runID, name string) *domain.Job {
	e.t.Helper()

	jobs, err := e.Orchestrator.QueryJobs(ctx, &service.QueryJobsRequest{
		RunID: runID,
		Names: []string{name},
	})
	if err != nil {
		e.t.Fatalf("failed to query job %s: %v", name, err)
	}
	if len(jobs) == 0 {
		return nil
	}
	return jobs[0]
}

// PendingExecution returns the oldest pending execution for a label,
// or nil.
func (e *TestEnv) PendingExecution(ctx context.Context, label string) *domain.JobExecution {
	e.t.Helper()

	uow, err := e.Storage.Begin(ctx)
	if err != nil {
		e.t.Fatalf("failed to begin transaction: %v", err)
	}
	defer uow.Rollback()

	execs, err := uow.Executions().GetPending(ctx, label, 1)
	if err != nil {
		e.t.Fatalf("failed to get pending executions: %v", err)
	}
	if len(execs) == 0 {
		return nil
	}
	return execs[0]
}

// MockRunner is an in-process RunnerClient. By default every step
// passes; tests script failures per job.
type MockRunner struct {
	RunnerID string
	Address  string

	// Delay is slept before a sync dispatch produces results.
	Delay time.Duration

	// OnRun overrides the default sync behavior when set.
	OnRun func(ctx context.Context, req *service.RunJobRequest) (*service.RunJobResponse, error)

	// CallbackSvc drives the async lifecycle.
	CallbackSvc *service.CallbackService

	mu            sync.Mutex
	stepFailures  map[string]int    // job name -> step idx that exits 1
	infraFailures map[string]string // job name -> runner-side error
	syncRequests  []*service.RunJobRequest
	asyncRequests []*service.RunJobRequest
	order         []string
}

// NewMockRunner creates a mock runner where every step passes.
func NewMockRunner(runnerID, address string) *MockRunner {
	return &MockRunner{
		RunnerID:      runnerID,
		Address:       address,
		stepFailures:  make(map[string]int),
		infraFailures: make(map[string]string),
	}
}

// FailStep makes the given step of the named job exit nonzero.
func (m *MockRunner) FailStep(jobName string, stepIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepFailures[jobName] = stepIdx
}

// ClearFailures resets all scripted failures.
func (m *MockRunner) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepFailures = make(map[string]int)
	m.infraFailures = make(map[string]string)
}

// FailJob makes the named job fail with a runner-side error before any
// step executes.
func (m *MockRunner) FailJob(jobName, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infraFailures[jobName] = message
}

// Run implements RunnerClient for synchronous dispatch.
func (m *MockRunner) Run(ctx context.Context, req *service.RunJobRequest) (*service.RunJobResponse, error) {
	m.mu.Lock()
	m.syncRequests = append(m.syncRequests, req)
	m.order = append(m.order, req.JobName)
	failAt, failStep := m.stepFailures[req.JobName]
	infraMsg, infra := m.infraFailures[req.JobName]
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.OnRun != nil {
		return m.OnRun(ctx, req)
	}
	if infra {
		return &service.RunJobResponse{ErrorMessage: infraMsg}, nil
	}

	// Steps execute in order; a failing step stops the job. Steps
	// without a result are concluded skipped by the orchestrator.
	var results []service.StepResult
	for _, step := range req.Steps {
		if failStep && step.Idx == failAt {
			results = append(results, service.StepResult{
				Idx:        step.Idx,
				Conclusion: domain.ConclusionFailure,
				ExitCode:   1,
				Output:     "step failed",
			})
			break
		}
		results = append(results, service.StepResult{
			Idx:        step.Idx,
			Conclusion: domain.ConclusionSuccess,
			ExitCode:   0,
			Output:     "ok",
		})
	}
	return &service.RunJobResponse{Steps: results}, nil
}

// RunAsync implements RunnerClient for asynchronous dispatch. The mock
// accepts the job and reports its lifecycle through the callback API.
func (m *MockRunner) RunAsync(ctx context.Context, req *service.RunJobRequest) (*service.RunAsyncResponse, error) {
	m.mu.Lock()
	m.asyncRequests = append(m.asyncRequests, req)
	m.order = append(m.order, req.JobName)
	m.mu.Unlock()

	go m.runAsyncJob(req)
	return &service.RunAsyncResponse{Accepted: true}, nil
}

// runAsyncJob drives the callback lifecycle for an accepted job.
func (m *MockRunner) runAsyncJob(req *service.RunJobRequest) {
	// Let the dispatch transaction commit first.
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	if m.CallbackSvc == nil {
		return
	}

	m.mu.Lock()
	failAt, failStep := m.stepFailures[req.JobName]
	infraMsg := m.infraFailures[req.JobName]
	m.mu.Unlock()

	if err := m.CallbackSvc.JobStarted(ctx, &service.JobStartedRequest{ExecutionID: req.ExecutionID}); err != nil {
		return
	}
	if infraMsg == "" {
		for _, step := range req.Steps {
			exitCode := 0
			if failStep && step.Idx == failAt {
				exitCode = 1
			}
			m.CallbackSvc.StepStarted(ctx, &service.StepStartedRequest{
				ExecutionID: req.ExecutionID,
				StepIdx:     step.Idx,
			})
			m.CallbackSvc.StepCompleted(ctx, &service.StepCompletedRequest{
				ExecutionID: req.ExecutionID,
				StepIdx:     step.Idx,
				ExitCode:    exitCode,
				Output:      "ok",
			})
			if exitCode != 0 {
				break
			}
		}
	}
	m.CallbackSvc.JobCompleted(ctx, &service.JobCompletedRequest{
		ExecutionID:  req.ExecutionID,
		ErrorMessage: infraMsg,
	})
}

// Ping implements RunnerClient.
func (m *MockRunner) Ping(ctx context.Context) (*service.PingResponse, error) {
	return &service.PingResponse{Healthy: true}, nil
}

// SyncRunCount returns the number of sync dispatches received.
func (m *MockRunner) SyncRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncRequests)
}

// SyncRequests returns a copy of the sync dispatches received.
func (m *MockRunner) SyncRequests() []*service.RunJobRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*service.RunJobRequest(nil), m.syncRequests...)
}

// DispatchOrder returns job names in the order they were dispatched.
func (m *MockRunner) DispatchOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}
