package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/observability"
	"github.com/example/gantry/internal/storage"
)

// RunnerClient is the interface for calling runner daemons. The default
// implementation speaks JSON over HTTP; tests substitute fakes via
// SetClientFactory.
type RunnerClient interface {
	Run(ctx context.Context, req *RunJobRequest) (*RunJobResponse, error)
	RunAsync(ctx context.Context, req *RunJobRequest) (*RunAsyncResponse, error)
	Ping(ctx context.Context) (*PingResponse, error)
}

// StepSpec describes one step of a dispatched job. Steps the planner
// already skipped are not sent to the runner.
type StepSpec struct {
	Idx        int               `json:"idx"`
	Name       string            `json:"name"`
	Uses       string            `json:"uses,omitempty"`
	Run        string            `json:"run,omitempty"`
	Shell      string            `json:"shell,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	With       map[string]string `json:"with,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// RunJobRequest asks a runner to execute a job's steps in order.
type RunJobRequest struct {
	ExecutionID    string            `json:"executionId"`
	RunID          string            `json:"runId"`
	JobID          string            `json:"jobId"`
	JobName        string            `json:"jobName"`
	Label          string            `json:"label"`
	Env            map[string]string `json:"env,omitempty"`
	Steps          []StepSpec        `json:"steps"`
	CallbackAddr   string            `json:"callbackAddr,omitempty"`
	DeadlineMillis int64             `json:"deadlineMillis,omitempty"`
}

// StepResult is a runner's verdict for one step.
type StepResult struct {
	Idx        int               `json:"idx"`
	Conclusion domain.Conclusion `json:"conclusion"`
	ExitCode   int               `json:"exitCode"`
	Output     string            `json:"output,omitempty"`
}

// RunJobResponse carries the step verdicts of a synchronous dispatch.
// ErrorMessage reports an infrastructure failure on the runner side; step
// results may be partial in that case.
type RunJobResponse struct {
	Steps        []StepResult `json:"steps"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// RunAsyncResponse acknowledges an asynchronous dispatch. The runner
// reports progress through the callback API afterwards.
type RunAsyncResponse struct {
	Accepted bool `json:"accepted"`
}

// PingResponse reports runner health.
type PingResponse struct {
	Healthy    bool `json:"healthy"`
	ActiveJobs int  `json:"activeJobs"`
}

// DispatcherConfig holds configuration for the Dispatcher.
type DispatcherConfig struct {
	PollInterval       time.Duration // How often to poll for pending executions
	CleanupInterval    time.Duration // How often to cleanup expired runners
	StaleCheckInterval time.Duration // How often to check for stale executions
	StaleDuration      time.Duration // How long before an execution is considered stale
	DefaultTimeout     time.Duration // Default job timeout, overridden by timeout-minutes
	CallbackAddress    string        // Address runners should call back to
}

// DefaultDispatcherConfig returns reasonable defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:       time.Second,
		CleanupInterval:    time.Minute,
		StaleCheckInterval: 30 * time.Second,
		StaleDuration:      5 * time.Minute,
		DefaultTimeout:     10 * time.Minute,
		CallbackAddress:    "localhost:8080",
	}
}

// Dispatcher polls the execution queue and dispatches queued jobs to
// registered runners, label by label.
type Dispatcher struct {
	storage       storage.Storage
	runnerService *RunnerService
	orchestrator  *OrchestratorService
	config        DispatcherConfig
	metrics       *observability.Metrics
	httpClient    *http.Client
	clientCache   map[string]RunnerClient
	clientCacheMu sync.RWMutex
	clientFactory func(address string) (RunnerClient, error)
	stopCh        chan struct{}
	notifyCh      chan struct{}
	wg            sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(
	store storage.Storage,
	runnerService *RunnerService,
	orchestrator *OrchestratorService,
	config DispatcherConfig,
) *Dispatcher {
	d := &Dispatcher{
		storage:       store,
		runnerService: runnerService,
		orchestrator:  orchestrator,
		config:        config,
		httpClient:    &http.Client{},
		clientCache:   make(map[string]RunnerClient),
		stopCh:        make(chan struct{}),
		notifyCh:      make(chan struct{}, 1),
	}
	d.clientFactory = d.defaultClientFactory
	return d
}

// SetClientFactory allows injecting a custom client factory for testing.
func (d *Dispatcher) SetClientFactory(factory func(address string) (RunnerClient, error)) {
	d.clientFactory = factory
}

// SetMetrics attaches dispatch metrics.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// NotifyWorkAvailable wakes the poll loop so freshly queued executions
// dispatch without waiting for the next tick. Safe to call from any
// goroutine; notifications coalesce.
func (d *Dispatcher) NotifyWorkAvailable() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Start begins the dispatcher loops.
func (d *Dispatcher) Start() {
	d.wg.Add(4)
	go d.pollLoop()
	go d.cleanupLoop()
	go d.staleCheckLoop()
	go d.statusLoop()
}

// Stop gracefully stops the dispatcher and waits for in-flight
// dispatches to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()

	d.clientCacheMu.Lock()
	d.clientCache = nil
	d.clientCacheMu.Unlock()
	d.httpClient.CloseIdleConnections()
}

// pollLoop polls for pending executions and dispatches them.
func (d *Dispatcher) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.processPendingExecutions(context.Background()); err != nil {
				log.Printf("dispatcher: error processing pending executions: %v", err)
			}
		case <-d.notifyCh:
			if err := d.processPendingExecutions(context.Background()); err != nil {
				log.Printf("dispatcher: error processing pending executions: %v", err)
			}
		}
	}
}

// cleanupLoop periodically cleans up expired runner registrations.
func (d *Dispatcher) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			count, err := d.runnerService.CleanupExpired(context.Background())
			if err != nil {
				log.Printf("dispatcher: error cleaning up expired runners: %v", err)
			} else if count > 0 {
				log.Printf("dispatcher: cleaned up %d expired runner registrations", count)
			}
		}
	}
}

// staleCheckLoop periodically checks for stale/timed-out executions.
func (d *Dispatcher) staleCheckLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.handleStaleExecutions(context.Background()); err != nil {
				log.Printf("dispatcher: error handling stale executions: %v", err)
			}
		}
	}
}

// statusLoop periodically logs dispatcher status.
func (d *Dispatcher) statusLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			runners, err := d.runnerService.ListRunners(context.Background())
			if err != nil {
				log.Printf("dispatcher status: error listing runners: %v", err)
				continue
			}

			loadByLabel := make(map[string]int)
			countByLabel := make(map[string]int)
			for _, r := range runners {
				for _, label := range r.Labels {
					loadByLabel[label] += r.CurrentLoad
					countByLabel[label]++
				}
			}

			if len(runners) > 0 {
				log.Printf("dispatcher status: %d runners registered, load_by_label=%v, count_by_label=%v",
					len(runners), loadByLabel, countByLabel)
			}
		}
	}
}

// processPendingExecutions finds and dispatches pending executions.
func (d *Dispatcher) processPendingExecutions(ctx context.Context) error {
	// Get list of registered runners
	runners, err := d.runnerService.ListRunners(ctx)
	if err != nil {
		return err
	}

	// Collect unique labels served by at least one runner
	labels := make(map[string]bool)
	for _, r := range runners {
		for _, label := range r.Labels {
			labels[label] = true
		}
	}

	if len(labels) == 0 {
		return nil
	}

	// For each label, get pending executions
	for label := range labels {
		if err := d.dispatchForLabel(ctx, label); err != nil {
			log.Printf("dispatcher: error dispatching for label %s: %v", label, err)
		}
	}

	return nil
}

// dispatchForLabel dispatches pending executions for a specific runner label.
func (d *Dispatcher) dispatchForLabel(ctx context.Context, label string) error {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DispatchCycleDuration().WithLabels(label).Observe(time.Since(start))
		}
	}()

	uow, err := d.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	// Get pending executions for this label
	executions, err := uow.Executions().GetPending(ctx, label, 10)
	if err != nil {
		return err
	}

	// Close initial query transaction before processing
	if err := uow.Commit(); err != nil {
		return err
	}

	if d.metrics != nil {
		d.metrics.DispatcherQueueDepth().Set(label, float64(len(executions)))
	}

	for _, exec := range executions {
		// Start a fresh transaction for each execution
		uow, err = d.storage.BeginImmediate(ctx)
		if err != nil {
			return err
		}

		// Select an available runner
		runner, err := d.runnerService.SelectRunner(ctx, uow, label, exec.ExecutionMode)
		if errors.Is(err, domain.ErrRunnerNotFound) {
			// No runners available, skip for now
			uow.Rollback()
			continue
		}
		if err != nil {
			log.Printf("dispatcher: error selecting runner for %s: %v", exec.ID, err)
			uow.Rollback()
			continue
		}

		log.Printf("dispatcher: dispatching execution %s (job %s) to runner %s", exec.ID, exec.JobID, runner.ID)

		// Dispatch to the runner
		// Note: dispatchSync commits the transaction before calling the runner
		if err := d.dispatchExecution(ctx, uow, exec, runner); err != nil {
			log.Printf("dispatcher: error dispatching execution %s: %v", exec.ID, err)
			uow.Rollback()
			continue
		}

		// For async executions, we need to commit here.
		// For sync executions, dispatchSync already committed.
		if exec.ExecutionMode == domain.ExecutionModeAsync {
			if err := uow.Commit(); err != nil {
				return err
			}
		}
	}

	return nil
}

// dispatchExecution dispatches a single execution to a runner.
func (d *Dispatcher) dispatchExecution(ctx context.Context, uow storage.UnitOfWork, exec *domain.JobExecution, runner *domain.Runner) error {
	job, err := uow.Jobs().Get(ctx, exec.RunID, exec.JobID)
	if err != nil {
		return err
	}
	run, err := uow.Runs().Get(ctx, exec.RunID)
	if err != nil {
		return err
	}

	// The run may have been cancelled while this execution sat in the
	// queue. Close it out instead of dispatching.
	if job.State.IsFinal() || run.State.IsFinal() {
		if err := uow.Executions().MarkFailed(ctx, exec.ID, "job concluded before dispatch"); err != nil {
			return err
		}
		return uow.Commit()
	}

	// Resolve the client before touching any state so a bad address
	// leaves the execution pending for the next cycle.
	client, err := d.getClient(runner.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to runner %s: %w", runner.ID, err)
	}

	// Set deadline, honoring the job's own timeout when configured
	timeout := d.config.DefaultTimeout
	if job.TimeoutMinutes > 0 {
		timeout = time.Duration(job.TimeoutMinutes) * time.Minute
	}
	deadline := time.Now().UTC().Add(timeout)
	exec.SetDeadline(deadline)
	if err := uow.Executions().Update(ctx, exec); err != nil {
		return err
	}

	// Mark as dispatched
	if err := uow.Executions().MarkDispatched(ctx, exec.ID, runner.RegistrationID); err != nil {
		return err
	}

	// Increment runner load
	if err := uow.Runners().IncrementLoad(ctx, runner.RegistrationID); err != nil {
		return err
	}

	// Keep the in-memory copy in step for the post-completion update
	if err := exec.MarkDispatched(runner.RegistrationID); err != nil {
		return err
	}

	if d.metrics != nil {
		d.metrics.DispatchLatency().WithLabels(exec.Label).Observe(time.Since(exec.CreatedAt))
	}

	req := d.buildRunRequest(run, job, exec, deadline)

	// Dispatch based on execution mode
	if exec.ExecutionMode == domain.ExecutionModeAsync {
		return d.dispatchAsync(ctx, client, exec, req)
	}
	return d.dispatchSync(ctx, uow, client, exec, req, deadline)
}

// buildRunRequest assembles the wire request for a job dispatch. Only
// steps that still need to execute are included.
func (d *Dispatcher) buildRunRequest(run *domain.Run, job *domain.Job, exec *domain.JobExecution, deadline time.Time) *RunJobRequest {
	steps := make([]StepSpec, 0, len(job.Steps))
	for i := range job.Steps {
		step := &job.Steps[i]
		if step.State.IsFinal() {
			continue
		}
		steps = append(steps, StepSpec{
			Idx:        step.Idx,
			Name:       step.Name,
			Uses:       step.Uses,
			Run:        step.Run,
			Shell:      step.Shell,
			WorkingDir: step.WorkingDir,
			With:       step.With,
			Env:        step.Env,
		})
	}

	return &RunJobRequest{
		ExecutionID:    exec.ID,
		RunID:          run.ID,
		JobID:          job.ID,
		JobName:        job.Name,
		Label:          exec.Label,
		Env:            mergedEnv(run.Env, job.Env),
		Steps:          steps,
		CallbackAddr:   d.config.CallbackAddress,
		DeadlineMillis: deadline.UnixMilli(),
	}
}

// dispatchSync dispatches a synchronous execution.
// Note: This commits the uow immediately and runs the execution in a goroutine.
func (d *Dispatcher) dispatchSync(ctx context.Context, uow storage.UnitOfWork, client RunnerClient, exec *domain.JobExecution, req *RunJobRequest, deadline time.Time) error {
	// Commit the transaction before calling the runner so MarkDispatched
	// and IncrementLoad are persisted even if we crash mid-call.
	if err := uow.Commit(); err != nil {
		return err
	}

	// Use WithoutCancel to preserve values but detach from parent
	// cancellation so the execution can complete even if the dispatcher
	// loop context finishes.
	detachedCtx := context.WithoutCancel(ctx)

	// Run in background to avoid blocking the dispatcher loop
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		execCtx, cancel := context.WithDeadline(detachedCtx, deadline)
		defer cancel()

		resp, err := client.Run(execCtx, req)
		if err != nil {
			d.failExecution(detachedCtx, exec, fmt.Sprintf("runner call failed: %v", err), nil)
			return
		}
		if resp.ErrorMessage != "" {
			// The runner hit an infrastructure failure; keep whatever
			// partial step results it managed to report.
			d.failExecution(detachedCtx, exec, resp.ErrorMessage, resp.Steps)
			return
		}
		d.completeExecution(detachedCtx, exec, resp.Steps)
	}()

	return nil
}

// dispatchAsync dispatches an asynchronous execution (returns immediately).
// The caller commits; the runner reports progress through callbacks.
func (d *Dispatcher) dispatchAsync(ctx context.Context, client RunnerClient, exec *domain.JobExecution, req *RunJobRequest) error {
	resp, err := client.RunAsync(ctx, req)
	if err != nil {
		return err
	}

	if !resp.Accepted {
		return domain.ErrRunnerUnavailable
	}

	return nil
}

// failExecution closes out a failed dispatch: the execution is marked
// failed, runner capacity is released, and the job concludes failed
// through the orchestrator so dependents skip.
func (d *Dispatcher) failExecution(ctx context.Context, exec *domain.JobExecution, message string, steps []StepResult) {
	uow, err := d.storage.BeginImmediate(ctx)
	if err != nil {
		log.Printf("dispatcher: error starting failure transaction: %v", err)
		return
	}
	defer uow.Rollback()

	if err := uow.Executions().MarkFailed(ctx, exec.ID, message); err != nil {
		log.Printf("dispatcher: error marking execution failed: %v", err)
	}
	if exec.RunnerID != "" {
		if err := uow.Runners().DecrementLoad(ctx, exec.RunnerID); err != nil {
			log.Printf("dispatcher: error decrementing load: %v", err)
		}
	}
	if err := uow.Commit(); err != nil {
		log.Printf("dispatcher: error committing failure transaction: %v", err)
		return
	}

	err = d.orchestrator.ApplyJobResult(ctx, &ApplyJobResultRequest{
		RunID:        exec.RunID,
		JobID:        exec.JobID,
		Steps:        steps,
		ErrorMessage: message,
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidState) {
		log.Printf("dispatcher: error failing job for execution %s: %v", exec.ID, err)
	}
}

// completeExecution applies a successful sync response: step verdicts
// flow through the orchestrator, then the execution closes and runner
// capacity is released.
func (d *Dispatcher) completeExecution(ctx context.Context, exec *domain.JobExecution, steps []StepResult) {
	err := d.orchestrator.ApplyJobResult(ctx, &ApplyJobResultRequest{
		RunID: exec.RunID,
		JobID: exec.JobID,
		Steps: steps,
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidState) {
		log.Printf("dispatcher: error applying results for execution %s: %v", exec.ID, err)
	}

	uow, err := d.storage.BeginImmediate(ctx)
	if err != nil {
		log.Printf("dispatcher: error starting post-execution transaction: %v", err)
		return
	}
	defer uow.Rollback()

	if err := uow.Executions().MarkComplete(ctx, exec.ID); err != nil {
		log.Printf("dispatcher: error marking execution complete: %v", err)
		return
	}
	if exec.RunnerID != "" {
		if err := uow.Runners().DecrementLoad(ctx, exec.RunnerID); err != nil {
			log.Printf("dispatcher: error decrementing load: %v", err)
		}
	}
	if err := uow.Commit(); err != nil {
		log.Printf("dispatcher: error committing post-execution transaction: %v", err)
	}
}

// handleStaleExecutions marks stale/timed-out executions as failed and
// concludes their jobs so dependent jobs skip and runs settle.
func (d *Dispatcher) handleStaleExecutions(ctx context.Context) error {
	uow, err := d.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	type failedExec struct {
		exec   *domain.JobExecution
		reason string
	}
	var failed []failedExec
	seen := make(map[string]bool)

	// Get timed-out executions (past deadline)
	timedOut, err := uow.Executions().GetTimedOut(ctx)
	if err != nil {
		return err
	}
	for _, exec := range timedOut {
		failed = append(failed, failedExec{exec, "execution timed out"})
		seen[exec.ID] = true
	}

	// Get stale executions (no progress for too long)
	stale, err := uow.Executions().GetStale(ctx, d.config.StaleDuration)
	if err != nil {
		return err
	}
	for _, exec := range stale {
		if !seen[exec.ID] {
			failed = append(failed, failedExec{exec, "execution stale - no progress"})
		}
	}

	if len(failed) == 0 {
		return uow.Rollback()
	}

	for _, f := range failed {
		log.Printf("dispatcher: marking execution %s as failed: %s", f.exec.ID, f.reason)
		if err := uow.Executions().MarkFailed(ctx, f.exec.ID, f.reason); err != nil {
			log.Printf("dispatcher: error marking execution failed: %v", err)
			continue
		}
		// Decrement runner load if assigned
		if f.exec.RunnerID != "" {
			if err := uow.Runners().DecrementLoad(ctx, f.exec.RunnerID); err != nil {
				log.Printf("dispatcher: error decrementing load: %v", err)
			}
		}
	}

	if err := uow.Commit(); err != nil {
		return err
	}

	// Conclude the affected jobs outside the transaction. A job may have
	// concluded through a late callback in the meantime; tolerate that.
	for _, f := range failed {
		err := d.orchestrator.ApplyJobResult(ctx, &ApplyJobResultRequest{
			RunID:        f.exec.RunID,
			JobID:        f.exec.JobID,
			ErrorMessage: f.reason,
		})
		if err != nil && !errors.Is(err, domain.ErrInvalidState) {
			log.Printf("dispatcher: error failing job for stale execution %s: %v", f.exec.ID, err)
		}
	}

	return nil
}

// getClient returns a cached or new client for the given runner address.
func (d *Dispatcher) getClient(address string) (RunnerClient, error) {
	return d.clientFactory(address)
}

// defaultClientFactory creates an HTTP client for the runner address.
func (d *Dispatcher) defaultClientFactory(address string) (RunnerClient, error) {
	d.clientCacheMu.RLock()
	client, ok := d.clientCache[address]
	d.clientCacheMu.RUnlock()

	if ok {
		return client, nil
	}

	d.clientCacheMu.Lock()
	defer d.clientCacheMu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := d.clientCache[address]; ok {
		return client, nil
	}

	client = newHTTPRunnerClient(address, d.httpClient)
	if d.clientCache == nil {
		d.clientCache = make(map[string]RunnerClient)
	}
	d.clientCache[address] = client
	return client, nil
}

// httpRunnerClient calls a runner daemon's HTTP API.
type httpRunnerClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPRunnerClient(address string, client *http.Client) *httpRunnerClient {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &httpRunnerClient{
		baseURL: strings.TrimSuffix(base, "/"),
		client:  client,
	}
}

func (c *httpRunnerClient) Run(ctx context.Context, req *RunJobRequest) (*RunJobResponse, error) {
	resp := &RunJobResponse{}
	if err := c.post(ctx, "/run", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *httpRunnerClient) RunAsync(ctx context.Context, req *RunJobRequest) (*RunAsyncResponse, error) {
	resp := &RunAsyncResponse{}
	if err := c.post(ctx, "/run-async", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *httpRunnerClient) Ping(ctx context.Context) (*PingResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner returned status %d", httpResp.StatusCode)
	}

	resp := &PingResponse{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *httpRunnerClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner returned status %d", httpResp.StatusCode)
	}

	return json.NewDecoder(httpResp.Body).Decode(out)
}
