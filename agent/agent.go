// Package agent implements the runner daemon: it registers with the
// orchestrator, accepts dispatched jobs over HTTP, executes their steps
// in order, and reports progress through the callback API.
//
// A step passes when its process exits with status zero and fails on
// any other exit status. The agent never retries a step; a failing step
// ends the job and the orchestrator skips the rest of the plan.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/pkg/actions"
)

// Config holds agent configuration.
type Config struct {
	RunnerID          string            // Stable runner name reported to the orchestrator
	Labels            []string          // Labels this runner serves, matched against runs-on
	ListenAddr        string            // Address the job API binds
	AdvertiseAddr     string            // Address the orchestrator dials back, defaults from ListenAddr
	ServerURL         string            // Orchestrator base URL
	MaxConcurrent     int               // Async job slots; sync dispatches are governed by the orchestrator
	TTLSeconds        int64             // Registration lifetime between heartbeats
	HeartbeatInterval time.Duration     // How often to extend the registration
	WorkDir           string            // Base directory for per-job workspaces
	OutputTailBytes   int               // Retained output per step
	Metadata          map[string]string // Free-form details shown in runner listings
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "gantry-runner"
	}
	return Config{
		RunnerID:          hostname,
		Labels:            []string{"linux"},
		ListenAddr:        ":9091",
		ServerURL:         "localhost:8080",
		MaxConcurrent:     4,
		TTLSeconds:        120,
		HeartbeatInterval: 30 * time.Second,
		WorkDir:           filepath.Join(os.TempDir(), "gantry-runner"),
		OutputTailBytes:   DefaultOutputTailBytes,
	}
}

// Agent is a runner daemon instance.
type Agent struct {
	config     Config
	executor   Executor
	httpClient *http.Client
	client     *orchestratorClient
	server     *http.Server

	mu             sync.Mutex
	registrationID string
	currentLoad    int
	draining       bool

	jobs   sync.WaitGroup
	stopCh chan struct{}
}

// New creates an Agent from config, filling unset fields from
// DefaultConfig.
func New(config Config) *Agent {
	defaults := DefaultConfig()
	if config.RunnerID == "" {
		config.RunnerID = defaults.RunnerID
	}
	if len(config.Labels) == 0 {
		config.Labels = defaults.Labels
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.ServerURL == "" {
		config.ServerURL = defaults.ServerURL
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.TTLSeconds <= 0 {
		config.TTLSeconds = defaults.TTLSeconds
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.WorkDir == "" {
		config.WorkDir = defaults.WorkDir
	}
	if config.OutputTailBytes <= 0 {
		config.OutputTailBytes = defaults.OutputTailBytes
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Agent{
		config:     config,
		executor:   NewExecutor(config.OutputTailBytes),
		httpClient: httpClient,
		client:     newOrchestratorClient(config.ServerURL, httpClient),
		stopCh:     make(chan struct{}),
	}
}

// SetExecutor replaces the step executor. Tests use this to substitute
// fakes.
func (a *Agent) SetExecutor(e Executor) {
	a.executor = e
}

// Start binds the job API, registers with the orchestrator, and begins
// heartbeating. It returns once the agent is serving; Shutdown stops it.
func (a *Agent) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.config.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir %s: %w", a.config.WorkDir, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/run", a.handleRun)
	mux.HandleFunc("/run-async", a.handleRunAsync)
	mux.HandleFunc("/ping", a.handlePing)
	a.server = &http.Server{Addr: a.config.ListenAddr, Handler: mux}

	ln, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.ListenAddr, err)
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("agent: job server error: %v", err)
		}
	}()
	log.Printf("agent: %s serving jobs on %s, labels=%v", a.config.RunnerID, a.config.ListenAddr, a.config.Labels)

	if err := a.register(ctx); err != nil {
		a.server.Close()
		return err
	}

	go a.heartbeatLoop()
	return nil
}

// Shutdown unregisters, stops accepting work, and drains in-flight
// jobs. The context bounds how long the drain may take.
func (a *Agent) Shutdown(ctx context.Context) {
	close(a.stopCh)

	a.mu.Lock()
	a.draining = true
	regID := a.registrationID
	a.mu.Unlock()

	// Unregister first so the dispatcher stops offering work.
	if regID != "" {
		if err := a.client.Unregister(ctx, regID); err != nil {
			log.Printf("agent: failed to unregister: %v", err)
		} else {
			log.Println("agent: unregistered from orchestrator")
		}
	}

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("agent: job server shutdown: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("agent: drained")
	case <-ctx.Done():
		log.Println("agent: drain timed out, abandoning in-flight jobs")
	}
}

func (a *Agent) register(ctx context.Context) error {
	resp, err := a.client.Register(ctx, &service.RegisterRunnerRequest{
		RunnerID:       a.config.RunnerID,
		Labels:         a.config.Labels,
		Address:        a.advertiseAddr(),
		SupportedModes: []string{"sync", "async"},
		MaxConcurrent:  a.config.MaxConcurrent,
		TTLSeconds:     a.config.TTLSeconds,
		Metadata:       a.config.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to register with orchestrator: %w", err)
	}

	a.mu.Lock()
	a.registrationID = resp.RegistrationID
	a.mu.Unlock()
	log.Printf("agent: registered with orchestrator, registration_id=%s expires_at=%s",
		resp.RegistrationID, resp.ExpiresAt.Format(time.RFC3339))
	return nil
}

// heartbeatLoop extends the registration until the agent shuts down. A
// failed heartbeat falls back to registering again; the stale
// registration ages out on the orchestrator side.
func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.mu.Lock()
			regID := a.registrationID
			a.mu.Unlock()

			if err := a.client.Heartbeat(ctx, regID, a.config.TTLSeconds); err != nil {
				log.Printf("agent: heartbeat failed: %v", err)
				if err := a.register(ctx); err != nil {
					log.Printf("agent: re-register failed: %v", err)
				}
			}
			cancel()
		}
	}
}

// advertiseAddr is the address runners tell the orchestrator to dial
// back. A bare ":port" listen address advertises localhost.
func (a *Agent) advertiseAddr() string {
	if a.config.AdvertiseAddr != "" {
		return a.config.AdvertiseAddr
	}
	addr := a.config.ListenAddr
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// handleRun executes a job synchronously and returns the step verdicts
// in the response. The orchestrator's load accounting governs sync
// concurrency, so the handler does not gate on capacity; rejecting a
// committed dispatch would fail the job.
func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.RunJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	a.incLoad()
	a.jobs.Add(1)
	log.Printf("agent: run execution=%s job=%s steps=%d", req.ExecutionID, req.JobName, len(req.Steps))

	resp := a.executeJob(r.Context(), &req)

	a.jobs.Done()
	a.decLoad()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleRunAsync accepts a job for background execution. At capacity or
// while draining the dispatch is declined and the execution stays
// queued for another runner.
func (a *Agent) handleRunAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.RunJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !a.tryAcquire() {
		log.Printf("agent: declining execution %s, at capacity", req.ExecutionID)
		json.NewEncoder(w).Encode(service.RunAsyncResponse{Accepted: false})
		return
	}

	log.Printf("agent: accepted execution=%s job=%s steps=%d", req.ExecutionID, req.JobName, len(req.Steps))
	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		defer a.decLoad()
		a.runAsyncJob(&req)
	}()

	json.NewEncoder(w).Encode(service.RunAsyncResponse{Accepted: true})
}

// handlePing reports health and current load.
func (a *Agent) handlePing(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	load := a.currentLoad
	draining := a.draining
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(service.PingResponse{
		Healthy:    !draining,
		ActiveJobs: load,
	})
}

// runAsyncJob executes a job in the background and closes it out with
// a job-completed callback.
func (a *Agent) runAsyncJob(req *service.RunJobRequest) {
	ctx := context.Background()
	if req.DeadlineMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.DeadlineMillis))
		defer cancel()
	}

	resp := a.executeJob(ctx, req)

	// The job context may already be past its deadline; the close-out
	// still has to land.
	cbCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cb := a.callbackClient(req.CallbackAddr)
	if err := cb.JobCompleted(cbCtx, req.ExecutionID, resp.ErrorMessage); err != nil {
		log.Printf("agent: job-completed callback failed for %s: %v", req.ExecutionID, err)
	}
}

// executeJob runs the job's steps in order. The first failing step
// ends the job; the orchestrator skips the remaining plan. Step
// progress is reported through callbacks on both dispatch paths so a
// long job stays distinguishable from a stalled one.
func (a *Agent) executeJob(ctx context.Context, req *service.RunJobRequest) *service.RunJobResponse {
	resp := &service.RunJobResponse{}
	cb := a.callbackClient(req.CallbackAddr)

	if err := cb.JobStarted(ctx, req.ExecutionID); err != nil {
		log.Printf("agent: job-started callback failed for %s: %v", req.ExecutionID, err)
	}

	workspace := filepath.Join(a.config.WorkDir, req.ExecutionID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		resp.ErrorMessage = fmt.Sprintf("failed to prepare workspace: %v", err)
		return resp
	}
	defer os.RemoveAll(workspace)

	var reportErr error
	for _, spec := range req.Steps {
		if err := cb.StepStarted(ctx, req.ExecutionID, spec.Idx); err != nil {
			log.Printf("agent: step-started callback failed for %s step %d: %v", req.ExecutionID, spec.Idx, err)
			reportErr = err
		}

		result := a.executeStep(ctx, req, spec, workspace)
		resp.Steps = append(resp.Steps, result)

		if err := cb.StepCompleted(ctx, req.ExecutionID, spec.Idx, result.ExitCode, result.Output); err != nil {
			log.Printf("agent: step-completed callback failed for %s step %d: %v", req.ExecutionID, spec.Idx, err)
			reportErr = err
		}

		if result.Conclusion != domain.ConclusionSuccess {
			break
		}
	}

	if ctx.Err() != nil && resp.ErrorMessage == "" {
		resp.ErrorMessage = "job deadline exceeded"
	}
	// A job whose results could not be reported must not settle as a
	// success built from skipped steps.
	if reportErr != nil && resp.ErrorMessage == "" {
		resp.ErrorMessage = fmt.Sprintf("failed to report step progress: %v", reportErr)
	}
	return resp
}

// executeStep materializes one step and runs it in the job workspace.
func (a *Agent) executeStep(ctx context.Context, req *service.RunJobRequest, spec service.StepSpec, workspace string) service.StepResult {
	result := service.StepResult{Idx: spec.Idx}

	fail := func(format string, args ...any) service.StepResult {
		result.Conclusion = domain.ConclusionFailure
		result.ExitCode = -1
		result.Output = fmt.Sprintf(format, args...)
		return result
	}

	argv, err := materializeStep(spec)
	if err != nil {
		return fail("invalid step: %v", err)
	}

	dir := workspace
	if spec.WorkingDir != "" {
		dir = filepath.Join(workspace, spec.WorkingDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail("failed to create working directory: %v", err)
		}
	}

	env := actions.MergeEnv(os.Environ(), req.Env, spec.Env, map[string]string{
		"GANTRY_RUN_ID":       req.RunID,
		"GANTRY_JOB":          req.JobName,
		"GANTRY_STEP":         spec.Name,
		"GANTRY_EXECUTION_ID": req.ExecutionID,
	})

	res, err := a.executor.Execute(ctx, Command{Argv: argv, Dir: dir, Env: env})
	if err != nil {
		output := res.Output
		if output != "" {
			output += "\n"
		}
		return fail("%s%v", output, err)
	}

	result.ExitCode = res.ExitCode
	result.Output = res.Output
	if res.ExitCode == 0 {
		result.Conclusion = domain.ConclusionSuccess
	} else {
		result.Conclusion = domain.ConclusionFailure
	}
	return result
}

// materializeStep reduces a step spec to an argv through its action
// reference or its shell script.
func materializeStep(spec service.StepSpec) ([]string, error) {
	if spec.Uses != "" {
		ref, err := actions.ParseUses(spec.Uses)
		if err != nil {
			return nil, err
		}
		return actions.Command(ref, spec.With)
	}
	return actions.ShellCommand(spec.Shell, spec.Run), nil
}

// callbackClient returns a client for the job's callback address,
// falling back to the configured orchestrator.
func (a *Agent) callbackClient(addr string) *orchestratorClient {
	if addr == "" {
		return a.client
	}
	return newOrchestratorClient(addr, a.httpClient)
}

func (a *Agent) incLoad() {
	a.mu.Lock()
	a.currentLoad++
	a.mu.Unlock()
}

func (a *Agent) decLoad() {
	a.mu.Lock()
	a.currentLoad--
	a.mu.Unlock()
}

// tryAcquire claims an async job slot, refusing at capacity or while
// draining.
func (a *Agent) tryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return false
	}
	if a.config.MaxConcurrent > 0 && a.currentLoad >= a.config.MaxConcurrent {
		return false
	}
	a.currentLoad++
	return true
}
