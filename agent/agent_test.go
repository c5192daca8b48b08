package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// fakeExecutor records commands and returns scripted results keyed by
// the script text (the last argv element for shell steps).
type fakeExecutor struct {
	mu       sync.Mutex
	commands []Command
	results  map[string]Result
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if f.err != nil {
		return Result{ExitCode: -1}, f.err
	}
	if r, ok := f.results[cmd.Argv[len(cmd.Argv)-1]]; ok {
		return r, nil
	}
	return Result{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeExecutor) recorded() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// orchestratorStub emulates the orchestrator's runner and callback API,
// recording each call in arrival order.
type orchestratorStub struct {
	mu     sync.Mutex
	calls  []string
	server *httptest.Server
}

func newOrchestratorStub(t *testing.T) *orchestratorStub {
	t.Helper()
	s := &orchestratorStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/runners/register", func(w http.ResponseWriter, r *http.Request) {
		var req service.RegisterRunnerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.record("register:" + req.RunnerID)
		json.NewEncoder(w).Encode(service.RegisterRunnerResponse{
			RegistrationID: "reg-1",
			ExpiresAt:      time.Now().Add(2 * time.Minute),
		})
	})
	mux.HandleFunc("/api/runners/heartbeat/", func(w http.ResponseWriter, r *http.Request) {
		s.record("heartbeat:" + strings.TrimPrefix(r.URL.Path, "/api/runners/heartbeat/"))
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/api/runners/unregister/", func(w http.ResponseWriter, r *http.Request) {
		s.record("unregister:" + strings.TrimPrefix(r.URL.Path, "/api/runners/unregister/"))
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/api/callbacks/", func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/api/callbacks/") {
		case "job-started":
			var req service.JobStartedRequest
			json.NewDecoder(r.Body).Decode(&req)
			s.record("job-started")
		case "step-started":
			var req service.StepStartedRequest
			json.NewDecoder(r.Body).Decode(&req)
			s.record(fmt.Sprintf("step-started:%d", req.StepIdx))
		case "step-completed":
			var req service.StepCompletedRequest
			json.NewDecoder(r.Body).Decode(&req)
			s.record(fmt.Sprintf("step-completed:%d:%d", req.StepIdx, req.ExitCode))
		case "job-completed":
			var req service.JobCompletedRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.ErrorMessage != "" {
				s.record("job-completed:" + req.ErrorMessage)
			} else {
				s.record("job-completed")
			}
		default:
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("{}"))
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *orchestratorStub) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *orchestratorStub) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestAgent(t *testing.T, stub *orchestratorStub, fake *fakeExecutor) *Agent {
	t.Helper()
	a := New(Config{
		RunnerID:          "test-runner",
		Labels:            []string{"linux"},
		ServerURL:         stub.server.URL,
		WorkDir:           t.TempDir(),
		HeartbeatInterval: time.Hour,
	})
	if fake != nil {
		a.SetExecutor(fake)
	}
	return a
}

func jobRequest(stub *orchestratorStub, scripts ...string) *service.RunJobRequest {
	req := &service.RunJobRequest{
		ExecutionID:  "exec-1",
		RunID:        "run-1",
		JobID:        "job-1",
		JobName:      "build",
		Label:        "linux",
		CallbackAddr: stub.server.URL,
	}
	for i, script := range scripts {
		req.Steps = append(req.Steps, service.StepSpec{
			Idx:  i + 1,
			Name: fmt.Sprintf("step-%d", i+1),
			Run:  script,
		})
	}
	return req
}

func TestExecuteJobRunsStepsInOrder(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{}
	a := newTestAgent(t, stub, fake)

	resp := a.executeJob(context.Background(), jobRequest(stub, "make build", "make test", "make package"))

	if resp.ErrorMessage != "" {
		t.Fatalf("unexpected error message: %s", resp.ErrorMessage)
	}
	if len(resp.Steps) != 3 {
		t.Fatalf("expected 3 step results, got %d", len(resp.Steps))
	}
	for i, step := range resp.Steps {
		if step.Idx != i+1 {
			t.Errorf("step %d has idx %d", i, step.Idx)
		}
		if step.Conclusion != domain.ConclusionSuccess {
			t.Errorf("step %d concluded %s", step.Idx, step.Conclusion)
		}
	}

	commands := fake.recorded()
	if len(commands) != 3 {
		t.Fatalf("expected 3 executed commands, got %d", len(commands))
	}
	wantScripts := []string{"make build", "make test", "make package"}
	for i, cmd := range commands {
		if got := cmd.Argv[len(cmd.Argv)-1]; got != wantScripts[i] {
			t.Errorf("command %d ran %q, want %q", i, got, wantScripts[i])
		}
		if cmd.Argv[0] != "/bin/sh" {
			t.Errorf("command %d shell = %q", i, cmd.Argv[0])
		}
	}

	want := []string{
		"job-started",
		"step-started:1", "step-completed:1:0",
		"step-started:2", "step-completed:2:0",
		"step-started:3", "step-completed:3:0",
	}
	got := stub.recorded()
	if len(got) != len(want) {
		t.Fatalf("callbacks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("callback %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExecuteJobStopsAtFirstFailure(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{results: map[string]Result{
		"make test": {ExitCode: 2, Output: "FAIL"},
	}}
	a := newTestAgent(t, stub, fake)

	resp := a.executeJob(context.Background(), jobRequest(stub, "make build", "make test", "make package"))

	if len(resp.Steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(resp.Steps))
	}
	if resp.Steps[0].Conclusion != domain.ConclusionSuccess {
		t.Errorf("step 1 concluded %s", resp.Steps[0].Conclusion)
	}
	if resp.Steps[1].Conclusion != domain.ConclusionFailure {
		t.Errorf("step 2 concluded %s, want failure", resp.Steps[1].Conclusion)
	}
	if resp.Steps[1].ExitCode != 2 {
		t.Errorf("step 2 exit code = %d, want 2", resp.Steps[1].ExitCode)
	}
	if resp.Steps[1].Output != "FAIL" {
		t.Errorf("step 2 output = %q", resp.Steps[1].Output)
	}

	if commands := fake.recorded(); len(commands) != 2 {
		t.Fatalf("expected execution to stop after the failing step, ran %d commands", len(commands))
	}

	calls := stub.recorded()
	if last := calls[len(calls)-1]; last != "step-completed:2:2" {
		t.Errorf("last callback = %q, want step-completed:2:2", last)
	}
}

func TestExecuteJobCleansWorkspace(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{}
	a := newTestAgent(t, stub, fake)

	a.executeJob(context.Background(), jobRequest(stub, "true"))

	commands := fake.recorded()
	if len(commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(commands))
	}
	workspace := commands[0].Dir
	if !strings.HasSuffix(workspace, "exec-1") {
		t.Errorf("workspace %q not keyed by execution id", workspace)
	}
	if _, err := os.Stat(workspace); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists after the job", workspace)
	}
}

func TestExecuteStepEnvironment(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{}
	a := newTestAgent(t, stub, fake)

	req := jobRequest(stub, "env")
	req.Env = map[string]string{"CI": "true", "LEVEL": "run"}
	req.Steps[0].Env = map[string]string{"LEVEL": "step"}
	req.Steps[0].WorkingDir = "sub/dir"

	a.executeJob(context.Background(), req)

	commands := fake.recorded()
	if len(commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(commands))
	}
	cmd := commands[0]

	if !strings.HasSuffix(cmd.Dir, "exec-1/sub/dir") {
		t.Errorf("working dir = %q, want suffix exec-1/sub/dir", cmd.Dir)
	}
	if _, err := os.Stat(cmd.Dir); err == nil {
		t.Errorf("working dir %s survived workspace cleanup", cmd.Dir)
	}

	env := make(map[string]string, len(cmd.Env))
	for _, kv := range cmd.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	if env["CI"] != "true" {
		t.Errorf("CI = %q, want true", env["CI"])
	}
	if env["LEVEL"] != "step" {
		t.Errorf("LEVEL = %q, step env should win over job env", env["LEVEL"])
	}
	if env["GANTRY_RUN_ID"] != "run-1" {
		t.Errorf("GANTRY_RUN_ID = %q", env["GANTRY_RUN_ID"])
	}
	if env["GANTRY_JOB"] != "build" {
		t.Errorf("GANTRY_JOB = %q", env["GANTRY_JOB"])
	}
	if env["GANTRY_STEP"] != "step-1" {
		t.Errorf("GANTRY_STEP = %q", env["GANTRY_STEP"])
	}
}

func TestMaterializeStep(t *testing.T) {
	tests := []struct {
		name    string
		spec    service.StepSpec
		want    []string
		wantErr bool
	}{
		{
			name: "shell default",
			spec: service.StepSpec{Run: "make build"},
			want: []string{"/bin/sh", "-c", "make build"},
		},
		{
			name: "shell override",
			spec: service.StepSpec{Run: "make build", Shell: "/bin/bash"},
			want: []string{"/bin/bash", "-c", "make build"},
		},
		{
			name: "checkout action",
			spec: service.StepSpec{Uses: "checkout@v4"},
			want: []string{"git", "checkout", "--force", "HEAD"},
		},
		{
			name: "install action",
			spec: service.StepSpec{Uses: "install-tool@v2", With: map[string]string{"tool": "linter"}},
			want: []string{"npm", "install", "--global", "--no-fund", "linter@v2"},
		},
		{
			name:    "unpinned action",
			spec:    service.StepSpec{Uses: "checkout"},
			wantErr: true,
		},
		{
			name:    "floating version",
			spec:    service.StepSpec{Uses: "checkout@latest"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := materializeStep(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got argv %v", argv)
				}
				return
			}
			if err != nil {
				t.Fatalf("materializeStep: %v", err)
			}
			if len(argv) != len(tt.want) {
				t.Fatalf("argv = %v, want %v", argv, tt.want)
			}
			for i := range tt.want {
				if argv[i] != tt.want[i] {
					t.Errorf("argv[%d] = %q, want %q", i, argv[i], tt.want[i])
				}
			}
		})
	}
}

func TestExecuteStepInvalidActionFails(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{}
	a := newTestAgent(t, stub, fake)

	req := jobRequest(stub, "unused")
	req.Steps[0].Run = ""
	req.Steps[0].Uses = "checkout"

	resp := a.executeJob(context.Background(), req)

	if len(resp.Steps) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(resp.Steps))
	}
	step := resp.Steps[0]
	if step.Conclusion != domain.ConclusionFailure {
		t.Errorf("conclusion = %s, want failure", step.Conclusion)
	}
	if step.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", step.ExitCode)
	}
	if !strings.Contains(step.Output, "not pinned") {
		t.Errorf("output %q does not explain the rejection", step.Output)
	}
	if commands := fake.recorded(); len(commands) != 0 {
		t.Errorf("invalid step still executed %d commands", len(commands))
	}
}

func TestRunEndpoint(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{results: map[string]Result{
		"exit 1": {ExitCode: 1, Output: "boom"},
	}}
	a := newTestAgent(t, stub, fake)

	body, _ := json.Marshal(jobRequest(stub, "echo hi", "exit 1"))
	r := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	a.handleRun(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	var resp service.RunJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(resp.Steps))
	}
	if resp.Steps[1].Conclusion != domain.ConclusionFailure {
		t.Errorf("step 2 concluded %s, want failure", resp.Steps[1].Conclusion)
	}

	// Sync dispatches never post job-completed; the verdict travels in
	// the response.
	for _, call := range stub.recorded() {
		if strings.HasPrefix(call, "job-completed") {
			t.Errorf("sync run posted %q", call)
		}
	}
}

func TestRunAsyncAtCapacity(t *testing.T) {
	stub := newOrchestratorStub(t)
	fake := &fakeExecutor{}
	a := newTestAgent(t, stub, fake)
	a.config.MaxConcurrent = 1

	if !a.tryAcquire() {
		t.Fatal("first slot should acquire")
	}

	body, _ := json.Marshal(jobRequest(stub, "true"))
	r := httptest.NewRequest(http.MethodPost, "/run-async", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	a.handleRunAsync(w, r)

	var resp service.RunAsyncResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Accepted {
		t.Fatal("dispatch at capacity should be declined")
	}

	a.decLoad()

	r = httptest.NewRequest(http.MethodPost, "/run-async", strings.NewReader(string(body)))
	w = httptest.NewRecorder()
	a.handleRunAsync(w, r)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("dispatch with a free slot should be accepted")
	}

	a.jobs.Wait()

	var completed bool
	for _, call := range stub.recorded() {
		if call == "job-completed" {
			completed = true
		}
	}
	if !completed {
		t.Errorf("async job never posted job-completed, calls: %v", stub.recorded())
	}
}

func TestPingReportsLoad(t *testing.T) {
	stub := newOrchestratorStub(t)
	a := newTestAgent(t, stub, nil)
	a.incLoad()

	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	a.handlePing(w, r)

	var resp service.PingResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Healthy {
		t.Error("expected healthy")
	}
	if resp.ActiveJobs != 1 {
		t.Errorf("active jobs = %d, want 1", resp.ActiveJobs)
	}

	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()

	w = httptest.NewRecorder()
	a.handlePing(w, r)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Healthy {
		t.Error("draining agent should report unhealthy")
	}
}

func TestStartRegistersAndShutdownUnregisters(t *testing.T) {
	stub := newOrchestratorStub(t)
	a := newTestAgent(t, stub, &fakeExecutor{})
	a.config.ListenAddr = "127.0.0.1:0"

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("starting agent: %v", err)
	}

	calls := stub.recorded()
	if len(calls) == 0 || calls[0] != "register:test-runner" {
		t.Fatalf("expected registration first, calls: %v", calls)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Shutdown(ctx)

	var unregistered bool
	for _, call := range stub.recorded() {
		if call == "unregister:reg-1" {
			unregistered = true
		}
	}
	if !unregistered {
		t.Errorf("shutdown never unregistered, calls: %v", stub.recorded())
	}
}

func TestCallbackRetriesNotFound(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			// The dispatch transaction has not committed yet.
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	c := newOrchestratorClient(ts.URL, &http.Client{Timeout: 5 * time.Second})
	if err := c.JobStarted(context.Background(), "exec-1"); err != nil {
		t.Fatalf("callback should succeed on retry: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCallbackDoesNotRetryConflict(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "Conflict", http.StatusConflict)
	}))
	defer ts.Close()

	c := newOrchestratorClient(ts.URL, &http.Client{Timeout: 5 * time.Second})
	if err := c.JobStarted(context.Background(), "exec-1"); err == nil {
		t.Fatal("expected error on conflict")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, conflicts must not retry", attempts)
	}
}
