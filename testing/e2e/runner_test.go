package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

func TestJobWaitsForRunner(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Stop()

	ctx := context.Background()
	env.RegisterWorkflow(ctx, ciYAML)
	env.Start()

	// No runner is registered, so the jobs queue and wait.
	resp := env.Push(ctx, "main")
	runID := resp.Runs[0].ID

	time.Sleep(300 * time.Millisecond)
	test := env.JobNamed(ctx, runID, "test")
	if test.State != domain.JobStateQueued {
		t.Fatalf("test job state = %s with no runner, want queued", test.State)
	}

	// A runner comes online; the queued work drains.
	env.RegisterMockRunner(ctx, "runner-1", "mock://runner-1", []string{"linux"})
	run := env.WaitForRunFinal(ctx, runID, 10*time.Second)
	if run.Conclusion != domain.ConclusionSuccess {
		t.Fatalf("run concluded %s, want success", run.Conclusion)
	}
}

func TestRunnerExpiresWithoutHeartbeat(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Stop()

	ctx := context.Background()
	_, err := env.RunnerSvc.RegisterRunner(ctx, &service.RegisterRunnerRequest{
		RunnerID:   "ephemeral",
		Labels:     []string{"linux"},
		Address:    "mock://ephemeral",
		TTLSeconds: 1,
	})
	if err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	removed, err := env.RunnerSvc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupExpired removed %d registrations, want 1", removed)
	}

	runners, err := env.RunnerSvc.ListRunners(ctx)
	if err != nil {
		t.Fatalf("ListRunners: %v", err)
	}
	if len(runners) != 0 {
		t.Errorf("%d runners remain after expiry, want 0", len(runners))
	}
}

func TestHeartbeatExtendsRegistration(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Stop()

	ctx := context.Background()
	reg, err := env.RunnerSvc.RegisterRunner(ctx, &service.RegisterRunnerRequest{
		RunnerID:   "steady",
		Labels:     []string{"linux"},
		Address:    "mock://steady",
		TTLSeconds: 1,
	})
	if err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}

	for i := 0; i < 4; i++ {
		time.Sleep(400 * time.Millisecond)
		if err := env.RunnerSvc.Heartbeat(ctx, reg.RegistrationID, time.Second); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}

	if _, err := env.RunnerSvc.CleanupExpired(ctx); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	runners, err := env.RunnerSvc.ListRunners(ctx)
	if err != nil {
		t.Fatalf("ListRunners: %v", err)
	}
	if len(runners) != 1 {
		t.Fatalf("%d runners after heartbeats, want 1", len(runners))
	}
}

// markDispatched hands a pending execution to a runner outside the
// dispatcher, the way a pull-based runner claims work.
func markDispatched(t *testing.T, env *TestEnv, execID string) {
	t.Helper()
	ctx := context.Background()

	uow, err := env.Storage.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer uow.Rollback()

	if err := uow.Executions().MarkDispatched(ctx, execID, ""); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// driveJobThroughCallbacks plays an external runner reporting one job's
// whole lifecycle through the callback API.
func driveJobThroughCallbacks(t *testing.T, env *TestEnv, execID string, stepCount int) {
	t.Helper()
	ctx := context.Background()

	if err := env.CallbackSvc.JobStarted(ctx, &service.JobStartedRequest{ExecutionID: execID}); err != nil {
		t.Fatalf("JobStarted: %v", err)
	}
	for idx := 1; idx <= stepCount; idx++ {
		if err := env.CallbackSvc.StepStarted(ctx, &service.StepStartedRequest{
			ExecutionID: execID,
			StepIdx:     idx,
		}); err != nil {
			t.Fatalf("StepStarted(%d): %v", idx, err)
		}
		if err := env.CallbackSvc.StepCompleted(ctx, &service.StepCompletedRequest{
			ExecutionID: execID,
			StepIdx:     idx,
			ExitCode:    0,
			Output:      "ok",
		}); err != nil {
			t.Fatalf("StepCompleted(%d): %v", idx, err)
		}
	}
	if err := env.CallbackSvc.JobCompleted(ctx, &service.JobCompletedRequest{ExecutionID: execID}); err != nil {
		t.Fatalf("JobCompleted: %v", err)
	}
}

func TestCallbackLifecycle(t *testing.T) {
	// The dispatcher never starts; an external runner claims queued
	// executions and reports everything through callbacks.
	env := NewTestEnv(t)
	defer env.Stop()

	ctx := context.Background()
	env.RegisterWorkflow(ctx, buildDeployYAML)

	run, err := env.Orchestrator.SubmitRun(ctx, &service.SubmitRunRequest{WorkflowName: "deploy"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	// The root job queued at planning time.
	exec := env.PendingExecution(ctx, "linux")
	if exec == nil {
		t.Fatal("no pending execution for the build job")
	}
	markDispatched(t, env, exec.ID)

	if err := env.CallbackSvc.JobStarted(ctx, &service.JobStartedRequest{ExecutionID: exec.ID}); err != nil {
		t.Fatalf("JobStarted: %v", err)
	}
	running, err := env.Orchestrator.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if running.State != domain.RunStateRunning {
		t.Errorf("run state = %s after job started, want running", running.State)
	}

	build := env.JobNamed(ctx, run.ID, "build")
	for idx := 1; idx <= len(build.Steps); idx++ {
		if err := env.CallbackSvc.StepCompleted(ctx, &service.StepCompletedRequest{
			ExecutionID: exec.ID,
			StepIdx:     idx,
			ExitCode:    0,
			Output:      "ok",
		}); err != nil {
			t.Fatalf("StepCompleted(%d): %v", idx, err)
		}
	}
	if err := env.CallbackSvc.JobCompleted(ctx, &service.JobCompletedRequest{ExecutionID: exec.ID}); err != nil {
		t.Fatalf("JobCompleted: %v", err)
	}

	build = env.JobNamed(ctx, run.ID, "build")
	if build.Conclusion != domain.ConclusionSuccess {
		t.Fatalf("build concluded %s, want success", build.Conclusion)
	}

	// Concluding build queued its dependent.
	deploy := env.JobNamed(ctx, run.ID, "deploy")
	if deploy.State != domain.JobStateQueued {
		t.Fatalf("deploy state = %s after build success, want queued", deploy.State)
	}

	exec = env.PendingExecution(ctx, "linux")
	if exec == nil {
		t.Fatal("no pending execution for the deploy job")
	}
	markDispatched(t, env, exec.ID)
	driveJobThroughCallbacks(t, env, exec.ID, len(deploy.Steps))

	final, err := env.Orchestrator.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Conclusion != domain.ConclusionSuccess {
		t.Fatalf("run concluded %s, want success", final.Conclusion)
	}
}

func TestCallbackErrorForcesJobFailure(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Stop()

	ctx := context.Background()
	env.RegisterWorkflow(ctx, buildDeployYAML)

	run, err := env.Orchestrator.SubmitRun(ctx, &service.SubmitRunRequest{WorkflowName: "deploy"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	exec := env.PendingExecution(ctx, "linux")
	if exec == nil {
		t.Fatal("no pending execution")
	}
	markDispatched(t, env, exec.ID)

	// The runner dies after one step and reports the wreckage.
	if err := env.CallbackSvc.StepCompleted(ctx, &service.StepCompletedRequest{
		ExecutionID: exec.ID,
		StepIdx:     1,
		ExitCode:    0,
		Output:      "ok",
	}); err != nil {
		t.Fatalf("StepCompleted: %v", err)
	}
	if err := env.CallbackSvc.JobCompleted(ctx, &service.JobCompletedRequest{
		ExecutionID:  exec.ID,
		ErrorMessage: "runner lost its workspace",
	}); err != nil {
		t.Fatalf("JobCompleted: %v", err)
	}

	build := env.JobNamed(ctx, run.ID, "build")
	if build.Conclusion != domain.ConclusionFailure {
		t.Fatalf("build concluded %s, want failure", build.Conclusion)
	}
	deploy := env.JobNamed(ctx, run.ID, "deploy")
	if deploy.Conclusion != domain.ConclusionSkipped {
		t.Fatalf("deploy concluded %s, want skipped", deploy.Conclusion)
	}

	final, err := env.Orchestrator.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Conclusion != domain.ConclusionFailure {
		t.Fatalf("run concluded %s, want failure", final.Conclusion)
	}
}

func TestStaleExecutionFailsRun(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Stop()

	ctx := context.Background()
	env.RegisterWorkflow(ctx, `
name: hang
on:
  push: {}
jobs:
  wedge:
    runs-on: linux
    steps:
      - name: Wedge
        run: sleep infinity
`)
	mock := env.RegisterMockRunner(ctx, "runner-1", "mock://runner-1", []string{"linux"})
	// Longer than the 2s stale threshold, with no progress callbacks.
	mock.Delay = 4 * time.Second
	env.Start()

	resp := env.Push(ctx, "main")
	run := env.WaitForRunFinal(ctx, resp.Runs[0].ID, 10*time.Second)
	if run.Conclusion != domain.ConclusionFailure {
		t.Fatalf("run concluded %s, want failure", run.Conclusion)
	}

	wedge := env.JobNamed(ctx, run.ID, "wedge")
	if wedge.Conclusion != domain.ConclusionFailure {
		t.Errorf("wedge concluded %s, want failure", wedge.Conclusion)
	}
}
