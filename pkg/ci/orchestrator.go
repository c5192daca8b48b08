package ci

import (
	"context"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// Orchestrator is the surface a plan needs to register, run, and watch
// workflows. LocalOrchestrator serves it from an in-process service;
// RemoteOrchestrator from a live server over HTTP. Plans run unchanged
// against both.
type Orchestrator interface {
	// RegisterWorkflow parses, validates, and stores a definition.
	RegisterWorkflow(ctx context.Context, path string, source []byte) (*domain.Workflow, error)

	// SubmitRun plans a run of a registered workflow. The env overlays
	// the workflow-level env for this run only.
	SubmitRun(ctx context.Context, workflowName string, env map[string]string) (*domain.Run, error)

	// GetRunDetail fetches a run with all its jobs and steps.
	GetRunDetail(ctx context.Context, runID string) (*service.RunDetail, error)

	// CancelRun cancels a run that has not concluded.
	CancelRun(ctx context.Context, runID string) (*domain.Run, error)

	// RerunRun plans a fresh attempt of a concluded run.
	RerunRun(ctx context.Context, runID string) (*domain.Run, error)
}

// LocalOrchestrator adapts an in-process OrchestratorService. It is the
// natural choice for tests and for tools embedding the engine.
type LocalOrchestrator struct {
	svc *service.OrchestratorService
}

// NewLocalOrchestrator wraps an orchestrator service.
// Panics if svc is nil.
func NewLocalOrchestrator(svc *service.OrchestratorService) *LocalOrchestrator {
	if svc == nil {
		panic("ci: NewLocalOrchestrator() called with nil service")
	}
	return &LocalOrchestrator{svc: svc}
}

// Service returns the wrapped orchestrator service.
func (o *LocalOrchestrator) Service() *service.OrchestratorService {
	return o.svc
}

func (o *LocalOrchestrator) RegisterWorkflow(ctx context.Context, path string, source []byte) (*domain.Workflow, error) {
	return o.svc.RegisterWorkflow(ctx, &service.RegisterWorkflowRequest{
		Path:   path,
		Source: source,
	})
}

func (o *LocalOrchestrator) SubmitRun(ctx context.Context, workflowName string, env map[string]string) (*domain.Run, error) {
	return o.svc.SubmitRun(ctx, &service.SubmitRunRequest{
		WorkflowName: workflowName,
		Env:          env,
	})
}

func (o *LocalOrchestrator) GetRunDetail(ctx context.Context, runID string) (*service.RunDetail, error) {
	return o.svc.GetRunDetail(ctx, runID)
}

func (o *LocalOrchestrator) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	return o.svc.CancelRun(ctx, runID)
}

func (o *LocalOrchestrator) RerunRun(ctx context.Context, runID string) (*domain.Run, error) {
	return o.svc.RerunRun(ctx, runID)
}
