package endpoint

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// Endpoint is a function that takes a request and returns a response.
type Endpoint func(ctx context.Context, request any) (response any, err error)

// Endpoints holds all endpoint handlers.
type Endpoints struct {
	RegisterWorkflow Endpoint
	GetWorkflow      Endpoint
	ListWorkflows    Endpoint
	RemoveWorkflow   Endpoint

	IngestEvent Endpoint
	GetEvent    Endpoint
	ListEvents  Endpoint

	SubmitRun    Endpoint
	GetRunDetail Endpoint
	ListRuns     Endpoint
	CancelRun    Endpoint
	RerunRun     Endpoint
	DeleteRun    Endpoint

	QueryJobs Endpoint
	GetJob    Endpoint
}

// GetJobRequest identifies one job of a run.
type GetJobRequest struct {
	RunID string
	JobID string
}

// ListEventsRequest bounds the event listing.
type ListEventsRequest struct {
	Limit int
}

// MakeEndpoints creates all endpoints from the service.
func MakeEndpoints(svc *service.OrchestratorService) Endpoints {
	return Endpoints{
		RegisterWorkflow: makeRegisterWorkflowEndpoint(svc),
		GetWorkflow:      makeGetWorkflowEndpoint(svc),
		ListWorkflows:    makeListWorkflowsEndpoint(svc),
		RemoveWorkflow:   makeRemoveWorkflowEndpoint(svc),
		IngestEvent:      makeIngestEventEndpoint(svc),
		GetEvent:         makeGetEventEndpoint(svc),
		ListEvents:       makeListEventsEndpoint(svc),
		SubmitRun:        makeSubmitRunEndpoint(svc),
		GetRunDetail:     makeGetRunDetailEndpoint(svc),
		ListRuns:         makeListRunsEndpoint(svc),
		CancelRun:        makeCancelRunEndpoint(svc),
		RerunRun:         makeRerunRunEndpoint(svc),
		DeleteRun:        makeDeleteRunEndpoint(svc),
		QueryJobs:        makeQueryJobsEndpoint(svc),
		GetJob:           makeGetJobEndpoint(svc),
	}
}

func makeRegisterWorkflowEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*service.RegisterWorkflowRequest)
		if err := validateRegisterWorkflowRequest(req); err != nil {
			return nil, err
		}
		return svc.RegisterWorkflow(ctx, req)
	}
}

func makeGetWorkflowEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		name := request.(string)
		if name == "" {
			return nil, errArg("workflow name is required")
		}
		return svc.GetWorkflow(ctx, name)
	}
}

func makeListWorkflowsEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		return svc.ListWorkflows(ctx)
	}
}

func makeRemoveWorkflowEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		name := request.(string)
		if name == "" {
			return nil, errArg("workflow name is required")
		}
		return nil, svc.RemoveWorkflow(ctx, name)
	}
}

func makeIngestEventEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*service.IngestEventRequest)
		if err := validateIngestEventRequest(req); err != nil {
			return nil, err
		}
		return svc.IngestEvent(ctx, req)
	}
}

func makeGetEventEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if id == "" {
			return nil, errArg("event ID is required")
		}
		return svc.GetEvent(ctx, id)
	}
}

func makeListEventsEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*ListEventsRequest)
		return svc.ListEvents(ctx, req.Limit)
	}
}

func makeSubmitRunEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*service.SubmitRunRequest)
		if err := validateSubmitRunRequest(req); err != nil {
			return nil, err
		}
		return svc.SubmitRun(ctx, req)
	}
}

func makeGetRunDetailEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if id == "" {
			return nil, errArg("run ID is required")
		}
		return svc.GetRunDetail(ctx, id)
	}
}

func makeListRunsEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*service.ListRunsRequest)
		if err := validateListRunsRequest(req); err != nil {
			return nil, err
		}
		return svc.ListRuns(ctx, req)
	}
}

func makeCancelRunEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if id == "" {
			return nil, errArg("run ID is required")
		}
		return svc.CancelRun(ctx, id)
	}
}

func makeRerunRunEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if id == "" {
			return nil, errArg("run ID is required")
		}
		return svc.RerunRun(ctx, id)
	}
}

func makeDeleteRunEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id := request.(string)
		if id == "" {
			return nil, errArg("run ID is required")
		}
		return nil, svc.DeleteRun(ctx, id)
	}
}

func makeQueryJobsEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*service.QueryJobsRequest)
		if err := validateQueryJobsRequest(req); err != nil {
			return nil, err
		}
		return svc.QueryJobs(ctx, req)
	}
}

func makeGetJobEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*GetJobRequest)
		if req.RunID == "" || req.JobID == "" {
			return nil, errArg("run and job IDs are required")
		}
		return svc.GetJob(ctx, req.RunID, req.JobID)
	}
}

// MapErrorToStatus maps domain errors to HTTP status codes.
func MapErrorToStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidDependency):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCyclicDependency):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStepOrder):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConcurrentModify):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRunnerNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRunnerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
