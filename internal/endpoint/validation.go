package endpoint

import (
	"fmt"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

func errArg(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
}

func validateRegisterWorkflowRequest(req *service.RegisterWorkflowRequest) error {
	if len(req.Source) == 0 {
		return errArg("workflow source is required")
	}
	return nil
}

func validateIngestEventRequest(req *service.IngestEventRequest) error {
	if req.Type == "" {
		return errArg("event type is required")
	}
	if !req.Type.Valid() {
		return errArg(fmt.Sprintf("unknown event type %q", req.Type))
	}
	if req.Repo == "" {
		return errArg("repo is required")
	}
	return nil
}

func validateSubmitRunRequest(req *service.SubmitRunRequest) error {
	if req.WorkflowName == "" {
		return errArg("workflow name is required")
	}
	return nil
}

func validateListRunsRequest(req *service.ListRunsRequest) error {
	if req.Limit < 0 {
		return errArg("limit must not be negative")
	}
	if req.Offset < 0 {
		return errArg("offset must not be negative")
	}
	return nil
}

func validateQueryJobsRequest(req *service.QueryJobsRequest) error {
	if req.RunID == "" {
		return errArg("run ID is required")
	}
	return nil
}
