package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/endpoint"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage"
)

// Handlers contains HTTP handlers for the web API
type Handlers struct {
	endpoints endpoint.Endpoints
	storage   storage.Storage
	runners   *service.RunnerService
	callbacks *service.CallbackService
}

// NewHandlers creates new API handlers
func NewHandlers(endpoints endpoint.Endpoints, storage storage.Storage) *Handlers {
	return &Handlers{
		endpoints: endpoints,
		storage:   storage,
	}
}

// writeJSON encodes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports err with the HTTP status its domain error maps to.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), endpoint.MapErrorToStatus(err))
}

// ListWorkflows handles GET /api/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	resp, err := h.endpoints.ListWorkflows(r.Context(), nil)
	if err != nil {
		writeError(w, err)
		return
	}

	workflows := resp.([]*domain.Workflow)
	out := ListWorkflowsResponse{
		Workflows: make([]WorkflowInfo, 0, len(workflows)),
	}
	for _, wf := range workflows {
		out.Workflows = append(out.Workflows, convertWorkflow(wf, false))
	}

	writeJSON(w, http.StatusOK, out)
}

// RegisterWorkflow handles POST /api/workflows
func (h *Handlers) RegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var body RegisterWorkflowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.RegisterWorkflow(r.Context(), &service.RegisterWorkflowRequest{
		Path:   body.Path,
		Source: []byte(body.Source),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertWorkflow(resp.(*domain.Workflow), true))
}

// GetWorkflow handles GET /api/workflows/:name
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/workflows/"), "/")
	if name == "" {
		http.Error(w, "Workflow name required", http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.GetWorkflow(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertWorkflow(resp.(*domain.Workflow), true))
}

// RemoveWorkflow handles DELETE /api/workflows/:name
func (h *Handlers) RemoveWorkflow(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/workflows/"), "/")
	if name == "" {
		http.Error(w, "Workflow name required", http.StatusBadRequest)
		return
	}

	if _, err := h.endpoints.RemoveWorkflow(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "removed"})
}

// IngestEvent handles POST /api/events
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var body IngestEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.IngestEvent(r.Context(), &service.IngestEventRequest{
		Type:       domain.EventType(body.Type),
		Repo:       body.Repo,
		Ref:        body.Ref,
		Branch:     body.Branch,
		BaseBranch: body.BaseBranch,
		HeadSHA:    body.HeadSHA,
		Actor:      body.Actor,
		Payload:    body.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	result := resp.(*service.IngestEventResponse)
	out := IngestEventResponse{
		Event: convertEvent(result.Event),
		Runs:  make([]RunSummary, 0, len(result.Runs)),
	}
	for _, run := range result.Runs {
		out.Runs = append(out.Runs, convertRun(run))
	}

	writeJSON(w, http.StatusOK, out)
}

// ListEvents handles GET /api/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	req := &endpoint.ListEventsRequest{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid limit: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Limit = n
	}

	resp, err := h.endpoints.ListEvents(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	events := resp.([]*domain.Event)
	out := ListEventsResponse{Events: make([]EventInfo, 0, len(events))}
	for _, ev := range events {
		out.Events = append(out.Events, convertEvent(ev))
	}

	writeJSON(w, http.StatusOK, out)
}

// GetEvent handles GET /api/events/:id
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	if id == "" {
		http.Error(w, "Event ID required", http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertEvent(resp.(*domain.Event)))
}

// ListRuns handles GET /api/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &service.ListRunsRequest{}
	q := r.URL.Query()
	req.WorkflowNames = q["workflow"]
	for _, v := range q["state"] {
		state, err := parseRunState(v)
		if err != nil {
			writeError(w, err)
			return
		}
		req.States = append(req.States, state)
	}
	for _, v := range q["conclusion"] {
		req.Conclusions = append(req.Conclusions, domain.Conclusion(v))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid limit: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid offset: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Offset = n
	}

	resp, err := h.endpoints.ListRuns(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	runs := resp.([]*domain.Run)

	uow, err := h.storage.Begin(ctx)
	if err != nil {
		http.Error(w, "Failed to begin transaction: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer uow.Rollback()

	out := ListRunsResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		summary := convertRun(run)
		// Job counts give listings a progress figure without shipping steps
		jobs, _ := uow.Jobs().List(ctx, run.ID, storage.ListOptions{})
		summary.JobCount = countJobs(jobs)
		out.Runs = append(out.Runs, summary)
	}

	writeJSON(w, http.StatusOK, out)
}

// SubmitRun handles POST /api/runs
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var body SubmitRunBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.SubmitRun(r.Context(), &service.SubmitRunRequest{
		WorkflowName: body.Workflow,
		Env:          body.Env,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertRun(resp.(*domain.Run)))
}

// GetRunDetail handles GET /api/runs/:id
func (h *Handlers) GetRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if runID == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.GetRunDetail(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}

	detail := resp.(*service.RunDetail)
	out := RunDetailResponse{
		RunSummary: convertRun(detail.Run),
		Env:        detail.Run.Env,
		Jobs:       make([]JobInfo, 0, len(detail.Jobs)),
	}
	out.JobCount = countJobs(detail.Jobs)
	for _, job := range detail.Jobs {
		out.Jobs = append(out.Jobs, convertJob(job))
	}

	writeJSON(w, http.StatusOK, out)
}

// CancelRun handles POST /api/runs/:id/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	// Path format: /api/runs/{id}/cancel
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "cancel" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.CancelRun(r.Context(), parts[0])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertRun(resp.(*domain.Run)))
}

// RerunRun handles POST /api/runs/:id/rerun
func (h *Handlers) RerunRun(w http.ResponseWriter, r *http.Request) {
	// Path format: /api/runs/{id}/rerun
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "rerun" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.RerunRun(r.Context(), parts[0])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertRun(resp.(*domain.Run)))
}

// DeleteRun handles DELETE /api/runs/:id
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if runID == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	if _, err := h.endpoints.DeleteRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// QueryJobs handles GET /api/runs/:id/jobs
func (h *Handlers) QueryJobs(w http.ResponseWriter, r *http.Request) {
	// Path format: /api/runs/{id}/jobs
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "jobs" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	req := &service.QueryJobsRequest{RunID: parts[0]}
	q := r.URL.Query()
	req.Names = q["name"]
	for _, v := range q["state"] {
		state, err := parseJobState(v)
		if err != nil {
			writeError(w, err)
			return
		}
		req.States = append(req.States, state)
	}
	for _, v := range q["conclusion"] {
		req.Conclusions = append(req.Conclusions, domain.Conclusion(v))
	}

	resp, err := h.endpoints.QueryJobs(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	jobs := resp.([]*domain.Job)
	out := ListJobsResponse{Jobs: make([]JobInfo, 0, len(jobs))}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, convertJob(job))
	}

	writeJSON(w, http.StatusOK, out)
}

// GetJob handles GET /api/runs/:id/jobs/:jobID
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	// Path format: /api/runs/{id}/jobs/{jobID}
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(path, "/")
	if len(parts) < 3 || parts[1] != "jobs" || parts[2] == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	resp, err := h.endpoints.GetJob(r.Context(), &endpoint.GetJobRequest{
		RunID: parts[0],
		JobID: parts[2],
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertJob(resp.(*domain.Job)))
}

// ListRunners handles GET /api/runners
func (h *Handlers) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.runners.ListRunners(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := ListRunnersResponse{Runners: make([]RunnerInfo, 0, len(runners))}
	for _, rn := range runners {
		out.Runners = append(out.Runners, convertRunner(rn))
	}

	writeJSON(w, http.StatusOK, out)
}

// RegisterRunner handles POST /api/runners/register
func (h *Handlers) RegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.runners.RegisterRunner(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Heartbeat handles POST /api/runners/heartbeat/:id
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runners/heartbeat/"), "/")
	if id == "" {
		http.Error(w, "Registration ID required", http.StatusBadRequest)
		return
	}

	// The body is optional; an empty body keeps the registered TTL
	var body HeartbeatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.runners.Heartbeat(r.Context(), id, time.Duration(body.TTLSeconds)*time.Second); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// UnregisterRunner handles POST /api/runners/unregister/:id
func (h *Handlers) UnregisterRunner(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runners/unregister/"), "/")
	if id == "" {
		http.Error(w, "Registration ID required", http.StatusBadRequest)
		return
	}

	if err := h.runners.UnregisterRunner(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "unregistered"})
}

// JobStarted handles POST /api/callbacks/job-started
func (h *Handlers) JobStarted(w http.ResponseWriter, r *http.Request) {
	var req service.JobStartedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.callbacks.JobStarted(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// StepStarted handles POST /api/callbacks/step-started
func (h *Handlers) StepStarted(w http.ResponseWriter, r *http.Request) {
	var req service.StepStartedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.callbacks.StepStarted(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// StepCompleted handles POST /api/callbacks/step-completed
func (h *Handlers) StepCompleted(w http.ResponseWriter, r *http.Request) {
	var req service.StepCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.callbacks.StepCompleted(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// JobCompleted handles POST /api/callbacks/job-completed
func (h *Handlers) JobCompleted(w http.ResponseWriter, r *http.Request) {
	var req service.JobCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.callbacks.JobCompleted(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// countJobs tallies a run's jobs for listing summaries.
func countJobs(jobs []*domain.Job) JobCount {
	count := JobCount{Total: len(jobs)}
	for _, job := range jobs {
		if job.State.IsFinal() {
			count.Concluded++
		}
	}
	return count
}

func parseRunState(v string) (domain.RunState, error) {
	switch strings.ToUpper(v) {
	case "PENDING":
		return domain.RunStatePending, nil
	case "RUNNING":
		return domain.RunStateRunning, nil
	case "COMPLETE":
		return domain.RunStateComplete, nil
	default:
		return domain.RunStateUnknown, fmt.Errorf("%w: unknown run state %q", domain.ErrInvalidArgument, v)
	}
}

func parseJobState(v string) (domain.JobState, error) {
	switch strings.ToUpper(v) {
	case "PENDING":
		return domain.JobStatePending, nil
	case "QUEUED":
		return domain.JobStateQueued, nil
	case "RUNNING":
		return domain.JobStateRunning, nil
	case "COMPLETE":
		return domain.JobStateComplete, nil
	default:
		return domain.JobStateUnknown, fmt.Errorf("%w: unknown job state %q", domain.ErrInvalidArgument, v)
	}
}
