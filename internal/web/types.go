package web

import (
	"time"

	"github.com/example/gantry/internal/domain"
)

// WorkflowInfo describes a registered workflow definition.
type WorkflowInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	Revision  string    `json:"revision"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListWorkflowsResponse is the response for GET /api/workflows
type ListWorkflowsResponse struct {
	Workflows []WorkflowInfo `json:"workflows"`
}

// RegisterWorkflowBody is the request body for POST /api/workflows
type RegisterWorkflowBody struct {
	Path   string `json:"path,omitempty"`
	Source string `json:"source"`
}

// EventInfo describes an ingested repository event.
type EventInfo struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Repo       string         `json:"repo,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	BaseBranch string         `json:"baseBranch,omitempty"`
	HeadSHA    string         `json:"headSha,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// ListEventsResponse is the response for GET /api/events
type ListEventsResponse struct {
	Events []EventInfo `json:"events"`
}

// IngestEventBody is the request body for POST /api/events
type IngestEventBody struct {
	Type       string         `json:"type"`
	Repo       string         `json:"repo"`
	Ref        string         `json:"ref,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	BaseBranch string         `json:"baseBranch,omitempty"`
	HeadSHA    string         `json:"headSha,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// IngestEventResponse reports the stored event and the runs it triggered.
type IngestEventResponse struct {
	Event EventInfo    `json:"event"`
	Runs  []RunSummary `json:"runs"`
}

// RunSummary is a run without its jobs, for listing.
type RunSummary struct {
	ID           string     `json:"id"`
	WorkflowName string     `json:"workflowName"`
	Revision     string     `json:"revision,omitempty"`
	EventID      string     `json:"eventId,omitempty"`
	Attempt      int        `json:"attempt"`
	State        string     `json:"state"`
	Conclusion   string     `json:"conclusion,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	JobCount     JobCount   `json:"jobCount"`
}

// JobCount contains counts of a run's jobs by progress.
type JobCount struct {
	Total     int `json:"total"`
	Concluded int `json:"concluded"`
}

// ListRunsResponse is the response for GET /api/runs
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// SubmitRunBody is the request body for POST /api/runs
type SubmitRunBody struct {
	Workflow string            `json:"workflow"`
	Env      map[string]string `json:"env,omitempty"`
}

// RunDetailResponse is the response for GET /api/runs/:id
type RunDetailResponse struct {
	RunSummary
	Env  map[string]string `json:"env,omitempty"`
	Jobs []JobInfo         `json:"jobs"`
}

// JobInfo describes a job and its steps.
type JobInfo struct {
	ID            string            `json:"id"`
	RunID         string            `json:"runId"`
	Name          string            `json:"name"`
	RunsOn        string            `json:"runsOn"`
	Needs         []string          `json:"needs,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	ExecutionMode string            `json:"executionMode"`
	State         string            `json:"state"`
	Conclusion    string            `json:"conclusion,omitempty"`
	Steps         []StepInfo        `json:"steps"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// ListJobsResponse is the response for GET /api/runs/:id/jobs
type ListJobsResponse struct {
	Jobs []JobInfo `json:"jobs"`
}

// StepInfo describes one step of a job.
type StepInfo struct {
	Idx         int          `json:"idx"`
	Name        string       `json:"name"`
	Uses        string       `json:"uses,omitempty"`
	Run         string       `json:"run,omitempty"`
	State       string       `json:"state"`
	Conclusion  string       `json:"conclusion,omitempty"`
	ExitCode    *int         `json:"exitCode,omitempty"`
	Output      string       `json:"output,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Failure     *FailureInfo `json:"failure,omitempty"`
}

// FailureInfo represents a failure
type FailureInfo struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RunnerInfo describes a registered runner.
type RunnerInfo struct {
	RegistrationID string    `json:"registrationId"`
	RunnerID       string    `json:"runnerId"`
	Labels         []string  `json:"labels"`
	Address        string    `json:"address"`
	Modes          []string  `json:"modes"`
	MaxConcurrent  int       `json:"maxConcurrent"`
	CurrentLoad    int       `json:"currentLoad"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ListRunnersResponse is the response for GET /api/runners
type ListRunnersResponse struct {
	Runners []RunnerInfo `json:"runners"`
}

// HeartbeatBody is the request body for POST /api/runners/heartbeat/:id
type HeartbeatBody struct {
	TTLSeconds int64 `json:"ttlSeconds,omitempty"`
}

// StatusResponse acknowledges a request that produces no resource.
type StatusResponse struct {
	Status string `json:"status"`
}

// convertWorkflow converts a domain.Workflow to a WorkflowInfo.
// Source is only included when detail is set; listings stay small.
func convertWorkflow(wf *domain.Workflow, detail bool) WorkflowInfo {
	info := WorkflowInfo{
		Name:      wf.Name,
		Path:      wf.Path,
		Revision:  wf.Revision,
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
	}
	if detail {
		info.Source = string(wf.Raw)
	}
	return info
}

// convertEvent converts a domain.Event to an EventInfo.
func convertEvent(ev *domain.Event) EventInfo {
	return EventInfo{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Repo:       ev.Repo,
		Ref:        ev.Ref,
		Branch:     ev.Branch,
		BaseBranch: ev.BaseBranch,
		HeadSHA:    ev.HeadSHA,
		Actor:      ev.Actor,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt,
	}
}

// convertRun converts a domain.Run to a RunSummary.
func convertRun(run *domain.Run) RunSummary {
	return RunSummary{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		Revision:     run.Revision,
		EventID:      run.EventID,
		Attempt:      run.Attempt,
		State:        run.State.String(),
		Conclusion:   string(run.Conclusion),
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

// convertJob converts a domain.Job to a JobInfo.
func convertJob(job *domain.Job) JobInfo {
	info := JobInfo{
		ID:            job.ID,
		RunID:         job.RunID,
		Name:          job.Name,
		RunsOn:        job.RunsOn,
		Needs:         job.Needs,
		Env:           job.Env,
		ExecutionMode: job.ExecutionMode.String(),
		State:         job.State.String(),
		Conclusion:    string(job.Conclusion),
		Steps:         make([]StepInfo, 0, len(job.Steps)),
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
	}
	for i := range job.Steps {
		info.Steps = append(info.Steps, convertStep(&job.Steps[i]))
	}
	return info
}

// convertStep converts a domain.Step to a StepInfo.
func convertStep(step *domain.Step) StepInfo {
	info := StepInfo{
		Idx:         step.Idx,
		Name:        step.Name,
		Uses:        step.Uses,
		Run:         step.Run,
		State:       step.State.String(),
		Conclusion:  string(step.Conclusion),
		ExitCode:    step.ExitCode,
		Output:      step.Output,
		StartedAt:   step.StartedAt,
		CompletedAt: step.CompletedAt,
	}
	if step.Failure != nil {
		info.Failure = &FailureInfo{
			Message:    step.Failure.Message,
			OccurredAt: step.Failure.OccurredAt,
		}
	}
	return info
}

// convertRunner converts a domain.Runner to a RunnerInfo.
func convertRunner(rn *domain.Runner) RunnerInfo {
	info := RunnerInfo{
		RegistrationID: rn.RegistrationID,
		RunnerID:       rn.ID,
		Labels:         rn.Labels,
		Address:        rn.Address,
		Modes:          make([]string, 0, len(rn.SupportedModes)),
		MaxConcurrent:  rn.MaxConcurrent,
		CurrentLoad:    rn.CurrentLoad,
		RegisteredAt:   rn.RegisteredAt,
		LastHeartbeat:  rn.LastHeartbeat,
		ExpiresAt:      rn.ExpiresAt,
	}
	for _, m := range rn.SupportedModes {
		info.Modes = append(info.Modes, m.String())
	}
	return info
}
