package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// RemoteOrchestrator implements Orchestrator against a live server's
// JSON API.
type RemoteOrchestrator struct {
	baseURL string
	client  *http.Client
}

// NewRemoteOrchestrator creates an Orchestrator that talks to the server
// at addr, e.g. "localhost:8080" or "http://ci.internal:8080".
func NewRemoteOrchestrator(addr string) *RemoteOrchestrator {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &RemoteOrchestrator{
		baseURL: strings.TrimSuffix(base, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Ping checks that the server answers. Used to decide between remote
// and embedded operation.
func (o *RemoteOrchestrator) Ping(ctx context.Context) error {
	return o.do(ctx, http.MethodGet, "/api/workflows/", nil, nil)
}

func (o *RemoteOrchestrator) RegisterWorkflow(ctx context.Context, path string, source []byte) (*domain.Workflow, error) {
	body := map[string]string{"path": path, "source": string(source)}
	var info workflowWire
	if err := o.do(ctx, http.MethodPost, "/api/workflows/", body, &info); err != nil {
		return nil, err
	}
	return info.toDomain(), nil
}

func (o *RemoteOrchestrator) SubmitRun(ctx context.Context, workflowName string, env map[string]string) (*domain.Run, error) {
	body := map[string]any{"workflow": workflowName}
	if len(env) > 0 {
		body["env"] = env
	}
	var run runWire
	if err := o.do(ctx, http.MethodPost, "/api/runs/", body, &run); err != nil {
		return nil, err
	}
	return run.toDomain(), nil
}

func (o *RemoteOrchestrator) GetRunDetail(ctx context.Context, runID string) (*service.RunDetail, error) {
	var detail runDetailWire
	if err := o.do(ctx, http.MethodGet, "/api/runs/"+runID, nil, &detail); err != nil {
		return nil, err
	}

	out := &service.RunDetail{Run: detail.runWire.toDomain()}
	out.Run.Env = detail.Env
	for _, jw := range detail.Jobs {
		out.Jobs = append(out.Jobs, jw.toDomain())
	}
	return out, nil
}

func (o *RemoteOrchestrator) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run runWire
	if err := o.do(ctx, http.MethodPost, "/api/runs/"+runID+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return run.toDomain(), nil
}

func (o *RemoteOrchestrator) RerunRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run runWire
	if err := o.do(ctx, http.MethodPost, "/api/runs/"+runID+"/rerun", nil, &run); err != nil {
		return nil, err
	}
	return run.toDomain(), nil
}

// IngestEvent submits a repository event and returns the runs it
// triggered. Not part of the Orchestrator interface; tools that feed
// events use the remote client directly.
func (o *RemoteOrchestrator) IngestEvent(ctx context.Context, ev *domain.Event) ([]*domain.Run, error) {
	body := map[string]any{
		"type":       string(ev.Type),
		"repo":       ev.Repo,
		"ref":        ev.Ref,
		"branch":     ev.Branch,
		"baseBranch": ev.BaseBranch,
		"headSha":    ev.HeadSHA,
		"actor":      ev.Actor,
	}
	if len(ev.Payload) > 0 {
		body["payload"] = ev.Payload
	}

	var resp struct {
		Runs []runWire `json:"runs"`
	}
	if err := o.do(ctx, http.MethodPost, "/api/events/", body, &resp); err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(resp.Runs))
	for _, rw := range resp.Runs {
		runs = append(runs, rw.toDomain())
	}
	return runs, nil
}

// ListRuns fetches recent runs, newest first, optionally filtered by
// workflow name. Not part of the Orchestrator interface.
func (o *RemoteOrchestrator) ListRuns(ctx context.Context, workflowName string, limit int) ([]*domain.Run, error) {
	q := url.Values{}
	if workflowName != "" {
		q.Set("workflow", workflowName)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/runs/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Runs []runWire `json:"runs"`
	}
	if err := o.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(resp.Runs))
	for _, rw := range resp.Runs {
		runs = append(runs, rw.toDomain())
	}
	return runs, nil
}

// do sends a JSON request and decodes the response into out when it is
// non-nil. Error statuses map back to the domain sentinels the server
// mapped them from, so errors.Is works the same against local and
// remote orchestrators.
func (o *RemoteOrchestrator) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		msg := strings.TrimSpace(string(snippet))
		if sentinel := statusToError(resp.StatusCode); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, msg)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func statusToError(status int) error {
	switch status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrInvalidArgument
	case http.StatusConflict:
		return domain.ErrInvalidState
	case http.StatusServiceUnavailable:
		return domain.ErrRunnerUnavailable
	default:
		return nil
	}
}

// Wire mirrors of the server's JSON DTOs, with conversion back to
// domain types.

type workflowWire struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Revision  string    `json:"revision"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (w workflowWire) toDomain() *domain.Workflow {
	return &domain.Workflow{
		Name:      w.Name,
		Path:      w.Path,
		Revision:  w.Revision,
		Raw:       []byte(w.Source),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

type runWire struct {
	ID           string     `json:"id"`
	WorkflowName string     `json:"workflowName"`
	Revision     string     `json:"revision"`
	EventID      string     `json:"eventId"`
	Attempt      int        `json:"attempt"`
	State        string     `json:"state"`
	Conclusion   string     `json:"conclusion"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
}

func (w runWire) toDomain() *domain.Run {
	return &domain.Run{
		ID:           w.ID,
		WorkflowName: w.WorkflowName,
		Revision:     w.Revision,
		EventID:      w.EventID,
		Attempt:      w.Attempt,
		State:        parseRunState(w.State),
		Conclusion:   domain.Conclusion(w.Conclusion),
		CreatedAt:    w.CreatedAt,
		StartedAt:    w.StartedAt,
		CompletedAt:  w.CompletedAt,
	}
}

type runDetailWire struct {
	runWire
	Env  map[string]string `json:"env"`
	Jobs []jobWire         `json:"jobs"`
}

type jobWire struct {
	ID          string            `json:"id"`
	RunID       string            `json:"runId"`
	Name        string            `json:"name"`
	RunsOn      string            `json:"runsOn"`
	Needs       []string          `json:"needs"`
	Env         map[string]string `json:"env"`
	State       string            `json:"state"`
	Conclusion  string            `json:"conclusion"`
	Steps       []stepWire        `json:"steps"`
	StartedAt   *time.Time        `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt"`
}

func (w jobWire) toDomain() *domain.Job {
	job := &domain.Job{
		ID:          w.ID,
		RunID:       w.RunID,
		Name:        w.Name,
		RunsOn:      w.RunsOn,
		Needs:       w.Needs,
		Env:         w.Env,
		State:       parseJobState(w.State),
		Conclusion:  domain.Conclusion(w.Conclusion),
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
	}
	for _, sw := range w.Steps {
		job.Steps = append(job.Steps, sw.toDomain())
	}
	return job
}

type stepWire struct {
	Idx         int        `json:"idx"`
	Name        string     `json:"name"`
	Uses        string     `json:"uses"`
	Run         string     `json:"run"`
	State       string     `json:"state"`
	Conclusion  string     `json:"conclusion"`
	ExitCode    *int       `json:"exitCode"`
	Output      string     `json:"output"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

func (w stepWire) toDomain() domain.Step {
	return domain.Step{
		Idx:         w.Idx,
		Name:        w.Name,
		Uses:        w.Uses,
		Run:         w.Run,
		State:       parseStepState(w.State),
		Conclusion:  domain.Conclusion(w.Conclusion),
		ExitCode:    w.ExitCode,
		Output:      w.Output,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
	}
}

func parseRunState(s string) domain.RunState {
	switch s {
	case "PENDING":
		return domain.RunStatePending
	case "RUNNING":
		return domain.RunStateRunning
	case "COMPLETE":
		return domain.RunStateComplete
	default:
		return domain.RunStateUnknown
	}
}

func parseJobState(s string) domain.JobState {
	switch s {
	case "PENDING":
		return domain.JobStatePending
	case "QUEUED":
		return domain.JobStateQueued
	case "RUNNING":
		return domain.JobStateRunning
	case "COMPLETE":
		return domain.JobStateComplete
	default:
		return domain.JobStateUnknown
	}
}

func parseStepState(s string) domain.StepState {
	switch s {
	case "PENDING":
		return domain.StepStatePending
	case "RUNNING":
		return domain.StepStateRunning
	case "COMPLETE":
		return domain.StepStateComplete
	default:
		return domain.StepStateUnknown
	}
}
