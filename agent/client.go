package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/gantry/internal/service"
)

// orchestratorClient calls the orchestrator's JSON API for runner
// lifecycle and job progress callbacks.
type orchestratorClient struct {
	baseURL string
	client  *http.Client
}

func newOrchestratorClient(address string, client *http.Client) *orchestratorClient {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &orchestratorClient{
		baseURL: strings.TrimSuffix(base, "/"),
		client:  client,
	}
}

func (c *orchestratorClient) Register(ctx context.Context, req *service.RegisterRunnerRequest) (*service.RegisterRunnerResponse, error) {
	resp := &service.RegisterRunnerResponse{}
	if _, err := c.post(ctx, "/api/runners/register", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *orchestratorClient) Heartbeat(ctx context.Context, registrationID string, ttlSeconds int64) error {
	body := map[string]int64{"ttlSeconds": ttlSeconds}
	_, err := c.post(ctx, "/api/runners/heartbeat/"+registrationID, body, nil)
	return err
}

func (c *orchestratorClient) Unregister(ctx context.Context, registrationID string) error {
	_, err := c.post(ctx, "/api/runners/unregister/"+registrationID, nil, nil)
	return err
}

func (c *orchestratorClient) JobStarted(ctx context.Context, executionID string) error {
	return c.postCallback(ctx, "/api/callbacks/job-started", &service.JobStartedRequest{
		ExecutionID: executionID,
	})
}

func (c *orchestratorClient) StepStarted(ctx context.Context, executionID string, stepIdx int) error {
	return c.postCallback(ctx, "/api/callbacks/step-started", &service.StepStartedRequest{
		ExecutionID: executionID,
		StepIdx:     stepIdx,
	})
}

func (c *orchestratorClient) StepCompleted(ctx context.Context, executionID string, stepIdx, exitCode int, output string) error {
	return c.postCallback(ctx, "/api/callbacks/step-completed", &service.StepCompletedRequest{
		ExecutionID: executionID,
		StepIdx:     stepIdx,
		ExitCode:    exitCode,
		Output:      output,
	})
}

func (c *orchestratorClient) JobCompleted(ctx context.Context, executionID, errorMessage string) error {
	return c.postCallback(ctx, "/api/callbacks/job-completed", &service.JobCompletedRequest{
		ExecutionID:  executionID,
		ErrorMessage: errorMessage,
	})
}

// postCallback delivers one progress callback with brief retries. An
// async accept races the dispatch transaction commit, so the first
// report can land before the execution row is visible; a retried 404
// covers that window. Conflicts and validation failures are final.
func (c *orchestratorClient) postCallback(ctx context.Context, path string, body any) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		status, err := c.post(ctx, path, body, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if status != 0 && status != http.StatusNotFound {
			return err
		}
	}
	return lastErr
}

// post sends a JSON request and decodes the response into out when it
// is non-nil. The returned status is 0 when the request never reached
// the server.
func (c *orchestratorClient) post(ctx context.Context, path string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 256))
		return httpResp.StatusCode, fmt.Errorf("server returned status %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		return httpResp.StatusCode, json.NewDecoder(httpResp.Body).Decode(out)
	}
	return httpResp.StatusCode, nil
}
