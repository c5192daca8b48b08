package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/endpoint"
	"github.com/example/gantry/internal/observability"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage/sqlite"
)

const testWorkflow = `
name: build-test
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: linux
    steps:
      - name: compile
        run: make build
      - name: unit tests
        run: make test
`

// testEnv provides a minimal test environment for web tests.
type testEnv struct {
	storage      *sqlite.SQLiteStorage
	orchestrator *service.OrchestratorService
	runners      *service.RunnerService
	server       *Server
	dbPath       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	metrics := observability.NewMetrics()

	// Create temp database
	tmpDir := os.TempDir()
	dbPath := filepath.Join(tmpDir, "gantry_web_test_"+t.Name()+".db")
	os.Remove(dbPath)
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	storage, err := sqlite.NewWithMetrics(dbPath, metrics)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := storage.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	orchestrator := service.NewOrchestratorWithMetrics(storage, metrics)
	runners := service.NewRunnerService(storage)
	callbacks := service.NewCallbackService(storage, orchestrator)

	server := NewServer(":0", endpoint.MakeEndpoints(orchestrator), storage,
		WithRunnerService(runners),
		WithCallbackService(callbacks),
		WithMetrics(metrics),
	)

	return &testEnv{
		storage:      storage,
		orchestrator: orchestrator,
		runners:      runners,
		server:       server,
		dbPath:       dbPath,
	}
}

func (e *testEnv) cleanup() {
	e.storage.Close()
	if e.dbPath != "" {
		os.Remove(e.dbPath)
		os.Remove(e.dbPath + "-wal")
		os.Remove(e.dbPath + "-shm")
	}
}

// submitRun registers the test workflow and plans one run of it.
func (e *testEnv) submitRun(t *testing.T) *domain.Run {
	t.Helper()
	ctx := context.Background()

	if _, err := e.orchestrator.RegisterWorkflow(ctx, &service.RegisterWorkflowRequest{
		Path:   "build-test.yml",
		Source: []byte(testWorkflow),
	}); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}

	run, err := e.orchestrator.SubmitRun(ctx, &service.SubmitRunRequest{WorkflowName: "build-test"})
	if err != nil {
		t.Fatalf("failed to submit run: %v", err)
	}
	return run
}

// TestAPIRouting verifies that all API routes are correctly matched and
// that nested paths do not fall through to the static file handler.
func TestAPIRouting(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	run := env.submitRun(t)

	detail, err := env.orchestrator.GetRunDetail(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run detail: %v", err)
	}
	if len(detail.Jobs) == 0 {
		t.Fatal("planned run has no jobs")
	}
	jobID := detail.Jobs[0].ID

	tests := []struct {
		name          string
		method        string
		path          string
		body          string
		wantStatus    int
		wantJSONField string // field that should exist in JSON response
		allowRedirect bool   // whether 301 redirect is acceptable
	}{
		{
			name:          "list workflows - trailing slash",
			method:        http.MethodGet,
			path:          "/api/workflows/",
			wantStatus:    http.StatusOK,
			wantJSONField: "workflows",
		},
		{
			name:          "list workflows - no trailing slash redirects",
			method:        http.MethodGet,
			path:          "/api/workflows",
			wantStatus:    http.StatusMovedPermanently,
			allowRedirect: true,
		},
		{
			name:          "get workflow by name",
			method:        http.MethodGet,
			path:          "/api/workflows/build-test",
			wantStatus:    http.StatusOK,
			wantJSONField: "revision",
		},
		{
			name:       "get nonexistent workflow",
			method:     http.MethodGet,
			path:       "/api/workflows/nonexistent",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "delete workflow wrong method",
			method:     http.MethodPost,
			path:       "/api/workflows/build-test",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:          "list runs",
			method:        http.MethodGet,
			path:          "/api/runs/",
			wantStatus:    http.StatusOK,
			wantJSONField: "runs",
		},
		{
			name:          "get run detail",
			method:        http.MethodGet,
			path:          "/api/runs/" + run.ID,
			wantStatus:    http.StatusOK,
			wantJSONField: "jobs",
		},
		{
			name:          "list run jobs",
			method:        http.MethodGet,
			path:          "/api/runs/" + run.ID + "/jobs",
			wantStatus:    http.StatusOK,
			wantJSONField: "jobs",
		},
		{
			name:          "get job by ID",
			method:        http.MethodGet,
			path:          "/api/runs/" + run.ID + "/jobs/" + jobID,
			wantStatus:    http.StatusOK,
			wantJSONField: "steps",
		},
		{
			name:       "get nonexistent run",
			method:     http.MethodGet,
			path:       "/api/runs/nonexistent",
			wantStatus: http.StatusNotFound,
		},
		{
			name:          "submit run over HTTP",
			method:        http.MethodPost,
			path:          "/api/runs/",
			body:          `{"workflow": "build-test"}`,
			wantStatus:    http.StatusOK,
			wantJSONField: "id",
		},
		{
			name:       "submit run for unknown workflow",
			method:     http.MethodPost,
			path:       "/api/runs/",
			body:       `{"workflow": "nonexistent"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:          "cancel run",
			method:        http.MethodPost,
			path:          "/api/runs/" + run.ID + "/cancel",
			wantStatus:    http.StatusOK,
			wantJSONField: "conclusion",
		},
		{
			name:          "list events",
			method:        http.MethodGet,
			path:          "/api/events/",
			wantStatus:    http.StatusOK,
			wantJSONField: "events",
		},
		{
			name:          "ingest event",
			method:        http.MethodPost,
			path:          "/api/events/",
			body:          `{"type": "push", "repo": "example/app", "branch": "main", "ref": "refs/heads/main"}`,
			wantStatus:    http.StatusOK,
			wantJSONField: "runs",
		},
		{
			name:       "ingest event with bad type",
			method:     http.MethodPost,
			path:       "/api/events/",
			body:       `{"type": "gerrit", "repo": "example/app"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:          "list runners",
			method:        http.MethodGet,
			path:          "/api/runners/",
			wantStatus:    http.StatusOK,
			wantJSONField: "runners",
		},
		{
			name:          "register runner",
			method:        http.MethodPost,
			path:          "/api/runners/register",
			body:          `{"runnerId": "runner-1", "labels": ["linux"], "address": "localhost:9999"}`,
			wantStatus:    http.StatusOK,
			wantJSONField: "registrationId",
		},
		{
			name:       "callback for unknown execution",
			method:     http.MethodPost,
			path:       "/api/callbacks/job-started",
			body:       `{"executionId": "nonexistent"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown callback path",
			method:     http.MethodPost,
			path:       "/api/callbacks/job-paused",
			body:       `{}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "metrics exposition",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			rr := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				if tt.allowRedirect && rr.Code == http.StatusMovedPermanently {
					// Check redirect location
					loc := rr.Header().Get("Location")
					if loc != tt.path+"/" {
						t.Errorf("redirect to wrong location: got %s, want %s", loc, tt.path+"/")
					}
					return
				}
				t.Errorf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
				return
			}

			if tt.wantJSONField != "" {
				var result map[string]any
				if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
					t.Errorf("response is not valid JSON: %v; body: %s", err, rr.Body.String())
					return
				}
				if _, ok := result[tt.wantJSONField]; !ok {
					t.Errorf("response missing field %q: %s", tt.wantJSONField, rr.Body.String())
				}
			}
		})
	}
}

// TestNestedJobRoute pins down that /api/runs/{id}/jobs/{jobID} is served
// by the API handler rather than the static file fallback.
func TestNestedJobRoute(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	run := env.submitRun(t)

	detail, err := env.orchestrator.GetRunDetail(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run detail: %v", err)
	}
	if len(detail.Jobs) == 0 {
		t.Fatal("planned run has no jobs")
	}
	job := detail.Jobs[0]

	jobPath := "/api/runs/" + run.ID + "/jobs/" + job.ID
	req := httptest.NewRequest(http.MethodGet, jobPath, nil)
	rr := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("GET %s: status = %d, want %d; body: %s", jobPath, rr.Code, http.StatusOK, rr.Body.String())
	}

	contentType := rr.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("GET %s: Content-Type = %q, want %q", jobPath, contentType, "application/json")
	}

	var info JobInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("GET %s: response is not valid JobInfo JSON: %v", jobPath, err)
	}

	if info.ID != job.ID {
		t.Errorf("GET %s: id = %q, want %q", jobPath, info.ID, job.ID)
	}
	if info.Name != "build" {
		t.Errorf("GET %s: name = %q, want %q", jobPath, info.Name, "build")
	}
	if len(info.Steps) != 2 {
		t.Errorf("GET %s: len(steps) = %d, want 2", jobPath, len(info.Steps))
	}
}

// TestRunnerLifecycleRoutes drives register, heartbeat, list, and
// unregister through the HTTP surface.
func TestRunnerLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		rr := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rr, req)
		return rr
	}

	rr := post("/api/runners/register",
		`{"runnerId": "runner-1", "labels": ["linux"], "address": "localhost:9999", "supportedModes": ["sync", "async"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("register: status = %d; body: %s", rr.Code, rr.Body.String())
	}

	var reg service.RegisterRunnerResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &reg); err != nil {
		t.Fatalf("register: invalid response JSON: %v", err)
	}
	if reg.RegistrationID == "" {
		t.Fatal("register: empty registration ID")
	}

	rr = post("/api/runners/heartbeat/"+reg.RegistrationID, `{"ttlSeconds": 60}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("heartbeat: status = %d; body: %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runners/", nil)
	lrr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(lrr, req)
	if lrr.Code != http.StatusOK {
		t.Fatalf("list: status = %d; body: %s", lrr.Code, lrr.Body.String())
	}
	var list ListRunnersResponse
	if err := json.Unmarshal(lrr.Body.Bytes(), &list); err != nil {
		t.Fatalf("list: invalid response JSON: %v", err)
	}
	if len(list.Runners) != 1 || list.Runners[0].RunnerID != "runner-1" {
		t.Fatalf("list: unexpected runners: %+v", list.Runners)
	}

	rr = post("/api/runners/unregister/"+reg.RegistrationID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unregister: status = %d; body: %s", rr.Code, rr.Body.String())
	}

	// Heartbeats for a gone registration surface as not found
	rr = post("/api/runners/heartbeat/"+reg.RegistrationID, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("heartbeat after unregister: status = %d, want %d; body: %s",
			rr.Code, http.StatusNotFound, rr.Body.String())
	}
}
