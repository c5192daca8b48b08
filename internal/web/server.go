package web

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/example/gantry/internal/endpoint"
	"github.com/example/gantry/internal/observability"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage"
)

//go:embed static/*
var staticFiles embed.FS

// Server is the web HTTP server
type Server struct {
	addr     string
	handlers *Handlers
	metrics  *observability.Metrics
	mux      *http.ServeMux
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithRunnerService enables the runner lifecycle routes.
func WithRunnerService(svc *service.RunnerService) ServerOption {
	return func(s *Server) {
		s.handlers.runners = svc
	}
}

// WithCallbackService enables the runner callback routes.
func WithCallbackService(svc *service.CallbackService) ServerOption {
	return func(s *Server) {
		s.handlers.callbacks = svc
	}
}

// WithMetrics exposes /metrics and instruments the API routes.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a new web server
func NewServer(addr string, endpoints endpoint.Endpoints, store storage.Storage, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		handlers: NewHandlers(endpoints, store),
		mux:      http.NewServeMux(),
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes - trailing slash enables prefix matching for everything under each resource
	s.mux.HandleFunc("/api/workflows/", s.metricsMiddleware("workflows", s.corsMiddleware(s.routeWorkflows)))
	s.mux.HandleFunc("/api/events/", s.metricsMiddleware("events", s.corsMiddleware(s.routeEvents)))
	s.mux.HandleFunc("/api/runs/", s.metricsMiddleware("runs", s.corsMiddleware(s.routeRuns)))
	s.mux.HandleFunc("/api/runners/", s.metricsMiddleware("runners", s.corsMiddleware(s.routeRunners)))
	s.mux.HandleFunc("/api/callbacks/", s.metricsMiddleware("callbacks", s.corsMiddleware(s.routeCallbacks)))

	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}

	// Serve static files for the UI
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Printf("Warning: failed to load static files: %v", err)
		// Create a fallback handler that returns a development message
		s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/" || r.URL.Path == "/index.html" {
				w.Header().Set("Content-Type", "text/html")
				w.Write([]byte(devHTML))
				return
			}
			http.NotFound(w, r)
		})
		return
	}

	fileServer := http.FileServer(http.FS(staticFS))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Add CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")

		// For SPA routing: serve index.html for non-file paths
		path := r.URL.Path
		if path != "/" && !strings.HasPrefix(path, "/api/") {
			// Check if the file exists
			if _, err := fs.Stat(staticFS, strings.TrimPrefix(path, "/")); err != nil {
				// File doesn't exist, serve index.html for client-side routing
				r.URL.Path = "/"
			}
		}
		fileServer.ServeHTTP(w, r)
	})
}

// routeWorkflows routes requests under /api/workflows to the appropriate handler
func (s *Server) routeWorkflows(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/workflows")

	switch {
	case path == "" || path == "/":
		switch r.Method {
		case http.MethodGet:
			s.handlers.ListWorkflows(w, r)
		case http.MethodPost:
			s.handlers.RegisterWorkflow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	default:
		// /api/workflows/:name
		switch r.Method {
		case http.MethodGet:
			s.handlers.GetWorkflow(w, r)
		case http.MethodDelete:
			s.handlers.RemoveWorkflow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// routeEvents routes requests under /api/events to the appropriate handler
func (s *Server) routeEvents(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/events")

	switch {
	case path == "" || path == "/":
		switch r.Method {
		case http.MethodGet:
			s.handlers.ListEvents(w, r)
		case http.MethodPost:
			s.handlers.IngestEvent(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	default:
		// /api/events/:id
		if r.Method == http.MethodGet {
			s.handlers.GetEvent(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// routeRuns routes requests under /api/runs to the appropriate handler
func (s *Server) routeRuns(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs")

	switch {
	case path == "" || path == "/":
		switch r.Method {
		case http.MethodGet:
			s.handlers.ListRuns(w, r)
		case http.MethodPost:
			s.handlers.SubmitRun(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasSuffix(path, "/cancel"):
		// POST /api/runs/:id/cancel
		if r.Method == http.MethodPost {
			s.handlers.CancelRun(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasSuffix(path, "/rerun"):
		// POST /api/runs/:id/rerun
		if r.Method == http.MethodPost {
			s.handlers.RerunRun(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.Contains(path, "/jobs/"):
		// GET /api/runs/:id/jobs/:jobID
		if r.Method == http.MethodGet {
			s.handlers.GetJob(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasSuffix(path, "/jobs"):
		// GET /api/runs/:id/jobs
		if r.Method == http.MethodGet {
			s.handlers.QueryJobs(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	default:
		// /api/runs/:id
		switch r.Method {
		case http.MethodGet:
			s.handlers.GetRunDetail(w, r)
		case http.MethodDelete:
			s.handlers.DeleteRun(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// routeRunners routes requests under /api/runners to the appropriate handler
func (s *Server) routeRunners(w http.ResponseWriter, r *http.Request) {
	if s.handlers.runners == nil {
		http.Error(w, "Runner service not configured", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/runners")

	switch {
	case path == "" || path == "/":
		if r.Method == http.MethodGet {
			s.handlers.ListRunners(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case path == "/register":
		if r.Method == http.MethodPost {
			s.handlers.RegisterRunner(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasPrefix(path, "/heartbeat/"):
		if r.Method == http.MethodPost {
			s.handlers.Heartbeat(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasPrefix(path, "/unregister/"):
		if r.Method == http.MethodPost {
			s.handlers.UnregisterRunner(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	default:
		http.NotFound(w, r)
	}
}

// routeCallbacks routes requests under /api/callbacks to the appropriate handler
func (s *Server) routeCallbacks(w http.ResponseWriter, r *http.Request) {
	if s.handlers.callbacks == nil {
		http.Error(w, "Callback service not configured", http.StatusServiceUnavailable)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/api/callbacks") {
	case "/job-started":
		s.handlers.JobStarted(w, r)
	case "/step-started":
		s.handlers.StepStarted(w, r)
	case "/step-completed":
		s.handlers.StepCompleted(w, r)
	case "/job-completed":
		s.handlers.JobCompleted(w, r)
	default:
		http.NotFound(w, r)
	}
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// metricsMiddleware records request durations per route group
func (s *Server) metricsMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		next(w, r)
		s.metrics.HTTPRequestDuration().WithLabels(route).Observe(time.Since(start))
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting web server on %s", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Development HTML shown when static files are not embedded
const devHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Gantry - Development Mode</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            max-width: 800px;
            margin: 100px auto;
            padding: 20px;
            text-align: center;
            color: #333;
        }
        h1 { color: #2563eb; }
        code {
            background: #f3f4f6;
            padding: 2px 8px;
            border-radius: 4px;
            font-size: 0.9em;
        }
    </style>
</head>
<body>
    <h1>Gantry Web UI</h1>
    <p>The static assets were not embedded in this build.</p>
    <p>The JSON API is still served under <code>/api/</code>.</p>
</body>
</html>
`
