package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/example/gantry/internal/endpoint"
	"github.com/example/gantry/internal/observability"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/internal/storage/sqlite"
	"github.com/example/gantry/internal/web"
)

// Config holds the server configuration.
type Config struct {
	WebPort         int
	DebugPort       int
	SQLitePath      string
	WorkflowsDir    string
	CallbackAddress string
	SweepInterval   time.Duration
}

func main() {
	cfg := loadConfig()

	// Enable profiling
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)

	metrics := observability.NewMetrics()

	// Start debug server for pprof; metrics are also on the main server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics)
		// pprof endpoints are registered automatically via import
		addr := fmt.Sprintf(":%d", cfg.DebugPort)
		log.Printf("Starting debug server on %s (pprof + metrics)", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Debug server error: %v", err)
		}
	}()

	log.Printf("Initializing SQLite storage at %s", cfg.SQLitePath)
	store, err := sqlite.NewWithMetrics(cfg.SQLitePath, metrics)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	log.Println("Running database migrations...")
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	orchestratorSvc := service.NewOrchestratorWithMetrics(store, metrics)
	runnerSvc := service.NewRunnerService(store)
	callbackSvc := service.NewCallbackService(store, orchestratorSvc)

	dispatcherCfg := service.DefaultDispatcherConfig()
	dispatcherCfg.CallbackAddress = cfg.CallbackAddress
	dispatcher := service.NewDispatcher(store, runnerSvc, orchestratorSvc, dispatcherCfg)
	dispatcher.SetMetrics(metrics)

	// Wire orchestrator to dispatcher for event-driven dispatch
	orchestratorSvc.SetDispatcher(dispatcher)

	var loader *service.LoaderService
	if cfg.WorkflowsDir != "" {
		loader = service.NewLoaderService(orchestratorSvc, cfg.WorkflowsDir)
		log.Printf("Loading workflow definitions from %s", cfg.WorkflowsDir)
		if err := loader.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start workflow loader: %v", err)
		}
	}

	scheduler := service.NewSchedulerService(orchestratorSvc, cfg.SweepInterval)
	scheduler.Start()

	log.Println("Starting dispatcher...")
	dispatcher.Start()

	endpoints := endpoint.MakeEndpoints(orchestratorSvc)

	webAddr := fmt.Sprintf(":%d", cfg.WebPort)
	webServer := web.NewServer(webAddr, endpoints, store,
		web.WithRunnerService(runnerSvc),
		web.WithCallbackService(callbackSvc),
		web.WithMetrics(metrics),
	)

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")

		log.Println("Stopping scheduler...")
		scheduler.Stop()

		if loader != nil {
			log.Println("Stopping workflow loader...")
			loader.Stop()
		}

		log.Println("Stopping dispatcher...")
		dispatcher.Stop()

		store.Close()
		os.Exit(0)
	}()

	log.Printf("Starting Gantry server on %s", webAddr)
	if err := webServer.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func loadConfig() Config {
	cfg := Config{
		WebPort:         8080,
		DebugPort:       6060,
		SQLitePath:      "gantry.db",
		WorkflowsDir:    "",
		CallbackAddress: "localhost:8080",
		SweepInterval:   30 * time.Second,
	}

	// Override from environment
	if port := os.Getenv("WEB_PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.WebPort); err != nil {
			log.Printf("Invalid WEB_PORT, using default: %v", err)
		}
	}

	if port := os.Getenv("DEBUG_PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.DebugPort); err != nil {
			log.Printf("Invalid DEBUG_PORT, using default: %v", err)
		}
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}

	if dir := os.Getenv("WORKFLOWS_DIR"); dir != "" {
		cfg.WorkflowsDir = dir
	}

	if addr := os.Getenv("CALLBACK_ADDRESS"); addr != "" {
		cfg.CallbackAddress = addr
	}

	if d := os.Getenv("SCHEDULE_SWEEP_INTERVAL"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil {
			cfg.SweepInterval = parsed
		} else {
			log.Printf("Invalid SCHEDULE_SWEEP_INTERVAL, using default: %v", err)
		}
	}

	return cfg
}
