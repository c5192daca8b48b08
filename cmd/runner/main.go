// Command runner is the job runner daemon. It registers with a gantry
// orchestrator, executes dispatched job steps as local processes, and
// reports their exit statuses back.
//
// Usage:
//
//	runner -server localhost:8080 -labels linux,docker -listen :9091
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/gantry/agent"
)

func main() {
	runnerID := flag.String("runner-id", "", "Runner identifier (default: hostname)")
	labels := flag.String("labels", "linux", "Comma-separated labels this runner serves")
	listenAddr := flag.String("listen", ":9091", "Address to listen on for dispatched jobs")
	advertiseAddr := flag.String("advertise", "", "Address the orchestrator dials back (default: derived from -listen)")
	serverURL := flag.String("server", "localhost:8080", "Orchestrator base URL")
	maxConcurrent := flag.Int("max-concurrent", 4, "Maximum concurrent async jobs")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	ttl := flag.Int64("ttl", 120, "Registration TTL in seconds")
	workDir := flag.String("workdir", "", "Base directory for job workspaces (default: system temp)")
	flag.Parse()

	config := agent.DefaultConfig()
	if *runnerID != "" {
		config.RunnerID = *runnerID
	}
	config.Labels = splitLabels(*labels)
	config.ListenAddr = *listenAddr
	config.AdvertiseAddr = *advertiseAddr
	config.ServerURL = *serverURL
	config.MaxConcurrent = *maxConcurrent
	config.HeartbeatInterval = *heartbeat
	config.TTLSeconds = *ttl
	if *workDir != "" {
		config.WorkDir = *workDir
	}

	log.Printf("Starting runner %s", config.RunnerID)

	a := agent.New(config)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err := a.Start(startCtx)
	cancelStart()
	if err != nil {
		log.Fatalf("Failed to start runner: %v", err)
	}

	log.Println("Runner ready. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down runner...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
}

func splitLabels(s string) []string {
	var labels []string
	for _, label := range strings.Split(s, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}
