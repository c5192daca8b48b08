// Command gantry is the operator CLI: validate workflow files, execute
// them locally, and drive a gantry server (submit runs, feed events,
// watch progress, cancel and rerun).
//
// Usage:
//
//	gantry validate <file>...
//	gantry run [-event push] [-branch main] <file>
//	gantry submit [-server addr] [-watch] <file>
//	gantry event [-server addr] -type push -branch main
//	gantry runs [-server addr] [-workflow name]
//	gantry watch [-server addr] <run-id>
//	gantry cancel [-server addr] <run-id>
//	gantry rerun [-server addr] [-watch] <run-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/gantry/cmd/gantry/progress"
	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
	"github.com/example/gantry/localrun"
	"github.com/example/gantry/pkg/ci"
	"github.com/example/gantry/pkg/id"
	"github.com/example/gantry/pkg/workflow"
)

func main() {
	log.SetFlags(log.Ltime)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Interrupted, stopping...")
		cancel()
	}()

	var code int
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "validate":
		code = cmdValidate(args)
	case "run":
		code = cmdRun(ctx, args)
	case "submit":
		code = cmdSubmit(ctx, args)
	case "event":
		code = cmdEvent(ctx, args)
	case "runs":
		code = cmdRuns(ctx, args)
	case "watch":
		code = cmdWatch(ctx, args)
	case "cancel":
		code = cmdCancel(ctx, args)
	case "rerun":
		code = cmdRerun(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "gantry: unknown command %q\n\n", cmd)
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: gantry <command> [flags] [args]

Commands:
  validate <file>...   Check workflow files and report every finding
  run <file>           Execute a workflow locally, no server needed
  submit <file>        Register and run a workflow on a server
  event                Feed a repository event to a server
  runs                 List recent runs on a server
  watch <run-id>       Follow a run until it concludes
  cancel <run-id>      Cancel a pending or running run
  rerun <run-id>       Start a fresh attempt of a concluded run

Run "gantry <command> -h" for command flags.`)
}

// envFlags collects repeated -env KEY=VALUE flags.
type envFlags map[string]string

func (e envFlags) String() string { return "" }

func (e envFlags) Set(v string) error {
	k, val, found := strings.Cut(v, "=")
	if !found || k == "" {
		return fmt.Errorf("want KEY=VALUE, got %q", v)
	}
	e[k] = val
	return nil
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "gantry validate: no workflow files given")
		return 2
	}

	code := 0
	for _, path := range fs.Args() {
		def, err := workflow.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", path, err)
			code = 1
			continue
		}
		if err := def.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s:\n", path)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(os.Stderr, "    %s\n", line)
			}
			code = 1
			continue
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", path, readErr)
			code = 1
			continue
		}
		fmt.Printf("✓ %s: workflow %q (%d jobs, revision %s)\n",
			path, def.Name, len(def.Jobs), workflow.Revision(data))
	}
	return code
}

func cmdRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	eventType := fs.String("event", "manual", "Synthetic event type: push, pull_request, schedule, manual")
	branch := fs.String("branch", "main", "Branch the synthetic event happens on")
	baseBranch := fs.String("base", "", "Target branch for pull_request events")
	parallel := fs.Int("parallel", 4, "Maximum concurrent jobs (0 = unbounded)")
	workspace := fs.String("workspace", "", "Base directory for job workspaces (default: temp)")
	quiet := fs.Bool("quiet", false, "Only print the final summary")
	env := envFlags{}
	fs.Var(env, "env", "Extra KEY=VALUE for the run env (repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "gantry run: want exactly one workflow file")
		return 2
	}

	def, err := workflow.Load(fs.Arg(0))
	if err != nil {
		log.Printf("Failed to load workflow: %v", err)
		return 1
	}

	ev := domain.NewEvent(id.Generate(), domain.EventType(*eventType))
	if !ev.Type.Valid() {
		log.Printf("Unknown event type %q", *eventType)
		return 2
	}
	ev.Branch = *branch
	ev.Ref = "refs/heads/" + *branch
	ev.BaseBranch = *baseBranch
	if ev.Type == domain.EventPullRequest && ev.BaseBranch == "" {
		ev.BaseBranch = "main"
	}

	if !def.On.Matches(ev) {
		log.Printf("Workflow %q is not triggered by %s on %s; running anyway", def.Name, ev.Type, ev.Branch)
	}

	opts := localrun.Options{
		Event:       ev,
		Env:         env,
		MaxParallel: *parallel,
		Workspace:   *workspace,
	}
	if !*quiet {
		opts.Reporter = &logReporter{}
	}

	start := time.Now()
	result, err := localrun.New(def, opts).Run(ctx)
	if err != nil {
		log.Printf("Run failed: %v", err)
		return 1
	}

	detail := &service.RunDetail{Run: result.Run, Jobs: result.Jobs}
	fmt.Print(progress.RenderResultsSummary(progress.BuildResultsSummary(detail, start)))

	if !result.Passed() {
		return 1
	}
	return 0
}

// logReporter prints per-step progress for local runs.
type logReporter struct{}

func (logReporter) JobStarted(job *domain.Job) {
	log.Printf("[%s] started (%d steps)", job.Name, len(job.Steps))
}

func (logReporter) StepStarted(job *domain.Job, step *domain.Step) {
	log.Printf("[%s] step %d/%d: %s", job.Name, step.Idx, len(job.Steps), stepLabel(step))
}

func (logReporter) StepCompleted(job *domain.Job, step *domain.Step) {
	if step.Conclusion == domain.ConclusionFailure {
		exitCode := 0
		if step.ExitCode != nil {
			exitCode = *step.ExitCode
		}
		log.Printf("[%s] step %d failed (exit %d)", job.Name, step.Idx, exitCode)
	}
}

func (logReporter) JobCompleted(job *domain.Job) {
	log.Printf("[%s] %s", job.Name, job.Conclusion)
}

func stepLabel(step *domain.Step) string {
	if step.Name != "" {
		return step.Name
	}
	if step.Uses != "" {
		return step.Uses
	}
	return step.Run
}

func cmdSubmit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	server := fs.String("server", "localhost:8080", "Server address")
	watch := fs.Bool("watch", false, "Follow the run until it concludes")
	env := envFlags{}
	fs.Var(env, "env", "Extra KEY=VALUE for the run env (repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "gantry submit: want exactly one workflow file")
		return 2
	}
	path := fs.Arg(0)

	source, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Failed to read workflow: %v", err)
		return 1
	}

	remote := ci.NewRemoteOrchestrator(*server)
	wf, err := remote.RegisterWorkflow(ctx, path, source)
	if err != nil {
		log.Printf("Failed to register workflow: %v", err)
		return 1
	}
	log.Printf("Registered workflow %q at revision %s", wf.Name, wf.Revision)

	run, err := remote.SubmitRun(ctx, wf.Name, env)
	if err != nil {
		log.Printf("Failed to submit run: %v", err)
		return 1
	}
	fmt.Printf("Run %s submitted (attempt %d)\n", run.ID, run.Attempt)

	if !*watch {
		return 0
	}
	return watchRun(ctx, remote, run.ID)
}

func cmdEvent(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("event", flag.ExitOnError)
	server := fs.String("server", "localhost:8080", "Server address")
	eventType := fs.String("type", "push", "Event type: push, pull_request, schedule, manual")
	repo := fs.String("repo", "", "Repository the event belongs to")
	branch := fs.String("branch", "main", "Branch the event happens on")
	baseBranch := fs.String("base", "", "Target branch for pull_request events")
	sha := fs.String("sha", "", "Head commit SHA")
	actor := fs.String("actor", "", "User who caused the event")
	fs.Parse(args)

	ev := domain.NewEvent("", domain.EventType(*eventType))
	if !ev.Type.Valid() {
		log.Printf("Unknown event type %q", *eventType)
		return 2
	}
	ev.Repo = *repo
	ev.Branch = *branch
	ev.Ref = "refs/heads/" + *branch
	ev.BaseBranch = *baseBranch
	ev.HeadSHA = *sha
	ev.Actor = *actor

	remote := ci.NewRemoteOrchestrator(*server)
	runs, err := remote.IngestEvent(ctx, ev)
	if err != nil {
		log.Printf("Failed to ingest event: %v", err)
		return 1
	}

	if len(runs) == 0 {
		fmt.Println("Event accepted; no workflow triggered")
		return 0
	}
	for _, run := range runs {
		fmt.Printf("Triggered run %s (workflow %s)\n", run.ID, run.WorkflowName)
	}
	return 0
}

func cmdRuns(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	server := fs.String("server", "localhost:8080", "Server address")
	workflowName := fs.String("workflow", "", "Only runs of this workflow")
	limit := fs.Int("limit", 20, "Maximum runs to list")
	fs.Parse(args)

	remote := ci.NewRemoteOrchestrator(*server)
	runs, err := remote.ListRuns(ctx, *workflowName, *limit)
	if err != nil {
		log.Printf("Failed to list runs: %v", err)
		return 1
	}

	if len(runs) == 0 {
		fmt.Println("No runs")
		return 0
	}
	fmt.Printf("%-26s  %-16s  %-8s  %-9s  %s\n", "RUN", "WORKFLOW", "ATTEMPT", "STATE", "CONCLUSION")
	for _, run := range runs {
		fmt.Printf("%-26s  %-16s  %-8d  %-9s  %s\n",
			run.ID, run.WorkflowName, run.Attempt, run.State, run.Conclusion)
	}
	return 0
}

func cmdWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server := fs.String("server", "localhost:8080", "Server address")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "gantry watch: want exactly one run id")
		return 2
	}
	return watchRun(ctx, ci.NewRemoteOrchestrator(*server), fs.Arg(0))
}

// watchRun polls a run and redraws the job tree until the run
// concludes. Exit code follows the verdict.
func watchRun(ctx context.Context, remote *ci.RemoteOrchestrator, runID string) int {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastRendered string
	for {
		detail, err := remote.GetRunDetail(ctx, runID)
		if err != nil {
			log.Printf("Failed to fetch run: %v", err)
			return 1
		}

		graph := progress.BuildGraph(detail)
		if detail.Run.State.IsFinal() {
			fmt.Print(progress.RenderTree(graph))
			fmt.Print(progress.RenderResultsSummary(progress.BuildResultsSummary(detail, start)))
			if detail.Run.Conclusion == domain.ConclusionSuccess {
				return 0
			}
			return 1
		}

		if rendered := progress.RenderTree(graph) + progress.RenderStateSummary(graph); rendered != lastRendered {
			lastRendered = rendered
			fmt.Print(progress.RenderTree(graph))
			fmt.Println(progress.RenderStateSummary(graph))
		}

		select {
		case <-ctx.Done():
			log.Println("Stopped watching; the run continues on the server")
			return 1
		case <-ticker.C:
		}
	}
}

func cmdCancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := fs.String("server", "localhost:8080", "Server address")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "gantry cancel: want exactly one run id")
		return 2
	}

	remote := ci.NewRemoteOrchestrator(*server)
	run, err := remote.CancelRun(ctx, fs.Arg(0))
	if err != nil {
		log.Printf("Failed to cancel run: %v", err)
		return 1
	}
	fmt.Printf("Run %s cancelled\n", run.ID)
	return 0
}

func cmdRerun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rerun", flag.ExitOnError)
	server := fs.String("server", "localhost:8080", "Server address")
	watch := fs.Bool("watch", false, "Follow the new attempt until it concludes")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "gantry rerun: want exactly one run id")
		return 2
	}

	remote := ci.NewRemoteOrchestrator(*server)
	run, err := remote.RerunRun(ctx, fs.Arg(0))
	if err != nil {
		log.Printf("Failed to rerun: %v", err)
		return 1
	}
	fmt.Printf("Run %s started (attempt %d)\n", run.ID, run.Attempt)

	if !*watch {
		return 0
	}
	return watchRun(ctx, remote, run.ID)
}
