package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/gantry/culprit/domain"
	"github.com/example/gantry/culprit/runner"
	"github.com/example/gantry/internal/storage/sqlite"
	"github.com/example/gantry/pkg/id"
)

var runFlags struct {
	parallelism int
	progress    bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the active search",
	Long: `Execute the search created by 'culprit-finder start': build the test
matrix, run trials in parallel git worktrees, and decode the results.

Interrupt with Ctrl+C at any point; progress is saved and 'run'
resumes where it stopped.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runFlags.parallelism, "parallelism", 0, "concurrent trials (0 = default)")
	runCmd.Flags().BoolVar(&runFlags.progress, "progress", true, "print progress while trials run")
}

func runRun(cmd *cobra.Command, args []string) error {
	repo, err := gitRoot()
	if err != nil {
		return err
	}
	s, err := loadState(repo)
	if err != nil {
		return err
	}
	if s.Phase == "complete" {
		warn("search already complete")
		if s.Verdict != nil {
			printVerdict(s.Verdict)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupted
		warn("interrupted; progress saved, 'culprit-finder run' resumes")
		cancel()
	}()

	header("Running search " + s.ID)
	info("%d commits (%s..%s), test: %s", len(s.Commits), s.GoodRef, s.BadRef, s.TestCommand)

	store, err := sqlite.New(s.DBPath)
	if err != nil {
		return fmt.Errorf("open search db: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate search db: %w", err)
	}

	materializer := runner.NewWorktreeMaterializer(repo, s.WorktreeDir)
	defer func() {
		if err := materializer.CleanupAll(context.Background()); err != nil {
			warn("worktree cleanup: %v", err)
		}
	}()

	search := runner.NewSearchRunner(store, materializer, runner.NewShellTester(), id.Generate)
	if runFlags.parallelism > 0 {
		search.WithParallelism(runFlags.parallelism)
	}

	session, err := resumeOrStart(ctx, search, s)
	if err != nil {
		return err
	}
	s.SearchID = session.ID
	s.TotalTrials = session.Progress.Trials
	s.Phase = "running"
	if err := s.save(); err != nil {
		return err
	}
	step("executing %d trials", session.Progress.Trials)

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- search.RunLoop(ctx, session.ID) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				if ctx.Err() != nil {
					return nil // interrupted, state already saved
				}
				s.Phase = "failed"
				s.save()
				return fmt.Errorf("search failed: %w", err)
			}
			return finishRun(ctx, search, s, session.ID, time.Since(started))
		case <-ticker.C:
			if !runFlags.progress {
				continue
			}
			if current, err := search.GetSession(ctx, session.ID); err == nil {
				progressBar(current.Progress.Done, current.Progress.Trials)
				s.DoneTrials = current.Progress.Done
				s.save()
			}
		}
	}
}

func resumeOrStart(ctx context.Context, search *runner.SearchRunner, s *state) (*domain.Session, error) {
	if s.SearchID != "" {
		if session, err := search.GetSession(ctx, s.SearchID); err == nil {
			info("resuming search %s", s.SearchID)
			return session, nil
		}
		// In-memory session is gone after a restart; begin again.
	}
	session, err := search.StartSearch(ctx, &runner.SearchRequest{
		Range: domain.Range{
			Repo:    s.Repo,
			BaseRef: s.GoodRef,
			Commits: s.Commits,
		},
		TestCommand: s.TestCommand,
		TestTimeout: s.TestTimeout,
		Config:      s.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("start search: %w", err)
	}
	return session, nil
}

func finishRun(ctx context.Context, search *runner.SearchRunner, s *state, sessionID string, elapsed time.Duration) error {
	verdict, err := search.GetVerdict(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch verdict: %w", err)
	}

	s.Verdict = verdict
	s.Phase = "complete"
	s.DoneTrials = s.TotalTrials
	if err := s.save(); err != nil {
		warn("save results: %v", err)
	}

	header("Verdict")
	info("%d trials in %s", s.TotalTrials, formatDuration(elapsed))
	printVerdict(verdict)
	info("")
	info("clean up with 'culprit-finder reset'")
	return nil
}
