package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/gantry/culprit/domain"
)

var startFlags struct {
	maxCulprits int
	repetitions int
	confidence  float64
	flakeRate   float64
	timeout     time.Duration
	worktreeDir string
	seed        int64
}

var startCmd = &cobra.Command{
	Use:   "start <good-ref> <bad-ref> -- <test-command>",
	Short: "Begin a search between two refs",
	Long: `Begin a culprit search over good-ref..bad-ref. Tests must pass at
good-ref and fail at bad-ref; the test command should exit zero on
pass and non-zero on fail.

Examples:

  culprit-finder start v1.0 HEAD -- make test
  culprit-finder start --repetitions 5 --flake-rate 0.15 main HEAD -- npm test
  culprit-finder start --max-culprits 3 v2.0 HEAD -- go test ./...`,
	Args: cobra.MinimumNArgs(2),
	RunE: runStart,
}

func init() {
	f := startCmd.Flags()
	f.IntVar(&startFlags.maxCulprits, "max-culprits", 2, "largest number of simultaneous culprits to separate")
	f.IntVar(&startFlags.repetitions, "repetitions", 3, "trials per group; raise for flaky tests")
	f.Float64Var(&startFlags.confidence, "confidence", 0.8, "minimum confidence to report a culprit")
	f.Float64Var(&startFlags.flakeRate, "flake-rate", 0.05, "assumed test flake rate")
	f.DurationVar(&startFlags.timeout, "timeout", 10*time.Minute, "per-trial test timeout")
	f.StringVar(&startFlags.worktreeDir, "worktree-dir", "", "directory for git worktrees (default temp dir)")
	f.Int64Var(&startFlags.seed, "seed", 0, "matrix seed for reproducibility (0 = random)")
}

// testCommandArg extracts everything after the -- separator.
func testCommandArg() string {
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			return strings.Join(os.Args[i+1:], " ")
		}
	}
	return ""
}

func runStart(cmd *cobra.Command, args []string) error {
	repo, err := gitRoot()
	if err != nil {
		return err
	}
	if stateExists(repo) {
		return fmt.Errorf("a search is already active; check it with 'culprit-finder status' or discard it with 'culprit-finder reset'")
	}

	goodRef, badRef := args[0], args[1]
	testCommand := testCommandArg()
	if testCommand == "" {
		return fmt.Errorf("test command required after '--', e.g. culprit-finder start main HEAD -- make test")
	}

	header("New search")

	step("resolving refs %s..%s", goodRef, badRef)
	if err := resolveRef(repo, goodRef); err != nil {
		return err
	}
	if err := resolveRef(repo, badRef); err != nil {
		return err
	}

	commits, err := listCommits(repo, goodRef, badRef)
	if err != nil {
		return err
	}
	if len(commits) < 2 {
		return fmt.Errorf("range holds %d commits; need at least 2", len(commits))
	}
	success("%d commits in range", len(commits))

	cfg := domain.SearchConfig{
		MaxCulprits:         startFlags.maxCulprits,
		Repetitions:         startFlags.repetitions,
		ConfidenceThreshold: startFlags.confidence,
		FlakePassRate:       startFlags.flakeRate,
		FlakeFailRate:       startFlags.flakeRate,
		Seed:                startFlags.seed,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s := newState(repo, goodRef, badRef, testCommand, startFlags.timeout, cfg, commits)
	if startFlags.worktreeDir != "" {
		s.WorktreeDir = startFlags.worktreeDir
	}
	if err := s.save(); err != nil {
		return err
	}

	success("search %s created", s.ID)
	info("test command: %s", testCommand)
	info("up to %d culprits, %d repetitions, %.0f%% assumed flake rate",
		cfg.MaxCulprits, cfg.Repetitions, cfg.FlakePassRate*100)
	info("")
	info("next: culprit-finder run")
	return nil
}
