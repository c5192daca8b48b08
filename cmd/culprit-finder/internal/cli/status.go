package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active search",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	repo, err := gitRoot()
	if err != nil {
		return err
	}
	s, err := loadState(repo)
	if err != nil {
		return err
	}

	header("Search " + s.ID)
	info("phase: %s", s.Phase)
	info("range: %s..%s (%d commits)", s.GoodRef, s.BadRef, len(s.Commits))
	info("test command: %s (timeout %s)", s.TestCommand, s.TestTimeout)
	info("config: up to %d culprits, %d repetitions, confidence %.2f, flake rate %.2f",
		s.Config.MaxCulprits, s.Config.Repetitions,
		s.Config.ConfidenceThreshold, s.Config.FlakePassRate)
	info("started %s ago", formatDuration(time.Since(s.CreatedAt)))

	if s.TotalTrials > 0 {
		progressBar(s.DoneTrials, s.TotalTrials)
	}

	switch s.Phase {
	case "created":
		info("")
		info("next: culprit-finder run")
	case "running":
		info("")
		info("resume with 'culprit-finder run' if interrupted")
	case "complete":
		if s.Verdict != nil {
			header("Verdict")
			printVerdict(s.Verdict)
		}
	case "failed":
		warn("search failed; retry with 'culprit-finder run' or discard with 'culprit-finder reset'")
	}
	return nil
}
