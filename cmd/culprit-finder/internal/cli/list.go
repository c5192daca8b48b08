package cli

import (
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the commits under search",
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "show at most n commits (0 = all)")
}

func runList(cmd *cobra.Command, args []string) error {
	repo, err := gitRoot()
	if err != nil {
		return err
	}
	s, err := loadState(repo)
	if err != nil {
		return err
	}

	guilty := make(map[string]bool)
	if s.Verdict != nil {
		for _, c := range s.Verdict.Culprits {
			guilty[c.Commit.SHA] = true
		}
	}

	header("Commits " + s.GoodRef + ".." + s.BadRef)
	shown := len(s.Commits)
	if listLimit > 0 && listLimit < shown {
		shown = listLimit
	}
	for _, c := range s.Commits[:shown] {
		printCommit(c, guilty[c.SHA])
	}
	if shown < len(s.Commits) {
		info("… and %d more", len(s.Commits)-shown)
	}
	return nil
}
