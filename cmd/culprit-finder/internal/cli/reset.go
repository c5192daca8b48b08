package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the active search and its data",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "skip the confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	repo, err := gitRoot()
	if err != nil {
		return err
	}
	if !stateExists(repo) {
		info("no active search")
		return nil
	}

	if s, err := loadState(repo); err == nil {
		info("search %s (%s), %d commits", s.ID, s.Phase, len(s.Commits))
	}
	if !resetForce && !confirm("Discard this search and all its results?") {
		info("kept")
		return nil
	}

	if err := os.RemoveAll(stateDir(repo)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove search data: %w", err)
	}
	success("search discarded")
	return nil
}
