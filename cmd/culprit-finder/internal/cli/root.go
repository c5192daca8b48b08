// Package cli implements the culprit-finder command line: a git-bisect
// replacement that finds the commits behind a test failure with
// flake-aware non-adaptive group testing.
package cli

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "culprit-finder",
	Short: "Find the commits that broke a test",
	Long: `culprit-finder identifies which commit(s) in a range introduced a test
failure. Unlike git bisect it tolerates flaky tests, finds several
simultaneous culprits, and needs only a logarithmic number of test
runs, executed in parallel.

Typical session:

  culprit-finder start v1.0 HEAD -- make test
  culprit-finder run
  culprit-finder status
  culprit-finder reset`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(startCmd, runCmd, statusCmd, listCmd, resetCmd)
}
