package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/example/gantry/culprit/domain"
)

// gitRoot returns the top-level directory of the enclosing repository.
func gitRoot() (string, error) {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("not inside a git repository")
	}
	return strings.TrimSpace(string(out)), nil
}

// resolveRef verifies that ref names a commit in the repository.
func resolveRef(repo, ref string) error {
	cmd := exec.Command("git", "rev-parse", "--verify", ref+"^{commit}")
	cmd.Dir = repo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("unknown ref %q", ref)
	}
	return nil
}

// listCommits returns goodRef..badRef in range order, oldest first.
func listCommits(repo, goodRef, badRef string) ([]domain.Commit, error) {
	cmd := exec.Command("git", "log", "--reverse",
		"--pretty=format:%H%x1f%s%x1f%an", goodRef+".."+badRef)
	cmd.Dir = repo
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log %s..%s: %w", goodRef, badRef, err)
	}

	var commits []domain.Commit
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) != 3 {
			continue
		}
		commits = append(commits, domain.Commit{
			SHA:     fields[0],
			Index:   len(commits),
			Subject: fields[1],
			Author:  fields[2],
		})
	}
	return commits, nil
}
