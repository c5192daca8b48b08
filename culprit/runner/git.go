package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/gantry/culprit/domain"
)

// WorktreeMaterializer materializes groups as detached git worktrees
// with the group's commits cherry-picked onto the base ref.
type WorktreeMaterializer struct {
	repo    string
	baseDir string

	mu     sync.Mutex
	seq    int
	active map[string]string // workspace ID -> worktree dir
}

// NewWorktreeMaterializer creates a materializer for the repository
// at repo. Worktrees land under dir; empty dir uses the system temp
// directory.
func NewWorktreeMaterializer(repo, dir string) *WorktreeMaterializer {
	if dir == "" {
		dir = os.TempDir()
	}
	return &WorktreeMaterializer{
		repo:    repo,
		baseDir: dir,
		active:  make(map[string]string),
	}
}

// Materialize adds a detached worktree at baseRef and cherry-picks
// the commits in range order. The picks use --no-commit so the tree
// holds the combined state without new history.
func (m *WorktreeMaterializer) Materialize(ctx context.Context, baseRef string, commits []domain.Commit) (*Workspace, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("culprit-ws-%d-%d", time.Now().Unix(), m.seq)
	m.mu.Unlock()

	dir := filepath.Join(m.baseDir, id)
	if err := m.git(ctx, m.repo, "worktree", "add", "--detach", dir, baseRef); err != nil {
		return nil, fmt.Errorf("worktree add: %w", err)
	}

	ordered := make([]domain.Commit, len(commits))
	copy(ordered, commits)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for _, c := range ordered {
		if err := m.git(ctx, dir, "cherry-pick", "--no-commit", c.SHA); err != nil {
			m.remove(ctx, dir)
			if strings.Contains(err.Error(), "conflict") {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrMaterializationFailed, c.SHA, err)
			}
			return nil, fmt.Errorf("cherry-pick %s: %w", c.SHA, err)
		}
	}

	m.mu.Lock()
	m.active[id] = dir
	m.mu.Unlock()

	return &Workspace{
		ID:        id,
		Dir:       dir,
		BaseRef:   baseRef,
		Commits:   commits,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Cleanup removes the workspace's worktree. Cleaning an already
// removed workspace is a no-op.
func (m *WorktreeMaterializer) Cleanup(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	dir, ok := m.active[ws.ID]
	delete(m.active, ws.ID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.remove(ctx, dir)
}

// CleanupAll removes every worktree this materializer still tracks.
func (m *WorktreeMaterializer) CleanupAll(ctx context.Context) error {
	m.mu.Lock()
	dirs := make([]string, 0, len(m.active))
	for _, dir := range m.active {
		dirs = append(dirs, dir)
	}
	m.active = make(map[string]string)
	m.mu.Unlock()

	var lastErr error
	for _, dir := range dirs {
		if err := m.remove(ctx, dir); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *WorktreeMaterializer) remove(ctx context.Context, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree dir: %w", err)
	}
	if err := m.git(ctx, m.repo, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}

func (m *WorktreeMaterializer) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ShellTester runs the test command through a shell in the workspace
// directory.
type ShellTester struct {
	// Shell defaults to /bin/sh -c.
	Shell    string
	ShellArg string
}

// NewShellTester creates a ShellTester with the default shell.
func NewShellTester() *ShellTester {
	return &ShellTester{Shell: "/bin/sh", ShellArg: "-c"}
}

// Run executes the command and maps its exit status onto an outcome:
// success is PASS, a non-zero exit is FAIL, and a cancelled or
// timed-out context is INFRA.
func (t *ShellTester) Run(ctx context.Context, ws *Workspace, spec TestSpec) (*domain.TrialResult, error) {
	dir := spec.Dir
	if dir == "" {
		dir = ws.Dir
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	shell, arg := t.Shell, t.ShellArg
	if shell == "" {
		shell = "/bin/sh"
	}
	if arg == "" {
		arg = "-c"
	}

	cmd := exec.CommandContext(ctx, shell, arg, spec.Command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()

	result := &domain.TrialResult{
		GroupID:  ws.ID,
		Duration: time.Since(start),
		Logs:     string(out),
		At:       time.Now().UTC(),
	}
	switch {
	case ctx.Err() != nil:
		result.Outcome = domain.OutcomeInfra
		result.Logs = fmt.Sprintf("trial aborted: %v\n%s", ctx.Err(), result.Logs)
	case err != nil:
		result.Outcome = domain.OutcomeFail
	default:
		result.Outcome = domain.OutcomePass
	}
	return result, nil
}
