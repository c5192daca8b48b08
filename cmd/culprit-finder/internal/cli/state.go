package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/gantry/culprit/domain"
)

// state is the on-disk record of a search, kept under .culprit-finder/
// in the repository root so an interrupted search can resume.
type state struct {
	ID          string              `json:"id"`
	Repo        string              `json:"repo"`
	GoodRef     string              `json:"good_ref"`
	BadRef      string              `json:"bad_ref"`
	TestCommand string              `json:"test_command"`
	TestTimeout time.Duration       `json:"test_timeout"`
	Config      domain.SearchConfig `json:"config"`
	Commits     []domain.Commit     `json:"commits"`
	WorktreeDir string              `json:"worktree_dir"`
	DBPath      string              `json:"db_path"`

	// Phase is one of created, running, complete, failed.
	Phase string `json:"phase"`

	SearchID    string          `json:"search_id,omitempty"`
	Verdict     *domain.Verdict `json:"verdict,omitempty"`
	TotalTrials int             `json:"total_trials"`
	DoneTrials  int             `json:"done_trials"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const stateDirName = ".culprit-finder"

func stateDir(repo string) string {
	return filepath.Join(repo, stateDirName)
}

func statePath(repo string) string {
	return filepath.Join(stateDir(repo), "state.json")
}

func stateExists(repo string) bool {
	_, err := os.Stat(statePath(repo))
	return err == nil
}

func newState(repo, goodRef, badRef, testCommand string, timeout time.Duration, cfg domain.SearchConfig, commits []domain.Commit) *state {
	now := time.Now()
	return &state{
		ID:          fmt.Sprintf("search-%d", now.Unix()),
		Repo:        repo,
		GoodRef:     goodRef,
		BadRef:      badRef,
		TestCommand: testCommand,
		TestTimeout: timeout,
		Config:      cfg,
		Commits:     commits,
		WorktreeDir: filepath.Join(os.TempDir(), "culprit-finder"),
		DBPath:      filepath.Join(stateDir(repo), "search.db"),
		Phase:       "created",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func loadState(repo string) (*state, error) {
	data, err := os.ReadFile(statePath(repo))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no active search; run 'culprit-finder start' first")
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &s, nil
}

func (s *state) save() error {
	s.UpdatedAt = time.Now()
	if err := os.MkdirAll(stateDir(s.Repo), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(statePath(s.Repo), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
