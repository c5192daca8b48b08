package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/example/gantry/culprit/domain"
)

// FakeMaterializer records Materialize calls without touching git.
type FakeMaterializer struct {
	mu sync.Mutex

	// FailOn maps SHAs to the error returned when any workspace would
	// include them.
	FailOn map[string]error

	// Delay is applied before each Materialize returns.
	Delay time.Duration

	seq        int
	workspaces []*Workspace
}

func NewFakeMaterializer() *FakeMaterializer {
	return &FakeMaterializer{FailOn: make(map[string]error)}
}

func (m *FakeMaterializer) Materialize(ctx context.Context, baseRef string, commits []domain.Commit) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range commits {
		if err, ok := m.FailOn[c.SHA]; ok {
			return nil, err
		}
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.seq++
	ws := &Workspace{
		ID:        fmt.Sprintf("fake-ws-%d", m.seq),
		Dir:       fmt.Sprintf("/fake/ws/%d", m.seq),
		BaseRef:   baseRef,
		Commits:   commits,
		CreatedAt: time.Now().UTC(),
	}
	m.workspaces = append(m.workspaces, ws)
	return ws, nil
}

func (m *FakeMaterializer) Cleanup(ctx context.Context, ws *Workspace) error { return nil }

// Workspaces returns every workspace handed out so far.
func (m *FakeMaterializer) Workspaces() []*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, len(m.workspaces))
	copy(out, m.workspaces)
	return out
}

// FakeTester simulates trial outcomes from a planted culprit set,
// optionally salted with flakes and infra failures.
type FakeTester struct {
	mu sync.Mutex

	culprits  map[string]bool
	flakeRate float64
	infraRate float64
	delay     time.Duration
	seed      int64

	rng     *rand.Rand
	results []domain.TrialResult
}

func NewFakeTester() *FakeTester {
	return &FakeTester{culprits: make(map[string]bool)}
}

// WithCulprits plants guilty SHAs: any workspace containing one fails.
func (t *FakeTester) WithCulprits(shas ...string) *FakeTester {
	for _, sha := range shas {
		t.culprits[sha] = true
	}
	return t
}

// WithFlakeRate sets the probability of an inverted outcome.
func (t *FakeTester) WithFlakeRate(rate float64) *FakeTester {
	t.flakeRate = rate
	return t
}

// WithInfraRate sets the probability of an infra outcome.
func (t *FakeTester) WithInfraRate(rate float64) *FakeTester {
	t.infraRate = rate
	return t
}

// WithSeed fixes the fake's randomness.
func (t *FakeTester) WithSeed(seed int64) *FakeTester {
	t.seed = seed
	return t
}

// WithDelay applies a delay before each Run returns.
func (t *FakeTester) WithDelay(d time.Duration) *FakeTester {
	t.delay = d
	return t
}

func (t *FakeTester) Run(ctx context.Context, ws *Workspace, spec TestSpec) (*domain.TrialResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rng == nil {
		seed := t.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		t.rng = rand.New(rand.NewSource(seed))
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := domain.TrialResult{
		GroupID:  ws.ID,
		Duration: 100 * time.Millisecond,
		At:       time.Now().UTC(),
	}

	if t.infraRate > 0 && t.rng.Float64() < t.infraRate {
		result.Outcome = domain.OutcomeInfra
		result.Logs = "simulated infra failure"
		t.results = append(t.results, result)
		return &result, nil
	}

	guilty := false
	for _, c := range ws.Commits {
		if t.culprits[c.SHA] {
			guilty = true
			break
		}
	}
	result.Outcome = domain.OutcomePass
	if guilty {
		result.Outcome = domain.OutcomeFail
	}
	if t.flakeRate > 0 && t.rng.Float64() < t.flakeRate {
		if result.Outcome == domain.OutcomeFail {
			result.Outcome = domain.OutcomePass
		} else {
			result.Outcome = domain.OutcomeFail
		}
	}
	result.Logs = "test " + result.Outcome.String()

	t.results = append(t.results, result)
	return &result, nil
}

// Results returns every result produced so far.
func (t *FakeTester) Results() []domain.TrialResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.TrialResult, len(t.results))
	copy(out, t.results)
	return out
}
