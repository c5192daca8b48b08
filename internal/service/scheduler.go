package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/gantry/pkg/workflow"
)

// SchedulerService fires scheduled workflow runs. It sweeps the registry
// periodically, tracks the next due time for every cron entry, and
// submits a run when one comes due. Registry edits and removals are
// picked up on the next sweep; a freshly registered schedule seeds
// forward and never fires for times already in the past.
type SchedulerService struct {
	orchestrator *OrchestratorService
	interval     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	next map[scheduleKey]time.Time
}

type scheduleKey struct {
	workflow string
	cron     string
}

// NewSchedulerService creates a scheduler that sweeps at the given
// interval. A non-positive interval defaults to 30 seconds.
func NewSchedulerService(orchestrator *OrchestratorService, interval time.Duration) *SchedulerService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SchedulerService{
		orchestrator: orchestrator,
		interval:     interval,
		stopCh:       make(chan struct{}),
		next:         make(map[scheduleKey]time.Time),
	}
}

// Start begins the scheduler loop.
func (s *SchedulerService) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the scheduler loop.
func (s *SchedulerService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *SchedulerService) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Sweep(context.Background(), now)
		}
	}
}

// Sweep walks the registry, fires workflows whose schedule came due, and
// reseeds next-due times for new or edited entries.
func (s *SchedulerService) Sweep(ctx context.Context, now time.Time) {
	workflows, err := s.orchestrator.ListWorkflows(ctx)
	if err != nil {
		log.Printf("scheduler: failed to list workflows: %v", err)
		return
	}

	live := make(map[scheduleKey]bool)
	due := make(map[string]bool)

	for _, wf := range workflows {
		def, err := workflow.Parse(wf.Raw)
		if err != nil {
			// Registration validates definitions, so this is unexpected
			continue
		}
		for _, spec := range def.On.Schedule {
			sched, err := cron.ParseStandard(spec.Cron)
			if err != nil {
				continue
			}
			key := scheduleKey{workflow: wf.Name, cron: spec.Cron}
			live[key] = true

			s.mu.Lock()
			nextAt, known := s.next[key]
			if !known {
				s.next[key] = sched.Next(now)
				s.mu.Unlock()
				continue
			}
			fire := !nextAt.After(now)
			if fire {
				s.next[key] = sched.Next(now)
			}
			s.mu.Unlock()

			if fire {
				due[wf.Name] = true
			}
		}
	}

	// Drop entries whose workflow or schedule went away
	s.mu.Lock()
	for key := range s.next {
		if !live[key] {
			delete(s.next, key)
		}
	}
	s.mu.Unlock()

	for name := range due {
		run, err := s.orchestrator.TriggerScheduled(ctx, name)
		if err != nil {
			log.Printf("scheduler: failed to trigger workflow %s: %v", name, err)
			continue
		}
		log.Printf("scheduler: triggered run %s for workflow %s", run.ID, name)
	}
}
