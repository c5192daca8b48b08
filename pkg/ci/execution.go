package ci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// DefaultPollInterval is the wait-loop polling interval for executions
// that do not override it.
const DefaultPollInterval = 50 * time.Millisecond

// RunExecution is a handle on a submitted run. It polls the
// orchestrator; all waits respect context cancellation.
// Thread-safe: can be used from multiple goroutines concurrently.
type RunExecution struct {
	orch         Orchestrator
	runID        string
	workflowName string
	pollInterval time.Duration

	mu     sync.RWMutex
	detail *service.RunDetail // Last detail seen with the run concluded
}

func newRunExecution(orch Orchestrator, run *domain.Run) *RunExecution {
	return &RunExecution{
		orch:         orch,
		runID:        run.ID,
		workflowName: run.WorkflowName,
		pollInterval: DefaultPollInterval,
	}
}

// Attach builds an execution handle for an already submitted run, e.g.
// one triggered by an event rather than a plan.
func Attach(orch Orchestrator, runID string) *RunExecution {
	if runID == "" {
		panic("ci: Attach() called with empty run ID")
	}
	return &RunExecution{
		orch:         orch,
		runID:        runID,
		pollInterval: DefaultPollInterval,
	}
}

// RunID returns the underlying run ID.
func (e *RunExecution) RunID() string { return e.runID }

// WorkflowName returns the workflow the run belongs to. Empty for
// attached handles until the first poll.
func (e *RunExecution) WorkflowName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workflowName
}

// SetPollInterval adjusts the wait-loop polling interval.
func (e *RunExecution) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.pollInterval = d
	e.mu.Unlock()
}

// Status fetches the run's current detail.
func (e *RunExecution) Status(ctx context.Context) (*service.RunDetail, error) {
	detail, err := e.orch.GetRunDetail(ctx, e.runID)
	if err != nil {
		return nil, err
	}
	e.observe(detail)
	return detail, nil
}

// WaitForCompletion blocks until the run concludes and returns its final
// detail. The run's conclusion is not an error: a failed run returns a
// detail whose Run.Conclusion is failure and a nil error.
func (e *RunExecution) WaitForCompletion(ctx context.Context) (*service.RunDetail, error) {
	if d := e.cached(); d != nil {
		return d, nil
	}

	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()

	for {
		detail, err := e.Status(ctx)
		if err != nil {
			return nil, err
		}
		if detail.Run.State.IsFinal() {
			return detail, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForCompletionTimeout is WaitForCompletion bounded by a timeout.
func (e *RunExecution) WaitForCompletionTimeout(ctx context.Context, timeout time.Duration) (*service.RunDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.WaitForCompletion(ctx)
}

// WaitForJob blocks until the named job concludes and returns it. The
// rest of the run may still be in flight.
func (e *RunExecution) WaitForJob(ctx context.Context, jobName string) (*domain.Job, error) {
	if jobName == "" {
		panic("ci: RunExecution.WaitForJob() called with empty job name")
	}

	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()

	for {
		detail, err := e.Status(ctx)
		if err != nil {
			return nil, err
		}

		var found *domain.Job
		for _, job := range detail.Jobs {
			if job.Name == jobName {
				found = job
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("run %s has no job %q", e.runID, jobName)
		}
		if found.State.IsFinal() {
			return found, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// OnCompletion invokes callback in a new goroutine once the run
// concludes or the wait fails.
func (e *RunExecution) OnCompletion(ctx context.Context, callback func(*service.RunDetail, error)) {
	go func() {
		callback(e.WaitForCompletion(ctx))
	}()
}

// Cancel cancels the run.
func (e *RunExecution) Cancel(ctx context.Context) error {
	_, err := e.orch.CancelRun(ctx, e.runID)
	return err
}

// Rerun submits a fresh attempt of the concluded run and returns the
// new execution handle.
func (e *RunExecution) Rerun(ctx context.Context) (*RunExecution, error) {
	run, err := e.orch.RerunRun(ctx, e.runID)
	if err != nil {
		return nil, err
	}
	return newRunExecution(e.orch, run), nil
}

func (e *RunExecution) interval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pollInterval
}

func (e *RunExecution) cached() *service.RunDetail {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.detail
}

func (e *RunExecution) observe(detail *service.RunDetail) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflowName == "" {
		e.workflowName = detail.Run.WorkflowName
	}
	if detail.Run.State.IsFinal() {
		e.detail = detail
	}
}

// WaitAll waits for every execution to conclude. The first wait error
// aborts; run conclusions are inspected by the caller.
func WaitAll(ctx context.Context, execs ...*RunExecution) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(execs))

	for _, e := range execs {
		wg.Add(1)
		go func(exec *RunExecution) {
			defer wg.Done()
			if _, err := exec.WaitForCompletion(ctx); err != nil {
				select {
				case errChan <- err:
				default:
				}
			}
		}(e)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// WaitAny waits until any execution concludes and returns its handle.
func WaitAny(ctx context.Context, execs ...*RunExecution) (*RunExecution, error) {
	resultChan := make(chan *RunExecution, 1)
	errChan := make(chan error, len(execs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, e := range execs {
		go func(exec *RunExecution) {
			if _, err := exec.WaitForCompletion(ctx); err != nil {
				select {
				case errChan <- err:
				default:
				}
			} else {
				select {
				case resultChan <- exec:
					cancel() // Cancel other waiters
				default:
				}
			}
		}(e)
	}

	select {
	case e := <-resultChan:
		return e, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
