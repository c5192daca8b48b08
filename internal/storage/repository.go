package storage

import (
	"context"
	"time"

	"github.com/example/gantry/internal/domain"
)

// ListOptions provides filtering options for list operations.
type ListOptions struct {
	// IDs to filter by (empty = all)
	IDs []string

	// Workflow names to filter runs by (empty = all)
	WorkflowNames []string

	// Job names to filter by (empty = all)
	Names []string

	// States to filter by (empty = all)
	RunStates []domain.RunState
	JobStates []domain.JobState

	// Conclusions to filter by (empty = all)
	Conclusions []domain.Conclusion

	// Pagination
	Limit  int
	Offset int
}

// WorkflowRepository provides access to registered workflow definitions.
type WorkflowRepository interface {
	// Create registers a new workflow definition.
	Create(ctx context.Context, wf *domain.Workflow) error

	// Get retrieves a workflow by name.
	Get(ctx context.Context, name string) (*domain.Workflow, error)

	// Update updates an existing workflow definition.
	Update(ctx context.Context, wf *domain.Workflow) error

	// List lists all registered workflows.
	List(ctx context.Context) ([]*domain.Workflow, error)

	// Delete removes a workflow by name.
	Delete(ctx context.Context, name string) error
}

// EventRepository provides access to ingested repository events.
type EventRepository interface {
	// Create stores a new event.
	Create(ctx context.Context, ev *domain.Event) error

	// Get retrieves an event by ID.
	Get(ctx context.Context, id string) (*domain.Event, error)

	// ListRecent lists the most recently received events.
	ListRecent(ctx context.Context, limit int) ([]*domain.Event, error)
}

// RunRepository provides access to Run storage.
type RunRepository interface {
	// Create creates a new Run.
	Create(ctx context.Context, run *domain.Run) error

	// Get retrieves a Run by ID.
	Get(ctx context.Context, id string) (*domain.Run, error)

	// Update updates an existing Run.
	Update(ctx context.Context, run *domain.Run) error

	// List lists Runs with optional filtering, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.Run, error)

	// Delete deletes a Run by ID.
	Delete(ctx context.Context, id string) error
}

// JobRepository provides access to Job storage. Steps are stored with
// their job and loaded in execution order.
type JobRepository interface {
	// Create creates a new Job with its planned steps.
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a Job by Run ID and Job ID.
	Get(ctx context.Context, runID, jobID string) (*domain.Job, error)

	// GetByName retrieves a Job by Run ID and job name.
	GetByName(ctx context.Context, runID, name string) (*domain.Job, error)

	// Update updates an existing Job (not its steps).
	Update(ctx context.Context, job *domain.Job) error

	// UpdateStep updates a single step of a job.
	UpdateStep(ctx context.Context, runID, jobID string, step *domain.Step) error

	// List lists Jobs in a Run with optional filtering.
	List(ctx context.Context, runID string, opts ListOptions) ([]*domain.Job, error)
}

// DependencyRepository provides access to needs edges between jobs.
type DependencyRepository interface {
	// Create creates a new needs edge.
	Create(ctx context.Context, dep *domain.Dependency) error

	// CreateBatch creates multiple needs edges.
	CreateBatch(ctx context.Context, deps []*domain.Dependency) error

	// GetForJob retrieves the edges a job is waiting on.
	GetForJob(ctx context.Context, runID, jobName string) ([]*domain.Dependency, error)

	// GetByPrerequisite retrieves edges blocked on the given job.
	GetByPrerequisite(ctx context.Context, runID, needsJob string) ([]*domain.Dependency, error)

	// GetUnresolvedByPrerequisite retrieves unresolved edges blocked on the given job.
	GetUnresolvedByPrerequisite(ctx context.Context, runID, needsJob string) ([]*domain.Dependency, error)

	// MarkResolved marks an edge as resolved.
	MarkResolved(ctx context.Context, id int64, satisfied bool) error
}

// ExecutionRepository provides access to the job dispatch queue.
type ExecutionRepository interface {
	// Create enqueues a new execution.
	Create(ctx context.Context, exec *domain.JobExecution) error

	// Get retrieves an execution by ID.
	Get(ctx context.Context, executionID string) (*domain.JobExecution, error)

	// GetByJob retrieves the most recent execution for a job.
	GetByJob(ctx context.Context, runID, jobID string) (*domain.JobExecution, error)

	// Update updates an execution.
	Update(ctx context.Context, exec *domain.JobExecution) error

	// GetPending retrieves pending executions for a runner label, oldest first.
	GetPending(ctx context.Context, label string, limit int) ([]*domain.JobExecution, error)

	// ListByRun retrieves all executions belonging to a run.
	ListByRun(ctx context.Context, runID string) ([]*domain.JobExecution, error)

	// MarkDispatched transitions a pending execution to dispatched.
	MarkDispatched(ctx context.Context, executionID, runnerID string) error

	// MarkRunning transitions an execution to running.
	MarkRunning(ctx context.Context, executionID string) error

	// MarkComplete transitions an execution to complete.
	MarkComplete(ctx context.Context, executionID string) error

	// MarkFailed transitions an execution to failed.
	MarkFailed(ctx context.Context, executionID, errorMsg string) error

	// UpdateProgress records which step the runner is on.
	UpdateProgress(ctx context.Context, executionID string, stepIdx int, stepName string) error

	// GetTimedOut retrieves live executions past their deadline.
	GetTimedOut(ctx context.Context) ([]*domain.JobExecution, error)

	// GetStale retrieves dispatched/running executions without recent progress.
	GetStale(ctx context.Context, staleDuration time.Duration) ([]*domain.JobExecution, error)
}

// RunnerRepository provides access to runner registrations.
type RunnerRepository interface {
	// Register stores or refreshes a runner registration.
	Register(ctx context.Context, runner *domain.Runner) error

	// Get retrieves a runner by registration ID.
	Get(ctx context.Context, registrationID string) (*domain.Runner, error)

	// GetByLabel retrieves unexpired runners serving a label, least loaded first.
	GetByLabel(ctx context.Context, label string) ([]*domain.Runner, error)

	// GetAvailable retrieves runners with capacity for the label and mode.
	GetAvailable(ctx context.Context, label string, mode domain.ExecutionMode) ([]*domain.Runner, error)

	// Unregister removes a runner registration.
	Unregister(ctx context.Context, registrationID string) error

	// UpdateHeartbeat refreshes a registration's expiry.
	UpdateHeartbeat(ctx context.Context, registrationID string, newExpiry time.Time) error

	// IncrementLoad bumps a runner's in-flight job count.
	IncrementLoad(ctx context.Context, registrationID string) error

	// DecrementLoad lowers a runner's in-flight job count.
	DecrementLoad(ctx context.Context, registrationID string) error

	// CleanupExpired removes registrations past their TTL.
	CleanupExpired(ctx context.Context) (int, error)

	// List lists all registrations.
	List(ctx context.Context) ([]*domain.Runner, error)
}

// UnitOfWork provides transactional access to all repositories.
type UnitOfWork interface {
	// Repository accessors
	Workflows() WorkflowRepository
	Events() EventRepository
	Runs() RunRepository
	Jobs() JobRepository
	Dependencies() DependencyRepository
	Executions() ExecutionRepository
	Runners() RunnerRepository

	// Transaction control
	Commit() error
	Rollback() error
}

// Storage provides the main entry point for storage operations.
type Storage interface {
	// Begin starts a read transaction and returns a UnitOfWork.
	Begin(ctx context.Context) (UnitOfWork, error)

	// BeginImmediate starts a write transaction that takes the database
	// lock up front instead of upgrading at the first write.
	BeginImmediate(ctx context.Context) (UnitOfWork, error)

	// Close closes the storage connection.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}
