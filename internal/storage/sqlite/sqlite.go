package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/gantry/internal/observability"
	"github.com/example/gantry/internal/storage"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db      *sql.DB
	writeDB *sql.DB
	metrics *observability.Metrics
}

// New creates a new SQLite storage instance.
func New(path string) (*SQLiteStorage, error) {
	return NewWithMetrics(path, nil)
}

// NewWithMetrics creates a new SQLite storage instance that records
// transaction timings to the given metrics.
func NewWithMetrics(path string, metrics *observability.Metrics) (*SQLiteStorage, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with single connection for writes
	db.SetMaxIdleConns(1)

	// Separate handle for write transactions. _txlock=immediate takes the
	// write lock at BEGIN instead of upgrading at the first write, which
	// avoids SQLITE_BUSY deadlocks between concurrent writers.
	writeDB, err := sql.Open("sqlite3", dsn+"&_txlock=immediate")
	if err != nil {
		db.Close()
		return nil, err
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	return &SQLiteStorage{db: db, writeDB: writeDB, metrics: metrics}, nil
}

// Begin starts a new read transaction.
func (s *SQLiteStorage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.observeBegin(start)
	return newUnitOfWork(tx, s.metrics), nil
}

// BeginImmediate starts a new write transaction holding the database lock.
func (s *SQLiteStorage) BeginImmediate(ctx context.Context) (storage.UnitOfWork, error) {
	start := time.Now()
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.observeBegin(start)
	return newUnitOfWork(tx, s.metrics), nil
}

func (s *SQLiteStorage) observeBegin(start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.DBTransactionBegin().Observe(time.Since(start))
	s.metrics.DBActiveTransactions().Inc()
}

// Close closes the database connections.
func (s *SQLiteStorage) Close() error {
	werr := s.writeDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return werr
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.writeDB)
}

// unitOfWork implements the UnitOfWork interface.
type unitOfWork struct {
	tx           *sql.Tx
	metrics      *observability.Metrics
	done         bool
	workflows    *workflowRepo
	events       *eventRepo
	runs         *runRepo
	jobs         *jobRepo
	dependencies *dependencyRepo
	executions   *executionRepo
	runners      *runnerRepo
}

func newUnitOfWork(tx *sql.Tx, metrics *observability.Metrics) *unitOfWork {
	return &unitOfWork{
		tx:           tx,
		metrics:      metrics,
		workflows:    &workflowRepo{tx: tx},
		events:       &eventRepo{tx: tx},
		runs:         &runRepo{tx: tx},
		jobs:         &jobRepo{tx: tx},
		dependencies: &dependencyRepo{tx: tx},
		executions:   &executionRepo{tx: tx},
		runners:      &runnerRepo{tx: tx},
	}
}

func (u *unitOfWork) Workflows() storage.WorkflowRepository {
	return u.workflows
}

func (u *unitOfWork) Events() storage.EventRepository {
	return u.events
}

func (u *unitOfWork) Runs() storage.RunRepository {
	return u.runs
}

func (u *unitOfWork) Jobs() storage.JobRepository {
	return u.jobs
}

func (u *unitOfWork) Dependencies() storage.DependencyRepository {
	return u.dependencies
}

func (u *unitOfWork) Executions() storage.ExecutionRepository {
	return u.executions
}

func (u *unitOfWork) Runners() storage.RunnerRepository {
	return u.runners
}

func (u *unitOfWork) Commit() error {
	start := time.Now()
	err := u.tx.Commit()
	if u.metrics != nil && !u.done {
		u.done = true
		u.metrics.DBTransactionCommit().Observe(time.Since(start))
		u.metrics.DBActiveTransactions().Dec()
	}
	return err
}

// Rollback is a no-op after Commit, so the deferred Rollback in the usual
// begin/defer/commit pattern does not skew the active transaction gauge.
func (u *unitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if u.metrics != nil && !u.done {
		u.done = true
		u.metrics.DBActiveTransactions().Dec()
	}
	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so scan helpers
// can serve single-row and multi-row queries alike.
type rowScanner interface {
	Scan(dest ...any) error
}
