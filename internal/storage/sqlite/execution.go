package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/gantry/internal/domain"
)

type executionRepo struct {
	tx *sql.Tx
}

func (r *executionRepo) Create(ctx context.Context, exec *domain.JobExecution) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO job_executions (
			id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.RunID, exec.JobID, exec.Label, exec.ExecutionMode, exec.State, exec.RunnerID,
		exec.DispatchedAt, exec.StartedAt, exec.CompletedAt, exec.Deadline, exec.LastProgressAt,
		exec.CurrentStep, exec.CurrentStepID, exec.ErrorMessage, exec.CreatedAt, exec.UpdatedAt)
	return err
}

func (r *executionRepo) Get(ctx context.Context, executionID string) (*domain.JobExecution, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		FROM job_executions WHERE id = ?
	`, executionID)

	exec, err := r.scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return exec, err
}

func (r *executionRepo) GetByJob(ctx context.Context, runID, jobID string) (*domain.JobExecution, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		FROM job_executions WHERE run_id = ? AND job_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, runID, jobID)

	exec, err := r.scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return exec, err
}

func (r *executionRepo) scanExecution(row rowScanner) (*domain.JobExecution, error) {
	exec := &domain.JobExecution{}
	var runnerID sql.NullString
	var dispatchedAt, startedAt, completedAt, deadline, lastProgressAt sql.NullTime
	var currentStepName, errorMessage sql.NullString

	err := row.Scan(&exec.ID, &exec.RunID, &exec.JobID, &exec.Label, &exec.ExecutionMode,
		&exec.State, &runnerID, &dispatchedAt, &startedAt, &completedAt, &deadline,
		&lastProgressAt, &exec.CurrentStep, &currentStepName, &errorMessage,
		&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if runnerID.Valid {
		exec.RunnerID = runnerID.String
	}
	if dispatchedAt.Valid {
		exec.DispatchedAt = &dispatchedAt.Time
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if deadline.Valid {
		exec.Deadline = &deadline.Time
	}
	if lastProgressAt.Valid {
		exec.LastProgressAt = &lastProgressAt.Time
	}
	if currentStepName.Valid {
		exec.CurrentStepID = currentStepName.String
	}
	if errorMessage.Valid {
		exec.ErrorMessage = errorMessage.String
	}

	return exec, nil
}

func (r *executionRepo) Update(ctx context.Context, exec *domain.JobExecution) error {
	exec.UpdatedAt = time.Now().UTC()
	_, err := r.tx.ExecContext(ctx, `
		UPDATE job_executions SET
			state = ?, runner_id = ?, dispatched_at = ?, started_at = ?, completed_at = ?,
			deadline = ?, last_progress_at = ?, current_step = ?, current_step_name = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?
	`, exec.State, exec.RunnerID, exec.DispatchedAt, exec.StartedAt, exec.CompletedAt,
		exec.Deadline, exec.LastProgressAt, exec.CurrentStep, exec.CurrentStepID,
		exec.ErrorMessage, exec.UpdatedAt, exec.ID)
	return err
}

func (r *executionRepo) GetPending(ctx context.Context, label string, limit int) ([]*domain.JobExecution, error) {
	query := `
		SELECT id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		FROM job_executions
		WHERE state = ? AND label = ?
		ORDER BY created_at ASC
	`
	args := []any{domain.ExecutionStatePending, label}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanExecutions(rows)
}

func (r *executionRepo) ListByRun(ctx context.Context, runID string) ([]*domain.JobExecution, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		FROM job_executions
		WHERE run_id = ?
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanExecutions(rows)
}

func (r *executionRepo) scanExecutions(rows *sql.Rows) ([]*domain.JobExecution, error) {
	var executions []*domain.JobExecution
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (r *executionRepo) MarkDispatched(ctx context.Context, executionID string, runnerID string) error {
	now := time.Now().UTC()
	result, err := r.tx.ExecContext(ctx, `
		UPDATE job_executions SET state = ?, runner_id = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, domain.ExecutionStateDispatched, runnerID, now, now, executionID, domain.ExecutionStatePending)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInvalidState
	}

	return nil
}

func (r *executionRepo) MarkRunning(ctx context.Context, executionID string) error {
	now := time.Now().UTC()
	result, err := r.tx.ExecContext(ctx, `
		UPDATE job_executions SET state = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`, domain.ExecutionStateRunning, now, now, executionID, domain.ExecutionStatePending, domain.ExecutionStateDispatched)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInvalidState
	}

	return nil
}

func (r *executionRepo) MarkComplete(ctx context.Context, executionID string) error {
	now := time.Now().UTC()
	_, err := r.tx.ExecContext(ctx, `
		UPDATE job_executions SET state = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, domain.ExecutionStateComplete, now, now, executionID)
	return err
}

func (r *executionRepo) MarkFailed(ctx context.Context, executionID string, errorMsg string) error {
	now := time.Now().UTC()
	_, err := r.tx.ExecContext(ctx, `
		UPDATE job_executions SET state = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, domain.ExecutionStateFailed, errorMsg, now, now, executionID)
	return err
}

func (r *executionRepo) UpdateProgress(ctx context.Context, executionID string, stepIdx int, stepName string) error {
	now := time.Now().UTC()
	_, err := r.tx.ExecContext(ctx, `
		UPDATE job_executions SET current_step = ?, current_step_name = ?, last_progress_at = ?, updated_at = ?
		WHERE id = ?
	`, stepIdx, stepName, now, now, executionID)
	return err
}

func (r *executionRepo) GetTimedOut(ctx context.Context) ([]*domain.JobExecution, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		FROM job_executions
		WHERE deadline IS NOT NULL AND deadline < datetime('now') AND state NOT IN (?, ?, ?)
	`, domain.ExecutionStateComplete, domain.ExecutionStateFailed, domain.ExecutionStateCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanExecutions(rows)
}

func (r *executionRepo) GetStale(ctx context.Context, staleDuration time.Duration) ([]*domain.JobExecution, error) {
	staleTime := time.Now().UTC().Add(-staleDuration)
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_id, label, execution_mode, state, runner_id,
			dispatched_at, started_at, completed_at, deadline, last_progress_at,
			current_step, current_step_name, error_message, created_at, updated_at
		FROM job_executions
		WHERE state IN (?, ?) AND (
			(last_progress_at IS NOT NULL AND last_progress_at < ?) OR
			(last_progress_at IS NULL AND dispatched_at IS NOT NULL AND dispatched_at < ?)
		)
	`, domain.ExecutionStateDispatched, domain.ExecutionStateRunning, staleTime, staleTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanExecutions(rows)
}
