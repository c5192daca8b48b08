package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/storage"
)

type jobRepo struct {
	tx *sql.Tx
}

func (r *jobRepo) Create(ctx context.Context, job *domain.Job) error {
	needsJSON, err := json.Marshal(job.Needs)
	if err != nil {
		return err
	}

	envJSON, err := json.Marshal(job.Env)
	if err != nil {
		return err
	}

	depsJSON, err := json.Marshal(job.Dependencies)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO jobs (id, run_id, name, runs_on, needs_json, env_json, timeout_minutes,
			state, conclusion, dependencies_json, execution_mode,
			created_at, started_at, completed_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RunID, job.Name, job.RunsOn, string(needsJSON), string(envJSON),
		job.TimeoutMinutes, job.State, job.Conclusion, string(depsJSON), job.ExecutionMode,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt, job.Version)
	if err != nil {
		return err
	}

	for i := range job.Steps {
		if err := r.insertStep(ctx, job.RunID, job.ID, &job.Steps[i]); err != nil {
			return err
		}
	}

	return nil
}

func (r *jobRepo) insertStep(ctx context.Context, runID, jobID string, step *domain.Step) error {
	withJSON, err := json.Marshal(step.With)
	if err != nil {
		return err
	}

	envJSON, err := json.Marshal(step.Env)
	if err != nil {
		return err
	}

	var exitCode sql.NullInt64
	if step.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*step.ExitCode), Valid: true}
	}

	var startedAt, completedAt sql.NullTime
	if step.StartedAt != nil {
		startedAt = sql.NullTime{Time: *step.StartedAt, Valid: true}
	}
	if step.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *step.CompletedAt, Valid: true}
	}

	var failureMessage sql.NullString
	var failureAt sql.NullTime
	if step.Failure != nil {
		failureMessage = sql.NullString{String: step.Failure.Message, Valid: true}
		failureAt = sql.NullTime{Time: step.Failure.OccurredAt, Valid: true}
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO steps (idx, run_id, job_id, name, uses, run_cmd, shell, working_dir,
			with_json, env_json, if_expr, state, conclusion, exit_code, output,
			started_at, completed_at, failure_message, failure_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.Idx, runID, jobID, step.Name, step.Uses, step.Run, step.Shell, step.WorkingDir,
		string(withJSON), string(envJSON), step.If, step.State, step.Conclusion, exitCode,
		step.Output, startedAt, completedAt, failureMessage, failureAt)
	return err
}

func (r *jobRepo) Get(ctx context.Context, runID, jobID string) (*domain.Job, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, run_id, name, runs_on, needs_json, env_json, timeout_minutes,
			state, conclusion, dependencies_json, execution_mode,
			created_at, started_at, completed_at, updated_at, version
		FROM jobs WHERE run_id = ? AND id = ?
	`, runID, jobID)

	job, err := r.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Load steps
	steps, err := r.loadSteps(ctx, runID, job.ID)
	if err != nil {
		return nil, err
	}
	job.Steps = steps

	return job, nil
}

func (r *jobRepo) GetByName(ctx context.Context, runID, name string) (*domain.Job, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, run_id, name, runs_on, needs_json, env_json, timeout_minutes,
			state, conclusion, dependencies_json, execution_mode,
			created_at, started_at, completed_at, updated_at, version
		FROM jobs WHERE run_id = ? AND name = ?
	`, runID, name)

	job, err := r.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	steps, err := r.loadSteps(ctx, runID, job.ID)
	if err != nil {
		return nil, err
	}
	job.Steps = steps

	return job, nil
}

func (r *jobRepo) scanJob(row rowScanner) (*domain.Job, error) {
	job := &domain.Job{}
	var needsJSON, envJSON, depsJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.RunID, &job.Name, &job.RunsOn, &needsJSON, &envJSON,
		&job.TimeoutMinutes, &job.State, &job.Conclusion, &depsJSON, &job.ExecutionMode,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt, &job.Version)
	if err != nil {
		return nil, err
	}

	if needsJSON != "" && needsJSON != "null" {
		if err := json.Unmarshal([]byte(needsJSON), &job.Needs); err != nil {
			return nil, err
		}
	}

	if envJSON != "" && envJSON != "null" {
		if err := json.Unmarshal([]byte(envJSON), &job.Env); err != nil {
			return nil, err
		}
	}
	if job.Env == nil {
		job.Env = make(map[string]string)
	}

	if depsJSON != "" && depsJSON != "null" {
		if err := json.Unmarshal([]byte(depsJSON), &job.Dependencies); err != nil {
			return nil, err
		}
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return job, nil
}

func (r *jobRepo) loadSteps(ctx context.Context, runID, jobID string) ([]domain.Step, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT idx, name, uses, run_cmd, shell, working_dir, with_json, env_json, if_expr,
			state, conclusion, exit_code, output, started_at, completed_at, failure_message, failure_at
		FROM steps WHERE run_id = ? AND job_id = ?
		ORDER BY idx
	`, runID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

func (r *jobRepo) scanStep(row rowScanner) (domain.Step, error) {
	var step domain.Step
	var withJSON, envJSON string
	var exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime
	var failureMessage sql.NullString
	var failureAt sql.NullTime

	err := row.Scan(&step.Idx, &step.Name, &step.Uses, &step.Run, &step.Shell, &step.WorkingDir,
		&withJSON, &envJSON, &step.If, &step.State, &step.Conclusion, &exitCode, &step.Output,
		&startedAt, &completedAt, &failureMessage, &failureAt)
	if err != nil {
		return step, err
	}

	if withJSON != "" && withJSON != "null" {
		if err := json.Unmarshal([]byte(withJSON), &step.With); err != nil {
			return step, err
		}
	}

	if envJSON != "" && envJSON != "null" {
		if err := json.Unmarshal([]byte(envJSON), &step.Env); err != nil {
			return step, err
		}
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		step.ExitCode = &code
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	if failureMessage.Valid && failureAt.Valid {
		step.Failure = &domain.Failure{
			Message:    failureMessage.String,
			OccurredAt: failureAt.Time,
		}
	}

	return step, nil
}

func (r *jobRepo) Update(ctx context.Context, job *domain.Job) error {
	envJSON, err := json.Marshal(job.Env)
	if err != nil {
		return err
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, conclusion = ?, env_json = ?, started_at = ?, completed_at = ?,
			updated_at = ?, version = version + 1
		WHERE run_id = ? AND id = ? AND version = ?
	`, job.State, job.Conclusion, string(envJSON), job.StartedAt, job.CompletedAt,
		job.UpdatedAt, job.RunID, job.ID, job.Version)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrConcurrentModify
	}

	job.Version++
	return nil
}

func (r *jobRepo) UpdateStep(ctx context.Context, runID, jobID string, step *domain.Step) error {
	var exitCode sql.NullInt64
	if step.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*step.ExitCode), Valid: true}
	}

	var startedAt, completedAt sql.NullTime
	if step.StartedAt != nil {
		startedAt = sql.NullTime{Time: *step.StartedAt, Valid: true}
	}
	if step.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *step.CompletedAt, Valid: true}
	}

	var failureMessage sql.NullString
	var failureAt sql.NullTime
	if step.Failure != nil {
		failureMessage = sql.NullString{String: step.Failure.Message, Valid: true}
		failureAt = sql.NullTime{Time: step.Failure.OccurredAt, Valid: true}
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE steps
		SET state = ?, conclusion = ?, exit_code = ?, output = ?, started_at = ?,
			completed_at = ?, failure_message = ?, failure_at = ?
		WHERE run_id = ? AND job_id = ? AND idx = ?
	`, step.State, step.Conclusion, exitCode, step.Output, startedAt,
		completedAt, failureMessage, failureAt, runID, jobID, step.Idx)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (r *jobRepo) List(ctx context.Context, runID string, opts storage.ListOptions) ([]*domain.Job, error) {
	filter := "run_id = ?"
	args := []any{runID}

	if len(opts.IDs) > 0 {
		placeholders := make([]string, len(opts.IDs))
		for i, id := range opts.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		filter += " AND id IN (" + strings.Join(placeholders, ",") + ")"
	}

	if len(opts.Names) > 0 {
		placeholders := make([]string, len(opts.Names))
		for i, name := range opts.Names {
			placeholders[i] = "?"
			args = append(args, name)
		}
		filter += " AND name IN (" + strings.Join(placeholders, ",") + ")"
	}

	if len(opts.JobStates) > 0 {
		placeholders := make([]string, len(opts.JobStates))
		for i, state := range opts.JobStates {
			placeholders[i] = "?"
			args = append(args, state)
		}
		filter += " AND state IN (" + strings.Join(placeholders, ",") + ")"
	}

	if len(opts.Conclusions) > 0 {
		placeholders := make([]string, len(opts.Conclusions))
		for i, conclusion := range opts.Conclusions {
			placeholders[i] = "?"
			args = append(args, conclusion)
		}
		filter += " AND conclusion IN (" + strings.Join(placeholders, ",") + ")"
	}

	query := `
		SELECT id, run_id, name, runs_on, needs_json, env_json, timeout_minutes,
			state, conclusion, dependencies_json, execution_mode,
			created_at, started_at, completed_at, updated_at, version
		FROM jobs
		WHERE ` + filter + `
		ORDER BY created_at, id`

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*domain.Job)
	var jobs []*domain.Job
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		byID[job.ID] = job
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return jobs, nil
	}

	// Load all steps for the run in one query instead of one per job
	stepRows, err := r.tx.QueryContext(ctx, `
		SELECT job_id, idx, name, uses, run_cmd, shell, working_dir, with_json, env_json, if_expr,
			state, conclusion, exit_code, output, started_at, completed_at, failure_message, failure_at
		FROM steps WHERE run_id = ?
		ORDER BY job_id, idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer stepRows.Close()

	for stepRows.Next() {
		var jobID string
		var step domain.Step
		var withJSON, envJSON string
		var exitCode sql.NullInt64
		var startedAt, completedAt sql.NullTime
		var failureMessage sql.NullString
		var failureAt sql.NullTime

		err := stepRows.Scan(&jobID, &step.Idx, &step.Name, &step.Uses, &step.Run, &step.Shell,
			&step.WorkingDir, &withJSON, &envJSON, &step.If, &step.State, &step.Conclusion,
			&exitCode, &step.Output, &startedAt, &completedAt, &failureMessage, &failureAt)
		if err != nil {
			return nil, err
		}

		job, ok := byID[jobID]
		if !ok {
			// Step belongs to a job excluded by the filter
			continue
		}

		if withJSON != "" && withJSON != "null" {
			if err := json.Unmarshal([]byte(withJSON), &step.With); err != nil {
				return nil, err
			}
		}
		if envJSON != "" && envJSON != "null" {
			if err := json.Unmarshal([]byte(envJSON), &step.Env); err != nil {
				return nil, err
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			step.ExitCode = &code
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		if failureMessage.Valid && failureAt.Valid {
			step.Failure = &domain.Failure{
				Message:    failureMessage.String,
				OccurredAt: failureAt.Time,
			}
		}

		job.Steps = append(job.Steps, step)
	}

	return jobs, stepRows.Err()
}
