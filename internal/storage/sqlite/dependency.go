package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/gantry/internal/domain"
)

type dependencyRepo struct {
	tx *sql.Tx
}

func (r *dependencyRepo) Create(ctx context.Context, dep *domain.Dependency) error {
	result, err := r.tx.ExecContext(ctx, `
		INSERT INTO dependencies (run_id, job_name, needs_job, resolved, satisfied, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, dep.RunID, dep.JobName, dep.NeedsJob, dep.Resolved, dep.Satisfied, dep.ResolvedAt)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	dep.ID = id
	return nil
}

func (r *dependencyRepo) CreateBatch(ctx context.Context, deps []*domain.Dependency) error {
	for _, dep := range deps {
		if err := r.Create(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r *dependencyRepo) GetForJob(ctx context.Context, runID, jobName string) ([]*domain.Dependency, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_name, needs_job, resolved, satisfied, resolved_at
		FROM dependencies
		WHERE run_id = ? AND job_name = ?
	`, runID, jobName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanDependencies(rows)
}

func (r *dependencyRepo) GetByPrerequisite(ctx context.Context, runID, needsJob string) ([]*domain.Dependency, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_name, needs_job, resolved, satisfied, resolved_at
		FROM dependencies
		WHERE run_id = ? AND needs_job = ?
	`, runID, needsJob)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanDependencies(rows)
}

func (r *dependencyRepo) GetUnresolvedByPrerequisite(ctx context.Context, runID, needsJob string) ([]*domain.Dependency, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_name, needs_job, resolved, satisfied, resolved_at
		FROM dependencies
		WHERE run_id = ? AND needs_job = ? AND resolved = FALSE
	`, runID, needsJob)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanDependencies(rows)
}

func (r *dependencyRepo) scanDependencies(rows *sql.Rows) ([]*domain.Dependency, error) {
	var deps []*domain.Dependency
	for rows.Next() {
		dep := &domain.Dependency{}
		var satisfied sql.NullBool
		var resolvedAt sql.NullTime

		err := rows.Scan(&dep.ID, &dep.RunID, &dep.JobName, &dep.NeedsJob,
			&dep.Resolved, &satisfied, &resolvedAt)
		if err != nil {
			return nil, err
		}

		if satisfied.Valid {
			dep.Satisfied = &satisfied.Bool
		}
		if resolvedAt.Valid {
			dep.ResolvedAt = &resolvedAt.Time
		}

		deps = append(deps, dep)
	}

	return deps, rows.Err()
}

func (r *dependencyRepo) MarkResolved(ctx context.Context, id int64, satisfied bool) error {
	now := time.Now().UTC()
	_, err := r.tx.ExecContext(ctx, `
		UPDATE dependencies
		SET resolved = TRUE, satisfied = ?, resolved_at = ?
		WHERE id = ?
	`, satisfied, now, id)
	return err
}
