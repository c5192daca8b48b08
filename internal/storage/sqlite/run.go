package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/storage"
)

type runRepo struct {
	tx *sql.Tx
}

func (r *runRepo) Create(ctx context.Context, run *domain.Run) error {
	envJSON, err := json.Marshal(run.Env)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, revision, event_id, attempt, state, conclusion,
			env_json, created_at, started_at, completed_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkflowName, run.Revision, run.EventID, run.Attempt, run.State, run.Conclusion,
		string(envJSON), run.CreatedAt, run.StartedAt, run.CompletedAt, run.UpdatedAt, run.Version)
	return err
}

func (r *runRepo) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, workflow_name, revision, event_id, attempt, state, conclusion,
			env_json, created_at, started_at, completed_at, updated_at, version
		FROM runs WHERE id = ?
	`, id)

	run, err := r.scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return run, err
}

func (r *runRepo) scanRun(row rowScanner) (*domain.Run, error) {
	run := &domain.Run{}
	var envJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.WorkflowName, &run.Revision, &run.EventID, &run.Attempt,
		&run.State, &run.Conclusion, &envJSON, &run.CreatedAt, &startedAt, &completedAt,
		&run.UpdatedAt, &run.Version)
	if err != nil {
		return nil, err
	}

	if envJSON != "" && envJSON != "null" {
		if err := json.Unmarshal([]byte(envJSON), &run.Env); err != nil {
			return nil, err
		}
	}
	if run.Env == nil {
		run.Env = make(map[string]string)
	}

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return run, nil
}

func (r *runRepo) Update(ctx context.Context, run *domain.Run) error {
	envJSON, err := json.Marshal(run.Env)
	if err != nil {
		return err
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, conclusion = ?, env_json = ?, started_at = ?, completed_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, run.State, run.Conclusion, string(envJSON), run.StartedAt, run.CompletedAt,
		run.UpdatedAt, run.ID, run.Version)
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

	run.Version++
	return nil
}

func (r *runRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.Run, error) {
	filter := "1 = 1"
	args := []any{}

	if len(opts.IDs) > 0 {
		placeholders := make([]string, len(opts.IDs))
		for i, id := range opts.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		filter += " AND id IN (" + strings.Join(placeholders, ",") + ")"
	}

	if len(opts.WorkflowNames) > 0 {
		placeholders := make([]string, len(opts.WorkflowNames))
		for i, name := range opts.WorkflowNames {
			placeholders[i] = "?"
			args = append(args, name)
		}
		filter += " AND workflow_name IN (" + strings.Join(placeholders, ",") + ")"
	}

	if len(opts.RunStates) > 0 {
		placeholders := make([]string, len(opts.RunStates))
		for i, state := range opts.RunStates {
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
		SELECT id, workflow_name, revision, event_id, attempt, state, conclusion,
			env_json, created_at, started_at, completed_at, updated_at, version
		FROM runs
		WHERE ` + filter + `
		ORDER BY created_at DESC, id`

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

	var runs []*domain.Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (r *runRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
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
