package sqlite

import (
	"context"
	"database/sql"

	"github.com/example/gantry/internal/domain"
)

type workflowRepo struct {
	tx *sql.Tx
}

func (r *workflowRepo) Create(ctx context.Context, wf *domain.Workflow) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, path, revision, raw, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, wf.ID, wf.Name, wf.Path, wf.Revision, wf.Raw, wf.CreatedAt, wf.UpdatedAt, wf.Version)
	return err
}

func (r *workflowRepo) Get(ctx context.Context, name string) (*domain.Workflow, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, name, path, revision, raw, created_at, updated_at, version
		FROM workflows WHERE name = ?
	`, name)

	wf, err := r.scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return wf, err
}

func (r *workflowRepo) scanWorkflow(row rowScanner) (*domain.Workflow, error) {
	wf := &domain.Workflow{}
	var path sql.NullString

	err := row.Scan(&wf.ID, &wf.Name, &path, &wf.Revision, &wf.Raw,
		&wf.CreatedAt, &wf.UpdatedAt, &wf.Version)
	if err != nil {
		return nil, err
	}

	if path.Valid {
		wf.Path = path.String
	}

	return wf, nil
}

func (r *workflowRepo) Update(ctx context.Context, wf *domain.Workflow) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE workflows
		SET path = ?, revision = ?, raw = ?, updated_at = ?, version = version + 1
		WHERE name = ? AND version = ?
	`, wf.Path, wf.Revision, wf.Raw, wf.UpdatedAt, wf.Name, wf.Version)
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

	wf.Version++
	return nil
}

func (r *workflowRepo) List(ctx context.Context) ([]*domain.Workflow, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, name, path, revision, raw, created_at, updated_at, version
		FROM workflows
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*domain.Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}

	return workflows, rows.Err()
}

func (r *workflowRepo) Delete(ctx context.Context, name string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
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
