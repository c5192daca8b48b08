package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/example/gantry/internal/domain"
)

type runnerRepo struct {
	tx *sql.Tx
}

func (r *runnerRepo) Register(ctx context.Context, runner *domain.Runner) error {
	labelsJSON, err := json.Marshal(runner.Labels)
	if err != nil {
		return err
	}

	modesJSON, err := json.Marshal(runner.SupportedModes)
	if err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(runner.Metadata)
	if err != nil {
		return err
	}

	// Use INSERT OR REPLACE to update existing registration
	_, err = r.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runners (
			registration_id, id, labels_json, address, supported_modes_json,
			max_concurrent, current_load, metadata_json, registered_at, last_heartbeat, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runner.RegistrationID, runner.ID, string(labelsJSON), runner.Address,
		string(modesJSON), runner.MaxConcurrent, runner.CurrentLoad,
		string(metadataJSON), runner.RegisteredAt, runner.LastHeartbeat, runner.ExpiresAt)
	return err
}

func (r *runnerRepo) Get(ctx context.Context, registrationID string) (*domain.Runner, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT registration_id, id, labels_json, address, supported_modes_json,
			max_concurrent, current_load, metadata_json, registered_at, last_heartbeat, expires_at
		FROM runners WHERE registration_id = ?
	`, registrationID)

	runner, err := r.scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return runner, err
}

func (r *runnerRepo) scanRunner(row rowScanner) (*domain.Runner, error) {
	runner := &domain.Runner{}
	var labelsJSON, modesJSON, metadataJSON string

	err := row.Scan(&runner.RegistrationID, &runner.ID, &labelsJSON, &runner.Address,
		&modesJSON, &runner.MaxConcurrent, &runner.CurrentLoad,
		&metadataJSON, &runner.RegisteredAt, &runner.LastHeartbeat, &runner.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &runner.Labels); err != nil {
			return nil, err
		}
	}

	if modesJSON != "" {
		if err := json.Unmarshal([]byte(modesJSON), &runner.SupportedModes); err != nil {
			return nil, err
		}
	}

	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &runner.Metadata); err != nil {
			return nil, err
		}
	}
	if runner.Metadata == nil {
		runner.Metadata = make(map[string]string)
	}

	return runner, nil
}

func (r *runnerRepo) GetByLabel(ctx context.Context, label string) ([]*domain.Runner, error) {
	// Labels are stored as a JSON array; json_each unpacks them for matching
	rows, err := r.tx.QueryContext(ctx, `
		SELECT registration_id, id, labels_json, address, supported_modes_json,
			max_concurrent, current_load, metadata_json, registered_at, last_heartbeat, expires_at
		FROM runners
		WHERE expires_at > datetime('now')
			AND EXISTS (SELECT 1 FROM json_each(runners.labels_json) WHERE json_each.value = ?)
		ORDER BY current_load ASC
	`, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []*domain.Runner
	for rows.Next() {
		runner, err := r.scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}

	return runners, rows.Err()
}

func (r *runnerRepo) GetAvailable(ctx context.Context, label string, mode domain.ExecutionMode) ([]*domain.Runner, error) {
	runners, err := r.GetByLabel(ctx, label)
	if err != nil {
		return nil, err
	}

	// Filter by capacity and mode support
	now := time.Now().UTC()
	var available []*domain.Runner
	for _, runner := range runners {
		if runner.Available(now) && runner.SupportsMode(mode) {
			available = append(available, runner)
		}
	}

	return available, nil
}

func (r *runnerRepo) Unregister(ctx context.Context, registrationID string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM runners WHERE registration_id = ?`, registrationID)
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

func (r *runnerRepo) UpdateHeartbeat(ctx context.Context, registrationID string, newExpiry time.Time) error {
	now := time.Now().UTC()
	result, err := r.tx.ExecContext(ctx, `
		UPDATE runners SET last_heartbeat = ?, expires_at = ? WHERE registration_id = ?
	`, now, newExpiry, registrationID)
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

func (r *runnerRepo) IncrementLoad(ctx context.Context, registrationID string) error {
	_, err := r.tx.ExecContext(ctx, `
		UPDATE runners SET current_load = current_load + 1 WHERE registration_id = ?
	`, registrationID)
	return err
}

func (r *runnerRepo) DecrementLoad(ctx context.Context, registrationID string) error {
	_, err := r.tx.ExecContext(ctx, `
		UPDATE runners SET current_load = CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END WHERE registration_id = ?
	`, registrationID)
	return err
}

func (r *runnerRepo) CleanupExpired(ctx context.Context) (int, error) {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM runners WHERE expires_at < datetime('now')`)
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rows), nil
}

func (r *runnerRepo) List(ctx context.Context) ([]*domain.Runner, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT registration_id, id, labels_json, address, supported_modes_json,
			max_concurrent, current_load, metadata_json, registered_at, last_heartbeat, expires_at
		FROM runners
		ORDER BY id, current_load ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []*domain.Runner
	for rows.Next() {
		runner, err := r.scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}

	return runners, rows.Err()
}
