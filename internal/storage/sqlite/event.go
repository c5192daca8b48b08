package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/example/gantry/internal/domain"
)

type eventRepo struct {
	tx *sql.Tx
}

func (r *eventRepo) Create(ctx context.Context, ev *domain.Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO events (id, type, repo, ref, branch, base_branch, head_sha, actor, payload_json, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Type, ev.Repo, ev.Ref, ev.Branch, ev.BaseBranch, ev.HeadSHA, ev.Actor,
		string(payloadJSON), ev.ReceivedAt)
	return err
}

func (r *eventRepo) Get(ctx context.Context, id string) (*domain.Event, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, type, repo, ref, branch, base_branch, head_sha, actor, payload_json, received_at
		FROM events WHERE id = ?
	`, id)

	ev, err := r.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return ev, err
}

func (r *eventRepo) scanEvent(row rowScanner) (*domain.Event, error) {
	ev := &domain.Event{}
	var payloadJSON string

	err := row.Scan(&ev.ID, &ev.Type, &ev.Repo, &ev.Ref, &ev.Branch, &ev.BaseBranch,
		&ev.HeadSHA, &ev.Actor, &payloadJSON, &ev.ReceivedAt)
	if err != nil {
		return nil, err
	}

	if payloadJSON != "" && payloadJSON != "null" {
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, err
		}
	}

	return ev, nil
}

func (r *eventRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Event, error) {
	query := `
		SELECT id, type, repo, ref, branch, base_branch, head_sha, actor, payload_json, received_at
		FROM events
		ORDER BY received_at DESC
	`
	args := []any{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
