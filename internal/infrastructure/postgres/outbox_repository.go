package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contest-hub/contest-hub/internal/domain/outbox"
)

// OutboxRepository implements outbox.Repository.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) Append(ctx context.Context, e *outbox.Event) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO outbox_events (event_id, type, dedupe_key, payload, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`, e.EventID, e.Type, e.DedupeKey, e.Payload, e.Status, e.CreatedAt).Scan(&e.ID)
	if err == pgx.ErrNoRows {
		return outbox.ErrDuplicate
	}
	return err
}

func (r *OutboxRepository) List(ctx context.Context, filter outbox.Filter, limit, offset int) ([]*outbox.Event, error) {
	query := `SELECT id, event_id, type, dedupe_key, payload, status, created_at FROM outbox_events`
	args := []interface{}{}
	idx := 1
	if filter.Type != nil {
		query += " WHERE type=$" + itoa(idx)
		args = append(args, *filter.Type)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY id LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*outbox.Event
	for rows.Next() {
		var e outbox.Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.Type, &e.DedupeKey, &e.Payload, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

var _ outbox.Repository = (*OutboxRepository)(nil)
