package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contest-hub/contest-hub/internal/domain/postpone"
)

const postponeColumns = `id, user_id, round, duration_seconds, cost, status, created_at, closed_at`

// PostponeRepository implements postpone.Repository.
type PostponeRepository struct {
	pool *pgxpool.Pool
}

func NewPostponeRepository(pool *pgxpool.Pool) *PostponeRepository {
	return &PostponeRepository{pool: pool}
}

func (r *PostponeRepository) GetOpenByUser(ctx context.Context, userID int64) (*postpone.Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postponeColumns+` FROM postpone_requests
		WHERE user_id=$1 AND status=$2`, userID, postpone.StatusOpen)
	req, err := scanPostpone(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (r *PostponeRepository) CreateWithDebit(ctx context.Context, req *postpone.Request) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if req.Cost > 0 {
		if err := credit(ctx, tx, req.UserID, -req.Cost); err != nil {
			return err
		}
	}
	req.Status = postpone.StatusOpen
	err = tx.QueryRow(ctx, `
		INSERT INTO postpone_requests (user_id, round, duration_seconds, cost, status, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		RETURNING id, created_at
	`, req.UserID, req.Round, int64(req.Duration/time.Second), req.Cost, req.Status).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %d already has an open request: %w", req.UserID, err)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostponeRepository) CountOpenUsers(ctx context.Context, round int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM postpone_requests WHERE status=$1 AND round=$2
	`, postpone.StatusOpen, round).Scan(&count)
	return count, err
}

func (r *PostponeRepository) ListOpen(ctx context.Context) ([]*postpone.Request, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postponeColumns+` FROM postpone_requests
		WHERE status=$1 ORDER BY id`, postpone.StatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*postpone.Request
	for rows.Next() {
		req, err := scanPostpone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Close moves the still-open requests among ids to status and optionally
// refunds them, all in one transaction.
func (r *PostponeRepository) Close(ctx context.Context, ids []int64, status postpone.Status, refund bool) error {
	if status == postpone.StatusOpen {
		return postpone.ErrInvalidTransition
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := closeRequests(ctx, tx, ids, status, refund); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostponeRepository) Apply(ctx context.Context, chosen *postpone.Request, discarded []int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE postpone_requests SET status=$1, closed_at=NOW()
		WHERE id=$2 AND status=$3
	`, postpone.StatusClosedSatisfied, chosen.ID, postpone.StatusOpen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %d: %w", chosen.ID, postpone.ErrInvalidTransition)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE system_state
		SET next_deadline = COALESCE(next_deadline, NOW()) + ($1::bigint * INTERVAL '1 microsecond'), updated_at=NOW()
		WHERE id = 1
	`, chosen.Duration.Microseconds()); err != nil {
		return err
	}
	if len(discarded) > 0 {
		if err := closeRequests(ctx, tx, discarded, postpone.StatusClosedDiscarded, true); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func closeRequests(ctx context.Context, tx pgx.Tx, ids []int64, status postpone.Status, refund bool) error {
	rows, err := tx.Query(ctx, `
		UPDATE postpone_requests SET status=$1, closed_at=NOW()
		WHERE id = ANY($2) AND status=$3
		RETURNING user_id, cost
	`, status, ids, postpone.StatusOpen)
	if err != nil {
		return err
	}
	type refundRow struct {
		userID int64
		cost   int64
	}
	var refunds []refundRow
	for rows.Next() {
		var rr refundRow
		if err := rows.Scan(&rr.userID, &rr.cost); err != nil {
			rows.Close()
			return err
		}
		refunds = append(refunds, rr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if !refund {
		return nil
	}
	for _, rr := range refunds {
		if rr.cost == 0 {
			continue
		}
		if err := credit(ctx, tx, rr.userID, rr.cost); err != nil {
			return fmt.Errorf("refund user %d: %w", rr.userID, err)
		}
	}
	return nil
}

func scanPostpone(row pgx.Row) (*postpone.Request, error) {
	var (
		req     postpone.Request
		seconds int64
	)
	if err := row.Scan(&req.ID, &req.UserID, &req.Round, &seconds, &req.Cost, &req.Status, &req.CreatedAt, &req.ClosedAt); err != nil {
		return nil, err
	}
	req.Duration = time.Duration(seconds) * time.Second
	return &req, nil
}

var _ postpone.Repository = (*PostponeRepository)(nil)
