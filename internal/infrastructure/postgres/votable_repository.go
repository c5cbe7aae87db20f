package postgres

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
)

const votableColumns = `id, kind, author_id, round,
	container_chat_id, container_message_id, source_chat_id, source_message_id,
	forward_chat_id, forward_message_id, text, consolidated_votes, created_at`

// VotableRepository implements votable.Repository. A votable is open while
// consolidated_votes is NULL.
type VotableRepository struct {
	pool *pgxpool.Pool
}

func NewVotableRepository(pool *pgxpool.Pool) *VotableRepository {
	return &VotableRepository{pool: pool}
}

func (r *VotableRepository) Create(ctx context.Context, v *votable.Votable) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO votables
		(kind, author_id, round, container_chat_id, container_message_id, source_chat_id, source_message_id,
		 forward_chat_id, forward_message_id, text, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		RETURNING id, created_at
	`, v.Kind, v.AuthorID, v.Round, v.Container.ChatID, v.Container.MessageID, v.Source.ChatID, v.Source.MessageID,
		v.Forward.ChatID, v.Forward.MessageID, v.Text).Scan(&v.ID, &v.CreatedAt)
}

func (r *VotableRepository) GetByID(ctx context.Context, id int64) (*votable.Votable, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+votableColumns+` FROM votables WHERE id=$1`, id)
	return scanVotableRow(row)
}

func (r *VotableRepository) ListActive(ctx context.Context, kind votable.Kind) ([]*votable.Votable, error) {
	return r.list(ctx, `SELECT `+votableColumns+` FROM votables
		WHERE kind=$1 AND consolidated_votes IS NULL ORDER BY id`, kind)
}

func (r *VotableRepository) GetActiveByAuthor(ctx context.Context, kind votable.Kind, authorID int64) (*votable.Votable, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+votableColumns+` FROM votables
		WHERE kind=$1 AND author_id=$2 AND consolidated_votes IS NULL
		ORDER BY id DESC LIMIT 1`, kind, authorID)
	return scanVotableRow(row)
}

// GetActiveBySource matches either the user's original message or the bot
// message holding the votable.
func (r *VotableRepository) GetActiveBySource(ctx context.Context, ref messaging.Ref) (*votable.Votable, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+votableColumns+` FROM votables
		WHERE consolidated_votes IS NULL
		  AND ((source_chat_id=$1 AND source_message_id=$2) OR (container_chat_id=$1 AND container_message_id=$2))
		ORDER BY id LIMIT 1`, ref.ChatID, ref.MessageID)
	return scanVotableRow(row)
}

func (r *VotableRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM votables WHERE id=$1`, id)
	return err
}

// UpsertVote writes the vote only while the votable is open. The row lock on
// the votable orders it against Consolidate.
func (r *VotableRepository) UpsertVote(ctx context.Context, vote *votable.Vote) (bool, error) {
	var updated bool
	err := r.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id FROM votables WHERE id=$1 AND consolidated_votes IS NULL FOR UPDATE
		)
		INSERT INTO votes (votable_id, voter_id, value, created_at, updated_at)
		SELECT id, $2, $3, NOW(), NOW() FROM target
		ON CONFLICT (votable_id, voter_id) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
		RETURNING (xmax <> 0)
	`, vote.VotableID, vote.VoterID, vote.Value).Scan(&updated)
	if err == nil {
		return updated, nil
	}
	if err != pgx.ErrNoRows {
		return false, err
	}
	v, err := r.GetByID(ctx, vote.VotableID)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, votable.ErrNotFound
	}
	return false, votable.ErrClosed
}

func (r *VotableRepository) HasVoteOnActive(ctx context.Context, kind votable.Kind, voterID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM votes vo JOIN votables v ON v.id = vo.votable_id
			WHERE vo.voter_id=$1 AND v.kind=$2 AND v.consolidated_votes IS NULL
		)
	`, voterID, kind).Scan(&exists)
	return exists, err
}

func (r *VotableRepository) ListVotes(ctx context.Context, votableID int64) ([]*votable.Vote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT voter_id, votable_id, value, created_at, updated_at
		FROM votes WHERE votable_id=$1 ORDER BY voter_id
	`, votableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var votes []*votable.Vote
	for rows.Next() {
		var v votable.Vote
		if err := rows.Scan(&v.VoterID, &v.VotableID, &v.Value, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

// Consolidate seals every open votable of the kind with its vote sum in one
// statement.
func (r *VotableRepository) Consolidate(ctx context.Context, kind votable.Kind) ([]*votable.Votable, error) {
	sealed, err := r.list(ctx, `
		UPDATE votables v
		SET consolidated_votes = COALESCE((SELECT SUM(value) FROM votes WHERE votable_id = v.id), 0)
		WHERE v.kind=$1 AND v.consolidated_votes IS NULL
		RETURNING `+votableColumns, kind)
	if err != nil {
		return nil, err
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i].ID < sealed[j].ID })
	return sealed, nil
}

func (r *VotableRepository) list(ctx context.Context, query string, args ...interface{}) ([]*votable.Votable, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*votable.Votable
	for rows.Next() {
		v, err := scanVotable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVotableRow(row pgx.Row) (*votable.Votable, error) {
	v, err := scanVotable(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func scanVotable(row pgx.Row) (*votable.Votable, error) {
	var v votable.Votable
	if err := row.Scan(&v.ID, &v.Kind, &v.AuthorID, &v.Round,
		&v.Container.ChatID, &v.Container.MessageID, &v.Source.ChatID, &v.Source.MessageID,
		&v.Forward.ChatID, &v.Forward.MessageID, &v.Text, &v.ConsolidatedVotes, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

var _ votable.Repository = (*VotableRepository)(nil)
