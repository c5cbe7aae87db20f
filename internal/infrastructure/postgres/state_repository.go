package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// StateRepository implements contest.StateStore on a single-row table.
type StateRepository struct {
	pool *pgxpool.Pool
}

func NewStateRepository(pool *pgxpool.Pool) *StateRepository {
	return &StateRepository{pool: pool}
}

func (r *StateRepository) GetOrCreate(ctx context.Context) (*contest.SystemState, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO system_state (id, phase) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING
	`, contest.PhaseStandby); err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT phase, round, next_deadline, task_kind, task_text, winner_id,
		       announcement_chat_id, announcement_message_id, stats_chat_id, stats_message_id, updated_at
		FROM system_state WHERE id = 1
	`)
	return scanState(row)
}

// Update writes one field in a single statement. Deadline extensions are
// computed by the database so concurrent extensions never lose time.
func (r *StateRepository) Update(ctx context.Context, u contest.FieldUpdate) error {
	if _, err := r.GetOrCreate(ctx); err != nil {
		return err
	}
	var (
		query string
		args  []interface{}
	)
	switch u.Field {
	case contest.FieldPhase:
		if u.Phase == "" {
			return contest.ErrInvalidUpdate
		}
		query, args = `UPDATE system_state SET phase=$1, updated_at=NOW() WHERE id = 1`, []interface{}{u.Phase}
	case contest.FieldRound:
		query, args = `UPDATE system_state SET round=$1, updated_at=NOW() WHERE id = 1`, []interface{}{u.Round}
	case contest.FieldNextDeadline:
		if u.Delta != 0 {
			query = `UPDATE system_state
				SET next_deadline = COALESCE(next_deadline, NOW()) + ($1::bigint * INTERVAL '1 microsecond'), updated_at=NOW()
				WHERE id = 1`
			args = []interface{}{u.Delta.Microseconds()}
		} else {
			query, args = `UPDATE system_state SET next_deadline=$1, updated_at=NOW() WHERE id = 1`, []interface{}{nullTime(u.Time)}
		}
	case contest.FieldTask:
		query, args = `UPDATE system_state SET task_kind=$1, task_text=$2, updated_at=NOW() WHERE id = 1`,
			[]interface{}{u.Task.Kind, u.Task.Text}
	case contest.FieldWinner:
		query, args = `UPDATE system_state SET winner_id=$1, updated_at=NOW() WHERE id = 1`, []interface{}{u.ID}
	case contest.FieldAnnouncementMessage:
		chatID, msgID := refArgs(u.Ref)
		query, args = `UPDATE system_state SET announcement_chat_id=$1, announcement_message_id=$2, updated_at=NOW() WHERE id = 1`,
			[]interface{}{chatID, msgID}
	case contest.FieldStatsMessage:
		chatID, msgID := refArgs(u.Ref)
		query, args = `UPDATE system_state SET stats_chat_id=$1, stats_message_id=$2, updated_at=NOW() WHERE id = 1`,
			[]interface{}{chatID, msgID}
	default:
		return fmt.Errorf("%w: %q", contest.ErrInvalidUpdate, u.Field)
	}
	_, err := r.pool.Exec(ctx, query, args...)
	return err
}

func scanState(row pgx.Row) (*contest.SystemState, error) {
	var (
		st                 contest.SystemState
		deadline           *time.Time
		annChat, statsChat *int64
		annMsg, statsMsg   *int
	)
	if err := row.Scan(&st.Phase, &st.Round, &deadline, &st.Task.Kind, &st.Task.Text, &st.WinnerID,
		&annChat, &annMsg, &statsChat, &statsMsg, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if deadline != nil {
		st.NextDeadline = deadline.UTC()
	}
	st.AnnouncementMessage = refFrom(annChat, annMsg)
	st.StatsMessage = refFrom(statsChat, statsMsg)
	return &st, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func refArgs(ref *messaging.Ref) (*int64, *int) {
	if ref == nil {
		return nil, nil
	}
	return &ref.ChatID, &ref.MessageID
}

func refFrom(chatID *int64, messageID *int) *messaging.Ref {
	if chatID == nil || messageID == nil {
		return nil
	}
	return &messaging.Ref{ChatID: *chatID, MessageID: *messageID}
}

var _ contest.StateStore = (*StateRepository)(nil)
