package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contest-hub/contest-hub/internal/domain/user"
)

const userColumns = `id, chat_id, username, name, role, status, balance, created_at, updated_at`

// UserRepository implements user.Repository.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Upsert inserts the user or refreshes contact details. Empty chat id and
// names never overwrite known ones.
func (r *UserRepository) Upsert(ctx context.Context, u *user.User) error {
	role := u.Role
	if role == "" {
		role = user.RoleMember
	}
	status := u.Status
	if status == "" {
		status = user.StatusActive
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, chat_id, username, name, role, status, balance, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			chat_id  = CASE WHEN EXCLUDED.chat_id <> 0 THEN EXCLUDED.chat_id ELSE users.chat_id END,
			username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE users.username END,
			name     = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END,
			updated_at = NOW()
		RETURNING `+userColumns,
		u.ID, u.ChatID, u.Username, u.Name, role, status, u.Balance)
	stored, err := scanUser(row)
	if err != nil {
		return err
	}
	*u = *stored
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*user.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (r *UserRepository) ListActiveByRoles(ctx context.Context, roles ...user.Role) ([]*user.User, error) {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE status=$1 AND role = ANY($2)
		ORDER BY id
	`, user.StatusActive, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *UserRepository) SetStatus(ctx context.Context, id int64, status user.Status) error {
	if err := user.ValidateStatus(status); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE users SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

func (r *UserRepository) SetRole(ctx context.Context, id int64, role user.Role) error {
	if err := user.ValidateRole(role); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE users SET role=$1, updated_at=NOW() WHERE id=$2`, role, id)
	return err
}

func (r *UserRepository) Credit(ctx context.Context, id int64, amount int64) error {
	return credit(ctx, r.pool, id, amount)
}

func scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.Name, &u.Role, &u.Status, &u.Balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

var _ user.Repository = (*UserRepository)(nil)
