package postgres

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/contest-hub/contest-hub/internal/domain/user"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// credit adds amount to the balance unless that would drive it negative.
func credit(ctx context.Context, db execer, id int64, amount int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE users SET balance = balance + $1, updated_at=NOW()
		WHERE id=$2 AND balance + $1 >= 0
	`, amount, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return user.ErrInsufficientBalance
	}
	return nil
}

func addWhere(query string) string {
	if strings.Contains(query, " WHERE ") {
		return " AND"
	}
	return " WHERE"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
