package user

import "context"

// Repository defines persistence for users.
type Repository interface {
	// Upsert creates the user or refreshes chat id and names; role, status and
	// balance of an existing user are left untouched.
	Upsert(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	ListActiveByRoles(ctx context.Context, roles ...Role) ([]*User, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	SetRole(ctx context.Context, id int64, role Role) error
	// Credit adds amount (may be negative) to the balance. A debit that would
	// drive the balance below zero fails with ErrInsufficientBalance.
	Credit(ctx context.Context, id int64, amount int64) error
}
