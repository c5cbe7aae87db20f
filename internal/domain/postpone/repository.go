package postpone

import "context"

// Repository persists postpone requests.
type Repository interface {
	GetOpenByUser(ctx context.Context, userID int64) (*Request, error)
	// CreateWithDebit debits req.Cost from the user's balance and inserts the
	// open request in one transaction. Fails with user.ErrInsufficientBalance.
	CreateWithDebit(ctx context.Context, req *Request) error
	CountOpenUsers(ctx context.Context, round int) (int, error)
	// ListOpen returns open requests in insertion order.
	ListOpen(ctx context.Context) ([]*Request, error)
	// Close moves the open requests to status; refund returns each cost to
	// its author in the same transaction.
	Close(ctx context.Context, ids []int64, status Status, refund bool) error
	// Apply extends the contest deadline by chosen.Duration, closes chosen as
	// satisfied and discards the others with refunds in one transaction.
	// Fails with ErrInvalidTransition when chosen is no longer open.
	Apply(ctx context.Context, chosen *Request, discarded []int64) error
}
