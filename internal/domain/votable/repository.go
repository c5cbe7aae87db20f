package votable

import (
	"context"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// Repository persists votables and their votes.
type Repository interface {
	Create(ctx context.Context, v *Votable) error
	GetByID(ctx context.Context, id int64) (*Votable, error)
	// ListActive returns open votables of the kind ordered by id.
	ListActive(ctx context.Context, kind Kind) ([]*Votable, error)
	GetActiveByAuthor(ctx context.Context, kind Kind, authorID int64) (*Votable, error)
	GetActiveBySource(ctx context.Context, source messaging.Ref) (*Votable, error)
	Delete(ctx context.Context, id int64) error

	// UpsertVote inserts or updates the (voter, votable) row. updated is true
	// when a row already existed.
	UpsertVote(ctx context.Context, vote *Vote) (updated bool, err error)
	// HasVoteOnActive reports whether the voter has any vote on an open
	// votable of the kind.
	HasVoteOnActive(ctx context.Context, kind Kind, voterID int64) (bool, error)
	ListVotes(ctx context.Context, votableID int64) ([]*Vote, error)

	// Consolidate sums and seals every open votable of the kind in one atomic
	// step and returns the rows it sealed. Sealed rows are never touched again.
	Consolidate(ctx context.Context, kind Kind) ([]*Votable, error)
}
