package votable

import (
	"errors"
	"time"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// Kind separates contest entries from task suggestions.
type Kind string

const (
	KindEntry      Kind = "ENTRY"
	KindSuggestion Kind = "SUGGESTION"
)

var (
	ErrClosed     = errors.New("votable is closed")
	ErrNotFound   = errors.New("votable not found")
	ErrOwnVotable = errors.New("cannot vote for own votable")
	ErrVoteRange  = errors.New("vote value out of range")
)

// Votable is something the community votes on until it is sealed.
type Votable struct {
	ID        int64         `json:"id"`
	Kind      Kind          `json:"kind"`
	AuthorID  int64         `json:"authorId"`
	Round     int           `json:"round"`
	Container messaging.Ref `json:"container"`
	// Source is the user's original message, kept to detect deletions.
	Source messaging.Ref `json:"source"`
	// Forward is the copy of Source posted to the contest chat, if any.
	Forward           messaging.Ref `json:"forward"`
	Text              string        `json:"text"`
	ConsolidatedVotes *int          `json:"consolidatedVotes,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// IsOpen reports whether the votable still accepts votes.
func (v *Votable) IsOpen() bool {
	return v.ConsolidatedVotes == nil
}

// Votes returns the sealed sum, zero while open.
func (v *Votable) Votes() int {
	if v.ConsolidatedVotes == nil {
		return 0
	}
	return *v.ConsolidatedVotes
}

// Vote is one voter's value for one votable.
type Vote struct {
	VoterID   int64     `json:"voterId"`
	VotableID int64     `json:"votableId"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
