package postpone

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a postpone request.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusClosedSatisfied Status = "CLOSED_SATISFIED"
	StatusClosedDiscarded Status = "CLOSED_DISCARDED"
)

var ErrInvalidTransition = errors.New("invalid postpone status transition")

// Request asks to push the current round deadline back by Duration.
type Request struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"userId"`
	Round     int           `json:"round"`
	Duration  time.Duration `json:"duration"`
	Cost      int64         `json:"cost"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	ClosedAt  *time.Time    `json:"closedAt,omitempty"`
}

func (r *Request) IsOpen() bool {
	return r.Status == StatusOpen
}

// CanTransitionTo checks if a transition to the target status is valid.
func (r *Request) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusOpen:            {StatusClosedSatisfied, StatusClosedDiscarded},
		StatusClosedSatisfied: {},
		StatusClosedDiscarded: {},
	}
	for _, s := range transitions[r.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Longest picks the request with the longest duration; ties go to the one
// created first. open must be in insertion order.
func Longest(open []*Request) *Request {
	var best *Request
	for _, r := range open {
		if best == nil || r.Duration > best.Duration {
			best = r
		}
	}
	return best
}
