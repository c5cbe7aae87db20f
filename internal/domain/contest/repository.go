package contest

import (
	"context"
	"errors"
	"time"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// Field names one column of the system state.
type Field string

const (
	FieldPhase               Field = "phase"
	FieldRound               Field = "round"
	FieldNextDeadline        Field = "next_deadline"
	FieldTask                Field = "task"
	FieldWinner              Field = "winner"
	FieldAnnouncementMessage Field = "announcement_message"
	FieldStatsMessage        Field = "stats_message"
)

var ErrInvalidUpdate = errors.New("invalid state field update")

// FieldUpdate is an atomic update of exactly one field. Build it with the
// Set*/ExtendDeadline constructors.
type FieldUpdate struct {
	Field Field
	Phase Phase
	Round int
	Time  time.Time
	Delta time.Duration
	Task  Task
	ID    *int64
	Ref   *messaging.Ref
}

func SetPhase(p Phase) FieldUpdate {
	return FieldUpdate{Field: FieldPhase, Phase: p}
}

func SetRound(round int) FieldUpdate {
	return FieldUpdate{Field: FieldRound, Round: round}
}

func SetDeadline(t time.Time) FieldUpdate {
	return FieldUpdate{Field: FieldNextDeadline, Time: t.UTC()}
}

// ExtendDeadline adds d to the stored deadline in place.
func ExtendDeadline(d time.Duration) FieldUpdate {
	return FieldUpdate{Field: FieldNextDeadline, Delta: d}
}

func SetTask(t Task) FieldUpdate {
	return FieldUpdate{Field: FieldTask, Task: t}
}

func SetWinner(userID *int64) FieldUpdate {
	return FieldUpdate{Field: FieldWinner, ID: userID}
}

func SetAnnouncementMessage(ref *messaging.Ref) FieldUpdate {
	return FieldUpdate{Field: FieldAnnouncementMessage, Ref: ref}
}

func SetStatsMessage(ref *messaging.Ref) FieldUpdate {
	return FieldUpdate{Field: FieldStatsMessage, Ref: ref}
}

// Apply mutates s according to the update. Stores use it to keep in-memory
// copies consistent with what they persisted.
func (u FieldUpdate) Apply(s *SystemState) error {
	switch u.Field {
	case FieldPhase:
		if u.Phase == "" {
			return ErrInvalidUpdate
		}
		s.Phase = u.Phase
	case FieldRound:
		s.Round = u.Round
	case FieldNextDeadline:
		if u.Delta != 0 {
			s.NextDeadline = s.NextDeadline.Add(u.Delta)
		} else {
			s.NextDeadline = u.Time
		}
	case FieldTask:
		s.Task = u.Task
	case FieldWinner:
		s.WinnerID = u.ID
	case FieldAnnouncementMessage:
		s.AnnouncementMessage = u.Ref
	case FieldStatsMessage:
		s.StatsMessage = u.Ref
	default:
		return ErrInvalidUpdate
	}
	return nil
}

// StateStore persists the singleton system state.
type StateStore interface {
	GetOrCreate(ctx context.Context) (*SystemState, error)
	Update(ctx context.Context, update FieldUpdate) error
}

// Clock is the time source used by the contest services.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
