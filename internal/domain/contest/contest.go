package contest

import (
	"errors"
	"strings"
	"time"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// Phase is the persisted contest phase.
type Phase string

const (
	PhaseStandby                           Phase = "STANDBY"
	PhaseContest                           Phase = "CONTEST"
	PhaseVoting                            Phase = "VOTING"
	PhaseFinalizingVotingRound             Phase = "FINALIZING_VOTING_ROUND"
	PhaseChoosingNextTask                  Phase = "CHOOSING_NEXT_TASK"
	PhaseInnerCircleVoting                 Phase = "INNER_CIRCLE_VOTING"
	PhaseTaskSuggestionCollection          Phase = "TASK_SUGGESTION_COLLECTION"
	PhaseTaskSuggestionVoting              Phase = "TASK_SUGGESTION_VOTING"
	PhaseFinalizingNextRoundTaskPollVoting Phase = "FINALIZING_NEXT_ROUND_TASK_POLL_VOTING"
)

// Phases lists every phase in workflow order.
var Phases = []Phase{
	PhaseStandby,
	PhaseContest,
	PhaseVoting,
	PhaseFinalizingVotingRound,
	PhaseChoosingNextTask,
	PhaseInnerCircleVoting,
	PhaseTaskSuggestionCollection,
	PhaseTaskSuggestionVoting,
	PhaseFinalizingNextRoundTaskPollVoting,
}

var ErrUnknownPhase = errors.New("unknown contest phase")

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Phases {
		if known == p {
			return p, nil
		}
	}
	return "", ErrUnknownPhase
}

// IsTimeBound reports whether the scheduler watches the deadline in this phase.
func (p Phase) IsTimeBound() bool {
	switch p {
	case PhaseContest, PhaseVoting, PhaseTaskSuggestionCollection, PhaseTaskSuggestionVoting:
		return true
	default:
		return false
	}
}

// Trigger drives a transition of the contest machine.
type Trigger string

const (
	TriggerTaskApproved               Trigger = "TASK_APPROVED"
	TriggerInitiatedNextRoundTaskPoll Trigger = "INITIATED_NEXT_ROUND_TASK_POLL"
	TriggerPreviewDeadlineHit         Trigger = "PREVIEW_DEADLINE_HIT"
	TriggerDeadlineHit                Trigger = "DEADLINE_HIT"
	TriggerNotEnoughContesters        Trigger = "NOT_ENOUGH_CONTESTERS"
	TriggerNotEnoughVotes             Trigger = "NOT_ENOUGH_VOTES"
	TriggerWinnerChosen               Trigger = "WINNER_CHOSEN"
	TriggerTaskSelectedByWinner       Trigger = "TASK_SELECTED_BY_WINNER"
	TriggerTaskDeclined               Trigger = "TASK_DECLINED"
	TriggerTaskSelectedByFallthrough  Trigger = "TASK_SELECTED_BY_FALLTHROUGH"
	TriggerTaskSelectedByPoll         Trigger = "TASK_SELECTED_BY_POLL"
	TriggerExplicit                   Trigger = "EXPLICIT"
)

// TaskKind tells how the current task was produced.
type TaskKind string

const (
	TaskKindManual TaskKind = "MANUAL"
	TaskKindRandom TaskKind = "RANDOM"
)

// Task is the current round's task descriptor.
type Task struct {
	Kind TaskKind `json:"kind"`
	Text string   `json:"text"`
}

// IsZero reports whether no task is set.
func (t Task) IsZero() bool {
	return strings.TrimSpace(t.Text) == ""
}

// SystemState is the singleton record describing where the contest is.
type SystemState struct {
	Phase               Phase          `json:"phase"`
	Round               int            `json:"round"`
	NextDeadline        time.Time      `json:"nextDeadline"`
	Task                Task           `json:"task"`
	WinnerID            *int64         `json:"winnerId,omitempty"`
	AnnouncementMessage *messaging.Ref `json:"announcementMessage,omitempty"`
	StatsMessage        *messaging.Ref `json:"statsMessage,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// NewSystemState returns the state used on first access.
func NewSystemState(now time.Time) *SystemState {
	return &SystemState{
		Phase:     PhaseStandby,
		Round:     0,
		UpdatedAt: now,
	}
}
