package voting

import (
	"context"
	"fmt"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
)

const (
	EntryPrefix      = "ve"
	SuggestionPrefix = "vs"
)

// EntryPolicy forwards the winning entry to the contest chat, stores the
// winner and credits the winner reward.
func EntryPolicy(chatID int64, reward int64, state contest.StateStore, users user.Repository, transport messaging.Transport) Policy {
	return Policy{
		Kind:   votable.KindEntry,
		Prefix: EntryPrefix,
		Noun:   "entry",
		OnWinnerChosen: func(ctx context.Context, winner *votable.Votable, author *user.User) error {
			if !winner.Source.IsZero() {
				transport.Forward(ctx, chatID, winner.Source)
			}
			id := author.ID
			if err := state.Update(ctx, contest.SetWinner(&id)); err != nil {
				return fmt.Errorf("store winner: %w", err)
			}
			if reward > 0 {
				if err := users.Credit(ctx, author.ID, reward); err != nil {
					return fmt.Errorf("credit winner reward: %w", err)
				}
			}
			return nil
		},
	}
}

// SuggestionPolicy makes the winning suggestion the next task.
func SuggestionPolicy(state contest.StateStore) Policy {
	return Policy{
		Kind:   votable.KindSuggestion,
		Prefix: SuggestionPrefix,
		Noun:   "suggestion",
		OnWinnerChosen: func(ctx context.Context, winner *votable.Votable, _ *user.User) error {
			return state.Update(ctx, contest.SetTask(contest.Task{Kind: contest.TaskKindManual, Text: winner.Text}))
		},
	}
}
