package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

const deadlineLayout = "Mon Jan 2 15:04"

const (
	choiceOwn    = "nt:own"
	choiceRandom = "nt:random"
	choicePoll   = "nt:poll"
)

var choiceKeyboard = messaging.Keyboard{
	{{Text: "Write my own task", Data: choiceOwn}},
	{{Text: "Random task", Data: choiceRandom}},
	{{Text: "Let the community decide", Data: choicePoll}},
}

const (
	pausedText            = "The contest is paused for now. Stay tuned!"
	chooseTaskText        = "Congratulations on winning the round! How should the next task be chosen?"
	askTaskText           = "Send the text of the next task."
	choiceTimeoutText     = "No answer in time, so the community will suggest the next task."
	taskApprovedText      = "The administrators approved your task. The next round starts now!"
	noEntriesText         = "Nobody submitted an entry this round, so there is nothing to vote on."
	noSuggestionsText     = "Nobody suggested a task. The contest pauses until an administrator restarts it."
	notEnoughVotesText    = "Not enough votes were cast to pick a winner. The contest pauses for now."
	finalizeLostText      = "Finalization was interrupted and cannot be resumed; the contest was moved to standby."
	winnerUnreachableText = "The winner cannot be reached, so the community will suggest the next task."
	chooseRandomEmptyText = "There are no random tasks configured, so the community will suggest one."
)

func phaseTitle(p contest.Phase) string {
	switch p {
	case contest.PhaseStandby:
		return "Paused"
	case contest.PhaseContest:
		return "Submissions open"
	case contest.PhaseVoting:
		return "Voting"
	case contest.PhaseFinalizingVotingRound:
		return "Counting votes"
	case contest.PhaseChoosingNextTask:
		return "Winner is choosing the next task"
	case contest.PhaseInnerCircleVoting:
		return "Next task under review"
	case contest.PhaseTaskSuggestionCollection:
		return "Collecting task suggestions"
	case contest.PhaseTaskSuggestionVoting:
		return "Voting on task suggestions"
	default:
		return "Counting suggestion votes"
	}
}

func announcementText(st *contest.SystemState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d: %s", st.Round, phaseTitle(st.Phase))
	if !st.Task.IsZero() {
		fmt.Fprintf(&b, "\nTask: %s", st.Task.Text)
	}
	if st.Phase.IsTimeBound() && !st.NextDeadline.IsZero() {
		fmt.Fprintf(&b, "\nDeadline: %s UTC", st.NextDeadline.UTC().Format(deadlineLayout))
	}
	return b.String()
}

func roundStartedText(round int, task contest.Task, deadline time.Time) string {
	return fmt.Sprintf("Round %d starts now!\n\nTask: %s\n\nSend your entry to me in a private chat before %s UTC.",
		round, task.Text, deadline.UTC().Format(deadlineLayout))
}

func contestPreviewText(left time.Duration) string {
	return fmt.Sprintf("Only %s left to submit your entry!", roughDuration(left))
}

func votingPreviewText(left time.Duration) string {
	return fmt.Sprintf("Voting closes in %s. Make sure every entry has your score!", roughDuration(left))
}

func winnerChoosingText(name string) string {
	return fmt.Sprintf("%s is choosing the next task.", name)
}

func collectionStartedText(deadline time.Time) string {
	return fmt.Sprintf("Suggest the next task! Send your idea to me in a private chat before %s UTC.",
		deadline.UTC().Format(deadlineLayout))
}

func collectionExtendedText(count int, deadline time.Time) string {
	return fmt.Sprintf("Only %d suggestions so far, so collection is extended until %s UTC.",
		count, deadline.UTC().Format(deadlineLayout))
}

func collectionPreviewText(left time.Duration) string {
	return fmt.Sprintf("Suggestion collection closes in %s.", roughDuration(left))
}

func fallthroughText(task string) string {
	return fmt.Sprintf("Only one task was suggested, so it wins without a vote:\n\n%s", task)
}

func taskDeniedText(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "The administrators declined your task. Please choose again."
	}
	return fmt.Sprintf("The administrators declined your task: %s\nPlease choose again.", reason)
}

func taskReplacedText(task string) string {
	return fmt.Sprintf("The administrators replaced your task with:\n\n%s", task)
}

func handlerFailedText(t Transition, err error) string {
	return fmt.Sprintf("Contest workflow failed entering %s (%s): %v\nThe contest was moved to standby.", t.To, t.Trigger, err)
}

func roughDuration(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	case d >= 2*time.Hour:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d > time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return "less than a minute"
	}
}
