package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	appOutbox "github.com/contest-hub/contest-hub/internal/application/outbox"
	"github.com/contest-hub/contest-hub/internal/application/postpone"
	"github.com/contest-hub/contest-hub/internal/application/premoderation"
	"github.com/contest-hub/contest-hub/internal/application/voting"
	"github.com/contest-hub/contest-hub/internal/dialog"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	domainPostpone "github.com/contest-hub/contest-hub/internal/domain/postpone"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
	"github.com/contest-hub/contest-hub/internal/eventbus"
)

var errNoTask = errors.New("no task available for the new round")

// Recorder appends outbound sync events.
type Recorder interface {
	Record(ctx context.Context, t outbox.Type, dedupeKey string, payload any) error
}

// Config holds the workflow tunables.
type Config struct {
	ChatID              int64
	ContestDuration     time.Duration
	CollectionDuration  time.Duration
	MinSuggestions      int
	SuggestionExtension time.Duration
	ParticipationReward int64
	WinnerChoiceTimeout time.Duration
	RandomTasks         []string
}

// Workflow binds the contest phases to the engines.
type Workflow struct {
	machine     *Machine
	state       contest.StateStore
	users       user.Repository
	votables    votable.Repository
	entries     *voting.Engine
	suggestions *voting.Engine
	postpones   *postpone.Service
	premod      *premoderation.Service
	dialogs     *dialog.Manager
	transport   messaging.Transport
	recorder    Recorder
	notifier    AdminNotifier
	clock       contest.Clock
	cfg         Config
	logger      zerolog.Logger

	rngMu    sync.Mutex
	rng      *rand.Rand
	extended atomic.Bool
	flows    sync.WaitGroup
}

func NewWorkflow(
	machine *Machine,
	state contest.StateStore,
	users user.Repository,
	votables votable.Repository,
	entries *voting.Engine,
	suggestions *voting.Engine,
	postpones *postpone.Service,
	premod *premoderation.Service,
	dialogs *dialog.Manager,
	transport messaging.Transport,
	recorder Recorder,
	notifier AdminNotifier,
	clock contest.Clock,
	rng *rand.Rand,
	cfg Config,
	logger zerolog.Logger,
) *Workflow {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x2545f4914f6cdd1d))
	}
	if cfg.WinnerChoiceTimeout <= 0 {
		cfg.WinnerChoiceTimeout = 24 * time.Hour
	}
	return &Workflow{
		machine:     machine,
		state:       state,
		users:       users,
		votables:    votables,
		entries:     entries,
		suggestions: suggestions,
		postpones:   postpones,
		premod:      premod,
		dialogs:     dialogs,
		transport:   transport,
		recorder:    recorder,
		notifier:    notifier,
		clock:       clock,
		rng:         rng,
		cfg:         cfg,
		logger:      logger.With().Str("service", "workflow").Logger(),
	}
}

// Register installs the phase handlers on the machine.
func (w *Workflow) Register() {
	m := w.machine

	m.OnEntry(contest.PhaseStandby, w.enterStandby)

	m.OnEntry(contest.PhaseContest, w.startRound)
	m.OnEntryFrom(contest.PhaseContest, contest.TriggerPreviewDeadlineHit, w.warnContestDeadline)
	m.OnActivate(contest.PhaseContest, w.resume)

	m.OnEntry(contest.PhaseVoting, w.startEntryVoting)
	m.OnEntryFrom(contest.PhaseVoting, contest.TriggerPreviewDeadlineHit, w.warnVotingDeadline)
	m.OnActivate(contest.PhaseVoting, w.resumeVoting(w.entries))

	m.OnEntry(contest.PhaseFinalizingVotingRound, w.finalizeEntries)
	m.OnActivate(contest.PhaseFinalizingVotingRound, w.resumeFinalize(votable.KindEntry, w.finalizeEntries))

	m.OnEntry(contest.PhaseChoosingNextTask, w.startWinnerChoice)
	m.OnActivate(contest.PhaseChoosingNextTask, w.startWinnerChoice)

	m.OnEntry(contest.PhaseInnerCircleVoting, w.startPremoderation)
	m.OnActivate(contest.PhaseInnerCircleVoting, w.startPremoderation)

	m.OnEntry(contest.PhaseTaskSuggestionCollection, w.startCollection)
	m.OnEntryFrom(contest.PhaseTaskSuggestionCollection, contest.TriggerPreviewDeadlineHit, w.checkSuggestions)
	m.OnActivate(contest.PhaseTaskSuggestionCollection, w.resume)

	m.OnEntry(contest.PhaseTaskSuggestionVoting, w.startSuggestionVoting)
	m.OnActivate(contest.PhaseTaskSuggestionVoting, w.resumeVoting(w.suggestions))

	m.OnEntry(contest.PhaseFinalizingNextRoundTaskPollVoting, w.finalizeSuggestions)
	m.OnActivate(contest.PhaseFinalizingNextRoundTaskPollVoting, w.resumeFinalize(votable.KindSuggestion, w.finalizeSuggestions))
}

// Subscribe wires the kickstart demand.
func (w *Workflow) Subscribe(bus *eventbus.Bus) {
	eventbus.Subscribe(bus, func(ctx context.Context, ev eventbus.KickstartDemand) {
		ran, err := w.Kickstart(ctx, ev.Task)
		if err != nil {
			w.logger.Error().Err(err).Int64("requested_by", ev.RequestedBy).Msg("kickstart failed")
			return
		}
		if !ran {
			w.logger.Warn().Int64("requested_by", ev.RequestedBy).Msg("kickstart ignored outside standby")
		}
	})
}

// Kickstart leaves STANDBY: with a task the round starts right away,
// without one a suggestion poll opens. It reports false outside STANDBY.
func (w *Workflow) Kickstart(ctx context.Context, task string) (bool, error) {
	return w.machine.Guard(ctx, contest.PhaseStandby, func(ctx context.Context) error {
		if task == "" {
			w.machine.Fire(contest.TriggerInitiatedNextRoundTaskPoll)
			return nil
		}
		if err := w.state.Update(ctx, contest.SetTask(contest.Task{Kind: contest.TaskKindManual, Text: task})); err != nil {
			return err
		}
		w.machine.Fire(contest.TriggerTaskApproved)
		return nil
	})
}

// Wait blocks until background conversations have returned.
func (w *Workflow) Wait() {
	w.flows.Wait()
}

func (w *Workflow) enterStandby(ctx context.Context, _ Transition) error {
	if err := w.postpones.CloseAllAndRefund(ctx, domainPostpone.StatusClosedDiscarded); err != nil {
		w.logger.Warn().Err(err).Msg("failed to close postpone requests")
	}
	w.send(ctx, pausedText)
	w.RefreshAnnouncement(ctx)
	return nil
}

func (w *Workflow) startRound(ctx context.Context, _ Transition) error {
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	task := st.Task
	if task.IsZero() {
		task = w.randomTask()
		if task.IsZero() {
			return errNoTask
		}
		if err := w.state.Update(ctx, contest.SetTask(task)); err != nil {
			return err
		}
	}
	if err := w.postpones.CloseAllAndRefund(ctx, domainPostpone.StatusClosedDiscarded); err != nil {
		w.logger.Warn().Err(err).Msg("failed to close leftover postpone requests")
	}

	round := st.Round + 1
	deadline := w.clock.Now().Add(w.cfg.ContestDuration)
	for _, u := range []contest.FieldUpdate{
		contest.SetRound(round),
		contest.SetDeadline(deadline),
		contest.SetStatsMessage(nil),
	} {
		if err := w.state.Update(ctx, u); err != nil {
			return err
		}
	}

	w.send(ctx, roundStartedText(round, task, deadline))
	if ref := w.send(ctx, announcementText(&contest.SystemState{Phase: contest.PhaseContest, Round: round, Task: task, NextDeadline: deadline})); ref != nil {
		w.transport.Pin(ctx, *ref)
		if err := w.state.Update(ctx, contest.SetAnnouncementMessage(ref)); err != nil {
			return err
		}
	}
	if err := w.recorder.Record(ctx, outbox.TypeRoundStarted, appOutbox.Key("round", round, "started"), map[string]any{
		"round":    round,
		"task":     task,
		"deadline": deadline,
	}); err != nil {
		w.logger.Warn().Err(err).Int("round", round).Msg("failed to record round start")
	}
	w.logger.Info().Int("round", round).Str("task_kind", string(task.Kind)).Time("deadline", deadline).Msg("round started")
	return nil
}

func (w *Workflow) warnContestDeadline(ctx context.Context, _ Transition) error {
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	w.send(ctx, contestPreviewText(st.NextDeadline.Sub(w.clock.Now())))
	w.RefreshAnnouncement(ctx)
	return nil
}

func (w *Workflow) resume(ctx context.Context, _ Transition) error {
	w.RefreshAnnouncement(ctx)
	return nil
}

func (w *Workflow) startEntryVoting(ctx context.Context, _ Transition) error {
	if err := w.postpones.CloseAllAndRefund(ctx, domainPostpone.StatusClosedDiscarded); err != nil {
		w.logger.Warn().Err(err).Msg("failed to close postpone requests")
	}
	active, err := w.votables.ListActive(ctx, votable.KindEntry)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		w.send(ctx, noEntriesText)
		w.machine.Fire(contest.TriggerNotEnoughContesters)
		return nil
	}
	if err := w.entries.StartVoting(ctx); err != nil {
		return err
	}
	w.RefreshAnnouncement(ctx)
	return nil
}

func (w *Workflow) warnVotingDeadline(ctx context.Context, _ Transition) error {
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	w.send(ctx, votingPreviewText(st.NextDeadline.Sub(w.clock.Now())))
	w.entries.RefreshStats(ctx)
	return nil
}

func (w *Workflow) resumeVoting(engine *voting.Engine) Handler {
	return func(ctx context.Context, _ Transition) error {
		engine.RefreshStats(ctx)
		w.RefreshAnnouncement(ctx)
		return nil
	}
}

func (w *Workflow) finalizeEntries(ctx context.Context, _ Transition) error {
	participants, err := w.votables.ListActive(ctx, votable.KindEntry)
	if err != nil {
		return err
	}
	res, err := w.entries.ConsolidateAndFinalize(ctx)
	if err != nil {
		return err
	}
	w.rewardParticipants(ctx, participants)
	w.dispatch(ctx, res, contest.TriggerWinnerChosen)
	return nil
}

func (w *Workflow) finalizeSuggestions(ctx context.Context, _ Transition) error {
	res, err := w.suggestions.ConsolidateAndFinalize(ctx)
	if err != nil {
		return err
	}
	w.dispatch(ctx, res, contest.TriggerTaskSelectedByPoll)
	return nil
}

// dispatch maps a finalization result onto the next trigger.
func (w *Workflow) dispatch(ctx context.Context, res voting.Result, ok contest.Trigger) {
	switch res.Outcome {
	case voting.OutcomeOK:
		w.machine.Fire(ok)
	case voting.OutcomeNotEnoughVotes:
		w.send(ctx, notEnoughVotesText)
		w.machine.Fire(contest.TriggerNotEnoughVotes)
	case voting.OutcomeNotEnoughContesters:
		w.machine.Fire(contest.TriggerNotEnoughContesters)
	default:
		w.notifier.NotifyAdmins(ctx, fmt.Sprintf("Finalization halted: %d tied votables have no resolvable author.", len(res.Tied)))
		w.machine.FireExplicit(contest.PhaseStandby)
	}
}

// resumeFinalize re-runs a finalization interrupted by a restart. Once the
// votables are sealed the outcome is lost and the contest goes to standby.
func (w *Workflow) resumeFinalize(kind votable.Kind, finalize Handler) Handler {
	return func(ctx context.Context, t Transition) error {
		open, err := w.votables.ListActive(ctx, kind)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return finalize(ctx, t)
		}
		w.logger.Error().Str("kind", string(kind)).Msg("finalization cannot be resumed")
		w.notifier.NotifyAdmins(ctx, finalizeLostText)
		w.machine.FireExplicit(contest.PhaseStandby)
		return nil
	}
}

func (w *Workflow) rewardParticipants(ctx context.Context, entries []*votable.Votable) {
	if w.cfg.ParticipationReward <= 0 {
		return
	}
	seen := make(map[int64]bool, len(entries))
	for _, v := range entries {
		if seen[v.AuthorID] {
			continue
		}
		seen[v.AuthorID] = true
		if err := w.users.Credit(ctx, v.AuthorID, w.cfg.ParticipationReward); err != nil {
			w.logger.Warn().Err(err).Int64("user_id", v.AuthorID).Msg("failed to credit participation reward")
		}
	}
}

func (w *Workflow) startWinnerChoice(ctx context.Context, _ Transition) error {
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	winner, err := w.winner(ctx, st)
	if err != nil {
		return err
	}
	if winner == nil || !winner.HasPrivateChat() {
		w.logger.Warn().Msg("round winner unreachable, opening a task poll")
		w.send(ctx, winnerUnreachableText)
		w.machine.Fire(contest.TriggerInitiatedNextRoundTaskPoll)
		return nil
	}
	if !w.machine.IsActivating() {
		w.send(ctx, winnerChoosingText(winner.DisplayName()))
		w.RefreshAnnouncement(ctx)
	}

	phaseCtx := w.machine.PhaseContext()
	w.flows.Add(1)
	go func() {
		defer w.flows.Done()
		w.negotiateTask(phaseCtx, winner)
	}()
	return nil
}

// negotiateTask asks the winner how the next task is picked and reports the
// outcome as a trigger.
func (w *Workflow) negotiateTask(ctx context.Context, winner *user.User) {
	d := w.dialogs.StartExclusive(winner.ChatID, winner.ID)
	defer w.dialogs.Recycle(d)

	poll := func() {
		w.settle(ctx, contest.PhaseChoosingNextTask, contest.TriggerInitiatedNextRoundTaskPoll, nil)
	}

	prompt := d.Send(ctx, chooseTaskText, choiceKeyboard)
	if prompt == nil {
		poll()
		return
	}
	in, err := d.AwaitInteractionOn(ctx, prompt.MessageID, w.cfg.WinnerChoiceTimeout)
	w.transport.EditKeyboard(context.WithoutCancel(ctx), *prompt, nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil || in == nil {
		w.logger.Info().Err(err).Int64("user_id", winner.ID).Msg("winner did not choose a task")
		d.Send(ctx, choiceTimeoutText, nil)
		poll()
		return
	}
	w.transport.AnswerInteraction(ctx, in.ID, "")

	switch in.Data {
	case choiceOwn:
		text, err := d.AskWithConfirmation(ctx, askTaskText, w.cfg.WinnerChoiceTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil || text == nil || *text == "" {
			d.Send(ctx, choiceTimeoutText, nil)
			poll()
			return
		}
		task := contest.Task{Kind: contest.TaskKindManual, Text: *text}
		w.settle(ctx, contest.PhaseChoosingNextTask, contest.TriggerTaskSelectedByWinner, &task)
	case choiceRandom:
		task := w.randomTask()
		if task.IsZero() {
			d.Send(ctx, chooseRandomEmptyText, nil)
			poll()
			return
		}
		d.Send(ctx, "Your random task: "+task.Text, nil)
		w.settle(ctx, contest.PhaseChoosingNextTask, contest.TriggerTaskSelectedByWinner, &task)
	default:
		poll()
	}
}

func (w *Workflow) startPremoderation(ctx context.Context, _ Transition) error {
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	winner, err := w.winner(ctx, st)
	if err != nil {
		return err
	}
	task := st.Task
	w.RefreshAnnouncement(ctx)

	phaseCtx := w.machine.PhaseContext()
	w.flows.Add(1)
	go func() {
		defer w.flows.Done()
		w.review(phaseCtx, task, winner)
	}()
	return nil
}

func (w *Workflow) review(ctx context.Context, task contest.Task, winner *user.User) {
	verdict, err := w.premod.PremoderateTaskForNewRound(ctx, task, winner)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("premoderation failed")
		if _, gerr := w.machine.Guard(ctx, contest.PhaseInnerCircleVoting, func(ctx context.Context) error {
			w.machine.FireExplicit(contest.PhaseStandby)
			return nil
		}); gerr != nil {
			w.logger.Error().Err(gerr).Msg("failed to abort premoderation")
		}
		return
	}

	tell := func(text string) {
		if winner != nil && winner.HasPrivateChat() {
			w.transport.Send(ctx, messaging.Outgoing{ChatID: winner.ChatID, Text: text})
		}
	}
	switch {
	case verdict.IsOverridden():
		replaced := contest.Task{Kind: verdict.Kind, Text: verdict.Text}
		tell(taskReplacedText(verdict.Text))
		w.settle(ctx, contest.PhaseInnerCircleVoting, contest.TriggerTaskApproved, &replaced)
	case verdict.IsApproved():
		tell(taskApprovedText)
		w.settle(ctx, contest.PhaseInnerCircleVoting, contest.TriggerTaskApproved, nil)
	default:
		tell(taskDeniedText(verdict.Text))
		w.settle(ctx, contest.PhaseInnerCircleVoting, contest.TriggerTaskDeclined, nil)
	}
}

// settle stores task, if any, and fires trigger, provided the machine is
// still in phase.
func (w *Workflow) settle(ctx context.Context, phase contest.Phase, trigger contest.Trigger, task *contest.Task) {
	ran, err := w.machine.Guard(ctx, phase, func(ctx context.Context) error {
		if task != nil {
			if err := w.state.Update(ctx, contest.SetTask(*task)); err != nil {
				return err
			}
		}
		w.machine.Fire(trigger)
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Str("phase", string(phase)).Str("trigger", string(trigger)).Msg("failed to settle flow")
		return
	}
	if !ran {
		w.logger.Debug().Str("phase", string(phase)).Str("trigger", string(trigger)).Msg("flow outcome dropped after phase change")
	}
}

func (w *Workflow) startCollection(ctx context.Context, _ Transition) error {
	w.extended.Store(false)
	deadline := w.clock.Now().Add(w.cfg.CollectionDuration)
	if err := w.state.Update(ctx, contest.SetDeadline(deadline)); err != nil {
		return err
	}
	if err := w.state.Update(ctx, contest.SetStatsMessage(nil)); err != nil {
		return err
	}
	w.send(ctx, collectionStartedText(deadline))
	w.RefreshAnnouncement(ctx)
	return nil
}

// checkSuggestions extends the collection once per poll when too few
// suggestions arrived by the preview instant.
func (w *Workflow) checkSuggestions(ctx context.Context, _ Transition) error {
	active, err := w.votables.ListActive(ctx, votable.KindSuggestion)
	if err != nil {
		return err
	}
	if len(active) < w.cfg.MinSuggestions && w.cfg.SuggestionExtension > 0 && w.extended.CompareAndSwap(false, true) {
		if err := w.state.Update(ctx, contest.ExtendDeadline(w.cfg.SuggestionExtension)); err != nil {
			return err
		}
		st, err := w.state.GetOrCreate(ctx)
		if err != nil {
			return err
		}
		w.send(ctx, collectionExtendedText(len(active), st.NextDeadline))
		w.RefreshAnnouncement(ctx)
		return nil
	}
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	w.send(ctx, collectionPreviewText(st.NextDeadline.Sub(w.clock.Now())))
	return nil
}

func (w *Workflow) startSuggestionVoting(ctx context.Context, _ Transition) error {
	active, err := w.votables.ListActive(ctx, votable.KindSuggestion)
	if err != nil {
		return err
	}
	switch len(active) {
	case 0:
		w.send(ctx, noSuggestionsText)
		w.machine.Fire(contest.TriggerNotEnoughContesters)
		return nil
	case 1:
		// a lone suggestion wins without a vote
		if _, err := w.votables.Consolidate(ctx, votable.KindSuggestion); err != nil {
			return err
		}
		only := active[0]
		if err := w.state.Update(ctx, contest.SetTask(contest.Task{Kind: contest.TaskKindManual, Text: only.Text})); err != nil {
			return err
		}
		w.transport.EditKeyboard(ctx, only.Container, nil)
		w.send(ctx, fallthroughText(only.Text))
		w.machine.Fire(contest.TriggerTaskSelectedByFallthrough)
		return nil
	}
	if err := w.suggestions.StartVoting(ctx); err != nil {
		return err
	}
	w.RefreshAnnouncement(ctx)
	return nil
}

// RefreshAnnouncement redraws the pinned announcement, posting and pinning a
// new one when the old one cannot be edited.
func (w *Workflow) RefreshAnnouncement(ctx context.Context) {
	st, err := w.state.GetOrCreate(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read state for announcement")
		return
	}
	text := announcementText(st)
	if st.AnnouncementMessage != nil && w.transport.Edit(ctx, *st.AnnouncementMessage, text, nil) {
		return
	}
	ref := w.send(ctx, text)
	if ref == nil {
		return
	}
	w.transport.Pin(ctx, *ref)
	if err := w.state.Update(ctx, contest.SetAnnouncementMessage(ref)); err != nil {
		w.logger.Error().Err(err).Msg("failed to store announcement ref")
	}
}

func (w *Workflow) winner(ctx context.Context, st *contest.SystemState) (*user.User, error) {
	if st.WinnerID == nil {
		return nil, nil
	}
	return w.users.GetByID(ctx, *st.WinnerID)
}

func (w *Workflow) randomTask() contest.Task {
	if len(w.cfg.RandomTasks) == 0 {
		return contest.Task{}
	}
	w.rngMu.Lock()
	i := w.rng.IntN(len(w.cfg.RandomTasks))
	w.rngMu.Unlock()
	return contest.Task{Kind: contest.TaskKindRandom, Text: w.cfg.RandomTasks[i]}
}

func (w *Workflow) send(ctx context.Context, text string) *messaging.Ref {
	ref := w.transport.Send(ctx, messaging.Outgoing{ChatID: w.cfg.ChatID, Text: text})
	if ref == nil {
		w.logger.Warn().Msg("failed to post to the contest chat")
	}
	return ref
}
