package workflow

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appOutbox "github.com/contest-hub/contest-hub/internal/application/outbox"
	"github.com/contest-hub/contest-hub/internal/application/postpone"
	"github.com/contest-hub/contest-hub/internal/application/premoderation"
	"github.com/contest-hub/contest-hub/internal/application/voting"
	"github.com/contest-hub/contest-hub/internal/dialog"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/testutil"
)

const chatID = int64(-1001)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock       *testutil.Clock
	store       *testutil.Store
	transport   *testutil.Transport
	dialogs     *dialog.Manager
	machine     *Machine
	wf          *Workflow
	subs        *Submissions
	entries     *voting.Engine
	suggestions *voting.Engine
}

func newFixture(t *testing.T, mod func(*Config)) *fixture {
	t.Helper()
	clock := testutil.NewClock(start)
	store := testutil.NewStore(clock)
	transport := testutil.NewTransport()
	logger := zerolog.Nop()
	recorder := appOutbox.NewRecorder(store.Outbox, logger)
	dialogs := dialog.NewManager(transport, clock, dialog.Config{}, logger)

	vcfg := voting.Config{
		ChatID:            chatID,
		VoteMin:           1,
		VoteMax:           5,
		VoteNeutral:       3,
		MinVotesForWinner: 2,
		VotingDuration:    72 * time.Hour,
		StatsThrottle:     time.Millisecond,
		IndicatorRate:     1000,
	}
	entries := voting.NewEngine(voting.EntryPolicy(chatID, 20, store.State, store.Users, transport), vcfg,
		store.Votables, store.Users, store.State, transport, recorder, clock, rand.New(rand.NewPCG(1, 2)), logger)
	vcfg.VotingDuration = 24 * time.Hour
	suggestions := voting.NewEngine(voting.SuggestionPolicy(store.State), vcfg,
		store.Votables, store.Users, store.State, transport, recorder, clock, rand.New(rand.NewPCG(3, 4)), logger)
	postpones := postpone.NewService(store.Postpones, store.Users, store.State, transport, recorder,
		postpone.Config{ChatID: chatID, Quorum: 3, Cost: 10, MaxDuration: 7 * 24 * time.Hour}, logger)
	premod := premoderation.NewService(store.Users, dialogs, transport,
		premoderation.Config{VoteTimeout: 2 * time.Second, GraceWindow: 10 * time.Millisecond}, logger)
	notifier := NewAdminBroadcast(store.Users, transport, logger)
	machine := NewMachine(store.State, notifier, time.Minute, logger)

	cfg := Config{
		ChatID:              chatID,
		ContestDuration:     7 * 24 * time.Hour,
		CollectionDuration:  48 * time.Hour,
		MinSuggestions:      2,
		SuggestionExtension: 24 * time.Hour,
		ParticipationReward: 5,
		WinnerChoiceTimeout: 2 * time.Second,
		RandomTasks:         []string{"Record a track with a single instrument"},
	}
	if mod != nil {
		mod(&cfg)
	}
	wf := NewWorkflow(machine, store.State, store.Users, store.Votables, entries, suggestions, postpones, premod,
		dialogs, transport, recorder, notifier, clock, rand.New(rand.NewPCG(5, 6)), cfg, logger)
	wf.Register()

	f := &fixture{
		clock:       clock,
		store:       store,
		transport:   transport,
		dialogs:     dialogs,
		machine:     machine,
		wf:          wf,
		subs:        NewSubmissions(machine, store.State, store.Users, store.Votables, transport, recorder, chatID, logger),
		entries:     entries,
		suggestions: suggestions,
	}
	// registered first so it runs after the machine is stopped
	t.Cleanup(func() {
		wf.Wait()
		entries.Wait()
		suggestions.Wait()
	})
	return f
}

func (f *fixture) setState(t *testing.T, updates ...contest.FieldUpdate) {
	t.Helper()
	for _, u := range updates {
		require.NoError(t, f.store.State.Update(context.Background(), u))
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	runMachine(t, f.machine)
	quiesce(t, f.machine)
}

// script presses a button for every keyboard prompt sent to a chat and
// answers follow-up questions containing a marker.
func (f *fixture) script(buttons map[int64]string, replies map[string]string) {
	f.transport.OnSend = func(s testutil.Sent) {
		if len(s.Keyboard) > 0 {
			if data, ok := buttons[s.ChatID]; ok {
				f.dialogs.DeliverInteraction(messaging.Interaction{
					ID: "cb", ChatID: s.ChatID, UserID: s.ChatID, MessageID: s.Ref.MessageID, Data: data,
				})
			}
			return
		}
		for marker, reply := range replies {
			if strings.Contains(s.Text, marker) {
				f.dialogs.DeliverMessage(messaging.Message{ChatID: s.ChatID, UserID: s.ChatID, Text: reply, Private: true})
			}
		}
	}
}

func (f *fixture) phase() contest.Phase {
	return f.store.Snapshot().Phase
}

func (f *fixture) eventually(t *testing.T, phase contest.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return f.phase() == phase }, 5*time.Second, 5*time.Millisecond,
		"phase stayed %s", f.phase())
	quiesce(t, f.machine)
}

func (f *fixture) countEvents(t outbox.Type) int {
	n := 0
	for _, e := range f.store.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func entryMsg(userID int64, id int, text string) messaging.Message {
	return messaging.Message{ID: id, ChatID: userID, UserID: userID, Text: text, Private: true}
}

func TestWorkflow_KickstartStartsRound(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	ran, err := f.wf.Kickstart(ctx, "Compose a waltz")
	require.NoError(t, err)
	require.True(t, ran)
	quiesce(t, f.machine)

	st := f.store.Snapshot()
	assert.Equal(t, contest.PhaseContest, st.Phase)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, contest.Task{Kind: contest.TaskKindManual, Text: "Compose a waltz"}, st.Task)
	assert.Equal(t, start.Add(7*24*time.Hour), st.NextDeadline)
	require.NotNil(t, st.AnnouncementMessage)
	assert.Contains(t, f.transport.Pinned(), *st.AnnouncementMessage)
	assert.Equal(t, 1, f.countEvents(outbox.TypeRoundStarted))

	ran, err = f.wf.Kickstart(ctx, "")
	require.NoError(t, err)
	assert.False(t, ran, "kickstart only works from standby")
}

func TestWorkflow_FullRound(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []int64{1, 2, 3} {
		f.store.AddUser(id, user.RoleMember, 0)
	}
	f.script(map[int64]string{1: choiceRandom}, nil)
	f.start(t)
	ctx := context.Background()

	_, err := f.wf.Kickstart(ctx, "Compose a waltz")
	require.NoError(t, err)
	quiesce(t, f.machine)

	ids := make(map[int64]int64)
	for _, id := range []int64{1, 2, 3} {
		v, err := f.subs.SubmitEntry(ctx, entryMsg(id, int(100+id), "track"))
		require.NoError(t, err)
		ids[id] = v.ID
	}
	assert.Equal(t, 3, f.countEvents(outbox.TypeTrackAdded))

	f.machine.Fire(contest.TriggerDeadlineHit)
	quiesce(t, f.machine)
	require.Equal(t, contest.PhaseVoting, f.phase())

	cast := func(voter, author int64, value int) {
		_, err := f.entries.CastOrUpdateVote(ctx, voter, ids[author], value)
		require.NoError(t, err)
	}
	// sums: author 1 = 5+5, author 2 = 3+1, author 3 = 3+3
	cast(3, 1, 5)
	cast(1, 2, 1)
	cast(2, 1, 5)

	f.machine.Fire(contest.TriggerDeadlineHit)
	f.eventually(t, contest.PhaseContest)

	st := f.store.Snapshot()
	assert.Equal(t, 2, st.Round)
	require.NotNil(t, st.WinnerID)
	assert.Equal(t, int64(1), *st.WinnerID)
	assert.Equal(t, contest.Task{Kind: contest.TaskKindRandom, Text: "Record a track with a single instrument"}, st.Task)

	balance := func(id int64) int64 {
		u, err := f.store.Users.GetByID(ctx, id)
		require.NoError(t, err)
		return u.Balance
	}
	assert.Equal(t, int64(25), balance(1))
	assert.Equal(t, int64(5), balance(2))
	assert.Equal(t, int64(5), balance(3))

	assert.Equal(t, 3, f.countEvents(outbox.TypeVotesUpdated))
	assert.Equal(t, 2, f.countEvents(outbox.TypeRoundStarted))
	assert.Contains(t, f.transport.Texts(1), chooseTaskText)
	assert.Contains(t, f.transport.Texts(1), taskApprovedText)
}

func TestWorkflow_VotingWithoutEntriesStandsBy(t *testing.T) {
	f := newFixture(t, nil)
	f.setState(t, contest.SetPhase(contest.PhaseContest), contest.SetRound(3))
	f.start(t)

	f.machine.Fire(contest.TriggerDeadlineHit)
	quiesce(t, f.machine)

	assert.Equal(t, contest.PhaseStandby, f.phase())
	assert.Contains(t, f.transport.Texts(chatID), noEntriesText)
}

func TestWorkflow_SingleSuggestionFallsThroughToContest(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddUser(2, user.RoleMember, 0)
	f.setState(t, contest.SetPhase(contest.PhaseTaskSuggestionCollection))
	f.start(t)
	ctx := context.Background()

	s, err := f.subs.SubmitSuggestion(ctx, entryMsg(2, 50, "  Sing about rain "))
	require.NoError(t, err)

	f.machine.Fire(contest.TriggerDeadlineHit)
	quiesce(t, f.machine)

	st := f.store.Snapshot()
	assert.Equal(t, contest.PhaseContest, st.Phase)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, contest.Task{Kind: contest.TaskKindManual, Text: "Sing about rain"}, st.Task)

	sealed, err := f.store.Votables.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, sealed.IsOpen())
	assert.Contains(t, f.transport.Texts(chatID), fallthroughText("Sing about rain"))
}

func TestWorkflow_NoSuggestionsStandsBy(t *testing.T) {
	f := newFixture(t, nil)
	f.setState(t, contest.SetPhase(contest.PhaseTaskSuggestionCollection))
	f.start(t)

	f.machine.Fire(contest.TriggerDeadlineHit)
	quiesce(t, f.machine)

	assert.Equal(t, contest.PhaseStandby, f.phase())
	assert.Contains(t, f.transport.Texts(chatID), noSuggestionsText)
}

func TestWorkflow_PollPicksNextTask(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []int64{1, 2, 3} {
		f.store.AddUser(id, user.RoleMember, 0)
	}
	f.setState(t, contest.SetPhase(contest.PhaseTaskSuggestionCollection), contest.SetRound(4))
	f.start(t)
	ctx := context.Background()

	first, err := f.subs.SubmitSuggestion(ctx, entryMsg(1, 10, "Play it backwards"))
	require.NoError(t, err)
	second, err := f.subs.SubmitSuggestion(ctx, entryMsg(2, 11, "No drums allowed"))
	require.NoError(t, err)

	f.machine.Fire(contest.TriggerDeadlineHit)
	quiesce(t, f.machine)
	require.Equal(t, contest.PhaseTaskSuggestionVoting, f.phase())

	for _, v := range []struct {
		voter, id int64
		value     int
	}{
		{3, first.ID, 5},
		{2, first.ID, 4},
		{1, second.ID, 1},
	} {
		_, err := f.suggestions.CastOrUpdateVote(ctx, v.voter, v.id, v.value)
		require.NoError(t, err)
	}

	f.machine.Fire(contest.TriggerDeadlineHit)
	quiesce(t, f.machine)

	st := f.store.Snapshot()
	assert.Equal(t, contest.PhaseContest, st.Phase)
	assert.Equal(t, 5, st.Round)
	assert.Equal(t, "Play it backwards", st.Task.Text)
}

func TestWorkflow_CollectionExtendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	_, err := f.wf.Kickstart(context.Background(), "")
	require.NoError(t, err)
	quiesce(t, f.machine)
	require.Equal(t, contest.PhaseTaskSuggestionCollection, f.phase())
	assert.Equal(t, start.Add(48*time.Hour), f.store.Snapshot().NextDeadline)

	f.machine.Fire(contest.TriggerPreviewDeadlineHit)
	quiesce(t, f.machine)
	assert.Equal(t, start.Add(72*time.Hour), f.store.Snapshot().NextDeadline)

	f.machine.Fire(contest.TriggerPreviewDeadlineHit)
	quiesce(t, f.machine)
	assert.Equal(t, start.Add(72*time.Hour), f.store.Snapshot().NextDeadline)
	assert.Equal(t, contest.PhaseTaskSuggestionCollection, f.phase())
}

func TestWorkflow_WinnerSilenceOpensPoll(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.WinnerChoiceTimeout = 30 * time.Millisecond })
	f.store.AddUser(1, user.RoleMember, 0)
	winner := int64(1)
	f.setState(t, contest.SetPhase(contest.PhaseChoosingNextTask), contest.SetWinner(&winner))
	f.start(t)

	f.eventually(t, contest.PhaseTaskSuggestionCollection)
	assert.Contains(t, f.transport.Texts(1), choiceTimeoutText)
}

func TestWorkflow_WinnerWritesOwnTask(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddUser(1, user.RoleMember, 0)
	f.store.AddUser(9, user.RoleAdmin, 0)
	f.script(
		map[int64]string{1: choiceOwn, 9: "pm:approve"},
		map[string]string{askTaskText: "Use only field recordings"},
	)
	winner := int64(1)
	f.setState(t, contest.SetPhase(contest.PhaseChoosingNextTask), contest.SetWinner(&winner), contest.SetRound(2))
	f.start(t)

	f.eventually(t, contest.PhaseContest)
	st := f.store.Snapshot()
	assert.Equal(t, 3, st.Round)
	assert.Equal(t, contest.Task{Kind: contest.TaskKindManual, Text: "Use only field recordings"}, st.Task)
}

func TestWorkflow_DeniedTaskReturnsToWinner(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddUser(1, user.RoleMember, 0)
	f.store.AddUser(9, user.RoleAdmin, 0)
	f.script(
		map[int64]string{1: choicePoll, 9: "pm:deny"},
		map[string]string{"why the task is denied": "too hard"},
	)
	winner := int64(1)
	f.setState(t,
		contest.SetPhase(contest.PhaseInnerCircleVoting),
		contest.SetWinner(&winner),
		contest.SetTask(contest.Task{Kind: contest.TaskKindManual, Text: "Paint a cloud"}),
	)
	f.start(t)

	f.eventually(t, contest.PhaseTaskSuggestionCollection)
	assert.Contains(t, f.transport.Texts(1), taskDeniedText("too hard"))
}

func TestWorkflow_HandlerFailureNotifiesAdmins(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RandomTasks = nil })
	f.store.AddUser(9, user.RoleAdmin, 0)
	f.start(t)

	f.machine.FireExplicit(contest.PhaseContest)
	quiesce(t, f.machine)

	assert.Equal(t, contest.PhaseStandby, f.phase())
	texts := f.transport.Texts(9)
	require.NotEmpty(t, texts)
	assert.Contains(t, texts[0], errNoTask.Error())
}

func TestWorkflow_ActivationRefreshesAnnouncement(t *testing.T) {
	f := newFixture(t, nil)
	ref := &messaging.Ref{ChatID: chatID, MessageID: 77}
	f.setState(t,
		contest.SetPhase(contest.PhaseContest),
		contest.SetRound(2),
		contest.SetAnnouncementMessage(ref),
		contest.SetTask(contest.Task{Kind: contest.TaskKindManual, Text: "Hum"}),
	)
	f.start(t)

	edits := f.transport.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, *ref, edits[0].Ref)
	assert.Contains(t, edits[0].Text, "Round 2")
	assert.Empty(t, f.transport.Texts(chatID), "resume must not repost")
}
