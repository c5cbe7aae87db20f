package voting

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
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
	"github.com/contest-hub/contest-hub/internal/testutil"
)

const chatID = int64(-100)

type fixture struct {
	engine    *Engine
	store     *testutil.Store
	transport *testutil.Transport
	clock     *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewStore(clock)
	transport := testutil.NewTransport()
	cfg := Config{
		ChatID:            chatID,
		VoteMin:           1,
		VoteMax:           5,
		VoteNeutral:       3,
		MinVotesForWinner: 2,
		VotingDuration:    72 * time.Hour,
		StatsThrottle:     time.Hour,
		IndicatorRate:     1000,
	}
	policy := EntryPolicy(chatID, 20, store.State, store.Users, transport)
	engine := NewEngine(policy, cfg, store.Votables, store.Users, store.State, transport,
		appOutbox.NewRecorder(store.Outbox, zerolog.Nop()), clock, rand.New(rand.NewPCG(1, 2)), zerolog.Nop())
	t.Cleanup(engine.Wait)
	return &fixture{engine: engine, store: store, transport: transport, clock: clock}
}

func (f *fixture) entry(t *testing.T, authorID int64) *votable.Votable {
	t.Helper()
	v := &votable.Votable{
		Kind:      votable.KindEntry,
		AuthorID:  authorID,
		Container: messaging.Ref{ChatID: chatID, MessageID: int(1000 + authorID)},
		Source:    messaging.Ref{ChatID: authorID, MessageID: 1},
		Text:      "track",
	}
	require.NoError(t, f.store.Votables.Create(context.Background(), v))
	return v
}

func (f *fixture) vote(t *testing.T, voterID, votableID int64, value int) {
	t.Helper()
	_, err := f.store.Votables.UpsertVote(context.Background(), &votable.Vote{VoterID: voterID, VotableID: votableID, Value: value})
	require.NoError(t, err)
}

func values(t *testing.T, f *fixture, votableID int64) map[int64]int {
	t.Helper()
	votes, err := f.store.Votables.ListVotes(context.Background(), votableID)
	require.NoError(t, err)
	out := make(map[int64]int)
	for _, v := range votes {
		out[v.VoterID] = v.Value
	}
	return out
}

func TestCastOrUpdateVote_BackfillsNeutralOnFirstVote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.entry(t, 1), f.entry(t, 2), f.entry(t, 3)

	updated, err := f.engine.CastOrUpdateVote(ctx, 10, a.ID, 5)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, map[int64]int{10: 5}, values(t, f, a.ID))
	assert.Equal(t, map[int64]int{10: 3}, values(t, f, b.ID))
	assert.Equal(t, map[int64]int{10: 3}, values(t, f, c.ID))

	updated, err = f.engine.CastOrUpdateVote(ctx, 10, b.ID, 4)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, map[int64]int{10: 4}, values(t, f, b.ID))
	assert.Equal(t, map[int64]int{10: 3}, values(t, f, c.ID))

	// an author never gets a backfilled vote on their own entry
	_, err = f.engine.CastOrUpdateVote(ctx, 2, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{10: 4}, values(t, f, b.ID))
	assert.Equal(t, map[int64]int{10: 3, 2: 3}, values(t, f, c.ID))
}

func TestCastOrUpdateVote_OneRowPerVoterAndVotable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entry(t, 1)

	for _, v := range []int{1, 2, 5} {
		_, err := f.engine.CastOrUpdateVote(ctx, 10, a.ID, v)
		require.NoError(t, err)
	}
	assert.Equal(t, map[int64]int{10: 5}, values(t, f, a.ID))
}

func TestCastOrUpdateVote_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entry(t, 1)

	_, err := f.engine.CastOrUpdateVote(ctx, 1, a.ID, 3)
	assert.ErrorIs(t, err, votable.ErrOwnVotable)

	_, err = f.engine.CastOrUpdateVote(ctx, 10, a.ID, 6)
	assert.ErrorIs(t, err, votable.ErrVoteRange)

	_, err = f.engine.CastOrUpdateVote(ctx, 10, 999, 3)
	assert.ErrorIs(t, err, votable.ErrNotFound)

	_, err = f.store.Votables.Consolidate(ctx, votable.KindEntry)
	require.NoError(t, err)
	_, err = f.engine.CastOrUpdateVote(ctx, 10, a.ID, 3)
	assert.ErrorIs(t, err, votable.ErrClosed)
}

func TestConsolidation_SumsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.entry(t, 1), f.entry(t, 2)
	f.vote(t, 10, a.ID, 5)
	f.vote(t, 11, a.ID, 2)
	f.vote(t, 10, b.ID, 1)

	sealed, err := f.store.Votables.Consolidate(ctx, votable.KindEntry)
	require.NoError(t, err)
	require.Len(t, sealed, 2)
	assert.Equal(t, 7, sealed[0].Votes())
	assert.Equal(t, 1, sealed[1].Votes())

	again, err := f.store.Votables.Consolidate(ctx, votable.KindEntry)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := f.store.Votables.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Votes())
}

func TestConsolidateAndFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("highest sum wins", func(t *testing.T) {
		f := newFixture(t)
		f.store.AddUser(1, user.RoleMember, 0)
		f.store.AddUser(2, user.RoleMember, 0)
		a, b := f.entry(t, 1), f.entry(t, 2)
		f.vote(t, 10, a.ID, 5)
		f.vote(t, 10, b.ID, 2)

		res, err := f.engine.ConsolidateAndFinalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOK, res.Outcome)
		require.NotNil(t, res.Author)
		assert.Equal(t, int64(1), res.Author.ID)
		assert.Equal(t, a.ID, res.Winner.ID)

		st := f.store.Snapshot()
		require.NotNil(t, st.WinnerID)
		assert.Equal(t, int64(1), *st.WinnerID)
		winner, _ := f.store.Users.GetByID(ctx, 1)
		assert.Equal(t, int64(20), winner.Balance)
		assert.Len(t, f.transport.Forwarded(), 1)

		events := f.store.Events()
		require.Len(t, events, 2)
		assert.Equal(t, outbox.TypeVotesUpdated, events[0].Type)
	})

	t.Run("zero sums are not enough votes", func(t *testing.T) {
		f := newFixture(t)
		f.store.AddUser(1, user.RoleMember, 0)
		f.store.AddUser(2, user.RoleMember, 0)
		f.entry(t, 1)
		f.entry(t, 2)

		res, err := f.engine.ConsolidateAndFinalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotEnoughVotes, res.Outcome)
		assert.Nil(t, f.store.Snapshot().WinnerID)
	})

	t.Run("no entries", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.engine.ConsolidateAndFinalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotEnoughContesters, res.Outcome)
	})

	t.Run("previous winner sits out with more than two entries", func(t *testing.T) {
		f := newFixture(t)
		for id := int64(1); id <= 3; id++ {
			f.store.AddUser(id, user.RoleMember, 0)
		}
		prev := int64(1)
		require.NoError(t, f.store.State.Update(ctx, contest.SetWinner(&prev)))
		a, b, c := f.entry(t, 1), f.entry(t, 2), f.entry(t, 3)
		f.vote(t, 10, a.ID, 5)
		f.vote(t, 10, b.ID, 4)
		f.vote(t, 10, c.ID, 2)

		res, err := f.engine.ConsolidateAndFinalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, int64(2), res.Author.ID)
	})

	t.Run("tie picks one of the tied authors", func(t *testing.T) {
		f := newFixture(t)
		f.store.AddUser(1, user.RoleMember, 0)
		f.store.AddUser(2, user.RoleMember, 0)
		a, b := f.entry(t, 1), f.entry(t, 2)
		f.vote(t, 10, a.ID, 4)
		f.vote(t, 10, b.ID, 4)

		res, err := f.engine.ConsolidateAndFinalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Len(t, res.Tied, 2)
		assert.Contains(t, []int64{1, 2}, res.Author.ID)

		var tie bool
		for _, text := range f.transport.Texts(chatID) {
			tie = tie || strings.Contains(text, "tie")
		}
		assert.True(t, tie)
	})

	t.Run("unresolvable winner halts", func(t *testing.T) {
		f := newFixture(t)
		f.store.AddUser(2, user.RoleMember, 0)
		a, b := f.entry(t, 1), f.entry(t, 2)
		f.vote(t, 10, a.ID, 5)
		f.vote(t, 10, b.ID, 2)

		res, err := f.engine.ConsolidateAndFinalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeHalt, res.Outcome)
	})
}

func TestStartVoting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entry(t, 1)

	require.NoError(t, f.engine.StartVoting(ctx))

	st := f.store.Snapshot()
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), st.NextDeadline)
	require.NotNil(t, st.StatsMessage)

	edits := f.transport.Edits()
	require.NotEmpty(t, edits)
	assert.Equal(t, a.Container, edits[0].Ref)
	assert.Equal(t, f.engine.VoteKeyboard(a.ID), edits[0].Keyboard)
	assert.Len(t, f.transport.SentTo(chatID), 2)
}

func TestHandleInteraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entry(t, 1)

	assert.True(t, f.engine.Owns("ve:1:3"))
	assert.False(t, f.engine.Owns("vs:1:3"))

	f.engine.HandleInteraction(ctx, messaging.Interaction{ID: "q1", UserID: 10, Data: f.engine.VoteKeyboard(a.ID)[0][4].Data})
	f.engine.HandleInteraction(ctx, messaging.Interaction{ID: "q2", UserID: 10, Data: f.engine.VoteKeyboard(a.ID)[0][1].Data})
	f.engine.HandleInteraction(ctx, messaging.Interaction{ID: "q3", UserID: 1, Data: f.engine.VoteKeyboard(a.ID)[0][0].Data})
	f.engine.HandleInteraction(ctx, messaging.Interaction{ID: "q4", UserID: 10, Data: "ve:x:1"})
	f.engine.Wait()

	assert.Equal(t, []string{
		"Voted 5",
		"Vote changed to 2",
		"You cannot vote for your own entry",
		"Unknown vote",
	}, f.transport.Answers())
	assert.Equal(t, map[int64]int{10: 2}, values(t, f, a.ID))
}

func TestStandingsCoverOnlyCurrentPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		f.store.AddUser(id, user.RoleMember, 0)
	}

	// two polls in the same round
	a, b := f.entry(t, 1), f.entry(t, 2)
	require.NoError(t, f.engine.StartVoting(ctx))
	f.vote(t, 10, a.ID, 5)
	f.vote(t, 11, a.ID, 4)
	f.vote(t, 10, b.ID, 1)
	_, err := f.engine.ConsolidateAndFinalize(ctx)
	require.NoError(t, err)
	f.engine.Wait()

	c := f.entry(t, 3)
	require.NoError(t, f.engine.StartVoting(ctx))
	f.vote(t, 10, c.ID, 4)
	before := len(f.transport.Edits())

	f.engine.RefreshStats(ctx)
	f.engine.WalkIndicators(ctx)

	st := f.store.Snapshot()
	require.NotNil(t, st.StatsMessage)
	edits := f.transport.Edits()[before:]
	var stats []string
	for _, e := range edits {
		assert.NotEqual(t, a.Container, e.Ref, "sealed votable of the earlier poll is not walked")
		assert.NotEqual(t, b.Container, e.Ref, "sealed votable of the earlier poll is not walked")
		if e.Ref == *st.StatsMessage {
			stats = append(stats, e.Text)
		}
	}
	require.Len(t, stats, 1)
	lines := strings.Split(stats[0], "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], ": 4"), lines[1])
}
