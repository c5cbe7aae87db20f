package postpone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appOutbox "github.com/contest-hub/contest-hub/internal/application/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/postpone"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/testutil"
)

const day = 24 * time.Hour

func newService(t *testing.T, quorum int) (*Service, *testutil.Store, *testutil.Transport, time.Time) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	store := testutil.NewStore(clock)
	transport := testutil.NewTransport()
	ctx := context.Background()
	deadline := clock.Now().Add(2 * day)
	require.NoError(t, store.State.Update(ctx, contest.SetPhase(contest.PhaseContest)))
	require.NoError(t, store.State.Update(ctx, contest.SetDeadline(deadline)))

	svc := NewService(store.Postpones, store.Users, store.State, transport,
		appOutbox.NewRecorder(store.Outbox, zerolog.Nop()),
		Config{ChatID: -100, Quorum: quorum, Cost: 10, MaxDuration: 7 * day, LockTimeout: time.Second},
		zerolog.Nop())
	return svc, store, transport, deadline
}

func balance(t *testing.T, store *testutil.Store, id int64) int64 {
	t.Helper()
	u, err := store.Users.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

func TestDemand_QuorumPostponesByLongestDuration(t *testing.T) {
	svc, store, transport, deadline := newService(t, 3)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		store.AddUser(id, user.RoleMember, 50)
	}

	assert.Equal(t, ResultAccepted, svc.Demand(ctx, 1, day))
	assert.Equal(t, ResultAccepted, svc.Demand(ctx, 2, 3*day))
	assert.Equal(t, ResultAcceptedAndPostponed, svc.Demand(ctx, 3, 7*day))

	assert.Equal(t, deadline.Add(7*day), store.Snapshot().NextDeadline)

	reqs := store.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, postpone.StatusClosedDiscarded, reqs[0].Status)
	assert.Equal(t, postpone.StatusClosedDiscarded, reqs[1].Status)
	assert.Equal(t, postpone.StatusClosedSatisfied, reqs[2].Status)

	assert.Equal(t, int64(50), balance(t, store, 1))
	assert.Equal(t, int64(50), balance(t, store, 2))
	assert.Equal(t, int64(40), balance(t, store, 3))

	assert.Len(t, transport.SentTo(-100), 1)
	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypeRoundPatched, events[0].Type)
}

func TestDemand_TiesGoToEarliestRequest(t *testing.T) {
	svc, store, _, _ := newService(t, 2)
	ctx := context.Background()
	store.AddUser(1, user.RoleMember, 50)
	store.AddUser(2, user.RoleMember, 50)

	require.Equal(t, ResultAccepted, svc.Demand(ctx, 1, 2*day))
	require.Equal(t, ResultAcceptedAndPostponed, svc.Demand(ctx, 2, 2*day))

	reqs := store.Requests()
	assert.Equal(t, postpone.StatusClosedSatisfied, reqs[0].Status)
	assert.Equal(t, postpone.StatusClosedDiscarded, reqs[1].Status)
}

func TestDemand_Denials(t *testing.T) {
	svc, store, _, _ := newService(t, 3)
	ctx := context.Background()
	store.AddUser(1, user.RoleMember, 50)
	store.AddUser(2, user.RoleMember, 5)

	t.Run("already has open request", func(t *testing.T) {
		require.Equal(t, ResultAccepted, svc.Demand(ctx, 1, day))
		assert.Equal(t, ResultDeniedAlreadyHasOpen, svc.Demand(ctx, 1, 3*day))
		assert.Equal(t, int64(40), balance(t, store, 1))
	})

	t.Run("insufficient balance creates nothing", func(t *testing.T) {
		assert.Equal(t, ResultDeniedInsufficientBalance, svc.Demand(ctx, 2, day))
		open, err := store.Postpones.GetOpenByUser(ctx, 2)
		require.NoError(t, err)
		assert.Nil(t, open)
		assert.Equal(t, int64(5), balance(t, store, 2))
	})

	t.Run("invalid duration", func(t *testing.T) {
		assert.Equal(t, ResultDeniedInvalidDuration, svc.Demand(ctx, 2, 8*day))
		assert.Equal(t, ResultDeniedInvalidDuration, svc.Demand(ctx, 2, -time.Hour))
	})

	t.Run("wrong phase", func(t *testing.T) {
		require.NoError(t, store.State.Update(ctx, contest.SetPhase(contest.PhaseVoting)))
		assert.Equal(t, ResultDeniedWrongPhase, svc.Demand(ctx, 2, day))
	})
}

func TestDemand_LockTimeoutIsGeneralFailure(t *testing.T) {
	svc, store, _, _ := newService(t, 3)
	store.AddUser(1, user.RoleMember, 50)
	require.NoError(t, svc.lock.Acquire(context.Background(), 1))
	defer svc.lock.Release(1)

	svc.cfg.LockTimeout = 20 * time.Millisecond
	assert.Equal(t, ResultGeneralFailure, svc.Demand(context.Background(), 1, day))
}

func TestCloseAllAndRefund(t *testing.T) {
	svc, store, transport, _ := newService(t, 5)
	ctx := context.Background()
	store.AddUser(1, user.RoleMember, 50)
	store.AddUser(2, user.RoleMember, 50)
	require.Equal(t, ResultAccepted, svc.Demand(ctx, 1, day))
	require.Equal(t, ResultAccepted, svc.Demand(ctx, 2, day))
	transport.FailChats[2] = true

	require.NoError(t, svc.CloseAllAndRefund(ctx, postpone.StatusClosedDiscarded))

	for _, r := range store.Requests() {
		assert.Equal(t, postpone.StatusClosedDiscarded, r.Status)
	}
	assert.Equal(t, int64(50), balance(t, store, 1))
	assert.Equal(t, int64(50), balance(t, store, 2))
	assert.Len(t, transport.SentTo(1), 1)
	assert.Empty(t, transport.SentTo(2))

	assert.ErrorIs(t, svc.CloseAllAndRefund(ctx, postpone.StatusOpen), postpone.ErrInvalidTransition)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"3d":    3 * day,
		"1d12h": day + 12*time.Hour,
		"90m":   90 * time.Minute,
		" 7D ":  7 * day,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "xd", "soon"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestDemand_FailedApplyLeavesStateUntouched(t *testing.T) {
	svc, store, transport, deadline := newService(t, 2)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		store.AddUser(id, user.RoleMember, 50)
	}
	store.Postpones.FailApply = errors.New("connection reset")

	assert.Equal(t, ResultAccepted, svc.Demand(ctx, 1, 2*day))
	assert.Equal(t, ResultGeneralFailure, svc.Demand(ctx, 2, day))

	assert.Equal(t, deadline, store.Snapshot().NextDeadline)
	for _, r := range store.Requests() {
		assert.Equal(t, postpone.StatusOpen, r.Status)
	}
	assert.Empty(t, transport.SentTo(-100))

	store.Postpones.FailApply = nil
	assert.Equal(t, ResultAcceptedAndPostponed, svc.Demand(ctx, 3, day))

	assert.Equal(t, deadline.Add(2*day), store.Snapshot().NextDeadline)
	reqs := store.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, postpone.StatusClosedSatisfied, reqs[0].Status)
	assert.Equal(t, postpone.StatusClosedDiscarded, reqs[1].Status)
	assert.Equal(t, postpone.StatusClosedDiscarded, reqs[2].Status)
	assert.Equal(t, int64(40), balance(t, store, 1))
	assert.Equal(t, int64(50), balance(t, store, 2))
	assert.Len(t, transport.SentTo(-100), 1)
}
