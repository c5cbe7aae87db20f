package premoderation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contest-hub/contest-hub/internal/dialog"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/testutil"
)

type fixture struct {
	svc       *Service
	store     *testutil.Store
	transport *testutil.Transport
	dialogs   *dialog.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	store := testutil.NewStore(clock)
	transport := testutil.NewTransport()
	dialogs := dialog.NewManager(transport, clock, dialog.Config{}, zerolog.Nop())
	return &fixture{
		svc:       NewService(store.Users, dialogs, transport, cfg, zerolog.Nop()),
		store:     store,
		transport: transport,
		dialogs:   dialogs,
	}
}

// script answers admin prompts: button data per admin and free-text replies
// to follow-up questions.
func (f *fixture) script(buttons map[int64]string, replies map[int64]string) {
	f.transport.OnSend = func(s testutil.Sent) {
		if len(s.Keyboard) > 0 {
			if data, ok := buttons[s.ChatID]; ok {
				f.dialogs.DeliverInteraction(messaging.Interaction{
					ID: "cb", ChatID: s.ChatID, UserID: s.ChatID, MessageID: s.Ref.MessageID, Data: data,
				})
			}
			return
		}
		if s.Text == askReasonText || s.Text == askOverrideText {
			if reply, ok := replies[s.ChatID]; ok {
				f.dialogs.DeliverMessage(messaging.Message{ChatID: s.ChatID, UserID: s.ChatID, Text: reply})
			}
		}
	}
}

var task = contest.Task{Kind: contest.TaskKindRandom, Text: "Write a lullaby"}

func TestPremoderate_NoAdminsAutoApproves(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second})
	f.store.AddUser(1, user.RoleMember, 0)

	verdict, err := f.svc.Premoderate(context.Background(), task, true)
	require.NoError(t, err)
	assert.True(t, verdict.IsApproved())
	assert.Equal(t, task.Text, verdict.Text)
	assert.Equal(t, contest.TaskKindRandom, verdict.Kind)
}

func TestPremoderate_AllApprove(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second, GraceWindow: time.Second})
	f.store.AddUser(1, user.RoleAdmin, 0)
	f.store.AddUser(2, user.RoleAdmin, 0)
	f.script(map[int64]string{1: dataApprove, 2: dataApprove}, nil)

	verdict, err := f.svc.Premoderate(context.Background(), task, true)
	require.NoError(t, err)
	assert.True(t, verdict.IsApproved())
	assert.Equal(t, 0, f.dialogs.ActiveCount())
}

func TestPremoderate_DenyWinsOverApprove(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second, GraceWindow: time.Second})
	f.store.AddUser(1, user.RoleAdmin, 0)
	f.store.AddUser(2, user.RoleAdmin, 0)
	f.script(map[int64]string{1: dataDeny, 2: dataApprove}, map[int64]string{1: "too vague"})

	verdict, err := f.svc.Premoderate(context.Background(), task, true)
	require.NoError(t, err)
	require.NotNil(t, verdict.Approved)
	assert.False(t, *verdict.Approved)
	assert.Equal(t, "too vague", verdict.Text)
}

func TestPremoderate_SupervisorOverride(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second, GraceWindow: time.Second})
	f.store.AddUser(1, user.RoleSupervisor, 0)
	f.store.AddUser(2, user.RoleAdmin, 0)
	f.script(map[int64]string{1: dataOverride, 2: dataDeny}, map[int64]string{1: "Write a lullaby in 5/4", 2: "no"})

	verdict, err := f.svc.Premoderate(context.Background(), task, true)
	require.NoError(t, err)
	assert.True(t, verdict.IsOverridden())
	assert.Equal(t, "Write a lullaby in 5/4", verdict.Text)
	assert.Equal(t, contest.TaskKindManual, verdict.Kind)
}

func TestPremoderate_DenyCancelsStragglersAfterGrace(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Minute, GraceWindow: 20 * time.Millisecond, DetailTimeout: time.Second})
	f.store.AddUser(1, user.RoleAdmin, 0)
	f.store.AddUser(2, user.RoleAdmin, 0)
	f.script(map[int64]string{1: dataDeny}, map[int64]string{1: "off topic"})

	start := time.Now()
	verdict, err := f.svc.Premoderate(context.Background(), task, true)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, verdict.IsApproved())
	assert.Equal(t, "off topic", verdict.Text)

	var informed bool
	for _, text := range f.transport.Texts(2) {
		informed = informed || strings.Contains(text, "voted deny: off topic")
	}
	assert.True(t, informed)
}

func TestPremoderateTaskForNewRound_WithoutWinnerIsApproveOnly(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second})
	f.store.AddUser(1, user.RoleSupervisor, 0)
	f.script(map[int64]string{1: dataDeny}, nil)

	verdict, err := f.svc.PremoderateTaskForNewRound(context.Background(), task, nil)
	require.NoError(t, err)
	assert.True(t, verdict.IsApproved())

	sent := f.transport.SentTo(1)
	require.NotEmpty(t, sent)
	assert.Equal(t, messaging.Row(messaging.Button{Text: "Approve", Data: dataApprove}), sent[0].Keyboard)
	assert.Contains(t, sent[0].Text, "unavailable")
}

func TestPremoderateTaskForNewRound_NotifiesWinner(t *testing.T) {
	f := newFixture(t, Config{VoteTimeout: time.Second})
	winner := f.store.AddUser(5, user.RoleMember, 0)
	f.store.AddUser(1, user.RoleAdmin, 0)
	f.script(map[int64]string{1: dataApprove}, nil)

	verdict, err := f.svc.PremoderateTaskForNewRound(context.Background(), task, winner)
	require.NoError(t, err)
	assert.True(t, verdict.IsApproved())
	assert.Equal(t, []string{underReviewText}, f.transport.Texts(5))
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		name  string
		votes []Vote
		check func(t *testing.T, v Verdict)
	}{
		{"all skipped approves", []Vote{{Outcome: OutcomeSkipped}}, func(t *testing.T, v Verdict) {
			assert.True(t, v.IsApproved())
			assert.Equal(t, task.Text, v.Text)
		}},
		{"deny before approve", []Vote{{Outcome: OutcomeApprove}, {Outcome: OutcomeDeny, Detail: "why"}}, func(t *testing.T, v Verdict) {
			assert.False(t, v.IsApproved())
			assert.False(t, v.IsOverridden())
			assert.Equal(t, "why", v.Text)
		}},
		{"override before deny", []Vote{{Outcome: OutcomeDeny}, {Outcome: OutcomeOverride, Detail: "other"}}, func(t *testing.T, v Verdict) {
			assert.True(t, v.IsOverridden())
			assert.Equal(t, "other", v.Text)
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.check(t, Aggregate(task, c.votes))
		})
	}
}
