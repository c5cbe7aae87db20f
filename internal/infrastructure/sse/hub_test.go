package sse

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contest-hub/contest-hub/internal/application/workflow"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/notification"
)

func TestHub_BroadcastDropsForSlowClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	fast := notification.NewSSEClient("fast", 4)
	slow := notification.NewSSEClient("slow", 1)
	hub.Register(fast)
	hub.Register(slow)
	assert.Equal(t, 2, hub.GetClientCount())

	hub.ObserveTransition(workflow.Transition{From: contest.PhaseContest, To: contest.PhaseVoting, Trigger: contest.TriggerDeadlineHit})
	hub.ObserveTransition(workflow.Transition{From: contest.PhaseVoting, To: contest.PhaseFinalizingVotingRound, Trigger: contest.TriggerDeadlineHit})

	assert.Len(t, fast.MessageChan, 2)
	assert.Len(t, slow.MessageChan, 1)
	msg := <-fast.MessageChan
	assert.Equal(t, notification.EventTransition, msg.Event)
	assert.Contains(t, string(msg.Data), `"to":"VOTING"`)
}

func TestHub_SendToClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	msg, err := notification.NewSSEMessage(notification.EventHeartbeat, map[string]int{"clients": 1})
	require.NoError(t, err)

	assert.ErrorIs(t, hub.SendToClient("nobody", msg), notification.ErrClientNotFound)

	c := notification.NewSSEClient("c1", 1)
	hub.Register(c)
	require.NoError(t, hub.SendToClient("c1", msg))
	assert.ErrorIs(t, hub.SendToClient("c1", msg), notification.ErrChannelFull)

	hub.Unregister("c1")
	assert.Equal(t, 0, hub.GetClientCount())
	hub.Unregister("c1")
}

func TestHub_StartClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := notification.NewSSEClient("c1", 8)
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	msg := <-c.MessageChan
	assert.Equal(t, notification.EventHeartbeat, msg.Event)
	cancel()
	<-done

	assert.Equal(t, 0, hub.GetClientCount())
	for range c.MessageChan {
	}
}
