package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// Event is anything published on the bus.
type Event interface {
	Topic() string
}

// FastForwardDemand asks to jump the current deadline to now, or to the
// preview instant when ToPreview is set.
type FastForwardDemand struct {
	ToPreview   bool
	RequestedBy int64
}

func (FastForwardDemand) Topic() string { return "fast_forward" }

// KickstartDemand asks to start a round from STANDBY. An empty Task starts a
// task suggestion poll instead.
type KickstartDemand struct {
	Task        string
	RequestedBy int64
}

func (KickstartDemand) Topic() string { return "kickstart" }

// MessageDeleted reports that a message disappeared from a chat.
type MessageDeleted struct {
	Ref messaging.Ref
}

func (MessageDeleted) Topic() string { return "message_deleted" }

// UserBlocked reports that a user blocked the bot.
type UserBlocked struct {
	UserID int64
}

func (UserBlocked) Topic() string { return "user_blocked" }

// Bus is an in-process publish/subscribe hub. Every handler invocation runs
// on its own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]func(context.Context, Event)
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]func(context.Context, Event)),
		logger:   logger.With().Str("service", "eventbus").Logger(),
	}
}

// Subscribe registers fn for events of type T.
func Subscribe[T Event](b *Bus, fn func(ctx context.Context, ev T)) {
	var zero T
	topic := zero.Topic()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], func(ctx context.Context, ev Event) {
		if typed, ok := ev.(T); ok {
			fn(ctx, typed)
		}
	})
}

// Publish hands ev to every subscriber of its topic. Handlers keep running
// after the publisher's context ends.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]func(context.Context, Event){}, b.handlers[ev.Topic()]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug().Str("topic", ev.Topic()).Msg("no subscribers")
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.wg.Add(1)
		go func(h func(context.Context, Event)) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Str("topic", ev.Topic()).Str("panic", fmt.Sprint(r)).Msg("event handler panicked")
				}
			}()
			h(detached, ev)
		}(h)
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}
