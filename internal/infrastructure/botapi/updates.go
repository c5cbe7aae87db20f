package botapi

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

var allowedUpdates = []string{"message", "callback_query", "my_chat_member"}

// Update is a Bot API update as delivered by getUpdates or the webhook.
type Update = tgbotapi.Update

// Handler receives decoded updates.
type Handler interface {
	HandleMessage(ctx context.Context, msg messaging.Message)
	HandleInteraction(ctx context.Context, in messaging.Interaction)
	HandleUserBlocked(ctx context.Context, userID int64)
}

func displayName(u *tgbotapi.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Dispatch converts u and hands it to h. Updates from bots and unknown kinds
// are dropped.
func Dispatch(ctx context.Context, h Handler, u Update) {
	switch {
	case u.Message != nil:
		m := u.Message
		if m.From == nil || m.From.IsBot || m.Chat == nil {
			return
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		h.HandleMessage(ctx, messaging.Message{
			ID:       m.MessageID,
			ChatID:   m.Chat.ID,
			UserID:   m.From.ID,
			Username: m.From.UserName,
			Name:     displayName(m.From),
			Text:     text,
			Private:  m.Chat.IsPrivate(),
			Date:     time.Unix(int64(m.Date), 0).UTC(),
		})
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.From == nil {
			return
		}
		in := messaging.Interaction{ID: q.ID, UserID: q.From.ID, Data: q.Data}
		if q.Message != nil && q.Message.Chat != nil {
			in.ChatID = q.Message.Chat.ID
			in.MessageID = q.Message.MessageID
		}
		h.HandleInteraction(ctx, in)
	case u.MyChatMember != nil:
		cm := u.MyChatMember
		if cm.Chat.IsPrivate() && cm.NewChatMember.WasKicked() {
			h.HandleUserBlocked(ctx, cm.From.ID)
		}
	}
}

// Poller long-polls getUpdates for deployments without a public webhook.
type Poller struct {
	client  *Client
	handler Handler
	timeout time.Duration
	logger  zerolog.Logger
}

func NewPoller(client *Client, handler Handler, timeout time.Duration, logger zerolog.Logger) *Poller {
	if timeout <= 0 {
		timeout = 50 * time.Second
	}
	return &Poller{
		client:  client,
		handler: handler,
		timeout: timeout,
		logger:  logger.With().Str("service", "bot_poller").Logger(),
	}
}

// Run polls until ctx ends. Each update is handled on its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(p.timeout / time.Second)
	cfg.AllowedUpdates = allowedUpdates
	for ctx.Err() == nil {
		var updates []Update
		err := p.client.call(ctx, "getUpdates", func(bot *tgbotapi.BotAPI) (err error) {
			updates, err = bot.GetUpdates(cfg)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			cfg.Offset = u.UpdateID + 1
			go Dispatch(context.WithoutCancel(ctx), p.handler, u)
		}
	}
}
