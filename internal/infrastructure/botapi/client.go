package botapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// ErrAPI is returned when the Bot API answers ok=false.
var ErrAPI = errors.New("bot api error")

// Client talks to the Telegram Bot API and implements messaging.Transport.
// Every call waits on a shared rate limiter.
type Client struct {
	bot     *tgbotapi.BotAPI
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a client for token. ratePerSecond <= 0 disables pacing.
// No request is made until the first call.
func NewClient(baseURL, token string, ratePerSecond float64, logger zerolog.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	hc := &http.Client{Timeout: 70 * time.Second}
	bot := &tgbotapi.BotAPI{Token: token, Client: hc, Buffer: 100}
	bot.SetAPIEndpoint(strings.TrimRight(baseURL, "/") + "/bot%s/%s")
	return &Client{
		bot:     bot,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("service", "botapi").Logger(),
	}
}

// contextClient binds every request to ctx so a call, long polls included,
// ends with it.
type contextClient struct {
	ctx  context.Context
	http *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req.WithContext(c.ctx))
}

// call waits for the limiter and runs fn against a bot bound to ctx.
func (c *Client) call(ctx context.Context, method string, fn func(bot *tgbotapi.BotAPI) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	bot := *c.bot
	bot.Client = contextClient{ctx: ctx, http: c.http}

	err := fn(&bot)
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return fmt.Errorf("%w: %s: %s (retry after %ds)", ErrAPI, method, apiErr.Message, apiErr.RetryAfter)
		}
		return fmt.Errorf("%w: %s: %d %s", ErrAPI, method, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (c *Client) request(ctx context.Context, method string, cfg tgbotapi.Chattable) error {
	return c.call(ctx, method, func(bot *tgbotapi.BotAPI) error {
		_, err := bot.Request(cfg)
		return err
	})
}

func markup(kb messaging.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if kb == nil {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (c *Client) Send(ctx context.Context, msg messaging.Outgoing) *messaging.Ref {
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ReplyToMessageID = msg.ReplyTo
	if kb := markup(msg.Keyboard); kb != nil {
		cfg.ReplyMarkup = kb
	}
	var sent tgbotapi.Message
	err := c.call(ctx, "sendMessage", func(bot *tgbotapi.BotAPI) (err error) {
		sent, err = bot.Send(cfg)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Int64("chat_id", msg.ChatID).Msg("send failed")
		return nil
	}
	return &messaging.Ref{ChatID: msg.ChatID, MessageID: sent.MessageID}
}

func (c *Client) Edit(ctx context.Context, ref messaging.Ref, text string, kb messaging.Keyboard) bool {
	cfg := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	cfg.ReplyMarkup = markup(kb)
	return c.ok(c.request(ctx, "editMessageText", cfg), "edit", ref)
}

// EditKeyboard replaces the inline keyboard; a nil kb removes it.
func (c *Client) EditKeyboard(ctx context.Context, ref messaging.Ref, kb messaging.Keyboard) bool {
	if kb == nil {
		kb = messaging.Keyboard{}
	}
	cfg := tgbotapi.NewEditMessageReplyMarkup(ref.ChatID, ref.MessageID, *markup(kb))
	return c.ok(c.request(ctx, "editMessageReplyMarkup", cfg), "edit keyboard", ref)
}

func (c *Client) Delete(ctx context.Context, ref messaging.Ref) bool {
	cfg := tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID)
	return c.ok(c.request(ctx, "deleteMessage", cfg), "delete", ref)
}

func (c *Client) Pin(ctx context.Context, ref messaging.Ref) bool {
	cfg := tgbotapi.PinChatMessageConfig{ChatID: ref.ChatID, MessageID: ref.MessageID, DisableNotification: true}
	return c.ok(c.request(ctx, "pinChatMessage", cfg), "pin", ref)
}

// Forward copies the message without the sender header so entries stay
// anonymous.
func (c *Client) Forward(ctx context.Context, toChatID int64, from messaging.Ref) *messaging.Ref {
	var copied tgbotapi.MessageID
	err := c.call(ctx, "copyMessage", func(bot *tgbotapi.BotAPI) (err error) {
		copied, err = bot.CopyMessage(tgbotapi.NewCopyMessage(toChatID, from.ChatID, from.MessageID))
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Int64("chat_id", toChatID).Int("message_id", from.MessageID).Msg("copy failed")
		return nil
	}
	return &messaging.Ref{ChatID: toChatID, MessageID: copied.MessageID}
}

func (c *Client) AnswerInteraction(ctx context.Context, interactionID, text string) bool {
	if err := c.request(ctx, "answerCallbackQuery", tgbotapi.NewCallback(interactionID, text)); err != nil {
		c.logger.Warn().Err(err).Str("interaction_id", interactionID).Msg("answer failed")
		return false
	}
	return true
}

func (c *Client) ok(err error, op string, ref messaging.Ref) bool {
	if err != nil {
		c.logger.Warn().Err(err).Int64("chat_id", ref.ChatID).Int("message_id", ref.MessageID).Msgf("%s failed", op)
		return false
	}
	return true
}

// SetWebhook points the bot at url; secret is echoed back in the
// X-Telegram-Bot-Api-Secret-Token header. An empty url removes the webhook so
// getUpdates can be used.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	if url == "" {
		return c.request(ctx, "deleteWebhook", tgbotapi.DeleteWebhookConfig{})
	}
	// secret_token postdates the library's WebhookConfig.
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return err
	}
	return c.call(ctx, "setWebhook", func(bot *tgbotapi.BotAPI) error {
		_, err := bot.MakeRequest("setWebhook", params)
		return err
	})
}

var _ messaging.Transport = (*Client)(nil)
