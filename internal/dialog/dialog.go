package dialog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

// ErrCancelled is returned by waits on a dialog that was cancelled or
// superseded by a newer dialog for the same user.
var ErrCancelled = errors.New("dialog cancelled")

// Dialog is an exclusive conversation with one user in one chat. Inbound
// items are buffered in two bounded mailboxes.
type Dialog struct {
	ID     uuid.UUID
	ChatID int64
	UserID int64

	messages     chan messaging.Message
	interactions chan messaging.Interaction
	done         chan struct{}
	cancelled    atomic.Bool
	lastActive   atomic.Int64

	transport messaging.Transport
}

func newDialog(chatID, userID int64, capacity int, transport messaging.Transport, now time.Time) *Dialog {
	d := &Dialog{
		ID:           uuid.New(),
		ChatID:       chatID,
		UserID:       userID,
		messages:     make(chan messaging.Message, capacity),
		interactions: make(chan messaging.Interaction, capacity),
		done:         make(chan struct{}),
		transport:    transport,
	}
	d.touch(now)
	return d
}

// Cancel wakes every pending wait with ErrCancelled. Safe to call twice.
func (d *Dialog) Cancel() {
	if d.cancelled.CompareAndSwap(false, true) {
		close(d.done)
	}
}

func (d *Dialog) IsCancelled() bool {
	return d.cancelled.Load()
}

// Done is closed when the dialog is cancelled.
func (d *Dialog) Done() <-chan struct{} {
	return d.done
}

func (d *Dialog) touch(now time.Time) {
	d.lastActive.Store(now.UnixNano())
}

func (d *Dialog) idleSince() time.Time {
	return time.Unix(0, d.lastActive.Load()).UTC()
}

func (d *Dialog) offerMessage(msg messaging.Message) bool {
	if d.IsCancelled() {
		return false
	}
	select {
	case d.messages <- msg:
		return true
	default:
		return false
	}
}

func (d *Dialog) offerInteraction(in messaging.Interaction) bool {
	if d.IsCancelled() {
		return false
	}
	select {
	case d.interactions <- in:
		return true
	default:
		return false
	}
}

// AwaitMessage waits for the next free-text message. A timeout yields
// (nil, nil).
func (d *Dialog) AwaitMessage(ctx context.Context, timeout time.Duration) (*messaging.Message, error) {
	if d.IsCancelled() {
		return nil, ErrCancelled
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-d.messages:
		return &msg, nil
	case <-timer.C:
		return nil, nil
	case <-d.done:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitInteraction waits for the next button press in the dialog.
func (d *Dialog) AwaitInteraction(ctx context.Context, timeout time.Duration) (*messaging.Interaction, error) {
	return d.AwaitInteractionOn(ctx, 0, timeout)
}

// AwaitInteractionOn waits for a button press on messageID; presses on other
// messages are acknowledged and dropped. A zero messageID accepts any.
func (d *Dialog) AwaitInteractionOn(ctx context.Context, messageID int, timeout time.Duration) (*messaging.Interaction, error) {
	if d.IsCancelled() {
		return nil, ErrCancelled
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case in := <-d.interactions:
			if messageID != 0 && in.MessageID != messageID {
				d.transport.AnswerInteraction(ctx, in.ID, "")
				continue
			}
			return &in, nil
		case <-timer.C:
			return nil, nil
		case <-d.done:
			return nil, ErrCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send posts text into the dialog chat.
func (d *Dialog) Send(ctx context.Context, text string, kb messaging.Keyboard) *messaging.Ref {
	return d.transport.Send(ctx, messaging.Outgoing{ChatID: d.ChatID, Text: text, Keyboard: kb})
}

// AskWithConfirmation sends prompt and returns the text of the next message.
// It returns nil when the prompt could not be sent or nobody answered.
func (d *Dialog) AskWithConfirmation(ctx context.Context, prompt string, timeout time.Duration) (*string, error) {
	if d.Send(ctx, prompt, nil) == nil {
		return nil, nil
	}
	msg, err := d.AwaitMessage(ctx, timeout)
	if err != nil || msg == nil {
		return nil, err
	}
	text := msg.Text
	return &text, nil
}
