package messaging

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Transport

import (
	"context"
	"time"
)

// Ref points at a message living in a chat.
type Ref struct {
	ChatID    int64 `json:"chatId"`
	MessageID int   `json:"messageId"`
}

// IsZero reports whether the ref points nowhere.
func (r Ref) IsZero() bool {
	return r.ChatID == 0 && r.MessageID == 0
}

// Button is one inline button; Data is echoed back in the Interaction.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Keyboard is a grid of inline buttons.
type Keyboard [][]Button

// Row builds a single-row keyboard.
func Row(buttons ...Button) Keyboard {
	return Keyboard{buttons}
}

// Outgoing describes a message to send.
type Outgoing struct {
	ChatID   int64
	Text     string
	Keyboard Keyboard
	ReplyTo  int
}

// Message is an inbound free-text message.
type Message struct {
	ID       int
	ChatID   int64
	UserID   int64
	Username string
	Name     string
	Text     string
	Private  bool
	Date     time.Time
}

// Ref returns the ref of the inbound message.
func (m Message) Ref() Ref {
	return Ref{ChatID: m.ChatID, MessageID: m.ID}
}

// Interaction is an inbound button press.
type Interaction struct {
	ID        string
	ChatID    int64
	UserID    int64
	MessageID int
	Data      string
}

// Transport is the messaging client used by the core. Implementations never
// fail loudly: a nil/false result means the operation did not happen and was
// logged by the transport.
type Transport interface {
	Send(ctx context.Context, msg Outgoing) *Ref
	Edit(ctx context.Context, ref Ref, text string, kb Keyboard) bool
	EditKeyboard(ctx context.Context, ref Ref, kb Keyboard) bool
	Delete(ctx context.Context, ref Ref) bool
	Forward(ctx context.Context, toChatID int64, from Ref) *Ref
	Pin(ctx context.Context, ref Ref) bool
	AnswerInteraction(ctx context.Context, interactionID, text string) bool
}
