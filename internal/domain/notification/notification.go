package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event names carried on the live stream.
const (
	EventTransition = "transition"
	EventHeartbeat  = "heartbeat"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Transition is the payload of a transition event.
type Transition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// SSEClient represents an active SSE connection
type SSEClient struct {
	ClientID    string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a client with a bounded mailbox.
func NewSSEClient(clientID string, buffer int) *SSEClient {
	if buffer <= 0 {
		buffer = 100
	}
	return &SSEClient{
		ClientID:    clientID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, buffer),
	}
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage marshals payload into a new message.
func NewSSEMessage(event string, payload any) (*SSEMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}
