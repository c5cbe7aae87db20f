package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names the catalog change an event describes.
type Type string

const (
	TypeTrackAdded   Type = "TRACK_ADDED"
	TypeTrackUpdated Type = "TRACK_UPDATED"
	TypeTrackDeleted Type = "TRACK_DELETED"
	TypeRoundStarted Type = "ROUND_STARTED"
	TypeRoundPatched Type = "ROUND_PATCHED"
	TypeVotesUpdated Type = "VOTES_UPDATED"
)

// Status represents the delivery status of an event.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

var ErrDuplicate = errors.New("outbox event already recorded")

// Event is an append-only record picked up by the external sync worker.
type Event struct {
	ID        int64           `json:"id"`
	EventID   uuid.UUID       `json:"eventId"`
	Type      Type            `json:"type"`
	DedupeKey string          `json:"dedupeKey"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent creates a pending event.
func NewEvent(t Type, dedupeKey string, payload json.RawMessage) *Event {
	return &Event{
		EventID:   uuid.New(),
		Type:      t,
		DedupeKey: dedupeKey,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}
