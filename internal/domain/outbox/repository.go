package outbox

import "context"

// Filter controls event listing.
type Filter struct {
	Type   *Type
	Status *Status
}

// Repository appends and lists outbox events.
type Repository interface {
	// Append stores the event; a repeated dedupe key fails with ErrDuplicate.
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Event, error)
}
