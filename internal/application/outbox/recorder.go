package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/outbox"
)

// Recorder appends catalog sync events. Each logical action carries a dedupe
// key so replays of the same action are dropped.
type Recorder struct {
	repo   outbox.Repository
	logger zerolog.Logger
}

func NewRecorder(repo outbox.Repository, logger zerolog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With().Str("service", "outbox").Logger(),
	}
}

// Record stores one event. A duplicate dedupe key is not an error.
func (r *Recorder) Record(ctx context.Context, t outbox.Type, dedupeKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	err = r.repo.Append(ctx, outbox.NewEvent(t, dedupeKey, raw))
	switch {
	case errors.Is(err, outbox.ErrDuplicate):
		r.logger.Debug().Str("type", string(t)).Str("dedupe_key", dedupeKey).Msg("outbox event already recorded")
		return nil
	case err != nil:
		r.logger.Error().Err(err).Str("type", string(t)).Str("dedupe_key", dedupeKey).Msg("failed to record outbox event")
		return err
	}
	return nil
}

// List returns recorded events, newest last.
func (r *Recorder) List(ctx context.Context, filter outbox.Filter, limit, offset int) ([]*outbox.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.repo.List(ctx, filter, limit, offset)
}

// Key builds a dedupe key from parts.
func Key(parts ...any) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += fmt.Sprint(p)
	}
	return key
}
