package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	appOutbox "github.com/contest-hub/contest-hub/internal/application/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
	"github.com/contest-hub/contest-hub/internal/eventbus"
)

var (
	ErrSubmissionsClosed = errors.New("submissions are closed")
	ErrAlreadySuggested  = errors.New("user already has an open suggestion")
	ErrEmptySuggestion   = errors.New("suggestion text is empty")
	ErrNotDelivered      = errors.New("message could not be delivered")
)

// Guard runs fn only while the contest is in phase.
type Guard interface {
	Guard(ctx context.Context, phase contest.Phase, fn func(ctx context.Context) error) (bool, error)
}

// Submissions turns private messages into votables.
type Submissions struct {
	guard     Guard
	state     contest.StateStore
	users     user.Repository
	votables  votable.Repository
	transport messaging.Transport
	recorder  Recorder
	chatID    int64
	logger    zerolog.Logger

	// mu keeps forward, container and row creation of one submission
	// together against concurrent deletes.
	mu sync.Mutex
}

func NewSubmissions(
	guard Guard,
	state contest.StateStore,
	users user.Repository,
	votables votable.Repository,
	transport messaging.Transport,
	recorder Recorder,
	chatID int64,
	logger zerolog.Logger,
) *Submissions {
	return &Submissions{
		guard:     guard,
		state:     state,
		users:     users,
		votables:  votables,
		transport: transport,
		recorder:  recorder,
		chatID:    chatID,
		logger:    logger.With().Str("service", "submissions").Logger(),
	}
}

// Subscribe wires external deletion and blocking notifications.
func (s *Submissions) Subscribe(bus *eventbus.Bus) {
	eventbus.Subscribe(bus, func(ctx context.Context, ev eventbus.MessageDeleted) {
		if err := s.HandleMessageDeleted(ctx, ev.Ref); err != nil {
			s.logger.Error().Err(err).Int64("chat_id", ev.Ref.ChatID).Int("message_id", ev.Ref.MessageID).Msg("failed to handle deleted message")
		}
	})
	eventbus.Subscribe(bus, func(ctx context.Context, ev eventbus.UserBlocked) {
		if err := s.HandleUserBlocked(ctx, ev.UserID); err != nil {
			s.logger.Error().Err(err).Int64("user_id", ev.UserID).Msg("failed to mark user blocked")
		}
	})
}

// SubmitEntry posts msg anonymously to the contest chat as the sender's
// entry. A second submission in the same round replaces the first.
func (s *Submissions) SubmitEntry(ctx context.Context, msg messaging.Message) (*votable.Votable, error) {
	if err := s.touch(ctx, msg); err != nil {
		return nil, err
	}
	var created *votable.Votable
	ran, err := s.guard.Guard(ctx, contest.PhaseContest, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		st, err := s.state.GetOrCreate(ctx)
		if err != nil {
			return err
		}
		prev, err := s.votables.GetActiveByAuthor(ctx, votable.KindEntry, msg.UserID)
		if err != nil {
			return err
		}
		fwd := s.transport.Forward(ctx, s.chatID, msg.Ref())
		if fwd == nil {
			return ErrNotDelivered
		}
		card := s.transport.Send(ctx, messaging.Outgoing{ChatID: s.chatID, Text: newEntryText, ReplyTo: fwd.MessageID})
		if card == nil {
			s.transport.Delete(ctx, *fwd)
			return ErrNotDelivered
		}
		v := &votable.Votable{
			Kind:      votable.KindEntry,
			AuthorID:  msg.UserID,
			Round:     st.Round,
			Container: *card,
			Source:    msg.Ref(),
			Forward:   *fwd,
			Text:      msg.Text,
		}
		if err := s.votables.Create(ctx, v); err != nil {
			s.transport.Delete(ctx, *card)
			s.transport.Delete(ctx, *fwd)
			return fmt.Errorf("create entry: %w", err)
		}

		if prev != nil {
			if err := s.votables.Delete(ctx, prev.ID); err != nil {
				return fmt.Errorf("delete replaced entry: %w", err)
			}
			s.removeMessages(ctx, prev, messaging.Ref{})
			s.record(ctx, outbox.TypeTrackUpdated, appOutbox.Key("track", prev.ID, "replaced", v.ID), v, prev.ID)
		} else {
			s.record(ctx, outbox.TypeTrackAdded, appOutbox.Key("track", v.ID, "added"), v, 0)
		}
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		return nil, ErrSubmissionsClosed
	}
	s.logger.Info().Int64("user_id", msg.UserID).Int64("entry_id", created.ID).Msg("entry submitted")
	return created, nil
}

// SubmitSuggestion registers msg as the sender's task suggestion.
func (s *Submissions) SubmitSuggestion(ctx context.Context, msg messaging.Message) (*votable.Votable, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, ErrEmptySuggestion
	}
	if err := s.touch(ctx, msg); err != nil {
		return nil, err
	}
	var created *votable.Votable
	ran, err := s.guard.Guard(ctx, contest.PhaseTaskSuggestionCollection, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		st, err := s.state.GetOrCreate(ctx)
		if err != nil {
			return err
		}
		prev, err := s.votables.GetActiveByAuthor(ctx, votable.KindSuggestion, msg.UserID)
		if err != nil {
			return err
		}
		if prev != nil {
			return ErrAlreadySuggested
		}
		card := s.transport.Send(ctx, messaging.Outgoing{ChatID: s.chatID, Text: suggestionText(text)})
		if card == nil {
			return ErrNotDelivered
		}
		v := &votable.Votable{
			Kind:      votable.KindSuggestion,
			AuthorID:  msg.UserID,
			Round:     st.Round,
			Container: *card,
			Source:    msg.Ref(),
			Text:      text,
		}
		if err := s.votables.Create(ctx, v); err != nil {
			s.transport.Delete(ctx, *card)
			return fmt.Errorf("create suggestion: %w", err)
		}
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		return nil, ErrSubmissionsClosed
	}
	s.logger.Info().Int64("user_id", msg.UserID).Int64("suggestion_id", created.ID).Msg("suggestion submitted")
	return created, nil
}

// HandleMessageDeleted drops the open votable whose source or container was
// deleted, together with the bot messages showing it.
func (s *Submissions) HandleMessageDeleted(ctx context.Context, ref messaging.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.votables.GetActiveBySource(ctx, ref)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := s.votables.Delete(ctx, v.ID); err != nil {
		return err
	}
	s.removeMessages(ctx, v, ref)
	if v.Kind == votable.KindEntry {
		s.record(ctx, outbox.TypeTrackDeleted, appOutbox.Key("track", v.ID, "deleted"), v, 0)
	}
	s.logger.Info().Int64("votable_id", v.ID).Str("kind", string(v.Kind)).Msg("votable withdrawn")
	return nil
}

func (s *Submissions) HandleUserBlocked(ctx context.Context, userID int64) error {
	return s.users.SetStatus(ctx, userID, user.StatusBlocked)
}

func (s *Submissions) touch(ctx context.Context, msg messaging.Message) error {
	u := &user.User{ID: msg.UserID, ChatID: msg.ChatID, Username: msg.Username, Name: msg.Name}
	if err := s.users.Upsert(ctx, u); err != nil {
		return err
	}
	if !u.IsActive() {
		return user.ErrInactive
	}
	return nil
}

// removeMessages deletes the bot-side messages of v except the one already
// gone.
func (s *Submissions) removeMessages(ctx context.Context, v *votable.Votable, gone messaging.Ref) {
	for _, ref := range []messaging.Ref{v.Container, v.Forward} {
		if ref.IsZero() || ref == gone {
			continue
		}
		if !s.transport.Delete(ctx, ref) {
			s.logger.Warn().Int64("votable_id", v.ID).Int("message_id", ref.MessageID).Msg("failed to delete votable message")
		}
	}
}

func (s *Submissions) record(ctx context.Context, t outbox.Type, key string, v *votable.Votable, replaced int64) {
	payload := map[string]any{
		"entryId":  v.ID,
		"authorId": v.AuthorID,
		"round":    v.Round,
		"text":     v.Text,
	}
	if replaced != 0 {
		payload["replacedId"] = replaced
	}
	if err := s.recorder.Record(ctx, t, key, payload); err != nil {
		s.logger.Warn().Err(err).Str("type", string(t)).Int64("entry_id", v.ID).Msg("failed to record track event")
	}
}

const newEntryText = "New entry! Votes open when the submission window closes."

func suggestionText(text string) string {
	return "Task suggestion:\n\n" + text
}
