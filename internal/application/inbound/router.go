package inbound

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/application/workflow"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
	"github.com/contest-hub/contest-hub/internal/eventbus"
)

// VoteHandler consumes vote button presses it recognises.
type VoteHandler interface {
	Owns(data string) bool
	HandleInteraction(ctx context.Context, in messaging.Interaction)
}

// Dialogs takes messages and presses meant for a live conversation.
type Dialogs interface {
	DeliverMessage(msg messaging.Message) bool
	DeliverInteraction(in messaging.Interaction) bool
}

// Submitter turns private messages into entries and suggestions.
type Submitter interface {
	SubmitEntry(ctx context.Context, msg messaging.Message) (*votable.Votable, error)
	SubmitSuggestion(ctx context.Context, msg messaging.Message) (*votable.Votable, error)
}

// Router dispatches inbound updates: commands first, then vote buttons, then
// live dialogs, then submissions.
type Router struct {
	registry    *Registry
	users       user.Repository
	state       contest.StateStore
	votes       []VoteHandler
	dialogs     Dialogs
	submissions Submitter
	transport   messaging.Transport
	bus         Publisher
	logger      zerolog.Logger
}

func NewRouter(
	registry *Registry,
	users user.Repository,
	state contest.StateStore,
	votes []VoteHandler,
	dialogs Dialogs,
	submissions Submitter,
	transport messaging.Transport,
	bus Publisher,
	logger zerolog.Logger,
) *Router {
	return &Router{
		registry:    registry,
		users:       users,
		state:       state,
		votes:       votes,
		dialogs:     dialogs,
		submissions: submissions,
		transport:   transport,
		bus:         bus,
		logger:      logger.With().Str("service", "inbound").Logger(),
	}
}

// HandleMessage routes one inbound text message.
func (r *Router) HandleMessage(ctx context.Context, msg messaging.Message) {
	u, err := r.resolveUser(ctx, msg)
	if err != nil {
		r.logger.Error().Err(err).Int64("user_id", msg.UserID).Msg("failed to resolve user")
		return
	}
	if u != nil && !u.IsActive() {
		return
	}

	if name, args, ok := ParseCommand(msg.Text); ok {
		r.runCommand(ctx, u, msg, name, args)
		return
	}
	if !msg.Private {
		return
	}
	if r.dialogs.DeliverMessage(msg) {
		return
	}
	r.submit(ctx, msg)
}

// HandleInteraction routes one button press.
func (r *Router) HandleInteraction(ctx context.Context, in messaging.Interaction) {
	for _, v := range r.votes {
		if v.Owns(in.Data) {
			v.HandleInteraction(ctx, in)
			return
		}
	}
	if r.dialogs.DeliverInteraction(in) {
		r.transport.AnswerInteraction(ctx, in.ID, "")
		return
	}
	r.transport.AnswerInteraction(ctx, in.ID, "This button is no longer active")
}

func (r *Router) HandleMessageDeleted(ctx context.Context, ref messaging.Ref) {
	r.bus.Publish(ctx, eventbus.MessageDeleted{Ref: ref})
}

func (r *Router) HandleUserBlocked(ctx context.Context, userID int64) {
	r.bus.Publish(ctx, eventbus.UserBlocked{UserID: userID})
}

// resolveUser registers private senders. A private message from a user who
// had blocked the bot reactivates them. Group senders are only looked up.
func (r *Router) resolveUser(ctx context.Context, msg messaging.Message) (*user.User, error) {
	if !msg.Private {
		return r.users.GetByID(ctx, msg.UserID)
	}
	u := &user.User{ID: msg.UserID, ChatID: msg.ChatID, Username: msg.Username, Name: msg.Name}
	if err := r.users.Upsert(ctx, u); err != nil {
		return nil, err
	}
	if u.Status == user.StatusBlocked {
		if err := r.users.SetStatus(ctx, u.ID, user.StatusActive); err != nil {
			return nil, err
		}
		u.Status = user.StatusActive
		r.logger.Info().Int64("user_id", u.ID).Msg("user unblocked the bot")
	}
	return u, nil
}

func (r *Router) runCommand(ctx context.Context, u *user.User, msg messaging.Message, name, args string) {
	cmd, ok := r.registry.Lookup(name)
	if !ok {
		if msg.Private {
			r.reply(ctx, msg, "Unknown command. Try /help.")
		}
		return
	}
	st, err := r.state.GetOrCreate(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read state")
		return
	}
	if u == nil {
		u = &user.User{ID: msg.UserID, Username: msg.Username, Name: msg.Name, Role: user.RoleMember, Status: user.StatusActive}
	}
	req := Request{User: u, State: st, Message: msg, Args: args}

	allowed, err := cmd.Allowed(req)
	if err != nil {
		r.logger.Error().Err(err).Str("command", cmd.Name).Msg("guard evaluation failed")
		return
	}
	if !allowed {
		r.logger.Debug().Str("command", cmd.Name).Int64("user_id", u.ID).Msg("command denied")
		if msg.Private {
			r.reply(ctx, msg, "You can't use /"+cmd.Name+" here.")
		}
		return
	}

	text, err := cmd.Handler(ctx, req)
	if err != nil {
		r.logger.Error().Err(err).Str("command", cmd.Name).Int64("user_id", u.ID).Msg("command failed")
		r.reply(ctx, msg, "Something went wrong, try again later.")
		return
	}
	r.logger.Info().Str("command", cmd.Name).Int64("user_id", u.ID).Msg("command handled")
	if text != "" {
		r.reply(ctx, msg, text)
	}
}

func (r *Router) submit(ctx context.Context, msg messaging.Message) {
	st, err := r.state.GetOrCreate(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read state")
		return
	}
	switch st.Phase {
	case contest.PhaseContest:
		_, err = r.submissions.SubmitEntry(ctx, msg)
		if err == nil {
			r.reply(ctx, msg, "Your entry is in! Send another message before the deadline to replace it.")
			return
		}
	case contest.PhaseTaskSuggestionCollection:
		_, err = r.submissions.SubmitSuggestion(ctx, msg)
		if err == nil {
			r.reply(ctx, msg, "Thanks, your suggestion is up for the vote.")
			return
		}
	default:
		err = workflow.ErrSubmissionsClosed
	}
	r.reply(ctx, msg, submissionErrorText(err))
	if !isExpected(err) {
		r.logger.Error().Err(err).Int64("user_id", msg.UserID).Msg("submission failed")
	}
}

func isExpected(err error) bool {
	return errors.Is(err, workflow.ErrSubmissionsClosed) ||
		errors.Is(err, workflow.ErrAlreadySuggested) ||
		errors.Is(err, workflow.ErrEmptySuggestion) ||
		errors.Is(err, user.ErrInactive)
}

func submissionErrorText(err error) string {
	switch {
	case errors.Is(err, workflow.ErrSubmissionsClosed):
		return "Nothing to submit right now. Use /state to see what the contest is up to."
	case errors.Is(err, workflow.ErrAlreadySuggested):
		return "You already suggested a task for this poll."
	case errors.Is(err, workflow.ErrEmptySuggestion):
		return "A suggestion needs some text."
	case errors.Is(err, workflow.ErrNotDelivered):
		return "I could not post your message to the contest chat, try again later."
	case errors.Is(err, user.ErrInactive):
		return "Your account is not active."
	default:
		return "Something went wrong, try again later."
	}
}

func (r *Router) reply(ctx context.Context, msg messaging.Message, text string) {
	if r.transport.Send(ctx, messaging.Outgoing{ChatID: msg.ChatID, Text: text, ReplyTo: msg.ID}) == nil {
		r.logger.Warn().Int64("chat_id", msg.ChatID).Msg("failed to send reply")
	}
}
