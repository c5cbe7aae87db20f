package postpone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/postpone"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/observability"
)

// Result is the outcome of a postpone demand.
type Result string

const (
	ResultGeneralFailure            Result = "GENERAL_FAILURE"
	ResultDeniedWrongPhase          Result = "DENIED_WRONG_PHASE"
	ResultDeniedInvalidDuration     Result = "DENIED_INVALID_DURATION"
	ResultDeniedAlreadyHasOpen      Result = "DENIED_ALREADY_HAS_OPEN"
	ResultDeniedInsufficientBalance Result = "DENIED_INSUFFICIENT_BALANCE"
	ResultAccepted                  Result = "ACCEPTED"
	ResultAcceptedAndPostponed      Result = "ACCEPTED_AND_POSTPONED"
)

// Recorder appends outbound sync events.
type Recorder interface {
	Record(ctx context.Context, t outbox.Type, dedupeKey string, payload any) error
}

// Config holds the postpone tunables.
type Config struct {
	ChatID      int64
	Quorum      int
	Cost        int64
	MaxDuration time.Duration
	LockTimeout time.Duration
}

// Service extends the contest deadline once enough users ask for it. Every
// mutating call runs under one semaphore so the quorum check and the
// extension happen atomically.
type Service struct {
	repo      postpone.Repository
	users     user.Repository
	state     contest.StateStore
	transport messaging.Transport
	recorder  Recorder
	cfg       Config
	lock      *semaphore.Weighted
	logger    zerolog.Logger
}

func NewService(
	repo postpone.Repository,
	users user.Repository,
	state contest.StateStore,
	transport messaging.Transport,
	recorder Recorder,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.Quorum < 1 {
		cfg.Quorum = 1
	}
	return &Service{
		repo:      repo,
		users:     users,
		state:     state,
		transport: transport,
		recorder:  recorder,
		cfg:       cfg,
		lock:      semaphore.NewWeighted(1),
		logger:    logger.With().Str("service", "postpone").Logger(),
	}
}

func (s *Service) acquire(ctx context.Context) bool {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	return s.lock.Acquire(lockCtx, 1) == nil
}

// Demand registers the user's request to postpone the deadline by d.
func (s *Service) Demand(ctx context.Context, userID int64, d time.Duration) Result {
	result := s.demand(ctx, userID, d)
	observability.RecordPostpone(ctx, string(result))
	return result
}

func (s *Service) demand(ctx context.Context, userID int64, d time.Duration) Result {
	if !s.acquire(ctx) {
		s.logger.Warn().Int64("user_id", userID).Msg("postpone lock wait expired")
		return ResultGeneralFailure
	}
	defer s.lock.Release(1)

	st, err := s.state.GetOrCreate(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read state")
		return ResultGeneralFailure
	}
	if st.Phase != contest.PhaseContest {
		return ResultDeniedWrongPhase
	}
	if d <= 0 || (s.cfg.MaxDuration > 0 && d > s.cfg.MaxDuration) {
		return ResultDeniedInvalidDuration
	}

	open, err := s.repo.GetOpenByUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to read open request")
		return ResultGeneralFailure
	}
	if open != nil {
		return ResultDeniedAlreadyHasOpen
	}

	req := &postpone.Request{UserID: userID, Round: st.Round, Duration: d, Cost: s.cfg.Cost}
	if err := s.repo.CreateWithDebit(ctx, req); err != nil {
		if errors.Is(err, user.ErrInsufficientBalance) {
			return ResultDeniedInsufficientBalance
		}
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to create postpone request")
		return ResultGeneralFailure
	}

	count, err := s.repo.CountOpenUsers(ctx, st.Round)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to count open requests")
		return ResultGeneralFailure
	}
	s.logger.Info().Int64("user_id", userID).Dur("duration", d).Int("open", count).Int("quorum", s.cfg.Quorum).Msg("postpone requested")
	if count < s.cfg.Quorum {
		return ResultAccepted
	}

	if err := s.postpone(ctx, st.Round); err != nil {
		s.logger.Error().Err(err).Msg("failed to apply postpone")
		return ResultGeneralFailure
	}
	return ResultAcceptedAndPostponed
}

// postpone applies the longest open request and discards the rest.
func (s *Service) postpone(ctx context.Context, round int) error {
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	chosen := postpone.Longest(open)
	if chosen == nil {
		return errors.New("quorum reached without open requests")
	}

	var discarded []int64
	for _, r := range open {
		if r.ID != chosen.ID {
			discarded = append(discarded, r.ID)
		}
	}
	if err := s.repo.Apply(ctx, chosen, discarded); err != nil {
		return fmt.Errorf("apply request %d: %w", chosen.ID, err)
	}

	st, err := s.state.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	s.transport.Send(ctx, messaging.Outgoing{ChatID: s.cfg.ChatID, Text: postponedText(chosen.Duration, st.NextDeadline)})
	_ = s.recorder.Record(ctx, outbox.TypeRoundPatched, fmt.Sprintf("round:%d:postpone:%d", round, chosen.ID), map[string]any{
		"round":    round,
		"deadline": st.NextDeadline,
		"extended": chosen.Duration.String(),
	})
	s.logger.Info().Dur("extended_by", chosen.Duration).Time("deadline", st.NextDeadline).Int("discarded", len(discarded)).Msg("deadline postponed")
	return nil
}

// CloseAllAndRefund closes every open request with final. Discarded requests
// are refunded and their authors notified one by one.
func (s *Service) CloseAllAndRefund(ctx context.Context, final postpone.Status) error {
	if final == postpone.StatusOpen {
		return postpone.ErrInvalidTransition
	}
	if !s.acquire(ctx) {
		return errors.New("postpone lock wait expired")
	}
	defer s.lock.Release(1)

	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(open))
	for _, r := range open {
		ids = append(ids, r.ID)
	}
	refund := final == postpone.StatusClosedDiscarded
	if err := s.repo.Close(ctx, ids, final, refund); err != nil {
		return err
	}
	s.logger.Info().Int("closed", len(ids)).Str("status", string(final)).Msg("postpone requests closed")
	if !refund {
		return nil
	}

	for _, r := range open {
		u, err := s.users.GetByID(ctx, r.UserID)
		if err != nil || u == nil || !u.HasPrivateChat() {
			s.logger.Warn().Err(err).Int64("user_id", r.UserID).Msg("cannot notify refunded user")
			continue
		}
		if s.transport.Send(ctx, messaging.Outgoing{ChatID: u.ChatID, Text: refundedText(r.Cost)}) == nil {
			s.logger.Warn().Int64("user_id", r.UserID).Msg("failed to notify refunded user")
		}
	}
	return nil
}

// ParseDuration accepts Go durations plus a day suffix, e.g. "3d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var days time.Duration
	if i := strings.Index(s, "d"); i >= 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid days in %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	rest, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return days + rest, nil
}

func postponedText(d time.Duration, deadline time.Time) string {
	return fmt.Sprintf("Enough of you asked for more time: the deadline moves by %s to %s UTC.",
		humanDuration(d), deadline.UTC().Format("Mon Jan 2 15:04"))
}

func refundedText(cost int64) string {
	return fmt.Sprintf("Your postpone request was closed without effect; %d points were returned to your balance.", cost)
}

func humanDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
