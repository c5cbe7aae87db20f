package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/eventbus"
)

var ErrNotTimeBound = errors.New("current phase has no deadline")

// Firer accepts triggers for the contest machine.
type Firer interface {
	Fire(trigger contest.Trigger)
}

// Refresher redraws the pinned announcement after a deadline change.
type Refresher interface {
	RefreshAnnouncement(ctx context.Context)
}

// Service polls the persisted deadline and raises preview and deadline
// signals once per phase.
type Service struct {
	store     contest.StateStore
	clock     contest.Clock
	machine   Firer
	refresher Refresher
	previews  map[contest.Phase]time.Duration
	logger    zerolog.Logger

	mu               sync.Mutex
	phase            contest.Phase
	round            int
	deadline         time.Time
	stale            time.Time
	previewSignaled  bool
	deadlineSignaled bool
}

// NewService creates a scheduler. previews maps each time-bound phase to the
// offset of its preview instant before the deadline.
func NewService(
	store contest.StateStore,
	clock contest.Clock,
	machine Firer,
	refresher Refresher,
	previews map[contest.Phase]time.Duration,
	logger zerolog.Logger,
) *Service {
	return &Service{
		store:     store,
		clock:     clock,
		machine:   machine,
		refresher: refresher,
		previews:  previews,
		logger:    logger.With().Str("service", "scheduler").Logger(),
	}
}

// Run ticks until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks the deadline once. At most one signal is raised per tick so a
// preview handler that extends the deadline is seen before the deadline check.
func (s *Service) Tick(ctx context.Context) {
	st, err := s.store.GetOrCreate(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read system state")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if st.Phase != s.phase || st.Round != s.round {
		// The phase is persisted before its entry handlers write the new
		// deadline. Until they do, the stored deadline belongs to the
		// previous phase and must not raise signals.
		s.stale = time.Time{}
		if s.phase != "" {
			s.stale = s.deadline
		}
		s.phase = st.Phase
		s.round = st.Round
		s.deadline = st.NextDeadline
		s.previewSignaled = false
		s.deadlineSignaled = false
	} else if !st.NextDeadline.Equal(s.deadline) {
		s.deadline = st.NextDeadline
		if now.Before(s.previewAt(st)) {
			s.previewSignaled = false
		}
		if now.Before(st.NextDeadline) {
			s.deadlineSignaled = false
		}
	}

	if !s.stale.IsZero() {
		if st.NextDeadline.Equal(s.stale) {
			return
		}
		s.stale = time.Time{}
	}
	if !st.Phase.IsTimeBound() || st.NextDeadline.IsZero() {
		return
	}

	if !s.previewSignaled && s.previews[st.Phase] > 0 && !now.Before(s.previewAt(st)) {
		s.previewSignaled = true
		s.logger.Info().Str("phase", string(st.Phase)).Time("deadline", st.NextDeadline).Msg("preview deadline hit")
		s.machine.Fire(contest.TriggerPreviewDeadlineHit)
		return
	}
	if !s.deadlineSignaled && !now.Before(st.NextDeadline) {
		s.deadlineSignaled = true
		s.logger.Info().Str("phase", string(st.Phase)).Time("deadline", st.NextDeadline).Msg("deadline hit")
		s.machine.Fire(contest.TriggerDeadlineHit)
	}
}

func (s *Service) previewAt(st *contest.SystemState) time.Time {
	return st.NextDeadline.Add(-s.previews[st.Phase])
}

// FastForward moves the deadline to now, or to the preview instant when
// toPreview is set, and refreshes the announcement. The following ticks
// raise the signals.
func (s *Service) FastForward(ctx context.Context, toPreview bool) error {
	st, err := s.store.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	if !st.Phase.IsTimeBound() {
		return ErrNotTimeBound
	}
	deadline := s.clock.Now()
	if toPreview {
		deadline = deadline.Add(s.previews[st.Phase])
	}
	if err := s.store.Update(ctx, contest.SetDeadline(deadline)); err != nil {
		return err
	}
	s.logger.Info().Str("phase", string(st.Phase)).Bool("to_preview", toPreview).Time("deadline", deadline).Msg("fast forwarded")
	if s.refresher != nil {
		s.refresher.RefreshAnnouncement(ctx)
	}
	return nil
}

// Subscribe wires fast-forward demands from the bus.
func (s *Service) Subscribe(bus *eventbus.Bus) {
	eventbus.Subscribe(bus, func(ctx context.Context, ev eventbus.FastForwardDemand) {
		if err := s.FastForward(ctx, ev.ToPreview); err != nil {
			s.logger.Warn().Err(err).Int64("requested_by", ev.RequestedBy).Msg("fast forward rejected")
		}
	})
}
