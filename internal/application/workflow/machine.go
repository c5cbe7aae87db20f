package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/observability"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrLockTimeout       = errors.New("transition lock wait expired")
)

type transitionKey struct {
	phase   contest.Phase
	trigger contest.Trigger
}

var transitions = map[transitionKey]contest.Phase{
	{contest.PhaseStandby, contest.TriggerTaskApproved}:               contest.PhaseContest,
	{contest.PhaseStandby, contest.TriggerInitiatedNextRoundTaskPoll}: contest.PhaseTaskSuggestionCollection,

	{contest.PhaseContest, contest.TriggerPreviewDeadlineHit}:  contest.PhaseContest,
	{contest.PhaseContest, contest.TriggerDeadlineHit}:         contest.PhaseVoting,
	{contest.PhaseContest, contest.TriggerNotEnoughContesters}: contest.PhaseStandby,

	{contest.PhaseVoting, contest.TriggerPreviewDeadlineHit}:  contest.PhaseVoting,
	{contest.PhaseVoting, contest.TriggerDeadlineHit}:         contest.PhaseFinalizingVotingRound,
	{contest.PhaseVoting, contest.TriggerNotEnoughContesters}: contest.PhaseStandby,
	{contest.PhaseVoting, contest.TriggerNotEnoughVotes}:      contest.PhaseStandby,

	{contest.PhaseFinalizingVotingRound, contest.TriggerWinnerChosen}:        contest.PhaseChoosingNextTask,
	{contest.PhaseFinalizingVotingRound, contest.TriggerNotEnoughVotes}:      contest.PhaseStandby,
	{contest.PhaseFinalizingVotingRound, contest.TriggerNotEnoughContesters}: contest.PhaseStandby,

	{contest.PhaseChoosingNextTask, contest.TriggerTaskSelectedByWinner}:       contest.PhaseInnerCircleVoting,
	{contest.PhaseChoosingNextTask, contest.TriggerInitiatedNextRoundTaskPoll}: contest.PhaseTaskSuggestionCollection,
	{contest.PhaseChoosingNextTask, contest.TriggerNotEnoughContesters}:        contest.PhaseStandby,
	{contest.PhaseChoosingNextTask, contest.TriggerNotEnoughVotes}:             contest.PhaseStandby,

	{contest.PhaseInnerCircleVoting, contest.TriggerTaskApproved}: contest.PhaseContest,
	{contest.PhaseInnerCircleVoting, contest.TriggerTaskDeclined}: contest.PhaseChoosingNextTask,

	{contest.PhaseTaskSuggestionCollection, contest.TriggerPreviewDeadlineHit}:  contest.PhaseTaskSuggestionCollection,
	{contest.PhaseTaskSuggestionCollection, contest.TriggerDeadlineHit}:         contest.PhaseTaskSuggestionVoting,
	{contest.PhaseTaskSuggestionCollection, contest.TriggerNotEnoughContesters}: contest.PhaseStandby,

	{contest.PhaseTaskSuggestionVoting, contest.TriggerDeadlineHit}:               contest.PhaseFinalizingNextRoundTaskPollVoting,
	{contest.PhaseTaskSuggestionVoting, contest.TriggerTaskSelectedByFallthrough}: contest.PhaseContest,
	{contest.PhaseTaskSuggestionVoting, contest.TriggerNotEnoughContesters}:       contest.PhaseStandby,

	{contest.PhaseFinalizingNextRoundTaskPollVoting, contest.TriggerTaskSelectedByPoll}:  contest.PhaseContest,
	{contest.PhaseFinalizingNextRoundTaskPollVoting, contest.TriggerNotEnoughVotes}:      contest.PhaseStandby,
	{contest.PhaseFinalizingNextRoundTaskPollVoting, contest.TriggerNotEnoughContesters}: contest.PhaseStandby,
}

// Next resolves where trigger leads from phase. Explicit is handled by the
// machine and never appears in the table.
func Next(from contest.Phase, trigger contest.Trigger) (contest.Phase, error) {
	to, ok := transitions[transitionKey{from, trigger}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, from)
	}
	return to, nil
}

// Transition describes one processed trigger.
type Transition struct {
	From    contest.Phase
	To      contest.Phase
	Trigger contest.Trigger
}

// IsReentry reports whether the trigger kept the machine in the same phase.
// An explicit jump into the current phase counts as a fresh entry.
func (t Transition) IsReentry() bool {
	return t.From == t.To && t.Trigger != contest.TriggerExplicit
}

// Handler reacts to a transition. It runs under the transition lock.
type Handler func(ctx context.Context, t Transition) error

// AdminNotifier reports handler failures to the administrators.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

type request struct {
	trigger contest.Trigger
	target  contest.Phase
}

// Machine drives the contest phases. Triggers are queued and consumed by the
// single Run loop, so handlers may fire further triggers without nesting.
type Machine struct {
	store       contest.StateStore
	notifier    AdminNotifier
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	logger      zerolog.Logger

	activating atomic.Bool

	mu          sync.Mutex
	queue       []request
	pending     int
	wake        chan struct{}
	onEntry     map[contest.Phase][]Handler
	onEntryFrom map[transitionKey][]Handler
	onActivate  map[contest.Phase][]Handler
	observers   []func(Transition)
	phaseCtx    context.Context
	phaseCancel context.CancelFunc
}

func NewMachine(store contest.StateStore, notifier AdminNotifier, lockTimeout time.Duration, logger zerolog.Logger) *Machine {
	if lockTimeout <= 0 {
		lockTimeout = time.Hour
	}
	phaseCtx, cancel := context.WithCancel(context.Background())
	return &Machine{
		store:       store,
		notifier:    notifier,
		lock:        semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
		logger:      logger.With().Str("service", "contest_machine").Logger(),
		// activation counts as pending work until Run has resumed the phase
		pending:     1,
		wake:        make(chan struct{}, 1),
		onEntry:     make(map[contest.Phase][]Handler),
		onEntryFrom: make(map[transitionKey][]Handler),
		onActivate:  make(map[contest.Phase][]Handler),
		phaseCtx:    phaseCtx,
		phaseCancel: cancel,
	}
}

// OnEntry registers fn for every genuine transition into phase.
func (m *Machine) OnEntry(phase contest.Phase, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEntry[phase] = append(m.onEntry[phase], fn)
}

// OnEntryFrom registers fn for transitions into phase caused by trigger,
// reentries included. It runs before the OnEntry handlers.
func (m *Machine) OnEntryFrom(phase contest.Phase, trigger contest.Trigger, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := transitionKey{phase, trigger}
	m.onEntryFrom[key] = append(m.onEntryFrom[key], fn)
}

// OnActivate registers fn to resume phase when the process starts in it.
func (m *Machine) OnActivate(phase contest.Phase, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActivate[phase] = append(m.onActivate[phase], fn)
}

// Observe registers a callback invoked after every applied transition. It
// must not block.
func (m *Machine) Observe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// IsActivating reports whether the startup resume pass is running.
func (m *Machine) IsActivating() bool {
	return m.activating.Load()
}

// PhaseContext returns a context cancelled when the machine leaves the
// current phase. Background flows started by handlers bind to it.
func (m *Machine) PhaseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phaseCtx
}

func (m *Machine) Fire(trigger contest.Trigger) {
	m.enqueue(request{trigger: trigger})
}

// FireExplicit moves the machine to target unconditionally.
func (m *Machine) FireExplicit(target contest.Phase) {
	m.enqueue(request{trigger: contest.TriggerExplicit, target: target})
}

func (m *Machine) enqueue(req request) {
	m.mu.Lock()
	m.queue = append(m.queue, req)
	m.pending++
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) next() (request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return request{}, false
	}
	req := m.queue[0]
	m.queue = m.queue[1:]
	return req, true
}

func (m *Machine) finish() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

// Run resumes the persisted phase and then consumes triggers until ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	err := m.activate(ctx)
	m.finish()
	if err != nil {
		return err
	}
	defer m.endPhase()

	for {
		req, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
			}
			continue
		}
		m.process(ctx, req)
		m.finish()
	}
}

func (m *Machine) acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()
	if err := m.lock.Acquire(lockCtx, 1); err != nil {
		return ErrLockTimeout
	}
	return nil
}

func (m *Machine) activate(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release(1)

	st, err := m.store.GetOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("load contest state: %w", err)
	}
	m.activating.Store(true)
	defer m.activating.Store(false)

	m.beginPhase(ctx)
	m.logger.Info().Str("phase", string(st.Phase)).Int("round", st.Round).Msg("resuming contest")

	m.mu.Lock()
	handlers := append([]Handler(nil), m.onActivate[st.Phase]...)
	m.mu.Unlock()
	m.run(ctx, Transition{From: st.Phase, To: st.Phase}, handlers)
	return nil
}

func (m *Machine) process(ctx context.Context, req request) {
	if err := m.acquire(ctx); err != nil {
		m.logger.Error().Err(err).Str("trigger", string(req.trigger)).Msg("dropping trigger")
		return
	}
	defer m.lock.Release(1)

	st, err := m.store.GetOrCreate(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("trigger", string(req.trigger)).Msg("failed to load contest state")
		return
	}

	to := req.target
	if req.trigger != contest.TriggerExplicit {
		to, err = Next(st.Phase, req.trigger)
		if err != nil {
			m.logger.Warn().Str("phase", string(st.Phase)).Str("trigger", string(req.trigger)).Msg("trigger ignored")
			return
		}
	}
	t := Transition{From: st.Phase, To: to, Trigger: req.trigger}

	if !t.IsReentry() {
		m.beginPhase(ctx)
		if err := m.store.Update(ctx, contest.SetPhase(to)); err != nil {
			m.fail(ctx, t, fmt.Errorf("persist phase: %w", err))
			return
		}
	}
	observability.RecordTransition(ctx, string(t.From), string(t.To), string(t.Trigger))
	m.logger.Info().
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("trigger", string(t.Trigger)).
		Msg("transition")

	m.mu.Lock()
	observers := slices.Clone(m.observers)
	handlers := append([]Handler(nil), m.onEntryFrom[transitionKey{to, req.trigger}]...)
	if !t.IsReentry() {
		handlers = append(handlers, m.onEntry[to]...)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(t)
	}
	m.run(ctx, t, handlers)
}

func (m *Machine) run(ctx context.Context, t Transition, handlers []Handler) {
	for _, fn := range handlers {
		if err := m.call(ctx, t, fn); err != nil {
			m.fail(ctx, t, err)
			return
		}
	}
}

func (m *Machine) call(ctx context.Context, t Transition, fn Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, t)
}

// fail reports a broken handler and falls back to standby.
func (m *Machine) fail(ctx context.Context, t Transition, err error) {
	m.logger.Error().Err(err).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("trigger", string(t.Trigger)).
		Msg("transition handler failed")
	observability.RecordHandlerFailure(ctx, string(t.To))
	if m.notifier != nil {
		m.notifier.NotifyAdmins(ctx, handlerFailedText(t, err))
	}
	if t.To == contest.PhaseStandby {
		return
	}
	m.FireExplicit(contest.PhaseStandby)
}

// beginPhase cancels the flows of the phase being left. Callers hold the
// transition lock.
func (m *Machine) beginPhase(ctx context.Context) {
	phaseCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	prev := m.phaseCancel
	m.phaseCtx, m.phaseCancel = phaseCtx, cancel
	m.mu.Unlock()
	prev()
}

func (m *Machine) endPhase() {
	m.mu.Lock()
	cancel := m.phaseCancel
	m.mu.Unlock()
	cancel()
}

// Guard runs fn under the transition lock if the machine is still in phase
// and ctx, usually a phase context, is alive. It reports whether fn ran.
// Handlers must not call it: they already hold the lock.
func (m *Machine) Guard(ctx context.Context, phase contest.Phase, fn func(ctx context.Context) error) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if err := m.acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer m.lock.Release(1)
	if ctx.Err() != nil {
		return false, nil
	}
	st, err := m.store.GetOrCreate(ctx)
	if err != nil {
		return false, err
	}
	if st.Phase != phase {
		return false, nil
	}
	return true, fn(ctx)
}

// WaitQuiescent blocks until no trigger is queued or being handled.
func (m *Machine) WaitQuiescent(ctx context.Context) error {
	for {
		if err := m.lock.Acquire(ctx, 1); err != nil {
			return err
		}
		m.mu.Lock()
		idle := m.pending == 0
		m.mu.Unlock()
		m.lock.Release(1)
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
