package voting

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
	"github.com/contest-hub/contest-hub/internal/observability"
)

// Outcome is the result class of a finalization.
type Outcome string

const (
	OutcomeOK                  Outcome = "OK"
	OutcomeNotEnoughContesters Outcome = "NOT_ENOUGH_CONTESTERS"
	OutcomeNotEnoughVotes      Outcome = "NOT_ENOUGH_VOTES"
	OutcomeHalt                Outcome = "HALT"
)

// Result describes a finalization.
type Result struct {
	Outcome Outcome
	// Tied holds every votable sharing the top count.
	Tied   []*votable.Votable
	Winner *votable.Votable
	Author *user.User
}

// Recorder appends outbound sync events.
type Recorder interface {
	Record(ctx context.Context, t outbox.Type, dedupeKey string, payload any) error
}

// Policy specialises the engine for one votable kind.
type Policy struct {
	Kind votable.Kind
	// Prefix tags vote callback data, e.g. "ve:<id>:<value>".
	Prefix string
	Noun   string
	// OnWinnerChosen runs once the winner is resolved.
	OnWinnerChosen func(ctx context.Context, winner *votable.Votable, author *user.User) error
}

// Config holds the voting tunables.
type Config struct {
	ChatID            int64
	VoteMin           int
	VoteMax           int
	VoteNeutral       int
	MinVotesForWinner int
	VotingDuration    time.Duration
	StatsThrottle     time.Duration
	IndicatorRate     float64
}

// Engine runs voting over the votables of one kind.
type Engine struct {
	policy    Policy
	cfg       Config
	repo      votable.Repository
	users     user.Repository
	state     contest.StateStore
	transport messaging.Transport
	recorder  Recorder
	clock     contest.Clock
	logger    zerolog.Logger

	rngMu      sync.Mutex
	rng        *rand.Rand
	pollMu     sync.Mutex
	sealed     []*votable.Votable
	names      *pseudonyms
	voterLocks sync.Map
	stats      *throttle
	walk       *walker
	limiter    *rate.Limiter
}

func NewEngine(
	policy Policy,
	cfg Config,
	repo votable.Repository,
	users user.Repository,
	state contest.StateStore,
	transport messaging.Transport,
	recorder Recorder,
	clock contest.Clock,
	rng *rand.Rand,
	logger zerolog.Logger,
) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if cfg.IndicatorRate <= 0 {
		cfg.IndicatorRate = 1
	}
	e := &Engine{
		policy:    policy,
		cfg:       cfg,
		repo:      repo,
		users:     users,
		state:     state,
		transport: transport,
		recorder:  recorder,
		clock:     clock,
		logger:    logger.With().Str("service", "voting").Str("kind", string(policy.Kind)).Logger(),
		rng:       rng,
		names:     newPseudonyms(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.IndicatorRate), 1),
	}
	e.names.Reset(rng)
	e.stats = newThrottle(cfg.StatsThrottle, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		e.RefreshStats(ctx)
	})
	e.walk = &walker{walk: func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		e.WalkIndicators(ctx)
	}}
	return e
}

func (e *Engine) Kind() votable.Kind {
	return e.policy.Kind
}

// VoteKeyboard returns the score buttons for a votable.
func (e *Engine) VoteKeyboard(votableID int64) messaging.Keyboard {
	row := make([]messaging.Button, 0, e.cfg.VoteMax-e.cfg.VoteMin+1)
	for v := e.cfg.VoteMin; v <= e.cfg.VoteMax; v++ {
		row = append(row, messaging.Button{
			Text: strconv.Itoa(v),
			Data: fmt.Sprintf("%s:%d:%d", e.policy.Prefix, votableID, v),
		})
	}
	return messaging.Row(row...)
}

// Card renders the container caption of v. Authors stay hidden until the
// votable is sealed.
func (e *Engine) Card(ctx context.Context, v *votable.Votable, votes []*votable.Vote) string {
	author := ""
	if !v.IsOpen() {
		author = e.displayName(ctx, v.AuthorID)
	}
	return cardText(e.policy.Noun, v, author, indicator(v, votes))
}

// CastOrUpdateVote stores the voter's value for votableID. The first vote a
// voter casts in a round backfills a neutral vote on every other open
// votable so abstentions do not skew sums.
func (e *Engine) CastOrUpdateVote(ctx context.Context, voterID, votableID int64, value int) (bool, error) {
	if value < e.cfg.VoteMin || value > e.cfg.VoteMax {
		return false, votable.ErrVoteRange
	}
	target, err := e.repo.GetByID(ctx, votableID)
	if err != nil {
		return false, err
	}
	if target == nil || target.Kind != e.policy.Kind {
		return false, votable.ErrNotFound
	}
	if !target.IsOpen() {
		return false, votable.ErrClosed
	}
	if target.AuthorID == voterID {
		return false, votable.ErrOwnVotable
	}

	lock, _ := e.voterLocks.LoadOrStore(voterID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	voted, err := e.repo.HasVoteOnActive(ctx, e.policy.Kind, voterID)
	if err != nil {
		return false, err
	}
	if !voted {
		active, err := e.repo.ListActive(ctx, e.policy.Kind)
		if err != nil {
			return false, err
		}
		for _, v := range active {
			if v.ID == votableID || v.AuthorID == voterID {
				continue
			}
			if _, err := e.repo.UpsertVote(ctx, &votable.Vote{VoterID: voterID, VotableID: v.ID, Value: e.cfg.VoteNeutral}); err != nil {
				return false, err
			}
		}
	}

	updated, err := e.repo.UpsertVote(ctx, &votable.Vote{VoterID: voterID, VotableID: votableID, Value: value})
	if err != nil {
		return false, err
	}
	observability.RecordVote(ctx, string(e.policy.Kind), updated)
	e.logger.Debug().Int64("voter_id", voterID).Int64("votable_id", votableID).Int("value", value).Bool("updated", updated).Msg("vote stored")
	return updated, nil
}

// Owns reports whether callback data belongs to this engine.
func (e *Engine) Owns(data string) bool {
	return strings.HasPrefix(data, e.policy.Prefix+":")
}

// HandleInteraction applies a vote button press and schedules the UI refresh.
func (e *Engine) HandleInteraction(ctx context.Context, in messaging.Interaction) {
	votableID, value, ok := e.parse(in.Data)
	if !ok {
		e.transport.AnswerInteraction(ctx, in.ID, "Unknown vote")
		return
	}
	updated, err := e.CastOrUpdateVote(ctx, in.UserID, votableID, value)
	switch {
	case errors.Is(err, votable.ErrOwnVotable):
		e.transport.AnswerInteraction(ctx, in.ID, "You cannot vote for your own "+e.policy.Noun)
		return
	case errors.Is(err, votable.ErrClosed), errors.Is(err, votable.ErrNotFound):
		e.transport.AnswerInteraction(ctx, in.ID, "Voting for this "+e.policy.Noun+" is closed")
		return
	case errors.Is(err, votable.ErrVoteRange):
		e.transport.AnswerInteraction(ctx, in.ID, "Invalid score")
		return
	case err != nil:
		e.logger.Error().Err(err).Int64("voter_id", in.UserID).Msg("failed to store vote")
		e.transport.AnswerInteraction(ctx, in.ID, "Something went wrong, try again later")
		return
	}
	if updated {
		e.transport.AnswerInteraction(ctx, in.ID, fmt.Sprintf("Vote changed to %d", value))
	} else {
		e.transport.AnswerInteraction(ctx, in.ID, fmt.Sprintf("Voted %d", value))
	}
	e.stats.Trigger()
	e.walk.Request()
}

func (e *Engine) parse(data string) (int64, int, bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != e.policy.Prefix {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	value, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, false
	}
	return id, value, true
}

// StartVoting opens the voting window over every open votable.
func (e *Engine) StartVoting(ctx context.Context) error {
	e.rngMu.Lock()
	e.names.Reset(e.rng)
	e.rngMu.Unlock()
	e.setSealed(nil)

	deadline := e.clock.Now().Add(e.cfg.VotingDuration)
	if err := e.state.Update(ctx, contest.SetDeadline(deadline)); err != nil {
		return err
	}
	active, err := e.repo.ListActive(ctx, e.policy.Kind)
	if err != nil {
		return err
	}
	for _, v := range active {
		if !e.transport.Edit(ctx, v.Container, e.Card(ctx, v, nil), e.VoteKeyboard(v.ID)) {
			e.logger.Warn().Int64("votable_id", v.ID).Msg("failed to attach vote keyboard")
		}
	}
	e.transport.Send(ctx, messaging.Outgoing{ChatID: e.cfg.ChatID, Text: votingStartedText(e.policy.Noun, len(active), deadline)})

	ref := e.transport.Send(ctx, messaging.Outgoing{ChatID: e.cfg.ChatID, Text: statsText(e.policy.Noun, nil, false)})
	if err := e.state.Update(ctx, contest.SetStatsMessage(ref)); err != nil {
		return err
	}
	e.logger.Info().Int("votables", len(active)).Time("deadline", deadline).Msg("voting started")
	return nil
}

// RefreshStats rebuilds the ranked standings and edits the stats message.
func (e *Engine) RefreshStats(ctx context.Context) {
	st, err := e.state.GetOrCreate(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to read state for stats")
		return
	}
	if st.StatsMessage == nil {
		return
	}
	list, err := e.pollVotables(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list votables for stats")
		return
	}
	finalized := len(list) > 0
	sums := make(map[int64]int)
	for _, v := range list {
		if v.IsOpen() {
			finalized = false
			votes, err := e.repo.ListVotes(ctx, v.ID)
			if err != nil {
				e.logger.Error().Err(err).Int64("votable_id", v.ID).Msg("failed to list votes")
				return
			}
			for _, vote := range votes {
				sums[v.AuthorID] += vote.Value
			}
			continue
		}
		sums[v.AuthorID] += v.Votes()
	}
	standings := rank(sums)
	for i := range standings {
		if finalized {
			standings[i].Name = e.displayName(ctx, standings[i].AuthorID)
		} else {
			standings[i].Name = e.names.Name(standings[i].AuthorID)
		}
	}
	if !e.transport.Edit(ctx, *st.StatsMessage, statsText(e.policy.Noun, standings, finalized), nil) {
		e.logger.Warn().Msg("failed to edit stats message")
	}
}

// WalkIndicators re-renders every container of the current poll one by one,
// paced by the indicator rate limiter.
func (e *Engine) WalkIndicators(ctx context.Context) {
	list, err := e.pollVotables(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list votables for indicators")
		return
	}
	for _, v := range list {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		votes, err := e.repo.ListVotes(ctx, v.ID)
		if err != nil {
			e.logger.Error().Err(err).Int64("votable_id", v.ID).Msg("failed to list votes")
			continue
		}
		var kb messaging.Keyboard
		if v.IsOpen() {
			kb = e.VoteKeyboard(v.ID)
		}
		e.transport.Edit(ctx, v.Container, e.Card(ctx, v, votes), kb)
	}
}

// ConsolidateAndFinalize seals every open votable and picks the winner.
func (e *Engine) ConsolidateAndFinalize(ctx context.Context) (Result, error) {
	e.stats.Stop()
	st, err := e.state.GetOrCreate(ctx)
	if err != nil {
		return Result{}, err
	}
	sealed, err := e.repo.Consolidate(ctx, e.policy.Kind)
	if err != nil {
		return Result{}, fmt.Errorf("consolidate %s votes: %w", e.policy.Kind, err)
	}

	names := make(map[int64]string, len(sealed))
	for _, v := range sealed {
		if !e.transport.EditKeyboard(ctx, v.Container, nil) {
			e.logger.Warn().Int64("votable_id", v.ID).Msg("failed to strip vote keyboard")
		}
		names[v.AuthorID] = e.displayName(ctx, v.AuthorID)
		if e.policy.Kind == votable.KindEntry {
			_ = e.recorder.Record(ctx, outbox.TypeVotesUpdated, fmt.Sprintf("votes:%d", v.ID), map[string]any{
				"entryId":  v.ID,
				"authorId": v.AuthorID,
				"round":    v.Round,
				"votes":    v.Votes(),
			})
		}
	}
	e.logger.Info().Int("sealed", len(sealed)).Msg("votes consolidated")
	if len(sealed) > 0 {
		e.setSealed(sealed)
	}

	if len(sealed) == 0 {
		return Result{Outcome: OutcomeNotEnoughContesters}, nil
	}
	e.transport.Send(ctx, messaging.Outgoing{ChatID: e.cfg.ChatID, Text: totalsText(e.policy.Noun, sealed, names)})
	e.RefreshStats(ctx)
	e.walk.Request()

	group, best := topGroup(dropAuthor(sealed, st.WinnerID))
	if best < e.cfg.MinVotesForWinner {
		e.logger.Info().Int("best", best).Int("min", e.cfg.MinVotesForWinner).Msg("not enough votes for a winner")
		return Result{Outcome: OutcomeNotEnoughVotes, Tied: group}, nil
	}

	var (
		resolved []*votable.Votable
		authors  []*user.User
	)
	for _, v := range group {
		u, err := e.users.GetByID(ctx, v.AuthorID)
		if err != nil {
			return Result{}, err
		}
		if u == nil || u.Status == user.StatusDeleted {
			e.logger.Error().Int64("author_id", v.AuthorID).Int64("votable_id", v.ID).Msg("winning author cannot be resolved")
			continue
		}
		resolved = append(resolved, v)
		authors = append(authors, u)
	}
	if len(resolved) == 0 {
		return Result{Outcome: OutcomeHalt, Tied: group}, nil
	}

	idx := 0
	if len(resolved) == 1 {
		e.transport.Send(ctx, messaging.Outgoing{ChatID: e.cfg.ChatID, Text: singleWinnerText(e.policy.Noun, authors[0].DisplayName(), best)})
	} else {
		e.rngMu.Lock()
		idx = e.rng.IntN(len(resolved))
		e.rngMu.Unlock()
		tied := make([]string, len(authors))
		for i, a := range authors {
			tied[i] = a.DisplayName()
		}
		e.transport.Send(ctx, messaging.Outgoing{ChatID: e.cfg.ChatID, Text: tieText(e.policy.Noun, tied, best, authors[idx].DisplayName())})
	}

	result := Result{Outcome: OutcomeOK, Tied: resolved, Winner: resolved[idx], Author: authors[idx]}
	if e.policy.OnWinnerChosen != nil {
		if err := e.policy.OnWinnerChosen(ctx, result.Winner, result.Author); err != nil {
			return Result{}, fmt.Errorf("on winner chosen: %w", err)
		}
	}
	e.logger.Info().Int64("winner_id", result.Author.ID).Int64("votable_id", result.Winner.ID).Int("votes", best).Int("tied", len(resolved)).Msg("winner chosen")
	return result, nil
}

// pollVotables returns the votables of the current poll: the open ones while
// voting runs, then the ones sealed by the last consolidation. Several
// suggestion polls can share a round, so the round number does not scope them.
func (e *Engine) pollVotables(ctx context.Context) ([]*votable.Votable, error) {
	e.pollMu.Lock()
	sealed := e.sealed
	e.pollMu.Unlock()
	if sealed != nil {
		return sealed, nil
	}
	return e.repo.ListActive(ctx, e.policy.Kind)
}

func (e *Engine) setSealed(list []*votable.Votable) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	e.sealed = list
}

// Wait blocks until the background indicator walk is idle.
func (e *Engine) Wait() {
	e.walk.Wait()
}

func (e *Engine) displayName(ctx context.Context, userID int64) string {
	u, err := e.users.GetByID(ctx, userID)
	if err != nil || u == nil {
		return "unknown"
	}
	return u.DisplayName()
}
