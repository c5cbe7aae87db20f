package premoderation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/contest-hub/contest-hub/internal/dialog"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/observability"
)

// Outcome is one administrator's decision.
type Outcome string

const (
	OutcomeApprove  Outcome = "APPROVE"
	OutcomeDeny     Outcome = "DENY"
	OutcomeOverride Outcome = "OVERRIDE"
	OutcomeSkipped  Outcome = "SKIPPED"
)

const (
	dataApprove  = "pm:approve"
	dataDeny     = "pm:deny"
	dataOverride = "pm:override"
)

// Vote is the resolution of one administrator flow. Detail holds the deny
// reason or the override text.
type Vote struct {
	Admin   *user.User
	Outcome Outcome
	Detail  string
}

// Verdict is the aggregated decision. Approved is nil when a supervisor
// replaced the task; Text is then the replacement.
type Verdict struct {
	Approved *bool
	Text     string
	Kind     contest.TaskKind
}

func (v Verdict) IsApproved() bool {
	return v.Approved != nil && *v.Approved
}

func (v Verdict) IsOverridden() bool {
	return v.Approved == nil
}

// Config holds the premoderation timeouts.
type Config struct {
	VoteTimeout   time.Duration
	GraceWindow   time.Duration
	DetailTimeout time.Duration
}

// Service asks every active administrator about a proposed task at once.
type Service struct {
	users     user.Repository
	dialogs   *dialog.Manager
	transport messaging.Transport
	cfg       Config
	logger    zerolog.Logger
}

func NewService(users user.Repository, dialogs *dialog.Manager, transport messaging.Transport, cfg Config, logger zerolog.Logger) *Service {
	if cfg.DetailTimeout <= 0 {
		cfg.DetailTimeout = cfg.VoteTimeout
	}
	return &Service{
		users:     users,
		dialogs:   dialogs,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("service", "premoderation").Logger(),
	}
}

// PremoderateTaskForNewRound reviews the task the winner proposed. Without a
// reachable winner nobody can pick another task, so admins only see Approve.
func (s *Service) PremoderateTaskForNewRound(ctx context.Context, task contest.Task, winner *user.User) (Verdict, error) {
	if winner != nil && winner.HasPrivateChat() {
		s.transport.Send(ctx, messaging.Outgoing{ChatID: winner.ChatID, Text: underReviewText})
		return s.premoderate(ctx, task, true, reviewText(task, winner.DisplayName()))
	}
	return s.premoderate(ctx, task, false, degradedReviewText(task))
}

// Premoderate runs the administrator vote on task.
func (s *Service) Premoderate(ctx context.Context, task contest.Task, fallbackAvailable bool) (Verdict, error) {
	return s.premoderate(ctx, task, fallbackAvailable, reviewText(task, ""))
}

func (s *Service) premoderate(ctx context.Context, task contest.Task, fallback bool, prompt string) (Verdict, error) {
	all, err := s.users.ListActiveByRoles(ctx, user.RoleAdmin, user.RoleSupervisor)
	if err != nil {
		return Verdict{}, err
	}
	var admins []*user.User
	for _, a := range all {
		if a.HasPrivateChat() {
			admins = append(admins, a)
		}
	}
	if len(admins) == 0 {
		s.logger.Info().Msg("no administrators, task auto-approved")
		return approved(task), nil
	}

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var (
		mu          sync.Mutex
		pending     = make(map[int64]*user.User, len(admins))
		cancelOnce  sync.Once
		cancelTimer *time.Timer
	)
	for _, a := range admins {
		pending[a.ID] = a
	}

	votes := make([]Vote, len(admins))
	g, gctx := errgroup.WithContext(runCtx)
	for i, admin := range admins {
		g.Go(func() error {
			v := s.ask(gctx, admin, prompt, fallback)
			votes[i] = v
			observability.RecordPremoderation(ctx, string(v.Outcome))

			mu.Lock()
			delete(pending, admin.ID)
			others := make([]*user.User, 0, len(pending))
			for _, p := range pending {
				others = append(others, p)
			}
			mu.Unlock()

			for _, o := range others {
				if s.transport.Send(ctx, messaging.Outgoing{ChatID: o.ChatID, Text: decisionText(admin, v)}) == nil {
					s.logger.Warn().Int64("admin_id", o.ID).Msg("failed to broadcast admin decision")
				}
			}
			if v.Outcome != OutcomeApprove && len(others) > 0 {
				cancelOnce.Do(func() {
					s.logger.Info().Int64("admin_id", admin.ID).Str("outcome", string(v.Outcome)).Dur("grace", s.cfg.GraceWindow).Msg("cancelling remaining admin votes after grace window")
					mu.Lock()
					cancelTimer = time.AfterFunc(s.cfg.GraceWindow, cancelAll)
					mu.Unlock()
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	mu.Lock()
	if cancelTimer != nil {
		cancelTimer.Stop()
	}
	mu.Unlock()

	verdict := Aggregate(task, votes)
	s.logger.Info().Interface("approved", verdict.Approved).Int("admins", len(admins)).Msg("premoderation finished")
	return verdict, nil
}

// ask runs one administrator's private vote flow.
func (s *Service) ask(ctx context.Context, admin *user.User, prompt string, fallback bool) Vote {
	skipped := Vote{Admin: admin, Outcome: OutcomeSkipped}

	d := s.dialogs.StartExclusive(admin.ChatID, admin.ID)
	defer s.dialogs.Recycle(d)

	ref := d.Send(ctx, prompt, s.keyboard(admin, fallback))
	if ref == nil {
		s.logger.Warn().Int64("admin_id", admin.ID).Msg("failed to send premoderation prompt")
		return skipped
	}
	in, err := d.AwaitInteractionOn(ctx, ref.MessageID, s.cfg.VoteTimeout)
	// the prompt outlives a cancelled ctx, so strip it with a fresh one
	s.transport.EditKeyboard(context.WithoutCancel(ctx), *ref, nil)
	if err != nil || in == nil {
		return skipped
	}
	s.transport.AnswerInteraction(ctx, in.ID, "")

	switch {
	case in.Data == dataApprove:
		return Vote{Admin: admin, Outcome: OutcomeApprove}
	case in.Data == dataDeny && fallback:
		reason, _ := d.AskWithConfirmation(ctx, askReasonText, s.cfg.DetailTimeout)
		v := Vote{Admin: admin, Outcome: OutcomeDeny}
		if reason != nil {
			v.Detail = strings.TrimSpace(*reason)
		}
		return v
	case in.Data == dataOverride && fallback && admin.Role == user.RoleSupervisor:
		text, _ := d.AskWithConfirmation(ctx, askOverrideText, s.cfg.DetailTimeout)
		if text == nil || strings.TrimSpace(*text) == "" {
			return skipped
		}
		return Vote{Admin: admin, Outcome: OutcomeOverride, Detail: strings.TrimSpace(*text)}
	default:
		return skipped
	}
}

func (s *Service) keyboard(admin *user.User, fallback bool) messaging.Keyboard {
	approve := messaging.Button{Text: "Approve", Data: dataApprove}
	if !fallback {
		return messaging.Row(approve)
	}
	row := []messaging.Button{approve, {Text: "Deny", Data: dataDeny}}
	if admin.Role == user.RoleSupervisor {
		row = append(row, messaging.Button{Text: "Override", Data: dataOverride})
	}
	return messaging.Row(row...)
}

// Aggregate folds the votes by priority: Override, then Deny, then Approve.
// Skipped votes count as approval.
func Aggregate(task contest.Task, votes []Vote) Verdict {
	for _, v := range votes {
		if v.Outcome == OutcomeOverride {
			return Verdict{Text: v.Detail, Kind: contest.TaskKindManual}
		}
	}
	for _, v := range votes {
		if v.Outcome == OutcomeDeny {
			no := false
			return Verdict{Approved: &no, Text: v.Detail, Kind: task.Kind}
		}
	}
	return approved(task)
}

func approved(task contest.Task) Verdict {
	yes := true
	return Verdict{Approved: &yes, Text: task.Text, Kind: task.Kind}
}

const (
	underReviewText = "Thanks! Your task is now with the administrators for review."
	askReasonText   = "Please tell the winner why the task is denied."
	askOverrideText = "Send the task text that should be used instead."
)

func reviewText(task contest.Task, author string) string {
	if author == "" {
		return fmt.Sprintf("New task for review:\n\n%s", task.Text)
	}
	return fmt.Sprintf("%s proposes the next task:\n\n%s", author, task.Text)
}

func degradedReviewText(task contest.Task) string {
	return fmt.Sprintf("The round winner is unavailable. Please confirm the next task:\n\n%s", task.Text)
}

func decisionText(admin *user.User, v Vote) string {
	text := fmt.Sprintf("%s voted %s", admin.DisplayName(), strings.ToLower(string(v.Outcome)))
	if v.Detail != "" {
		text += ": " + v.Detail
	}
	return text
}
