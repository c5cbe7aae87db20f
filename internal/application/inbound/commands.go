package inbound

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/contest-hub/contest-hub/internal/application/postpone"
	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/eventbus"
)

const (
	guardPrivate    = "private"
	guardAdmin      = "private && (role == 'ADMIN' || role == 'SUPERVISOR')"
	guardSupervisor = "private && role == 'SUPERVISOR'"
	guardKickstart  = guardAdmin + " && phase == 'STANDBY'"
)

var errInvalidDuration = errors.New("invalid duration")

// Postponer takes postpone demands.
type Postponer interface {
	Demand(ctx context.Context, userID int64, d time.Duration) postpone.Result
}

// Forcer moves the contest to a phase regardless of the transition table.
type Forcer interface {
	FireExplicit(target contest.Phase)
}

// Publisher puts demands on the event bus.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event)
}

// Commands holds what the built-in commands act on.
type Commands struct {
	Postpones Postponer
	Machine   Forcer
	Bus       Publisher
}

// RegisterDefaults registers the built-in command set.
func RegisterDefaults(reg *Registry, c Commands) error {
	type def struct {
		name, usage, guard string
		handler            HandlerFunc
	}
	defs := []def{
		{"start", "/start", guardPrivate, c.start},
		{"help", "/help", "", c.help(reg)},
		{"state", "/state", "", c.state},
		{"balance", "/balance", guardPrivate, c.balance},
		{"postpone", "/postpone <duration, e.g. 2d or 12h>", guardPrivate, c.postpone},
		{"fastforward", "/fastforward [preview]", guardAdmin, c.fastForward},
		{"kickstart", "/kickstart [task text]", guardKickstart, c.kickstart},
		{"force", "/force <PHASE>", guardSupervisor, c.force},
	}
	for _, d := range defs {
		if err := reg.Register(d.name, d.usage, d.guard, d.handler); err != nil {
			return err
		}
	}
	return nil
}

func (c Commands) start(_ context.Context, req Request) (string, error) {
	return fmt.Sprintf("Hi %s! Send me your entry while a round is running, and I will post it anonymously. Use /help to see what else I can do.",
		req.User.DisplayName()), nil
}

func (c Commands) help(reg *Registry) HandlerFunc {
	return func(_ context.Context, req Request) (string, error) {
		var b strings.Builder
		b.WriteString("Available commands:")
		for _, cmd := range reg.Available(req) {
			b.WriteString("\n")
			b.WriteString(cmd.Usage)
		}
		return b.String(), nil
	}
}

func (c Commands) state(_ context.Context, req Request) (string, error) {
	st := req.State
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\nRound: %d", st.Phase, st.Round)
	if !st.Task.IsZero() {
		fmt.Fprintf(&b, "\nTask: %s", st.Task.Text)
	}
	if st.Phase.IsTimeBound() && !st.NextDeadline.IsZero() {
		fmt.Fprintf(&b, "\nDeadline: %s", st.NextDeadline.UTC().Format("Mon, 02 Jan 15:04 MST"))
	}
	return b.String(), nil
}

func (c Commands) balance(_ context.Context, req Request) (string, error) {
	return fmt.Sprintf("Your balance: %d", req.User.Balance), nil
}

func (c Commands) postpone(ctx context.Context, req Request) (string, error) {
	d, err := ParseDuration(req.Args)
	if err != nil {
		return "Tell me how long to postpone, e.g. /postpone 2d or /postpone 12h.", nil
	}
	return postponeReply(c.Postpones.Demand(ctx, req.User.ID, d)), nil
}

func postponeReply(r postpone.Result) string {
	switch r {
	case postpone.ResultAccepted:
		return "Your postpone request is registered. The deadline moves once enough people ask."
	case postpone.ResultAcceptedAndPostponed:
		return "Your request completed the quorum, the deadline has been postponed."
	case postpone.ResultDeniedWrongPhase:
		return "The deadline can only be postponed while a round is running."
	case postpone.ResultDeniedInvalidDuration:
		return "That duration is not allowed."
	case postpone.ResultDeniedAlreadyHasOpen:
		return "You already have an open postpone request."
	case postpone.ResultDeniedInsufficientBalance:
		return "Your balance is too low to request a postpone."
	default:
		return "Something went wrong, try again later."
	}
}

func (c Commands) fastForward(ctx context.Context, req Request) (string, error) {
	if !req.State.Phase.IsTimeBound() {
		return "The current phase has no deadline.", nil
	}
	toPreview := strings.EqualFold(req.Args, "preview")
	c.Bus.Publish(ctx, eventbus.FastForwardDemand{ToPreview: toPreview, RequestedBy: req.User.ID})
	if toPreview {
		return "Fast forwarding to the preview instant.", nil
	}
	return "Fast forwarding to the deadline.", nil
}

func (c Commands) kickstart(ctx context.Context, req Request) (string, error) {
	c.Bus.Publish(ctx, eventbus.KickstartDemand{Task: req.Args, RequestedBy: req.User.ID})
	if req.Args == "" {
		return "Kickstarting with a task suggestion poll.", nil
	}
	return "Kickstarting a round with your task.", nil
}

func (c Commands) force(_ context.Context, req Request) (string, error) {
	phase, err := contest.ParsePhase(req.Args)
	if err != nil {
		names := make([]string, 0, len(contest.Phases))
		for _, p := range contest.Phases {
			names = append(names, string(p))
		}
		return "Usage: /force <PHASE>, one of " + strings.Join(names, ", "), nil
	}
	c.Machine.FireExplicit(phase)
	return fmt.Sprintf("Forcing %s.", phase), nil
}

// ParseDuration accepts Go durations plus a whole-day suffix, e.g. "3d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errInvalidDuration
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, errInvalidDuration
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errInvalidDuration
	}
	return d, nil
}
