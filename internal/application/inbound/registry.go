package inbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
)

var (
	ErrDuplicateCommand = errors.New("command already registered")
	ErrGuardNotBoolean  = errors.New("guard did not evaluate to boolean")
)

// Request is what a command handler gets to work with.
type Request struct {
	User    *user.User
	State   *contest.SystemState
	Message messaging.Message
	Args    string
}

// HandlerFunc runs a command and returns the reply text. An empty reply sends
// nothing.
type HandlerFunc func(ctx context.Context, req Request) (string, error)

// Command is a registered slash command. Guard is a boolean expression over
// role, status, phase and private; an empty guard allows everyone.
type Command struct {
	Name    string
	Usage   string
	Guard   string
	Handler HandlerFunc

	expr *govaluate.EvaluableExpression
}

// Registry holds the commands known to the bot.
type Registry struct {
	commands map[string]*Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register compiles the guard and adds the command.
func (r *Registry) Register(name, usage, guard string, handler HandlerFunc) error {
	name = strings.ToLower(strings.TrimPrefix(name, "/"))
	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: /%s", ErrDuplicateCommand, name)
	}
	cmd := &Command{Name: name, Usage: usage, Guard: strings.TrimSpace(guard), Handler: handler}
	if cmd.Guard != "" {
		expr, err := govaluate.NewEvaluableExpression(cmd.Guard)
		if err != nil {
			return fmt.Errorf("compile guard of /%s: %w", name, err)
		}
		cmd.expr = expr
	}
	r.commands[name] = cmd
	return nil
}

func (r *Registry) Lookup(name string) (*Command, bool) {
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Available lists the commands whose guard passes for req, sorted by name.
func (r *Registry) Available(req Request) []*Command {
	var out []*Command
	for _, cmd := range r.commands {
		if ok, err := cmd.Allowed(req); err == nil && ok {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Allowed evaluates the guard against the caller.
func (c *Command) Allowed(req Request) (bool, error) {
	if c.expr == nil {
		return true, nil
	}
	result, err := c.expr.Evaluate(guardParams(req))
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, ErrGuardNotBoolean
	}
}

func guardParams(req Request) map[string]interface{} {
	params := map[string]interface{}{
		"role":    string(user.RoleMember),
		"status":  string(user.StatusActive),
		"phase":   string(contest.PhaseStandby),
		"private": req.Message.Private,
	}
	if req.User != nil {
		params["role"] = string(req.User.Role)
		params["status"] = string(req.User.Status)
	}
	if req.State != nil {
		params["phase"] = string(req.State.Phase)
	}
	return params
}

// ParseCommand splits "/name@bot args" into name and args.
func ParseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
