package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
)

func noop(context.Context, Request) (string, error) { return "", nil }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text, name, args string
		ok               bool
	}{
		{"/start", "start", "", true},
		{"/Postpone 2d", "postpone", "2d", true},
		{"/kickstart@contest_bot  Write a waltz ", "kickstart", "Write a waltz", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := ParseCommand(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"3d", 72 * time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"", 0, true},
		{"0d", 0, true},
		{"-2h", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_Guards(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("open", "/open", "", noop))
	require.NoError(t, reg.Register("admin", "/admin", guardAdmin, noop))
	require.NoError(t, reg.Register("kick", "/kick", guardKickstart, noop))
	require.NoError(t, reg.Register("boss", "/boss", guardSupervisor, noop))

	req := func(role user.Role, phase contest.Phase, private bool) Request {
		return Request{
			User:    &user.User{ID: 1, Role: role, Status: user.StatusActive},
			State:   &contest.SystemState{Phase: phase},
			Message: messaging.Message{Private: private},
		}
	}
	tests := []struct {
		name    string
		command string
		req     Request
		want    bool
	}{
		{"open to anyone", "open", req(user.RoleMember, contest.PhaseVoting, false), true},
		{"member is not admin", "admin", req(user.RoleMember, contest.PhaseContest, true), false},
		{"admin in private", "admin", req(user.RoleAdmin, contest.PhaseContest, true), true},
		{"admin in group", "admin", req(user.RoleAdmin, contest.PhaseContest, false), false},
		{"supervisor counts as admin", "admin", req(user.RoleSupervisor, contest.PhaseContest, true), true},
		{"kickstart in standby", "kick", req(user.RoleAdmin, contest.PhaseStandby, true), true},
		{"kickstart outside standby", "kick", req(user.RoleAdmin, contest.PhaseContest, true), false},
		{"admin is not supervisor", "boss", req(user.RoleAdmin, contest.PhaseContest, true), false},
		{"supervisor", "boss", req(user.RoleSupervisor, contest.PhaseContest, true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := reg.Lookup(tt.command)
			require.True(t, ok)
			got, err := cmd.Allowed(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var names []string
	for _, cmd := range reg.Available(req(user.RoleAdmin, contest.PhaseStandby, true)) {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"admin", "kick", "open"}, names)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("/start", "/start", "", noop))
	assert.ErrorIs(t, reg.Register("start", "/start", "", noop), ErrDuplicateCommand)
	assert.Error(t, reg.Register("broken", "/broken", "role == (", noop))

	require.NoError(t, reg.Register("phase", "/phase", "phase", noop))
	cmd, _ := reg.Lookup("phase")
	_, err := cmd.Allowed(Request{})
	assert.ErrorIs(t, err, ErrGuardNotBoolean)
}
