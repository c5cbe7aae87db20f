package user

import (
	"errors"
	"strings"
	"time"
)

// Role represents a user role.
type Role string

const (
	RoleMember     Role = "MEMBER"
	RoleAdmin      Role = "ADMIN"
	RoleSupervisor Role = "SUPERVISOR"
)

// Status represents user status.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusBlocked Status = "BLOCKED"
	StatusDeleted Status = "DELETED"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInactive            = errors.New("user is not active")
)

// User is a contest participant known to the bot.
type User struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chatId"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// IsAdmin reports whether the user takes part in premoderation.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSupervisor
}

// HasPrivateChat reports whether the bot can talk to the user directly.
func (u *User) HasPrivateChat() bool {
	return u.ChatID != 0 && u.IsActive()
}

// DisplayName picks the friendliest name available.
func (u *User) DisplayName() string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "anonymous"
}

func NormalizeUsername(username string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(username)), "@")
}

func ValidateRole(role Role) error {
	switch role {
	case RoleMember, RoleAdmin, RoleSupervisor:
		return nil
	default:
		return errors.New("invalid role")
	}
}

func ValidateStatus(status Status) error {
	switch status {
	case StatusActive, StatusBlocked, StatusDeleted:
		return nil
	default:
		return errors.New("invalid status")
	}
}
