package workflow

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/user"
)

// AdminBroadcast sends operational notices to every reachable administrator.
type AdminBroadcast struct {
	users     user.Repository
	transport messaging.Transport
	logger    zerolog.Logger
}

func NewAdminBroadcast(users user.Repository, transport messaging.Transport, logger zerolog.Logger) *AdminBroadcast {
	return &AdminBroadcast{
		users:     users,
		transport: transport,
		logger:    logger.With().Str("service", "admin_broadcast").Logger(),
	}
}

func (b *AdminBroadcast) NotifyAdmins(ctx context.Context, text string) {
	admins, err := b.users.ListActiveByRoles(ctx, user.RoleAdmin, user.RoleSupervisor)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to list administrators")
		return
	}
	for _, a := range admins {
		if !a.HasPrivateChat() {
			continue
		}
		if b.transport.Send(ctx, messaging.Outgoing{ChatID: a.ChatID, Text: text}) == nil {
			b.logger.Warn().Int64("user_id", a.ID).Msg("failed to notify administrator")
		}
	}
}
