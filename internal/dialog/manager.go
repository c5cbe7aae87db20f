package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
)

const DefaultCapacity = 15

// Config tunes the manager.
type Config struct {
	Capacity    int
	IdleTimeout time.Duration
}

// Manager keeps at most one live dialog per user.
type Manager struct {
	mu      sync.Mutex
	dialogs map[int64]*Dialog

	cfg       Config
	transport messaging.Transport
	clock     contest.Clock
	logger    zerolog.Logger
}

func NewManager(transport messaging.Transport, clock contest.Clock, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	return &Manager{
		dialogs:   make(map[int64]*Dialog),
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		logger:    logger.With().Str("service", "dialog").Logger(),
	}
}

// StartExclusive cancels the user's current dialog, if any, and registers a
// fresh one.
func (m *Manager) StartExclusive(chatID, userID int64) *Dialog {
	d := newDialog(chatID, userID, m.cfg.Capacity, m.transport, m.clock.Now())

	m.mu.Lock()
	prev := m.dialogs[userID]
	m.dialogs[userID] = d
	m.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		m.logger.Debug().Int64("user_id", userID).Str("dialog_id", prev.ID.String()).Msg("dialog superseded")
	}
	return d
}

// Get returns the user's live dialog.
func (m *Manager) Get(userID int64) *Dialog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialogs[userID]
}

// Recycle drops d if it is still the user's registered dialog.
func (m *Manager) Recycle(d *Dialog) {
	if d == nil {
		return
	}
	d.Cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialogs[d.UserID] == d {
		delete(m.dialogs, d.UserID)
	}
}

// DeliverMessage routes msg into the sender's live dialog when it was written
// in the dialog chat. False means nobody took it or the mailbox is full.
func (m *Manager) DeliverMessage(msg messaging.Message) bool {
	d := m.Get(msg.UserID)
	if d == nil || d.ChatID != msg.ChatID {
		return false
	}
	if !d.offerMessage(msg) {
		m.logger.Warn().Int64("user_id", msg.UserID).Msg("dialog message mailbox full")
		return false
	}
	d.touch(m.clock.Now())
	return true
}

// DeliverInteraction routes a button press into the presser's live dialog.
func (m *Manager) DeliverInteraction(in messaging.Interaction) bool {
	d := m.Get(in.UserID)
	if d == nil || d.ChatID != in.ChatID {
		return false
	}
	if !d.offerInteraction(in) {
		m.logger.Warn().Int64("user_id", in.UserID).Msg("dialog interaction mailbox full")
		return false
	}
	d.touch(m.clock.Now())
	return true
}

// ActiveCount returns the number of registered dialogs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dialogs)
}

// Prune cancels dialogs idle for longer than the idle timeout.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	var stale []*Dialog
	for userID, d := range m.dialogs {
		if now.Sub(d.idleSince()) > m.cfg.IdleTimeout {
			stale = append(stale, d)
			delete(m.dialogs, userID)
		}
	}
	m.mu.Unlock()

	for _, d := range stale {
		d.Cancel()
	}
	if len(stale) > 0 {
		m.logger.Info().Int("count", len(stale)).Msg("pruned idle dialogs")
	}
	return len(stale)
}

// Run prunes periodically until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(m.clock.Now())
		}
	}
}

// CancelAll cancels every dialog, used on shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	dialogs := m.dialogs
	m.dialogs = make(map[int64]*Dialog)
	m.mu.Unlock()
	for _, d := range dialogs {
		d.Cancel()
	}
}
