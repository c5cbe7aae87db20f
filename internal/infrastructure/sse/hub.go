package sse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/application/workflow"
	"github.com/contest-hub/contest-hub/internal/domain/notification"
)

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*notification.SSEClient
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*notification.SSEClient),
		logger:  logger.With().Str("service", "sse_hub").Logger(),
	}
}

func (h *Hub) Register(client *notification.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToAll offers message to every client; slow clients miss it.
func (h *Hub) BroadcastToAll(message *notification.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if !trySend(c, message) {
			h.logger.Warn().Str("client_id", id).Str("event", message.Event).Msg("client mailbox full, event dropped")
		}
	}
}

func (h *Hub) SendToClient(clientID string, message *notification.SSEMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return notification.ErrClientNotFound
	}
	if !trySend(c, message) {
		return notification.ErrChannelFull
	}
	return nil
}

// ObserveTransition turns a machine transition into a stream event.
func (h *Hub) ObserveTransition(t workflow.Transition) {
	msg, err := notification.NewSSEMessage(notification.EventTransition, notification.Transition{
		From:    string(t.From),
		To:      string(t.To),
		Trigger: string(t.Trigger),
		At:      time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode transition")
		return
	}
	h.BroadcastToAll(msg)
}

// Start sends heartbeats every interval until ctx ends, then closes every
// client.
func (h *Hub) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-ticker.C:
			msg, err := notification.NewSSEMessage(notification.EventHeartbeat, map[string]int{"clients": h.GetClientCount()})
			if err == nil {
				h.BroadcastToAll(msg)
			}
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *notification.SSEClient, msg *notification.SSEMessage) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
