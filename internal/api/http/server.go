package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/eventbus"
	"github.com/contest-hub/contest-hub/internal/infrastructure/botapi"
	"github.com/contest-hub/contest-hub/internal/infrastructure/sse"
)

// Inbound receives updates pushed by the Bot API and deletion reports.
type Inbound interface {
	botapi.Handler
	HandleMessageDeleted(ctx context.Context, ref messaging.Ref)
}

// Publisher hands demands to the in-process bus.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event)
}

// Forcer moves the machine to an arbitrary phase.
type Forcer interface {
	FireExplicit(target contest.Phase)
}

// EventLister lists recorded outbox events.
type EventLister interface {
	List(ctx context.Context, filter outbox.Filter, limit, offset int) ([]*outbox.Event, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	inbound        Inbound
	state          contest.StateStore
	bus            Publisher
	machine        Forcer
	events         EventLister
	sseHub         *sse.Hub
	metrics        http.Handler
	webhookSecret  string
	adminTokenHash []byte
	logger         zerolog.Logger

	inflight sync.WaitGroup
}

func NewServer(
	inbound Inbound,
	state contest.StateStore,
	bus Publisher,
	machine Forcer,
	events EventLister,
	sseHub *sse.Hub,
	metrics http.Handler,
	webhookSecret string,
	adminTokenHash string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		inbound:        inbound,
		state:          state,
		bus:            bus,
		machine:        machine,
		events:         events,
		sseHub:         sseHub,
		metrics:        metrics,
		webhookSecret:  webhookSecret,
		adminTokenHash: []byte(adminTokenHash),
		logger:         logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Post("/webhook", s.webhook)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			// Streams outlive the request timeout.
			r.Get("/events", s.sseEndpoint)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Get("/state", s.getState)
				r.Route("/admin", func(r chi.Router) {
					r.Post("/fast-forward", s.fastForward)
					r.Post("/kickstart", s.kickstart)
					r.Post("/force", s.force)
					r.Post("/deleted-messages", s.messageDeleted)
					r.Get("/outbox", s.listOutbox)
				})
			})
		})
	})

	return r
}

// Wait blocks until dispatched webhook updates have been handled.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
