package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/eventbus"
	"github.com/contest-hub/contest-hub/internal/infrastructure/botapi"
)

type fastForwardRequest struct {
	ToPreview bool `json:"toPreview"`
}

type kickstartRequest struct {
	Task string `json:"task"`
}

type forceRequest struct {
	Phase string `json:"phase"`
}

type messageDeletedRequest struct {
	ChatID    int64 `json:"chatId"`
	MessageID int   `json:"messageId"`
}

// webhook acknowledges the update at once and handles it in the background;
// the Bot API retries anything that is not a 2xx.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(r) {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad webhook secret")
		return
	}
	var u botapi.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		botapi.Dispatch(ctx, s.inbound, u)
	}()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	st, err := s.state.GetOrCreate(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) fastForward(w http.ResponseWriter, r *http.Request) {
	var req fastForwardRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
	}
	st, err := s.state.GetOrCreate(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if !st.Phase.IsTimeBound() {
		respondError(w, http.StatusConflict, "NOT_TIME_BOUND", fmt.Sprintf("phase %s has no deadline", st.Phase))
		return
	}
	s.bus.Publish(r.Context(), eventbus.FastForwardDemand{ToPreview: req.ToPreview})
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"phase": st.Phase, "toPreview": req.ToPreview})
}

func (s *Server) kickstart(w http.ResponseWriter, r *http.Request) {
	var req kickstartRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
	}
	st, err := s.state.GetOrCreate(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if st.Phase != contest.PhaseStandby {
		respondError(w, http.StatusConflict, "NOT_IN_STANDBY", fmt.Sprintf("contest is in %s", st.Phase))
		return
	}
	s.bus.Publish(r.Context(), eventbus.KickstartDemand{Task: strings.TrimSpace(req.Task)})
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"task": strings.TrimSpace(req.Task)})
}

func (s *Server) force(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	phase, err := contest.ParsePhase(req.Phase)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	s.logger.Warn().Str("phase", string(phase)).Msg("forcing phase over the admin API")
	s.machine.FireExplicit(phase)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"phase": phase})
}

func (s *Server) messageDeleted(w http.ResponseWriter, r *http.Request) {
	var req messageDeletedRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.ChatID == 0 || req.MessageID <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "chatId and messageId required")
		return
	}
	s.inbound.HandleMessageDeleted(r.Context(), messaging.Ref{ChatID: req.ChatID, MessageID: req.MessageID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 500)
	var filter outbox.Filter
	if v := r.URL.Query().Get("type"); v != "" {
		t := outbox.Type(strings.ToUpper(v))
		filter.Type = &t
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := outbox.Status(strings.ToUpper(v))
		filter.Status = &st
	}
	events, err := s.events.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if events == nil {
		events = []*outbox.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}
