package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/RepairPipe/internal/messaging"
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/store"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 200
)

// sessionView is the operator view of one conversation.
type sessionView struct {
	Session  *models.Session          `json:"session"`
	Stage    models.Stage             `json:"stage"`
	Messages []models.MessageLogEntry `json:"messages,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

// sessionKey validates the {channel}/{peer} path parameters.
func sessionKey(r *http.Request) (models.Channel, string, error) {
	channel := models.Channel(chi.URLParam(r, "channel"))
	if !models.IsValidChannel(channel) {
		return "", "", models.ErrInvalidChannel
	}
	peer, err := messaging.CanonicalPeer(chi.URLParam(r, "peer"))
	if err != nil {
		return "", "", err
	}
	return channel, peer, nil
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	channel, peer, err := sessionKey(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	limit := defaultLogLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = min(n, maxLogLimit)
	}

	sess, err := s.sessions.Lookup(r.Context(), channel, peer)
	if err != nil {
		s.writeLookupError(w, err, channel, peer)
		return
	}
	view := sessionView{Session: sess, Stage: sess.State.Stage}
	if limit > 0 {
		msgs, err := s.sessions.RecentMessages(r.Context(), sess.ID, limit)
		if err != nil {
			slog.Error("Server.getSessionHandler: failed to load message log", "session_id", sess.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message log"))
			return
		}
		view.Messages = msgs
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	channel, peer, err := sessionKey(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sess, err := s.sessions.Lookup(r.Context(), channel, peer)
	if err != nil {
		s.writeLookupError(w, err, channel, peer)
		return
	}
	id := sess.ID
	sess, err = s.sessions.Reset(r.Context(), id)
	if err != nil {
		slog.Error("Server.resetSessionHandler: reset failed", "session_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	slog.Info("Server.resetSessionHandler: session reset by operator", "session_id", sess.ID, "channel", channel, "peer", peer)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", sessionView{Session: sess, Stage: sess.State.Stage}))
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, channel models.Channel, peer string) {
	if errors.Is(err, store.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	slog.Error("Server: session lookup failed", "channel", channel, "peer", peer, "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
}
