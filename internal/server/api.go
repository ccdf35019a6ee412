package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/nexus/internal/auth"
	"github.com/Tyrowin/nexus/internal/call"
	"github.com/Tyrowin/nexus/internal/notify"
	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/router"
)

type sendMessageRequest struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type initiateCallRequest struct {
	Callee string `json:"callee"`
	Kind   string `json:"kind"`
}

type answerCallRequest struct {
	Accept bool `json:"accept"`
}

type signalCallRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type notifyRequest struct {
	UserID  string          `json:"user_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type notifyResponse struct {
	Outcome     string `json:"outcome"`
	Connections int    `json:"connections,omitempty"`
}

type callResponse struct {
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id"`
	CalleeID  string `json:"callee_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// handleSendMessage handles POST /api/messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.SendChat(r.Context(), s.actor(r), req.To, req.Payload)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	if res.Kind == router.Rejected {
		respondWithJSON(w, http.StatusForbidden, chatResult(res))
		return
	}
	respondWithJSON(w, http.StatusOK, chatResult(res))
}

// handleInitiateCall handles POST /api/calls.
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.coord.InitiateCall(r.Context(), s.actor(r).UserID, req.Callee, call.ParseKind(req.Kind))
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, protocol.CallRef{SessionID: id})
}

// handleGetCall handles GET /api/calls/{id}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Call(chi.URLParam(r, "id"), s.actor(r).UserID)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, callResponse{
		SessionID: sess.ID,
		CallerID:  sess.CallerID,
		CalleeID:  sess.CalleeID,
		Kind:      string(sess.Kind),
		State:     sess.State.String(),
		Reason:    sess.Reason,
	})
}

// handleAnswerCall handles POST /api/calls/{id}/answer.
func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	var req answerCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondNoContent(w, s.coord.AnswerCall(r.Context(), chi.URLParam(r, "id"), s.actor(r), req.Accept))
}

// handleSignalCall handles POST /api/calls/{id}/signal. The payload may be
// queued, so success is 202.
func (s *Server) handleSignalCall(w http.ResponseWriter, r *http.Request) {
	var req signalCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coord.SignalCall(r.Context(), chi.URLParam(r, "id"), s.actor(r), req.Payload); err != nil {
		s.respondWithErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCallConnected handles POST /api/calls/{id}/connected.
func (s *Server) handleCallConnected(w http.ResponseWriter, r *http.Request) {
	s.respondNoContent(w, s.coord.MarkCallConnected(r.Context(), chi.URLParam(r, "id"), s.actor(r)))
}

// handleEndCall handles POST /api/calls/{id}/end.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	s.respondNoContent(w, s.coord.EndCall(r.Context(), chi.URLParam(r, "id"), s.actor(r)))
}

// handlePresence handles GET /api/presence/{userID}.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	respondWithJSON(w, http.StatusOK, protocol.PresenceStatus{UserID: userID, Online: s.coord.IsOnline(userID)})
}

// handleNotify handles POST /api/notifications, used by the REST layer to
// raise mentions, friend requests and the like. Only service tokens reach it.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := notify.ParseKind(req.Kind)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	res, err := s.coord.Notify(r.Context(), req.UserID, kind, req.Payload)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, notifyResponse{Outcome: res.Outcome.String(), Connections: res.Connections})
}

func (s *Server) actor(r *http.Request) call.Actor {
	id, _ := auth.FromContext(r.Context())
	return call.Actor{UserID: id.UserID, DeviceID: id.DeviceID}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			respondWithError(w, http.StatusBadRequest, "empty request body")
		default:
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		}
		return false
	}
	return true
}

func (s *Server) respondNoContent(w http.ResponseWriter, err error) {
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondWithErr(w http.ResponseWriter, err error) {
	code, status := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		respondWithError(w, status, "internal error")
		return
	}
	respondWithError(w, status, code)
}
