package server

import (
	"encoding/json"
	"net/http"

	"github.com/Tyrowin/nexus/internal/auth"
)

// handleWebSocket authenticates the request, upgrades it and hands the
// connection to the hub, which registers it and starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.authn.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id.UserID, "error", err)
		return
	}

	client := NewClient(conn, s.hub, id, r.RemoteAddr, s.cfg)
	s.hub.join(client)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Online      int    `json:"online"`
	Calls       int    `json:"calls"`
}

// handleHealth reports liveness and current load.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.coord.Stats()
	respondWithJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: stats.Connections,
		Users:       stats.Users,
		Online:      stats.Online,
		Calls:       stats.Calls,
	})
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}
