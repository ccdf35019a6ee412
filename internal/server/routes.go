package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Tyrowin/nexus/internal/auth"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	// The WebSocket handler authenticates itself so that it can accept the
	// token as a query parameter.
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Logger)
		r.Use(auth.Middleware(s.authn))

		r.Post("/messages", s.handleSendMessage)
		r.Post("/calls", s.handleInitiateCall)
		r.Get("/calls/{id}", s.handleGetCall)
		r.Post("/calls/{id}/answer", s.handleAnswerCall)
		r.Post("/calls/{id}/signal", s.handleSignalCall)
		r.Post("/calls/{id}/connected", s.handleCallConnected)
		r.Post("/calls/{id}/end", s.handleEndCall)
		r.Get("/presence/{userID}", s.handlePresence)
		r.With(auth.RequireRole(auth.RoleService)).Post("/notifications", s.handleNotify)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusNotFound, "not found")
	})
	return r
}
