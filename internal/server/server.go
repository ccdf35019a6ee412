package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus/internal/auth"
	"github.com/Tyrowin/nexus/internal/call"
	"github.com/Tyrowin/nexus/internal/coordinator"
	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/notify"
	"github.com/Tyrowin/nexus/internal/registry"
	"github.com/Tyrowin/nexus/internal/router"
)

// Coordinator is the real-time core driven by the WebSocket and HTTP
// transports. *coordinator.Coordinator implements it.
type Coordinator interface {
	Connect(userID, deviceID string, sender registry.Sender) (registry.Handle, error)
	Disconnect(connID string) bool
	SendChat(ctx context.Context, from call.Actor, target string, payload json.RawMessage) (router.Result, error)
	InitiateCall(ctx context.Context, callerID, calleeID string, kind call.Kind) (string, error)
	AnswerCall(ctx context.Context, sessionID string, actor call.Actor, accept bool) error
	SignalCall(ctx context.Context, sessionID string, actor call.Actor, payload json.RawMessage) error
	MarkCallConnected(ctx context.Context, sessionID string, actor call.Actor) error
	EndCall(ctx context.Context, sessionID string, actor call.Actor) error
	Call(sessionID, userID string) (call.Session, error)
	IsOnline(userID string) bool
	Notify(ctx context.Context, userID string, kind notify.Kind, payload json.RawMessage) (notify.Result, error)
	Stats() coordinator.Stats
}

// Server owns the WebSocket hub and the HTTP surface in front of a
// Coordinator.
type Server struct {
	cfg      Config
	coord    Coordinator
	authn    auth.Authenticator
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a Server. Zero config fields take the defaults.
func New(cfg Config, coord Coordinator, authn auth.Authenticator, logger *slog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	logger = logging.Component(logger, "server")
	s := &Server{
		cfg:     cfg,
		coord:   coord,
		authn:   authn,
		hub:     NewHub(coord, logger),
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub loop in its own goroutine. Call it before serving.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info("hub started and ready to manage websocket connections")
}

// Shutdown closes every WebSocket connection and waits for the pumps.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
