// Package coordinator wires the Connection Registry, Presence Tracker,
// Message Router, call Manager and notification Fanout into the single
// surface the transports talk to.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/nexus/internal/call"
	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/notify"
	"github.com/Tyrowin/nexus/internal/presence"
	"github.com/Tyrowin/nexus/internal/registry"
	"github.com/Tyrowin/nexus/internal/router"
)

// Store is every external collaborator the coordinator consults.
type Store interface {
	router.Policy
	router.OfflineQueue
	call.Policy
	presence.FriendLookup
	notify.Settings
	notify.Recorder
}

// Actor identifies the user and, optionally, the connection behind a request.
type Actor = call.Actor

// Config carries the component timings.
type Config struct {
	Presence presence.Config
	Call     call.Config
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source of the registry and tracker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	registry *registry.Registry
	presence *presence.Tracker
	router   *router.Router
	calls    *call.Manager
	fanout   *notify.Fanout
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// New builds the components and connects their event flows:
// registry events feed presence and the call manager, Offline transitions
// fail live calls, and missed calls and queued messages become notifications.
func New(cfg Config, store Store, logger *slog.Logger, opts ...Option) *Coordinator {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	reg := registry.New(logger, registry.WithClock(o.now))
	tracker := presence.NewTracker(cfg.Presence, store, reg, logger, presence.WithClock(o.now))
	c := &Coordinator{
		registry: reg,
		presence: tracker,
		router:   router.New(reg, store, store, logger),
		calls:    call.NewManager(cfg.Call, reg, store, logger),
		fanout:   notify.New(store, store, tracker, reg, logger),
		logger:   logging.Component(logger, "coordinator"),
		done:     make(chan struct{}),
	}

	reg.Subscribe(tracker.HandleEvent)
	reg.Subscribe(c.calls.HandleRegistryEvent)
	c.calls.UsePresence(tracker)
	tracker.OnChange(c.calls.HandlePresence)
	c.calls.OnTerminal(c.missedCall)
	return c
}

// Registry exposes the connection registry for transports and health checks.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Stats is a point-in-time view of the coordinator's load.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Online      int `json:"online"`
	Calls       int `json:"calls"`
}

// Stats reports current counts for health checks.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Connections: c.registry.Count(),
		Users:       c.registry.Users(),
		Online:      c.presence.OnlineCount(),
		Calls:       c.calls.Count(),
	}
}

// OnPresenceChange registers a hook for every Online/Offline transition.
func (c *Coordinator) OnPresenceChange(hook func(context.Context, presence.Change)) {
	c.presence.OnChange(hook)
}

// Connect registers an authenticated connection.
func (c *Coordinator) Connect(userID, deviceID string, sender registry.Sender) (registry.Handle, error) {
	return c.registry.Register(userID, deviceID, sender)
}

// Disconnect unregisters a connection. It is idempotent.
func (c *Coordinator) Disconnect(connID string) bool {
	return c.registry.Unregister(connID)
}

// Evict closes every connection of userID and returns how many there were.
func (c *Coordinator) Evict(userID string) int {
	return c.registry.Evict(userID)
}

// SendChat routes a chat payload from actor to target, a user id or a direct
// conversation id. A message queued for an offline recipient also raises a
// "messages" notification; failures there are logged and do not affect the
// result.
func (c *Coordinator) SendChat(ctx context.Context, from Actor, target string, payload json.RawMessage) (router.Result, error) {
	res, err := c.router.Route(ctx, router.Message{
		SenderID:     from.UserID,
		Target:       target,
		Payload:      payload,
		OriginConnID: c.resolve(from).ConnID,
	})
	if err != nil || res.Kind != router.Queued {
		return res, err
	}

	note, encErr := json.Marshal(map[string]any{
		"conversation_id": res.ConversationID,
		"sender_id":       from.UserID,
		"seq":             res.Sequence,
	})
	if encErr != nil {
		return res, nil
	}
	if _, nerr := c.fanout.Notify(ctx, res.RecipientID, notify.Messages, note); nerr != nil {
		c.logger.Warn("message notification failed", "recipient_id", res.RecipientID, "error", nerr)
	}
	return res, nil
}

// resolve fills in the connection of an actor that only names a device, such
// as an HTTP request made from a device that also holds a WebSocket.
func (c *Coordinator) resolve(actor Actor) Actor {
	if actor.ConnID != "" || actor.DeviceID == "" {
		return actor
	}
	for _, h := range c.registry.ConnectionsFor(actor.UserID) {
		if h.DeviceID == actor.DeviceID {
			actor.ConnID = h.ID
			break
		}
	}
	return actor
}

// InitiateCall starts a call and returns its session id.
func (c *Coordinator) InitiateCall(ctx context.Context, callerID, calleeID string, kind call.Kind) (string, error) {
	return c.calls.Initiate(ctx, callerID, calleeID, kind)
}

// AnswerCall accepts or declines a ringing call.
func (c *Coordinator) AnswerCall(ctx context.Context, sessionID string, actor Actor, accept bool) error {
	return c.calls.Answer(ctx, sessionID, c.resolve(actor), accept)
}

// SignalCall relays an opaque signaling payload to the other party.
func (c *Coordinator) SignalCall(ctx context.Context, sessionID string, actor Actor, payload json.RawMessage) error {
	return c.calls.Signal(ctx, sessionID, actor, payload)
}

// MarkCallConnected records that actor's media leg is up.
func (c *Coordinator) MarkCallConnected(ctx context.Context, sessionID string, actor Actor) error {
	return c.calls.MarkConnected(ctx, sessionID, actor)
}

// EndCall hangs up, cancels or declines depending on state and actor.
func (c *Coordinator) EndCall(ctx context.Context, sessionID string, actor Actor) error {
	return c.calls.End(ctx, sessionID, actor)
}

// Call returns a snapshot of a session the user takes part in.
func (c *Coordinator) Call(sessionID, userID string) (call.Session, error) {
	s, ok := c.calls.Session(sessionID)
	if !ok {
		return call.Session{}, call.ErrNotFound
	}
	if s.CallerID != userID && s.CalleeID != userID {
		return call.Session{}, call.ErrNotParticipant
	}
	return s, nil
}

// IsOnline reports whether userID is reachable or within a grace period.
func (c *Coordinator) IsOnline(userID string) bool {
	return c.presence.IsOnline(userID)
}

// SubscribePresence streams the presence changes of userID's friends.
func (c *Coordinator) SubscribePresence(userID string) (<-chan presence.Change, func()) {
	return c.presence.Subscribe(userID)
}

// Notify delivers a notification through the fan-out.
func (c *Coordinator) Notify(ctx context.Context, userID string, kind notify.Kind, payload json.RawMessage) (notify.Result, error) {
	return c.fanout.Notify(ctx, userID, kind, payload)
}

// Run drives presence sweeping and change delivery until ctx is done or
// Shutdown is called. Calling it more than once has no effect.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		c.presence.Run(ctx)
	}()
}

// Shutdown stops the background loop and refuses new calls. Connections are
// closed by their transport.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.calls.Close()
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case <-c.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		c.presence.Flush(context.Background())
		c.logger.Info("coordinator stopped", "connections", c.registry.Count())
	})
	return err
}

func (c *Coordinator) missedCall(ctx context.Context, s call.Session) {
	if s.State != call.Unreachable && s.State != call.TimedOut {
		return
	}
	note, err := json.Marshal(map[string]any{
		"session_id": s.ID,
		"caller_id":  s.CallerID,
		"kind":       string(s.Kind),
		"state":      s.State.String(),
	})
	if err != nil {
		return
	}
	if _, err := c.fanout.Notify(ctx, s.CalleeID, notify.Calls, note); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("missed call notification failed", "session_id", s.ID, "callee_id", s.CalleeID, "error", err)
	}
}
