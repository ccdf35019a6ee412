// Package call runs the signaling state machine of one-to-one voice and video
// calls.
//
// The Manager owns every CallSession. It reaches parties only through the
// Connection Registry, relays offers, answers and candidates verbatim, and
// enforces session-state validity. Media is never inspected. A user takes
// part in at most one live session; a second invite gets ErrBusy.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/presence"
	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/registry"
)

// Defaults for Config fields left zero.
const (
	DefaultAnswerTimeout = 45 * time.Second
	DefaultRetention     = 30 * time.Second
	DefaultQueueLimit    = 64
)

// Config holds the call timings and limits.
type Config struct {
	AnswerTimeout time.Duration
	Retention     time.Duration
	QueueLimit    int
}

// Policy decides whether caller may call callee.
type Policy interface {
	CanCall(ctx context.Context, callerID, calleeID string) (bool, error)
}

// Transport is the subset of the Connection Registry the manager needs.
type Transport interface {
	SendTo(ctx context.Context, connID string, payload []byte) error
	SendToUser(ctx context.Context, userID string, payload []byte) int
	SendToUserExcept(ctx context.Context, userID, skipConnID string, payload []byte) int
}

// Presence reports a user's current presence.
type Presence interface {
	IsOnline(userID string) bool
}

// Actor identifies who performs an operation. ConnID is optional and names
// the connection the request came from; DeviceID names the device when the
// request did not arrive over a connection.
type Actor struct {
	UserID   string
	ConnID   string
	DeviceID string
}

// Manager owns the live and recently terminated call sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	// engaged maps a user to the id of their non-terminal session.
	engaged map[string]string
	closed  bool

	cfg       Config
	transport Transport
	policy    Policy
	presence  Presence
	now       func() time.Time
	logger    *slog.Logger

	hooksMu sync.RWMutex
	hooks   []func(context.Context, Session)
}

// NewManager creates a Manager. Zero config fields take the defaults.
func NewManager(cfg Config, transport Transport, policy Policy, logger *slog.Logger) *Manager {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	return &Manager{
		sessions:  make(map[string]*session),
		engaged:   make(map[string]string),
		cfg:       cfg,
		transport: transport,
		policy:    policy,
		now:       time.Now,
		logger:    logging.Component(logger, "call"),
	}
}

// OnTerminal registers a hook run once per session when it reaches a
// terminal state, outside every session lock.
func (m *Manager) OnTerminal(hook func(context.Context, Session)) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hooksMu.Unlock()
}

// Initiate starts a call from caller to callee and rings every callee device.
func (m *Manager) Initiate(ctx context.Context, callerID, calleeID string, kind Kind) (string, error) {
	callerID, calleeID = strings.TrimSpace(callerID), strings.TrimSpace(calleeID)
	if callerID == "" || calleeID == "" || callerID == calleeID {
		return "", fmt.Errorf("initiate %q -> %q: %w", callerID, calleeID, registry.ErrMalformedID)
	}

	allowed, err := m.policy.CanCall(ctx, callerID, calleeID)
	if err != nil {
		return "", fmt.Errorf("initiate %s -> %s: privacy lookup: %w", callerID, calleeID, err)
	}
	if !allowed {
		return "", fmt.Errorf("initiate %s -> %s: %w", callerID, calleeID, ErrNotPermitted)
	}

	now := m.now()
	s := &session{
		id:        uuid.NewString(),
		callerID:  callerID,
		calleeID:  calleeID,
		kind:      kind,
		state:     Idle,
		createdAt: now,
		connected: make(map[string]bool),
		queues:    make(map[string]*signalQueue),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("initiate: %w", ErrInvalidState)
	}
	if _, busy := m.engaged[calleeID]; busy {
		m.mu.Unlock()
		m.logger.Debug("callee busy", "caller_id", callerID, "callee_id", calleeID)
		return "", fmt.Errorf("initiate %s -> %s: %w", callerID, calleeID, ErrBusy)
	}
	if _, busy := m.engaged[callerID]; busy {
		m.mu.Unlock()
		return "", fmt.Errorf("initiate %s: caller already in a call: %w", callerID, ErrBusy)
	}
	m.sessions[s.id] = s
	m.engaged[callerID] = s.id
	m.engaged[calleeID] = s.id
	s.mu.Lock()
	m.mu.Unlock()

	incoming, err := protocol.Encode(protocol.TypeCallIncoming, "", protocol.CallIncoming{
		SessionID: s.id,
		CallerID:  callerID,
		Kind:      string(kind),
	})
	if err != nil {
		snap := m.finishLocked(ctx, s, Failed, err.Error())
		s.mu.Unlock()
		m.runHooks(ctx, snap)
		return "", fmt.Errorf("initiate: %w", err)
	}

	if rung := m.transport.SendToUser(ctx, calleeID, incoming); rung == 0 {
		snap := m.finishLocked(ctx, s, Unreachable, reasonUnreachable)
		s.mu.Unlock()
		m.logger.Info("callee unreachable", "session_id", snap.ID, "caller_id", callerID, "callee_id", calleeID)
		m.runHooks(ctx, snap)
		return "", fmt.Errorf("initiate %s -> %s: %w", callerID, calleeID, ErrUnreachable)
	}

	s.state = Ringing
	s.answerDeadline = now.Add(m.cfg.AnswerTimeout)
	id := s.id
	s.answerTimer = time.AfterFunc(m.cfg.AnswerTimeout, func() { m.expire(id) })
	m.notifyState(ctx, s, callerID, "")
	s.mu.Unlock()

	m.logger.Info("call ringing", "session_id", id, "caller_id", callerID, "callee_id", calleeID, "kind", string(kind))
	return id, nil
}

// Answer accepts or declines a ringing call on behalf of the callee.
func (m *Manager) Answer(ctx context.Context, sessionID string, actor Actor, accept bool) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.isParty(actor.UserID) {
		s.mu.Unlock()
		return fmt.Errorf("answer %s: %w", sessionID, ErrNotParticipant)
	}
	if actor.UserID != s.calleeID || s.state != Ringing {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("answer %s in state %s: %w", sessionID, state, ErrInvalidState)
	}

	if !accept {
		snap := m.finishLocked(ctx, s, Rejected, reasonDeclined)
		s.mu.Unlock()
		m.runHooks(ctx, snap)
		return nil
	}

	s.answerTimer.Stop()
	s.state = Connecting
	s.reason = reasonAccepted
	m.notifyState(ctx, s, s.callerID, reasonAccepted)
	if elsewhere, err := protocol.Encode(protocol.TypeCallAnsweredElsewhere, "", protocol.CallRef{SessionID: s.id}); err == nil {
		m.transport.SendToUserExcept(ctx, s.calleeID, actor.ConnID, elsewhere)
	}
	m.flushLocked(ctx, s, s.calleeID)
	m.flushLocked(ctx, s, s.callerID)
	s.mu.Unlock()

	m.logger.Info("call accepted", "session_id", sessionID)
	return nil
}

// Signal relays an opaque signaling payload to the other party, queueing it
// while that party's leg is not reachable.
func (m *Manager) Signal(ctx context.Context, sessionID string, actor Actor, payload json.RawMessage) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isParty(actor.UserID) {
		return fmt.Errorf("signal %s: %w", sessionID, ErrNotParticipant)
	}
	switch {
	case s.state == Ringing && actor.UserID == s.callerID:
	case s.state == Connecting, s.state == Active:
	default:
		return fmt.Errorf("signal %s in state %s: %w", sessionID, s.state, ErrInvalidState)
	}

	frame, err := protocol.Encode(protocol.TypeCallSignal, "", protocol.RelayedSignal{SessionID: s.id, From: actor.UserID, Payload: payload})
	if err != nil {
		return fmt.Errorf("signal %s: %w", sessionID, err)
	}

	peer := s.peerOf(actor.UserID)
	q := s.queueFor(peer, m.cfg.QueueLimit)
	// Earlier queued frames go first so the peer sees signals in order.
	if !s.legEstablished(peer) || q.len() > 0 {
		q.push(frame)
		m.flushLocked(ctx, s, peer)
		return nil
	}
	if m.transport.SendToUser(ctx, peer, frame) == 0 {
		q.push(frame)
		m.logger.Debug("peer unreachable, signal queued", "session_id", s.id, "peer_id", peer, "queued", q.len())
	}
	return nil
}

// MarkConnected records that actor's media is up. The session becomes
// Active once both parties reported.
func (m *Manager) MarkConnected(ctx context.Context, sessionID string, actor Actor) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isParty(actor.UserID) {
		return fmt.Errorf("connected %s: %w", sessionID, ErrNotParticipant)
	}
	switch s.state {
	case Active:
		return nil
	case Connecting:
	default:
		return fmt.Errorf("connected %s in state %s: %w", sessionID, s.state, ErrInvalidState)
	}

	s.connected[actor.UserID] = true
	if s.connected[s.callerID] && s.connected[s.calleeID] {
		s.state = Active
		s.reason = ""
		m.notifyState(ctx, s, s.callerID, "")
		m.notifyState(ctx, s, s.calleeID, "")
		m.logger.Info("call active", "session_id", s.id)
	}
	return nil
}

// End hangs up. Before the callee answered, the caller cancels and the
// callee declines; afterwards either party ends the call.
func (m *Manager) End(ctx context.Context, sessionID string, actor Actor) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.isParty(actor.UserID) {
		s.mu.Unlock()
		return fmt.Errorf("end %s: %w", sessionID, ErrNotParticipant)
	}

	var (
		next   State
		reason string
	)
	switch {
	case s.state == Ringing && actor.UserID == s.callerID:
		next, reason = Cancelled, reasonCancelled
	case s.state == Ringing:
		next, reason = Rejected, reasonDeclined
	case s.state == Connecting, s.state == Active:
		next, reason = Ended, reasonHangup
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("end %s in state %s: %w", sessionID, state, ErrInvalidState)
	}

	snap := m.finishLocked(ctx, s, next, reason)
	s.mu.Unlock()
	m.runHooks(ctx, snap)
	return nil
}

// Session returns a snapshot of a live or retained session.
func (m *Manager) Session(sessionID string) (Session, bool) {
	s, err := m.get(sessionID)
	if err != nil {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// ActiveFor returns the non-terminal session userID takes part in.
func (m *Manager) ActiveFor(userID string) (Session, bool) {
	m.mu.Lock()
	id, ok := m.engaged[userID]
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return m.Session(id)
}

// Count returns the number of live and retained sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleRegistryEvent reacts to a new connection of a party: a ringing
// callee's new device starts ringing too and queued signals are flushed.
// The work runs on its own goroutine because registry listeners must not
// call back into the registry.
func (m *Manager) HandleRegistryEvent(ev registry.Event) {
	if ev.Kind != registry.Registered {
		return
	}
	m.mu.Lock()
	id, ok := m.engaged[ev.Handle.UserID]
	m.mu.Unlock()
	if !ok {
		return
	}
	go m.partyReconnected(context.Background(), id, ev.Handle)
}

// UsePresence makes HandlePresence check the user's current presence before
// failing a session. Offline changes are delivered asynchronously, so the
// user may be back online by then.
func (m *Manager) UsePresence(p Presence) {
	m.mu.Lock()
	m.presence = p
	m.mu.Unlock()
}

// HandlePresence fails the live session of a user who went Offline, which
// only happens once their reconnect grace period has lapsed. A change for a
// user who is online again is stale and ignored.
func (m *Manager) HandlePresence(ctx context.Context, change presence.Change) {
	if change.Online {
		return
	}
	m.mu.Lock()
	p := m.presence
	m.mu.Unlock()
	if p != nil && p.IsOnline(change.UserID) {
		m.logger.Debug("ignoring stale offline change", "user_id", change.UserID)
		return
	}
	m.mu.Lock()
	id, ok := m.engaged[change.UserID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s, err := m.get(id)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	snap := m.finishLocked(ctx, s, Failed, reasonPeerLost)
	s.mu.Unlock()

	m.logger.Warn("call failed, party went offline", "session_id", id, "user_id", change.UserID)
	m.runHooks(ctx, snap)
}

// Close stops every timer and refuses new calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.stopTimers()
		s.mu.Unlock()
	}
}

func (m *Manager) partyReconnected(ctx context.Context, sessionID string, h registry.Handle) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Ringing && h.UserID == s.calleeID {
		incoming, err := protocol.Encode(protocol.TypeCallIncoming, "", protocol.CallIncoming{
			SessionID: s.id,
			CallerID:  s.callerID,
			Kind:      string(s.kind),
		})
		if err == nil {
			_ = m.transport.SendTo(ctx, h.ID, incoming)
		}
	}
	m.flushLocked(ctx, s, h.UserID)
}

func (m *Manager) expire(sessionID string) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	ctx := context.Background()

	s.mu.Lock()
	if s.state != Ringing {
		// Answered, cancelled or failed first.
		s.mu.Unlock()
		return
	}
	snap := m.finishLocked(ctx, s, TimedOut, reasonNoAnswer)
	s.mu.Unlock()

	m.logger.Info("call timed out", "session_id", sessionID)
	m.runHooks(ctx, snap)
}

// finishLocked moves s to a terminal state, tells both parties, releases the
// busy index and schedules removal. Callers hold s.mu.
func (m *Manager) finishLocked(ctx context.Context, s *session, state State, reason string) Session {
	s.state = state
	s.reason = reason
	s.endedAt = m.now()
	s.stopTimers()
	for _, q := range s.queues {
		q.reset()
	}

	id := s.id
	s.cleanupTimer = time.AfterFunc(m.cfg.Retention, func() { m.purge(id) })

	m.mu.Lock()
	if m.engaged[s.callerID] == id {
		delete(m.engaged, s.callerID)
	}
	if m.engaged[s.calleeID] == id {
		delete(m.engaged, s.calleeID)
	}
	m.mu.Unlock()

	if state != Unreachable {
		m.notifyState(ctx, s, s.callerID, reason)
		m.notifyState(ctx, s, s.calleeID, reason)
	}
	return s.snapshot()
}

// flushLocked delivers userID's queued signals in order while the leg is
// reachable. Callers hold s.mu.
func (m *Manager) flushLocked(ctx context.Context, s *session, userID string) {
	q, ok := s.queues[userID]
	if !ok || !s.legEstablished(userID) {
		return
	}
	for {
		frame, ok := q.peek()
		if !ok {
			return
		}
		if m.transport.SendToUser(ctx, userID, frame) == 0 {
			return
		}
		q.pop()
	}
}

func (m *Manager) notifyState(ctx context.Context, s *session, userID, reason string) {
	frame, err := protocol.Encode(protocol.TypeCallState, "", protocol.CallState{
		SessionID: s.id,
		State:     s.state.String(),
		Reason:    reason,
	})
	if err != nil {
		m.logger.Error("encoding call state", "session_id", s.id, "error", err)
		return
	}
	m.transport.SendToUser(ctx, userID, frame)
}

func (m *Manager) runHooks(ctx context.Context, snap Session) {
	m.hooksMu.RLock()
	hooks := make([]func(context.Context, Session), len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, snap)
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

func (m *Manager) purge(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
