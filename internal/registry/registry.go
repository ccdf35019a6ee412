package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/nexus/internal/logging"
)

var (
	// ErrConnectionGone reports that a handle is stale and has been removed.
	ErrConnectionGone = errors.New("connection gone")
	// ErrMalformedID reports a caller contract violation on identifiers.
	ErrMalformedID = errors.New("malformed identifier")
)

// Sender is the opaque send capability of a live transport connection.
// Send must not block on the network; it returns an error once the
// connection can no longer accept payloads.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Handle is one live connection of one user device.
type Handle struct {
	ID            string
	UserID        string
	DeviceID      string
	EstablishedAt time.Time

	sender Sender
}

// EventKind distinguishes registry lifecycle events.
type EventKind int

const (
	// Registered is emitted after a handle was added.
	Registered EventKind = iota + 1
	// Unregistered is emitted after a handle was removed.
	Unregistered
)

func (k EventKind) String() string {
	switch k {
	case Registered:
		return "registered"
	case Unregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Event describes a registry mutation. Remaining is the user's live
// connection count right after the mutation.
type Event struct {
	Kind      EventKind
	Handle    Handle
	Remaining int
	At        time.Time
}

// Listener consumes registry events.
type Listener func(Event)

// Registry is the set of live connections keyed by connection id and user id.
// Mutations are serialized per user.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Handle
	byUser map[string]map[string]*Handle

	userLocks *keyedMutex

	listenersMu sync.RWMutex
	listeners   []Listener

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[string]*Handle),
		byUser:    make(map[string]map[string]*Handle),
		userLocks: newKeyedMutex(),
		logger:    logging.Component(logger, "registry"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds a listener for every subsequent event.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// Register stores a new handle for userID. It fails only on a blank user id
// or a nil sender.
func (r *Registry) Register(userID, deviceID string, sender Sender) (Handle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Handle{}, fmt.Errorf("register: empty user id: %w", ErrMalformedID)
	}
	if sender == nil {
		return Handle{}, fmt.Errorf("register %s: nil sender: %w", userID, ErrMalformedID)
	}

	unlock := r.userLocks.Lock(userID)
	defer unlock()

	h := &Handle{
		ID:            uuid.NewString(),
		UserID:        userID,
		DeviceID:      strings.TrimSpace(deviceID),
		EstablishedAt: r.now(),
		sender:        sender,
	}

	r.mu.Lock()
	r.conns[h.ID] = h
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Handle)
		r.byUser[userID] = set
	}
	set[h.ID] = h
	remaining := len(set)
	r.mu.Unlock()

	r.logger.Debug("connection registered", "conn_id", h.ID, "user_id", userID, "device_id", h.DeviceID, "user_connections", remaining)
	r.emit(Event{Kind: Registered, Handle: *h, Remaining: remaining, At: h.EstablishedAt})
	return *h, nil
}

// Unregister removes a handle. It is a no-op when the handle is already gone
// and reports whether anything was removed.
func (r *Registry) Unregister(connID string) bool {
	r.mu.RLock()
	h, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	unlock := r.userLocks.Lock(h.UserID)
	defer unlock()

	r.mu.Lock()
	h, ok = r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)
	set := r.byUser[h.UserID]
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(r.byUser, h.UserID)
	}
	r.mu.Unlock()

	r.logger.Debug("connection unregistered", "conn_id", connID, "user_id", h.UserID, "user_connections", remaining)
	r.emit(Event{Kind: Unregistered, Handle: *h, Remaining: remaining, At: r.now()})
	return true
}

// Evict closes and removes every connection of userID, e.g. on forced logout.
// It returns the number of evicted connections.
func (r *Registry) Evict(userID string) int {
	handles := r.ConnectionsFor(userID)
	evicted := 0
	for _, h := range handles {
		// Unregister before closing: closing lets the transport unregister
		// the handle concurrently.
		if r.Unregister(h.ID) {
			evicted++
		}
		if err := h.sender.Close(); err != nil {
			r.logger.Debug("closing evicted connection", "conn_id", h.ID, "error", err)
		}
	}
	if evicted > 0 {
		r.logger.Info("user evicted", "user_id", userID, "connections", evicted)
	}
	return evicted
}

// ConnectionsFor returns a snapshot of userID's live handles, oldest first.
// The snapshot is not updated afterwards.
func (r *Registry) ConnectionsFor(userID string) []Handle {
	r.mu.RLock()
	set := r.byUser[userID]
	handles := make([]Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, *h)
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		if handles[i].EstablishedAt.Equal(handles[j].EstablishedAt) {
			return handles[i].ID < handles[j].ID
		}
		return handles[i].EstablishedAt.Before(handles[j].EstablishedAt)
	})
	return handles
}

// SendTo delivers payload to one connection. A failed send marks the handle
// stale: it is closed, unregistered and ErrConnectionGone is returned.
func (r *Registry) SendTo(ctx context.Context, connID string, payload []byte) error {
	r.mu.RLock()
	h, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", connID, ErrConnectionGone)
	}

	if err := h.sender.Send(ctx, payload); err != nil {
		r.logger.Debug("send failed, dropping connection", "conn_id", connID, "user_id", h.UserID, "error", err)
		_ = h.sender.Close()
		r.Unregister(connID)
		return fmt.Errorf("send to %s: %w", connID, ErrConnectionGone)
	}
	return nil
}

// SendToUser attempts delivery to every current connection of userID, in
// connection age order, and returns how many succeeded.
func (r *Registry) SendToUser(ctx context.Context, userID string, payload []byte) int {
	return r.SendToUserExcept(ctx, userID, "", payload)
}

// SendToUserExcept is SendToUser skipping the connection skipConnID.
func (r *Registry) SendToUserExcept(ctx context.Context, userID, skipConnID string, payload []byte) int {
	delivered := 0
	for _, h := range r.ConnectionsFor(userID) {
		if h.ID == skipConnID {
			continue
		}
		if err := r.SendTo(ctx, h.ID, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Lookup returns the handle for connID if it is live.
func (r *Registry) Lookup(connID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[connID]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of live connections of userID.
func (r *Registry) UserCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Users returns the number of users with at least one live connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) emit(ev Event) {
	r.listenersMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		r.dispatch(l, ev)
	}
}

func (r *Registry) dispatch(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("registry listener panicked", "event", ev.Kind.String(), "user_id", ev.Handle.UserID, "panic", rec)
		}
	}()
	l(ev)
}
