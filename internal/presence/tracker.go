// Package presence derives each user's Online/Offline state from the
// Connection Registry and broadcasts transitions to the user's friends.
//
// A user whose last connection drops enters a grace period instead of going
// Offline at once, so a page refresh or a backgrounded app does not flap the
// friends' view. Grace expiry is applied by a periodic sweep; queries never
// depend on the sweep having run.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/registry"
)

// DefaultGrace is how long a user with zero connections still counts as Online.
const DefaultGrace = 15 * time.Second

// DefaultSweepInterval is how often expired grace periods are applied.
const DefaultSweepInterval = time.Second

// State is a user's presence state.
type State int

const (
	// Offline users have no connection and no pending grace period.
	Offline State = iota
	// Online users have at least one live connection.
	Online
	// Grace users lost their last connection less than the grace duration ago.
	Grace
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Grace:
		return "grace"
	default:
		return "offline"
	}
}

// Record is the presence bookkeeping for one user.
type Record struct {
	UserID            string
	State             State
	ActiveConnections int
	LastActivity      time.Time
	GraceDeadline     time.Time
}

// Change is an Online/Offline transition.
type Change struct {
	UserID string
	Online bool
	At     time.Time
}

// FriendLookup resolves who should hear about a user's presence.
type FriendLookup interface {
	FriendsOf(ctx context.Context, userID string) ([]string, error)
}

// Broadcaster delivers a payload to every live connection of a user.
type Broadcaster interface {
	SendToUser(ctx context.Context, userID string, payload []byte) int
}

// Config holds the tracker timings.
type Config struct {
	Grace         time.Duration
	SweepInterval time.Duration
}

// Tracker owns every PresenceRecord. Only registry events mutate records.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record

	grace         time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	pending *changeQueue
	friends FriendLookup
	out     Broadcaster

	hooksMu sync.RWMutex
	hooks   []func(context.Context, Change)

	subs *subscribers

	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. Zero durations in cfg take the defaults; a
// negative grace disables the grace period.
func NewTracker(cfg Config, friends FriendLookup, out Broadcaster, logger *slog.Logger, opts ...Option) *Tracker {
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	t := &Tracker{
		records:       make(map[string]*Record),
		grace:         cfg.Grace,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		pending:       newChangeQueue(),
		friends:       friends,
		out:           out,
		subs:          newSubscribers(),
		logger:        logging.Component(logger, "presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a hook run for every Online/Offline transition, in
// transition order, outside the tracker lock.
func (t *Tracker) OnChange(hook func(context.Context, Change)) {
	t.hooksMu.Lock()
	t.hooks = append(t.hooks, hook)
	t.hooksMu.Unlock()
}

// HandleEvent applies a registry event. It is meant to be subscribed to the
// Registry and only touches memory.
func (t *Tracker) HandleEvent(ev registry.Event) {
	userID := ev.Handle.UserID
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		rec = &Record{UserID: userID, State: Offline}
		t.records[userID] = rec
	}
	rec.ActiveConnections = ev.Remaining
	rec.LastActivity = now

	switch ev.Kind {
	case registry.Registered:
		switch rec.State {
		case Offline:
			rec.State = Online
			t.pending.push(Change{UserID: userID, Online: true, At: now})
		case Grace:
			if !now.Before(rec.GraceDeadline) {
				// The sweep has not caught up yet; friends must still see the
				// lapse before the new session.
				t.pending.push(Change{UserID: userID, Online: false, At: rec.GraceDeadline})
				t.pending.push(Change{UserID: userID, Online: true, At: now})
			}
			rec.State = Online
			rec.GraceDeadline = time.Time{}
		}
	case registry.Unregistered:
		if ev.Remaining > 0 || rec.State != Online {
			return
		}
		if t.grace < 0 {
			rec.State = Offline
			t.pending.push(Change{UserID: userID, Online: false, At: now})
			return
		}
		rec.State = Grace
		rec.GraceDeadline = now.Add(t.grace)
	}
}

// Sweep moves every grace record whose deadline is not after now to Offline
// and returns how many expired.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for _, rec := range t.records {
		if rec.State != Grace || now.Before(rec.GraceDeadline) {
			continue
		}
		rec.State = Offline
		deadline := rec.GraceDeadline
		rec.GraceDeadline = time.Time{}
		t.pending.push(Change{UserID: rec.UserID, Online: false, At: deadline})
		expired++
	}
	return expired
}

// IsOnline reports whether userID is logically online: connected, or inside
// an unexpired grace period.
func (t *Tracker) IsOnline(userID string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return false
	}
	switch rec.State {
	case Online:
		return true
	case Grace:
		return now.Before(rec.GraceDeadline)
	default:
		return false
	}
}

// Record returns a copy of userID's presence record.
func (t *Tracker) Record(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// OnlineCount returns the number of users currently Online or in grace.
func (t *Tracker) OnlineCount() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.State == Online || (rec.State == Grace && now.Before(rec.GraceDeadline)) {
			n++
		}
	}
	return n
}

// Subscribe returns a channel receiving the presence changes of userID's
// friends, and a func that ends the subscription and closes the channel.
func (t *Tracker) Subscribe(userID string) (<-chan Change, func()) {
	return t.subs.add(userID)
}

// Run sweeps expired grace periods and delivers queued changes until ctx is
// done. It blocks and is meant to run in its own goroutine.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	t.logger.Info("presence tracker started", "grace", t.grace, "sweep_interval", t.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("presence tracker stopped")
			return
		case <-ticker.C:
			t.Sweep(t.now())
		case <-t.pending.signal:
		}
		t.deliverPending(ctx)
	}
}

// Flush delivers every queued change on the calling goroutine.
func (t *Tracker) Flush(ctx context.Context) {
	t.deliverPending(ctx)
}

func (t *Tracker) deliverPending(ctx context.Context) {
	for _, change := range t.pending.drain() {
		t.deliver(ctx, change)
	}
}

func (t *Tracker) deliver(ctx context.Context, change Change) {
	t.logger.Info("presence changed", "user_id", change.UserID, "online", change.Online)

	t.hooksMu.RLock()
	hooks := make([]func(context.Context, Change), len(t.hooks))
	copy(hooks, t.hooks)
	t.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, change)
	}

	if t.friends == nil {
		return
	}
	friends, err := t.friends.FriendsOf(ctx, change.UserID)
	if err != nil {
		t.logger.Error("friend lookup failed, presence broadcast skipped", "user_id", change.UserID, "error", err)
		return
	}
	if len(friends) == 0 {
		return
	}

	payload, err := encodeChange(change)
	if err != nil {
		t.logger.Error("encoding presence change", "user_id", change.UserID, "error", err)
		return
	}
	for _, friend := range friends {
		if t.out != nil {
			t.out.SendToUser(ctx, friend, payload)
		}
		t.subs.publish(friend, change)
	}
}
