package presence

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus/internal/protocol"
	"github.com/Tyrowin/nexus/internal/registry"
	"github.com/Tyrowin/nexus/internal/registry/registrytest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticFriends struct {
	friends map[string][]string
	err     error
}

func (s staticFriends) FriendsOf(_ context.Context, userID string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.friends[userID], nil
}

type fixture struct {
	clock   *fakeClock
	reg     *registry.Registry
	tracker *Tracker

	mu      sync.Mutex
	changes []Change
}

func newFixture(t *testing.T, friends FriendLookup) *fixture {
	t.Helper()
	f := &fixture{clock: newFakeClock()}
	f.reg = registry.New(nil, registry.WithClock(f.clock.Now))
	f.tracker = NewTracker(Config{Grace: 15 * time.Second}, friends, f.reg, nil, WithClock(f.clock.Now))
	f.reg.Subscribe(f.tracker.HandleEvent)
	f.tracker.OnChange(func(_ context.Context, c Change) {
		f.mu.Lock()
		f.changes = append(f.changes, c)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) flush() {
	f.tracker.deliverPending(context.Background())
}

func (f *fixture) observed() []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Change(nil), f.changes...)
}

func TestFirstConnectionGoesOnline(t *testing.T) {
	f := newFixture(t, nil)

	assert.False(t, f.tracker.IsOnline("u1"))
	_, err := f.reg.Register("u1", "d1", registrytest.NewSender())
	require.NoError(t, err)
	f.flush()

	assert.True(t, f.tracker.IsOnline("u1"))
	changes := f.observed()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Online)

	rec, ok := f.tracker.Record("u1")
	require.True(t, ok)
	assert.Equal(t, Online, rec.State)
	assert.Equal(t, 1, rec.ActiveConnections)
}

func TestEveryHookSeesEachChange(t *testing.T) {
	f := newFixture(t, nil)
	var second []Change
	f.tracker.OnChange(func(_ context.Context, c Change) { second = append(second, c) })

	_, err := f.reg.Register("u1", "d1", registrytest.NewSender())
	require.NoError(t, err)
	f.flush()

	assert.Len(t, f.observed(), 1)
	require.Len(t, second, 1)
	assert.Equal(t, "u1", second[0].UserID)
}

func TestGracePeriodThenOffline(t *testing.T) {
	f := newFixture(t, nil)
	h, _ := f.reg.Register("u1", "d1", registrytest.NewSender())
	f.reg.Unregister(h.ID)
	f.flush()

	rec, _ := f.tracker.Record("u1")
	assert.Equal(t, Grace, rec.State)
	assert.Equal(t, 0, rec.ActiveConnections)
	assert.True(t, f.tracker.IsOnline("u1"))

	f.clock.Advance(14 * time.Second)
	assert.Zero(t, f.tracker.Sweep(f.clock.Now()))
	assert.True(t, f.tracker.IsOnline("u1"))

	f.clock.Advance(2 * time.Second)
	// Expired grace reads as offline before any sweep ran.
	assert.False(t, f.tracker.IsOnline("u1"))

	assert.Equal(t, 1, f.tracker.Sweep(f.clock.Now()))
	f.flush()
	changes := f.observed()
	require.Len(t, changes, 2)
	assert.False(t, changes[1].Online)
	assert.Equal(t, Offline, mustRecord(t, f.tracker, "u1").State)
}

func TestReconnectWithinGraceNeverGoesOffline(t *testing.T) {
	f := newFixture(t, nil)
	h, _ := f.reg.Register("u1", "d1", registrytest.NewSender())
	f.reg.Unregister(h.ID)

	f.clock.Advance(10 * time.Second)
	_, _ = f.reg.Register("u1", "d1", registrytest.NewSender())
	assert.True(t, f.tracker.IsOnline("u1"))

	f.clock.Advance(time.Minute)
	assert.Zero(t, f.tracker.Sweep(f.clock.Now()))
	f.flush()

	changes := f.observed()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Online)
	assert.True(t, f.tracker.IsOnline("u1"))
}

func TestLateReconnectBeforeSweepEmitsOfflineThenOnline(t *testing.T) {
	f := newFixture(t, nil)
	h, _ := f.reg.Register("u1", "d1", registrytest.NewSender())
	f.reg.Unregister(h.ID)

	f.clock.Advance(20 * time.Second)
	_, _ = f.reg.Register("u1", "d2", registrytest.NewSender())
	f.flush()

	changes := f.observed()
	require.Len(t, changes, 3)
	assert.True(t, changes[0].Online)
	assert.False(t, changes[1].Online)
	assert.True(t, changes[2].Online)

	// The old deadline was consumed, a sweep must not emit another Offline.
	assert.Zero(t, f.tracker.Sweep(f.clock.Now().Add(time.Hour)))
}

func TestNegativeGraceGoesOfflineImmediately(t *testing.T) {
	clock := newFakeClock()
	reg := registry.New(nil)
	tracker := NewTracker(Config{Grace: -1}, nil, reg, nil, WithClock(clock.Now))
	reg.Subscribe(tracker.HandleEvent)

	h, _ := reg.Register("u1", "", registrytest.NewSender())
	reg.Unregister(h.ID)
	assert.False(t, tracker.IsOnline("u1"))
	assert.Equal(t, Offline, mustRecord(t, tracker, "u1").State)
}

func TestSecondDeviceKeepsUserOnline(t *testing.T) {
	f := newFixture(t, nil)
	h1, _ := f.reg.Register("u1", "d1", registrytest.NewSender())
	_, _ = f.reg.Register("u1", "d2", registrytest.NewSender())
	f.reg.Unregister(h1.ID)

	rec := mustRecord(t, f.tracker, "u1")
	assert.Equal(t, Online, rec.State)
	assert.Equal(t, 1, rec.ActiveConnections)
}

func TestUnknownUserUnregisterCreatesRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.HandleEvent(registry.Event{
		Kind:   registry.Unregistered,
		Handle: registry.Handle{ID: "c1", UserID: "ghost"},
	})
	rec := mustRecord(t, f.tracker, "ghost")
	assert.Equal(t, Offline, rec.State)
	assert.Zero(t, rec.ActiveConnections)
}

// TestCountMatchesRegistryUnderRandomChurn checks that the record count always
// equals the registry's live set and never goes negative.
func TestCountMatchesRegistryUnderRandomChurn(t *testing.T) {
	f := newFixture(t, nil)
	rng := rand.New(rand.NewSource(7))
	users := []string{"a", "b", "c"}
	live := make(map[string][]string)

	for i := 0; i < 500; i++ {
		user := users[rng.Intn(len(users))]
		if rng.Intn(2) == 0 || len(live[user]) == 0 {
			h, err := f.reg.Register(user, "", registrytest.NewSender())
			require.NoError(t, err)
			live[user] = append(live[user], h.ID)
		} else {
			idx := rng.Intn(len(live[user]))
			f.reg.Unregister(live[user][idx])
			if rng.Intn(3) == 0 {
				// double unregister must be harmless
				f.reg.Unregister(live[user][idx])
			}
			live[user] = append(live[user][:idx], live[user][idx+1:]...)
		}
		f.clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)

		rec := mustRecord(t, f.tracker, user)
		require.GreaterOrEqual(t, rec.ActiveConnections, 0)
		require.Equal(t, f.reg.UserCount(user), rec.ActiveConnections)
	}
}

func TestFriendsObserveOnlineThenOfflineAfterGrace(t *testing.T) {
	friends := staticFriends{friends: map[string][]string{"u1": {"u2"}}}
	f := newFixture(t, friends)

	u2 := registrytest.NewSender()
	_, _ = f.reg.Register("u2", "d1", u2)
	f.flush()

	u1 := registrytest.NewSender()
	h, _ := f.reg.Register("u1", "d1", u1)
	f.flush()

	frames := u2.FramesOfType(protocol.TypePresenceChanged)
	require.Len(t, frames, 1)
	assert.True(t, decodeChange(t, frames[0]).Online)

	// Abrupt loss: the first failed send drops the stale handle.
	u1.Fail()
	err := f.reg.SendTo(context.Background(), h.ID, []byte("ping"))
	require.ErrorIs(t, err, registry.ErrConnectionGone)

	f.clock.Advance(14 * time.Second)
	f.tracker.Sweep(f.clock.Now())
	f.flush()
	require.Len(t, u2.FramesOfType(protocol.TypePresenceChanged), 1)

	f.clock.Advance(2 * time.Second)
	f.tracker.Sweep(f.clock.Now())
	f.flush()
	frames = u2.FramesOfType(protocol.TypePresenceChanged)
	require.Len(t, frames, 2)
	got := decodeChange(t, frames[1])
	assert.Equal(t, "u1", got.UserID)
	assert.False(t, got.Online)
}

func TestFriendLookupFailureSkipsBroadcast(t *testing.T) {
	f := newFixture(t, staticFriends{err: errors.New("graph down")})
	u2 := registrytest.NewSender()
	_, _ = f.reg.Register("u2", "", u2)
	_, _ = f.reg.Register("u1", "", registrytest.NewSender())
	f.flush()

	assert.Empty(t, u2.FramesOfType(protocol.TypePresenceChanged))
	assert.Len(t, f.observed(), 2)
}

func TestSubscribeReceivesFriendChanges(t *testing.T) {
	friends := staticFriends{friends: map[string][]string{"u1": {"u2"}}}
	f := newFixture(t, friends)

	ch, cancel := f.tracker.Subscribe("u2")
	_, _ = f.reg.Register("u1", "", registrytest.NewSender())
	f.flush()

	select {
	case c := <-ch:
		assert.Equal(t, "u1", c.UserID)
		assert.True(t, c.Online)
	default:
		t.Fatal("expected a presence change")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestRunDeliversAndSweeps(t *testing.T) {
	friends := staticFriends{friends: map[string][]string{"u1": {"u2"}}}
	reg := registry.New(nil)
	tracker := NewTracker(Config{Grace: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, friends, reg, nil)
	reg.Subscribe(tracker.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	u2 := registrytest.NewSender()
	_, _ = reg.Register("u2", "", u2)
	h, _ := reg.Register("u1", "", registrytest.NewSender())

	require.Eventually(t, func() bool {
		return len(u2.FramesOfType(protocol.TypePresenceChanged)) == 1
	}, time.Second, 5*time.Millisecond)

	reg.Unregister(h.ID)
	require.Eventually(t, func() bool {
		return len(u2.FramesOfType(protocol.TypePresenceChanged)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, tracker.IsOnline("u1"))
	assert.Equal(t, 1, tracker.OnlineCount())
}

func mustRecord(t *testing.T, tracker *Tracker, userID string) Record {
	t.Helper()
	rec, ok := tracker.Record(userID)
	require.True(t, ok, "no record for %s", userID)
	return rec
}

func decodeChange(t *testing.T, f protocol.Frame) protocol.PresenceChanged {
	t.Helper()
	var c protocol.PresenceChanged
	require.NoError(t, f.DecodeData(&c))
	return c
}
